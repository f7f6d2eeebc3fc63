// Package commands is the chat command surface.
//
// A Dispatcher parses slash commands, checks access and runs handlers on a
// bounded worker pool. Handlers stay thin: they parse arguments, call the
// daily scheduler, config store or remote client, and reply with HTML.
// Errors are mapped to short messages by UserMessage before they reach a chat.
package commands
