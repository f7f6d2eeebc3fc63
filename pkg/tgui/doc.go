// Package tgui renders Telegram HTML messages.
//
// Values of type H are already escaped for ParseMode="HTML"; plain strings
// pass through Esc (directly or via the tag helpers) before they are joined.
package tgui
