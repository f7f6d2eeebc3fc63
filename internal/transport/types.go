package transport

import (
	"context"
	"strconv"
	"time"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateJoined  UpdateKind = "joined"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
	// Chat is set for UpdateJoined (the bot was added to a chat).
	Chat ChatTarget
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool
}

// Target returns where a reply to m should go.
func (m *Message) Target() ChatTarget {
	return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

// ChatTarget is the destination handle stored in tenant configs.
type ChatTarget struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

func (t ChatTarget) String() string {
	s := strconv.FormatInt(t.ChatID, 10)
	if t.ThreadID != 0 {
		s += "/" + strconv.Itoa(t.ThreadID)
	}
	return s
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// DestinationChecker answers whether a configured destination still exists.
//
// Known is a cheap, local lookup (cache of chats the bot has seen).
// Exists asks the platform and may block on the network.
type DestinationChecker interface {
	Known(to ChatTarget) bool
	Exists(ctx context.Context, to ChatTarget) (bool, error)
}

type Adapter interface {
	Sender
	DestinationChecker

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	// Leave makes the bot leave a chat (unauthorized tenants).
	Leave(ctx context.Context, chatID int64) error
}

// FloodError reports platform-side throttling. Callers wait RetryAfter before retrying.
type FloodError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *FloodError) Error() string {
	return "flood control: retry after " + e.RetryAfter.String() + ": " + e.Err.Error()
}

func (e *FloodError) Unwrap() error { return e.Err }
