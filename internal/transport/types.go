package transport

import (
	"context"
	"time"
)

type UpdateKind string

const (
	// UpdateMembership reports a change of the bot's own membership in a chat.
	UpdateMembership UpdateKind = "membership"
	// UpdateActivity reports any message observed in a group chat.
	UpdateActivity UpdateKind = "activity"
	// UpdateCommand carries a "/command" message for the ops router.
	UpdateCommand UpdateKind = "command"
)

// Update is a platform event: target discovery or an operator command.
type Update struct {
	Kind   UpdateKind
	Chat   ChatInfo
	Active bool // membership only: bot can post
	At     time.Time

	// Command only.
	Text     string
	FromID   int64
	ThreadID int
}

// BotCommand is one entry of the platform's command menu.
type BotCommand struct {
	Command     string
	Description string
}

type ChatInfo struct {
	ID    int64
	Title string
	Type  string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID     int64
	MessageIDs []int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Content is a rendered job payload.
type Content struct {
	Text           string
	ImageURLs      []string
	ParseMode      string
	DisablePreview bool
}

// Sender delivers rendered content to one chat.
//
// Errors must be classifiable with IsPermanent / RetryAfterOf; anything not
// marked Permanent is treated as transient.
type Sender interface {
	Send(ctx context.Context, chatID int64, c Content) (MessageRef, error)
}

// Adapter is a running platform connection.
type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SetCommands(ctx context.Context, cmds []BotCommand) error
}
