package transport

import "context"

// ChatTarget addresses a chat and, for forum groups, a topic thread.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers plain text to a chat. Long texts are split by the implementation.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

// Command is an operator command received from a chat, e.g. "/dispatch main".
type Command struct {
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Name         string
	Args         []string
}

// CommandHandler answers a command; the returned text is sent back to the chat.
type CommandHandler func(ctx context.Context, cmd Command) (string, error)
