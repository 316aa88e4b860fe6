// Package transport holds the chat-platform neutral types shared by the
// admin bot router and its adapters.
package transport

import "context"

type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
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

// Sender is the outbound half of an adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

// ChatSender adapts a Sender to plain chat ids, the shape used by the
// operator notifier.
type ChatSender struct {
	S   Sender
	Opt *SendOptions
}

func (c ChatSender) SendText(ctx context.Context, chatID int64, text string) (int, error) {
	ref, err := c.S.SendText(ctx, ChatTarget{ChatID: chatID}, text, c.Opt)
	return ref.MessageID, err
}

func (c ChatSender) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	return c.S.EditText(ctx, MessageRef{ChatID: chatID, MessageID: messageID}, text, c.Opt)
}
