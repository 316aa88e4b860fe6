// Package router turns admin chat messages into command calls: it parses
// the command line, rejects non-admins and runs the handler on a bounded
// worker pool with timeout, panic recovery and request logging.
package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"leadbot/internal/runtime/supervisor"
	kit "leadbot/internal/transport"
	"leadbot/pkg/logx"
)

const (
	MsgAccessDenied   = "Access denied."
	MsgUnknownCommand = "Unknown command. Try /help"
	MsgBusy           = "Busy, try again."
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string // whitespace separated arguments
	Raw     string   // everything after the command word, untouched
	ReqID   string

	Sender kit.Sender
	Logger logx.Logger
}

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type Option func(*Router)

func WithWorkers(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

type Router struct {
	log     logx.Logger
	sender  kit.Sender
	workers int
	timeout time.Duration
	jobs    chan func()

	mu     sync.RWMutex
	cmds   map[string]*Command
	names  []string
	admins map[int64]struct{}
}

func New(sender kit.Sender, admins []int64, log logx.Logger, opts ...Option) *Router {
	r := &Router{
		log:     log,
		sender:  sender,
		workers: 2,
		timeout: 30 * time.Second,
		jobs:    make(chan func(), 64),
		cmds:    map[string]*Command{},
	}
	for _, o := range opts {
		o(r)
	}
	r.SetAdmins(admins)
	return r
}

// SetAdmins replaces the set of Telegram user ids allowed to run commands.
func (r *Router) SetAdmins(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	r.mu.Lock()
	r.admins = m
	r.mu.Unlock()
}

func (r *Router) isAdmin(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.admins[id]
	return ok
}

func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cmds {
		c := &cmds[i]
		if _, dup := r.cmds[c.Name]; !dup {
			r.names = append(r.names, c.Name)
		}
		r.cmds[c.Name] = c
		for _, a := range c.Aliases {
			r.cmds[a] = c
		}
	}
}

func (r *Router) lookup(word string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cmds[word]
	return c, ok
}

// Commands returns the registered commands in registration order, for the
// platform command menu.
func (r *Router) Commands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, kit.BotCommand{Command: n, Description: r.cmds[n].Description})
	}
	return out
}

// HelpText lists every command with its usage.
func (r *Router) HelpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	b.WriteString("Lead bot admin commands\n\n")
	for _, n := range r.names {
		c := r.cmds[n]
		line := "/" + n
		if c.Usage != "" {
			line += " " + c.Usage
		}
		if c.Description != "" {
			line += " - " + c.Description
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Run routes updates until ctx ends or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(r.log.With(logx.String("comp", "telegram.router"))))
	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(idx, job)
				}
			}
		}, supervisor.RestartPolicy{MinBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second})
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job := r.Route(ctx, up)
			if job == nil {
				continue
			}
			select {
			case r.jobs <- job:
			default:
				_, _ = r.sender.SendText(ctx, chatOf(up), MsgBusy, nil)
			}
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	job()
}

func chatOf(up kit.Update) kit.ChatTarget {
	if up.Message == nil {
		return kit.ChatTarget{}
	}
	return kit.ChatTarget{ChatID: up.Message.ChatID, ThreadID: up.Message.ThreadID}
}

// Route parses one update and returns the job that handles it, or nil when
// the update was answered inline (access denied, unknown command) or ignored.
func (r *Router) Route(ctx context.Context, up kit.Update) func() {
	msg := up.Message
	if msg == nil {
		return nil
	}
	word, raw, ok := splitCommand(msg.Text)
	if !ok {
		return nil
	}
	to := chatOf(up)
	if !r.isAdmin(msg.FromID) {
		r.log.Warn("command from non-admin", logx.Int64("from_id", msg.FromID), logx.String("cmd", word))
		_, _ = r.sender.SendText(ctx, to, MsgAccessDenied, nil)
		return nil
	}
	cmd, ok := r.lookup(word)
	if !ok {
		_, _ = r.sender.SendText(ctx, to, MsgUnknownCommand, nil)
		return nil
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Message: msg,
		Chat:    to,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    strings.Fields(raw),
		Raw:     raw,
		ReqID:   rid,
		Sender:  r.sender,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	final := Chain(
		cmd.Handle,
		MWReplyError(),
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	return func() { _ = final(ctx, req) }
}

// splitCommand returns the command word without the leading slash or a
// @botname suffix, and the rest of the text.
func splitCommand(text string) (word, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	word, rest, _ = strings.Cut(text[1:], " ")
	if i := strings.IndexAny(word, "\n\t"); i >= 0 {
		rest = word[i+1:] + " " + rest
		word = word[:i]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	return word, strings.TrimSpace(rest), word != ""
}
