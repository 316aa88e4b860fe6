// Package dispatch delivers keyword-triggered direct messages one at a time.
//
// Requests are served strictly in FIFO order by a single loop. Between
// sends the loop waits a random delay, and it never sends more than the
// hourly cap counted from persisted SENT messages. A failed send is
// recorded as FAILED and not retried.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"leadbot/internal/eventbus"
	"leadbot/internal/pacing"
	"leadbot/internal/storage"
	"leadbot/pkg/logx"
)

var ErrStopped = errors.New("dispatch queue stopped")

// Request is one pending DM. It lives only in memory.
type Request struct {
	ID            string
	RecipientID   string
	RecipientName string
	Text          string
	PostID        int64
	RuleID        int64
	EnqueuedAt    time.Time
}

type State int

const (
	StateRunning State = iota
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// Sender delivers one direct message.
type Sender interface {
	SendDirectMessage(ctx context.Context, recipientID, text string) error
}

// Store is the slice of storage the queue needs.
type Store interface {
	HasReceived(ctx context.Context, recipientID string, postID int64) (bool, error)
	LogSentMessage(ctx context.Context, m storage.SentMessage) (storage.SentMessage, error)
	CountSentSince(ctx context.Context, since time.Time) (int, error)
}

const (
	defaultIdleWait    = time.Second
	defaultSendTimeout = 2 * time.Minute
)

type Queue struct {
	sender Sender
	store  Store
	pacer  *pacing.Pacer
	log    logx.Logger
	bus    *eventbus.Bus

	idleWait    time.Duration
	sendTimeout time.Duration

	mu    sync.Mutex
	items []Request
	state State
	stop  context.CancelFunc
}

type Option func(*Queue)

func WithIdleWait(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.idleWait = d
		}
	}
}

func WithBus(b *eventbus.Bus) Option { return func(q *Queue) { q.bus = b } }

func WithSendTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.sendTimeout = d
		}
	}
}

func New(sender Sender, store Store, pacer *pacing.Pacer, log logx.Logger, opts ...Option) *Queue {
	q := &Queue{
		sender:      sender,
		store:       store,
		pacer:       pacer,
		log:         log,
		idleWait:    defaultIdleWait,
		sendTimeout: defaultSendTimeout,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends req and returns immediately. It fails only after Stop.
func (q *Queue) Enqueue(req Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if q.state == StateStopped {
		q.mu.Unlock()
		return ErrStopped
	}
	q.items = append(q.items, req)
	n := len(q.items)
	q.mu.Unlock()

	q.log.Info("message queued",
		logx.String("request_id", req.ID),
		logx.String("recipient", req.RecipientName),
		logx.Int("queue_size", n))
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Pause stops dequeuing; Enqueue keeps accepting requests.
func (q *Queue) Pause() { q.setState(StatePaused) }

func (q *Queue) Resume() { q.setState(StateRunning) }

// Stop is terminal: Run returns after the in-flight send finishes and
// later Enqueue calls fail.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.state = StateStopped
	stop := q.stop
	q.mu.Unlock()
	if stop != nil {
		stop()
	}
	q.log.Info("dispatch queue stopped")
}

func (q *Queue) setState(s State) {
	q.mu.Lock()
	if q.state == StateStopped {
		q.mu.Unlock()
		return
	}
	q.state = s
	q.mu.Unlock()
	q.log.Info("dispatch queue " + s.String())
}

func (q *Queue) pop() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Request{}, false
	}
	req := q.items[0]
	q.items[0] = Request{}
	q.items = q.items[1:]
	return req, true
}

// Run processes the queue until ctx ends or Stop is called.
func (q *Queue) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q.mu.Lock()
	if q.state == StateStopped {
		q.mu.Unlock()
		return nil
	}
	q.stop = cancel
	q.mu.Unlock()

	q.log.Info("dispatch queue started")
	for ctx.Err() == nil {
		if err := q.step(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			q.log.Error("dispatch step failed", logx.Err(err))
			q.bus.Publish(eventbus.TopicError, eventbus.Error{Component: "dispatch", Message: err.Error()})
			_ = q.pacer.Wait(ctx, q.idleWait)
		}
	}
	return nil
}

// step performs one loop iteration. Panics are turned into errors so one
// bad request cannot kill the loop.
func (q *Queue) step(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("panic in dispatch step")
			q.log.Error("dispatch step panicked", logx.Any("panic", r))
		}
	}()

	q.mu.Lock()
	state, pending := q.state, len(q.items)
	q.mu.Unlock()

	if state == StateStopped {
		return nil
	}
	if state == StatePaused || pending == 0 {
		return q.pacer.Wait(ctx, q.idleWait)
	}

	capped, count, err := q.pacer.CapReached(ctx, q.store.CountSentSince)
	if err != nil {
		return err
	}
	if capped {
		limit := q.pacer.Limits().MaxPerHour
		q.log.Warn("hourly limit reached; waiting", logx.Int("sent_last_hour", count), logx.Int("limit", limit))
		q.bus.Publish(eventbus.TopicCapReached, eventbus.CapReached{Component: "dispatch", Count: count, Limit: limit})
		return q.pacer.Backoff(ctx)
	}

	req, ok := q.pop()
	if !ok {
		return nil
	}
	q.deliver(ctx, req)

	if q.Len() > 0 {
		d, err := q.pacer.Jitter(ctx)
		q.log.Debug("delay before next message", logx.Duration("delay", d))
		return err
	}
	return nil
}

// deliver sends one request and records the outcome. The send and the
// write use a context detached from ctx so a shutdown lets them finish.
func (q *Queue) deliver(ctx context.Context, req Request) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.sendTimeout)
	defer cancel()

	log := q.log.With(logx.String("request_id", req.ID), logx.String("recipient", req.RecipientName))

	msg := storage.SentMessage{
		RecipientID:   req.RecipientID,
		RecipientName: req.RecipientName,
		PostID:        req.PostID,
		RuleID:        req.RuleID,
		Body:          req.Text,
		Status:        storage.StatusSent,
	}

	if req.PostID != 0 {
		received, err := q.store.HasReceived(wctx, req.RecipientID, req.PostID)
		if err != nil {
			log.Error("duplicate check failed; not sending", logx.Err(err))
			msg.Status = storage.StatusFailed
			msg.Error = "duplicate check: " + err.Error()
			q.record(wctx, log, req, msg)
			return
		}
		if received {
			log.Info("recipient already messaged for this post; skipping")
			q.publish(req, "skipped", "")
			return
		}
	}

	if err := q.sender.SendDirectMessage(wctx, req.RecipientID, req.Text); err != nil {
		msg.Status = storage.StatusFailed
		msg.Error = err.Error()
		log.Error("message send failed", logx.Err(err))
	} else {
		log.Info("message sent")
	}
	q.record(wctx, log, req, msg)
}

// record persists the outcome of a dequeued request and publishes it.
func (q *Queue) record(ctx context.Context, log logx.Logger, req Request, msg storage.SentMessage) {
	if _, err := q.store.LogSentMessage(ctx, msg); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			log.Warn("delivery already recorded for this recipient and post")
		} else {
			log.Error("recording delivery failed", logx.Err(err))
		}
	}
	q.publish(req, string(msg.Status), msg.Error)
}

func (q *Queue) publish(req Request, status, errText string) {
	q.bus.Publish(eventbus.TopicDelivery, eventbus.Delivery{
		RequestID:   req.ID,
		RecipientID: req.RecipientID,
		Username:    req.RecipientName,
		PostID:      req.PostID,
		RuleID:      req.RuleID,
		Text:        req.Text,
		Status:      status,
		Error:       errText,
	})
}
