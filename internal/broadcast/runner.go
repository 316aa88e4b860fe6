// Package broadcast runs mass DM campaigns against a resolved audience.
//
// A campaign is persisted with its full recipient list up front and then
// driven by Run until every recipient has an outcome. Campaigns have their
// own pacer, so their hourly cap and jitter are independent of the
// single-recipient dispatch queue.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"leadbot/internal/eventbus"
	"leadbot/internal/pacing"
	"leadbot/internal/storage"
	"leadbot/pkg/logx"
)

var (
	ErrEmptySegment      = errors.New("segment resolved to no recipients")
	ErrInvalidTransition = errors.New("broadcast cannot change to that status")
)

const (
	defaultBatchSize    = 5
	defaultPollInterval = 5 * time.Second
	defaultErrorBackoff = 10 * time.Second
	defaultFollowerDays = 7
	failedText          = "Send failed"

	recordAttempts   = 3
	recordRetryDelay = 2 * time.Second
)

type Sender interface {
	SendDirectMessage(ctx context.Context, recipientID, text string) error
}

type Store interface {
	CreateBroadcast(ctx context.Context, b storage.Broadcast, recipients []storage.Recipient) (storage.Broadcast, error)
	GetBroadcast(ctx context.Context, id int64) (storage.Broadcast, error)
	ListBroadcastsByStatus(ctx context.Context, status storage.BroadcastStatus) ([]storage.Broadcast, error)
	TransitionBroadcast(ctx context.Context, id int64, to storage.BroadcastStatus, from ...storage.BroadcastStatus) (bool, error)
	PendingRecipients(ctx context.Context, broadcastID int64, limit int) ([]storage.BroadcastRecipient, error)
	RecordRecipientOutcome(ctx context.Context, recipientID int64, status storage.MessageStatus, errText string) (bool, error)
	CountBroadcastSentSince(ctx context.Context, broadcastID int64, since time.Time) (int, error)

	CommentersByKeyword(ctx context.Context, keywordID int64) ([]storage.Recipient, error)
	AllMessagedRecipients(ctx context.Context) ([]storage.Recipient, error)
	FollowersWelcomedSince(ctx context.Context, since time.Time) ([]storage.Recipient, error)
}

// Segment describes who a campaign goes to. Recipients is only read for
// storage.SegmentCustom.
type Segment struct {
	Type       storage.SegmentType
	Filter     string
	Recipients []storage.Recipient
}

// Progress is reported after every send attempt and on status changes.
type Progress struct {
	BroadcastID int64
	Name        string
	Sent        int
	Failed      int
	Total       int
	Status      storage.BroadcastStatus
}

type ProgressFunc func(ctx context.Context, p Progress)

type Runner struct {
	store  Store
	sender Sender
	pacer  *pacing.Pacer
	log    logx.Logger
	bus    *eventbus.Bus

	progress     ProgressFunc
	batchSize    int
	pollInterval time.Duration
	errorBackoff time.Duration
	now          func() time.Time

	// outcomes of sends whose row could not be written yet, by recipient
	// row ID. Only the Run goroutine touches it.
	unrecorded map[int64]outcome
}

type outcome struct {
	broadcastID int64
	status      storage.MessageStatus
	errText     string
}

type Option func(*Runner)

func WithProgress(fn ProgressFunc) Option { return func(r *Runner) { r.progress = fn } }

func WithBus(b *eventbus.Bus) Option { return func(r *Runner) { r.bus = b } }

func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

func WithErrorBackoff(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.errorBackoff = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func New(store Store, sender Sender, pacer *pacing.Pacer, log logx.Logger, opts ...Option) *Runner {
	r := &Runner{
		store:        store,
		sender:       sender,
		pacer:        pacer,
		log:          log,
		batchSize:    defaultBatchSize,
		pollInterval: defaultPollInterval,
		errorBackoff: defaultErrorBackoff,
		now:          time.Now,
		unrecorded:   make(map[int64]outcome),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetProgress replaces the progress callback. It must be called before Run.
func (r *Runner) SetProgress(fn ProgressFunc) { r.progress = fn }

// CreateAndStart resolves seg, persists the campaign with its recipients
// and marks it in progress. Nothing is stored when the segment is empty.
func (r *Runner) CreateAndStart(ctx context.Context, name, message string, seg Segment) (int64, error) {
	if strings.TrimSpace(message) == "" {
		return 0, errors.New("broadcast message is empty")
	}
	recipients, err := r.resolve(ctx, seg)
	if err != nil {
		return 0, fmt.Errorf("resolve segment %s: %w", seg.Type, err)
	}
	if len(recipients) == 0 {
		r.log.Warn("no users found for segment", logx.String("segment", string(seg.Type)), logx.String("filter", seg.Filter))
		return 0, ErrEmptySegment
	}

	b, err := r.store.CreateBroadcast(ctx, storage.Broadcast{
		Name:    name,
		Message: message,
		Segment: storage.Segment{Type: seg.Type, Filter: seg.Filter},
	}, recipients)
	if err != nil {
		return 0, fmt.Errorf("create broadcast: %w", err)
	}
	if _, err := r.store.TransitionBroadcast(ctx, b.ID, storage.BroadcastInProgress, storage.BroadcastPending); err != nil {
		return 0, fmt.Errorf("start broadcast %d: %w", b.ID, err)
	}

	b.Status = storage.BroadcastInProgress
	r.log.Info("broadcast created", logx.Int64("broadcast_id", b.ID), logx.Int("recipients", b.Total))
	r.publishStatus(b)
	return b.ID, nil
}

func (r *Runner) resolve(ctx context.Context, seg Segment) ([]storage.Recipient, error) {
	filter := strings.TrimSpace(seg.Filter)
	switch seg.Type {
	case storage.SegmentKeywordCommenters:
		if filter == "" {
			return nil, nil
		}
		id, err := strconv.ParseInt(filter, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("keyword id %q: %w", filter, err)
		}
		return r.store.CommentersByKeyword(ctx, id)
	case storage.SegmentNewFollowers:
		days := defaultFollowerDays
		if filter != "" {
			n, err := strconv.Atoi(filter)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("days %q must be a positive integer", filter)
			}
			days = n
		}
		return r.store.FollowersWelcomedSince(ctx, r.now().AddDate(0, 0, -days))
	case storage.SegmentAllCommenters:
		return r.store.AllMessagedRecipients(ctx)
	case storage.SegmentCustom:
		return seg.Recipients, nil
	default:
		return nil, fmt.Errorf("unknown segment type %q", seg.Type)
	}
}

func (r *Runner) Pause(ctx context.Context, id int64) error {
	return r.transition(ctx, id, storage.BroadcastPaused, storage.BroadcastInProgress)
}

func (r *Runner) Resume(ctx context.Context, id int64) error {
	return r.transition(ctx, id, storage.BroadcastInProgress, storage.BroadcastPaused)
}

// Cancel is terminal. Recipients already sent keep their SENT rows.
func (r *Runner) Cancel(ctx context.Context, id int64) error {
	return r.transition(ctx, id, storage.BroadcastCancelled)
}

func (r *Runner) transition(ctx context.Context, id int64, to storage.BroadcastStatus, from ...storage.BroadcastStatus) error {
	ok, err := r.store.TransitionBroadcast(ctx, id, to, from...)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := r.store.GetBroadcast(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	r.log.Info("broadcast "+string(to), logx.Int64("broadcast_id", id))
	if b, err := r.store.GetBroadcast(ctx, id); err == nil {
		r.publishStatus(b)
	}
	return nil
}

// Run drives in-progress campaigns until ctx ends. Errors are logged and
// followed by a short backoff; they never end the loop.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("broadcast runner started")
	for ctx.Err() == nil {
		wait := r.pollInterval
		if err := r.pass(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("broadcast runner error", logx.Err(err))
			r.bus.Publish(eventbus.TopicError, eventbus.Error{Component: "broadcast", Message: err.Error()})
			wait = r.errorBackoff
		}
		_ = r.pacer.Wait(ctx, wait)
	}
	r.log.Info("broadcast runner stopped")
	return nil
}

func (r *Runner) pass(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in broadcast pass: %v", rec)
		}
	}()

	active, err := r.store.ListBroadcastsByStatus(ctx, storage.BroadcastInProgress)
	if err != nil {
		return err
	}
	for _, b := range active {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.process(ctx, b.ID); err != nil {
			return fmt.Errorf("broadcast %d: %w", b.ID, err)
		}
	}
	return nil
}

// process handles one batch of a campaign. The persisted status is read
// again before every recipient so pause and cancel take effect at once.
func (r *Runner) process(ctx context.Context, id int64) error {
	b, err := r.store.GetBroadcast(ctx, id)
	if err != nil {
		return err
	}
	if err := r.flushOutcomes(ctx, id); err != nil {
		return err
	}
	if b.Status != storage.BroadcastInProgress {
		return nil
	}

	pending, err := r.store.PendingRecipients(ctx, id, r.batchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return r.complete(ctx, b)
	}

	log := r.log.With(logx.Int64("broadcast_id", id))
	for _, rcpt := range pending {
		if ctx.Err() != nil {
			return nil
		}
		if _, held := r.unrecorded[rcpt.ID]; held {
			continue
		}
		if err := r.waitForCap(ctx, b.ID, log); err != nil {
			return err
		}
		cur, err := r.store.GetBroadcast(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != storage.BroadcastInProgress {
			log.Info("broadcast no longer in progress; stopping batch", logx.String("status", string(cur.Status)))
			return nil
		}

		if err := r.send(ctx, cur, rcpt, log); err != nil {
			return err
		}

		if _, err := r.pacer.Jitter(ctx); err != nil {
			return nil
		}
	}
	return nil
}

func (r *Runner) waitForCap(ctx context.Context, id int64, log logx.Logger) error {
	count := func(ctx context.Context, since time.Time) (int, error) {
		return r.store.CountBroadcastSentSince(ctx, id, since)
	}
	for {
		capped, n, err := r.pacer.CapReached(ctx, count)
		if err != nil || !capped {
			return err
		}
		limit := r.pacer.Limits().MaxPerHour
		log.Warn("broadcast hourly limit reached; waiting", logx.Int("sent_last_hour", n), logx.Int("limit", limit))
		r.bus.Publish(eventbus.TopicCapReached, eventbus.CapReached{Component: "broadcast", Count: n, Limit: limit})
		if err := r.pacer.Backoff(ctx); err != nil {
			return err
		}
	}
}

// send delivers to one recipient and records the outcome. An error means the
// message went out (or failed) but its row is still PENDING; the outcome is
// held in memory so the recipient is never sent twice.
func (r *Runner) send(ctx context.Context, b storage.Broadcast, rcpt storage.BroadcastRecipient, log logx.Logger) error {
	wctx := context.WithoutCancel(ctx)
	text := strings.ReplaceAll(b.Message, "{username}", rcpt.Username)

	status, errText := storage.StatusSent, ""
	if err := r.sender.SendDirectMessage(wctx, rcpt.UserID, text); err != nil {
		status, errText = storage.StatusFailed, err.Error()
		if errText == "" {
			errText = failedText
		}
		log.Error("broadcast send failed", logx.String("username", rcpt.Username), logx.Err(err))
	} else {
		log.Info("broadcast message sent", logx.String("username", rcpt.Username))
	}

	recErr := r.record(wctx, rcpt.ID, status, errText)
	if recErr != nil {
		log.Error("recording broadcast outcome failed", logx.String("username", rcpt.Username), logx.Err(recErr))
		r.unrecorded[rcpt.ID] = outcome{broadcastID: b.ID, status: status, errText: errText}
	}
	r.bus.Publish(eventbus.TopicBroadcastSend, eventbus.BroadcastSend{
		BroadcastID: b.ID,
		UserID:      rcpt.UserID,
		Username:    rcpt.Username,
		Status:      string(status),
		Error:       errText,
	})

	if updated, err := r.store.GetBroadcast(wctx, b.ID); err == nil {
		r.notify(ctx, updated)
	}
	if recErr != nil {
		return fmt.Errorf("record outcome for recipient %d: %w", rcpt.ID, recErr)
	}
	return nil
}

func (r *Runner) record(ctx context.Context, recipientID int64, status storage.MessageStatus, errText string) error {
	var err error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		if _, err = r.store.RecordRecipientOutcome(ctx, recipientID, status, errText); err == nil {
			return nil
		}
		if attempt < recordAttempts {
			if werr := r.pacer.Wait(ctx, recordRetryDelay); werr != nil {
				return err
			}
		}
	}
	return err
}

// flushOutcomes writes held outcomes for broadcast id before anything else
// is sent for it.
func (r *Runner) flushOutcomes(ctx context.Context, id int64) error {
	for rid, o := range r.unrecorded {
		if o.broadcastID != id {
			continue
		}
		if _, err := r.store.RecordRecipientOutcome(ctx, rid, o.status, o.errText); err != nil {
			return fmt.Errorf("record held outcome for recipient %d: %w", rid, err)
		}
		delete(r.unrecorded, rid)
	}
	return nil
}

func (r *Runner) complete(ctx context.Context, b storage.Broadcast) error {
	ok, err := r.store.TransitionBroadcast(ctx, b.ID, storage.BroadcastCompleted, storage.BroadcastInProgress)
	if err != nil || !ok {
		return err
	}
	b, err = r.store.GetBroadcast(ctx, b.ID)
	if err != nil {
		return err
	}
	r.log.Info("broadcast completed",
		logx.Int64("broadcast_id", b.ID), logx.Int("sent", b.Sent), logx.Int("failed", b.Failed))
	r.publishStatus(b)
	r.notify(ctx, b)
	return nil
}

func (r *Runner) notify(ctx context.Context, b storage.Broadcast) {
	if r.progress == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("progress callback panicked", logx.Any("panic", rec))
		}
	}()
	r.progress(ctx, toProgress(b))
}

func (r *Runner) publishStatus(b storage.Broadcast) {
	r.bus.Publish(eventbus.TopicBroadcastStatus, eventbus.BroadcastStatus{
		BroadcastID: b.ID,
		Name:        b.Name,
		Status:      string(b.Status),
		Total:       b.Total,
		Sent:        b.Sent,
		Failed:      b.Failed,
	})
}

func toProgress(b storage.Broadcast) Progress {
	return Progress{
		BroadcastID: b.ID,
		Name:        b.Name,
		Sent:        b.Sent,
		Failed:      b.Failed,
		Total:       b.Total,
		Status:      b.Status,
	}
}
