// Package notifier delivers operator messages to the admin chats: alerts,
// cap warnings and live broadcast progress.
//
// Messages go through a bounded queue drained by one worker under a rate
// limit, so a burst of alerts can never block the component that raised
// them. Identical texts inside the dedup window are sent once. Progress
// updates for a broadcast edit one message per chat instead of posting new
// ones, and only the latest text is sent when updates pile up.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"leadbot/internal/broadcast"
	"leadbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrNoTargets = errors.New("notifier has no admin chats")
)

// Sender is the chat transport.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
}

type Config struct {
	QueueSize   int
	RatePerSec  int
	DedupWindow time.Duration
}

type job struct {
	chatID int64
	text   string
	// progress jobs read the newest text when they are sent
	broadcastID int64
}

type Service struct {
	sender  Sender
	targets []int64
	log     logx.Logger
	limiter *rate.Limiter
	dedupW  time.Duration
	now     func() time.Time

	queue chan job

	mu       sync.Mutex
	seen    map[string]time.Time
	refs    map[progressKey]int    // progress message per broadcast and chat
	pending map[progressKey]string // newest unsent progress text
}

type progressKey struct {
	broadcastID int64
	chatID      int64
}

func New(cfg Config, sender Sender, targets []int64, log logx.Logger) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	return &Service{
		sender:  sender,
		targets: append([]int64(nil), targets...),
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedupW:  cfg.DedupWindow,
		now:     time.Now,
		queue:   make(chan job, cfg.QueueSize),
		seen:    map[string]time.Time{},
		refs:    map[progressKey]int{},
		pending: map[progressKey]string{},
	}
}

// Notify queues text for every admin chat without blocking.
func (s *Service) Notify(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(s.targets) == 0 {
		return ErrNoTargets
	}
	if !s.allow(text) {
		return nil
	}
	for _, chat := range s.targets {
		if err := s.enqueue(job{chatID: chat, text: text}); err != nil {
			return err
		}
	}
	return nil
}

// SendAlert lets the log pipeline forward warnings to the admins.
func (s *Service) SendAlert(_ context.Context, text string) error {
	return s.Notify(text)
}

// Progress records the newest state of a broadcast and schedules an update
// of its progress message. It matches broadcast.ProgressFunc.
func (s *Service) Progress(_ context.Context, p broadcast.Progress) {
	if len(s.targets) == 0 {
		return
	}
	text := FormatProgress(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chat := range s.targets {
		key := progressKey{p.BroadcastID, chat}
		if _, queued := s.pending[key]; queued {
			s.pending[key] = text
			continue
		}
		if err := s.enqueue(job{chatID: chat, broadcastID: p.BroadcastID}); err != nil {
			s.log.Warn("progress update dropped", logx.Int64("broadcast_id", p.BroadcastID), logx.Err(err))
			continue
		}
		s.pending[key] = text
	}
}

func (s *Service) enqueue(j job) error {
	select {
	case s.queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) allow(text string) bool {
	if s.dedupW <= 0 {
		return true
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if until, ok := s.seen[text]; ok && now.Before(until) {
		return false
	}
	s.seen[text] = now.Add(s.dedupW)
	if len(s.seen) > 1000 {
		for k, until := range s.seen {
			if now.After(until) {
				delete(s.seen, k)
			}
		}
	}
	return true
}

// Run drains the queue until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
			if err := s.deliver(ctx, j); err != nil {
				s.log.Debug("notification failed", logx.Int64("chat_id", j.chatID), logx.Err(err))
			}
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) error {
	if j.broadcastID == 0 {
		_, err := s.sender.SendText(ctx, j.chatID, j.text)
		return err
	}

	key := progressKey{j.broadcastID, j.chatID}
	s.mu.Lock()
	text := s.pending[key]
	msgID, hasRef := s.refs[key]
	delete(s.pending, key)
	s.mu.Unlock()
	if text == "" {
		return nil
	}

	if hasRef {
		err := s.sender.EditText(ctx, j.chatID, msgID, text)
		if err == nil || strings.Contains(err.Error(), "not modified") {
			return nil
		}
		// The message may be gone; post a fresh one below.
	}
	id, err := s.sender.SendText(ctx, j.chatID, text)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.refs[key] = id
	s.mu.Unlock()
	return nil
}

func FormatProgress(p broadcast.Progress) string {
	pct := 0.0
	if p.Total > 0 {
		pct = float64(p.Sent+p.Failed) * 100 / float64(p.Total)
	}
	name := p.Name
	if name == "" {
		name = "Broadcast"
	}
	return fmt.Sprintf("Broadcast #%d %s\nStatus: %s\nProgress: %d/%d (%.0f%%)\nSent: %d, failed: %d",
		p.BroadcastID, name, p.Status, p.Sent+p.Failed, p.Total, pct, p.Sent, p.Failed)
}
