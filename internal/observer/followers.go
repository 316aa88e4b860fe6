package observer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"leadbot/internal/eventbus"
	"leadbot/internal/instagram"
	"leadbot/internal/pacing"
	"leadbot/internal/storage"
	"leadbot/pkg/logx"
)

type FollowerSource interface {
	GetFollowers(ctx context.Context, accountID string) ([]instagram.User, error)
	SendDirectMessage(ctx context.Context, recipientID, text string) error
	AccountID() string
}

type FollowerStore interface {
	GetWelcomeSettings(ctx context.Context) (storage.WelcomeSettings, error)
	IsFollowerWelcomed(ctx context.Context, userID string) (bool, error)
	MarkFollowerWelcomed(ctx context.Context, userID, username string) error
	CountWelcomedSince(ctx context.Context, since time.Time) (int, error)
}

// Followers welcomes new followers with the configured message. The first
// successful poll only records who already follows the account.
//
// Welcomes are paced inline by their own pacer and never go through the
// dispatch queue. Followers skipped because of the hourly cap stay out of
// the snapshot so the next poll picks them up again.
type Followers struct {
	source FollowerSource
	store  FollowerStore
	pacer  *pacing.Pacer
	log    logx.Logger
	bus    *eventbus.Bus

	paused atomic.Bool
	size   atomic.Int64

	mu          sync.Mutex
	known       map[string]struct{}
	initialized bool
}

func NewFollowers(source FollowerSource, store FollowerStore, pacer *pacing.Pacer, log logx.Logger, bus *eventbus.Bus) *Followers {
	return &Followers{source: source, store: store, pacer: pacer, log: log, bus: bus}
}

func (f *Followers) Pause()       { f.paused.Store(true) }
func (f *Followers) Resume()      { f.paused.Store(false) }
func (f *Followers) Paused() bool { return f.paused.Load() }

// Known returns the size of the follower snapshot.
func (f *Followers) Known() int { return int(f.size.Load()) }

func (f *Followers) setKnown(m map[string]struct{}) {
	f.known = m
	f.size.Store(int64(len(m)))
}

func (f *Followers) Poll(ctx context.Context) error {
	if f.Paused() {
		return nil
	}
	// Polls are serialized by the scheduler; the lock keeps a manual
	// trigger from racing a scheduled one.
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.initialized {
		current, err := f.source.GetFollowers(ctx, f.source.AccountID())
		if err != nil {
			return fmt.Errorf("initial followers: %w", err)
		}
		f.setKnown(idSet(current))
		f.initialized = true
		f.log.Info("follower snapshot taken", logx.Int("followers", f.Known()))
		return nil
	}

	settings, err := f.store.GetWelcomeSettings(ctx)
	if err != nil {
		return fmt.Errorf("welcome settings: %w", err)
	}
	if !settings.Enabled || strings.TrimSpace(settings.Message) == "" {
		return nil
	}

	current, err := f.source.GetFollowers(ctx, f.source.AccountID())
	if err != nil {
		return fmt.Errorf("followers: %w", err)
	}

	var fresh []instagram.User
	for _, u := range current {
		if _, ok := f.known[u.ID]; !ok {
			fresh = append(fresh, u)
		}
	}
	next := idSet(current)
	if len(fresh) > 0 {
		f.log.Info("new followers found", logx.Int("count", len(fresh)))
	}

	for i, u := range fresh {
		if ctx.Err() != nil {
			forget(next, fresh[i:])
			break
		}
		welcomed, err := f.store.IsFollowerWelcomed(ctx, u.ID)
		if err != nil {
			forget(next, fresh[i:])
			f.setKnown(next)
			return fmt.Errorf("welcome check for %s: %w", u.Username, err)
		}
		if welcomed {
			continue
		}

		capped, n, err := f.pacer.CapReached(ctx, f.store.CountWelcomedSince)
		if err != nil || capped {
			forget(next, fresh[i:])
			if err != nil {
				f.setKnown(next)
				return err
			}
			limit := f.pacer.Limits().MaxPerHour
			f.log.Warn("welcome hourly limit reached; deferring", logx.Int("welcomed_last_hour", n), logx.Int("limit", limit))
			f.bus.Publish(eventbus.TopicCapReached, eventbus.CapReached{Component: "welcome", Count: n, Limit: limit})
			break
		}

		f.welcome(ctx, u, settings.Message)
		if i < len(fresh)-1 {
			if _, err := f.pacer.Jitter(ctx); err != nil {
				forget(next, fresh[i+1:])
				break
			}
		}
	}

	f.setKnown(next)
	return nil
}

// welcome sends one message. A failed send is not retried and the user is
// not marked welcomed.
func (f *Followers) welcome(ctx context.Context, u instagram.User, message string) {
	wctx := context.WithoutCancel(ctx)
	text := strings.ReplaceAll(message, "{username}", u.Username)
	ev := eventbus.Welcome{UserID: u.ID, Username: u.Username, Text: text, Status: string(storage.StatusSent)}

	if err := f.source.SendDirectMessage(wctx, u.ID, text); err != nil {
		f.log.Error("welcome send failed", logx.String("username", u.Username), logx.Err(err))
		ev.Status, ev.Error = string(storage.StatusFailed), err.Error()
	} else if err := f.store.MarkFollowerWelcomed(wctx, u.ID, u.Username); err != nil {
		f.log.Error("marking follower welcomed failed", logx.String("username", u.Username), logx.Err(err))
	} else {
		f.log.Info("welcome message sent", logx.String("username", u.Username))
	}
	f.bus.Publish(eventbus.TopicWelcome, ev)
}

func idSet(users []instagram.User) map[string]struct{} {
	m := make(map[string]struct{}, len(users))
	for _, u := range users {
		m[u.ID] = struct{}{}
	}
	return m
}

func forget(set map[string]struct{}, users []instagram.User) {
	for _, u := range users {
		delete(set, u.ID)
	}
}
