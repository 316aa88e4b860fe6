package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) send(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestLifecycleStates(t *testing.T) {
	r := &recorder{}
	n := Notifier{send: r.send}
	_, _ = n.Ready()
	_, _ = n.Reloading()
	_, _ = n.Stopping()
	assert.Equal(t, []string{daemon.SdNotifyReady, daemon.SdNotifyReloading, daemon.SdNotifyStopping}, r.states)
}

func TestWatchdogPingsWhileHealthy(t *testing.T) {
	r := &recorder{}
	n := Notifier{send: r.send}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.watchdogEvery(ctx, 5*time.Millisecond, nil) }()

	require.Eventually(t, func() bool { return r.count(daemon.SdNotifyWatchdog) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestWatchdogSkipsWhenUnhealthy(t *testing.T) {
	r := &recorder{}
	n := Notifier{send: r.send}
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	require.NoError(t, n.watchdogEvery(ctx, 5*time.Millisecond, func() bool { return false }))
	assert.Equal(t, 0, r.count(daemon.SdNotifyWatchdog))
}

func TestWatchdogDisabledWaitsForContext(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.NoError(t, Notifier{}.Watchdog(ctx, nil))
	assert.Error(t, ctx.Err())
}
