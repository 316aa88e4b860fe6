// Package systemd reports service state to systemd through sd_notify. Every
// call is a no-op when the process is not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify states. The zero value talks to $NOTIFY_SOCKET.
type Notifier struct {
	// send is swapped in tests.
	send func(state string) (bool, error)
}

func (n Notifier) notify(state string) (bool, error) {
	if n.send != nil {
		return n.send(state)
	}
	return daemon.SdNotify(false, state)
}

// Ready tells systemd startup finished (Type=notify units).
func (n Notifier) Ready() (bool, error) { return n.notify(daemon.SdNotifyReady) }

// Stopping tells systemd a graceful shutdown began.
func (n Notifier) Stopping() (bool, error) { return n.notify(daemon.SdNotifyStopping) }

// Reloading marks a config reload; Ready must follow once it is applied.
func (n Notifier) Reloading() (bool, error) { return n.notify(daemon.SdNotifyReloading) }

// Watchdog pings systemd at half the configured WatchdogSec until ctx ends.
// Without a watchdog it just waits for ctx. healthy may veto a ping so a
// wedged process gets restarted.
func (n Notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	return n.watchdogEvery(ctx, interval/2, healthy)
}

func (n Notifier) watchdogEvery(ctx context.Context, every time.Duration, healthy func() bool) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := n.notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
