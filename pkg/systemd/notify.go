// Package systemd speaks the sd_notify protocol when running under a
// Type=notify unit. Outside systemd every call is a silent no-op.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notify is swapped in tests.
var notify = daemon.SdNotify

// Ready reports startup completion.
func Ready() error { return send(daemon.SdNotifyReady) }

// Reloading marks a config reload in progress; follow with Ready.
func Reloading() error { return send(daemon.SdNotifyReloading) }

func Stopping() error { return send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(format string, args ...any) error {
	return send("STATUS=" + fmt.Sprintf(format, args...))
}

func send(state string) error {
	_, err := notify(false, state)
	return err
}

// WatchdogInterval returns half the unit's WatchdogSec, or 0 when the
// watchdog is off.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings every interval until ctx is done, as long as healthy
// reports true. A zero interval returns immediately.
func Watchdog(ctx context.Context, interval time.Duration, healthy func() bool) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if err := send(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
