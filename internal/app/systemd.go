package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "batchmon/pkg/logx"
)

// sdNotify is a no-op outside systemd (NOTIFY_SOCKET unset).
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		log.Debug("systemd notified", logx.String("state", state))
	}
}

// watchdogLoop pings the systemd watchdog at half its interval while
// healthy reports true. It returns at once when no watchdog is configured.
func watchdogLoop(ctx context.Context, log logx.Logger, healthy func() bool) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if healthy != nil && !healthy() {
				log.Warn("watchdog ping skipped: engine not ready")
				continue
			}
			sdNotify(log, daemon.SdNotifyWatchdog)
		}
	}
}
