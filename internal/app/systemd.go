package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "slotwatch/pkg/logx"
)

// sdNotify sends state to systemd when running under a unit with
// NotifyAccess; elsewhere it is a no-op.
func sdNotify(log logx.Logger, state string) {
	ok, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case ok:
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdog pings the systemd watchdog at half its interval while healthy
// reports nil. It returns immediately when no watchdog is configured.
func watchdog(ctx context.Context, log logx.Logger, healthy func() error) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog query failed", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if err := healthy(); err != nil {
			// Withholding the ping lets systemd restart a stuck process.
			log.Warn("unhealthy; withholding watchdog ping", logx.Err(err))
			continue
		}
		sdNotify(log, daemon.SdNotifyWatchdog)
	}
}
