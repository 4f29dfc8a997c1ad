package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "vwapbot/pkg/logx"
)

// sdNotify is swapped in tests.
var sdNotify = daemon.SdNotify

var sdWatchdogEnabled = daemon.SdWatchdogEnabled

// notify sends state to the service manager. Outside systemd it is a no-op.
func (a *App) notify(state string) {
	sent, err := sdNotify(false, state)
	switch {
	case err != nil:
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdog pings systemd at half the configured WatchdogSec while ctx
// lives. It returns at once when the watchdog is not enabled.
func (a *App) watchdog(ctx context.Context) {
	every, err := sdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	every /= 2
	a.log.Info("systemd watchdog enabled", logx.Duration("every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.notify(daemon.SdNotifyWatchdog)
		}
	}
}
