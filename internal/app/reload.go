package app

import (
	"context"
	"slices"
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"

	"vwapbot/internal/config"
	logx "vwapbot/pkg/logx"
)

// restartOnly are sections whose changes are only picked up at startup.
var restartOnly = []string{"storage"}

func (a *App) startReloader() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.notify(daemon.SdNotifyReloading)
	defer a.notify(daemon.SdNotifyReady)

	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	if prev != nil && (prev.Telegram.Token != next.Telegram.Token || prev.Telegram.PollTimeout != next.Telegram.PollTimeout) {
		a.log.Warn("telegram connection settings changed; restart required")
	}
	if prev != nil && (prev.Refresh.UpdateTimeout != next.Refresh.UpdateTimeout || prev.Refresh.StopTimeout != next.Refresh.StopTimeout) {
		a.log.Warn("refresh timeouts changed; restart required")
	}

	if chatID, ok := logTarget(next); ok {
		a.logs.SetTelegramTarget(chatID, next.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(mapLogConfig(next))

	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
	if _, allowed, err := mapRefreshConfig(next); err != nil {
		a.log.Warn("invalid refresh config; keeping previous", logx.Err(err))
	} else {
		a.cmdm.SetIntervals(allowed)
	}
	a.pub.Apply(mapPublisherConfig(next))

	if scfg, err := mapSessionConfig(next); err != nil {
		a.log.Warn("invalid sessions config; keeping previous", logx.Err(err))
	} else {
		a.monitor.Apply(scfg)
	}

	if slices.Contains(sections, "debug") {
		if err := a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(next)); err != nil {
			a.log.Warn("debug listener reconfigure failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
