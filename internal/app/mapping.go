package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"vwapbot/internal/config"
	"vwapbot/internal/interval"
	"vwapbot/internal/observability/debug"
	"vwapbot/internal/publisher"
	"vwapbot/internal/refresh"
	"vwapbot/internal/session"
	"vwapbot/internal/storage"
	logx "vwapbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, false, err
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}
	switch driver {
	case "file", "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
	case "redis":
		if sc.Redis == nil || strings.TrimSpace(sc.Redis.Addr) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.redis.addr is required when storage.driver=redis")
		}
		out.Redis = storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   strings.TrimSpace(sc.Redis.Prefix),
		}
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, true, nil
}

func mapRefreshConfig(cfg *config.Config) (refresh.Config, []int, error) {
	set, err := interval.Parse(cfg.Refresh.Intervals)
	if err != nil {
		return refresh.Config{}, nil, err
	}
	upd, err := config.ParseDurationOrDefault("refresh.update_timeout", cfg.Refresh.UpdateTimeout, config.DefaultUpdateTimeout)
	if err != nil {
		return refresh.Config{}, nil, err
	}
	stop, err := config.ParseDurationOrDefault("refresh.stop_timeout", cfg.Refresh.StopTimeout, config.DefaultStopTimeout)
	if err != nil {
		return refresh.Config{}, nil, err
	}
	return refresh.Config{UpdateTimeout: upd, StopTimeout: stop}, set, nil
}

func mapPublisherConfig(cfg *config.Config) publisher.Config {
	return publisher.Config{
		EditRatePerSec: cfg.Refresh.EditRatePerSec,
		EditBurst:      cfg.Refresh.EditBurst,
	}
}

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	sc := cfg.Sessions
	loc, err := time.LoadLocation(strings.TrimSpace(sc.Timezone))
	if err != nil {
		return session.Config{}, fmt.Errorf("sessions.timezone: %w", err)
	}
	every, err := config.ParseDurationOrDefault("sessions.check_every", sc.CheckEvery, config.DefaultCheckEvery)
	if err != nil {
		return session.Config{}, err
	}
	windows := sc.Windows
	if len(windows) == 0 {
		windows = config.DefaultSessionWindows()
	}
	ws := make([]session.Window, 0, len(windows))
	for i, w := range windows {
		h, m, err := config.ParseHHMM(w.Start)
		if err != nil {
			return session.Config{}, fmt.Errorf("sessions.windows[%d].start: %w", i, err)
		}
		weight, err := decimal.NewFromString(strings.TrimSpace(w.Weight))
		if err != nil {
			return session.Config{}, fmt.Errorf("sessions.windows[%d].weight: %w", i, err)
		}
		ws = append(ws, session.Window{Name: strings.TrimSpace(w.Name), Hour: h, Minute: m, Weight: weight})
	}
	cal, err := session.NewCalendar(loc, ws)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{Calendar: cal, CheckEvery: every}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	d := cfg.Debug
	return debug.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
	}
}

// logTarget parses telegram.group_log. ok is false when unset or invalid.
func logTarget(cfg *config.Config) (int64, bool) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// validateComponents rejects a reloaded config the components could not
// apply, on top of config.Validate.
func validateComponents(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapRefreshConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSessionConfig(cfg); err != nil {
		return err
	}
	if raw := strings.TrimSpace(cfg.Telegram.GroupLog); raw != "" {
		if _, ok := logTarget(cfg); !ok {
			return fmt.Errorf("telegram.group_log: invalid chat id %q", raw)
		}
	}
	return nil
}
