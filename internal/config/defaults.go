package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"vwapbot/internal/interval"
)

const (
	DefaultIntervals      = "120"
	DefaultUpdateTimeout  = 45 * time.Second
	DefaultStopTimeout    = 10 * time.Second
	DefaultEditRatePerSec = 1.0
	DefaultEditBurst      = 3
	DefaultTimezone       = "UTC"
	DefaultCheckEvery     = time.Minute
	DefaultStoragePath    = "./data/vwapbot.db"
)

// DefaultSessionWindows is the calendar used when sessions.windows is empty.
func DefaultSessionWindows() []SessionWindow {
	return []SessionWindow{
		{Name: "ASIAN", Start: "00:00", Weight: "0.7"},
		{Name: "LONDON", Start: "08:00", Weight: "1.0"},
		{Name: "NEW_YORK", Start: "16:00", Weight: "1.2"},
	}
}

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Refresh.Intervals) == "" {
		cfg.Refresh.Intervals = DefaultIntervals
	}
	if cfg.Refresh.EditRatePerSec <= 0 {
		cfg.Refresh.EditRatePerSec = DefaultEditRatePerSec
	}
	if cfg.Refresh.EditBurst <= 0 {
		cfg.Refresh.EditBurst = DefaultEditBurst
	}
	if strings.TrimSpace(cfg.Sessions.Timezone) == "" {
		cfg.Sessions.Timezone = DefaultTimezone
	}
	if len(cfg.Sessions.Windows) == 0 {
		cfg.Sessions.Windows = DefaultSessionWindows()
	}
	if cfg.Storage == nil {
		cfg.Storage = &StorageConfig{Driver: "sqlite", Path: DefaultStoragePath}
	}
}

// Validate checks every field that components would otherwise reject at
// start or reload time. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	if _, err := interval.Parse(cfg.Refresh.Intervals); err != nil {
		add(fmt.Errorf("refresh.intervals: %w", err))
	}
	_, err = ParseDurationField("refresh.update_timeout", cfg.Refresh.UpdateTimeout)
	add(err)
	_, err = ParseDurationField("refresh.stop_timeout", cfg.Refresh.StopTimeout)
	add(err)

	if _, err := time.LoadLocation(strings.TrimSpace(cfg.Sessions.Timezone)); err != nil {
		add(fmt.Errorf("sessions.timezone: %w", err))
	}
	_, err = ParseDurationField("sessions.check_every", cfg.Sessions.CheckEvery)
	add(err)
	seen := map[string]string{}
	for i, w := range cfg.Sessions.Windows {
		path := fmt.Sprintf("sessions.windows[%d]", i)
		if strings.TrimSpace(w.Name) == "" {
			add(fmt.Errorf("%s.name is required", path))
		}
		if _, _, err := ParseHHMM(w.Start); err != nil {
			add(fmt.Errorf("%s.start: %w", path, err))
		} else if prev, dup := seen[strings.TrimSpace(w.Start)]; dup {
			add(fmt.Errorf("%s.start: %s already used by %s", path, w.Start, prev))
		} else {
			seen[strings.TrimSpace(w.Start)] = w.Name
		}
		if d, err := decimal.NewFromString(strings.TrimSpace(w.Weight)); err != nil {
			add(fmt.Errorf("%s.weight: %w", path, err))
		} else if d.IsNegative() {
			add(fmt.Errorf("%s.weight must be >= 0", path))
		}
	}

	if s := cfg.Storage; s != nil {
		driver := strings.ToLower(strings.TrimSpace(s.Driver))
		switch driver {
		case "", "none":
		case "sqlite", "sqlite3", "file":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path is required for driver %q", driver))
			}
		case "redis":
			if s.Redis == nil || strings.TrimSpace(s.Redis.Addr) == "" {
				add(errors.New("storage.redis.addr is required for driver \"redis\""))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	if d := cfg.Debug; d.Enabled && strings.TrimSpace(d.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(d.Addr)); err != nil {
			add(fmt.Errorf("debug.addr: %w", err))
		}
	}

	return errors.Join(errs...)
}
