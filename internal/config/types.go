package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Refresh controls the per-channel table loops.
	Refresh RefreshConfig `json:"refresh"`

	// Sessions defines the trading session calendar. Crossing a window
	// start resets every running loop.
	Sessions SessionsConfig `json:"sessions"`

	// Storage is where loop records live. If omitted, a sqlite file next to
	// the working directory is used.
	Storage *StorageConfig `json:"storage,omitempty"`

	Debug DebugConfig `json:"debug"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RefreshConfig controls the refresh scheduler.
//
// Defaults (when fields are omitted/zero):
//   - intervals: "120"
//   - update_timeout: "45s"
//   - stop_timeout: "10s"
//   - edit_rate_per_sec: 1
//   - edit_burst: 3
type RefreshConfig struct {
	// Intervals is a comma separated list of seconds, e.g. "600,1800,3600".
	// It is the set /start uses when no intervals are given, and the set
	// operators may choose from.
	Intervals string `json:"intervals"`

	UpdateTimeout string `json:"update_timeout,omitempty"`
	StopTimeout   string `json:"stop_timeout,omitempty"`

	// Telegram rejects bursts of edits to the same chat; these bound the
	// publisher across all loops.
	EditRatePerSec float64 `json:"edit_rate_per_sec,omitempty"`
	EditBurst      int     `json:"edit_burst,omitempty"`
}

// SessionsConfig describes the session calendar.
//
// Windows are ordered by Start within a day; each window lasts until the
// next one starts (the last wraps to the first).
type SessionsConfig struct {
	Timezone   string          `json:"timezone,omitempty"`
	CheckEvery string          `json:"check_every,omitempty"`
	Windows    []SessionWindow `json:"windows,omitempty"`
}

type SessionWindow struct {
	Name string `json:"name"`
	// Start is "HH:MM" in Sessions.Timezone.
	Start string `json:"start"`
	// Weight is a decimal string such as "0.7".
	Weight string `json:"weight"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/vwapbot.db" }
type StorageConfig struct {
	Driver      string              `json:"driver"`
	Path        string              `json:"path,omitempty"`
	BusyTimeout string              `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Redis       *RedisStorageConfig `json:"redis,omitempty"`
}

type RedisStorageConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// DebugConfig controls the optional local debug listener (loop state,
// goroutine stats, pprof). Addr defaults to "127.0.0.1:6060"; binding a
// non-loopback address requires Token or AllowInsecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
