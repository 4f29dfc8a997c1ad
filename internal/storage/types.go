package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file":   JSON snapshot + JSONL audit, no external dependency
//   - "redis":  one hash per channel, shared between hosts
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Redis RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key prefix, default "vwapbot"
}

// Record is the durable row for one refresh loop.
//
// Payload is opaque to the store and to the scheduler; the publisher owns
// its encoding (message identity and such).
type Record struct {
	ChannelID int64
	Interval  int
	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot maps channel -> interval -> record.
type Snapshot map[int64]map[int]Record

// Len returns the number of records in the snapshot.
func (s Snapshot) Len() int {
	n := 0
	for _, m := range s {
		n += len(m)
	}
	return n
}

func (s Snapshot) put(r Record) {
	m := s[r.ChannelID]
	if m == nil {
		m = map[int]Record{}
		s[r.ChannelID] = m
	}
	m[r.Interval] = r
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	ActorID   int64     `json:"actor_id"`
	ActorName string    `json:"actor_name,omitempty"`
	ChannelID int64     `json:"channel_id"`
	Action    string    `json:"action"`
	Intervals string    `json:"intervals,omitempty"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
}

func validKey(channelID int64, interval int) error {
	if channelID == 0 {
		return errors.New("channel id required")
	}
	if interval <= 0 {
		return errors.New("interval must be > 0")
	}
	return nil
}
