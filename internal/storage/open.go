package storage

import (
	"context"
	"errors"
	"strings"

	logx "vwapbot/pkg/logx"
)

// Store is the persistence API used by the refresh scheduler and the app.
type Store interface {
	// Upsert inserts or replaces the record for (ChannelID, Interval).
	Upsert(ctx context.Context, r Record) error
	// LoadAll returns every persisted record.
	LoadAll(ctx context.Context) (Snapshot, error)
	// Remove deletes one record, or every record of the channel when
	// interval is 0. Missing rows are not an error.
	Remove(ctx context.Context, channelID int64, interval int) error

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
