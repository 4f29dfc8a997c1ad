package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "vwapbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// LegacyDefaultInterval is assigned to rows migrated from the
// single-interval layout, which had no interval column.
const LegacyDefaultInterval = 120

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	ctx := context.Background()
	if err := st.migrateLegacy(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("legacy migration: %w", err)
	}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// migrateLegacy rewrites a channel_states table that predates the opaque
// payload column. Only running rows are carried over; their message id is
// folded into a payload the publisher understands.
func (s *sqliteStore) migrateLegacy(ctx context.Context) error {
	cols, err := s.columns(ctx, "channel_states")
	if err != nil {
		return err
	}
	if len(cols) == 0 || cols["payload"] {
		return nil
	}
	if !cols["message_id"] {
		return errors.New("channel_states has neither payload nor message_id column")
	}

	intervalExpr := fmt.Sprintf("%d", LegacyDefaultInterval)
	if cols["interval"] {
		intervalExpr = fmt.Sprintf("COALESCE(interval, %d)", LegacyDefaultInterval)
	}
	where := ""
	if cols["running"] {
		where = "WHERE running = 1"
	}
	createdExpr := "strftime('%Y-%m-%dT%H:%M:%SZ','now')"
	if cols["created_at"] {
		createdExpr = "COALESCE(created_at, " + createdExpr + ")"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`ALTER TABLE channel_states RENAME TO channel_states_legacy`,
		`CREATE TABLE channel_states (
		  channel_id  INTEGER NOT NULL,
		  interval    INTEGER NOT NULL,
		  payload     BLOB,
		  created_at  TEXT NOT NULL,
		  updated_at  TEXT NOT NULL,
		  PRIMARY KEY (channel_id, interval)
		)`,
		`INSERT OR REPLACE INTO channel_states(channel_id, interval, payload, created_at, updated_at)
		 SELECT channel_id, ` + intervalExpr + `,
		        CAST(json_object('chat_id', channel_id, 'message_id', message_id) AS BLOB),
		        ` + createdExpr + `,
		        strftime('%Y-%m-%dT%H:%M:%SZ','now')
		   FROM channel_states_legacy ` + where,
		`DROP TABLE channel_states_legacy`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Info("migrated legacy channel_states table")
	return nil
}

func (s *sqliteStore) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(name)] = true
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Upsert(ctx context.Context, r Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := validKey(r.ChannelID, r.Interval); err != nil {
		return err
	}
	now := time.Now().UTC()
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_states(channel_id, interval, payload, created_at, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(channel_id, interval) DO UPDATE SET
		   payload = excluded.payload,
		   updated_at = excluded.updated_at`,
		r.ChannelID, r.Interval, r.Payload,
		created.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LoadAll(ctx context.Context) (Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, interval, payload, created_at, updated_at FROM channel_states`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := Snapshot{}
	for rows.Next() {
		var (
			r                Record
			created, updated sql.NullString
		)
		if err := rows.Scan(&r.ChannelID, &r.Interval, &r.Payload, &created, &updated); err != nil {
			return nil, err
		}
		if validKey(r.ChannelID, r.Interval) != nil {
			s.log.Warn("skipping invalid state row",
				logx.Int64("channel_id", r.ChannelID), logx.Int("interval", r.Interval))
			continue
		}
		r.CreatedAt = parseTime(created.String)
		r.UpdatedAt = parseTime(updated.String)
		out.put(r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Remove(ctx context.Context, channelID int64, interval int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var err error
	if interval == 0 {
		_, err = s.db.ExecContext(ctx, `DELETE FROM channel_states WHERE channel_id = ?`, channelID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM channel_states WHERE channel_id = ? AND interval = ?`, channelID, interval)
	}
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_name, channel_id, action, intervals, ok, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorName), e.ChannelID,
		e.Action, nullStr(e.Intervals), e.OK, nullStr(e.Error),
	)
	return err
}

// parseTime accepts our RFC3339 timestamps and the "YYYY-MM-DD HH:MM:SS"
// form SQLite's CURRENT_TIMESTAMP produces in migrated rows.
func parseTime(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02 15:04:05.999999"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
