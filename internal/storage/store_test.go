package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	logx "vwapbot/pkg/logx"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{}
	for _, driver := range []string{"file", "sqlite"} {
		dir := t.TempDir()
		st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, "state.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	mr := miniredis.RunT(t)
	st, err := Open(Config{Driver: "redis", Redis: RedisConfig{Addr: mr.Addr(), Prefix: "vwapbot-test"}}, logx.Nop())
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	out["redis"] = st
	return out
}

func TestRedisStore_RemoveKeepsSiblingListed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	st := newRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "t", logx.Nop())
	t.Cleanup(func() { _ = st.Close() })

	// Removing the last interval unlists the channel.
	if err := st.Upsert(ctx, Record{ChannelID: 5, Interval: 600}); err != nil {
		t.Fatal(err)
	}
	if err := st.Remove(ctx, 5, 600); err != nil {
		t.Fatal(err)
	}
	if ok, _ := mr.IsMember("t:channels", "5"); ok {
		t.Fatal("channel 5 still listed after its last interval was removed")
	}

	// A sibling interval written while another is removed stays loadable.
	const rounds = 100
	for i := 1; i <= rounds; i++ {
		ch := int64(1000 + i)
		if err := st.Upsert(ctx, Record{ChannelID: ch, Interval: 600}); err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := st.Remove(ctx, ch, 600); err != nil {
				t.Errorf("remove %d: %v", ch, err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := st.Upsert(ctx, Record{ChannelID: ch, Interval: 1800}); err != nil {
				t.Errorf("upsert %d: %v", ch, err)
			}
		}()
		wg.Wait()
	}

	all, err := st.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for i := 1; i <= rounds; i++ {
		ch := int64(1000 + i)
		if _, ok := all[ch][1800]; !ok {
			t.Fatalf("record %d/1800 lost: channel unlisted while its hash held a record", ch)
		}
		if _, ok := all[ch][600]; ok {
			t.Fatalf("record %d/600 survived remove", ch)
		}
	}
}

func TestOpen_DisabledAndUnknown(t *testing.T) {
	t.Parallel()

	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: got (%v, %v), want (nil, nil)", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for sqlite without path")
	}
}

func TestStore_UpsertLoadRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, r := range []Record{
				{ChannelID: 42, Interval: 600, Payload: []byte(`{"message_id":1}`)},
				{ChannelID: 42, Interval: 1800, Payload: []byte(`{"message_id":2}`)},
				{ChannelID: -100, Interval: 3600, Payload: []byte("opaque")},
			} {
				if err := st.Upsert(ctx, r); err != nil {
					t.Fatalf("upsert %+v: %v", r, err)
				}
			}

			all, err := st.LoadAll(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if all.Len() != 3 {
				t.Fatalf("got %d records, want 3", all.Len())
			}
			if got := string(all[-100][3600].Payload); got != "opaque" {
				t.Fatalf("payload = %q", got)
			}
			first := all[42][600]
			if first.CreatedAt.IsZero() || first.UpdatedAt.IsZero() {
				t.Fatalf("timestamps not set: %+v", first)
			}

			// Replace keeps created_at.
			if err := st.Upsert(ctx, Record{ChannelID: 42, Interval: 600, Payload: []byte(`{"message_id":9}`)}); err != nil {
				t.Fatalf("upsert replace: %v", err)
			}
			all, _ = st.LoadAll(ctx)
			if got := string(all[42][600].Payload); got != `{"message_id":9}` {
				t.Fatalf("payload after replace = %q", got)
			}
			if !all[42][600].CreatedAt.Equal(first.CreatedAt) {
				t.Fatalf("created_at changed: %v -> %v", first.CreatedAt, all[42][600].CreatedAt)
			}

			if err := st.Remove(ctx, 42, 1800); err != nil {
				t.Fatalf("remove one: %v", err)
			}
			// Missing rows are a no-op.
			if err := st.Remove(ctx, 42, 1800); err != nil {
				t.Fatalf("remove missing: %v", err)
			}
			if err := st.Remove(ctx, 7, 0); err != nil {
				t.Fatalf("remove missing channel: %v", err)
			}
			all, _ = st.LoadAll(ctx)
			if _, ok := all[42][1800]; ok {
				t.Fatalf("record 42/1800 still present")
			}
			if all.Len() != 2 {
				t.Fatalf("got %d records, want 2", all.Len())
			}

			if err := st.Remove(ctx, 42, 0); err != nil {
				t.Fatalf("remove channel: %v", err)
			}
			all, _ = st.LoadAll(ctx)
			if _, ok := all[42]; ok {
				t.Fatalf("channel 42 still present: %+v", all[42])
			}
			if all.Len() != 1 {
				t.Fatalf("got %d records, want 1", all.Len())
			}
		})
	}
}

func TestStore_RejectsInvalidKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Upsert(ctx, Record{ChannelID: 1, Interval: 0}); err == nil {
				t.Fatalf("expected error for zero interval")
			}
			if err := st.Upsert(ctx, Record{ChannelID: 0, Interval: 60}); err == nil {
				t.Fatalf("expected error for zero channel")
			}
		})
	}
}

func TestStore_Audit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			err := st.AppendAudit(ctx, AuditEntry{ActorID: 5, ActorName: "op", ChannelID: 42, Action: "start", Intervals: "600,1800", OK: true})
			if err != nil {
				t.Fatalf("audit: %v", err)
			}
		})
	}
}

func TestFileStore_ReopenReplaysJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = st.Upsert(ctx, Record{ChannelID: 1, Interval: 60, Payload: []byte("a")})
	_ = st.Upsert(ctx, Record{ChannelID: 1, Interval: 120, Payload: []byte("b")})
	_ = st.Remove(ctx, 1, 60)
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A torn trailing line must not prevent loading.
	journal := filepath.Join(filepath.Dir(path), "state.states.journal.jsonl")
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	_, _ = f.WriteString(`{"op":"put","channel_id":1,"inter`)
	_ = f.Close()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	all, err := st.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if all.Len() != 1 || string(all[1][120].Payload) != "b" {
		t.Fatalf("unexpected snapshot: %+v", all)
	}
}

func TestSQLite_MigratesLegacyTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		schema string
		rows   []string
		want   map[int64]int
	}{
		{
			name: "single interval",
			schema: `CREATE TABLE channel_states (
				channel_id INTEGER PRIMARY KEY, message_id INTEGER, guild_id INTEGER,
				running BOOLEAN, server_name TEXT, channel_name TEXT,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP, updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP)`,
			rows: []string{
				`INSERT INTO channel_states(channel_id, message_id, running) VALUES (10, 111, 1)`,
				`INSERT INTO channel_states(channel_id, message_id, running) VALUES (11, 112, 0)`,
			},
			want: map[int64]int{10: LegacyDefaultInterval},
		},
		{
			name: "multi interval",
			schema: `CREATE TABLE channel_states (
				channel_id INTEGER, interval INTEGER, message_id INTEGER, guild_id INTEGER,
				running BOOLEAN, server_name TEXT, channel_name TEXT,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP, updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (channel_id, interval))`,
			rows: []string{
				`INSERT INTO channel_states(channel_id, interval, message_id, running) VALUES (20, 600, 211, 1)`,
			},
			want: map[int64]int{20: 600},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "legacy.db")

			db, err := sql.Open("sqlite", path)
			if err != nil {
				t.Fatalf("sql open: %v", err)
			}
			if _, err := db.Exec(tc.schema); err != nil {
				t.Fatalf("schema: %v", err)
			}
			for _, q := range tc.rows {
				if _, err := db.Exec(q); err != nil {
					t.Fatalf("insert: %v", err)
				}
			}
			_ = db.Close()

			st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer st.Close()

			all, err := st.LoadAll(context.Background())
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if all.Len() != len(tc.want) {
				t.Fatalf("got %d records, want %d: %+v", all.Len(), len(tc.want), all)
			}
			for ch, iv := range tc.want {
				r, ok := all[ch][iv]
				if !ok {
					t.Fatalf("missing %d/%d", ch, iv)
				}
				var p struct {
					ChatID    int64 `json:"chat_id"`
					MessageID int   `json:"message_id"`
				}
				if err := json.Unmarshal(r.Payload, &p); err != nil {
					t.Fatalf("payload %q: %v", r.Payload, err)
				}
				if p.ChatID != ch || p.MessageID == 0 {
					t.Fatalf("payload = %+v", p)
				}
				if r.CreatedAt.IsZero() {
					t.Fatalf("created_at not parsed")
				}
			}
		})
	}
}
