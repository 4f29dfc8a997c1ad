package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "vwapbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.states.snapshot.json (periodic snapshot)
//   - <prefix>.states.journal.jsonl (append-only journal of upserts/removals)
//
// The journal is compacted into the snapshot on open and every
// compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	states       Snapshot

	writes       int
	compactEvery int
}

// fileRecord is the on-disk form of a Record and of a journal entry.
// Op is empty in snapshots; in the journal it is "put" or "del".
type fileRecord struct {
	Op        string    `json:"op,omitempty"`
	ChannelID int64     `json:"channel_id"`
	Interval  int       `json:"interval"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".states.snapshot.json"
	journalPath := prefix + ".states.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	states := Snapshot{}
	if err := loadStatesSnapshot(snapPath, states); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("states snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayStatesJournal(journalPath, states); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("states journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	s := &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		states:       states,
		compactEvery: 200,
	}
	s.mu.Lock()
	if err := s.compactLocked(); err != nil {
		log.Debug("states compact failed", logx.Err(err))
	}
	s.mu.Unlock()
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Upsert(ctx context.Context, r Record) error {
	_ = ctx
	if err := validKey(r.ChannelID, r.Interval); err != nil {
		return err
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("states journal closed")
	}
	if prev, ok := s.states[r.ChannelID][r.Interval]; ok && !prev.CreatedAt.IsZero() {
		r.CreatedAt = prev.CreatedAt
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.Payload = append([]byte(nil), r.Payload...)

	if err := s.journalLocked(toFileRecord("put", r)); err != nil {
		return err
	}
	s.states.put(r)
	return nil
}

func (s *fileStore) LoadAll(ctx context.Context) (Snapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{}
	for _, m := range s.states {
		for _, r := range m {
			r.Payload = append([]byte(nil), r.Payload...)
			out.put(r)
		}
	}
	return out, nil
}

func (s *fileStore) Remove(ctx context.Context, channelID int64, interval int) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("states journal closed")
	}
	m := s.states[channelID]
	if len(m) == 0 {
		return nil
	}
	if interval != 0 {
		if _, ok := m[interval]; !ok {
			return nil
		}
	}
	if err := s.journalLocked(fileRecord{Op: "del", ChannelID: channelID, Interval: interval}); err != nil {
		return err
	}
	removeFrom(s.states, channelID, interval)
	return nil
}

func (s *fileStore) journalLocked(fr fileRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(fr); err != nil {
		return err
	}
	// Journal entries must survive a crash right after a start.
	if err := s.journalFile.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("states compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	list := make([]fileRecord, 0, s.states.Len())
	for _, m := range s.states {
		for _, r := range m {
			list = append(list, toFileRecord("", r))
		}
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(list); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if s.journalFile == nil {
		return nil
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func toFileRecord(op string, r Record) fileRecord {
	fr := fileRecord{
		Op:        op,
		ChannelID: r.ChannelID,
		Interval:  r.Interval,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Payload) > 0 {
		fr.Payload = r.Payload
	}
	return fr
}

func (fr fileRecord) record() Record {
	return Record{
		ChannelID: fr.ChannelID,
		Interval:  fr.Interval,
		Payload:   fr.Payload,
		CreatedAt: fr.CreatedAt,
		UpdatedAt: fr.UpdatedAt,
	}
}

func removeFrom(states Snapshot, channelID int64, interval int) {
	if interval == 0 {
		delete(states, channelID)
		return
	}
	m := states[channelID]
	delete(m, interval)
	if len(m) == 0 {
		delete(states, channelID)
	}
}

func loadStatesSnapshot(path string, out Snapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []fileRecord
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, fr := range list {
		if validKey(fr.ChannelID, fr.Interval) != nil {
			continue
		}
		out.put(fr.record())
	}
	return nil
}

func replayStatesJournal(path string, out Snapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var fr fileRecord
		if err := json.Unmarshal(sc.Bytes(), &fr); err != nil {
			// Torn tail write.
			continue
		}
		switch fr.Op {
		case "put":
			if validKey(fr.ChannelID, fr.Interval) == nil {
				out.put(fr.record())
			}
		case "del":
			removeFrom(out, fr.ChannelID, fr.Interval)
		}
	}
	return sc.Err()
}
