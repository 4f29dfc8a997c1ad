package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"vwapbot/internal/storage"
	logx "vwapbot/pkg/logx"
)

var t0 = time.Date(2024, 3, 4, 7, 0, 0, 0, time.UTC)

// fakePublisher records calls and detects overlapping calls per key.
type fakePublisher struct {
	clk clockwork.Clock

	mu       sync.Mutex
	calls    map[Key][]time.Time
	inflight map[Key]int
	overlap  bool
	fail     map[Key]error
	panics   map[Key]bool
	next     map[Key][]byte
	hold     map[Key]chan struct{}
	delay    time.Duration
	invalid  map[string]bool

	done chan Key
}

func newFakePublisher(clk clockwork.Clock) *fakePublisher {
	return &fakePublisher{
		clk:      clk,
		calls:    map[Key][]time.Time{},
		inflight: map[Key]int{},
		fail:     map[Key]error{},
		panics:   map[Key]bool{},
		next:     map[Key][]byte{},
		hold:     map[Key]chan struct{}{},
		invalid:  map[string]bool{},
		done:     make(chan Key, 4096),
	}
}

func (p *fakePublisher) Publish(ctx context.Context, u Update) ([]byte, error) {
	p.mu.Lock()
	p.inflight[u.Key]++
	if p.inflight[u.Key] > 1 {
		p.overlap = true
	}
	p.calls[u.Key] = append(p.calls[u.Key], p.clk.Now())
	fail, pn, next, hold, delay := p.fail[u.Key], p.panics[u.Key], p.next[u.Key], p.hold[u.Key], p.delay
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inflight[u.Key]--
		p.mu.Unlock()
		p.done <- u.Key
	}()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if pn {
		panic("boom")
	}
	if fail != nil {
		return nil, fail
	}
	return next, nil
}

func (p *fakePublisher) ValidatePayload(_ Key, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.invalid[string(payload)] {
		return errors.New("unreadable payload")
	}
	return nil
}

func (p *fakePublisher) callTimes(k Key) []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.calls[k]...)
}

func (p *fakePublisher) count(k Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls[k])
}

func (p *fakePublisher) overlapped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overlap
}

// waitCalls consumes n completed publish calls.
func (p *fakePublisher) waitCalls(t *testing.T, n int) []Key {
	t.Helper()
	var got []Key
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case k := <-p.done:
			got = append(got, k)
		case <-deadline:
			t.Fatalf("timed out waiting for %d publish calls, got %d: %v", n, len(got), got)
		}
	}
	return got
}

// expectNoCalls fails if a publish call completes within a short window.
func (p *fakePublisher) expectNoCalls(t *testing.T) {
	t.Helper()
	select {
	case k := <-p.done:
		t.Fatalf("unexpected publish call for %v", k)
	case <-time.After(50 * time.Millisecond):
	}
}

// memStore is an in-memory StateStore with switchable failures.
type memStore struct {
	mu         sync.Mutex
	rows       storage.Snapshot
	failUpsert error
	failRemove error
	upserts    int
}

func newMemStore() *memStore { return &memStore{rows: storage.Snapshot{}} }

func (m *memStore) Upsert(_ context.Context, r storage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpsert != nil {
		return m.failUpsert
	}
	m.upserts++
	if m.rows[r.ChannelID] == nil {
		m.rows[r.ChannelID] = map[int]storage.Record{}
	}
	r.Payload = append([]byte(nil), r.Payload...)
	m.rows[r.ChannelID][r.Interval] = r
	return nil
}

func (m *memStore) Remove(_ context.Context, channelID int64, interval int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRemove != nil {
		return m.failRemove
	}
	if interval == 0 {
		delete(m.rows, channelID)
		return nil
	}
	delete(m.rows[channelID], interval)
	if len(m.rows[channelID]) == 0 {
		delete(m.rows, channelID)
	}
	return nil
}

func (m *memStore) setFailures(upsert, remove error) {
	m.mu.Lock()
	m.failUpsert, m.failRemove = upsert, remove
	m.mu.Unlock()
}

func (m *memStore) has(k Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[k.ChannelID][k.Interval]
	return ok
}

func (m *memStore) payload(k Key) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[k.ChannelID][k.Interval].Payload
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows.Len()
}

type harness struct {
	clk   *clockwork.FakeClock
	pub   *fakePublisher
	store *memStore
	s     *Scheduler
	ctx   context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clockwork.NewFakeClockAt(t0)
	pub := newFakePublisher(clk)
	store := newMemStore()
	s := New(Config{StopTimeout: 2 * time.Second}, store, pub, logx.Nop(), WithClock(clk))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return &harness{clk: clk, pub: pub, store: store, s: s, ctx: ctx}
}

// waiters blocks until n loops sit in their wait phase.
func (h *harness) waiters(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	if err := h.clk.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d waiters: %v", n, err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
