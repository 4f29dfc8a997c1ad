package refresh

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"vwapbot/internal/eventbus"
	"vwapbot/internal/storage"
	logx "vwapbot/pkg/logx"
)

func TestStart_ImmediateUpdateThenCadence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	k := Key{ChannelID: 1, Interval: 60}

	if err := h.s.Start(h.ctx, k, []byte("msg-1"), StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.pub.waitCalls(t, 1)
	if !h.store.has(k) {
		t.Fatalf("record not persisted on start")
	}
	if got := h.s.Status(1); !slices.Equal(got, []int{60}) {
		t.Fatalf("Status = %v", got)
	}

	h.waiters(t, 1)
	h.clk.Advance(59 * time.Second)
	h.pub.expectNoCalls(t)
	h.clk.Advance(time.Second)
	h.pub.waitCalls(t, 1)

	want := []time.Time{t0, t0.Add(60 * time.Second)}
	if got := h.pub.callTimes(k); !slices.EqualFunc(got, want, time.Time.Equal) {
		t.Fatalf("call times = %v, want %v", got, want)
	}
}

func TestStart_SkipImmediate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	k := Key{ChannelID: 1, Interval: 30}

	if err := h.s.Start(h.ctx, k, nil, StartOptions{SkipImmediate: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waiters(t, 1)
	h.pub.expectNoCalls(t)
	h.clk.Advance(30 * time.Second)
	h.pub.waitCalls(t, 1)
}

func TestTriggerReset_RebasesCadence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	k := Key{ChannelID: 1, Interval: 60}

	if err := h.s.Start(h.ctx, k, nil, StartOptions{SkipImmediate: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.waiters(t, 1)

	// Reset at T = t0+30s.
	h.clk.Advance(30 * time.Second)
	if n := h.s.TriggerReset(1, 60); n != 1 {
		t.Fatalf("TriggerReset signalled %d loops, want 1", n)
	}
	h.pub.waitCalls(t, 1)
	h.waiters(t, 1)

	// The originally scheduled tick (t0+60s) must not happen.
	h.clk.Advance(59 * time.Second)
	h.pub.expectNoCalls(t)
	h.clk.Advance(time.Second)
	h.pub.waitCalls(t, 1)

	want := []time.Time{t0.Add(30 * time.Second), t0.Add(90 * time.Second)}
	if got := h.pub.callTimes(k); !slices.EqualFunc(got, want, time.Time.Equal) {
		t.Fatalf("call times = %v, want %v", got, want)
	}
}

func TestLoop_ResetSignalIsSingleSlot(t *testing.T) {
	t.Parallel()
	l := newLoop(Key{ChannelID: 1, Interval: 60}, nil, t0)

	if !l.signalReset() {
		t.Fatalf("first signal not accepted")
	}
	if l.signalReset() {
		t.Fatalf("second signal must coalesce with the pending one")
	}
	<-l.reset
	select {
	case <-l.reset:
		t.Fatalf("one signal consumed twice")
	default:
	}
	if !l.signalReset() {
		t.Fatalf("signal after consumption not accepted")
	}
}

func TestTriggerReset_IgnoresKeysNotRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if n := h.s.TriggerReset(1, 60); n != 0 {
		t.Fatalf("TriggerReset on idle scheduler = %d", n)
	}
	if err := h.s.Start(h.ctx, Key{ChannelID: 1, Interval: 60}, nil, StartOptions{SkipImmediate: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if n := h.s.TriggerReset(1, 120); n != 0 {
		t.Fatalf("TriggerReset on other interval = %d", n)
	}
	if n := h.s.TriggerReset(2, 0); n != 0 {
		t.Fatalf("TriggerReset on other channel = %d", n)
	}
	if n := h.s.TriggerReset(1, 0); n != 1 {
		t.Fatalf("TriggerReset(1, 0) = %d", n)
	}
	h.pub.waitCalls(t, 1)
}

func TestTriggerReset_DuringUpdateIsNotLost(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	k := Key{ChannelID: 1, Interval: 60}

	hold := make(chan struct{})
	h.pub.mu.Lock()
	h.pub.hold[k] = hold
	h.pub.mu.Unlock()

	if err := h.s.Start(h.ctx, k, nil, StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, "first update in flight", func() bool { return h.pub.count(k) == 1 })

	h.s.TriggerReset(1, 60)
	h.pub.mu.Lock()
	delete(h.pub.hold, k)
	h.pub.mu.Unlock()
	close(hold)

	// The pending signal is consumed by the next wait without moving time.
	h.pub.waitCalls(t, 2)
	if got := h.pub.callTimes(k); len(got) != 2 || !got[1].Equal(t0) {
		t.Fatalf("call times = %v", got)
	}
}

func TestTriggerReset_NoOverlapUnderRapidResets(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.pub.delay = time.Millisecond

	keys := []Key{{ChannelID: 1, Interval: 60}, {ChannelID: 1, Interval: 120}, {ChannelID: 2, Interval: 60}}
	for _, k := range keys {
		if err := h.s.Start(h.ctx, k, nil, StartOptions{}); err != nil {
			t.Fatalf("start %v: %v", k, err)
		}
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.s.TriggerResetAll()
				h.s.TriggerReset(1, 0)
			}
		}()
	}
	wg.Wait()

	if _, err := h.s.Stop(h.ctx, 1); err != nil {
		t.Fatalf("stop 1: %v", err)
	}
	if _, err := h.s.Stop(h.ctx, 2); err != nil {
		t.Fatalf("stop 2: %v", err)
	}
	if h.pub.overlapped() {
		t.Fatalf("publish calls overlapped for a key")
	}
	for _, k := range keys {
		// One immediate update plus at most one per signal.
		if n := h.pub.count(k); n < 1 || n > 1+800 {
			t.Fatalf("%v: %d calls", k, n)
		}
	}
}

func TestStop_ChannelCancelsEveryIntervalAndDeletesRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	ch1 := []Key{{ChannelID: 1, Interval: 60}, {ChannelID: 1, Interval: 300}, {ChannelID: 1, Interval: 3600}}
	other := Key{ChannelID: 2, Interval: 60}
	for _, k := range append(slices.Clone(ch1), other) {
		if err := h.s.Start(h.ctx, k, []byte(k.String()), StartOptions{}); err != nil {
			t.Fatalf("start %v: %v", k, err)
		}
	}
	h.pub.waitCalls(t, 4)
	h.waiters(t, 4)

	stopped, err := h.s.Stop(h.ctx, 1)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !slices.Equal(stopped, []int{60, 300, 3600}) {
		t.Fatalf("stopped = %v", stopped)
	}
	if got := h.s.Status(1); len(got) != 0 {
		t.Fatalf("Status(1) = %v after stop", got)
	}
	for _, k := range ch1 {
		if h.store.has(k) {
			t.Fatalf("record %v still persisted", k)
		}
	}
	if !h.store.has(other) {
		t.Fatalf("record of another channel was deleted")
	}

	before := map[Key]int{}
	for _, k := range ch1 {
		before[k] = h.pub.count(k)
	}
	h.s.TriggerResetAll()
	h.clk.Advance(2 * time.Hour)
	eventually(t, "other channel keeps ticking", func() bool { return h.pub.count(other) >= 2 })
	for _, k := range ch1 {
		if n := h.pub.count(k); n != before[k] {
			t.Fatalf("%v published after stop: %d -> %d", k, before[k], n)
		}
	}
}

func TestStop_SingleIntervalAndNotRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, iv := range []int{60, 120} {
		if err := h.s.Start(h.ctx, Key{ChannelID: 5, Interval: iv}, nil, StartOptions{SkipImmediate: true}); err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	stopped, err := h.s.Stop(h.ctx, 5, 120)
	if err != nil || !slices.Equal(stopped, []int{120}) {
		t.Fatalf("Stop(5, 120) = (%v, %v)", stopped, err)
	}
	if got := h.s.Status(5); !slices.Equal(got, []int{60}) {
		t.Fatalf("Status = %v", got)
	}

	// Not running: no-op, no error.
	for _, call := range []func() ([]int, error){
		func() ([]int, error) { return h.s.Stop(h.ctx, 5, 120) },
		func() ([]int, error) { return h.s.Stop(h.ctx, 99) },
	} {
		stopped, err := call()
		if err != nil || len(stopped) != 0 {
			t.Fatalf("stop of idle key = (%v, %v)", stopped, err)
		}
	}
}

func TestStart_DuplicateRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	k := Key{ChannelID: 1, Interval: 60}

	if err := h.s.Start(h.ctx, k, []byte("a"), StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := h.s.Start(h.ctx, k, []byte("b"), StartOptions{})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start err = %v, want ErrAlreadyRunning", err)
	}
	var dup *DuplicateStartError
	if !errors.As(err, &dup) || dup.Key != k || dup.State != StateRunning {
		t.Fatalf("err = %#v", err)
	}
	if got := string(h.store.payload(k)); got != "a" {
		t.Fatalf("payload overwritten by rejected start: %q", got)
	}
	if n := len(h.s.Snapshot()); n != 1 {
		t.Fatalf("%d loops registered", n)
	}
}

func TestStart_InvalidKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, k := range []Key{{ChannelID: 0, Interval: 60}, {ChannelID: 1, Interval: 0}, {ChannelID: 1, Interval: -5}, {ChannelID: 1, Interval: 10_000_000_000}} {
		if err := h.s.Start(h.ctx, k, nil, StartOptions{}); err == nil {
			t.Fatalf("Start(%v) expected error", k)
		}
	}
}

func TestStart_PersistenceFailureDoesNotRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	k := Key{ChannelID: 1, Interval: 60}
	h.store.setFailures(errors.New("disk full"), nil)

	err := h.s.Start(h.ctx, k, nil, StartOptions{})
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Op != "upsert" || pe.Key != k {
		t.Fatalf("err = %v, want upsert PersistenceError", err)
	}
	if got := h.s.Status(1); len(got) != 0 {
		t.Fatalf("Status = %v after failed start", got)
	}
	h.pub.expectNoCalls(t)

	// The key is free again once the store recovers.
	h.store.setFailures(nil, nil)
	if err := h.s.Start(h.ctx, k, nil, StartOptions{}); err != nil {
		t.Fatalf("start after recovery: %v", err)
	}
}

func TestStop_PersistenceFailureKeepsKeyStopping(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	k := Key{ChannelID: 1, Interval: 60}

	if err := h.s.Start(h.ctx, k, nil, StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.pub.waitCalls(t, 1)
	h.store.setFailures(nil, errors.New("db locked"))

	stopped, err := h.s.Stop(h.ctx, 1)
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Op != "remove" || len(stopped) != 0 {
		t.Fatalf("Stop = (%v, %v), want remove PersistenceError", stopped, err)
	}
	if got := h.s.Status(1); len(got) != 0 {
		t.Fatalf("Status = %v, STOPPING keys are not active", got)
	}
	snap := h.s.Snapshot()
	if len(snap) != 1 || snap[0].State != StateStopping {
		t.Fatalf("snapshot = %+v", snap)
	}
	if err := h.s.Start(h.ctx, k, nil, StartOptions{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("start while stopping = %v", err)
	}
	// The loop itself is gone.
	h.s.TriggerResetAll()
	h.clk.Advance(time.Hour)
	h.pub.expectNoCalls(t)

	// Retry succeeds once the store recovers.
	h.store.setFailures(nil, nil)
	stopped, err = h.s.Stop(h.ctx, 1)
	if err != nil || !slices.Equal(stopped, []int{60}) {
		t.Fatalf("retry Stop = (%v, %v)", stopped, err)
	}
	if h.store.has(k) || len(h.s.Snapshot()) != 0 {
		t.Fatalf("key not fully stopped")
	}
}

func TestRelease_AcceptsUnpersistedStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	k := Key{ChannelID: 3, Interval: 120}

	if err := h.s.Start(h.ctx, k, nil, StartOptions{SkipImmediate: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.s.Release(k) {
		t.Fatalf("Release of a running key must fail")
	}
	h.store.setFailures(nil, errors.New("down"))
	if _, err := h.s.Stop(h.ctx, 3); err == nil {
		t.Fatalf("expected stop error")
	}
	if !h.s.Release(k) {
		t.Fatalf("Release of STOPPING key failed")
	}
	if len(h.s.Snapshot()) != 0 {
		t.Fatalf("key still registered")
	}
	if !h.store.has(k) {
		t.Fatalf("record should remain after release")
	}
}

func TestFaultIsolation(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{"error", "panic"} {
		t.Run(mode, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			bad := Key{ChannelID: 1, Interval: 30}
			good := Key{ChannelID: 1, Interval: 60}

			h.pub.mu.Lock()
			if mode == "panic" {
				h.pub.panics[bad] = true
			} else {
				h.pub.fail[bad] = errors.New("upstream 500")
			}
			h.pub.mu.Unlock()

			for _, k := range []Key{bad, good} {
				if err := h.s.Start(h.ctx, k, nil, StartOptions{}); err != nil {
					t.Fatalf("start %v: %v", k, err)
				}
			}
			h.pub.waitCalls(t, 2)

			// 4 x 30s: bad ticks 4 more times, good twice.
			wantPerStep := []int{1, 2, 1, 2}
			for _, n := range wantPerStep {
				h.waiters(t, 2)
				h.clk.Advance(30 * time.Second)
				h.pub.waitCalls(t, n)
			}

			if got := h.pub.count(good); got != 3 {
				t.Fatalf("good key published %d times, want 3", got)
			}
			if got := h.pub.count(bad); got != 5 {
				t.Fatalf("bad key published %d times, want 5", got)
			}
			var badInfo LoopInfo
			eventually(t, "failures recorded", func() bool {
				for _, li := range h.s.Snapshot() {
					if li.Key == bad {
						badInfo = li
					}
				}
				return badInfo.Failures == 5
			})
			if badInfo.State != StateRunning || badInfo.LastError == "" {
				t.Fatalf("bad loop info = %+v", badInfo)
			}
		})
	}
}

func TestRestore_ReconstructsLoops(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.pub.invalid["garbage"] = true

	rec := func(ch int64, iv int, payload string) storage.Record {
		return storage.Record{ChannelID: ch, Interval: iv, Payload: []byte(payload)}
	}
	snap := storage.Snapshot{
		10: {60: rec(10, 60, "a"), 120: rec(10, 120, "b")},
		20: {60: rec(20, 60, "c"), 3600: rec(20, 3600, "d")},
		30: {60: rec(30, 60, "garbage")},
	}

	rep := h.s.Restore(h.ctx, snap)
	wantRestored := []Key{{10, 60}, {10, 120}, {20, 60}, {20, 3600}}
	if !slices.Equal(rep.Restored, wantRestored) {
		t.Fatalf("restored = %v, want %v", rep.Restored, wantRestored)
	}
	if len(rep.Skipped) != 1 || rep.Skipped[0].Key != (Key{30, 60}) {
		t.Fatalf("skipped = %+v", rep.Skipped)
	}

	// Immediate update on resume, with the stored payload.
	h.pub.waitCalls(t, 4)
	if got := h.s.Status(10); !slices.Equal(got, []int{60, 120}) {
		t.Fatalf("Status(10) = %v", got)
	}
	if got := h.s.Status(20); !slices.Equal(got, []int{60, 3600}) {
		t.Fatalf("Status(20) = %v", got)
	}
	if got := h.s.Status(30); len(got) != 0 {
		t.Fatalf("Status(30) = %v", got)
	}

	// Cadence: after 60s only the 60s loops tick, after 120s also the 120s loop.
	h.waiters(t, 4)
	h.clk.Advance(60 * time.Second)
	got := h.pub.waitCalls(t, 2)
	slices.SortFunc(got, compareKeys)
	if !slices.Equal(got, []Key{{10, 60}, {20, 60}}) {
		t.Fatalf("ticks at +60s = %v", got)
	}
	h.waiters(t, 4)
	h.clk.Advance(60 * time.Second)
	got = h.pub.waitCalls(t, 3)
	slices.SortFunc(got, compareKeys)
	if !slices.Equal(got, []Key{{10, 60}, {10, 120}, {20, 60}}) {
		t.Fatalf("ticks at +120s = %v", got)
	}
}

func TestStartChannel_TopsUp(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.s.Start(h.ctx, Key{ChannelID: 7, Interval: 600}, nil, StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	var asked []int
	res, err := h.s.StartChannel(h.ctx, 7, []int{600, 1800, 3600}, func(_ context.Context, k Key) ([]byte, error) {
		asked = append(asked, k.Interval)
		if k.Interval == 3600 {
			return nil, errors.New("send failed")
		}
		return []byte("m"), nil
	})
	if err == nil {
		t.Fatalf("expected payload error for 3600")
	}
	if !slices.Equal(res.Started, []int{1800}) || !slices.Equal(res.Skipped, []int{600}) {
		t.Fatalf("result = %+v", res)
	}
	if !slices.Equal(asked, []int{1800, 3600}) {
		t.Fatalf("payloadFn called for %v", asked)
	}
	if got := h.s.Status(7); !slices.Equal(got, []int{600, 1800}) {
		t.Fatalf("Status = %v", got)
	}
}

func TestStartChannel_ReturnsAbandonedPayloads(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.setFailures(errors.New("disk full"), nil)

	res, err := h.s.StartChannel(h.ctx, 7, []int{600, 1800}, func(_ context.Context, k Key) ([]byte, error) {
		return []byte("msg-" + strconv.Itoa(k.Interval)), nil
	})
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}
	if len(res.Started) != 0 {
		t.Fatalf("started = %v", res.Started)
	}
	if len(res.Abandoned) != 2 || string(res.Abandoned[600]) != "msg-600" || string(res.Abandoned[1800]) != "msg-1800" {
		t.Fatalf("abandoned = %q", res.Abandoned)
	}
	if got := h.s.Status(7); len(got) != 0 {
		t.Fatalf("Status = %v after failed start", got)
	}

	// Without payloadFn nothing is owned by the caller.
	res, _ = h.s.StartChannel(h.ctx, 8, []int{600}, nil)
	if res.Abandoned != nil {
		t.Fatalf("abandoned = %q, want nil", res.Abandoned)
	}
}

func TestTick_PersistsReplacedPayload(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	k := Key{ChannelID: 1, Interval: 60}

	h.pub.mu.Lock()
	h.pub.next[k] = []byte("msg-2")
	h.pub.mu.Unlock()

	if err := h.s.Start(h.ctx, k, []byte("msg-1"), StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.pub.waitCalls(t, 1)
	eventually(t, "payload persisted", func() bool { return string(h.store.payload(k)) == "msg-2" })

	// Unchanged payloads do not write.
	h.store.mu.Lock()
	before := h.store.upserts
	h.store.mu.Unlock()
	h.waiters(t, 1)
	h.clk.Advance(time.Minute)
	h.pub.waitCalls(t, 1)
	h.waiters(t, 1)
	h.store.mu.Lock()
	after := h.store.upserts
	h.store.mu.Unlock()
	if after != before {
		t.Fatalf("upserts %d -> %d for unchanged payload", before, after)
	}
}

func TestClose_KeepsRecordsAndRejectsStart(t *testing.T) {
	t.Parallel()
	clk := clockwork.NewFakeClockAt(t0)
	pub := newFakePublisher(clk)
	store := newMemStore()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(Config{}, store, pub, logx.Nop(), WithClock(clk), WithBus(bus))
	if err := s.Start(context.Background(), Key{1, 60}, nil, StartOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("start before open = %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, k := range []Key{{1, 60}, {2, 60}} {
		if err := s.Start(context.Background(), k, nil, StartOptions{}); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	pub.waitCalls(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if store.len() != 2 {
		t.Fatalf("records after close = %d, want 2", store.len())
	}
	if err := s.Start(context.Background(), Key{3, 60}, nil, StartOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after close = %v", err)
	}

	started := 0
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TypeRefreshStarted {
			started++
		}
	}
	if started != 2 {
		t.Fatalf("started events = %d", started)
	}
}
