package refresh

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"vwapbot/internal/eventbus"
	"vwapbot/internal/runtime/supervisor"
	"vwapbot/internal/storage"
	logx "vwapbot/pkg/logx"
)

// StateStore is the persistence the scheduler needs. A nil StateStore
// disables persistence.
type StateStore interface {
	Upsert(ctx context.Context, r storage.Record) error
	Remove(ctx context.Context, channelID int64, interval int) error
}

type Config struct {
	// UpdateTimeout bounds one Publisher call. 0 disables the bound.
	UpdateTimeout time.Duration
	// StopTimeout bounds Close when the caller's context has no deadline.
	StopTimeout time.Duration
}

type Option func(*Scheduler)

// WithClock replaces the wall clock used for waits (tests use a fake clock).
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithBus publishes lifecycle events on b.
func WithBus(b eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// StartOptions tunes a single start.
type StartOptions struct {
	// SkipImmediate delays the first update by one full interval.
	SkipImmediate bool
}

// LoopInfo is a point-in-time view of one loop.
type LoopInfo struct {
	Key       Key
	State     State
	Payload   []byte
	StartedAt time.Time
	LastTick  time.Time
	Ticks     uint64
	Failures  uint64
	LastError string
}

// Event payloads.
type (
	Started struct {
		Key      Key
		Restored bool
	}
	Stopped struct {
		Key Key
	}
	UpdateFailed struct {
		Key Key
		Err error
	}
)

// Scheduler owns the registry of loops. The zero value is not usable;
// create one with New and call Open before starting keys.
type Scheduler struct {
	cfg   Config
	store StateStore
	pub   Publisher
	log   logx.Logger
	clock clockwork.Clock
	bus   eventbus.Bus

	keys keyedMutex

	mu    sync.Mutex
	sup   *supervisor.Supervisor
	loops map[Key]*loop
}

func New(cfg Config, store StateStore, pub Publisher, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:   cfg,
		store: store,
		pub:   pub,
		log:   log.With(logx.String("comp", "refresh")),
		clock: clockwork.NewRealClock(),
		loops: map[Key]*loop{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Open creates the scope that owns every loop. Loops end when ctx is
// cancelled or Close is called.
func (s *Scheduler) Open(ctx context.Context) error {
	if s.pub == nil {
		return errors.New("refresh: publisher is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return errors.New("refresh: already open")
	}
	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	return nil
}

// Close cancels and joins every loop. Persisted records are kept so the
// next process can Restore them.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	loops := s.loops
	s.loops = map[Key]*loop{}
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	for _, l := range loops {
		l.trySetState([]State{StateStarting, StateRunning}, StateStopping)
	}
	sup.Cancel()

	if _, ok := ctx.Deadline(); !ok && s.cfg.StopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.StopTimeout)
		defer cancel()
	}
	err := sup.Wait(ctx)
	for _, l := range loops {
		if l.exited() {
			l.trySetState([]State{StateStopping}, StateStopped)
		}
	}
	if err != nil {
		return fmt.Errorf("refresh: close: %w", err)
	}
	s.log.Info("scheduler closed", logx.Int("loops", len(loops)))
	return nil
}

// Start launches the loop for k with the given opaque payload.
//
// The record is persisted before the loop runs; if that fails a
// *PersistenceError is returned and nothing is left registered. A key
// that already has a loop is rejected with *DuplicateStartError.
func (s *Scheduler) Start(ctx context.Context, k Key, payload []byte, opts StartOptions) error {
	return s.start(ctx, k, payload, !opts.SkipImmediate, false)
}

func (s *Scheduler) start(ctx context.Context, k Key, payload []byte, immediate, restored bool) error {
	if err := k.validate(); err != nil {
		return err
	}
	unlock := s.keys.lock(k)
	defer unlock()

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return ErrClosed
	}
	if cur, ok := s.loops[k]; ok {
		s.mu.Unlock()
		return &DuplicateStartError{Key: k, State: cur.getState()}
	}
	l := newLoop(k, payload, s.clock.Now())
	s.loops[k] = l
	s.mu.Unlock()

	if err := s.persist(ctx, storage.Record{ChannelID: k.ChannelID, Interval: k.Interval, Payload: payload}); err != nil {
		s.unregister(k, l)
		return &PersistenceError{Op: "upsert", Key: k, Err: err}
	}

	s.mu.Lock()
	sup := s.sup
	if sup == nil || s.loops[k] != l {
		// Closed while persisting. The record stays for the next Restore.
		s.mu.Unlock()
		return ErrClosed
	}
	lctx, cancel := context.WithCancel(sup.Context())
	l.cancel = cancel
	l.trySetState([]State{StateStarting}, StateRunning)
	sup.Go0("refresh:"+k.String(), func(context.Context) {
		defer close(l.done)
		defer cancel()
		s.run(lctx, l, immediate)
	})
	s.mu.Unlock()

	s.log.Info("loop started",
		logx.Int64("channel_id", k.ChannelID),
		logx.Int("interval", k.Interval),
		logx.Bool("immediate", immediate),
		logx.Bool("restored", restored),
	)
	s.emit(eventbus.TypeRefreshStarted, Started{Key: k, Restored: restored})
	return nil
}

// ChannelStart reports the outcome of StartChannel.
type ChannelStart struct {
	Started []int
	Skipped []int // already running
	// Abandoned holds payloads made by payloadFn for keys that then did
	// not start. The caller owns them (for example to retire the posted
	// message).
	Abandoned map[int][]byte
}

// StartChannel tops up a channel: every interval without a loop is
// started, intervals that already run are reported as skipped. payloadFn
// is called once per interval that will be started (for example to post
// the message the loop will keep editing). When Start fails after
// payloadFn succeeded, including a *PersistenceError or a concurrent start
// of the same key, the payload is returned in Abandoned.
func (s *Scheduler) StartChannel(ctx context.Context, channelID int64, intervals []int, payloadFn func(ctx context.Context, k Key) ([]byte, error)) (ChannelStart, error) {
	var (
		res  ChannelStart
		errs []error
	)
	for _, iv := range intervals {
		k := Key{ChannelID: channelID, Interval: iv}
		if st, ok := s.state(k); ok && st != StateStopped {
			res.Skipped = append(res.Skipped, iv)
			continue
		}
		var payload []byte
		if payloadFn != nil {
			p, err := payloadFn(ctx, k)
			if err != nil {
				errs = append(errs, fmt.Errorf("refresh %s: payload: %w", k, err))
				continue
			}
			payload = p
		}
		err := s.Start(ctx, k, payload, StartOptions{})
		switch {
		case err == nil:
			res.Started = append(res.Started, iv)
			continue
		case errors.Is(err, ErrAlreadyRunning):
			res.Skipped = append(res.Skipped, iv)
		default:
			errs = append(errs, err)
		}
		if payloadFn != nil {
			if res.Abandoned == nil {
				res.Abandoned = map[int][]byte{}
			}
			res.Abandoned[iv] = payload
		}
	}
	if len(res.Abandoned) > 0 {
		ivs := slices.Sorted(maps.Keys(res.Abandoned))
		s.log.Warn("payloads abandoned after failed start", logx.Int64("channel_id", channelID), logx.Ints("intervals", ivs))
	}
	return res, errors.Join(errs...)
}

// Stop stops the given intervals of a channel, or every interval of the
// channel when none are given. For each key the loop is cancelled and
// joined before its record is deleted, so no update for the key happens
// after Stop returns. Keys without a loop are ignored.
//
// It returns the intervals that reached STOPPED. A failed delete leaves
// the key STOPPING; a later Stop retries it and Release drops it.
func (s *Scheduler) Stop(ctx context.Context, channelID int64, intervals ...int) ([]int, error) {
	keys := s.channelKeys(channelID, intervals)
	if len(keys) == 0 {
		return nil, nil
	}

	var unlocks []func()
	for _, k := range keys {
		unlocks = append(unlocks, s.keys.lock(k))
	}
	defer func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}()

	var targets []*loop
	s.mu.Lock()
	for _, k := range keys {
		if l, ok := s.loops[k]; ok {
			targets = append(targets, l)
		}
	}
	s.mu.Unlock()

	// Cancel all first so the joins overlap.
	for _, l := range targets {
		if l.trySetState([]State{StateStarting, StateRunning}, StateStopping) && l.cancel != nil {
			l.cancel()
		}
	}

	var (
		stopped []int
		errs    []error
	)
	for _, l := range targets {
		select {
		case <-l.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("refresh %s: waiting for loop: %w", l.key, ctx.Err()))
			continue
		}
		if err := s.removeRecord(ctx, l.key); err != nil {
			s.log.Error("remove state failed; key kept in STOPPING",
				logx.Int64("channel_id", l.key.ChannelID), logx.Int("interval", l.key.Interval), logx.Err(err))
			errs = append(errs, &PersistenceError{Op: "remove", Key: l.key, Err: err})
			continue
		}
		l.trySetState([]State{StateStopping}, StateStopped)
		s.unregister(l.key, l)
		stopped = append(stopped, l.key.Interval)
		s.log.Info("loop stopped", logx.Int64("channel_id", l.key.ChannelID), logx.Int("interval", l.key.Interval))
		s.emit(eventbus.TypeRefreshStopped, Stopped{Key: l.key})
	}
	return stopped, errors.Join(errs...)
}

// Release drops a key left STOPPING by a failed delete, accepting that its
// record may still exist. It reports whether a key was released.
func (s *Scheduler) Release(k Key) bool {
	unlock := s.keys.lock(k)
	defer unlock()

	s.mu.Lock()
	l, ok := s.loops[k]
	s.mu.Unlock()
	if !ok || l.getState() != StateStopping || !l.exited() {
		return false
	}
	l.trySetState([]State{StateStopping}, StateStopped)
	s.unregister(k, l)
	s.log.Warn("key released without deleting its record",
		logx.Int64("channel_id", k.ChannelID), logx.Int("interval", k.Interval))
	return true
}

// TriggerReset sets the reset signal of running keys. channelID 0 selects
// every channel and interval 0 every interval of the selected channels.
// It returns the number of loops signalled; keys that are not running are
// ignored.
func (s *Scheduler) TriggerReset(channelID int64, interval int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, l := range s.loops {
		if channelID != 0 && k.ChannelID != channelID {
			continue
		}
		if interval != 0 && k.Interval != interval {
			continue
		}
		if l.getState() != StateRunning {
			continue
		}
		l.signalReset()
		n++
	}
	return n
}

// TriggerResetAll resets every running loop.
func (s *Scheduler) TriggerResetAll() int { return s.TriggerReset(0, 0) }

// Status returns the sorted intervals of the channel that are starting or
// running.
func (s *Scheduler) Status(channelID int64) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for k, l := range s.loops {
		if k.ChannelID == channelID && l.getState().active() {
			out = append(out, k.Interval)
		}
	}
	slices.Sort(out)
	return out
}

// Snapshot returns every registered loop sorted by key.
func (s *Scheduler) Snapshot() []LoopInfo {
	s.mu.Lock()
	loops := make([]*loop, 0, len(s.loops))
	for _, l := range s.loops {
		loops = append(loops, l)
	}
	s.mu.Unlock()

	out := make([]LoopInfo, 0, len(loops))
	for _, l := range loops {
		out = append(out, l.info())
	}
	slices.SortFunc(out, func(a, b LoopInfo) int { return compareKeys(a.Key, b.Key) })
	return out
}

func (s *Scheduler) state(k Key) (State, bool) {
	s.mu.Lock()
	l, ok := s.loops[k]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	return l.getState(), true
}

func (s *Scheduler) channelKeys(channelID int64, intervals []int) []Key {
	var keys []Key
	if len(intervals) == 0 {
		s.mu.Lock()
		for k := range s.loops {
			if k.ChannelID == channelID {
				keys = append(keys, k)
			}
		}
		s.mu.Unlock()
	} else {
		for _, iv := range intervals {
			keys = append(keys, Key{ChannelID: channelID, Interval: iv})
		}
	}
	slices.SortFunc(keys, compareKeys)
	return slices.Compact(keys)
}

func (s *Scheduler) unregister(k Key, l *loop) {
	s.mu.Lock()
	if s.loops[k] == l {
		delete(s.loops, k)
	}
	s.mu.Unlock()
}

func (s *Scheduler) persist(ctx context.Context, r storage.Record) error {
	if s.store == nil {
		return nil
	}
	return s.store.Upsert(ctx, r)
}

func (s *Scheduler) removeRecord(ctx context.Context, k Key) error {
	if s.store == nil {
		return nil
	}
	return s.store.Remove(ctx, k.ChannelID, k.Interval)
}

func (s *Scheduler) emit(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
}
