package refresh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vwapbot/internal/eventbus"
	"vwapbot/internal/interval"
	"vwapbot/internal/storage"
	logx "vwapbot/pkg/logx"
)

type tickCause string

const (
	causeStart tickCause = "start"
	causeTimer tickCause = "timer"
	causeReset tickCause = "reset"
)

// loop is the runtime state of one key. Only the Scheduler creates loops
// and only the loop goroutine publishes for its key.
type loop struct {
	key Key

	// reset is the single-slot reset signal. Setting is a non-blocking send;
	// the wait phase consumes it by receiving, which also clears it.
	reset  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     State
	payload   []byte
	dirty     bool // payload changed but not yet persisted
	startedAt time.Time
	lastTick  time.Time
	ticks     uint64
	failures  uint64
	lastErr   error
}

func newLoop(k Key, payload []byte, now time.Time) *loop {
	return &loop{
		key:       k,
		reset:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		state:     StateStarting,
		payload:   append([]byte(nil), payload...),
		startedAt: now,
	}
}

func (l *loop) getState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// trySetState moves to next only from one of the allowed states.
func (l *loop) trySetState(allowed []State, next State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range allowed {
		if l.state == s {
			l.state = next
			return true
		}
	}
	return false
}

// signalReset sets the reset signal. It reports false if one was already
// pending; the pending one covers this request.
func (l *loop) signalReset() bool {
	select {
	case l.reset <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *loop) exited() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *loop) currentPayload() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.payload
}

func (l *loop) info() LoopInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	li := LoopInfo{
		Key:       l.key,
		State:     l.state,
		Payload:   append([]byte(nil), l.payload...),
		StartedAt: l.startedAt,
		LastTick:  l.lastTick,
		Ticks:     l.ticks,
		Failures:  l.failures,
	}
	if l.lastErr != nil {
		li.LastError = l.lastErr.Error()
	}
	return li
}

// run is the loop body. It returns only when ctx is cancelled.
func (s *Scheduler) run(ctx context.Context, l *loop, immediate bool) {
	log := s.log.With(logx.Int64("channel_id", l.key.ChannelID), logx.Int("interval", l.key.Interval))
	period := interval.Duration(l.key.Interval)

	if immediate {
		s.tick(ctx, l, causeStart, log)
	}
	for {
		cause, ok := s.wait(ctx, l, period)
		if !ok || ctx.Err() != nil {
			return
		}
		s.tick(ctx, l, cause, log)
	}
}

// wait blocks until the period elapses, the reset signal is consumed, or
// ctx is done. Each call starts a fresh timer, so a reset discards the
// remainder of the interrupted wait.
func (s *Scheduler) wait(ctx context.Context, l *loop, period time.Duration) (tickCause, bool) {
	if ctx.Err() != nil {
		return "", false
	}
	t := s.clock.NewTimer(period)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return "", false
	case <-l.reset:
		return causeReset, true
	case <-t.Chan():
		// A reset that landed together with the timeout is the same tick.
		select {
		case <-l.reset:
			return causeReset, true
		default:
		}
		return causeTimer, true
	}
}

func (s *Scheduler) tick(ctx context.Context, l *loop, cause tickCause, log logx.Logger) {
	payload := l.currentPayload()

	uctx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.UpdateTimeout > 0 {
		uctx, cancel = context.WithTimeout(ctx, s.cfg.UpdateTimeout)
	}
	start := s.clock.Now()
	next, err := s.publish(uctx, Update{Key: l.key, Payload: payload})
	cancel()
	took := s.clock.Since(start)

	if err != nil && ctx.Err() != nil {
		// Stopped mid-update; not a failure of the publisher.
		log.Debug("update interrupted by stop", logx.String("cause", string(cause)))
		return
	}

	l.mu.Lock()
	l.ticks++
	l.lastTick = start
	l.lastErr = err
	if err != nil {
		l.failures++
	}
	changed := err == nil && next != nil && !bytes.Equal(next, l.payload)
	if changed {
		l.payload = append([]byte(nil), next...)
		l.dirty = true
	}
	dirty := l.dirty
	payload = l.payload
	l.mu.Unlock()

	if err != nil {
		var ue *UpdateError
		if errors.As(err, &ue) && ue.Panic {
			log.Error("update panicked", logx.String("cause", string(cause)), logx.Err(err))
		} else {
			log.Warn("update failed", logx.String("cause", string(cause)), logx.Duration("took", took), logx.Err(err))
		}
		s.emit(eventbus.TypeRefreshUpdateFailed, UpdateFailed{Key: l.key, Err: err})
		return
	}
	log.Debug("updated", logx.String("cause", string(cause)), logx.Duration("took", took))

	if dirty {
		if err := s.persist(ctx, storage.Record{ChannelID: l.key.ChannelID, Interval: l.key.Interval, Payload: payload}); err != nil {
			if ctx.Err() == nil {
				log.Warn("persist payload failed; will retry after next update", logx.Err(err))
			}
			return
		}
		l.mu.Lock()
		if bytes.Equal(l.payload, payload) {
			l.dirty = false
		}
		l.mu.Unlock()
		if changed {
			log.Info("payload replaced", logx.Int("bytes", len(payload)))
		}
	}
}

// publish calls the Publisher with panic isolation.
func (s *Scheduler) publish(ctx context.Context, u Update) (next []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = nil, &UpdateError{Key: u.Key, Err: fmt.Errorf("%v", r), Panic: true}
		}
	}()
	next, err = s.pub.Publish(ctx, u)
	if err != nil {
		return nil, &UpdateError{Key: u.Key, Err: err}
	}
	return next, nil
}
