package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"vwapbot/internal/eventbus"
	logx "vwapbot/pkg/logx"
)

// Resetter is the part of the refresh scheduler the monitor drives.
type Resetter interface {
	TriggerResetAll() int
}

type Config struct {
	Calendar *Calendar
	// CheckEvery adds a periodic check on top of the boundary triggers, so a
	// missed trigger (suspend, clock jump) is caught late rather than never.
	// 0 disables it.
	CheckEvery time.Duration
}

// Changed is the payload of eventbus.TypeSessionChanged.
type Changed struct {
	From   Session
	To     Session
	Resets int
}

type Option func(*Monitor)

func WithClock(c clockwork.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(m *Monitor) { m.bus = b }
}

// Monitor detects session boundary crossings. Boundaries are evaluated by
// Check, which cron calls at every window start and every CheckEvery.
type Monitor struct {
	resetter Resetter
	log      logx.Logger
	clock    clockwork.Clock
	bus      eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	current Session
	c       *cron.Cron
	unwatch func() bool
}

func NewMonitor(cfg Config, r Resetter, log logx.Logger, opts ...Option) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Calendar == nil {
		cfg.Calendar = DefaultCalendar()
	}
	m := &Monitor{
		resetter: r,
		log:      log.With(logx.String("comp", "session")),
		clock:    clockwork.NewRealClock(),
		cfg:      cfg,
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	m.current = cfg.Calendar.At(m.clock.Now())
	return m
}

// Current returns the session seen by the last check.
func (m *Monitor) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Calendar returns the active calendar.
func (m *Monitor) Calendar() *Calendar {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Calendar
}

// Start begins cron triggering until ctx ends or Stop is called. The
// session active now becomes the baseline; starting inside a session does
// not reset anything.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return
	}
	m.current = m.cfg.Calendar.At(m.clock.Now())
	m.startCronLocked()
	m.unwatch = context.AfterFunc(ctx, func() { m.Stop(context.Background()) })
	m.log.Info("session monitor started",
		logx.String("tz", m.cfg.Calendar.Location().String()),
		logx.String("session", m.current.Label()),
	)
}

func (m *Monitor) startCronLocked() {
	cal := m.cfg.Calendar
	c := cron.New(cron.WithLocation(cal.Location()))
	job := cron.FuncJob(func() { m.Check() })
	for _, spec := range cal.cronSpecs() {
		if _, err := c.AddJob(spec, job); err != nil {
			m.log.Error("session trigger rejected", logx.String("spec", spec), logx.Err(err))
		}
	}
	if every := m.cfg.CheckEvery; every > 0 {
		c.Schedule(cron.Every(every), job)
	}
	c.Start()
	m.c = c
}

// Stop stops cron triggering; a check already running may finish.
func (m *Monitor) Stop(ctx context.Context) {
	m.mu.Lock()
	c, unwatch := m.c, m.unwatch
	m.c, m.unwatch = nil, nil
	m.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	m.log.Info("session monitor stopped")
}

// Apply swaps the calendar and check period. If the monitor is running its
// triggers are rebuilt, and a session change caused by the new calendar is
// handled like a crossing.
func (m *Monitor) Apply(cfg Config) {
	if cfg.Calendar == nil {
		cfg.Calendar = DefaultCalendar()
	}
	m.mu.Lock()
	m.cfg = cfg
	old := m.c
	m.c = nil
	if old != nil {
		old.Stop()
		m.startCronLocked()
	}
	m.mu.Unlock()
	m.Check()
}

// Check compares the session at the current time with the last one seen.
// On a change every running loop is reset. It reports whether a crossing
// was detected.
func (m *Monitor) Check() bool {
	now := m.clock.Now()

	m.mu.Lock()
	next := m.cfg.Calendar.At(now)
	prev := m.current
	if next.same(prev) {
		m.mu.Unlock()
		return false
	}
	m.current = next
	m.mu.Unlock()

	resets := 0
	if m.resetter != nil {
		resets = m.resetter.TriggerResetAll()
	}
	m.log.Info("session changed",
		logx.String("from", prev.Label()),
		logx.String("to", next.Label()),
		logx.Int("resets", resets),
	)
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{
			Type: eventbus.TypeSessionChanged,
			Time: now,
			Data: Changed{From: prev, To: next, Resets: resets},
		})
	}
	return true
}
