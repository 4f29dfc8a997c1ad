package command

import (
	"context"
	"errors"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"time"

	"vwapbot/internal/refresh"
	rtsup "vwapbot/internal/runtime/supervisor"
	"vwapbot/internal/storage"
	kit "vwapbot/internal/transport"
	logx "vwapbot/pkg/logx"
	"vwapbot/pkg/tgui"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnknown      = errors.New("unknown command")
	ErrBusy         = errors.New("command queue full")
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // overrides Config.Timeout when > 0
	Handle      HandlerFunc
}

type Request struct {
	Update    kit.Update
	Chat      kit.ChatTarget
	FromID    int64
	FromName  string
	ChatTitle string
	Command   string
	Args      []string
	ReqID     string
	Logger    logx.Logger
}

func (r *Request) logger(def logx.Logger) logx.Logger {
	if r != nil && !r.Logger.IsZero() {
		return r.Logger
	}
	return def
}

// Scheduler is the part of refresh.Scheduler the commands drive.
type Scheduler interface {
	StartChannel(ctx context.Context, channelID int64, intervals []int, payloadFn func(ctx context.Context, k refresh.Key) ([]byte, error)) (refresh.ChannelStart, error)
	Stop(ctx context.Context, channelID int64, intervals ...int) ([]int, error)
	Status(channelID int64) []int
	Snapshot() []refresh.LoopInfo
}

// Messenger posts the message a loop keeps editing and retires it on stop.
// *publisher.Publisher implements it.
type Messenger interface {
	Announce(ctx context.Context, to kit.ChatTarget, k refresh.Key) ([]byte, error)
	Retire(ctx context.Context, k refresh.Key, payload []byte) error
}

// AuditLog records operator actions. storage.Store implements it.
type AuditLog interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Config struct {
	// Owners may use owner-only commands. Empty allows everyone.
	Owners []int64
	// Intervals is the allowed set and the default for a bare /start.
	Intervals []int
	Timeout   time.Duration
	Workers   int
	QueueSize int
}

// Manager routes chat commands to the refresh scheduler.
type Manager struct {
	log    logx.Logger
	sender kit.Sender
	sched  Scheduler
	msgs   Messenger
	audit  AuditLog

	timeout time.Duration
	workers int

	mu        sync.RWMutex
	owners    []int64
	intervals []int

	cmds  map[string]*Command
	order []*Command

	jobs chan func()
}

// New wires the built-in commands. audit may be nil.
func New(cfg Config, sender kit.Sender, sched Scheduler, msgs Messenger, audit AuditLog, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	m := &Manager{
		log:       log.With(logx.String("comp", "commands")),
		sender:    sender,
		sched:     sched,
		msgs:      msgs,
		audit:     audit,
		timeout:   cfg.Timeout,
		workers:   cfg.Workers,
		owners:    slices.Clone(cfg.Owners),
		intervals: slices.Clone(cfg.Intervals),
		cmds:      map[string]*Command{},
		jobs:      make(chan func(), cfg.QueueSize),
	}
	m.register(m.builtins()...)
	return m
}

func (m *Manager) register(cmds ...Command) {
	for i := range cmds {
		c := &cmds[i]
		m.order = append(m.order, c)
		m.cmds[c.Name] = c
		for _, a := range c.Aliases {
			if _, taken := m.cmds[a]; !taken {
				m.cmds[a] = c
			}
		}
	}
}

// SetOwners replaces the owner list. Safe during hot reload.
func (m *Manager) SetOwners(owners []int64) {
	m.mu.Lock()
	m.owners = slices.Clone(owners)
	m.mu.Unlock()
}

// SetIntervals replaces the allowed interval set for future starts.
// Running loops are not touched.
func (m *Manager) SetIntervals(set []int) {
	m.mu.Lock()
	m.intervals = slices.Clone(set)
	m.mu.Unlock()
}

func (m *Manager) Intervals() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.intervals)
}

func (m *Manager) authorized(msg *kit.Message) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.owners) == 0 {
		return true
	}
	// Channel posts carry no sender; only channel admins can post.
	if msg.FromID == 0 && msg.IsGroup {
		return true
	}
	return slices.Contains(m.owners, msg.FromID)
}

// MenuCommands lists the commands for the chat client's command menu.
func (m *Manager) MenuCommands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(m.order))
	for _, c := range m.order {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// UpdateMenu pushes MenuCommands when the sender supports it.
func (m *Manager) UpdateMenu(ctx context.Context) error {
	up, ok := m.sender.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, m.MenuCommands())
}

// Execute runs the command carried by up on the calling goroutine.
// Non-command text returns nil.
func (m *Manager) Execute(ctx context.Context, up kit.Update) error {
	msg := up.Message
	if up.Kind != kit.UpdateMessage || msg == nil {
		return nil
	}
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return nil
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, ok := m.cmds[name]
	if !ok {
		// Groups see other bots' commands too.
		if !msg.IsGroup {
			m.send(ctx, chat, tgui.Esc("unknown command, try /help"))
		}
		return ErrUnknown
	}
	if cmd.Access == AccessOwnerOnly && !m.authorized(msg) {
		m.send(ctx, chat, tgui.Esc("unauthorized"))
		return ErrUnauthorized
	}

	rid := newReqID()
	req := &Request{
		Update:    up,
		Chat:      chat,
		FromID:    msg.FromID,
		FromName:  msg.FromUsername,
		ChatTitle: msg.ChatTitle,
		Command:   cmd.Name,
		Args:      args,
		ReqID:     rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	timeout := m.timeout
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	return final(ctx, req)
}

// DispatchLoop feeds updates to a bounded worker pool until ctx ends or
// updates is closed.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("queue_cap", cap(m.jobs)))

	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(idx, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.enqueue(sup.Context(), up)
		}
	}
}

func (m *Manager) enqueue(ctx context.Context, up kit.Update) {
	select {
	case m.jobs <- func() { _ = m.Execute(ctx, up) }:
	default:
		m.log.Warn("command dropped", logx.Err(ErrBusy))
		if msg := up.Message; msg != nil {
			m.send(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, tgui.Esc("busy, try again"))
		}
	}
}

func (m *Manager) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *Manager) send(ctx context.Context, to kit.ChatTarget, text tgui.H) {
	if _, err := m.sender.SendText(ctx, to, text.String(), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		m.log.Debug("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}
