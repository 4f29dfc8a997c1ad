package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vwapbot/internal/interval"
	"vwapbot/internal/refresh"
	"vwapbot/internal/storage"
	logx "vwapbot/pkg/logx"
	"vwapbot/pkg/tgui"
)

func (m *Manager) builtins() []Command {
	return []Command{
		{
			Name:        "start",
			Description: "start refreshing tables in this chat",
			Usage:       "/start [seconds,...]",
			Access:      AccessOwnerOnly,
			Handle:      m.handleStart,
		},
		{
			Name:        "stop",
			Description: "stop refreshing tables in this chat",
			Usage:       "/stop [seconds,...]",
			Access:      AccessOwnerOnly,
			Handle:      m.handleStop,
		},
		{
			Name:        "status",
			Description: "show active intervals in this chat",
			Usage:       "/status",
			Access:      AccessEveryone,
			Handle:      m.handleStatus,
		},
		{
			Name:        "help",
			Aliases:     []string{"h"},
			Description: "list commands",
			Usage:       "/help",
			Access:      AccessEveryone,
			Handle:      m.handleHelp,
		},
	}
}

// intervalArgs accepts "600,1800", "600, 1800" and "600 1800".
func intervalArgs(args []string) (string, bool) {
	fields := strings.FieldsFunc(strings.Join(args, " "), func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) == 0 {
		return "", false
	}
	return strings.Join(fields, ","), true
}

func (m *Manager) handleStart(ctx context.Context, req *Request) error {
	allowed := m.Intervals()
	want := allowed
	if raw, ok := intervalArgs(req.Args); ok {
		set, err := interval.Parse(raw)
		if err != nil {
			m.send(ctx, req.Chat, tgui.Concat(tgui.Esc("❌ "), tgui.Esc(err.Error())))
			return err
		}
		var rejected []int
		for _, iv := range set {
			if !interval.Contains(allowed, iv) {
				rejected = append(rejected, iv)
			}
		}
		if len(rejected) > 0 {
			err := &interval.ConfigError{Input: raw, Reason: "not allowed: " + interval.Join(rejected)}
			m.send(ctx, req.Chat, tgui.Lines(
				tgui.Concat(tgui.Esc("❌ interval not allowed: "), tgui.Code(interval.FormatList(rejected))),
				tgui.Concat(tgui.Esc("allowed: "), tgui.Code(interval.FormatList(allowed))),
			))
			return err
		}
		want = set
	}
	if len(want) == 0 {
		m.send(ctx, req.Chat, tgui.Esc("❌ no refresh intervals configured"))
		return errors.New("no intervals configured")
	}

	res, err := m.sched.StartChannel(ctx, req.Chat.ChatID, want, func(ctx context.Context, k refresh.Key) ([]byte, error) {
		return m.msgs.Announce(ctx, req.Chat, k)
	})
	for iv, payload := range res.Abandoned {
		k := refresh.Key{ChannelID: req.Chat.ChatID, Interval: iv}
		if rerr := m.msgs.Retire(ctx, k, payload); rerr != nil {
			req.logger(m.log).Debug("retire abandoned message failed", logx.Int("interval", iv), logx.Err(rerr))
		}
	}

	var lines []tgui.H
	if len(res.Started) > 0 {
		lines = append(lines, tgui.Concat(tgui.Esc("✅ started: "), tgui.Code(interval.FormatList(res.Started))))
	}
	if len(res.Skipped) > 0 {
		lines = append(lines, tgui.Concat(tgui.Esc("🔄 already running: "), tgui.Code(interval.FormatList(res.Skipped))))
	}
	if err != nil {
		lines = append(lines, tgui.Concat(tgui.Esc("❌ "), tgui.Esc(tgui.TruncRunes(err.Error(), 300))))
	}
	m.send(ctx, req.Chat, tgui.Lines(lines...))
	m.record(ctx, req, "start", res.Started, err)
	return err
}

func (m *Manager) handleStop(ctx context.Context, req *Request) error {
	var only []int
	if raw, ok := intervalArgs(req.Args); ok {
		set, err := interval.Parse(raw)
		if err != nil {
			m.send(ctx, req.Chat, tgui.Concat(tgui.Esc("❌ "), tgui.Esc(err.Error())))
			return err
		}
		only = set
	}

	// Payloads are gone from the scheduler once the keys stop.
	payloads := map[int][]byte{}
	for _, li := range m.sched.Snapshot() {
		if li.Key.ChannelID == req.Chat.ChatID {
			payloads[li.Key.Interval] = li.Payload
		}
	}

	stopped, err := m.sched.Stop(ctx, req.Chat.ChatID, only...)
	if len(stopped) == 0 && err == nil {
		m.send(ctx, req.Chat, tgui.Esc("❌ scanner is not running in this chat"))
		return nil
	}
	for _, iv := range stopped {
		k := refresh.Key{ChannelID: req.Chat.ChatID, Interval: iv}
		if rerr := m.msgs.Retire(ctx, k, payloads[iv]); rerr != nil {
			req.logger(m.log).Debug("retire message failed", logx.Int("interval", iv), logx.Err(rerr))
		}
	}

	var lines []tgui.H
	if len(stopped) > 0 {
		lines = append(lines, tgui.Concat(tgui.Esc("⏹️ stopped: "), tgui.Code(interval.FormatList(stopped))))
	}
	if err != nil {
		lines = append(lines, tgui.Concat(tgui.Esc("❌ "), tgui.Esc(tgui.TruncRunes(err.Error(), 300))))
	}
	m.send(ctx, req.Chat, tgui.Lines(lines...))
	m.record(ctx, req, "stop", stopped, err)
	return err
}

func (m *Manager) handleStatus(ctx context.Context, req *Request) error {
	active := m.sched.Status(req.Chat.ChatID)
	if len(active) == 0 {
		m.send(ctx, req.Chat, tgui.Concat(
			tgui.Esc("⏸ not running. allowed: "),
			tgui.Code(interval.FormatList(m.Intervals())),
		))
		return nil
	}

	info := map[int]refresh.LoopInfo{}
	for _, li := range m.sched.Snapshot() {
		if li.Key.ChannelID == req.Chat.ChatID {
			info[li.Key.Interval] = li
		}
	}
	var b strings.Builder
	for _, iv := range active {
		li := info[iv]
		fmt.Fprintf(&b, "%-5s %-8s ticks=%d failed=%d", interval.Format(iv), li.State, li.Ticks, li.Failures)
		if !li.LastTick.IsZero() {
			fmt.Fprintf(&b, " last=%s", li.LastTick.UTC().Format(time.TimeOnly))
		}
		if li.LastError != "" {
			fmt.Fprintf(&b, "\n      err: %s", tgui.TruncRunes(li.LastError, 120))
		}
		b.WriteByte('\n')
	}
	m.send(ctx, req.Chat, tgui.Lines(
		tgui.Concat(tgui.Esc("▶️ running: "), tgui.Code(interval.FormatList(active))),
		tgui.Pre(strings.TrimRight(b.String(), "\n")),
	))
	return nil
}

func (m *Manager) handleHelp(ctx context.Context, req *Request) error {
	lines := []tgui.H{tgui.B("Commands")}
	for _, c := range m.order {
		lines = append(lines, tgui.Concat(tgui.Code(c.Usage), tgui.Esc(" "+c.Description)))
	}
	lines = append(lines, tgui.Concat(tgui.Esc("intervals: "), tgui.Code(interval.FormatList(m.Intervals()))))
	m.send(ctx, req.Chat, tgui.Lines(lines...))
	return nil
}

func (m *Manager) record(ctx context.Context, req *Request, action string, ivs []int, err error) {
	if m.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:        time.Now().UTC(),
		ActorID:   req.FromID,
		ActorName: req.FromName,
		ChannelID: req.Chat.ChatID,
		Action:    action,
		Intervals: interval.Join(ivs),
		OK:        err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	// The command context may already be spent on a slow stop.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if aerr := m.audit.AppendAudit(actx, e); aerr != nil && !errors.Is(aerr, storage.ErrDisabled) {
		req.logger(m.log).Warn("audit append failed", logx.Err(aerr))
	}
}
