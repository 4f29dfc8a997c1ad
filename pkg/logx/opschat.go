package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "vwapbot/internal/transport"
	"vwapbot/pkg/tgui"
)

const (
	opsQueueSize   = 256
	opsSendTimeout = 10 * time.Second
	opsMaxRunes    = 3500
	opsFieldRunes  = 600
)

type opsAlert struct {
	to   kit.ChatTarget
	html string
}

// opsChat mirrors log lines into a Telegram chat as HTML alerts. Writes
// never block the logger: lines below minLevel, over the rate, or beyond
// a full queue are dropped.
type opsChat struct {
	sender kit.Sender

	mu       sync.Mutex
	enabled  bool
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue  chan opsAlert
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newOpsChat(sender kit.Sender, threadID int) *opsChat {
	return &opsChat{
		sender:   sender,
		threadID: threadID,
		minLevel: zerolog.WarnLevel,
		queue:    make(chan opsAlert, opsQueueSize),
	}
}

func (o *opsChat) configure(cfg TelegramConfig) {
	perSec := max(cfg.RatePerSec, 1)

	o.mu.Lock()
	o.enabled = cfg.Enabled
	if cfg.ThreadID != 0 {
		o.threadID = cfg.ThreadID
	}
	o.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	if o.limiter == nil {
		o.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	} else {
		o.limiter.SetLimit(rate.Limit(perSec))
		o.limiter.SetBurst(perSec)
	}
	o.mu.Unlock()

	if cfg.Enabled && o.sender != nil {
		o.once.Do(o.start)
	}
}

func (o *opsChat) setTarget(chatID int64, threadID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chatID = chatID
	if threadID != 0 {
		o.threadID = threadID
	}
}

func (o *opsChat) hasTarget() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.chatID != 0
}

func (o *opsChat) start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	o.wg.Add(1)
	go o.run(ctx)
}

func (o *opsChat) run(ctx context.Context) {
	defer o.wg.Done()
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-o.queue:
			sctx, cancel := context.WithTimeout(ctx, opsSendTimeout)
			_, err := o.sender.SendText(sctx, a.to, a.html, opt)
			cancel()
			// The logger itself would loop back here.
			if err != nil && ctx.Err() == nil {
				fmt.Fprintf(Stderr(), "logx: ops chat send failed: %v\n", err)
			}
		}
	}
}

func (o *opsChat) close() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		o.wg.Wait()
	}
}

func (o *opsChat) Write(p []byte) (int, error) {
	return o.WriteLevel(zerolog.InfoLevel, p)
}

func (o *opsChat) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	ok := o.enabled && o.sender != nil && o.chatID != 0 && level >= o.minLevel && o.limiter != nil
	to := kit.ChatTarget{ChatID: o.chatID, ThreadID: o.threadID}
	lim := o.limiter
	o.mu.Unlock()

	if !ok || !lim.Allow() {
		return len(p), nil
	}
	msg := formatOpsAlert(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case o.queue <- opsAlert{to: to, html: msg}:
	default:
	}
	return len(p), nil
}

// formatOpsAlert renders a zerolog JSON line as Telegram HTML:
//
//	<b>WARN</b> · <code>refresh</code>
//	update failed
//	• channel_id=<code>7</code>
//
// Lines that are not JSON are escaped and sent as-is.
func formatOpsAlert(p []byte) string {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(p)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return string(tgui.Esc(tgui.TruncRunes(strings.TrimSpace(string(p)), opsMaxRunes)))
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	comp, _ := m["comp"].(string)

	head := tgui.B(strings.ToUpper(lvl))
	if comp != "" {
		head = tgui.Concat(head, " · ", tgui.Code(comp))
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "comp":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []tgui.H{head, tgui.Esc(msg)}
	for _, k := range keys {
		v := tgui.TruncRunes(fmt.Sprint(m[k]), opsFieldRunes)
		parts = append(parts, tgui.Concat("• ", tgui.Esc(k), "=", tgui.Code(v)))
	}
	out := string(tgui.Lines(parts...))
	if len([]rune(out)) > opsMaxRunes {
		// Cutting HTML would unbalance tags; fall back to plain text.
		return string(tgui.Esc(tgui.TruncRunes(html.UnescapeString(stripTags(out)), opsMaxRunes)))
	}
	return out
}

func stripTags(s string) string {
	var b strings.Builder
	in := false
	for _, r := range s {
		switch {
		case r == '<':
			in = true
		case r == '>':
			in = false
		case !in:
			b.WriteRune(r)
		}
	}
	return b.String()
}
