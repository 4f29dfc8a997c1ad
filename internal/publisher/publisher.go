package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"vwapbot/internal/interval"
	"vwapbot/internal/refresh"
	"vwapbot/internal/session"
	kit "vwapbot/internal/transport"
	logx "vwapbot/pkg/logx"
	"vwapbot/pkg/tgui"
)

const title = "📊 VWAP Scanner"

// maxBody keeps header, body and footer inside one Telegram message.
const maxBody = 3500

type Config struct {
	// EditRatePerSec bounds Telegram calls across all loops. <= 0 disables
	// the limit.
	EditRatePerSec float64
	EditBurst      int
}

// SessionReader reports the active session. *session.Monitor implements it.
type SessionReader interface {
	Current() session.Session
}

// SessionFunc adapts a function to SessionReader.
type SessionFunc func() session.Session

func (f SessionFunc) Current() session.Session { return f() }

type Option func(*Publisher)

func WithClock(c clockwork.Clock) Option {
	return func(p *Publisher) {
		if c != nil {
			p.clock = c
		}
	}
}

// Publisher edits the tracked message of a key with a freshly rendered
// table. When the message is gone it posts a new one and returns the new
// payload, which the scheduler persists.
type Publisher struct {
	sender   kit.Sender
	src      Source
	sessions SessionReader
	log      logx.Logger
	clock    clockwork.Clock
	limiter  *rate.Limiter
}

var _ refresh.Publisher = (*Publisher)(nil)
var _ refresh.PayloadValidator = (*Publisher)(nil)

func New(cfg Config, sender kit.Sender, src Source, sessions SessionReader, log logx.Logger, opts ...Option) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Publisher{
		sender:   sender,
		src:      src,
		sessions: sessions,
		log:      log.With(logx.String("comp", "publisher")),
		clock:    clockwork.NewRealClock(),
		limiter:  rate.NewLimiter(rate.Inf, 1),
	}
	if p.src == nil {
		p.src = CalendarSource{}
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	p.Apply(cfg)
	return p
}

// Apply updates the edit rate limit in place.
func (p *Publisher) Apply(cfg Config) {
	limit := rate.Inf
	if cfg.EditRatePerSec > 0 {
		limit = rate.Limit(cfg.EditRatePerSec)
	}
	p.limiter.SetLimit(limit)
	p.limiter.SetBurst(max(cfg.EditBurst, 1))
}

func (p *Publisher) wait(ctx context.Context) error { return p.limiter.Wait(ctx) }

func (p *Publisher) session(now time.Time) session.Session {
	if p.sessions != nil {
		return p.sessions.Current()
	}
	return session.DefaultCalendar().At(now)
}

// Publish implements refresh.Publisher.
func (p *Publisher) Publish(ctx context.Context, u refresh.Update) ([]byte, error) {
	pl, err := DecodePayload(u.Payload)
	if err != nil {
		return nil, err
	}
	now := p.clock.Now()
	req := Request{Key: u.Key, Session: p.session(now), Now: now}

	body, err := p.src.Render(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	text := renderTable(req, body)

	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	err = p.sender.EditText(ctx, pl.Ref(), text, htmlOptions())
	switch {
	case err == nil, errors.Is(err, kit.ErrNotModified):
		return u.Payload, nil
	case errors.Is(err, kit.ErrMessageNotFound):
		p.log.Warn("tracked message gone, posting a new one",
			logx.String("key", u.Key.String()),
			logx.Int("old_message_id", pl.MessageID),
		)
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
		ref, err := p.sender.SendText(ctx, pl.Ref().Target(), text, htmlOptions())
		if err != nil {
			return nil, fmt.Errorf("repost: %w", err)
		}
		return payloadOf(ref).Encode(), nil
	default:
		return nil, fmt.Errorf("edit message %d: %w", pl.MessageID, err)
	}
}

// Announce posts the initial message of a key and returns its payload.
func (p *Publisher) Announce(ctx context.Context, to kit.ChatTarget, k refresh.Key) ([]byte, error) {
	text := tgui.Lines(
		tgui.B(title),
		tgui.Concat(tgui.Esc("🔄 Starting scanner, every "), tgui.Code(interval.Format(k.Interval)), tgui.Esc("...")),
	)
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	ref, err := p.sender.SendText(ctx, to, text.String(), htmlOptions())
	if err != nil {
		return nil, err
	}
	return payloadOf(ref).Encode(), nil
}

// Retire edits the tracked message into a stopped banner. A message that
// is already gone is not an error.
func (p *Publisher) Retire(ctx context.Context, k refresh.Key, payload []byte) error {
	pl, err := DecodePayload(payload)
	if err != nil {
		return err
	}
	text := tgui.Lines(
		tgui.B(title),
		tgui.Concat(tgui.Esc("⏹️ Scanner stopped ("), tgui.Code(interval.Format(k.Interval)), tgui.Esc(")")),
	)
	if err := p.wait(ctx); err != nil {
		return err
	}
	err = p.sender.EditText(ctx, pl.Ref(), text.String(), htmlOptions())
	if err == nil || errors.Is(err, kit.ErrMessageNotFound) || errors.Is(err, kit.ErrNotModified) {
		return nil
	}
	return err
}

func renderTable(req Request, body string) string {
	label := interval.Format(req.Key.Interval)
	head := tgui.Concat(tgui.B(title), tgui.Esc(" · "), tgui.Code(label))
	var sess tgui.H
	if l := req.Session.Label(); l != "" {
		sess = tgui.Concat(tgui.Esc("Session: "), tgui.B(l))
	}
	foot := tgui.I(fmt.Sprintf("Updated %s · every %s · /stop to end",
		req.Now.UTC().Format("2006-01-02 15:04:05 UTC"), label))
	return tgui.Lines(head, sess, tgui.Pre(tgui.TruncRunes(body, maxBody)), foot).String()
}

func htmlOptions() *kit.SendOptions {
	return &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
}
