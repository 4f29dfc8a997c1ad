package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vwapbot/internal/interval"
	"vwapbot/internal/refresh"
	"vwapbot/internal/session"
)

// Request is the input of one render.
type Request struct {
	Key     refresh.Key
	Session session.Session
	Now     time.Time
}

// Source produces the table body shown under the header. It may be slow
// and is always called with a deadline.
type Source interface {
	Render(ctx context.Context, req Request) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req Request) (string, error)

func (f SourceFunc) Render(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// CalendarSource is the built-in Source. It lists the session calendar
// with the active window marked and the time until the next boundary.
type CalendarSource struct {
	Calendar func() *session.Calendar
}

func (s CalendarSource) Render(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cal := session.DefaultCalendar()
	if s.Calendar != nil {
		if c := s.Calendar(); c != nil {
			cal = c
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-2s%-10s %-5s %6s\n", "", "SESSION", "START", "WEIGHT")
	for _, w := range cal.Windows() {
		mark := ""
		if w.Name == req.Session.Name {
			mark = ">"
		}
		fmt.Fprintf(&b, "%-2s%-10s %-5s %6s\n", mark, w.Name, w.Start(), "x"+w.Weight.StringFixed(1))
	}
	if next := nextBoundary(cal, req.Now); !next.IsZero() {
		fmt.Fprintf(&b, "\nnext boundary in %s", next.Sub(req.Now).Truncate(time.Minute))
	}
	fmt.Fprintf(&b, "\ncadence %s", interval.Format(req.Key.Interval))
	return b.String(), nil
}

// nextBoundary returns the first window start after now.
func nextBoundary(cal *session.Calendar, now time.Time) time.Time {
	lt := now.In(cal.Location())
	var best time.Time
	for _, w := range cal.Windows() {
		t := time.Date(lt.Year(), lt.Month(), lt.Day(), w.Hour, w.Minute, 0, 0, cal.Location())
		if !t.After(lt) {
			t = t.AddDate(0, 0, 1)
		}
		if best.IsZero() || t.Before(best) {
			best = t
		}
	}
	return best
}
