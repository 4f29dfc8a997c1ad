// Package session knows which trading session is active and resets every
// refresh loop when a session boundary is crossed.
package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Window is one session of the daily calendar. It lasts from its start
// until the next window's start.
type Window struct {
	Name   string
	Hour   int
	Minute int
	Weight decimal.Decimal
}

func (w Window) minuteOfDay() int { return w.Hour*60 + w.Minute }

// Start returns the "HH:MM" form of the window start.
func (w Window) Start() string { return fmt.Sprintf("%02d:%02d", w.Hour, w.Minute) }

// Session is one occurrence of a window.
type Session struct {
	Name   string
	Weight decimal.Decimal
	// Start is the instant this occurrence began.
	Start time.Time
}

// Label renders "LONDON x1.0".
func (s Session) Label() string {
	if s.Name == "" {
		return ""
	}
	return s.Name + " x" + s.Weight.StringFixed(1)
}

// same reports whether a and b are the same occurrence.
func (s Session) same(o Session) bool {
	return s.Name == o.Name && s.Start.Equal(o.Start)
}

// Calendar is an immutable, sorted set of daily windows in one location.
type Calendar struct {
	loc     *time.Location
	windows []Window
}

// NewCalendar validates and sorts windows. Starts must be distinct.
func NewCalendar(loc *time.Location, windows []Window) (*Calendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	if len(windows) == 0 {
		return nil, errors.New("session: at least one window is required")
	}
	ws := slices.Clone(windows)
	slices.SortFunc(ws, func(a, b Window) int { return a.minuteOfDay() - b.minuteOfDay() })
	for i, w := range ws {
		if strings.TrimSpace(w.Name) == "" {
			return nil, fmt.Errorf("session: window at %s has no name", w.Start())
		}
		if w.Hour < 0 || w.Hour > 23 || w.Minute < 0 || w.Minute > 59 {
			return nil, fmt.Errorf("session: window %s has invalid start %s", w.Name, w.Start())
		}
		if i > 0 && ws[i-1].minuteOfDay() == w.minuteOfDay() {
			return nil, fmt.Errorf("session: windows %s and %s share start %s", ws[i-1].Name, w.Name, w.Start())
		}
	}
	return &Calendar{loc: loc, windows: ws}, nil
}

// DefaultCalendar is ASIAN 00:00 x0.7, LONDON 08:00 x1.0, NEW_YORK 16:00 x1.2
// in UTC.
func DefaultCalendar() *Calendar {
	c, _ := NewCalendar(time.UTC, []Window{
		{Name: "ASIAN", Hour: 0, Weight: decimal.RequireFromString("0.7")},
		{Name: "LONDON", Hour: 8, Weight: decimal.RequireFromString("1.0")},
		{Name: "NEW_YORK", Hour: 16, Weight: decimal.RequireFromString("1.2")},
	})
	return c
}

func (c *Calendar) Location() *time.Location { return c.loc }

func (c *Calendar) Windows() []Window { return slices.Clone(c.windows) }

// At returns the session occurrence containing t.
func (c *Calendar) At(t time.Time) Session {
	lt := t.In(c.loc)
	mod := lt.Hour()*60 + lt.Minute()
	midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)

	idx := -1
	for i, w := range c.windows {
		if w.minuteOfDay() <= mod {
			idx = i
		}
	}
	day := midnight
	if idx < 0 {
		// Before the first window of the day: still in yesterday's last one.
		idx = len(c.windows) - 1
		day = midnight.AddDate(0, 0, -1)
	}
	w := c.windows[idx]
	return Session{
		Name:   w.Name,
		Weight: w.Weight,
		Start:  time.Date(day.Year(), day.Month(), day.Day(), w.Hour, w.Minute, 0, 0, c.loc),
	}
}

// cronSpecs returns one daily cron spec per window start.
func (c *Calendar) cronSpecs() []string {
	out := make([]string, 0, len(c.windows))
	for _, w := range c.windows {
		out = append(out, fmt.Sprintf("%d %d * * *", w.Minute, w.Hour))
	}
	return out
}
