package history

import (
	"fmt"
	"strings"
	"time"
)

// Period is the calendar unit a bucket aggregates.
type Period int

const (
	Day Period = iota
	Hour
	Minute
)

var periodLayouts = map[Period]string{
	Day:    "2006-01-02",
	Hour:   "2006-01-02-15",
	Minute: "2006-01-02-1504",
}

// ParsePeriod resolves a configuration value ("day", "hour", "minute").
func ParsePeriod(s string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "day":
		return Day, nil
	case "hour":
		return Hour, nil
	case "minute":
		return Minute, nil
	default:
		return Day, fmt.Errorf("unknown period %q (expected day, hour or minute)", s)
	}
}

func (p Period) String() string {
	switch p {
	case Day:
		return "day"
	case Hour:
		return "hour"
	case Minute:
		return "minute"
	default:
		return fmt.Sprintf("Period(%d)", int(p))
	}
}

// Layout is the time layout of period keys.
func (p Period) Layout() string {
	if l, ok := periodLayouts[p]; ok {
		return l
	}
	return periodLayouts[Day]
}

// Start truncates t to the beginning of its period in t's location.
func (p Period) Start(t time.Time) time.Time {
	switch p {
	case Hour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	case Minute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
}

// Add moves t by n periods.
func (p Period) Add(t time.Time, n int) time.Time {
	switch p {
	case Hour:
		return t.Add(time.Duration(n) * time.Hour)
	case Minute:
		return t.Add(time.Duration(n) * time.Minute)
	default:
		return t.AddDate(0, 0, n)
	}
}

// Key formats the period key of t.
func (p Period) Key(t time.Time) string {
	return t.Format(p.Layout())
}

// ParseKey returns the start of the period named by key.
func (p Period) ParseKey(key string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(p.Layout(), key, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s key %q: %w", p, key, err)
	}
	return t, nil
}

// Cutoff is the oldest period start kept by a window of w periods at now.
func (p Period) Cutoff(now time.Time, w int) time.Time {
	return p.Add(p.Start(now), -w)
}
