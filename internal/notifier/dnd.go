package notifier

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Clock{}, fmt.Errorf("invalid clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("invalid clock %q: hour out of range", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return Clock{}, fmt.Errorf("invalid clock %q: minute out of range", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

// Gate decides whether new requests are suppressed before queueing.
type Gate struct {
	Enabled bool
	Start   Clock
	End     Clock
}

// NewGate parses a DND window. Bounds are only validated when present or enabled.
func NewGate(cfg DNDConfig) (Gate, error) {
	g := Gate{Enabled: cfg.Enabled}
	if !cfg.Enabled && cfg.Start == "" && cfg.End == "" {
		return g, nil
	}
	var err error
	if g.Start, err = ParseClock(cfg.Start); err != nil {
		return Gate{}, fmt.Errorf("do_not_disturb.start: %w", err)
	}
	if g.End, err = ParseClock(cfg.End); err != nil {
		return Gate{}, fmt.Errorf("do_not_disturb.end: %w", err)
	}
	return g, nil
}

// Blocked reports whether delivery should be suppressed at now (local time of now).
// A window with start > end wraps past midnight; start == end is empty.
func (g Gate) Blocked(now time.Time) bool {
	if !g.Enabled {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	start, end := g.Start.minutes(), g.End.minutes()
	switch {
	case start == end:
		return false
	case start < end:
		return cur >= start && cur < end
	default:
		return cur >= start || cur < end
	}
}
