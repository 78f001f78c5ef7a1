package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a named daily blackout range during which only critical
// operations are admitted. Ranges may wrap midnight ("22:00-06:00").
type Window struct {
	Name  string `yaml:"name"`
	Range string `yaml:"range"` // "HH:MM-HH:MM", local to ctx.Now's location
}

type window struct {
	name       string
	start, end int // minutes since midnight; start == end means full day
	wraps      bool
}

func parseWindow(w Window) (window, error) {
	parts := strings.SplitN(w.Range, "-", 2)
	if len(parts) != 2 {
		return window{}, fmt.Errorf("window %q: range %q is not HH:MM-HH:MM", w.Name, w.Range)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return window{}, fmt.Errorf("window %q: %w", w.Name, err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return window{}, fmt.Errorf("window %q: %w", w.Name, err)
	}
	return window{name: w.Name, start: start, end: end, wraps: end < start}, nil
}

func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("clock %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("clock %q has invalid hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q has invalid minute", s)
	}
	return h*60 + m, nil
}

func (w window) contains(t time.Time) bool {
	minutes := t.Hour()*60 + t.Minute()
	if w.start == w.end {
		return true
	}
	if w.wraps {
		return minutes >= w.start || minutes < w.end
	}
	return minutes >= w.start && minutes < w.end
}

// endAfter returns the first instant at or after t when the window is over.
func (w window) endAfter(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	end := day.Add(time.Duration(w.end) * time.Minute)
	if !end.After(t) {
		end = end.Add(24 * time.Hour)
	}
	return end
}
