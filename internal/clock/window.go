package clock

import (
	"fmt"
	"time"
)

// Window defines the operational trading window for one engine instance.
// Open/Close/Cutoff are minutes from midnight in Location. Cutoff is the
// hard safety close; it must be at or before Close.
type Window struct {
	Location *time.Location

	OpenMinute   int // e.g. 9*60+30 for 09:30
	CloseMinute  int // e.g. 16*60 for 16:00
	CutoffMinute int // e.g. 15*60+45 for 15:45

	// ExtendedOpenMinute, when >= 0, marks the start of an extended-hours
	// session before the regular open. -1 disables extended hours.
	ExtendedOpenMinute int

	// Weekdays the window is active. Empty means Monday through Friday.
	Weekdays []time.Weekday
}

// ParseHHMM converts "15:45" to minutes from midnight.
func ParseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("clock: invalid HH:MM %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock: HH:MM out of range %q", s)
	}
	return h*60 + m, nil
}

func (w *Window) minuteOfDay(t time.Time) int {
	lt := t.In(w.loc())
	return lt.Hour()*60 + lt.Minute()
}

func (w *Window) loc() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

func (w *Window) activeWeekday(t time.Time) bool {
	day := t.In(w.loc()).Weekday()
	if len(w.Weekdays) == 0 {
		return day != time.Saturday && day != time.Sunday
	}
	for _, d := range w.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// IsOpen reports whether t falls inside the regular trading window.
func (w *Window) IsOpen(t time.Time) bool {
	if !w.activeWeekday(t) {
		return false
	}
	m := w.minuteOfDay(t)
	return m >= w.OpenMinute && m < w.CloseMinute
}

// IsExtendedHours reports whether t falls in the extended session before
// the regular open.
func (w *Window) IsExtendedHours(t time.Time) bool {
	if w.ExtendedOpenMinute < 0 || !w.activeWeekday(t) {
		return false
	}
	m := w.minuteOfDay(t)
	return m >= w.ExtendedOpenMinute && m < w.OpenMinute
}

// PastCutoff reports whether t is at or past the hard end-of-session
// cutoff. Always true outside active weekdays, so an overnight restart
// recovery treats the window as closed.
func (w *Window) PastCutoff(t time.Time) bool {
	if !w.activeWeekday(t) {
		return true
	}
	m := w.minuteOfDay(t)
	return m >= w.CutoffMinute || m < w.openEdge()
}

func (w *Window) openEdge() int {
	if w.ExtendedOpenMinute >= 0 && w.ExtendedOpenMinute < w.OpenMinute {
		return w.ExtendedOpenMinute
	}
	return w.OpenMinute
}

// SameTradingDay reports whether a and b fall on the same calendar day in
// the window's location.
func (w *Window) SameTradingDay(a, b time.Time) bool {
	la, lb := a.In(w.loc()), b.In(w.loc())
	return la.Year() == lb.Year() && la.YearDay() == lb.YearDay()
}

// BusinessDaysBack returns the instant n business days before t, skipping
// weekends only. Exchange holidays are deliberately not skipped: the
// resulting window is never shorter than the true one, so a compliance
// limit counted over it can over-block by a day but never under-block.
func BusinessDaysBack(t time.Time, n int) time.Time {
	out := t
	for n > 0 {
		out = out.AddDate(0, 0, -1)
		if wd := out.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n--
		}
	}
	return out
}
