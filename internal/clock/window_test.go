package clock

import (
	"testing"
	"time"
)

func nyWindow(t *testing.T) *Window {
	t.Helper()
	return &Window{
		Location:           time.UTC,
		OpenMinute:         9*60 + 30,
		CloseMinute:        16 * 60,
		CutoffMinute:       15*60 + 45,
		ExtendedOpenMinute: 8 * 60,
	}
}

// at builds a Tuesday timestamp at the given hour/minute.
func at(hour, min int) time.Time {
	return time.Date(2025, 6, 10, hour, min, 0, 0, time.UTC)
}

func TestWindow_IsOpen(t *testing.T) {
	w := nyWindow(t)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", at(9, 0), false},
		{"at open", at(9, 30), true},
		{"midday", at(12, 0), true},
		{"just before close", at(15, 59), true},
		{"at close", at(16, 0), false},
		{"saturday", time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.IsOpen(tt.at); got != tt.want {
				t.Errorf("IsOpen(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestWindow_ExtendedHours(t *testing.T) {
	w := nyWindow(t)
	if !w.IsExtendedHours(at(8, 30)) {
		t.Error("08:30 should be extended hours")
	}
	if w.IsExtendedHours(at(10, 0)) {
		t.Error("10:00 is regular session, not extended")
	}

	w.ExtendedOpenMinute = -1
	if w.IsExtendedHours(at(8, 30)) {
		t.Error("extended hours disabled, should be false")
	}
}

func TestWindow_PastCutoff(t *testing.T) {
	w := nyWindow(t)
	if w.PastCutoff(at(15, 44)) {
		t.Error("15:44 is before cutoff")
	}
	if !w.PastCutoff(at(15, 45)) {
		t.Error("15:45 is at cutoff")
	}
	if !w.PastCutoff(at(3, 0)) {
		t.Error("pre-session overnight should count as past cutoff")
	}
	// Weekend always counts as past cutoff for restart recovery.
	if !w.PastCutoff(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)) {
		t.Error("sunday should count as past cutoff")
	}
}

func TestBusinessDaysBack_SkipsWeekends(t *testing.T) {
	// Monday 2025-06-09 minus 1 business day is Friday 2025-06-06.
	monday := time.Date(2025, 6, 9, 12, 0, 0, 0, time.UTC)
	got := BusinessDaysBack(monday, 1)
	if got.Weekday() != time.Friday || got.Day() != 6 {
		t.Errorf("expected Friday June 6, got %v", got)
	}

	// 5 business days back from Monday is the previous Monday.
	got = BusinessDaysBack(monday, 5)
	if got.Weekday() != time.Monday || got.Day() != 2 {
		t.Errorf("expected Monday June 2, got %v", got)
	}
}

func TestParseHHMM(t *testing.T) {
	m, err := ParseHHMM("15:45")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != 15*60+45 {
		t.Errorf("expected 945, got %d", m)
	}
	if _, err := ParseHHMM("25:00"); err == nil {
		t.Error("expected error for hour out of range")
	}
}

func TestFakeClock(t *testing.T) {
	start := at(9, 30)
	fc := NewFake(start)
	if !fc.Now().Equal(start) {
		t.Error("fake clock should return pinned time")
	}
	fc.Advance(15 * time.Minute)
	if !fc.Now().Equal(at(9, 45)) {
		t.Errorf("expected 09:45, got %v", fc.Now())
	}
}
