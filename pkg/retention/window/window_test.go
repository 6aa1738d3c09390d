package window

import (
	"testing"
	"time"
)

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func at(secs int) time.Time {
	return day.Add(time.Duration(secs) * time.Second)
}

func TestIsWithinNoEvictWindow(t *testing.T) {
	tests := []struct {
		name  string
		start int
		end   int
		now   int
		want  bool
	}{
		{"same-day inside", 28800, 72000, 50000, true},
		{"same-day before", 28800, 72000, 10000, false},
		{"same-day after", 28800, 72000, 80000, false},
		{"same-day at start", 28800, 72000, 28800, true},
		{"same-day at end", 28800, 72000, 72000, true},
		{"spanning early morning", 72000, 28800, 1000, true},
		{"spanning afternoon", 72000, 28800, 50000, false},
		{"spanning late evening", 72000, 28800, 80000, true},
		{"spanning at end", 72000, 28800, 28800, true},
		{"spanning just after end", 72000, 28800, 28801, false},
		{"disabled at midnight", 3600, 3600, 0, false},
		{"disabled at bound", 3600, 3600, 3600, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsWithinNoEvictWindow(at(tt.now), tt.start, tt.end)
			if got != tt.want {
				t.Errorf("IsWithinNoEvictWindow(%d, %d, %d) = %v, want %v",
					tt.now, tt.start, tt.end, got, tt.want)
			}
		})
	}
}

func TestIsWithinNoEvictWindow_DisabledAllDay(t *testing.T) {
	for secs := 0; secs < 86400; secs += 977 {
		if IsWithinNoEvictWindow(at(secs), 43200, 43200) {
			t.Fatalf("disabled window reported forbidden at %d", secs)
		}
	}
}

func TestNextWindowEnd(t *testing.T) {
	tests := []struct {
		name  string
		start int
		end   int
		now   int
		want  time.Time
	}{
		{"same-day inside", 28800, 72000, 50000, at(72000)},
		{"same-day before start", 28800, 72000, 10000, at(72000)},
		{"same-day after end", 28800, 72000, 80000, at(86400 + 72000)},
		{"spanning evening half", 72000, 28800, 80000, at(86400 + 28800)},
		{"spanning morning half", 72000, 28800, 1000, at(28800)},
		{"spanning afternoon", 72000, 28800, 50000, at(86400 + 28800)},
		{"disabled", 100, 100, 5000, at(5000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextWindowEnd(at(tt.now), tt.start, tt.end)
			if !got.Equal(tt.want) {
				t.Errorf("NextWindowEnd() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextWindowEnd_LocalTime(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	now := time.Date(2025, 3, 10, 21, 0, 0, 0, loc)

	got := NextWindowEnd(now, 72000, 28800)
	want := time.Date(2025, 3, 11, 8, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("NextWindowEnd() = %v, want %v", got, want)
	}
	if SecondsOfDay(got) != 28800 {
		t.Errorf("SecondsOfDay() = %d, want 28800", SecondsOfDay(got))
	}
}

func TestNextWindowStart(t *testing.T) {
	if got := NextWindowStart(at(1000), 28800, 72000); !got.Equal(at(28800)) {
		t.Errorf("NextWindowStart() = %v, want %v", got, at(28800))
	}
	if got := NextWindowStart(at(50000), 28800, 72000); !got.Equal(at(86400 + 28800)) {
		t.Errorf("NextWindowStart() = %v, want %v", got, at(86400+28800))
	}
}
