package bus

import (
	"sort"
	"testing"
	"time"
)

func TestFormatTimestamp(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	ts := FormatTimestamp(time.Date(2026, 3, 15, 16, 30, 45, 123_000_000, loc))
	if ts != "2026-03-15T09:30:45.123Z" {
		t.Errorf("FormatTimestamp = %q", ts)
	}
}

func TestFormatTimestamp_LexicographicOrderIsChronological(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(500 * time.Millisecond),
		base,
		base.AddDate(0, 2, 0),
		base.Add(time.Hour),
		base.AddDate(1, 0, 0),
	}
	var formatted []string
	for _, tm := range times {
		formatted = append(formatted, FormatTimestamp(tm))
	}
	sorted := append([]string(nil), formatted...)
	sort.Strings(sorted)

	chrono := append([]time.Time(nil), times...)
	sort.Slice(chrono, func(i, j int) bool { return chrono[i].Before(chrono[j]) })
	for i, tm := range chrono {
		if sorted[i] != FormatTimestamp(tm) {
			t.Fatalf("string order diverges from time order at %d: %q", i, sorted[i])
		}
	}
}
