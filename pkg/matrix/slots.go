package matrix

import (
	"fmt"
	"time"
)

// Interval is the grid column width.
type Interval string

const (
	Interval10Min Interval = "10min"
	Interval30Min Interval = "30min"
	Interval1Hour Interval = "1hour"
	Interval1Day  Interval = "1day"
)

// Valid reports whether the interval is one of the supported widths.
func (i Interval) Valid() bool {
	switch i {
	case Interval10Min, Interval30Min, Interval1Hour, Interval1Day:
		return true
	}
	return false
}

// Step returns the anchor spacing for the interval.
func (i Interval) Step() time.Duration {
	switch i {
	case Interval10Min:
		return 10 * time.Minute
	case Interval30Min:
		return 30 * time.Minute
	case Interval1Hour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// Slot is one grid column: an anchor instant plus its display label.
type Slot struct {
	Anchor time.Time
	Label  string
}

// BuildSlots produces the column anchors, oldest first, computed in the
// display timezone. For 10min grids a reference whose minute is off the
// 10-minute raster becomes an "exact latest" newest column; all older
// columns sit on aligned boundaries.
func BuildSlots(ref time.Time, interval Interval, columns int, loc *time.Location) []Slot {
	ref = ref.In(loc).Truncate(time.Second)
	step := interval.Step()

	var newest time.Time
	var base time.Time
	switch interval {
	case Interval10Min:
		base = floorMinutes(ref, 10)
		if ref.Minute()%10 != 0 {
			newest = ref
		} else {
			newest = base
		}
	case Interval30Min:
		base = floorMinutes(ref, 30)
		newest = base
	case Interval1Hour:
		base = time.Date(ref.Year(), ref.Month(), ref.Day(), ref.Hour(), 0, 0, 0, loc)
		newest = base
	default: // Interval1Day
		base = time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, loc)
		newest = base
	}

	slots := make([]Slot, columns)
	slots[columns-1] = Slot{Anchor: newest}
	for k := 1; k < columns; k++ {
		steps := k
		if !newest.Equal(base) {
			steps = k - 1
		}
		var anchor time.Time
		if interval == Interval1Day {
			// Calendar stepping keeps every anchor at local midnight even
			// when a DST transition makes a day 23 or 25 hours long.
			anchor = base.AddDate(0, 0, -steps)
		} else {
			anchor = base.Add(-time.Duration(steps) * step)
		}
		slots[columns-1-k] = Slot{Anchor: anchor}
	}

	if interval == Interval1Day {
		for i := range slots {
			slots[i].Label = dayLabel(columns - 1 - i)
		}
		return slots
	}
	for i := range slots {
		slots[i].Label = slotLabel(newest.Sub(slots[i].Anchor), i == columns-1)
	}
	return slots
}

// slotLabel renders the intraday label: "현재" / "N분 전" / "N.N시간 전".
func slotLabel(offset time.Duration, newest bool) string {
	if newest {
		return "현재"
	}
	if offset < time.Hour {
		return fmt.Sprintf("%d분 전", int(offset.Minutes()))
	}
	return fmt.Sprintf("%.1f시간 전", offset.Hours())
}

// dayLabel renders the daily label by calendar distance, not duration.
func dayLabel(daysBack int) string {
	if daysBack == 0 {
		return "today"
	}
	return fmt.Sprintf("%dd ago", daysBack)
}

func floorMinutes(t time.Time, m int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), (t.Minute()/m)*m, 0, 0, t.Location())
}
