package schedule

import (
	"fmt"
	"sort"
	"time"
)

// Classification is the derived state of an instance at a given instant.
// Exactly one field is true.
type Classification struct {
	Administered  bool
	Skipped       bool
	Delayed       bool
	PendingOnTime bool
}

// DisplayState names the classification for presentation.
type DisplayState string

const (
	StateAdministered  DisplayState = "administered"
	StateSkipped       DisplayState = "skipped"
	StateDelayed       DisplayState = "delayed"
	StatePendingOnTime DisplayState = "pending"
)

// Classify derives the state of inst at now. Nothing here is stored:
// delayed depends on the wall clock and must be recomputed on every read.
func Classify(inst Instance, now time.Time) Classification {
	switch inst.Status {
	case StatusAdministered:
		return Classification{Administered: true}
	case StatusSkipped:
		return Classification{Skipped: true}
	}
	if inst.ScheduledAt.Before(now) {
		return Classification{Delayed: true}
	}
	return Classification{PendingOnTime: true}
}

// State returns the single display state of c.
func (c Classification) State() DisplayState {
	switch {
	case c.Administered:
		return StateAdministered
	case c.Skipped:
		return StateSkipped
	case c.Delayed:
		return StateDelayed
	default:
		return StatePendingOnTime
	}
}

// NextDose is the soonest future pending instance.
type NextDose struct {
	Instance  Instance
	Countdown time.Duration
}

// Overdue is always false: NextDue only selects future instances. Past
// pending instances are reported by Delayed.
func (n NextDose) Overdue() bool { return false }

// NextDue returns the pending instance with the smallest scheduled time
// strictly after now. Ties are broken by medication id, then clock time,
// then instance id.
func NextDue(instances []Instance, now time.Time) (NextDose, bool) {
	var (
		best  Instance
		found bool
	)
	for _, inst := range instances {
		if inst.Status != StatusPending || !inst.ScheduledAt.After(now) {
			continue
		}
		if !found || earlier(inst, best) {
			best = inst
			found = true
		}
	}
	if !found {
		return NextDose{}, false
	}
	return NextDose{Instance: best, Countdown: best.ScheduledAt.Sub(now)}, true
}

func earlier(a, b Instance) bool {
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	if a.MedicationID != b.MedicationID {
		return a.MedicationID < b.MedicationID
	}
	if a.Time != b.Time {
		return a.Time.String() < b.Time.String()
	}
	return a.ID < b.ID
}

// OverdueDose is a delayed instance with how long it has been waiting.
type OverdueDose struct {
	Instance Instance
	Overdue  time.Duration
}

// Delayed returns every pending instance scheduled before now, most
// overdue first.
func Delayed(instances []Instance, now time.Time) []OverdueDose {
	out := make([]OverdueDose, 0)
	for _, inst := range instances {
		if Classify(inst, now).Delayed {
			out = append(out, OverdueDose{Instance: inst, Overdue: now.Sub(inst.ScheduledAt)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return earlier(out[i].Instance, out[j].Instance)
	})
	return out
}

// FormatCountdown renders d as "1d 2h 05m", "2h 05m" or "5m".
func FormatCountdown(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	d = d.Round(time.Minute)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int(d / time.Minute)

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %02dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %02dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

// Summary counts the instances of one day by state. Delayed is a subset of
// Pending, so the counts do not form a partition.
type Summary struct {
	Date              Date
	AdministeredCount int
	PendingCount      int
	SkippedCount      int
	DelayedCount      int
}

// Total is the number of instances on the day.
func (s Summary) Total() int {
	return s.AdministeredCount + s.PendingCount + s.SkippedCount
}

// Summarize counts instances whose scheduled time falls on date in loc.
func Summarize(instances []Instance, date Date, loc *time.Location, now time.Time) Summary {
	if loc == nil {
		loc = time.Local
	}
	s := Summary{Date: date}
	for _, inst := range instances {
		if DateOf(inst.ScheduledAt.In(loc)) != date {
			continue
		}
		c := Classify(inst, now)
		switch {
		case c.Administered:
			s.AdministeredCount++
		case c.Skipped:
			s.SkippedCount++
		default:
			s.PendingCount++
			if c.Delayed {
				s.DelayedCount++
			}
		}
	}
	return s
}
