package schedule

import "strings"

// Frequency is a dosing-frequency catalog key.
type Frequency string

const (
	OnceDaily       Frequency = "once_daily"
	TwiceDaily      Frequency = "twice_daily"
	ThreeTimesDaily Frequency = "three_times_daily"
	FourTimesDaily  Frequency = "four_times_daily"
	Every6Hours     Frequency = "every_6_hours"
	Every8Hours     Frequency = "every_8_hours"
	Every12Hours    Frequency = "every_12_hours"
	AsNeeded        Frequency = "as_needed"
	Custom          Frequency = "custom"
)

// catalog holds the canonical daily clock times per frequency, in display order.
var catalog = map[Frequency][]string{
	OnceDaily:       {"08:00"},
	TwiceDaily:      {"08:00", "20:00"},
	ThreeTimesDaily: {"08:00", "14:00", "20:00"},
	FourTimesDaily:  {"06:00", "12:00", "18:00", "22:00"},
	Every6Hours:     {"06:00", "12:00", "18:00", "00:00"},
	Every8Hours:     {"08:00", "16:00", "00:00"},
	Every12Hours:    {"08:00", "20:00"},
	AsNeeded:        {},
	Custom:          {},
}

var frequencyOrder = []Frequency{
	OnceDaily, TwiceDaily, ThreeTimesDaily, FourTimesDaily,
	Every6Hours, Every8Hours, Every12Hours, AsNeeded, Custom,
}

// Frequencies lists every catalog key in display order.
func Frequencies() []Frequency {
	return append([]Frequency(nil), frequencyOrder...)
}

// ParseFrequency validates a catalog key.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.TrimSpace(s))
	if _, ok := catalog[f]; !ok {
		return "", invalid("frequency", "unknown frequency %q", s)
	}
	return f, nil
}

// TimesFor returns a copy of the canonical times for f. as_needed and
// custom return an empty, non-nil list.
func TimesFor(f Frequency) ([]string, error) {
	times, ok := catalog[f]
	if !ok {
		return nil, invalid("frequency", "unknown frequency %q", string(f))
	}
	return append([]string{}, times...), nil
}

// Flexible reports whether the caller supplies the times for f instead of
// the catalog.
func (f Frequency) Flexible() bool {
	return f == AsNeeded || f == Custom
}
