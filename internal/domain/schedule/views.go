package schedule

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/carepath/medtrack/internal/store"
)

// DaySchedule is everything a patient has scheduled on one clinic day.
// Instances mixes persisted rows with virtual pending slots (empty ID) for
// doses nobody has acted on yet.
type DaySchedule struct {
	Date        Date
	Medications map[string]Medication
	Instances   []Instance
}

// Medication returns the medication an instance belongs to.
func (d DaySchedule) Medication(inst Instance) (Medication, bool) {
	m, ok := d.Medications[inst.MedicationID]
	return m, ok
}

// DaySchedule loads a patient's day. Virtual slots are produced for every
// active medication that has started by date; inactive medications only
// contribute instances that were already recorded.
func (t *Tracker) DaySchedule(ctx context.Context, patientID string, date Date) (DaySchedule, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return DaySchedule{}, invalid("patient_id", "required")
	}
	if date.IsZero() {
		return DaySchedule{}, invalid("date", "required")
	}

	meds, err := t.ListMedications(ctx, patientID, false)
	if err != nil {
		return DaySchedule{}, err
	}
	recorded, err := t.insts.list(ctx, store.Filter{
		"patient_id": patientID,
		"local_date": date.String(),
	})
	if err != nil {
		t.storeFailed("list_instances", err)
		return DaySchedule{}, err
	}

	day := DaySchedule{
		Date:        date,
		Medications: make(map[string]Medication, len(meds)),
		Instances:   make([]Instance, 0, len(recorded)),
	}
	seen := make(map[SlotKey]struct{}, len(recorded))
	for _, m := range meds {
		day.Medications[m.ID] = m
	}
	for _, inst := range recorded {
		if _, ok := day.Medications[inst.MedicationID]; !ok {
			continue
		}
		seen[inst.Key()] = struct{}{}
		day.Instances = append(day.Instances, inst)
	}
	for _, m := range meds {
		if !m.ScheduledOn(date) {
			continue
		}
		for _, s := range m.Times {
			c, err := ParseClock(s)
			if err != nil {
				continue
			}
			slot := slotFor(m, date, c, t.loc)
			if _, ok := seen[slot.Key()]; ok {
				continue
			}
			seen[slot.Key()] = struct{}{}
			day.Instances = append(day.Instances, slot)
		}
	}
	sort.SliceStable(day.Instances, func(i, j int) bool {
		return earlier(day.Instances[i], day.Instances[j])
	})
	return day, nil
}

// PatientNextDue finds the next pending dose for a patient, looking at the
// rest of today and all of tomorrow.
func (t *Tracker) PatientNextDue(ctx context.Context, patientID string, now time.Time) (NextDose, bool, error) {
	today := DateOf(now.In(t.loc))
	var all []Instance
	for _, d := range []Date{today, today.AddDays(1)} {
		day, err := t.DaySchedule(ctx, patientID, d)
		if err != nil {
			return NextDose{}, false, err
		}
		all = append(all, day.Instances...)
	}
	next, ok := NextDue(all, now)
	return next, ok, nil
}

// PatientSummary counts a patient's doses on date as seen at now.
func (t *Tracker) PatientSummary(ctx context.Context, patientID string, date Date, now time.Time) (Summary, error) {
	day, err := t.DaySchedule(ctx, patientID, date)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(day.Instances, date, t.loc, now), nil
}

// PatientDelayed lists the patient's doses from yesterday and today that
// are past due and still pending, most overdue first. Yesterday is included
// so a dose due late in the evening is still reported after midnight.
func (t *Tracker) PatientDelayed(ctx context.Context, patientID string, now time.Time) ([]OverdueDose, error) {
	today := DateOf(now.In(t.loc))
	var instances []Instance
	for _, date := range []Date{today.AddDays(-1), today} {
		day, err := t.DaySchedule(ctx, patientID, date)
		if err != nil {
			return nil, err
		}
		instances = append(instances, day.Instances...)
	}
	return Delayed(instances, now), nil
}

// Notify forwards an externally produced notification, such as a delayed
// dose found by the monitor, to the tracker's sink.
func (t *Tracker) Notify(ctx context.Context, n Notification) {
	t.notify(ctx, n)
}
