package schedule_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/medtrack/internal/domain/schedule"
	"github.com/carepath/medtrack/internal/infrastructure/memory"
	"github.com/carepath/medtrack/internal/store"
)

var day = schedule.Date{Year: 2024, Month: time.May, Day: 14}

type fixture struct {
	tracker *schedule.Tracker
	store   *memory.Store
	events  *eventLog
	now     time.Time
	loc     *time.Location
}

type eventLog struct {
	mu     sync.Mutex
	events []schedule.Notification
}

func (l *eventLog) Notify(_ context.Context, n schedule.Notification) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, n)
	return nil
}

func (l *eventLog) types() []schedule.NotificationType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]schedule.NotificationType, 0, len(l.events))
	for _, n := range l.events {
		out = append(out, n.Type)
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	mem := memory.New(memory.WithUniqueIndex(store.TableAdministrations, "medication_id", "local_date", "local_time"))
	f := &fixture{store: mem, events: &eventLog{}, loc: loc}
	f.now = day.At(schedule.Clock{Hour: 10}, loc)
	f.tracker = schedule.NewTracker(mem,
		schedule.WithLocation(loc),
		schedule.WithClock(func() time.Time { return f.now }),
		schedule.WithNotifier(f.events),
	)
	return f
}

func (f *fixture) medication(t *testing.T, freq schedule.Frequency, times ...string) schedule.Medication {
	t.Helper()
	m, err := f.tracker.CreateMedication(context.Background(), schedule.MedicationInput{
		PatientID: "patient-1",
		Name:      "Metformin " + string(freq),
		Dose:      "500 mg",
		Frequency: freq,
		Times:     times,
		StartDate: day.AddDays(-7),
	})
	require.NoError(t, err)
	return m
}

func TestCreateAndGetMedication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.medication(t, schedule.TwiceDaily)
	require.NotEmpty(t, m.ID)

	got, err := f.tracker.GetMedication(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"08:00", "20:00"}, got.Times)
	assert.Equal(t, day.AddDays(-7), got.StartDate)
	assert.True(t, got.CreatedAt.Equal(f.now))

	_, err = f.tracker.GetMedication(ctx, "missing")
	assert.True(t, schedule.IsNotFound(err))
}

func TestUpdateMedication_FrequencyReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.medication(t, schedule.Custom, "09:00")

	twice := schedule.TwiceDaily
	m, err := f.tracker.UpdateMedication(ctx, m.ID, schedule.MedicationPatch{Frequency: &twice})
	require.NoError(t, err)
	assert.Equal(t, []string{"08:00", "20:00"}, m.Times)

	once := schedule.OnceDaily
	m, err = f.tracker.UpdateMedication(ctx, m.ID, schedule.MedicationPatch{Frequency: &once})
	require.NoError(t, err)
	assert.Equal(t, []string{"08:00"}, m.Times)

	stored, err := f.tracker.GetMedication(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"08:00"}, stored.Times)
}

func TestInstanceFor_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.medication(t, schedule.TwiceDaily)

	first, err := f.tracker.InstanceFor(ctx, m, day, "08:00")
	require.NoError(t, err)
	second, err := f.tracker.InstanceFor(ctx, m, day, "08:00")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, schedule.StatusPending, first.Status)
	assert.Equal(t, 1, f.store.Len(store.TableAdministrations))
	assert.Equal(t, m.ID+"/2024-05-14/08:00", first.Key().String())
	assert.True(t, first.ScheduledAt.Equal(day.At(schedule.Clock{Hour: 8}, f.loc)))
}

func TestInstanceFor_RejectsUnscheduledTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.medication(t, schedule.TwiceDaily)

	_, err := f.tracker.InstanceFor(ctx, m, day, "09:00")
	assert.True(t, schedule.IsValidation(err))
	_, err = f.tracker.InstanceFor(ctx, m, day, "8:00")
	assert.True(t, schedule.IsValidation(err))
	assert.Equal(t, 0, f.store.Len(store.TableAdministrations))

	prn := f.medication(t, schedule.AsNeeded)
	inst, err := f.tracker.InstanceFor(ctx, prn, day, "03:17")
	require.NoError(t, err)
	assert.Equal(t, schedule.Clock{Hour: 3, Minute: 17}, inst.Time)
}

func TestInstanceFor_LateEveningWestOfUTC(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	mem := memory.New()
	tr := schedule.NewTracker(mem, schedule.WithLocation(la))
	ctx := context.Background()

	start := schedule.Date{Year: 2024, Month: time.March, Day: 9}
	m, err := tr.CreateMedication(ctx, schedule.MedicationInput{
		PatientID: "patient-1", Name: "Melatonin", Dose: "3 mg",
		Frequency: schedule.Custom, Times: []string{"23:30"}, StartDate: start,
	})
	require.NoError(t, err)

	inst, err := tr.InstanceFor(ctx, m, start, "23:30")
	require.NoError(t, err)

	assert.Equal(t, start, inst.Date)
	assert.Equal(t, start, schedule.DateOf(inst.ScheduledAt.In(la)))
	assert.Equal(t, m.ID+"/2024-03-09/23:30", inst.Key().String())
}

// racingStore hides the first administration lookups, as if another client
// inserted the slot between our check and our insert.
type racingStore struct {
	store.Store
	hide int
}

func (r *racingStore) Find(ctx context.Context, table string, filter store.Filter) ([]store.Row, error) {
	if table == store.TableAdministrations && r.hide > 0 {
		r.hide--
		return nil, nil
	}
	return r.Store.Find(ctx, table, filter)
}

func TestInstanceFor_ConflictRefetches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.medication(t, schedule.TwiceDaily)

	winner, err := f.tracker.InstanceFor(ctx, m, day, "20:00")
	require.NoError(t, err)

	loser := schedule.NewTracker(&racingStore{Store: f.store, hide: 1}, schedule.WithLocation(f.loc))
	got, err := loser.InstanceFor(ctx, m, day, "20:00")
	require.NoError(t, err)

	assert.Equal(t, winner.ID, got.ID)
	assert.Equal(t, 1, f.store.Len(store.TableAdministrations))
}

func TestMarkTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.medication(t, schedule.TwiceDaily)

	inst, err := f.tracker.MarkSlotAdministered(ctx, m.ID, day, "08:00", schedule.AdministerOptions{By: "nurse-7", Notes: "with food"})
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusAdministered, inst.Status)
	require.NotNil(t, inst.AdministeredAt)
	assert.True(t, inst.AdministeredAt.Equal(f.now))
	assert.Equal(t, "nurse-7", inst.AdministeredBy)
	assert.Equal(t, "with food", inst.Notes)

	inst, err = f.tracker.MarkSkipped(ctx, inst.ID, "  patient refused  ")
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusSkipped, inst.Status)
	assert.Equal(t, "patient refused", inst.SkipReason)
	assert.Nil(t, inst.AdministeredAt)
	assert.Empty(t, inst.AdministeredBy)

	inst, err = f.tracker.MarkPending(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusPending, inst.Status)
	assert.Empty(t, inst.SkipReason)
	assert.Nil(t, inst.AdministeredAt)

	assert.Equal(t, []schedule.NotificationType{
		schedule.NotifyAdministered, schedule.NotifySkipped, schedule.NotifyReverted,
	}, f.events.types())
	require.NotNil(t, f.events.events[0].Medication)
	assert.Equal(t, m.Name, f.events.events[0].Medication.Name)
}

func TestMarkAdministered_RepeatRefreshesTimestamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.medication(t, schedule.OnceDaily)

	inst, err := f.tracker.MarkSlotAdministered(ctx, m.ID, day, "08:00", schedule.AdministerOptions{})
	require.NoError(t, err)

	f.now = f.now.Add(30 * time.Minute)
	again, err := f.tracker.MarkAdministered(ctx, inst.ID, schedule.AdministerOptions{})
	require.NoError(t, err)
	assert.Equal(t, inst.ID, again.ID)
	assert.True(t, again.AdministeredAt.Equal(f.now))
}

func TestMarkSkipped_BlankReasonLeavesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.medication(t, schedule.TwiceDaily)

	inst, err := f.tracker.MarkSlotAdministered(ctx, m.ID, day, "08:00", schedule.AdministerOptions{})
	require.NoError(t, err)

	_, err = f.tracker.MarkSkipped(ctx, inst.ID, "   ")
	require.Error(t, err)
	assert.True(t, schedule.IsValidation(err))

	stored, err := f.tracker.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusAdministered, stored.Status)

	// The slot variant checks the reason before creating anything.
	_, err = f.tracker.MarkSlotSkipped(ctx, m.ID, day, "20:00", "")
	assert.True(t, schedule.IsValidation(err))
	assert.Equal(t, 1, f.store.Len(store.TableAdministrations))
}

func TestMarkAdministered_UnknownInstance(t *testing.T) {
	f := newFixture(t)

	_, err := f.tracker.MarkAdministered(context.Background(), "nope", schedule.AdministerOptions{})
	require.Error(t, err)
	assert.True(t, schedule.IsNotFound(err))
	assert.Empty(t, f.events.types())
}

// failingStore fails every call on one table.
type failingStore struct {
	store.Store
	table string
	err   error
}

func (s failingStore) Find(ctx context.Context, table string, filter store.Filter) ([]store.Row, error) {
	if table == s.table {
		return nil, s.err
	}
	return s.Store.Find(ctx, table, filter)
}

func (s failingStore) Update(ctx context.Context, table string, filter store.Filter, patch store.Row) (store.Row, error) {
	if table == s.table {
		return nil, s.err
	}
	return s.Store.Update(ctx, table, filter, patch)
}

func TestTransientStoreErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.medication(t, schedule.TwiceDaily)
	inst, err := f.tracker.InstanceFor(ctx, m, day, "08:00")
	require.NoError(t, err)

	cause := errors.New("connection reset")
	broken := schedule.NewTracker(failingStore{Store: f.store, table: store.TableAdministrations, err: cause})

	_, err = broken.InstanceFor(ctx, m, day, "20:00")
	require.Error(t, err)
	assert.True(t, schedule.IsTransient(err))
	assert.ErrorIs(t, err, cause)

	_, err = broken.MarkAdministered(ctx, inst.ID, schedule.AdministerOptions{})
	assert.True(t, schedule.IsTransient(err))

	stored, err := f.tracker.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusPending, stored.Status)
}

func TestDeleteMedication_Cascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	keep := f.medication(t, schedule.OnceDaily)
	drop := f.medication(t, schedule.TwiceDaily)

	_, err := f.tracker.MarkSlotAdministered(ctx, keep.ID, day, "08:00", schedule.AdministerOptions{})
	require.NoError(t, err)
	for _, at := range []string{"08:00", "20:00"} {
		_, err := f.tracker.InstanceFor(ctx, drop, day, at)
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.store.Len(store.TableAdministrations))

	require.NoError(t, f.tracker.DeleteMedication(ctx, drop.ID))

	assert.Equal(t, 1, f.store.Len(store.TableAdministrations))
	_, err = f.tracker.GetMedication(ctx, drop.ID)
	assert.True(t, schedule.IsNotFound(err))
	assert.True(t, schedule.IsNotFound(f.tracker.DeleteMedication(ctx, drop.ID)))
}

func TestDaySchedule_MergesVirtualSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.medication(t, schedule.ThreeTimesDaily)

	_, err := f.tracker.MarkSlotAdministered(ctx, m.ID, day, "08:00", schedule.AdministerOptions{})
	require.NoError(t, err)

	ds, err := f.tracker.DaySchedule(ctx, "patient-1", day)
	require.NoError(t, err)
	require.Len(t, ds.Instances, 3)

	assert.Equal(t, schedule.StatusAdministered, ds.Instances[0].Status)
	assert.True(t, ds.Instances[0].Persisted())
	assert.False(t, ds.Instances[1].Persisted())
	assert.Equal(t, "14:00", ds.Instances[1].Time.String())
	assert.Equal(t, "20:00", ds.Instances[2].Time.String())
	med, ok := ds.Medication(ds.Instances[2])
	require.True(t, ok)
	assert.Equal(t, m.ID, med.ID)

	before, err := f.tracker.DaySchedule(ctx, "patient-1", day.AddDays(-30))
	require.NoError(t, err)
	assert.Empty(t, before.Instances)
}

func TestPatientViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.medication(t, schedule.ThreeTimesDaily) // 08:00 14:00 20:00
	b := f.medication(t, schedule.FourTimesDaily)  // 06:00 12:00 18:00 22:00

	_, err := f.tracker.MarkSlotAdministered(ctx, a.ID, day, "08:00", schedule.AdministerOptions{})
	require.NoError(t, err)
	_, err = f.tracker.MarkSlotSkipped(ctx, b.ID, day, "06:00", "asleep")
	require.NoError(t, err)

	next, ok, err := f.tracker.PatientNextDue(ctx, "patient-1", f.now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.ID, next.Instance.MedicationID)
	assert.Equal(t, "12:00", next.Instance.Time.String())
	assert.Equal(t, 2*time.Hour, next.Countdown)

	summary, err := f.tracker.PatientSummary(ctx, "patient-1", day, f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AdministeredCount)
	assert.Equal(t, 1, summary.SkippedCount)
	assert.Equal(t, 5, summary.PendingCount)
	assert.Equal(t, 0, summary.DelayedCount)

	f.now = day.At(schedule.Clock{Hour: 15}, f.loc)
	delayed, err := f.tracker.PatientDelayed(ctx, "patient-1", f.now)
	require.NoError(t, err)
	// all seven of yesterday's doses, then today's 12:00 and 14:00
	require.Len(t, delayed, 9)
	assert.Equal(t, day.AddDays(-1), delayed[0].Instance.Date)
	assert.Equal(t, "06:00", delayed[0].Instance.Time.String())
	assert.Equal(t, 33*time.Hour, delayed[0].Overdue)
	assert.Equal(t, day, delayed[7].Instance.Date)
	assert.Equal(t, "12:00", delayed[7].Instance.Time.String())
	assert.Equal(t, "14:00", delayed[8].Instance.Time.String())
}

func TestActivePatients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.medication(t, schedule.OnceDaily)

	inactive := false
	_, err := f.tracker.CreateMedication(ctx, schedule.MedicationInput{
		PatientID: "patient-2", Name: "Aspirin", Dose: "81 mg",
		Frequency: schedule.OnceDaily, StartDate: day, Active: &inactive,
	})
	require.NoError(t, err)

	ids, err := f.tracker.ActivePatients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"patient-1"}, ids)

	active, err := f.tracker.ListMedications(ctx, "patient-2", true)
	require.NoError(t, err)
	assert.Empty(t, active)
}
