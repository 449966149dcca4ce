// Package schedule implements the medication schedule and administration
// tracker: the frequency catalog, lazy administration instances, their
// pending/administered/skipped lifecycle and the derived delayed, next-due
// and daily summary views.
package schedule

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/carepath/medtrack/internal/store"
)

// Tracker is the entry point for clinicians and caregivers. It holds no
// state between calls; everything lives in the store.
type Tracker struct {
	meds     medicationRepo
	insts    instanceRepo
	loc      *time.Location
	clock    func() time.Time
	logger   *zap.Logger
	notifier Notifier
	recorder Recorder
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.clock = now }
}

// WithLocation sets the clinic time zone that anchors every schedule.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithNotifier sets the sink for administration events.
func WithNotifier(n Notifier) Option {
	return func(t *Tracker) { t.notifier = n }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(t *Tracker) {
		if r != nil {
			t.recorder = r
		}
	}
}

// NewTracker creates a tracker over st.
func NewTracker(st store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		meds:     medicationRepo{st: st},
		insts:    instanceRepo{st: st},
		loc:      time.Local,
		clock:    time.Now,
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Location returns the clinic time zone.
func (t *Tracker) Location() *time.Location { return t.loc }

// Now returns the current instant in the clinic time zone.
func (t *Tracker) Now() time.Time { return t.clock().In(t.loc) }

// Today returns the current clinic calendar date.
func (t *Tracker) Today() Date { return DateOf(t.Now()) }

// CreateMedication validates and stores a new medication.
func (t *Tracker) CreateMedication(ctx context.Context, in MedicationInput) (Medication, error) {
	m, err := NewMedication(in)
	if err != nil {
		return Medication{}, err
	}
	now := t.Now()
	m.CreatedAt, m.UpdatedAt = now, now

	saved, err := t.meds.insert(ctx, m)
	if err != nil {
		t.storeFailed("insert_medication", err)
		return Medication{}, err
	}
	t.logger.Info("medication created",
		zap.String("medication_id", saved.ID),
		zap.String("patient_id", saved.PatientID),
		zap.String("frequency", string(saved.Frequency)))
	return saved, nil
}

// GetMedication loads one medication.
func (t *Tracker) GetMedication(ctx context.Context, id string) (Medication, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Medication{}, invalid("medication_id", "required")
	}
	m, err := t.meds.get(ctx, id)
	t.storeFailed("get_medication", err)
	return m, err
}

// ListMedications returns a patient's medications ordered by name.
func (t *Tracker) ListMedications(ctx context.Context, patientID string, activeOnly bool) ([]Medication, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, invalid("patient_id", "required")
	}
	filter := store.Filter{"patient_id": patientID}
	if activeOnly {
		filter["is_active"] = true
	}
	meds, err := t.meds.list(ctx, filter)
	t.storeFailed("list_medications", err)
	return meds, err
}

// ActivePatients lists the ids of patients with at least one active medication.
func (t *Tracker) ActivePatients(ctx context.Context) ([]string, error) {
	meds, err := t.meds.list(ctx, store.Filter{"is_active": true})
	if err != nil {
		t.storeFailed("list_medications", err)
		return nil, err
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, m := range meds {
		if _, ok := seen[m.PatientID]; ok {
			continue
		}
		seen[m.PatientID] = struct{}{}
		out = append(out, m.PatientID)
	}
	sort.Strings(out)
	return out, nil
}

// UpdateMedication applies a clinician edit. Changing to a catalog
// frequency resets the times to the catalog list.
func (t *Tracker) UpdateMedication(ctx context.Context, id string, patch MedicationPatch) (Medication, error) {
	m, err := t.GetMedication(ctx, id)
	if err != nil {
		return Medication{}, err
	}
	if err := m.Apply(patch); err != nil {
		return Medication{}, err
	}
	m.UpdatedAt = t.Now()

	saved, err := t.meds.update(ctx, m)
	if err != nil {
		t.storeFailed("update_medication", err)
		return Medication{}, err
	}
	t.logger.Info("medication updated",
		zap.String("medication_id", saved.ID),
		zap.String("frequency", string(saved.Frequency)),
		zap.Strings("times", saved.Times))
	return saved, nil
}

// DeleteMedication removes a medication and its administration instances.
func (t *Tracker) DeleteMedication(ctx context.Context, id string) error {
	m, err := t.GetMedication(ctx, id)
	if err != nil {
		return err
	}
	if err := t.insts.deleteForMedication(ctx, m.ID); err != nil {
		t.storeFailed("delete_instances", err)
		return err
	}
	if err := t.meds.delete(ctx, m.ID); err != nil {
		t.storeFailed("delete_medication", err)
		return err
	}
	t.logger.Info("medication deleted",
		zap.String("medication_id", m.ID),
		zap.String("patient_id", m.PatientID))
	return nil
}

// InstanceFor returns the administration instance of m at date/clock,
// creating it as pending on first use. Calling it twice for the same slot
// returns the same instance.
//
// Uniqueness is check-then-insert. Two clients racing on one slot may both
// insert unless the store enforces the slot index; when it does, the loser
// sees store.ErrConflict and re-reads the winner's row.
func (t *Tracker) InstanceFor(ctx context.Context, m Medication, date Date, clock string) (Instance, error) {
	c, err := ParseClock(clock)
	if err != nil {
		return Instance{}, err
	}
	if date.IsZero() {
		return Instance{}, invalid("date", "required")
	}
	if !m.AcceptsTime(c) {
		return Instance{}, invalid("time", "%s is not a scheduled time of %s", c, m.Name)
	}

	key := SlotKey{MedicationID: m.ID, Date: date, Time: c}
	existing, ok, err := t.insts.find(ctx, key)
	if err != nil {
		t.storeFailed("find_instance", err)
		return Instance{}, err
	}
	if ok {
		return existing, nil
	}

	inst := slotFor(m, date, c, t.loc)
	now := t.Now()
	inst.CreatedAt, inst.UpdatedAt = now, now

	created, err := t.insts.insert(ctx, inst)
	if errors.Is(err, store.ErrConflict) {
		t.logger.Debug("instance created concurrently, re-reading", zap.String("slot", key.String()))
		existing, ok, err = t.insts.find(ctx, key)
		if err == nil && !ok {
			err = &TransientStoreError{Op: "find instance", Err: errors.New("conflicting row vanished")}
		}
		if err != nil {
			t.storeFailed("find_instance", err)
			return Instance{}, err
		}
		return existing, nil
	}
	if err != nil {
		t.storeFailed("insert_instance", err)
		return Instance{}, err
	}
	t.logger.Debug("instance created",
		zap.String("instance_id", created.ID),
		zap.String("slot", key.String()))
	return created, nil
}

// GetInstance loads one administration instance.
func (t *Tracker) GetInstance(ctx context.Context, id string) (Instance, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Instance{}, invalid("instance_id", "required")
	}
	inst, err := t.insts.get(ctx, id)
	t.storeFailed("get_instance", err)
	return inst, err
}

// AdministerOptions carries optional details of an administration.
type AdministerOptions struct {
	By    string
	Notes string
}

// MarkAdministered records the dose as given now. Marking an already
// administered or skipped instance is allowed and simply overwrites it;
// a repeat call refreshes administered_at.
func (t *Tracker) MarkAdministered(ctx context.Context, instanceID string, opts AdministerOptions) (Instance, error) {
	now := t.Now()
	patch := store.Row{
		"status":          string(StatusAdministered),
		"administered_at": now,
		"administered_by": nilIfEmpty(strings.TrimSpace(opts.By)),
		"skip_reason":     nil,
		"updated_at":      now,
	}
	if notes := strings.TrimSpace(opts.Notes); notes != "" {
		patch["notes"] = notes
	}
	return t.transition(ctx, instanceID, patch, StatusAdministered, NotifyAdministered)
}

// MarkSkipped records the dose as skipped. reason must not be blank; a
// blank reason is rejected before anything is written.
func (t *Tracker) MarkSkipped(ctx context.Context, instanceID, reason string) (Instance, error) {
	reason, err := skipReason(reason)
	if err != nil {
		return Instance{}, err
	}
	now := t.Now()
	patch := store.Row{
		"status":          string(StatusSkipped),
		"skip_reason":     reason,
		"administered_at": nil,
		"administered_by": nil,
		"updated_at":      now,
	}
	return t.transition(ctx, instanceID, patch, StatusSkipped, NotifySkipped)
}

// MarkPending undoes a previous administration or skip.
func (t *Tracker) MarkPending(ctx context.Context, instanceID string) (Instance, error) {
	patch := store.Row{
		"status":          string(StatusPending),
		"administered_at": nil,
		"administered_by": nil,
		"skip_reason":     nil,
		"updated_at":      t.Now(),
	}
	return t.transition(ctx, instanceID, patch, StatusPending, NotifyReverted)
}

// MarkSlotAdministered is MarkAdministered for a slot that may not have an
// instance yet.
func (t *Tracker) MarkSlotAdministered(ctx context.Context, medicationID string, date Date, clock string, opts AdministerOptions) (Instance, error) {
	inst, err := t.ensureSlot(ctx, medicationID, date, clock)
	if err != nil {
		return Instance{}, err
	}
	return t.MarkAdministered(ctx, inst.ID, opts)
}

// MarkSlotSkipped is MarkSkipped for a slot that may not have an instance
// yet. The reason is checked before the instance is created.
func (t *Tracker) MarkSlotSkipped(ctx context.Context, medicationID string, date Date, clock, reason string) (Instance, error) {
	if _, err := skipReason(reason); err != nil {
		return Instance{}, err
	}
	inst, err := t.ensureSlot(ctx, medicationID, date, clock)
	if err != nil {
		return Instance{}, err
	}
	return t.MarkSkipped(ctx, inst.ID, reason)
}

// MarkSlotPending is MarkPending for a slot that may not have an instance yet.
func (t *Tracker) MarkSlotPending(ctx context.Context, medicationID string, date Date, clock string) (Instance, error) {
	inst, err := t.ensureSlot(ctx, medicationID, date, clock)
	if err != nil {
		return Instance{}, err
	}
	return t.MarkPending(ctx, inst.ID)
}

func (t *Tracker) ensureSlot(ctx context.Context, medicationID string, date Date, clock string) (Instance, error) {
	m, err := t.GetMedication(ctx, medicationID)
	if err != nil {
		return Instance{}, err
	}
	return t.InstanceFor(ctx, m, date, clock)
}

func (t *Tracker) transition(ctx context.Context, instanceID string, patch store.Row, to Status, kind NotificationType) (Instance, error) {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return Instance{}, invalid("instance_id", "required")
	}
	inst, err := t.insts.update(ctx, instanceID, patch)
	if err != nil {
		t.storeFailed("update_instance", err)
		return Instance{}, err
	}

	t.recorder.ObserveTransition(to)
	t.logger.Info("administration updated",
		zap.String("instance_id", inst.ID),
		zap.String("slot", inst.Key().String()),
		zap.String("status", string(inst.Status)))

	t.notify(ctx, Notification{Type: kind, Instance: inst, At: t.Now()})
	return inst, nil
}

func (t *Tracker) notify(ctx context.Context, n Notification) {
	if t.notifier == nil {
		return
	}
	if n.Medication == nil {
		if m, err := t.meds.get(ctx, n.Instance.MedicationID); err == nil {
			n.Medication = &m
		}
	}
	if err := t.notifier.Notify(ctx, n); err != nil {
		t.logger.Warn("notification failed",
			zap.String("type", string(n.Type)),
			zap.String("slot", n.Instance.Key().String()),
			zap.Error(err))
	}
}

func (t *Tracker) storeFailed(op string, err error) {
	if IsTransient(err) {
		t.recorder.ObserveStoreError(op)
		t.logger.Warn("store call failed", zap.String("op", op), zap.Error(err))
	}
}

func skipReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", invalid("reason", "a reason is required to skip a dose")
	}
	return reason, nil
}
