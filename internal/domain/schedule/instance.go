package schedule

import (
	"time"

	"github.com/carepath/medtrack/internal/store"
)

// Status is the persisted lifecycle state of an administration instance.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAdministered Status = "administered"
	StatusSkipped      Status = "skipped"
)

// SlotKey identifies one administration slot. It is computed from local
// calendar fields only, so every client derives the same key for the same
// logical dose regardless of its own time zone.
type SlotKey struct {
	MedicationID string
	Date         Date
	Time         Clock
}

// String renders the key as "<medication_id>/<YYYY-MM-DD>/<HH:MM>".
func (k SlotKey) String() string {
	return k.MedicationID + "/" + k.Date.String() + "/" + k.Time.String()
}

func (k SlotKey) filter() store.Filter {
	return store.Filter{
		"medication_id": k.MedicationID,
		"local_date":    k.Date.String(),
		"local_time":    k.Time.String(),
	}
}

// Instance is one dated occurrence of a medication dose. An Instance with
// an empty ID is a virtual slot that has not been persisted yet.
type Instance struct {
	ID             string
	MedicationID   string
	PatientID      string
	Date           Date
	Time           Clock
	ScheduledAt    time.Time
	Status         Status
	AdministeredAt *time.Time
	AdministeredBy string
	SkipReason     string
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Key returns the slot key of the instance.
func (i Instance) Key() SlotKey {
	return SlotKey{MedicationID: i.MedicationID, Date: i.Date, Time: i.Time}
}

// Persisted reports whether the instance exists in the store.
func (i Instance) Persisted() bool { return i.ID != "" }

// slotFor builds the pending, unsaved instance for m at d/c in loc.
func slotFor(m Medication, d Date, c Clock, loc *time.Location) Instance {
	return Instance{
		MedicationID: m.ID,
		PatientID:    m.PatientID,
		Date:         d,
		Time:         c,
		ScheduledAt:  d.At(c, loc),
		Status:       StatusPending,
	}
}

func (i Instance) toRow() store.Row {
	row := store.Row{
		"medication_id":   i.MedicationID,
		"patient_id":      i.PatientID,
		"local_date":      i.Date.String(),
		"local_time":      i.Time.String(),
		"scheduled_time":  i.ScheduledAt,
		"status":          string(i.Status),
		"administered_at": nil,
		"administered_by": nilIfEmpty(i.AdministeredBy),
		"skip_reason":     nilIfEmpty(i.SkipReason),
		"notes":           nilIfEmpty(i.Notes),
		"created_at":      i.CreatedAt,
		"updated_at":      i.UpdatedAt,
	}
	if i.ID != "" {
		row["id"] = i.ID
	}
	if i.AdministeredAt != nil {
		row["administered_at"] = *i.AdministeredAt
	}
	return row
}

func instanceFromRow(r store.Row) (Instance, error) {
	d, err := ParseDate(r.String("local_date"))
	if err != nil {
		return Instance{}, err
	}
	c, err := ParseClock(r.String("local_time"))
	if err != nil {
		return Instance{}, err
	}
	i := Instance{
		ID:             r.String("id"),
		MedicationID:   r.String("medication_id"),
		PatientID:      r.String("patient_id"),
		Date:           d,
		Time:           c,
		Status:         Status(r.String("status")),
		AdministeredBy: r.String("administered_by"),
		SkipReason:     r.String("skip_reason"),
		Notes:          r.String("notes"),
	}
	i.ScheduledAt, _ = r.Time("scheduled_time")
	if at, ok := r.Time("administered_at"); ok {
		i.AdministeredAt = &at
	}
	i.CreatedAt, _ = r.Time("created_at")
	i.UpdatedAt, _ = r.Time("updated_at")
	return i, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
