package schedule

import (
	"strings"
	"time"

	"github.com/carepath/medtrack/internal/store"
)

// Medication is one entry of a patient's medication plan.
type Medication struct {
	ID           string
	PatientID    string
	Name         string
	Dose         string
	Frequency    Frequency
	Times        []string
	StartDate    Date
	Instructions string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MedicationInput carries the clinician-entered fields of a new medication.
// Times is only read for custom and as_needed frequencies.
type MedicationInput struct {
	PatientID    string
	Name         string
	Dose         string
	Frequency    Frequency
	Times        []string
	StartDate    Date
	Instructions string
	Active       *bool
}

// MedicationPatch lists the editable fields; nil means unchanged.
type MedicationPatch struct {
	Name         *string
	Dose         *string
	Frequency    *Frequency
	Times        []string
	Instructions *string
	Active       *bool
}

// NewMedication validates in and returns an unsaved medication. Catalog
// frequencies take their canonical times.
func NewMedication(in MedicationInput) (Medication, error) {
	m := Medication{
		PatientID:    strings.TrimSpace(in.PatientID),
		Name:         strings.TrimSpace(in.Name),
		Dose:         strings.TrimSpace(in.Dose),
		StartDate:    in.StartDate,
		Instructions: strings.TrimSpace(in.Instructions),
		Active:       true,
	}
	if in.Active != nil {
		m.Active = *in.Active
	}
	if err := m.SetFrequency(in.Frequency, in.Times...); err != nil {
		return Medication{}, err
	}
	if err := m.Validate(); err != nil {
		return Medication{}, err
	}
	return m, nil
}

// SetFrequency switches the frequency. A catalog frequency always resets
// Times to its canonical list, discarding earlier edits; custom and
// as_needed take the supplied times instead.
func (m *Medication) SetFrequency(f Frequency, times ...string) error {
	canonical, err := TimesFor(f)
	if err != nil {
		return err
	}
	if f.Flexible() {
		canonical, err = normalizeTimes(times)
		if err != nil {
			return err
		}
	}
	m.Frequency = f
	m.Times = canonical
	return nil
}

// SetTimes replaces the clock times without touching the frequency.
func (m *Medication) SetTimes(times []string) error {
	norm, err := normalizeTimes(times)
	if err != nil {
		return err
	}
	if len(norm) == 0 && !m.Frequency.Flexible() {
		return invalid("times", "frequency %s needs at least one time", m.Frequency)
	}
	m.Times = norm
	return nil
}

// Apply edits m in place, all or nothing. A frequency change goes through
// SetFrequency, so patch times only count for custom and as_needed; without
// a frequency change, patch times replace the current list.
func (m *Medication) Apply(p MedicationPatch) error {
	next := *m
	next.Times = append([]string(nil), m.Times...)

	if p.Name != nil {
		next.Name = strings.TrimSpace(*p.Name)
	}
	if p.Dose != nil {
		next.Dose = strings.TrimSpace(*p.Dose)
	}
	if p.Instructions != nil {
		next.Instructions = strings.TrimSpace(*p.Instructions)
	}
	if p.Active != nil {
		next.Active = *p.Active
	}
	if p.Frequency != nil && *p.Frequency != next.Frequency {
		if err := next.SetFrequency(*p.Frequency, p.Times...); err != nil {
			return err
		}
	} else if p.Times != nil {
		if err := next.SetTimes(p.Times); err != nil {
			return err
		}
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*m = next
	return nil
}

// Validate checks the medication invariants.
func (m Medication) Validate() error {
	if m.PatientID == "" {
		return invalid("patient_id", "required")
	}
	if m.Name == "" {
		return invalid("name", "required")
	}
	if m.Dose == "" {
		return invalid("dose", "required")
	}
	if _, ok := catalog[m.Frequency]; !ok {
		return invalid("frequency", "unknown frequency %q", string(m.Frequency))
	}
	if m.StartDate.IsZero() {
		return invalid("start_date", "required")
	}
	if len(m.Times) == 0 && !m.Frequency.Flexible() {
		return invalid("times", "frequency %s needs at least one time", m.Frequency)
	}
	seen := make(map[string]struct{}, len(m.Times))
	for _, t := range m.Times {
		c, err := ParseClock(t)
		if err != nil {
			return err
		}
		if c.String() != t {
			return invalid("times", "%q is not zero-padded HH:MM", t)
		}
		if _, dup := seen[t]; dup {
			return invalid("times", "%q listed twice", t)
		}
		seen[t] = struct{}{}
	}
	return nil
}

// AcceptsTime reports whether a dose may be recorded at clock c. Catalog
// frequencies only accept their configured times; custom and as_needed
// accept any ad-hoc time.
func (m Medication) AcceptsTime(c Clock) bool {
	if m.Frequency.Flexible() {
		return true
	}
	s := c.String()
	for _, t := range m.Times {
		if t == s {
			return true
		}
	}
	return false
}

// ScheduledOn reports whether m produces slots on d.
func (m Medication) ScheduledOn(d Date) bool {
	return m.Active && !d.Before(m.StartDate)
}

func (m Medication) toRow() store.Row {
	return store.Row{
		"id":           m.ID,
		"patient_id":   m.PatientID,
		"name":         m.Name,
		"dose":         m.Dose,
		"frequency":    string(m.Frequency),
		"times":        append([]string{}, m.Times...),
		"start_date":   m.StartDate.String(),
		"instructions": m.Instructions,
		"is_active":    m.Active,
		"created_at":   m.CreatedAt,
		"updated_at":   m.UpdatedAt,
	}
}

func medicationFromRow(r store.Row) (Medication, error) {
	start, err := ParseDate(r.String("start_date"))
	if err != nil {
		return Medication{}, err
	}
	m := Medication{
		ID:           r.String("id"),
		PatientID:    r.String("patient_id"),
		Name:         r.String("name"),
		Dose:         r.String("dose"),
		Frequency:    Frequency(r.String("frequency")),
		Times:        r.Strings("times"),
		StartDate:    start,
		Instructions: r.String("instructions"),
		Active:       r.Bool("is_active"),
	}
	if m.Times == nil {
		m.Times = []string{}
	}
	m.CreatedAt, _ = r.Time("created_at")
	m.UpdatedAt, _ = r.Time("updated_at")
	return m, nil
}
