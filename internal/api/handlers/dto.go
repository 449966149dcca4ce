package handlers

import (
	"time"

	"github.com/carepath/medtrack/internal/domain/familyaccess"
	"github.com/carepath/medtrack/internal/domain/schedule"
)

// MedicationRequest is the body of POST /medications.
type MedicationRequest struct {
	PatientID    string   `json:"patient_id"`
	Name         string   `json:"name"`
	Dose         string   `json:"dose"`
	Frequency    string   `json:"frequency"`
	Times        []string `json:"times,omitempty"`
	StartDate    string   `json:"start_date,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	IsActive     *bool    `json:"is_active,omitempty"`
}

// MedicationPatchRequest is the body of PATCH /medications/{id}. Absent
// fields are left unchanged.
type MedicationPatchRequest struct {
	Name         *string  `json:"name,omitempty"`
	Dose         *string  `json:"dose,omitempty"`
	Frequency    *string  `json:"frequency,omitempty"`
	Times        []string `json:"times,omitempty"`
	Instructions *string  `json:"instructions,omitempty"`
	IsActive     *bool    `json:"is_active,omitempty"`
}

func (p MedicationPatchRequest) toPatch() (schedule.MedicationPatch, error) {
	patch := schedule.MedicationPatch{
		Name:         p.Name,
		Dose:         p.Dose,
		Times:        p.Times,
		Instructions: p.Instructions,
		Active:       p.IsActive,
	}
	if p.Frequency != nil {
		f, err := schedule.ParseFrequency(*p.Frequency)
		if err != nil {
			return schedule.MedicationPatch{}, err
		}
		patch.Frequency = &f
	}
	return patch, nil
}

// MedicationResponse is the wire form of a medication.
type MedicationResponse struct {
	ID           string    `json:"id"`
	PatientID    string    `json:"patient_id"`
	Name         string    `json:"name"`
	Dose         string    `json:"dose"`
	Frequency    string    `json:"frequency"`
	Times        []string  `json:"times"`
	StartDate    string    `json:"start_date"`
	Instructions string    `json:"instructions,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func medicationResponse(m schedule.Medication) MedicationResponse {
	times := m.Times
	if times == nil {
		times = []string{}
	}
	return MedicationResponse{
		ID:           m.ID,
		PatientID:    m.PatientID,
		Name:         m.Name,
		Dose:         m.Dose,
		Frequency:    string(m.Frequency),
		Times:        times,
		StartDate:    m.StartDate.String(),
		Instructions: m.Instructions,
		IsActive:     m.Active,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

// FrequencyResponse is one catalog entry.
type FrequencyResponse struct {
	Frequency string   `json:"frequency"`
	Times     []string `json:"times"`
	Flexible  bool     `json:"flexible"`
}

// InstanceResponse is an administration instance with its derived state.
// ID is empty for a slot nobody has acted on yet.
type InstanceResponse struct {
	ID             string     `json:"id,omitempty"`
	SlotKey        string     `json:"slot_key"`
	MedicationID   string     `json:"medication_id"`
	MedicationName string     `json:"medication_name,omitempty"`
	Dose           string     `json:"dose,omitempty"`
	PatientID      string     `json:"patient_id"`
	Date           string     `json:"date"`
	Time           string     `json:"time"`
	ScheduledTime  time.Time  `json:"scheduled_time"`
	Status         string     `json:"status"`
	State          string     `json:"state"`
	AdministeredAt *time.Time `json:"administered_at,omitempty"`
	AdministeredBy string     `json:"administered_by,omitempty"`
	SkipReason     string     `json:"skip_reason,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	DueIn          string     `json:"due_in,omitempty"`
	OverdueBy      string     `json:"overdue_by,omitempty"`
}

func instanceResponse(inst schedule.Instance, med *schedule.Medication, now time.Time) InstanceResponse {
	state := schedule.Classify(inst, now).State()
	resp := InstanceResponse{
		ID:             inst.ID,
		SlotKey:        inst.Key().String(),
		MedicationID:   inst.MedicationID,
		PatientID:      inst.PatientID,
		Date:           inst.Date.String(),
		Time:           inst.Time.String(),
		ScheduledTime:  inst.ScheduledAt,
		Status:         string(inst.Status),
		State:          string(state),
		AdministeredAt: inst.AdministeredAt,
		AdministeredBy: inst.AdministeredBy,
		SkipReason:     inst.SkipReason,
		Notes:          inst.Notes,
	}
	if med != nil {
		resp.MedicationName = med.Name
		resp.Dose = med.Dose
	}
	switch state {
	case schedule.StatePendingOnTime:
		resp.DueIn = schedule.FormatCountdown(inst.ScheduledAt.Sub(now))
	case schedule.StateDelayed:
		resp.OverdueBy = schedule.FormatCountdown(now.Sub(inst.ScheduledAt))
	}
	return resp
}

// SummaryResponse counts one day's doses. Delayed is a subset of pending.
type SummaryResponse struct {
	Date         string `json:"date"`
	Administered int    `json:"administered"`
	Pending      int    `json:"pending"`
	Skipped      int    `json:"skipped"`
	Delayed      int    `json:"delayed"`
	Total        int    `json:"total"`
}

func summaryResponse(s schedule.Summary) SummaryResponse {
	return SummaryResponse{
		Date:         s.Date.String(),
		Administered: s.AdministeredCount,
		Pending:      s.PendingCount,
		Skipped:      s.SkippedCount,
		Delayed:      s.DelayedCount,
		Total:        s.Total(),
	}
}

// DayScheduleResponse is a patient's day as seen at Now.
type DayScheduleResponse struct {
	PatientID string             `json:"patient_id"`
	Date      string             `json:"date"`
	Timezone  string             `json:"timezone"`
	Now       time.Time          `json:"now"`
	Instances []InstanceResponse `json:"instances"`
	Summary   SummaryResponse    `json:"summary"`
}

// NextDueResponse wraps the next dose; NextDue is null when nothing is
// pending in the rest of today or tomorrow.
type NextDueResponse struct {
	NextDue *NextDoseResponse `json:"next_due"`
}

// NextDoseResponse is the soonest pending dose with its countdown.
type NextDoseResponse struct {
	Instance         InstanceResponse `json:"instance"`
	CountdownSeconds int64            `json:"countdown_seconds"`
	Countdown        string           `json:"countdown"`
	Overdue          bool             `json:"overdue"`
}

// DelayedResponse lists past-due pending doses, most overdue first.
type DelayedResponse struct {
	PatientID string                `json:"patient_id"`
	Now       time.Time             `json:"now"`
	Doses     []OverdueDoseResponse `json:"doses"`
}

// OverdueDoseResponse is one delayed dose.
type OverdueDoseResponse struct {
	Instance       InstanceResponse `json:"instance"`
	OverdueSeconds int64            `json:"overdue_seconds"`
}

// AdministerRequest is the optional body of an administer transition.
type AdministerRequest struct {
	AdministeredBy string `json:"administered_by,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// SkipRequest is the body of a skip transition.
type SkipRequest struct {
	Reason string `json:"reason"`
}

// GrantRequest is the body of POST /patients/{patientID}/family-grants.
type GrantRequest struct {
	GrantedBy    string   `json:"granted_by"`
	MemberName   string   `json:"member_name"`
	Relationship string   `json:"relationship,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
	// TTL is a Go duration string such as "720h". Empty never expires.
	TTL string `json:"ttl,omitempty"`
}

// GrantResponse is the wire form of a grant. Token is only set on issue.
type GrantResponse struct {
	ID           string     `json:"id"`
	PatientID    string     `json:"patient_id"`
	GrantedBy    string     `json:"granted_by"`
	MemberName   string     `json:"member_name"`
	Relationship string     `json:"relationship,omitempty"`
	Permissions  []string   `json:"permissions"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	Token        string     `json:"token,omitempty"`
}

func grantResponse(g familyaccess.Grant) GrantResponse {
	perms := make([]string, 0, len(g.Permissions))
	for _, p := range g.Permissions {
		perms = append(perms, string(p))
	}
	return GrantResponse{
		ID:           g.ID,
		PatientID:    g.PatientID,
		GrantedBy:    g.GrantedBy,
		MemberName:   g.MemberName,
		Relationship: g.Relationship,
		Permissions:  perms,
		ExpiresAt:    g.ExpiresAt,
		RevokedAt:    g.RevokedAt,
		CreatedAt:    g.CreatedAt,
	}
}
