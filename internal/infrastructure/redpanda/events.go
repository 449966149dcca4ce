package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/carepath/medtrack/internal/domain/schedule"
)

// DoseEvent is the JSON payload published for every notification.
type DoseEvent struct {
	Type           string     `json:"type"`
	OccurredAt     time.Time  `json:"occurred_at"`
	InstanceID     string     `json:"instance_id,omitempty"`
	SlotKey        string     `json:"slot_key"`
	MedicationID   string     `json:"medication_id"`
	MedicationName string     `json:"medication_name,omitempty"`
	Dose           string     `json:"dose,omitempty"`
	PatientID      string     `json:"patient_id"`
	LocalDate      string     `json:"local_date"`
	LocalTime      string     `json:"local_time"`
	ScheduledTime  time.Time  `json:"scheduled_time"`
	Status         string     `json:"status"`
	AdministeredAt *time.Time `json:"administered_at,omitempty"`
	AdministeredBy string     `json:"administered_by,omitempty"`
	SkipReason     string     `json:"skip_reason,omitempty"`
	OverdueSeconds int64      `json:"overdue_seconds,omitempty"`
}

// NewDoseEvent flattens a notification into its wire form.
func NewDoseEvent(n schedule.Notification) DoseEvent {
	inst := n.Instance
	ev := DoseEvent{
		Type:           string(n.Type),
		OccurredAt:     n.At.UTC(),
		InstanceID:     inst.ID,
		SlotKey:        inst.Key().String(),
		MedicationID:   inst.MedicationID,
		PatientID:      inst.PatientID,
		LocalDate:      inst.Date.String(),
		LocalTime:      inst.Time.String(),
		ScheduledTime:  inst.ScheduledAt,
		Status:         string(inst.Status),
		AdministeredAt: inst.AdministeredAt,
		AdministeredBy: inst.AdministeredBy,
		SkipReason:     inst.SkipReason,
		OverdueSeconds: int64(n.Overdue / time.Second),
	}
	if n.Medication != nil {
		ev.MedicationName = n.Medication.Name
		ev.Dose = n.Medication.Dose
	}
	return ev
}

// TopicFor routes administration changes and alerts to their topics.
func TopicFor(t schedule.NotificationType) string {
	if t == schedule.NotifyDelayed {
		return TopicMedicationAlerts
	}
	return TopicMedicationAdministrations
}

// Publisher is the producer surface the notifier needs.
type Publisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// Notifier publishes schedule notifications as DoseEvents keyed by patient,
// so one patient's events stay ordered within a partition.
type Notifier struct {
	pub         Publisher
	onPublished func(schedule.NotificationType)
}

// NewNotifier creates a notifier. onPublished may be nil.
func NewNotifier(pub Publisher, onPublished func(schedule.NotificationType)) *Notifier {
	return &Notifier{pub: pub, onPublished: onPublished}
}

// Notify implements schedule.Notifier.
func (n *Notifier) Notify(ctx context.Context, note schedule.Notification) error {
	value, err := json.Marshal(NewDoseEvent(note))
	if err != nil {
		return fmt.Errorf("encode dose event: %w", err)
	}
	if err := n.pub.ProduceMessage(ctx, TopicFor(note.Type), note.Instance.PatientID, value); err != nil {
		return fmt.Errorf("publish %s: %w", note.Type, err)
	}
	if n.onPublished != nil {
		n.onPublished(note.Type)
	}
	return nil
}
