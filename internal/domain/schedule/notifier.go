package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// NotificationType names an administration event.
type NotificationType string

const (
	NotifyAdministered NotificationType = "dose.administered"
	NotifySkipped      NotificationType = "dose.skipped"
	NotifyReverted     NotificationType = "dose.reverted"
	NotifyDelayed      NotificationType = "dose.delayed"
)

// Notification is what the presentation layer turns into a toast or alert.
type Notification struct {
	Type       NotificationType
	Instance   Instance
	Medication *Medication
	At         time.Time
	Overdue    time.Duration
}

// Notifier receives administration events. Delivery failures never undo
// the action that produced the event.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogNotifier writes every notification to a zap logger.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("type", string(n.Type)),
		zap.String("slot", n.Instance.Key().String()),
		zap.String("patient_id", n.Instance.PatientID),
		zap.String("status", string(n.Instance.Status)),
		zap.Duration("overdue", n.Overdue),
	}
	if n.Medication != nil {
		fields = append(fields, zap.String("medication", n.Medication.Name))
	}
	logger.Info("medication notification", fields...)
	return nil
}

// Notifiers fans a notification out to several sinks and returns the first error.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, x := range ns {
		if x == nil {
			continue
		}
		if err := x.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder receives tracker measurements.
type Recorder interface {
	ObserveTransition(status Status)
	ObserveStoreError(op string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTransition(Status)  {}
func (nopRecorder) ObserveStoreError(string) {}
