// Package monitor periodically looks for doses that are past due and still
// pending, and raises one delayed notification per slot.
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carepath/medtrack/internal/domain/schedule"
	"github.com/carepath/medtrack/pkg/workerpool"
)

// Tracker is the part of schedule.Tracker the monitor uses.
type Tracker interface {
	ActivePatients(ctx context.Context) ([]string, error)
	PatientDelayed(ctx context.Context, patientID string, now time.Time) ([]schedule.OverdueDose, error)
	GetMedication(ctx context.Context, id string) (schedule.Medication, error)
	Notify(ctx context.Context, n schedule.Notification)
	Location() *time.Location
	Now() time.Time
}

// Config controls the sweep cadence and fan-out.
type Config struct {
	Interval time.Duration
	// Grace is how long past the scheduled time a dose may stay pending
	// before it is reported.
	Grace time.Duration
	Pool  workerpool.Config
}

// DefaultConfig returns a one-minute sweep with no grace period.
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
		Pool:     workerpool.DefaultConfig(),
	}
}

// SweepStats describes one sweep.
type SweepStats struct {
	Patients int
	Delayed  int
	Notified int
	Failed   int
	Duration time.Duration
}

// Monitor finds delayed doses for every patient with active medications.
type Monitor struct {
	tracker Tracker
	cfg     Config
	pool    *workerpool.Pool
	logger  *zap.Logger

	// OnSweep, when set, receives the stats of every finished sweep.
	OnSweep func(SweepStats)

	mu       sync.Mutex
	notified map[string]schedule.Date
}

// New creates a monitor.
func New(tracker Tracker, cfg Config, logger *zap.Logger) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	m := &Monitor{
		tracker:  tracker,
		cfg:      cfg,
		logger:   logger,
		notified: make(map[string]schedule.Date),
	}
	pool, err := workerpool.New(cfg.Pool, m.checkPatient, logger)
	if err != nil {
		return nil, err
	}
	m.pool = pool
	return m, nil
}

// Run sweeps immediately and then every Interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("dose sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep checks every active patient once.
func (m *Monitor) Sweep(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	now := m.tracker.Now()

	patients, err := m.tracker.ActivePatients(ctx)
	if err != nil {
		return SweepStats{}, err
	}

	tasks := make([]*workerpool.Task, 0, len(patients))
	for _, id := range patients {
		tasks = append(tasks, &workerpool.Task{ID: id, Payload: now})
	}

	stats := SweepStats{Patients: len(patients)}
	for _, res := range m.pool.Process(ctx, tasks) {
		if !res.Success {
			stats.Failed++
			continue
		}
		for _, d := range res.Data.([]schedule.OverdueDose) {
			if d.Overdue < m.cfg.Grace {
				continue
			}
			stats.Delayed++
			if !m.markNotified(d.Instance.Key()) {
				continue
			}
			m.tracker.Notify(ctx, m.delayedNotification(ctx, d, now))
			stats.Notified++
		}
	}
	m.prune(schedule.DateOf(now.In(m.tracker.Location())))

	stats.Duration = time.Since(start)
	m.logger.Info("dose sweep finished",
		zap.Int("patients", stats.Patients),
		zap.Int("delayed", stats.Delayed),
		zap.Int("notified", stats.Notified),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", stats.Duration))
	if m.OnSweep != nil {
		m.OnSweep(stats)
	}
	return stats, nil
}

func (m *Monitor) checkPatient(ctx context.Context, task *workerpool.Task) (interface{}, error) {
	return m.tracker.PatientDelayed(ctx, task.ID, task.Payload.(time.Time))
}

func (m *Monitor) delayedNotification(ctx context.Context, d schedule.OverdueDose, now time.Time) schedule.Notification {
	n := schedule.Notification{
		Type:     schedule.NotifyDelayed,
		Instance: d.Instance,
		At:       now,
		Overdue:  d.Overdue,
	}
	if med, err := m.tracker.GetMedication(ctx, d.Instance.MedicationID); err == nil {
		n.Medication = &med
	}
	return n
}

// markNotified records key and reports whether it was new.
func (m *Monitor) markNotified(key schedule.SlotKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := key.String()
	if _, ok := m.notified[s]; ok {
		return false
	}
	m.notified[s] = key.Date
	return true
}

// prune forgets slots from before yesterday.
func (m *Monitor) prune(today schedule.Date) {
	cutoff := today.AddDays(-1)
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, d := range m.notified {
		if d.Before(cutoff) {
			delete(m.notified, k)
		}
	}
}
