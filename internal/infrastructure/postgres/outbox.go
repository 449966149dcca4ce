package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is one dose event waiting to be relayed.
type OutboxEntry struct {
	ID          int64
	Topic       string
	Key         string
	Payload     json.RawMessage
	CreatedAt   time.Time
	ProcessedAt *time.Time
	RetryCount  int
	LastError   *string
}

// OutboxConfig holds configuration for the outbox relay.
type OutboxConfig struct {
	// BatchSize is the number of entries relayed per transaction
	BatchSize int
	// PollInterval is how often the relay looks for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry goes to
	// the dead letter topic
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
	// Retention is how long relayed entries are kept
	Retention time.Duration
	// MaintenanceInterval spaces dead letter and cleanup passes
	MaintenanceInterval time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:           100,
		PollInterval:        500 * time.Millisecond,
		MaxRetries:          5,
		DeadLetterTopic:     "medication.dead_letter",
		Retention:           7 * 24 * time.Hour,
		MaintenanceInterval: time.Minute,
	}
}

// relayLockID keeps a single relay active; entries for one patient must be
// published in order.
const relayLockID int64 = 0x6d656474726b

// OutboxDB is the subset of *pgxpool.Pool the outbox needs.
type OutboxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ OutboxDB = (*pgxpool.Pool)(nil)

// OutboxPublisher delivers relayed entries to the event stream.
type OutboxPublisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// Outbox stores dose events in Postgres and relays them to Redpanda.
// The tracker writes through ProduceMessage; a relay process drains the
// table with Relay.
type Outbox struct {
	db     OutboxDB
	config OutboxConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewOutbox creates an outbox over db.
func NewOutbox(db OutboxDB, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}
	return &Outbox{
		db:     db,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("outbox"),
	}
}

// ProduceMessage queues value for the relay. It has the producer's
// signature so the event notifier can write here instead of to a broker.
func (o *Outbox) ProduceMessage(ctx context.Context, topic, key string, value []byte) error {
	_, err := o.db.Exec(ctx,
		`INSERT INTO dose_event_outbox (topic, event_key, payload) VALUES ($1, $2, $3)`,
		topic, key, value)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Relay publishes pending entries until ctx is cancelled.
func (o *Outbox) Relay(ctx context.Context, pub OutboxPublisher) error {
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()
	lastMaintenance := time.Now()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}

		if _, err := o.RelayBatch(ctx, pub); err != nil && ctx.Err() == nil {
			o.logger.Error("outbox batch failed", zap.Error(err))
		}

		if time.Since(lastMaintenance) < o.config.MaintenanceInterval {
			continue
		}
		lastMaintenance = time.Now()
		if n, err := o.MoveToDeadLetter(ctx, pub); err != nil {
			o.logger.Error("dead letter pass failed", zap.Error(err))
		} else if n > 0 {
			o.logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
		}
		if n, err := o.CleanupProcessed(ctx, o.config.Retention); err != nil {
			o.logger.Error("outbox cleanup failed", zap.Error(err))
		} else if n > 0 {
			o.logger.Debug("outbox cleaned", zap.Int64("deleted", n))
		}
	}
}

// RelayBatch publishes up to BatchSize pending entries in insertion order
// and returns how many were published. After a failed publish, later
// entries with the same key wait for the next batch.
func (o *Outbox) RelayBatch(ctx context.Context, pub OutboxPublisher) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()

	tx, err := o.db.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", relayLockID).Scan(&acquired); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil // another relay is active
	}

	entries, err := fetchPending(ctx, tx, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	blocked := make(map[string]bool)
	for _, entry := range entries {
		if blocked[entry.Key] {
			continue
		}
		if err := o.relayEntry(ctx, tx, pub, entry); err != nil {
			blocked[entry.Key] = true
			o.logger.Error("failed to relay outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("topic", entry.Topic),
				zap.Error(err))
			continue
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("commit: %w", err)
	}
	return published, nil
}

func fetchPending(ctx context.Context, tx pgx.Tx, maxRetries, limit int) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, topic, event_key, payload, created_at, retry_count, last_error
		FROM dose_event_outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.Topic, &e.Key, &e.Payload, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *Outbox) relayEntry(ctx context.Context, tx pgx.Tx, pub OutboxPublisher, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox.relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("topic", entry.Topic),
		))
	defer span.End()

	if err := pub.ProduceMessage(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		span.RecordError(err)
		if uerr := savepointExec(ctx, tx, `
			UPDATE dose_event_outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, err.Error(), entry.ID); uerr != nil {
			o.logger.Error("failed to update retry count", zap.Error(uerr))
		}
		return fmt.Errorf("publish failed: %w", err)
	}

	if err := savepointExec(ctx, tx, `
		UPDATE dose_event_outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	return nil
}

// savepointExec runs one bookkeeping statement inside a savepoint. A failed
// statement is rolled back to the savepoint, so tx stays usable and the
// updates already made in the batch still commit.
func savepointExec(ctx context.Context, tx pgx.Tx, sql string, args ...any) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if _, err := sp.Exec(ctx, sql, args...); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

// deadLetter wraps an exhausted entry with its delivery history.
func deadLetter(e *OutboxEntry) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"original_topic": e.Topic,
		"key":            e.Key,
		"payload":        e.Payload,
		"retry_count":    e.RetryCount,
		"last_error":     e.LastError,
		"created_at":     e.CreatedAt,
	})
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead letter topic and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context, pub OutboxPublisher) (int64, error) {
	tx, err := o.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, topic, event_key, payload, created_at, retry_count, last_error
		FROM dose_event_outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED`, o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	var exhausted []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.Topic, &e.Key, &e.Payload, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan failed: %w", err)
		}
		exhausted = append(exhausted, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, e := range exhausted {
		payload, err := deadLetter(e)
		if err != nil {
			o.logger.Error("failed to encode dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if err := pub.ProduceMessage(ctx, o.config.DeadLetterTopic, e.Key, payload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Error(err))
			continue
		}
		if err := savepointExec(ctx, tx,
			`UPDATE dose_event_outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
			o.logger.Error("failed to mark dead letter entry", zap.Error(err))
			continue
		}
		count++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return count, nil
}

// CleanupProcessed removes relayed entries older than olderThan.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.db.Exec(ctx, `
		DELETE FROM dose_event_outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarizes the outbox table.
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// Stats returns current outbox statistics. Processed covers the last day.
func (o *Outbox) Stats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM dose_event_outbox`, o.config.MaxRetries).
		Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
