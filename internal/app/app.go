// Package app holds the startup wiring shared by the medtrack binaries.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carepath/medtrack/internal/config"
	"github.com/carepath/medtrack/internal/domain/schedule"
	"github.com/carepath/medtrack/internal/infrastructure/memory"
	"github.com/carepath/medtrack/internal/infrastructure/postgres"
	"github.com/carepath/medtrack/internal/infrastructure/redpanda"
	"github.com/carepath/medtrack/internal/observability/metrics"
	"github.com/carepath/medtrack/internal/store"
)

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zc.Level = level
	return zc.Build()
}

// NewMemoryStore returns an in-memory store with the same unique
// constraints as the Postgres schema.
func NewMemoryStore() *memory.Store {
	return memory.New(
		memory.WithUniqueIndex(store.TableAdministrations, "medication_id", "local_date", "local_time"),
		memory.WithUniqueIndex(store.TableFamilyGrants, "token_hash"),
	)
}

// Store is the persistence stack: a backend wrapped in per-table breakers.
type Store struct {
	*store.Breaker
	Backend string
	pool    *pgxpool.Pool
}

// OpenStore connects to Postgres when database.url is set and falls back
// to the in-memory store otherwise. m may be nil.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*Store, error) {
	s := &Store{Backend: "memory"}
	var backend store.Store

	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("parse database url: %w", err)
		}
		if cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Database.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("database ping: %w", err)
		}
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
			logger.Info("database schema applied")
		}
		s.pool = pool
		s.Backend = "postgres"
		backend = postgres.NewStore(pool, logger)
	} else {
		logger.Warn("database.url not set, using in-memory store")
		backend = NewMemoryStore()
	}

	cbCfg := cfg.CircuitBreaker("store")
	if m != nil {
		cbCfg.OnStateChange = m.BreakerStateChanged
	}
	s.Breaker = store.NewBreaker(backend, cbCfg, logger)
	logger.Info("store ready", zap.String("backend", s.Backend))
	return s, nil
}

// Ready fails while any table breaker is open or the database is unreachable.
func (s *Store) Ready(ctx context.Context) error {
	for _, h := range s.Health() {
		if !h.Healthy {
			return fmt.Errorf("store breaker %s is %s", h.Name, h.State)
		}
	}
	if s.pool != nil {
		if err := s.pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping: %w", err)
		}
	}
	return nil
}

// Close releases the database pool, if any.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Outbox returns the dose event outbox. It needs the Postgres backend.
func (s *Store) Outbox(cfg *config.Config, logger *zap.Logger) (*postgres.Outbox, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("the dose event outbox needs database.url")
	}
	ocfg := postgres.DefaultOutboxConfig()
	ocfg.PollInterval = cfg.Kafka.OutboxPollInterval
	ocfg.Retention = cfg.Kafka.OutboxRetention
	ocfg.DeadLetterTopic = redpanda.TopicDeadLetter
	return postgres.NewOutbox(s.pool, ocfg, logger), nil
}

// Events bundles the notification sinks of a process.
type Events struct {
	Notifier schedule.Notifier
	producer *redpanda.Producer
}

// OpenEvents always logs notifications. With kafka.outbox it also queues
// them in st's outbox; otherwise it publishes them straight to Redpanda
// when kafka.brokers is set. m may be nil.
func OpenEvents(cfg *config.Config, st *Store, logger *zap.Logger, m *metrics.Metrics) (*Events, error) {
	sinks := schedule.Notifiers{schedule.LogNotifier{Logger: logger}}
	ev := &Events{}

	if cfg.Kafka.Outbox {
		outbox, err := st.Outbox(cfg, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, redpanda.NewNotifier(outbox, nil))
		logger.Info("queueing dose events in the outbox")
	} else if len(cfg.Kafka.Brokers) > 0 {
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.Kafka.Brokers
		producer, err := redpanda.NewProducer(pcfg, logger)
		if err != nil {
			return nil, err
		}
		var onPublished func(schedule.NotificationType)
		if m != nil {
			onPublished = m.NotificationPublished
		}
		sinks = append(sinks, redpanda.NewNotifier(producer, onPublished))
		ev.producer = producer
		logger.Info("publishing dose events", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	ev.Notifier = sinks
	return ev, nil
}

// Close flushes and closes the producer, if any.
func (e *Events) Close() {
	if e.producer != nil {
		e.producer.Close()
	}
}

// NewTracker builds the schedule tracker for cfg's clinic zone. m may be nil.
func NewTracker(cfg *config.Config, st store.Store, notifier schedule.Notifier, logger *zap.Logger, m *metrics.Metrics) (*schedule.Tracker, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	opts := []schedule.Option{
		schedule.WithLocation(loc),
		schedule.WithLogger(logger),
		schedule.WithNotifier(notifier),
	}
	if m != nil {
		opts = append(opts, schedule.WithRecorder(m))
	}
	return schedule.NewTracker(st, opts...), nil
}
