package app

import (
	"context"
	"testing"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carepath/medtrack/internal/config"
	"github.com/carepath/medtrack/internal/domain/schedule"
	"github.com/carepath/medtrack/internal/store"
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = NewLogger(config.LoggingConfig{Level: "chatty"})
	assert.Error(t, err)
}

func TestOpenStoreFallsBackToMemory(t *testing.T) {
	cfg := loadConfig(t)
	st, err := OpenStore(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer st.Close()

	assert.Equal(t, "memory", st.Backend)
	require.NoError(t, st.Ready(context.Background()))

	_, err = st.Insert(context.Background(), store.TableAdministrations, store.Row{
		"medication_id": "m1", "local_date": "2024-05-14", "local_time": "08:00",
	})
	require.NoError(t, err)
	_, err = st.Insert(context.Background(), store.TableAdministrations, store.Row{
		"medication_id": "m1", "local_date": "2024-05-14", "local_time": "08:00",
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestOpenEventsWithoutBrokersOnlyLogs(t *testing.T) {
	cfg := loadConfig(t)
	st, err := OpenStore(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)

	ev, err := OpenEvents(cfg, st, zap.NewNop(), nil)
	require.NoError(t, err)
	defer ev.Close()

	sinks, ok := ev.Notifier.(schedule.Notifiers)
	require.True(t, ok)
	assert.Len(t, sinks, 1)
}

func TestOutboxNeedsPostgres(t *testing.T) {
	cfg := loadConfig(t)
	st, err := OpenStore(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)

	// Validate rejects this combination at load time; OpenEvents still guards it.
	cfg.Kafka.Outbox = true
	_, err = OpenEvents(cfg, st, zap.NewNop(), nil)
	assert.ErrorContains(t, err, "database.url")
}

func TestNewTrackerUsesClinicZone(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Clinic.Timezone = "America/Denver"
	tr, err := NewTracker(cfg, NewMemoryStore(), nil, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Equal(t, "America/Denver", tr.Location().String())

	cfg.Clinic.Timezone = "Mars/Olympus"
	_, err = NewTracker(cfg, NewMemoryStore(), nil, zap.NewNop(), nil)
	assert.Error(t, err)
}
