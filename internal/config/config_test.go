package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "UTC", cfg.Clinic.Timezone)
	assert.Empty(t, cfg.Database.URL)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, time.Minute, cfg.Monitor.Interval)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/medtrack")
	t.Setenv("KAFKA_BROKERS", "rp-0:9092, rp-1:9092")
	t.Setenv("API_KEYS", "k1,k2")
	t.Setenv("MEDTRACK_CLINIC_TIMEZONE", "America/Chicago")
	t.Setenv("MEDTRACK_MONITOR_INTERVAL", "30s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/medtrack", cfg.Database.URL)
	assert.Equal(t, []string{"rp-0:9092", "rp-1:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.APIKeys)
	assert.Equal(t, 30*time.Second, cfg.Monitor.Interval)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/Chicago", loc.String())
}

func TestLoad_PrefixedBeatsPlain(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MEDTRACK_SERVER_PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medtrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
clinic:
  timezone: Europe/Madrid
monitor:
  grace: 15m
  workers: 4
breaker:
  failure_threshold: 3
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Madrid", cfg.Clinic.Timezone)
	assert.Equal(t, 15*time.Minute, cfg.Monitor.Grace)
	assert.Equal(t, 4, cfg.WorkerPool().Workers)
	assert.Equal(t, uint32(3), cfg.CircuitBreaker("medications").FailureThreshold)
	assert.Equal(t, "medications", cfg.CircuitBreaker("medications").Name)
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NoError(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("MEDTRACK_CLINIC_TIMEZONE", "Mars/Olympus")
	_, err := Load("")
	assert.Error(t, err)
}

func TestAPIKeyClients(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{APIKeys: []string{"ward-3:k1", "k2", " : "}}}
	assert.Equal(t, map[string]string{"k1": "ward-3", "k2": "k2"}, cfg.APIKeyClients())
}

func TestLoad_OutboxNeedsDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MEDTRACK_KAFKA_OUTBOX", "true")
	_, err := Load("")
	assert.ErrorContains(t, err, "kafka.outbox")

	t.Setenv("DATABASE_URL", "postgres://localhost/medtrack")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Kafka.Outbox)
	assert.Equal(t, 500*time.Millisecond, cfg.Kafka.OutboxPollInterval)
}
