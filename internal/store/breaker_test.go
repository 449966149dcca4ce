package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carepath/medtrack/internal/infrastructure/memory"
	"github.com/carepath/medtrack/internal/store"
	"github.com/carepath/medtrack/pkg/circuitbreaker"
)

type flakyStore struct {
	store.Store
	err error
}

func (f *flakyStore) Find(ctx context.Context, table string, filter store.Filter) ([]store.Row, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.Store.Find(ctx, table, filter)
}

func testConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig("test")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	return cfg
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	flaky := &flakyStore{Store: memory.New(), err: errors.New("timeout")}
	b := store.NewBreaker(flaky, testConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Find(ctx, store.TableMedications, nil)
		require.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
	}

	flaky.err = nil
	_, err := b.Find(ctx, store.TableMedications, nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	// other tables have their own breaker
	_, err = b.Find(ctx, store.TableAdministrations, nil)
	assert.NoError(t, err)

	var open int
	for _, h := range b.Health() {
		if !h.Healthy {
			open++
			assert.Equal(t, store.TableMedications, h.Name)
		}
	}
	assert.Equal(t, 1, open)
}

func TestBreaker_NotFoundAndConflictDoNotTrip(t *testing.T) {
	mem := memory.New()
	b := store.NewBreaker(mem, testConfig(), nil)
	ctx := context.Background()

	_, err := b.Insert(ctx, "t", store.Row{"id": "1"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := b.Update(ctx, "t", store.Filter{"id": "missing"}, store.Row{"x": 1})
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = b.Insert(ctx, "t", store.Row{"id": "1"})
		assert.ErrorIs(t, err, store.ErrConflict)
	}

	rows, err := b.Find(ctx, "t", nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	require.NoError(t, b.Delete(ctx, "t", store.Filter{"id": "1"}))
}

func TestBreaker_WrappedErrorsKeepCause(t *testing.T) {
	cause := fmt.Errorf("dial: %w", context.DeadlineExceeded)
	b := store.NewBreaker(&flakyStore{Store: memory.New(), err: cause}, testConfig(), nil)

	_, err := b.Find(context.Background(), "t", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
