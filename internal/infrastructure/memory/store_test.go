package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/medtrack/internal/store"
)

func TestInsertAssignsID(t *testing.T) {
	s := New()
	ctx := context.Background()

	row, err := s.Insert(ctx, "t", store.Row{"name": "a"})
	require.NoError(t, err)
	assert.NotEmpty(t, row.String("id"))

	_, err = s.Insert(ctx, "t", store.Row{"id": row.String("id")})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestUniqueIndex(t *testing.T) {
	s := New(WithUniqueIndex("slots", "med", "date"))
	ctx := context.Background()

	_, err := s.Insert(ctx, "slots", store.Row{"med": "m1", "date": "2024-05-14"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "slots", store.Row{"med": "m1", "date": "2024-05-15"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "slots", store.Row{"med": "m1", "date": "2024-05-14"})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 2, s.Len("slots"))
}

func TestFindMatchesFilter(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2024, 5, 14, 8, 0, 0, 0, time.UTC)

	_, _ = s.Insert(ctx, "t", store.Row{"p": "x", "active": true, "at": at})
	_, _ = s.Insert(ctx, "t", store.Row{"p": "x", "active": false, "note": nil})
	_, _ = s.Insert(ctx, "t", store.Row{"p": "y", "active": true})

	rows, err := s.Find(ctx, "t", store.Filter{"p": "x"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, _ = s.Find(ctx, "t", store.Filter{"p": "x", "active": true})
	assert.Len(t, rows, 1)

	rows, _ = s.Find(ctx, "t", store.Filter{"at": at.In(time.FixedZone("x", 3600))})
	assert.Len(t, rows, 1)

	// A missing column reads as NULL.
	rows, _ = s.Find(ctx, "t", store.Filter{"p": "x", "note": nil})
	assert.Len(t, rows, 2)

	rows, _ = s.Find(ctx, "t", nil)
	assert.Len(t, rows, 3)
}

func TestFindReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _ = s.Insert(ctx, "t", store.Row{"id": "1", "times": []string{"08:00"}})

	rows, _ := s.Find(ctx, "t", store.Filter{"id": "1"})
	rows[0]["times"].([]string)[0] = "09:00"
	rows[0]["extra"] = true

	again, _ := s.Find(ctx, "t", store.Filter{"id": "1"})
	assert.Equal(t, []string{"08:00"}, again[0].Strings("times"))
	assert.NotContains(t, again[0], "extra")
}

func TestUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _ = s.Insert(ctx, "t", store.Row{"id": "1", "status": "pending", "reason": "x"})

	row, err := s.Update(ctx, "t", store.Filter{"id": "1"}, store.Row{"status": "skipped", "reason": nil})
	require.NoError(t, err)
	assert.Equal(t, "skipped", row.String("status"))
	assert.Equal(t, "", row.String("reason"))

	_, err = s.Update(ctx, "t", store.Filter{"id": "2"}, store.Row{"status": "skipped"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _ = s.Insert(ctx, "t", store.Row{"m": "a"})
	_, _ = s.Insert(ctx, "t", store.Row{"m": "b"})
	_, _ = s.Insert(ctx, "t", store.Row{"m": "a"})

	require.NoError(t, s.Delete(ctx, "t", store.Filter{"m": "a"}))
	assert.Equal(t, 1, s.Len("t"))
	require.NoError(t, s.Delete(ctx, "t", store.Filter{"m": "zzz"}))
	assert.Equal(t, []string{"t"}, s.Tables())
}

func TestCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Find(ctx, "t", nil)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Insert(ctx, "t", store.Row{})
	assert.ErrorIs(t, err, context.Canceled)
}
