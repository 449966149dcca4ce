package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

type fakeRow struct{ vals []any }

func (r fakeRow) Scan(dest ...any) error { return assign(r.vals, dest) }

type fakeRows struct {
	pgx.Rows
	data [][]any
	i    int
}

func (r *fakeRows) Next() bool {
	r.i++
	return r.i <= len(r.data)
}

func (r *fakeRows) Scan(dest ...any) error { return assign(r.data[r.i-1], dest) }
func (r *fakeRows) Close()                 {}
func (r *fakeRows) Err() error             { return nil }

type fakeTx struct {
	pgx.Tx
	locked    bool
	pending   [][]any
	queries   int
	execs     []execCall
	committed bool

	// failSQL makes statements containing it fail
	failSQL    string
	released   int
	rolledBack int
}

func (tx *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{vals: []any{tx.locked}}
}

func (tx *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	tx.queries++
	return &fakeRows{data: tx.pending}, nil
}

func (tx *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tx.execs = append(tx.execs, execCall{sql, args})
	if tx.failSQL != "" && strings.Contains(sql, tx.failSQL) {
		return pgconn.CommandTag{}, errors.New("deadlock detected")
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (tx *fakeTx) Begin(context.Context) (pgx.Tx, error) { return &fakeSavepoint{tx: tx}, nil }

type fakeSavepoint struct {
	pgx.Tx
	tx *fakeTx
}

func (sp *fakeSavepoint) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return sp.tx.Exec(ctx, sql, args...)
}

func (sp *fakeSavepoint) Commit(context.Context) error {
	sp.tx.released++
	return nil
}

func (sp *fakeSavepoint) Rollback(context.Context) error {
	sp.tx.rolledBack++
	return nil
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error { return nil }

type fakeOutboxDB struct {
	tx    *fakeTx
	execs []execCall
}

func (db *fakeOutboxDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, execCall{sql, args})
	return pgconn.NewCommandTag("DELETE 3"), nil
}

func (db *fakeOutboxDB) QueryRow(context.Context, string, ...any) pgx.Row { return fakeRow{} }

func (db *fakeOutboxDB) Begin(context.Context) (pgx.Tx, error) { return db.tx, nil }

func assign(vals []any, dest []any) error {
	if len(vals) != len(dest) {
		return fmt.Errorf("scan: %d values into %d targets", len(vals), len(dest))
	}
	for i, d := range dest {
		switch d := d.(type) {
		case *bool:
			*d = vals[i].(bool)
		case *int64:
			*d = vals[i].(int64)
		case *int:
			*d = vals[i].(int)
		case *string:
			*d = vals[i].(string)
		case **string:
			*d, _ = vals[i].(*string)
		case *json.RawMessage:
			*d = json.RawMessage(vals[i].(string))
		case *time.Time:
			*d = vals[i].(time.Time)
		default:
			return fmt.Errorf("scan: unsupported target %T", d)
		}
	}
	return nil
}

func pendingRow(id int64, key string) []any {
	return []any{id, "medication.administrations", key, fmt.Sprintf(`{"id":%d}`, id), time.Unix(0, 0), 0, (*string)(nil)}
}

type recordingPublisher struct {
	failKey string
	sent    []string
}

func (p *recordingPublisher) ProduceMessage(_ context.Context, topic, key string, value []byte) error {
	if key == p.failKey {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, topic+" "+key+" "+string(value))
	return nil
}

func TestOutbox_ProduceMessageInserts(t *testing.T) {
	db := &fakeOutboxDB{}
	o := NewOutbox(db, OutboxConfig{}, nil)

	require.NoError(t, o.ProduceMessage(context.Background(), "medication.alerts", "p1", []byte(`{}`)))
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0].sql, "INSERT INTO dose_event_outbox")
	assert.Equal(t, []any{"medication.alerts", "p1", []byte(`{}`)}, db.execs[0].args)
}

func TestOutbox_RelayBatchKeepsPerKeyOrder(t *testing.T) {
	tx := &fakeTx{
		locked:  true,
		pending: [][]any{pendingRow(1, "p1"), pendingRow(2, "p2"), pendingRow(3, "p1")},
	}
	o := NewOutbox(&fakeOutboxDB{tx: tx}, OutboxConfig{}, nil)
	pub := &recordingPublisher{failKey: "p1"}

	n, err := o.RelayBatch(context.Background(), pub)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{`medication.administrations p2 {"id":2}`}, pub.sent)
	assert.True(t, tx.committed)

	// entry 1 records the failure, entry 2 is marked processed, entry 3 is untouched
	require.Len(t, tx.execs, 2)
	assert.Contains(t, tx.execs[0].sql, "retry_count = retry_count + 1")
	assert.Equal(t, []any{"broker unavailable", int64(1)}, tx.execs[0].args)
	assert.Contains(t, tx.execs[1].sql, "processed_at = NOW()")
	assert.Equal(t, []any{int64(2)}, tx.execs[1].args)
}

func TestOutbox_RelayBatchKeepsEarlierUpdatesAfterFailedMark(t *testing.T) {
	tx := &fakeTx{
		locked:  true,
		pending: [][]any{pendingRow(1, "p2"), pendingRow(2, "p1"), pendingRow(3, "p1")},
		failSQL: "processed_at = NOW()",
	}
	o := NewOutbox(&fakeOutboxDB{tx: tx}, OutboxConfig{}, nil)
	pub := &recordingPublisher{}

	// every mark fails: each one rolls back to its own savepoint and the
	// transaction still commits
	n, err := o.RelayBatch(context.Background(), pub)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, tx.committed)
	assert.Equal(t, 2, tx.rolledBack)
	assert.Zero(t, tx.released)
	// entry 3 waits behind entry 2 for the same key
	assert.Len(t, pub.sent, 2)

	tx = &fakeTx{
		locked:  true,
		pending: [][]any{pendingRow(1, "p2"), pendingRow(2, "p1")},
		failSQL: "retry_count = retry_count + 1",
	}
	o = NewOutbox(&fakeOutboxDB{tx: tx}, OutboxConfig{}, nil)
	n, err = o.RelayBatch(context.Background(), &recordingPublisher{failKey: "p1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, tx.released)
	assert.Equal(t, 1, tx.rolledBack)
	assert.True(t, tx.committed)
}

func TestOutbox_RelayBatchSkipsWithoutLock(t *testing.T) {
	tx := &fakeTx{locked: false, pending: [][]any{pendingRow(1, "p1")}}
	o := NewOutbox(&fakeOutboxDB{tx: tx}, OutboxConfig{}, nil)

	n, err := o.RelayBatch(context.Background(), &recordingPublisher{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, tx.queries)
}

func TestOutbox_MoveToDeadLetter(t *testing.T) {
	lastErr := "broker unavailable"
	row := pendingRow(7, "p9")
	row[5], row[6] = 5, &lastErr
	tx := &fakeTx{pending: [][]any{row}}
	o := NewOutbox(&fakeOutboxDB{tx: tx}, OutboxConfig{DeadLetterTopic: "dlq"}, nil)
	pub := &recordingPublisher{}

	n, err := o.MoveToDeadLetter(context.Background(), pub)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.Len(t, pub.sent, 1)
	assert.Contains(t, pub.sent[0], "dlq p9 ")
	assert.Contains(t, pub.sent[0], `"original_topic":"medication.administrations"`)
	assert.Contains(t, pub.sent[0], `"last_error":"broker unavailable"`)
	assert.True(t, tx.committed)
}

func TestOutbox_CleanupProcessed(t *testing.T) {
	db := &fakeOutboxDB{}
	o := NewOutbox(db, OutboxConfig{}, nil)

	n, err := o.CleanupProcessed(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, []any{3600.0}, db.execs[0].args)
}

func TestNewOutbox_FillsDefaults(t *testing.T) {
	o := NewOutbox(&fakeOutboxDB{}, OutboxConfig{BatchSize: 10}, nil)
	assert.Equal(t, 10, o.config.BatchSize)
	assert.Equal(t, DefaultOutboxConfig().MaxRetries, o.config.MaxRetries)
	assert.Equal(t, "medication.dead_letter", o.config.DeadLetterTopic)
}
