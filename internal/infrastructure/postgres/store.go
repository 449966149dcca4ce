// Package postgres provides the PostgreSQL implementation of store.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carepath/medtrack/internal/store"
)

const uniqueViolation = "23505"

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Querier is the subset of *pgxpool.Pool the store needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

var _ Querier = (*pgxpool.Pool)(nil)

// Store executes generic row operations as parameterized SQL.
type Store struct {
	db     Querier
	logger *zap.Logger
	tracer trace.Tracer
}

// NewStore creates a store over db.
func NewStore(db Querier, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("postgres-store"),
	}
}

// Find implements store.Store.
func (s *Store) Find(ctx context.Context, table string, filter store.Filter) ([]store.Row, error) {
	query, args, err := buildSelect(table, filter)
	if err != nil {
		return nil, err
	}

	ctx, span := s.start(ctx, "find", table)
	defer span.End()

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, s.mapError("find", table, err)
	}
	out, err := collect(rows)
	if err != nil {
		span.RecordError(err)
		return nil, s.mapError("find", table, err)
	}
	span.SetAttributes(attribute.Int("rows", len(out)))
	return out, nil
}

// Insert implements store.Store. A missing id is filled with a new UUID.
func (s *Store) Insert(ctx context.Context, table string, row store.Row) (store.Row, error) {
	r := row.Clone()
	if r == nil {
		r = store.Row{}
	}
	if strings.TrimSpace(r.String("id")) == "" {
		r["id"] = uuid.NewString()
	}

	query, args, err := buildInsert(table, r)
	if err != nil {
		return nil, err
	}

	ctx, span := s.start(ctx, "insert", table)
	defer span.End()

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, s.mapError("insert", table, err)
	}
	out, err := collect(rows)
	if err != nil {
		span.RecordError(err)
		return nil, s.mapError("insert", table, err)
	}
	if len(out) == 0 {
		return r, nil
	}
	return out[0], nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, table string, filter store.Filter, patch store.Row) (store.Row, error) {
	query, args, err := buildUpdate(table, filter, patch)
	if err != nil {
		return nil, err
	}

	ctx, span := s.start(ctx, "update", table)
	defer span.End()

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, s.mapError("update", table, err)
	}
	out, err := collect(rows)
	if err != nil {
		span.RecordError(err)
		return nil, s.mapError("update", table, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", table, store.ErrNotFound)
	}
	return out[0], nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, table string, filter store.Filter) error {
	query, args, err := buildDelete(table, filter)
	if err != nil {
		return err
	}

	ctx, span := s.start(ctx, "delete", table)
	defer span.End()

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return s.mapError("delete", table, err)
	}
	span.SetAttributes(attribute.Int64("rows", tag.RowsAffected()))
	return nil
}

func (s *Store) start(ctx context.Context, op, table string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "store_"+op,
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.table", table),
		))
}

func (s *Store) mapError(op, table string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s %s (%s): %w", op, table, pgErr.ConstraintName, store.ErrConflict)
	}
	s.logger.Debug("store query failed",
		zap.String("op", op),
		zap.String("table", table),
		zap.Error(err))
	return fmt.Errorf("%s %s: %w", op, table, err)
}

func collect(rows pgx.Rows) ([]store.Row, error) {
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	out := make([]store.Row, 0, len(maps))
	for _, m := range maps {
		out = append(out, store.Row(m))
	}
	return out, nil
}

func ident(name string) (string, error) {
	if !identRe.MatchString(name) {
		return "", fmt.Errorf("postgres: invalid identifier %q", name)
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

// where renders filter as a WHERE clause, numbering placeholders from next.
func where(filter store.Filter, next int) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(filter))
	args := make([]any, 0, len(filter))
	for _, col := range filter.Columns() {
		c, err := ident(col)
		if err != nil {
			return "", nil, err
		}
		v := filter[col]
		if v == nil {
			parts = append(parts, c+" IS NULL")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s = $%d", c, next))
		args = append(args, v)
		next++
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func buildSelect(table string, filter store.Filter) (string, []any, error) {
	t, err := ident(table)
	if err != nil {
		return "", nil, err
	}
	w, args, err := where(filter, 1)
	if err != nil {
		return "", nil, err
	}
	return "SELECT * FROM " + t + w, args, nil
}

func buildInsert(table string, row store.Row) (string, []any, error) {
	t, err := ident(table)
	if err != nil {
		return "", nil, err
	}
	cols := row.Columns()
	names := make([]string, 0, len(cols))
	holders := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		c, err := ident(col)
		if err != nil {
			return "", nil, err
		}
		names = append(names, c)
		holders = append(holders, fmt.Sprintf("$%d", i+1))
		args = append(args, row[col])
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		t, strings.Join(names, ", "), strings.Join(holders, ", "))
	return query, args, nil
}

func buildUpdate(table string, filter store.Filter, patch store.Row) (string, []any, error) {
	t, err := ident(table)
	if err != nil {
		return "", nil, err
	}
	if len(patch) == 0 {
		return "", nil, errors.New("postgres: empty update patch")
	}
	cols := patch.Columns()
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+len(filter))
	for i, col := range cols {
		c, err := ident(col)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+1))
		args = append(args, patch[col])
	}
	w, wargs, err := where(filter, len(cols)+1)
	if err != nil {
		return "", nil, err
	}
	args = append(args, wargs...)
	return "UPDATE " + t + " SET " + strings.Join(sets, ", ") + w + " RETURNING *", args, nil
}

func buildDelete(table string, filter store.Filter) (string, []any, error) {
	t, err := ident(table)
	if err != nil {
		return "", nil, err
	}
	w, args, err := where(filter, 1)
	if err != nil {
		return "", nil, err
	}
	return "DELETE FROM " + t + w, args, nil
}
