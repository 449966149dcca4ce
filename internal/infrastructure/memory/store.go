// Package memory provides an in-process implementation of store.Store used
// for development, the smoke test and unit tests.
package memory

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carepath/medtrack/internal/store"
)

// Store keeps rows per table in insertion order.
type Store struct {
	mu      sync.RWMutex
	tables  map[string][]store.Row
	uniques map[string][][]string
}

// Option configures a Store.
type Option func(*Store)

// WithUniqueIndex rejects inserts that duplicate the given column tuple,
// the same way a Postgres unique index would.
func WithUniqueIndex(table string, cols ...string) Option {
	return func(s *Store) {
		s.uniques[table] = append(s.uniques[table], cols)
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		tables:  make(map[string][]store.Row),
		uniques: make(map[string][][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Find returns copies of every row matching filter.
func (s *Store) Find(ctx context.Context, table string, filter store.Filter) ([]store.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.Row, 0)
	for _, row := range s.tables[table] {
		if matches(row, filter) {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}

// Insert stores a copy of row, assigning an id when the row has none.
func (s *Store) Insert(ctx context.Context, table string, row store.Row) (store.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := row.Clone()
	if r == nil {
		r = store.Row{}
	}
	if strings.TrimSpace(r.String("id")) == "" {
		r["id"] = uuid.NewString()
	}

	for _, existing := range s.tables[table] {
		if existing.String("id") == r.String("id") {
			return nil, fmt.Errorf("%s id %s: %w", table, r.String("id"), store.ErrConflict)
		}
		for _, cols := range s.uniques[table] {
			if sameTuple(existing, r, cols) {
				return nil, fmt.Errorf("%s %v: %w", table, cols, store.ErrConflict)
			}
		}
	}

	s.tables[table] = append(s.tables[table], r)
	return r.Clone(), nil
}

// Update applies patch to every matching row and returns the first one.
func (s *Store) Update(ctx context.Context, table string, filter store.Filter, patch store.Row) (store.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var first store.Row
	for i, row := range s.tables[table] {
		if !matches(row, filter) {
			continue
		}
		updated := row.Clone()
		for k, v := range patch.Clone() {
			updated[k] = v
		}
		s.tables[table][i] = updated
		if first == nil {
			first = updated.Clone()
		}
	}
	if first == nil {
		return nil, fmt.Errorf("%s: %w", table, store.ErrNotFound)
	}
	return first, nil
}

// Delete removes every matching row. Deleting nothing is not an error.
func (s *Store) Delete(ctx context.Context, table string, filter store.Filter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.tables[table][:0]
	for _, row := range s.tables[table] {
		if !matches(row, filter) {
			kept = append(kept, row)
		}
	}
	s.tables[table] = kept
	return nil
}

// Len returns the number of rows in table.
func (s *Store) Len(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}

// Tables lists the tables that hold at least one row.
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tables))
	for name, rows := range s.tables {
		if len(rows) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func matches(row store.Row, filter store.Filter) bool {
	for col, want := range filter {
		if !equal(row[col], want) {
			return false
		}
	}
	return true
}

func sameTuple(a, b store.Row, cols []string) bool {
	for _, c := range cols {
		if !equal(a[c], b[c]) {
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}
