// Package store defines the generic row-level persistence contract the
// medication tracker is written against.
package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

// Table names used by the tracker.
const (
	TableMedications     = "medications"
	TableAdministrations = "medication_administrations"
	TableFamilyGrants    = "family_access_grants"
)

// Sentinel errors returned by every Store implementation.
var (
	// ErrNotFound is returned by Update when no row matched the filter.
	ErrNotFound = errors.New("store: no matching rows")
	// ErrConflict is returned by Insert when a unique constraint rejected the row.
	ErrConflict = errors.New("store: unique constraint conflict")
)

// Row is a single record keyed by column name.
type Row map[string]any

// Filter is a conjunction of column equality predicates. An empty filter
// matches every row.
type Filter map[string]any

// Store is the minimal CRUD surface of the hosted persistence service.
type Store interface {
	Find(ctx context.Context, table string, filter Filter) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, filter Filter, patch Row) (Row, error)
	Delete(ctx context.Context, table string, filter Filter) error
}

// Clone returns a copy of the row. String slices are copied so callers can
// mutate the result freely.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		if s, ok := v.([]string); ok {
			v = append([]string(nil), s...)
		}
		out[k] = v
	}
	return out
}

// String returns the column as a string, or "" when absent or nil.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case *string:
		if v != nil {
			return *v
		}
	}
	return ""
}

// Bool returns the column as a bool.
func (r Row) Bool(col string) bool {
	b, _ := r[col].(bool)
	return b
}

// Strings returns the column as a string slice.
func (r Row) Strings(col string) []string {
	switch v := r[col].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Time returns the column as a time and whether it was set.
func (r Row) Time(col string) (time.Time, bool) {
	switch v := r[col].(type) {
	case time.Time:
		return v, !v.IsZero()
	case *time.Time:
		if v != nil {
			return *v, true
		}
	}
	return time.Time{}, false
}

// Columns returns the row's column names in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Columns returns the filter's column names in sorted order.
func (f Filter) Columns() []string {
	return Row(f).Columns()
}
