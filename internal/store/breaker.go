package store

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/carepath/medtrack/pkg/circuitbreaker"
)

// Breaker decorates a Store with one circuit breaker per table. Not-found
// and conflict results are ordinary answers from a healthy service and do
// not count as failures.
type Breaker struct {
	next     Store
	breakers *circuitbreaker.Manager
}

// NewBreaker wraps next. cfg is used as the template for every table breaker.
func NewBreaker(next Store, cfg circuitbreaker.Config, logger *zap.Logger) *Breaker {
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
			errors.Is(err, context.Canceled)
	}
	return &Breaker{
		next:     next,
		breakers: circuitbreaker.NewManager(cfg, logger),
	}
}

// Health reports the state of every table breaker created so far.
func (b *Breaker) Health() []circuitbreaker.HealthStatus {
	return b.breakers.GetHealthStatus()
}

func (b *Breaker) run(ctx context.Context, table string, fn func() (interface{}, error)) (interface{}, error) {
	cb, err := b.breakers.GetOrCreate(table)
	if err != nil {
		return nil, err
	}
	return cb.Execute(ctx, fn)
}

// Find implements Store.
func (b *Breaker) Find(ctx context.Context, table string, filter Filter) ([]Row, error) {
	res, err := b.run(ctx, table, func() (interface{}, error) {
		return b.next.Find(ctx, table, filter)
	})
	if err != nil {
		return nil, err
	}
	rows, _ := res.([]Row)
	return rows, nil
}

// Insert implements Store.
func (b *Breaker) Insert(ctx context.Context, table string, row Row) (Row, error) {
	res, err := b.run(ctx, table, func() (interface{}, error) {
		return b.next.Insert(ctx, table, row)
	})
	if err != nil {
		return nil, err
	}
	out, _ := res.(Row)
	return out, nil
}

// Update implements Store.
func (b *Breaker) Update(ctx context.Context, table string, filter Filter, patch Row) (Row, error) {
	res, err := b.run(ctx, table, func() (interface{}, error) {
		return b.next.Update(ctx, table, filter, patch)
	})
	if err != nil {
		return nil, err
	}
	out, _ := res.(Row)
	return out, nil
}

// Delete implements Store.
func (b *Breaker) Delete(ctx context.Context, table string, filter Filter) error {
	_, err := b.run(ctx, table, func() (interface{}, error) {
		return nil, b.next.Delete(ctx, table, filter)
	})
	return err
}
