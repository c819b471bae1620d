package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pfirestore "github.com/joaosutil/pede-ai2/internal/platform/firestore"
	"github.com/joaosutil/pede-ai2/internal/repositories"
)

type counterDocument struct {
	Value     int64     `firestore:"value"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// CounterRepository hands out per-sequence numbers (orders-2026 -> 1, 2, ...). Each increment is
// a read-modify-write in one transaction; an increment made inside an order transaction joins it.
type CounterRepository struct {
	counters *pfirestore.Collection[counterDocument]
	tx       *pfirestore.UnitOfWork
	now      func() time.Time
}

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		counters: pfirestore.NewCollection[counterDocument](provider, "counters"),
		tx:       pfirestore.NewUnitOfWork(provider),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Next increments the named sequence and returns the new value. A missing sequence starts at 1.
func (r *CounterRepository) Next(ctx context.Context, counterID string) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" || strings.Contains(id, "/") {
		return 0, &repositories.CounterError{Code: repositories.CounterErrorInvalidInput, Counter: counterID}
	}

	var next int64
	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := r.counters.Get(ctx, id)
		switch {
		case pfirestore.IsNotFound(err):
			next = 1
			return r.counters.Create(ctx, id, counterDocument{Value: next, UpdatedAt: r.now()})
		case err != nil:
			return err
		case doc.Data.Value < 0:
			return &repositories.CounterError{Code: repositories.CounterErrorCorrupt, Counter: id, Err: fmt.Errorf("negative value %d", doc.Data.Value)}
		}
		next = doc.Data.Value + 1
		return r.counters.Set(ctx, id, counterDocument{Value: next, UpdatedAt: r.now()})
	})

	var counterErr *repositories.CounterError
	switch {
	case err == nil:
		return next, nil
	case errors.As(err, &counterErr):
		return 0, counterErr
	case errors.Is(err, pfirestore.ErrDecode):
		return 0, &repositories.CounterError{Code: repositories.CounterErrorCorrupt, Counter: id, Err: err}
	default:
		return 0, pfirestore.WrapError("counters.next", err)
	}
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)
