package graph

import (
	"context"
	"errors"
	"time"

	"github.com/prudhvinik1/graphsync/internal/models"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// BreakerStore trips after MaxFailures consecutive store failures and fails
// fast until OpenTimeout passes. Every failure it returns is transient.
type BreakerStore struct {
	next    Store
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerStore(next Store, cfg BreakerConfig, logger *zap.Logger) *BreakerStore {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	log := logger.Named("graph_breaker")

	settings := gobreaker.Settings{
		Name:        "graph-store",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// A missing record is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRecordNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("graph store circuit changed state",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &BreakerStore{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (s *BreakerStore) Get(ctx context.Context, ref models.EntityRef) (*Record, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.next.Get(ctx, ref)
	})
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, err
		}
		return nil, s.wrap("graph get", err)
	}
	return out.(*Record), nil
}

func (s *BreakerStore) Put(ctx context.Context, record *Record) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.next.Put(ctx, record)
	})
	return s.wrap("graph put", err)
}

func (s *BreakerStore) Delete(ctx context.Context, ref models.EntityRef) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.next.Delete(ctx, ref)
	})
	return s.wrap("graph delete", err)
}

func (s *BreakerStore) Ping(ctx context.Context) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.next.Ping(ctx)
	})
	return s.wrap("graph ping", err)
}

func (s *BreakerStore) Close(ctx context.Context) error {
	return s.next.Close(ctx)
}

func (s *BreakerStore) State() gobreaker.State {
	return s.breaker.State()
}

func (s *BreakerStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if models.IsTransient(err) {
		return err
	}
	return models.NewTransientIOError(op, err)
}
