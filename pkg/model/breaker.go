package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit breaker around a Model.
type BreakerConfig struct {
	// Trips is the consecutive-failure count that opens the circuit.
	Trips uint32
	// Timeout is how long the circuit stays open before probing again.
	Timeout time.Duration
	Logger  *slog.Logger
}

type breakerModel struct {
	inner Model
	cb    *gobreaker.CircuitBreaker[*Response]
}

// WithBreaker wraps inner so repeated provider failures fail fast instead of
// stacking agents behind a dead upstream. While open, Complete returns
// ErrUnavailable immediately.
func WithBreaker(inner Model, cfg BreakerConfig) Model {
	trips := cfg.Trips
	if trips == 0 {
		trips = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name: "model",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("model circuit state change",
				"from", from.String(), "to", to.String())
		},
		Timeout: timeout,
	}

	return &breakerModel{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[*Response](settings),
	}
}

func (b *breakerModel) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := b.cb.Execute(func() (*Response, error) {
		return b.inner.Complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return nil, err
	}
	return resp, nil
}
