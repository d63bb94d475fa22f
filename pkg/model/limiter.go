package model

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// LimiterConfig bounds how hard the swarm hits the provider.
type LimiterConfig struct {
	// MaxConcurrent caps in-flight requests across all agents.
	MaxConcurrent int
	// Delay is the minimum spacing between request starts.
	Delay time.Duration
}

type limitedModel struct {
	inner   Model
	limiter *rate.Limiter
	slots   chan struct{}
}

// WithLimiter wraps inner so every agent in the swarm shares one request
// budget. Callers block until a slot and a rate token are available, or
// until their context is done.
func WithLimiter(inner Model, cfg LimiterConfig) Model {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 6
	}
	var lim *rate.Limiter
	if cfg.Delay > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.Delay), 1)
	} else {
		lim = rate.NewLimiter(rate.Inf, 1)
	}
	return &limitedModel{
		inner:   inner,
		limiter: lim,
		slots:   make(chan struct{}, maxConc),
	}
}

func (l *limitedModel) Complete(ctx context.Context, req Request) (*Response, error) {
	select {
	case l.slots <- struct{}{}:
		defer func() { <-l.slots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.Complete(ctx, req)
}
