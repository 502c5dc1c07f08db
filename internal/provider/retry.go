package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "projectflow_provider_retries_total",
	Help: "Provider calls retried after a retryable failure.",
}, []string{"op"})

// Safety classifies how a provider call may be repeated.
type Safety int

const (
	// Idempotent calls converge when repeated and retry on every retryable signal.
	Idempotent Safety = iota
	// CreateOnce calls create something new. They retry only on rate limits, which
	// are rejected before the request runs, so a retry cannot duplicate the effect.
	CreateOnce
)

// RetryPolicy wraps provider calls in exponential backoff with jitter and a retry cap.
type RetryPolicy struct {
	MaxRetries          uint64
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	Logger              *slog.Logger
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          5,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	if p.RandomizationFactor > 0 {
		b.RandomizationFactor = p.RandomizationFactor
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

func (p RetryPolicy) shouldRetry(err error, safety Safety) bool {
	if safety == CreateOnce {
		return IsRateLimited(err)
	}
	return IsRetryable(err)
}

// Do runs fn until it succeeds, fails permanently or the retry cap is reached.
// The last error is returned unwrapped.
func (p RetryPolicy) Do(ctx context.Context, op string, safety Safety, fn func(ctx context.Context) error) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return backoff.RetryNotify(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.shouldRetry(err, safety) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		retriesTotal.WithLabelValues(op).Inc()
		logger.Warn("provider call failed, retrying", "op", op, "wait", wait, "error", err)
	})
}
