// Package oracle provides current market prices for instruments.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/session-engine/internal/metrics"
)

var (
	// ErrPriceUnavailable is returned once every attempt has failed.
	ErrPriceUnavailable = errors.New("oracle: price unavailable")
	// ErrUnsupported marks instruments the source cannot price. Not retried.
	ErrUnsupported = errors.New("oracle: unsupported instrument")
)

// Oracle returns the current price of an instrument.
type Oracle interface {
	Price(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// Fixed serves prices from a map. Used in development and tests.
type Fixed struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewFixed creates a fixed-price oracle.
func NewFixed(prices map[string]decimal.Decimal) *Fixed {
	cp := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &Fixed{prices: cp}
}

// Set updates one price.
func (f *Fixed) Set(instrument string, price decimal.Decimal) {
	f.mu.Lock()
	f.prices[instrument] = price
	f.mu.Unlock()
}

func (f *Fixed) Price(_ context.Context, instrument string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[instrument]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupported, instrument)
	}
	return p, nil
}

// Retrying wraps an Oracle with a bounded number of attempts and exponential
// backoff. Every attempt is an independent read.
type Retrying struct {
	next     Oracle
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

// NewRetrying creates a retrying oracle. attempts < 1 means one attempt.
func NewRetrying(next Oracle, attempts int, backoff time.Duration, logger *slog.Logger) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, attempts: attempts, backoff: backoff, log: logger.With(slog.String("component", "oracle"))}
}

func (r *Retrying) Price(ctx context.Context, instrument string) (decimal.Decimal, error) {
	var lastErr error
	delay := r.backoff
	for attempt := 1; attempt <= r.attempts; attempt++ {
		p, err := r.next.Price(ctx, instrument)
		if err == nil {
			if !p.IsPositive() {
				err = fmt.Errorf("non-positive price %s", p)
			} else {
				return p, nil
			}
		}
		lastErr = err
		if errors.Is(err, ErrUnsupported) || ctx.Err() != nil {
			break
		}
		r.log.Warn("price fetch failed", "instrument", instrument, "attempt", attempt, "err", err)
		if attempt < r.attempts {
			if err := sleepWithContext(ctx, delay); err != nil {
				lastErr = err
				break
			}
			delay *= 2
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, instrument, lastErr)
}

// Instrumented records latency for each call to next.
type Instrumented struct {
	Next   Oracle
	Source string
}

func (i Instrumented) Price(ctx context.Context, instrument string) (decimal.Decimal, error) {
	start := time.Now()
	p, err := i.Next.Price(ctx, instrument)
	metrics.ObserveOracle(i.Source, start, err)
	return p, err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
