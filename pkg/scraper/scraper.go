// Package scraper defines the external scraper contract and a
// per-source circuit breaker wrapper so a source stuck returning
// SourceUnavailable errors stops being hammered within a cycle.
package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/permitpipeline/permitengine/internal/pipelineerr"
	"github.com/permitpipeline/permitengine/pkg/permit"
)

// Source is the scraper contract: scrape a date window, normalize the
// raw rows onto the canonical field set. City-specific scraper
// implementations live outside the engine; this package only defines and
// guards the contract.
type Source interface {
	// Scrape fetches raw rows for [startDate, endDate] (YYYY-MM-DD). May
	// return an empty slice on no data; must return an error on a
	// transport failure.
	Scrape(ctx context.Context, startDate, endDate string) ([]permit.RawPermit, error)

	// Normalize maps source-specific keys onto the canonical field set,
	// dropping rows lacking permit_number.
	Normalize(rows []permit.RawPermit) []permit.RawPermit

	// Name identifies the source for logging, metrics and the cycle summary.
	Name() string
}

// BreakerConfig tunes the per-source circuit breaker.
type BreakerConfig struct {
	MaxConsecutiveFailures uint32
	OpenTimeout            time.Duration
}

// DefaultBreakerConfig trips after 5 consecutive failures and tries again
// after a minute, a conservative default for a scraper hit at most once
// per cycle.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxConsecutiveFailures: 5, OpenTimeout: time.Minute}
}

// GuardedSource wraps a Source with a gobreaker.CircuitBreaker: once a
// source trips the breaker, Scrape fails fast with SourceUnavailable
// instead of making another outbound call, until the breaker's open
// timeout elapses.
type GuardedSource struct {
	inner   Source
	breaker *gobreaker.CircuitBreaker
}

// NewGuardedSource wraps inner with a circuit breaker configured by cfg.
func NewGuardedSource(inner Source, cfg BreakerConfig) *GuardedSource {
	settings := gobreaker.Settings{
		Name: inner.Name(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxConsecutiveFailures
		},
		Timeout: cfg.OpenTimeout,
	}
	return &GuardedSource{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Name implements Source.
func (g *GuardedSource) Name() string { return g.inner.Name() }

// Normalize implements Source, passed through to the wrapped source.
func (g *GuardedSource) Normalize(rows []permit.RawPermit) []permit.RawPermit {
	return g.inner.Normalize(rows)
}

// Scrape implements Source, guarded by the circuit breaker. A breaker-open
// rejection and any underlying transport error are both reported as
// *pipelineerr.PipelineError of type SourceUnavailable: the source
// contributes zero rows this cycle and the cycle continues.
func (g *GuardedSource) Scrape(ctx context.Context, startDate, endDate string) ([]permit.RawPermit, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Scrape(ctx, startDate, endDate)
	})
	if err != nil {
		return nil, pipelineerr.Wrapf(err, pipelineerr.ErrorTypeSourceUnavailable,
			"source %q scrape failed", g.inner.Name())
	}
	rows, ok := result.([]permit.RawPermit)
	if !ok {
		return nil, pipelineerr.New(pipelineerr.ErrorTypeSourceUnavailable,
			fmt.Sprintf("source %q returned unexpected result type", g.inner.Name()))
	}
	return rows, nil
}
