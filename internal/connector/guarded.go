package connector

import (
	"context"

	"github.com/jonboulle/clockwork"

	"github.com/thapasuman5202/Engineering/internal/model"
	"github.com/thapasuman5202/Engineering/internal/resilience"
)

// Guarded runs a connector behind a per-connector circuit breaker and
// retries transient failures.
type Guarded struct {
	Connector
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
	clock   clockwork.Clock
}

// Guard wraps conn with the breaker registered under its name.
func Guard(conn Connector, breakers *resilience.Breakers, retry resilience.RetryConfig, clock clockwork.Clock) *Guarded {
	retry.Name = conn.Name()
	return &Guarded{
		Connector: conn,
		breaker:   breakers.Get(conn.Name()),
		retry:     retry,
		clock:     clock,
	}
}

// Breaker returns the connector's circuit breaker.
func (g *Guarded) Breaker() *resilience.Breaker {
	return g.breaker
}

func (g *Guarded) Fetch(ctx context.Context, req Request) ([]model.SourceRecord, error) {
	return resilience.Call(ctx, g.breaker, func(ctx context.Context) ([]model.SourceRecord, error) {
		return resilience.Retry(ctx, g.clock, g.retry, func(ctx context.Context) ([]model.SourceRecord, error) {
			return g.Connector.Fetch(ctx, req)
		})
	})
}
