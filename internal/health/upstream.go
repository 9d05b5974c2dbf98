package health

import (
	"context"
	"time"
)

// Pinger probes the inference service.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// Guard runs a probe through a circuit breaker. With the breaker open the
// check fails immediately instead of stacking probe timeouts on a dead
// upstream.
type Guard interface {
	Execute(ctx context.Context, operation string, fn func(context.Context) error) error
}

// Upstream builds a Checker that pings the inference service through guard.
func Upstream(name string, pinger Pinger, guard Guard) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			return guard.Execute(ctx, "health_ping", func(ctx context.Context) error {
				_, err := pinger.Ping(ctx)
				return err
			})
		},
	}
}
