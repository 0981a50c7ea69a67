package participant

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	next    Participant
	limiter *rate.Limiter
}

// RateLimited throttles calls to p to rps per second with the given burst.
// A call waits for a token or fails when ctx ends first.
func RateLimited(p Participant, rps float64, burst int) Participant {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimited{next: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimited) Call(ctx context.Context, entryPoint string, params []string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return r.next.Call(ctx, entryPoint, params)
}
