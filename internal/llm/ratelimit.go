package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	next    Classifier
	limiter *rate.Limiter
}

// WithRateLimit makes callers wait for a token before each upstream call.
// A wait that would outlast ctx fails immediately.
func WithRateLimit(next Classifier, perSecond float64, burst int) Classifier {
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *rateLimited) Mode() string { return r.next.Mode() }

func (r *rateLimited) Classify(ctx context.Context, req Request) (Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("rate limit: %w", ctxErr)
		}
		// The limiter refuses waits that would pass the deadline.
		return Result{}, fmt.Errorf("rate limit: %w: %v", context.DeadlineExceeded, err)
	}
	return r.next.Classify(ctx, req)
}
