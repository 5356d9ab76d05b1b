package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/genflow/internal/ratelimit"
)

const throttleSubject = "generation"

var ErrThrottled = errors.New("generation rate limit exceeded")

// Throttled takes tokens before each call and fails fast when the bucket is
// empty. A weighted limiter is charged one token plus one per input image.
type Throttled struct {
	Next    Generator
	Limiter ratelimit.Limiter
}

func (t Throttled) Generate(ctx context.Context, req Request) (Response, error) {
	if t.Limiter != nil {
		decision, err := t.take(ctx, req)
		if err != nil {
			return Response{}, fmt.Errorf("check generation budget: %w", err)
		}
		if !decision.Allowed {
			return Response{}, fmt.Errorf("%w: retry after %s", ErrThrottled, decision.RetryAfter)
		}
	}
	return t.Next.Generate(ctx, req)
}

func (t Throttled) take(ctx context.Context, req Request) (ratelimit.Decision, error) {
	if weighted, ok := t.Limiter.(ratelimit.WeightedLimiter); ok {
		return weighted.AllowN(ctx, throttleSubject, 1+len(req.Images))
	}
	return t.Limiter.Allow(ctx, throttleSubject)
}
