// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package model

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limited throttles calls to Next to a fixed number per minute.
type Limited struct {
	Next    Invoker
	limiter *rate.Limiter
}

// NewLimited allows perMinute calls per minute with no burst.
func NewLimited(next Invoker, perMinute int) *Limited {
	return &Limited{
		Next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

func (l *Limited) Invoke(ctx context.Context, req Request) (Response, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Response{}, err
	}
	return l.Next.Invoke(ctx, req)
}
