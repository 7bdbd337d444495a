package ratelimit

import (
	"context"
	"time"

	limiter "github.com/ulule/limiter/v3"
	limitermemory "github.com/ulule/limiter/v3/drivers/store/memory"
)

// Memory is a fixed-window limiter local to the process.
type Memory struct {
	store limiter.Store
}

// NewMemory returns an empty in-process limiter.
func NewMemory() *Memory {
	return &Memory{store: limitermemory.NewStore()}
}

// Allow implements Limiter.
func (m *Memory) Allow(ctx context.Context, key string, window time.Duration, max int) (Result, error) {
	if max <= 0 || window <= 0 {
		return unlimited(window, max), nil
	}
	lctx, err := limiter.New(m.store, limiter.Rate{Period: window, Limit: int64(max)}).Get(ctx, key)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Allowed:   !lctx.Reached,
		Remaining: int(lctx.Remaining),
		Reset:     time.Unix(lctx.Reset, 0),
	}, nil
}
