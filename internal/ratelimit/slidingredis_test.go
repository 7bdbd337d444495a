package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSlidingRedisAllow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	limiter := SlidingRedis{Client: client, Prefix: "test:"}

	ctx := context.Background()
	window := 2 * time.Second
	limit := 2

	for i := 0; i < limit; i++ {
		res, err := limiter.Allow(ctx, "key", window, limit)
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
		if res.Remaining != limit-(i+1) {
			t.Fatalf("unexpected remaining: %d", res.Remaining)
		}
	}

	res, err := limiter.Allow(ctx, "key", window, limit)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected third request to be rejected")
	}
	if res.Remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", res.Remaining)
	}
	if err := limiter.Check(ctx, time.Second); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestSlidingRedisWithoutClientAllows(t *testing.T) {
	res, err := SlidingRedis{}.Allow(context.Background(), "k", time.Second, 1)
	if err != nil || !res.Allowed {
		t.Fatalf("expected pass-through, got %+v %v", res, err)
	}
	if err := (SlidingRedis{}).Check(context.Background(), time.Second); err == nil {
		t.Fatal("expected check to fail without a client")
	}
}

func TestMemoryAllow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := m.Allow(ctx, "10.0.0.1", time.Minute, 3)
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("expected event %d to be allowed", i)
		}
	}
	res, err := m.Allow(ctx, "10.0.0.1", time.Minute, 3)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed || res.Remaining != 0 {
		t.Fatalf("expected limit reached, got %+v", res)
	}

	res, err = m.Allow(ctx, "10.0.0.2", time.Minute, 3)
	if err != nil || !res.Allowed {
		t.Fatalf("expected other key to be independent, got %+v %v", res, err)
	}

	res, err = m.Allow(ctx, "any", time.Minute, 0)
	if err != nil || !res.Allowed {
		t.Fatalf("expected disabled limit to allow, got %+v %v", res, err)
	}
}
