package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFixedWindowLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter, err := NewFixedWindowLimiter(client, "test:ratelimit", 2, time.Second)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if !limiter.Allow("ip-1") {
		t.Fatal("first request should pass")
	}
	if !limiter.Allow("ip-1") {
		t.Fatal("second request should pass")
	}
	if limiter.Allow("ip-1") {
		t.Fatal("third request should be blocked")
	}
	if !limiter.Allow("ip-2") {
		t.Fatal("separate key should have its own quota")
	}
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter, err := NewFixedWindowLimiter(client, "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	mr.Close()
	if limiter.Allow("ip-1") {
		t.Fatal("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterRequiresClient(t *testing.T) {
	if _, err := NewFixedWindowLimiter(nil, "test:ratelimit", 1, time.Second); err == nil {
		t.Fatal("expected constructor error for nil client")
	}
}

func TestSlidingWindowLimiter(t *testing.T) {
	limiter := NewSlidingWindowLimiter(2, time.Minute)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return clock }

	if !limiter.Allow("u1") || !limiter.Allow("u1") {
		t.Fatal("first two attempts should pass")
	}
	if limiter.Allow("u1") {
		t.Fatal("third attempt inside the window should be blocked")
	}

	clock = clock.Add(61 * time.Second)
	if !limiter.Allow("u1") {
		t.Fatal("attempt after the window should pass")
	}
}

func TestSlidingWindowLimiterDeniedAttemptsNotCounted(t *testing.T) {
	limiter := NewSlidingWindowLimiter(1, time.Minute)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return clock }

	if !limiter.Allow("u1") {
		t.Fatal("first attempt should pass")
	}
	for i := 0; i < 5; i++ {
		clock = clock.Add(10 * time.Second)
		limiter.Allow("u1")
	}
	clock = clock.Add(11 * time.Second)
	if !limiter.Allow("u1") {
		t.Fatal("key should recover once the admitted attempt ages out")
	}
}
