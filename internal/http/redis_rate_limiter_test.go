package httpx

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisRateLimiterCountsPerWindow(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter, err := NewRedisRateLimiter(srv.Addr(), "", 0, nil)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	defer limiter.Close()

	for i := 1; i <= 3; i++ {
		decision := limiter.Allow("ip:10.0.0.1", 3, time.Minute)
		if !decision.allowed || decision.count != i {
			t.Fatalf("request %d: unexpected decision %+v", i, decision)
		}
	}
	if decision := limiter.Allow("ip:10.0.0.1", 3, time.Minute); decision.allowed {
		t.Fatalf("expected fourth request to be limited, got %+v", decision)
	}
	if decision := limiter.Allow("ip:10.0.0.2", 3, time.Minute); !decision.allowed {
		t.Fatalf("expected other key to be allowed, got %+v", decision)
	}
	if ttl := srv.TTL("togglemetrics:ratelimit:ip:10.0.0.1"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	srv.FastForward(time.Minute + time.Second)
	if decision := limiter.Allow("ip:10.0.0.1", 3, time.Minute); !decision.allowed || decision.count != 1 {
		t.Fatalf("expected a new window after expiry, got %+v", decision)
	}
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter, err := NewRedisRateLimiter(srv.Addr(), "", 0, nil)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	defer limiter.Close()
	srv.Close()
	if decision := limiter.Allow("ip:10.0.0.1", 1, time.Minute); !decision.allowed {
		t.Fatalf("expected limiter to fail open when redis is down, got %+v", decision)
	}
}

func TestRedisRateLimiterRequiresAddress(t *testing.T) {
	if _, err := NewRedisRateLimiter("", "", 0, nil); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	defer limiter.Close()
	for i := 0; i < 2; i++ {
		if !limiter.Allow("k", 2, time.Minute).allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if limiter.Allow("k", 2, time.Minute).allowed {
		t.Fatal("third request should be limited")
	}
	if !limiter.Allow("k", 0, time.Minute).allowed {
		t.Fatal("zero limit disables limiting")
	}
}

func TestMemoryRateLimiterStartsNewWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := newMemoryRateLimiter(func() time.Time { return now })
	defer limiter.Close()

	first := limiter.Allow("ip:10.0.0.1", 1, time.Minute)
	if !first.allowed || !first.windowEnd.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected first decision %+v", first)
	}
	if limiter.Allow("ip:10.0.0.1", 1, time.Minute).allowed {
		t.Fatal("second request in the window should be limited")
	}

	now = now.Add(time.Minute + time.Second)
	if decision := limiter.Allow("ip:10.0.0.1", 1, time.Minute); !decision.allowed || decision.count != 1 {
		t.Fatalf("expected a fresh window, got %+v", decision)
	}
	limiter.cleanup(now.Add(2 * time.Minute))
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.entries) != 0 {
		t.Fatalf("expected expired windows to be swept, got %d", len(limiter.entries))
	}
}

func TestRateMetricKeyKeepsKindOnly(t *testing.T) {
	cases := map[string]string{
		"ip:198.51.100.4": "ip",
		"ip:":             "ip",
		"":                "unknown",
		"no-kind":         "unknown",
		":x":              "unknown",
	}
	for key, want := range cases {
		if got := rateMetricKey(key); got != want {
			t.Fatalf("rateMetricKey(%q) = %q, want %q", key, got, want)
		}
	}
}
