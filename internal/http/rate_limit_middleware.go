package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// writeHeaders advertises the window state. Remaining never goes negative.
func (d rateDecision) writeHeaders(h http.Header, limit int, now time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(limit-d.count, 0)))
	if d.windowEnd.IsZero() {
		return
	}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.windowEnd.Unix(), 10))
	if !d.allowed {
		wait := int(d.windowEnd.Sub(now).Round(time.Second) / time.Second)
		h.Set("Retry-After", strconv.Itoa(max(wait, 1)))
	}
}

// rateRule binds a route to its budget and to how callers are told apart.
type rateRule struct {
	route  string
	limit  int
	window time.Duration
	key    func(*http.Request) string
}

func (r *Router) clientWriteRule(route string) rateRule {
	return rateRule{route: route, limit: r.writeLimit, window: rateWindowDefault, key: rateLimitKeyClient}
}

func streamRule(route string) rateRule {
	return rateRule{route: route, limit: rateLimitStream, window: rateWindowRealtime, key: rateLimitKeyClient}
}

// limited rejects requests over the rule's budget with 429. A rule without a
// positive limit passes everything through.
func (r *Router) limited(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	if rule.limit <= 0 || r.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, req *http.Request) {
		key := rule.key(req)
		decision := r.limiter.Allow(key, rule.limit, rule.window)
		decision.writeHeaders(w.Header(), rule.limit, time.Now())
		if decision.allowed {
			next(w, req)
			return
		}
		r.stats.rateLimited(rule.route, rateMetricKey(key))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	}
}

// rateLimitKeyClient keys on the same source address the ingest path records.
func rateLimitKeyClient(req *http.Request) string {
	ip := clientIP(req)
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

// rateMetricKey keeps only the key's kind ("ip") so metric labels stay bounded.
func rateMetricKey(key string) string {
	kind, _, found := strings.Cut(key, ":")
	if !found || kind == "" {
		return "unknown"
	}
	return kind
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateWindow
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type rateWindow struct {
	count int
	ends  time.Time
}

// NewMemoryRateLimiter returns a process-local limiter. Expired windows are
// swept periodically until Close.
func NewMemoryRateLimiter() RateLimiter {
	return newMemoryRateLimiter(time.Now)
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	rl := &memoryRateLimiter{
		entries: make(map[string]*rateWindow),
		now:     now,
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w := rl.entries[key]
	if w == nil || now.After(w.ends) {
		w = &rateWindow{ends: now.Add(window)}
		rl.entries[key] = w
	}
	allowed := w.count < limit
	if allowed {
		w.count++
	}
	return rateDecision{allowed: allowed, count: w.count, windowEnd: w.ends}
}

func (rl *memoryRateLimiter) sweep() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup(rl.now())
		}
	}
}

func (rl *memoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.entries {
		if now.After(w.ends) {
			delete(rl.entries, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}
