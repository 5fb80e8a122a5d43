package auth

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"peerhub/internal/observability"
)

// RateLimiter is a sliding-window limiter keyed by client IP.
type RateLimiter struct {
	mu        sync.Mutex
	name      string
	message   string
	maxHits   int
	window    time.Duration
	hitByIP   map[string][]time.Time
	maxMemory int
	metrics   *observability.Metrics
	now       func() time.Time

	// skipSuccessful drops the hit of any request answered below 400.
	skipSuccessful bool
}

func NewRateLimiter(name, message string, maxHits int, window time.Duration, metrics *observability.Metrics) *RateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	if message == "" {
		message = "too many requests, please try again later"
	}

	return &RateLimiter{
		name:      name,
		message:   message,
		maxHits:   maxHits,
		window:    window,
		hitByIP:   make(map[string][]time.Time),
		maxMemory: 5000,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (l *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	if now != nil {
		l.now = now
	}
	return l
}

// SkipSuccessful makes the limiter count only failed requests, so successful logins
// from a shared address do not use up the window.
func (l *RateLimiter) SkipSuccessful() *RateLimiter {
	l.skipSuccessful = true
	return l
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)
		now := l.now()

		allowed, retryAfter := l.allow(ip, now)
		if !allowed {
			l.metrics.RateLimited(l.name)
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, KindRateLimited, l.message)
			return
		}

		if !l.skipSuccessful {
			next.ServeHTTP(w, r)
			return
		}

		recorder := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		if recorder.status < http.StatusBadRequest {
			l.forget(ip, now)
		}
	})
}

// forget removes the most recent hit recorded at for ip.
func (l *RateLimiter) forget(ip string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hitByIP[ip]
	for i := len(hits) - 1; i >= 0; i-- {
		if hits[i].Equal(at) {
			l.hitByIP[ip] = append(hits[:i], hits[i+1:]...)
			return
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (l *RateLimiter) allow(ip string, now time.Time) (bool, time.Duration) {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hitByIP[ip]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= l.maxHits {
		retryAfter := filtered[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.hitByIP[ip] = filtered
		return false, retryAfter
	}

	filtered = append(filtered, now)
	l.hitByIP[ip] = filtered

	if len(l.hitByIP) > l.maxMemory {
		for key, value := range l.hitByIP {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(l.hitByIP, key)
			}
		}
	}

	return true, 0
}
