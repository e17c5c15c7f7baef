package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// KeyFunc derives the counter key for a request. Returning "" skips limiting.
type KeyFunc func(r *http.Request) string

// Observer is told about every decision, for metrics and logs.
type Observer func(scope string, decision Decision, err error)

type Middleware struct {
	limiter  Limiter
	scope    string
	limit    Limit
	keyFunc  KeyFunc
	failOpen bool
	observe  Observer
	now      func() time.Time
}

type MiddlewareOption func(*Middleware)

// FailOpen admits requests when the limiter's store is unavailable.
func FailOpen() MiddlewareOption {
	return func(m *Middleware) {
		m.failOpen = true
	}
}

func WithObserver(observe Observer) MiddlewareOption {
	return func(m *Middleware) {
		m.observe = observe
	}
}

func NewMiddleware(limiter Limiter, scope string, limit Limit, keyFunc KeyFunc, opts ...MiddlewareOption) *Middleware {
	if keyFunc == nil {
		keyFunc = ByIP
	}
	m := &Middleware{
		limiter: limiter,
		scope:   scope,
		limit:   limit,
		keyFunc: keyFunc,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.keyFunc(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		decision, err := m.limiter.Check(r.Context(), m.scope+":"+key, m.limit)
		if m.observe != nil {
			m.observe(m.scope, decision, err)
		}
		if err != nil {
			if m.failOpen {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retryAfter := decision.RetryAfter(m.now())
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ByIP keys requests by client address.
func ByIP(r *http.Request) string {
	return ClientIP(r)
}

// ClientIP returns the address the edge proxy saw: the right-most
// X-Forwarded-For entry, else the RemoteAddr host. Entries to its left are
// client supplied and never used as a key. The service assumes exactly one
// trusted proxy in front of it, or none.
func ClientIP(r *http.Request) string {
	if xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if ip := strings.TrimSpace(parts[len(parts)-1]); ip != "" {
			return ip
		}
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}

	return "unknown"
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
