// Package guard provides the HTTP middleware that interposes the gate
// in front of protected routes.
//
// The guard only decides whether to attempt the downstream call; the
// attempt itself is recorded regardless of the downstream outcome, so a
// failed login still consumes a rate-limit attempt. Denials surface as
// 429 responses carrying the remaining block time, never as silent
// failures.
package guard

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/luisfsill/abusegate/internal/domain"
	"github.com/luisfsill/abusegate/internal/ledger"
)

// FingerprintHeader carries the client's fingerprint hash on guarded
// requests.
const FingerprintHeader = "X-Client-Fingerprint"

// Guard wires the ledger into chi middleware.
type Guard struct {
	ledger   *ledger.Ledger
	policies map[string]domain.Policy
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// Option customises a Guard.
type Option func(*Guard)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a Guard enforcing the given per-action policies and a
// per-IP request throttle of rps/burst on everything it wraps.
func New(l *ledger.Ledger, policies map[string]domain.Policy, rps float64, burst int, opts ...Option) *Guard {
	g := &Guard{
		ledger:   l,
		policies: policies,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Protect gates an action: the request is denied with 429 while the
// ledger says the fingerprint is limited or blocked, and the attempt is
// recorded before the downstream handler runs.
func (g *Guard) Protect(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			policy, ok := g.policies[action]
			if !ok {
				deny(w, http.StatusInternalServerError, "no policy configured for action "+action, nil)
				return
			}

			fp := r.Header.Get(FingerprintHeader)
			if fp == "" {
				deny(w, http.StatusBadRequest, "missing "+FingerprintHeader+" header", nil)
				return
			}

			d := g.ledger.Check(r.Context(), fp, action, policy)
			if !d.Allowed {
				if d.BlockedUntil != nil {
					retry := int(d.BlockedUntil.Sub(g.now()).Seconds()) + 1
					w.Header().Set("Retry-After", strconv.Itoa(retry))
				}
				deny(w, http.StatusTooManyRequests, d.Reason, d.BlockedUntil)
				return
			}

			meta := domain.AttemptMeta{UserAgent: r.UserAgent(), Path: r.URL.Path}
			if err := g.ledger.Record(r.Context(), fp, action, policy, meta); err != nil {
				// Bookkeeping failure must not take the route down.
				// The attempt proceeds uncounted.
				_ = err
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Throttle applies the per-IP request limiter. It protects the gate's
// own endpoints from being hammered, independent of any action policy.
func (g *Guard) Throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.limiter(clientIP(r)).Allow() {
			deny(w, http.StatusTooManyRequests, "request rate exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Guard) limiter(ip string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[ip]
	if !ok {
		l = rate.NewLimiter(g.rps, g.burst)
		g.limiters[ip] = l
	}
	return l
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// deny writes the standard error envelope used across the API.
func deny(w http.ResponseWriter, status int, reason string, blockedUntil *time.Time) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	body := map[string]any{
		"error": map[string]any{
			"code":    http.StatusText(status),
			"message": reason,
		},
	}
	if blockedUntil != nil {
		body["blockedUntil"] = blockedUntil
	}
	_ = json.NewEncoder(w).Encode(body)
}
