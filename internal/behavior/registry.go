package behavior

import (
	"sync"
	"time"
)

// Registry maps fingerprint hashes to their Trackers, creating them on
// demand. Idle trackers are dropped by Sweep so abandoned sessions don't
// accumulate forever.
type Registry struct {
	mu       sync.Mutex
	now      func() time.Time
	idleTTL  time.Duration
	opts     []Option // inherited by every new tracker
	trackers map[string]*Tracker
}

// NewRegistry returns a Registry dropping trackers idle for longer than
// idleTTL. Options are passed through to every tracker it creates, so
// tests can drive the whole registry from one clock.
func NewRegistry(idleTTL time.Duration, opts ...Option) *Registry {
	probe := &Tracker{now: time.Now}
	for _, opt := range opts {
		opt(probe)
	}
	return &Registry{
		now:      probe.now,
		idleTTL:  idleTTL,
		opts:     opts,
		trackers: make(map[string]*Tracker),
	}
}

// Get returns the tracker for a fingerprint, creating it on first use.
func (r *Registry) Get(fp string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[fp]
	if !ok {
		t = NewTracker(r.opts...)
		r.trackers[fp] = t
	}
	return t
}

// Sweep removes trackers that have seen no events within the idle TTL.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.idleTTL)
	for fp, t := range r.trackers {
		t.mu.Lock()
		idle := t.lastSeen.Before(cutoff)
		t.mu.Unlock()
		if idle {
			delete(r.trackers, fp)
		}
	}
}
