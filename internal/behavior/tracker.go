// Package behavior accumulates interaction telemetry per client and
// derives the suspicious-pattern tags consumed by the classifier.
//
// A Tracker is the server-side counterpart of a page-lifetime event
// listener: counters only grow until a caller resets them, typically
// after a successful sensitive action so stale suspicion doesn't carry
// over into the next session.
package behavior

import (
	"sync"
	"time"

	"github.com/luisfsill/abusegate/internal/domain"
)

// Thresholds for the three independently evaluated pattern rules.
const (
	highSpeedRate      = 50.0  // interactions per second
	noHumanAfter       = 30.0  // seconds on page with zero mouse/keys
	regularClickMin    = 5     // clicks needed before variance is meaningful
	regularClickMaxVar = 100.0 // ms² variance of consecutive inter-click gaps
)

// Tracker accumulates interaction counters for one fingerprint.
type Tracker struct {
	mu         sync.Mutex
	now        func() time.Time
	start      time.Time
	lastSeen   time.Time
	mouseMoves int
	keyPresses int
	scrolls    int
	clicks     int
	clickTimes []time.Time
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns a Tracker whose page-time origin is now.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	t.start = t.now()
	t.lastSeen = t.start
	return t
}

// RecordMouseMove counts one mouse-move event.
func (t *Tracker) RecordMouseMove() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mouseMoves++
	t.lastSeen = t.now()
}

// RecordKeyPress counts one key-press event.
func (t *Tracker) RecordKeyPress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keyPresses++
	t.lastSeen = t.now()
}

// RecordScroll counts one scroll event.
func (t *Tracker) RecordScroll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scrolls++
	t.lastSeen = t.now()
}

// RecordClick counts one click and remembers its timestamp in the
// bounded recent-click list.
func (t *Tracker) RecordClick(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clicks++
	t.clickTimes = append(t.clickTimes, at)
	if len(t.clickTimes) > domain.ClickSampleCap {
		t.clickTimes = t.clickTimes[len(t.clickTimes)-domain.ClickSampleCap:]
	}
	t.lastSeen = t.now()
}

// Reset clears all counters and restarts the page-time origin.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mouseMoves, t.keyPresses, t.scrolls, t.clicks = 0, 0, 0, 0
	t.clickTimes = nil
	t.start = t.now()
	t.lastSeen = t.start
}

// Snapshot returns the current counters plus a freshly recomputed
// interaction rate and suspicious-pattern list. Any subset of the
// pattern rules may fire; they are evaluated independently.
func (t *Tracker) Snapshot() domain.BehaviorSample {
	t.mu.Lock()
	defer t.mu.Unlock()

	seconds := t.now().Sub(t.start).Seconds()
	total := t.mouseMoves + t.keyPresses + t.scrolls + t.clicks

	rate := float64(total)
	if seconds > 0 {
		rate = float64(total) / seconds
	}

	sample := domain.BehaviorSample{
		MouseMoves:      t.mouseMoves,
		KeyPresses:      t.keyPresses,
		ScrollEvents:    t.scrolls,
		Clicks:          t.clicks,
		ClickTimes:      append([]time.Time(nil), t.clickTimes...),
		SecondsOnPage:   seconds,
		InteractionRate: rate,
	}

	if rate > highSpeedRate {
		sample.SuspiciousPatterns = append(sample.SuspiciousPatterns, domain.PatternHighSpeed)
	}
	if seconds > noHumanAfter && t.mouseMoves == 0 && t.keyPresses == 0 {
		sample.SuspiciousPatterns = append(sample.SuspiciousPatterns, domain.PatternNoHuman)
	}
	if t.clicks >= regularClickMin && clickIntervalVariance(t.clickTimes) < regularClickMaxVar {
		sample.SuspiciousPatterns = append(sample.SuspiciousPatterns, domain.PatternRegularClicks)
	}

	return sample
}

// clickIntervalVariance returns the variance, in ms², of the gaps
// between consecutive clicks. Metronomic clicking produces near-zero
// variance; human clicking is far noisier.
func clickIntervalVariance(times []time.Time) float64 {
	if len(times) < regularClickMin {
		return regularClickMaxVar // too few samples to judge
	}
	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals = append(intervals, float64(times[i].Sub(times[i-1]).Milliseconds()))
	}

	var mean float64
	for _, d := range intervals {
		mean += d
	}
	mean /= float64(len(intervals))

	var variance float64
	for _, d := range intervals {
		variance += (d - mean) * (d - mean)
	}
	return variance / float64(len(intervals))
}
