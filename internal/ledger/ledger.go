// Package ledger implements the per-action, per-fingerprint rate-limit
// state machine.
//
// Architecture:
//
//	Each (action, fingerprint) key moves through FRESH → OPEN →
//	BLOCKED → FRESH. Check is the read-side decision, Record the
//	unconditional "this attempt happened" write, decoupled so a
//	failed downstream call still consumes an attempt.
//
// Corruption policy is deliberately asymmetric: an unreadable record
// fails open to a fresh window, while a record that is readable but
// structurally impossible (timestamps out of order, absurd attempt
// counts) is treated as deliberate manipulation and punished with a
// double-length block. Everything here is an advisory speed bump for a
// client-attributed identifier, not a security boundary.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luisfsill/abusegate/internal/domain"
	"github.com/luisfsill/abusegate/internal/storage"
)

// ErrManipulated is returned by Reset when the record has already been
// flagged as tampered with; a ledger that caught manipulation cannot be
// self-cleared by the same client.
var ErrManipulated = errors.New("ledger: record flagged as manipulated")

// Escalation tuning.
const (
	// botPatternGap is the maximum spacing between the three most
	// recent attempts before they count as an automated burst.
	botPatternGap = 100 * time.Millisecond

	// botSuspicionLimit is the burst count that triggers an immediate
	// extended block.
	botSuspicionLimit = 2

	// botBlockFactor multiplies the policy block duration for
	// suspicion-triggered blocks.
	botBlockFactor = 3

	// punitiveFactor multiplies the policy block duration when a
	// manipulated record is found.
	punitiveFactor = 2

	// violationLimit security violations within violationWindow
	// trigger a global block of globalBlockFor across all actions.
	violationLimit  = 3
	violationWindow = 5 * time.Minute
	globalBlockFor  = time.Hour
)

// Ledger owns all reads and writes of gate records.
type Ledger struct {
	mu     sync.Mutex
	mirror *storage.Mirror
	codec  *storage.Codec
	now    func() time.Time
	alert  func(domain.AlertEvent)
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithAlertFunc registers a callback fired on punitive and global
// blocks. It must not block; notifiers dispatch asynchronously.
func WithAlertFunc(fn func(domain.AlertEvent)) Option {
	return func(l *Ledger) { l.alert = fn }
}

// New creates a Ledger over the given mirror and codec.
func New(mirror *storage.Mirror, codec *storage.Codec, opts ...Option) *Ledger {
	l := &Ledger{mirror: mirror, codec: codec, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ─── Keys ─────────────────────────────────────────────────────────────────────

func recordKey(action, fp string) string { return "rl:" + action + ":" + fp }
func violationKey(fp string) string      { return "viol:" + fp }
func globalBlockKey(fp string) string    { return "gblock:" + fp }

// ─── Check ────────────────────────────────────────────────────────────────────

// Check answers whether the action is currently allowed for the
// fingerprint. It is read-only except for the one transition it may
// persist: tipping an exhausted window into the blocked state.
func (l *Ledger) Check(ctx context.Context, fp, action string, policy domain.Policy) domain.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if gb := l.loadGlobalBlock(ctx, fp); gb != nil && now.Before(gb.Until) {
		until := gb.Until
		return domain.Decision{Allowed: false, BlockedUntil: &until, Reason: gb.Reason}
	}

	rec, verdict := l.loadRecord(ctx, fp, action)
	switch verdict {
	case loadCorrupted:
		// Unreadable copies are discarded and the window fails open,
		// but the mutation itself still counts as a violation.
		l.discardCorrupted(ctx, fp, action, "unreadable record on check")
		return domain.Decision{Allowed: true, Remaining: policy.MaxAttempts}
	case loadInvalid:
		until := l.punish(ctx, fp, action, policy, "structurally inconsistent record on check")
		return domain.Decision{Allowed: false, BlockedUntil: &until, Reason: "record manipulation detected"}
	case loadMissing:
		return domain.Decision{Allowed: true, Remaining: policy.MaxAttempts}
	}

	if rec.Blocked(now) {
		return domain.Decision{Allowed: false, BlockedUntil: rec.BlockedUntil, Reason: rec.BlockReason}
	}

	// An expired block or window is logically fresh; nothing is
	// persisted until the next Record starts a new window.
	if (rec.BlockedUntil != nil && !now.Before(*rec.BlockedUntil)) || !now.Before(rec.ResetTime) {
		return domain.Decision{Allowed: true, Remaining: policy.MaxAttempts}
	}

	if rec.Attempts < policy.MaxAttempts {
		return domain.Decision{Allowed: true, Remaining: policy.MaxAttempts - rec.Attempts}
	}

	// The max was reached on this read: transition to BLOCKED and
	// persist before denying.
	until := now.Add(policy.BlockDuration)
	rec.BlockedUntil = &until
	ts := now
	rec.BlockTimestamp = &ts
	rec.BlockReason = fmt.Sprintf("attempt limit reached (%d)", policy.MaxAttempts)
	l.saveRecord(ctx, rec)

	return domain.Decision{Allowed: false, BlockedUntil: &until, Reason: rec.BlockReason}
}

// ─── Record ───────────────────────────────────────────────────────────────────

// Record durably counts one attempt, regardless of whether it was
// allowed or what the downstream call did with it.
func (l *Ledger) Record(ctx context.Context, fp, action string, policy domain.Policy, meta domain.AttemptMeta) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	rec, verdict := l.loadRecord(ctx, fp, action)
	switch verdict {
	case loadCorrupted:
		l.discardCorrupted(ctx, fp, action, "unreadable record on attempt")
		rec = nil
	case loadInvalid:
		l.punish(ctx, fp, action, policy, "structurally inconsistent record on attempt")
		return nil
	}

	// An elapsed block returns the key to FRESH even when the old
	// window would still be open.
	expiredBlock := rec != nil && rec.BlockedUntil != nil && !now.Before(*rec.BlockedUntil)

	if rec == nil || expiredBlock || !now.Before(rec.ResetTime) {
		rec = &domain.Record{
			Action:       action,
			Fingerprint:  fp,
			FirstAttempt: now,
			ResetTime:    now.Add(policy.Window),
		}
	}
	rec.Attempts++

	ua := meta.UserAgent
	if len(ua) > domain.UserAgentMax {
		ua = ua[:domain.UserAgentMax]
	}
	rec.History = append(rec.History, domain.AttemptEntry{Timestamp: now, UserAgent: ua, Path: meta.Path})
	if len(rec.History) > domain.HistoryCap {
		rec.History = rec.History[len(rec.History)-domain.HistoryCap:]
	}

	// Short-horizon burst heuristic: three attempts landing within
	// botPatternGap of each other is faster than any human retry loop.
	if isAttemptBurst(rec.History) {
		rec.BotSuspicion++
		if rec.BotSuspicion >= botSuspicionLimit && !rec.Blocked(now) {
			until := now.Add(botBlockFactor * policy.BlockDuration)
			rec.BlockedUntil = &until
			ts := now
			rec.BlockTimestamp = &ts
			rec.BlockReason = "automated attempt pattern"
			l.addViolation(ctx, fp, domain.ViolationBotPattern, "attempt burst under 100ms")
			l.emit(domain.AlertEvent{
				Event: domain.EventPunitiveBlock, Fingerprint: fp, Action: action,
				Detail: rec.BlockReason, TriggeredAt: now,
			})
		}
	}

	return l.saveRecord(ctx, rec)
}

// isAttemptBurst reports whether the three most recent history entries
// all landed within botPatternGap of each other.
func isAttemptBurst(history []domain.AttemptEntry) bool {
	if len(history) < 3 {
		return false
	}
	last := history[len(history)-3:]
	return last[1].Timestamp.Sub(last[0].Timestamp) < botPatternGap &&
		last[2].Timestamp.Sub(last[1].Timestamp) < botPatternGap
}

// ─── Reset / Status ───────────────────────────────────────────────────────────

// Reset deletes the record for the action, unless the record has been
// flagged as manipulated, in which case it refuses and logs.
func (l *Ledger) Reset(ctx context.Context, fp, action string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, verdict := l.loadRecord(ctx, fp, action)
	if verdict == loadInvalid || (rec != nil && rec.ManipulationDetected) {
		slog.Warn("ledger: refusing reset of manipulated record",
			"action", action, "fingerprint", short(fp))
		return ErrManipulated
	}
	return l.mirror.Remove(ctx, recordKey(action, fp))
}

// Status returns the current attempt/block state for UI display.
func (l *Ledger) Status(ctx context.Context, fp, action string) domain.Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if gb := l.loadGlobalBlock(ctx, fp); gb != nil && now.Before(gb.Until) {
		until := gb.Until
		return domain.Status{Blocked: true, BlockedUntil: &until, Fingerprint: fp}
	}

	rec, verdict := l.loadRecord(ctx, fp, action)
	if rec == nil || verdict != loadOK {
		return domain.Status{Fingerprint: fp}
	}
	st := domain.Status{Attempts: rec.Attempts, Fingerprint: fp}
	if rec.Blocked(now) {
		st.Blocked = true
		st.BlockedUntil = rec.BlockedUntil
	}
	return st
}

// Sweep removes records whose window and block have both fully expired.
// It runs opportunistically from a background ticker.
func (l *Ledger) Sweep(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	keys, err := l.mirror.Keys(ctx, "rl:")
	if err != nil {
		slog.Warn("ledger: sweep key listing failed", "error", err)
		return
	}
	for _, key := range keys {
		rec, verdict := l.loadByKey(ctx, key)
		if verdict != loadOK || rec == nil {
			continue
		}
		// Manipulated records are kept so the flag outlives its window.
		if rec.ManipulationDetected {
			continue
		}
		if !now.Before(rec.ResetTime) && !rec.Blocked(now) {
			_ = l.mirror.Remove(ctx, key)
		}
	}
}

// ─── Internal plumbing ────────────────────────────────────────────────────────

// loadVerdict classifies the outcome of reading a record's copies.
type loadVerdict int

const (
	loadOK        loadVerdict = iota // record returned
	loadMissing                      // no copy exists
	loadCorrupted                    // copies exist but none passes integrity
	loadInvalid                      // a copy is readable but violates invariants
)

func (l *Ledger) loadRecord(ctx context.Context, fp, action string) (*domain.Record, loadVerdict) {
	return l.loadByKey(ctx, recordKey(action, fp))
}

// loadByKey tries every surviving copy, primary first, and returns the
// first intact one. The asymmetry lives here: a copy that fails the
// integrity check is rot or casual edit (corrupted), while a copy that
// opens cleanly but describes an impossible state is a deliberate edit
// with a re-computed hash, or a bypassed write path (invalid).
func (l *Ledger) loadByKey(ctx context.Context, key string) (*domain.Record, loadVerdict) {
	candidates := l.mirror.Candidates(ctx, key)
	if len(candidates) == 0 {
		return nil, loadMissing
	}

	for _, raw := range candidates {
		plaintext, err := l.codec.Open(raw)
		if err != nil {
			continue
		}
		var rec domain.Record
		if err := json.Unmarshal(plaintext, &rec); err != nil {
			continue
		}
		if structurallyInvalid(&rec) {
			return nil, loadInvalid
		}
		return &rec, loadOK
	}
	return nil, loadCorrupted
}

// discardCorrupted removes unreadable copies and logs the violation.
// The action itself fails open; the violation still feeds the global
// escalation ledger.
func (l *Ledger) discardCorrupted(ctx context.Context, fp, action, detail string) {
	if err := l.mirror.Remove(ctx, recordKey(action, fp)); err != nil {
		slog.Warn("ledger: failed to discard corrupted record", "action", action, "error", err)
	}
	slog.Warn("ledger: corrupted record discarded",
		"action", action, "fingerprint", short(fp))
	l.addViolation(ctx, fp, domain.ViolationTamper, detail)
}

// structurallyInvalid applies the record invariants from the data model.
func structurallyInvalid(rec *domain.Record) bool {
	if rec.Attempts < 0 || rec.Attempts > domain.AttemptCeiling {
		return true
	}
	if rec.ResetTime.Before(rec.FirstAttempt) {
		return true
	}
	if rec.BlockedUntil != nil && rec.BlockTimestamp != nil && rec.BlockedUntil.Before(*rec.BlockTimestamp) {
		return true
	}
	return false
}

func (l *Ledger) saveRecord(ctx context.Context, rec *domain.Record) error {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	sealed, err := l.codec.Seal(plaintext, l.now())
	if err != nil {
		return err
	}
	return l.mirror.Put(ctx, recordKey(rec.Action, rec.Fingerprint), sealed)
}

// punish replaces a tampered record with a flagged one blocked for
// punitiveFactor times the policy duration, and logs the violation.
// Returns the block expiry.
func (l *Ledger) punish(ctx context.Context, fp, action string, policy domain.Policy, detail string) time.Time {
	now := l.now()
	until := now.Add(punitiveFactor * policy.BlockDuration)
	rec := &domain.Record{
		Action:               action,
		Fingerprint:          fp,
		Attempts:             policy.MaxAttempts,
		FirstAttempt:         now,
		ResetTime:            until,
		BlockedUntil:         &until,
		BlockTimestamp:       &now,
		BlockReason:          "record manipulation detected",
		ManipulationDetected: true,
	}
	if err := l.saveRecord(ctx, rec); err != nil {
		slog.Error("ledger: failed to persist punitive block", "action", action, "error", err)
	}
	slog.Warn("ledger: manipulated record replaced with punitive block",
		"action", action, "fingerprint", short(fp), "until", until)

	l.addViolation(ctx, fp, domain.ViolationTamper, detail)
	l.emit(domain.AlertEvent{
		Event: domain.EventPunitiveBlock, Fingerprint: fp, Action: action,
		Detail: detail, TriggeredAt: now,
	})
	return until
}

// ─── Global escalation ────────────────────────────────────────────────────────

// addViolation appends to the per-fingerprint violation log and, when
// violationLimit events land inside the sliding window, installs the
// blanket block covering every action.
func (l *Ledger) addViolation(ctx context.Context, fp, kind, detail string) {
	now := l.now()

	events := l.loadViolations(ctx, fp)
	events = append(events, domain.ViolationEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Detail:    detail,
		Timestamp: now,
	})

	// Keep only events inside the sliding window.
	cutoff := now.Add(-violationWindow)
	kept := events[:0]
	for _, ev := range events {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	events = kept

	l.storeJSON(ctx, violationKey(fp), events)

	if len(events) >= violationLimit {
		gb := domain.GlobalBlock{
			Fingerprint: fp,
			Reason:      "repeated security violations",
			Until:       now.Add(globalBlockFor),
			CreatedAt:   now,
		}
		l.storeJSON(ctx, globalBlockKey(fp), gb)
		slog.Warn("ledger: global security block installed",
			"fingerprint", short(fp), "until", gb.Until, "violations", len(events))
		l.emit(domain.AlertEvent{
			Event: domain.EventGlobalBlock, Fingerprint: fp,
			Detail: gb.Reason, TriggeredAt: now,
		})
	}
}

func (l *Ledger) loadViolations(ctx context.Context, fp string) []domain.ViolationEvent {
	var events []domain.ViolationEvent
	l.fetchJSON(ctx, violationKey(fp), &events)
	return events
}

func (l *Ledger) loadGlobalBlock(ctx context.Context, fp string) *domain.GlobalBlock {
	var gb domain.GlobalBlock
	if !l.fetchJSON(ctx, globalBlockKey(fp), &gb) {
		return nil
	}
	return &gb
}

// storeJSON seals and mirrors an auxiliary value. Failures are logged,
// not propagated: the escalation ledger is best-effort bookkeeping.
func (l *Ledger) storeJSON(ctx context.Context, key string, v any) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		slog.Error("ledger: marshal failed", "key", key, "error", err)
		return
	}
	sealed, err := l.codec.Seal(plaintext, l.now())
	if err != nil {
		slog.Error("ledger: seal failed", "key", key, "error", err)
		return
	}
	if err := l.mirror.Put(ctx, key, sealed); err != nil {
		slog.Error("ledger: write failed", "key", key, "error", err)
	}
}

// fetchJSON opens the first intact copy of an auxiliary value.
func (l *Ledger) fetchJSON(ctx context.Context, key string, v any) bool {
	for _, raw := range l.mirror.Candidates(ctx, key) {
		plaintext, err := l.codec.Open(raw)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(plaintext, v); err != nil {
			continue
		}
		return true
	}
	return false
}

func (l *Ledger) emit(ev domain.AlertEvent) {
	if l.alert != nil {
		l.alert(ev)
	}
}

// short abbreviates a fingerprint for log lines.
func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
