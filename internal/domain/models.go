// Package domain contains all core types used across the gate.
// Keeping them in one place makes the classification and rate-limit
// rules easy to reason about.
package domain

import "time"

// ─── Constants ───────────────────────────────────────────────────────────────

// Actions protected by the gate out of the box. Callers may define their
// own action names as long as a policy is configured for them.
const (
	ActionLogin  = "login"
	ActionSignup = "signup"
	ActionAdmin  = "admin"
)

// Behavioral pattern tags attached to a BehaviorSample.
const (
	PatternHighSpeed     = "high-interaction-speed"
	PatternNoHuman       = "no-human-interaction"
	PatternRegularClicks = "regular-click-pattern"
)

// Sentinel values substituted when a client-side rendering probe failed.
// A sentinel still participates in the fingerprint hash, so restrictive
// environments fingerprint consistently instead of erroring.
const (
	SentinelCanvasError = "canvas-error"
	SentinelNoWebGL     = "no-webgl"
	SentinelNoAudio     = "no-audio"
)

// Bounds on mutable ledger state.
const (
	// HistoryCap is the maximum number of attempt-history entries kept
	// per record.
	HistoryCap = 10

	// ClickSampleCap bounds the recent-click-timestamp list in a
	// BehaviorSample.
	ClickSampleCap = 20

	// AttemptCeiling is the highest attempt count considered plausible.
	// Anything above it is treated as a manipulated record.
	AttemptCeiling = 1000

	// UserAgentMax is the truncation length for user agents stored in
	// attempt history.
	UserAgentMax = 80
)

// Violation kinds tracked by the global escalation ledger.
const (
	ViolationTamper       = "tamper"
	ViolationManipulation = "manipulation"
	ViolationBotPattern   = "bot-pattern"
)

// ─── Client environment ──────────────────────────────────────────────────────

// Environment is the probe report submitted by a client. It is the input to
// fingerprinting and to the automation signals of the classifier. Individual
// probes may be absent; the fingerprinter substitutes sentinels.
type Environment struct {
	ScreenWidth         int      `json:"screenWidth"`
	ScreenHeight        int      `json:"screenHeight"`
	ColorDepth          int      `json:"colorDepth"`
	Timezone            string   `json:"timezone"`
	Languages           []string `json:"languages"`
	Platform            string   `json:"platform"`
	UserAgent           string   `json:"userAgent"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceMemoryGB      float64  `json:"deviceMemoryGb"`
	TouchPoints         int      `json:"touchPoints"`
	CookiesEnabled      bool     `json:"cookiesEnabled"`
	PluginCount         int      `json:"pluginCount"`
	Webdriver           bool     `json:"webdriver"`
	AutomationGlobals   []string `json:"automationGlobals,omitempty"`
	CanvasHash          string   `json:"canvasHash"`
	WebGLHash           string   `json:"webglHash"`
	AudioHash           string   `json:"audioHash"`

	// IPCountry is resolved server-side from the request address when a
	// GeoIP database is configured. Clients cannot set it.
	IPCountry string `json:"-"`
}

// ─── Behavior ────────────────────────────────────────────────────────────────

// BehaviorSample is a point-in-time snapshot of a client's interaction
// counters plus the suspicious patterns derived from them.
type BehaviorSample struct {
	MouseMoves         int         `json:"mouseMoves"`
	KeyPresses         int         `json:"keyPresses"`
	ScrollEvents       int         `json:"scrollEvents"`
	Clicks             int         `json:"clicks"`
	ClickTimes         []time.Time `json:"clickTimes,omitempty"`
	SecondsOnPage      float64     `json:"secondsOnPage"`
	InteractionRate    float64     `json:"interactionRate"`
	SuspiciousPatterns []string    `json:"suspiciousPatterns,omitempty"`
}

// ─── Classification ──────────────────────────────────────────────────────────

// Signal is a single contributing reason in a classification verdict.
// Exposing signals individually keeps the verdict human-inspectable.
type Signal struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Weight      int    `json:"weight"`
}

// Classification is the derived bot-likelihood verdict. It is never
// persisted; every check recomputes it from the current inputs.
type Classification struct {
	IsBot       bool     `json:"isBot"`
	Confidence  int      `json:"confidence"` // 0-100
	RiskScore   int      `json:"riskScore"`  // unclamped sum of signal weights
	Fingerprint string   `json:"fingerprint"`
	Signals     []Signal `json:"signals"`
}

// ─── Rate-limit ledger ───────────────────────────────────────────────────────

// Policy is the immutable per-action rate-limit configuration supplied by
// call sites. It is never stored alongside a record.
type Policy struct {
	MaxAttempts   int           `json:"maxAttempts"`
	Window        time.Duration `json:"windowMs"`
	BlockDuration time.Duration `json:"blockDurationMs"`
}

// DefaultPolicies returns the built-in policies for the gate's standard
// action classes. The numbers are heuristic tuning knobs, not guarantees.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ActionLogin:  {MaxAttempts: 5, Window: 15 * time.Minute, BlockDuration: 30 * time.Minute},
		ActionSignup: {MaxAttempts: 3, Window: time.Hour, BlockDuration: 2 * time.Hour},
		ActionAdmin:  {MaxAttempts: 10, Window: 5 * time.Minute, BlockDuration: time.Hour},
	}
}

// AttemptEntry is one bounded history item on a Record.
type AttemptEntry struct {
	Timestamp time.Time `json:"timestamp"`
	UserAgent string    `json:"userAgent"` // truncated to UserAgentMax
	Path      string    `json:"path"`
}

// Record is the per-(action, fingerprint) ledger state.
//
// Invariants: ResetTime >= FirstAttempt; BlockedUntil, when set, is >=
// BlockTimestamp; Attempts is non-negative and below AttemptCeiling.
// A record violating them is treated as manipulated, not merely stale.
type Record struct {
	Action               string         `json:"action"`
	Fingerprint          string         `json:"fingerprint"`
	Attempts             int            `json:"attempts"`
	FirstAttempt         time.Time      `json:"firstAttempt"`
	ResetTime            time.Time      `json:"resetTime"`
	BlockedUntil         *time.Time     `json:"blockedUntil,omitempty"`
	BlockTimestamp       *time.Time     `json:"blockTimestamp,omitempty"`
	BlockReason          string         `json:"blockReason,omitempty"`
	History              []AttemptEntry `json:"history,omitempty"`
	ManipulationDetected bool           `json:"manipulationDetected"`
	BotSuspicion         int            `json:"botSuspicion"`
}

// Blocked reports whether the record carries an active block at the
// given instant.
func (r *Record) Blocked(now time.Time) bool {
	return r.BlockedUntil != nil && now.Before(*r.BlockedUntil)
}

// Decision is the answer to a Check call.
type Decision struct {
	Allowed      bool       `json:"allowed"`
	Remaining    int        `json:"remainingAttempts"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// Status is the read-only ledger introspection used for UI display.
type Status struct {
	Attempts     int        `json:"attempts"`
	Blocked      bool       `json:"isBlocked"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
	Fingerprint  string     `json:"fingerprint,omitempty"`
}

// AttemptMeta carries the request details recorded into attempt history.
type AttemptMeta struct {
	UserAgent string
	Path      string
}

// ViolationEvent is one entry in the per-fingerprint security violation log
// feeding the global escalation rule.
type ViolationEvent struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GlobalBlock denies every action for a fingerprint until it expires.
type GlobalBlock struct {
	Fingerprint string    `json:"fingerprint"`
	Reason      string    `json:"reason"`
	Until       time.Time `json:"until"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ─── Alerts ──────────────────────────────────────────────────────────────────

// WebhookConfig is a registered callback notified when the gate escalates.
type WebhookConfig struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

// AlertEvent is the payload delivered to registered webhooks.
type AlertEvent struct {
	Event       string    `json:"event"`
	Fingerprint string    `json:"fingerprint"`
	Action      string    `json:"action,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	RiskScore   int       `json:"risk_score,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// Alert event names.
const (
	EventBotDetected   = "bot_detected"
	EventGlobalBlock   = "global_security_block"
	EventPunitiveBlock = "punitive_block"
)
