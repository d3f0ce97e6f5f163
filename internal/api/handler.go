package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/luisfsill/abusegate/internal/alert"
	"github.com/luisfsill/abusegate/internal/auth"
	"github.com/luisfsill/abusegate/internal/behavior"
	"github.com/luisfsill/abusegate/internal/classify"
	"github.com/luisfsill/abusegate/internal/domain"
	"github.com/luisfsill/abusegate/internal/fingerprint"
	"github.com/luisfsill/abusegate/internal/guard"
	"github.com/luisfsill/abusegate/internal/ledger"
)

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	ledger     *ledger.Ledger
	classifier *classify.Classifier
	trackers   *behavior.Registry
	notifier   *alert.Notifier
	auth       auth.Provider
	geo        *classify.GeoResolver
	policies   map[string]domain.Policy
}

// NewHandler creates a Handler wired to the given dependencies. geo may
// be nil when no GeoIP database is configured.
func NewHandler(l *ledger.Ledger, c *classify.Classifier, t *behavior.Registry,
	n *alert.Notifier, a auth.Provider, geo *classify.GeoResolver,
	policies map[string]domain.Policy) *Handler {
	return &Handler{
		ledger:     l,
		classifier: c,
		trackers:   t,
		notifier:   n,
		auth:       a,
		geo:        geo,
		policies:   policies,
	}
}

func (h *Handler) policyFor(action string) (domain.Policy, bool) {
	p, ok := h.policies[action]
	return p, ok
}

// ─── POST /api/v1/fingerprint ────────────────────────────────────────────────

// ComputeFingerprint derives the opaque client identifier from a probe
// environment. Clients cache the result; recomputing per check is
// wasteful on their side, not ours.
func (h *Handler) ComputeFingerprint(w http.ResponseWriter, r *http.Request) {
	var env domain.Environment
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		badRequest(w, "INVALID_JSON", "request body must be a valid environment report")
		return
	}
	ok(w, map[string]string{"fingerprint": fingerprint.Compute(env)})
}

// ─── POST /api/v1/telemetry ──────────────────────────────────────────────────

// telemetryRequest is a batch of interaction events for one fingerprint.
type telemetryRequest struct {
	Fingerprint string           `json:"fingerprint"`
	Events      []telemetryEvent `json:"events"`
}

type telemetryEvent struct {
	Type string `json:"type"` // mousemove | keydown | scroll | click
	AtMs int64  `json:"at"`   // unix milliseconds, clicks only
}

// IngestTelemetry feeds a batch of client interaction events into the
// fingerprint's behavior tracker.
func (h *Handler) IngestTelemetry(w http.ResponseWriter, r *http.Request) {
	var req telemetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "INVALID_JSON", "request body must be valid JSON")
		return
	}
	if req.Fingerprint == "" {
		badRequest(w, "MISSING_FINGERPRINT", "fingerprint is required")
		return
	}

	tracker := h.trackers.Get(req.Fingerprint)
	accepted := 0
	for _, ev := range req.Events {
		switch ev.Type {
		case "mousemove":
			tracker.RecordMouseMove()
		case "keydown":
			tracker.RecordKeyPress()
		case "scroll":
			tracker.RecordScroll()
		case "click":
			tracker.RecordClick(time.UnixMilli(ev.AtMs))
		default:
			continue
		}
		accepted++
	}

	ok(w, map[string]int{"accepted": accepted})
}

// ResetTelemetry clears the tracker for a fingerprint, restarting its
// page-time origin. Callers use it between logically distinct sessions.
func (h *Handler) ResetTelemetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Fingerprint == "" {
		badRequest(w, "MISSING_FINGERPRINT", "fingerprint is required")
		return
	}
	h.trackers.Get(req.Fingerprint).Reset()
	noContent(w)
}

// ─── POST /api/v1/classify ───────────────────────────────────────────────────

// Classify scores the submitted environment together with the tracked
// behavior for its fingerprint and returns the full verdict.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	var env domain.Environment
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		badRequest(w, "INVALID_JSON", "request body must be a valid environment report")
		return
	}
	env.IPCountry = h.geo.Country(r.RemoteAddr)

	fp := fingerprint.Compute(env)
	sample := h.trackers.Get(fp).Snapshot()
	verdict := h.classifier.Classify(env, sample)

	if verdict.IsBot {
		h.notifier.NotifyAsync(domain.AlertEvent{
			Event:       domain.EventBotDetected,
			Fingerprint: fp,
			RiskScore:   verdict.RiskScore,
			Detail:      "classifier verdict",
			TriggeredAt: time.Now().UTC(),
		})
	}

	ok(w, verdict)
}

// ─── Gate endpoints ──────────────────────────────────────────────────────────

type gateRequest struct {
	Action      string `json:"action"`
	Fingerprint string `json:"fingerprint"`
}

func (h *Handler) bindGate(w http.ResponseWriter, r *http.Request) (gateRequest, domain.Policy, bool) {
	var req gateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "INVALID_JSON", "request body must be valid JSON")
		return req, domain.Policy{}, false
	}
	if req.Fingerprint == "" {
		badRequest(w, "MISSING_FINGERPRINT", "fingerprint is required")
		return req, domain.Policy{}, false
	}
	policy, found := h.policyFor(req.Action)
	if !found {
		badRequest(w, "UNKNOWN_ACTION", "no policy configured for action '"+req.Action+"'")
		return req, domain.Policy{}, false
	}
	return req, policy, true
}

// GateCheck is the read-only "is this action currently allowed" decision.
func (h *Handler) GateCheck(w http.ResponseWriter, r *http.Request) {
	req, policy, bound := h.bindGate(w, r)
	if !bound {
		return
	}
	d := h.ledger.Check(r.Context(), req.Fingerprint, req.Action, policy)
	if !d.Allowed {
		tooMany(w, d.Reason, d)
		return
	}
	ok(w, d)
}

// GateRecord durably counts one attempt and returns the updated status.
func (h *Handler) GateRecord(w http.ResponseWriter, r *http.Request) {
	req, policy, bound := h.bindGate(w, r)
	if !bound {
		return
	}
	meta := domain.AttemptMeta{UserAgent: r.UserAgent(), Path: r.URL.Path}
	if err := h.ledger.Record(r.Context(), req.Fingerprint, req.Action, policy, meta); err != nil {
		internalError(w)
		return
	}
	ok(w, h.ledger.Status(r.Context(), req.Fingerprint, req.Action))
}

// GateStatus returns the attempt/block state for UI display.
func (h *Handler) GateStatus(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	fp := r.URL.Query().Get("fingerprint")
	if fp == "" {
		badRequest(w, "MISSING_FINGERPRINT", "fingerprint query parameter is required")
		return
	}
	if _, found := h.policyFor(action); !found {
		badRequest(w, "UNKNOWN_ACTION", "no policy configured for action '"+action+"'")
		return
	}
	ok(w, h.ledger.Status(r.Context(), fp, action))
}

// GateReset deletes the record for an action. A record that has been
// flagged as manipulated refuses the reset.
func (h *Handler) GateReset(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	fp := r.URL.Query().Get("fingerprint")
	if fp == "" {
		badRequest(w, "MISSING_FINGERPRINT", "fingerprint query parameter is required")
		return
	}
	if err := h.ledger.Reset(r.Context(), fp, action); err != nil {
		if errors.Is(err, ledger.ErrManipulated) {
			forbidden(w, "record flagged as manipulated cannot be reset by its own client")
			return
		}
		internalError(w)
		return
	}
	noContent(w)
}

// ─── Webhooks ────────────────────────────────────────────────────────────────

// RegisterWebhook stores an alert callback URL.
func (h *Handler) RegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		badRequest(w, "INVALID_WEBHOOK", "url is required")
		return
	}
	wh := domain.WebhookConfig{
		ID:        uuid.NewString(),
		URL:       req.URL,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
	h.notifier.Register(wh)
	created(w, wh)
}

// DeleteWebhook removes a registered webhook.
func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.notifier.Delete(id) {
		notFound(w, "webhook '"+id+"' not found")
		return
	}
	noContent(w)
}

// ─── POST /api/v1/auth/login ─────────────────────────────────────────────────

// Login is the demo protected route. The guard middleware has already
// consulted the ledger and recorded the attempt by the time this
// handler runs; here the classifier verdict gates the actual sign-in
// call to the auth collaborator.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string              `json:"email"`
		Password    string              `json:"password"`
		Environment *domain.Environment `json:"environment,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "INVALID_JSON", "request body must be valid JSON")
		return
	}

	fp := r.Header.Get(guard.FingerprintHeader)

	if req.Environment != nil {
		env := *req.Environment
		env.IPCountry = h.geo.Country(r.RemoteAddr)
		sample := h.trackers.Get(fp).Snapshot()
		if verdict := h.classifier.Classify(env, sample); verdict.IsBot {
			h.notifier.NotifyAsync(domain.AlertEvent{
				Event:       domain.EventBotDetected,
				Fingerprint: fp,
				Action:      domain.ActionLogin,
				RiskScore:   verdict.RiskScore,
				TriggeredAt: time.Now().UTC(),
			})
			forbidden(w, "request does not look like human interaction")
			return
		}
	}

	token, err := h.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			// The attempt was already recorded by the guard; a failed
			// login consumes it by design.
			unauthorized(w, "invalid email or password")
			return
		}
		internalError(w)
		return
	}

	// A successful sensitive action starts a fresh behavioral session
	// so stale suspicion doesn't carry over.
	h.trackers.Get(fp).Reset()

	ok(w, map[string]string{"token": token})
}
