package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/luisfsill/abusegate/internal/domain"
	"github.com/luisfsill/abusegate/internal/guard"
)

// NewRouter creates and returns a configured Chi router.
func NewRouter(h *Handler, g *guard.Guard) http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", guard.FingerprintHeader},
		MaxAge:         300,
	}))
	r.Use(g.Throttle)

	// ── Health check ──────────────────────────────────────────────────────────
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ok(w, map[string]string{"status": "ok", "service": "abusegate"})
	})

	// ── API v1 ────────────────────────────────────────────────────────────────
	r.Route("/api/v1", func(r chi.Router) {

		// Fingerprinting and behavioral telemetry
		r.Post("/fingerprint", h.ComputeFingerprint)
		r.Post("/telemetry", h.IngestTelemetry)
		r.Post("/telemetry/reset", h.ResetTelemetry)

		// Classification
		r.Post("/classify", h.Classify)

		// Rate-limit ledger
		r.Route("/gate", func(r chi.Router) {
			r.Post("/check", h.GateCheck)
			r.Post("/attempts", h.GateRecord)
			r.Get("/status/{action}", h.GateStatus)
			r.Delete("/{action}", h.GateReset)
		})

		// Alert webhooks
		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", h.RegisterWebhook)
			r.Delete("/{id}", h.DeleteWebhook)
		})

		// Demo protected route: the guard interposes the ledger before
		// the auth collaborator is ever called.
		r.With(g.Protect(domain.ActionLogin)).Post("/auth/login", h.Login)
	})

	return r
}

// requestLogger is a minimal structured-logging middleware.
// It replaces chi's default Logger to emit slog records.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
