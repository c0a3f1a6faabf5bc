package http

import (
	"github.com/go-chi/chi/v5"

	"github.com/llmlb/llmlb/internal/domain/user"
	"github.com/llmlb/llmlb/internal/middleware"
)

// MountRoutes registers the HTTP surface this spec actually covers (spec §6,
// restricted to the routes that exercise C6/C10 plus the TPS benchmark and
// metrics endpoints — see Handlers' doc comment for why the full dashboard
// CRUD surface is not mounted).
func MountRoutes(r chi.Router, h *Handlers, verifier middleware.AuthVerifier, authDisabled bool, rl *middleware.RateLimiter) {
	r.Use(SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(Logger)
	if rl != nil {
		r.Use(rl.Handler)
	}

	authenticated := middleware.Authenticated(verifier, authDisabled)

	// Inference surface (C6), spec §6: "api-key or cookie".
	r.Route("/v1", func(r chi.Router) {
		r.Use(cookieBearer)
		r.Use(authenticated)
		r.Use(middleware.RequireScope(user.ScopeAPI))
		r.Post("/chat/completions", h.ChatCompletions)
		r.Post("/completions", h.Completions)
		r.Post("/responses", h.Responses)
		r.Post("/embeddings", h.Embeddings)
	})

	// Auth surface (C10), spec §6.
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.With(cookieBearer, authenticated).Post("/logout", h.Logout)
		r.With(cookieBearer, authenticated).Get("/me", h.Me)
	})

	// TPS benchmark runner (§4.10), "authenticated" per spec §6.
	r.Route("/api/benchmarks/tps", func(r chi.Router) {
		r.Use(cookieBearer)
		r.Use(authenticated)
		r.Post("/", h.CreateTPSBenchmark)
		r.Get("/{run_id}", h.GetTPSBenchmark)
	})

	// Metrics (spec §6: admin only).
	r.With(cookieBearer, middleware.AdminOrAPIKey(verifier, authDisabled)).
		Get("/api/metrics/cloud", h.CloudMetrics)
}
