/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (zap)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counts and latency
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/contracts/*      Contracts and their allocations, audits, settlements
  /api/allocations/*    Allocation edits
  /api/audits/*         Audit edits
  /api/settlements/*    Settlement corrections
  /api/reports/*        Spread and profitability reports
  /api/closings/status  Months awaiting attention
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured. An empty
// origin list falls back to the local frontend dev servers.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(h.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Contract routes
		r.Route("/contracts", func(r chi.Router) {
			r.Get("/", h.ListContracts)
			r.Post("/", h.CreateContract)
			r.Get("/{id}", h.GetContract)
			r.Delete("/{id}", h.DeleteContract)
			r.Put("/{id}/participation", h.UpdateParticipation)

			r.Get("/{id}/allocations", h.ListAllocations)
			r.Post("/{id}/allocations", h.CreateAllocation)

			r.Get("/{id}/audits", h.ListAudits)
			r.Post("/{id}/audits", h.CreateAudit)
			r.Get("/{id}/audits/draft", h.DraftAudit)

			r.Get("/{id}/settlements", h.ListSettlements)
			r.Post("/{id}/settlements", h.CreateSettlement)
		})

		r.Route("/allocations", func(r chi.Router) {
			r.Put("/{id}", h.UpdateAllocation)
			r.Delete("/{id}", h.DeleteAllocation)
		})

		r.Route("/audits", func(r chi.Router) {
			r.Put("/{id}", h.UpdateAudit)
			r.Delete("/{id}", h.DeleteAudit)
		})

		r.Put("/settlements/{id}", h.UpdateSettlement)

		// Stateless calculators
		r.Post("/reconciliation/preview", h.PreviewReconciliation)
		r.Post("/settlement/preview", h.PreviewSettlement)
		r.Post("/proposals/simulate", h.SimulateProposal)

		// Report routes
		r.Route("/reports", func(r chi.Router) {
			r.Get("/spread", h.SpreadReport)
			r.Get("/profitability", h.ProfitabilityReport)
		})

		r.Get("/closings/status", h.GetClosingStatus)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetData)
		})
	})

	return r
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debug("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}
