/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. AccessLog:  zap line per request (method, route, status, duration)
  4. Instrument: Prometheus request counter and latency histogram
  5. Recoverer:  Panic recovery (500 instead of crash)
  6. CORS:       Cross-origin requests for a dashboard

ROUTE GROUPS:
  /api/accounts/*       Accounts, tree, enrollment, tasks, withdrawals, vouchers
  /api/completions/*    Task decisions
  /api/withdrawals/*    Withdrawal decisions
  /api/tasks            Task catalog
  /api/admin/*          Rates, plans, tasks, vouchers, reconciliation
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: AccessLog, Instrument
  - cli/serve.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds the router's tunables.
type RouterConfig struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(h.logger))
	r.Use(Instrument)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.Signup)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Patch("/settings", h.UpdateSettings)
				r.Get("/transactions", h.GetTransactions)
				r.Get("/upline", h.GetUpline)
				r.Get("/downline", h.GetDownline)
				r.Get("/reconciliation", h.GetReconciliation)
				r.Post("/enrollments", h.Enroll)
				r.Get("/completions", h.ListCompletions)
				r.Post("/tasks/{taskID}/start", h.StartTask)
				r.Get("/withdrawals", h.ListWithdrawals)
				r.Post("/withdrawals", h.RequestWithdrawal)
				r.Post("/vouchers/redeem", h.RedeemVoucher)
			})
		})

		// Task decision routes
		r.Route("/completions/{id}", func(r chi.Router) {
			r.Post("/approve", h.ApproveCompletion)
			r.Post("/reject", h.RejectCompletion)
			r.Post("/fail", h.FailCompletion)
		})

		// Withdrawal decision routes
		r.Route("/withdrawals/{id}", func(r chi.Router) {
			r.Post("/approve", h.ApproveWithdrawal)
			r.Post("/reject", h.RejectWithdrawal)
		})

		r.Get("/tasks", h.ListTasks)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/commission-rates", h.GetCommissionRates)
			r.Put("/commission-rates", h.PutCommissionRates)
			r.Get("/plans", h.ListPlans)
			r.Put("/plans", h.SavePlan)
			r.Post("/tasks", h.CreateTask)
			r.Post("/vouchers", h.ProvisionVoucher)
			r.Post("/reconciliation", h.RunReconciliation)
			r.Get("/reconciliation/runs", h.ListReconciliationRuns)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
