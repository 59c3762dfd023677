package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"policygateway/internal/agentauth"
	"policygateway/internal/approval"
	"policygateway/internal/audit"
	"policygateway/internal/gatewaysvc"
	"policygateway/internal/manifest"
	"policygateway/internal/ratelimit"
)

// Server wires the gateway's HTTP surface over its service-layer
// dependencies, following the teacher's Server{deps...} + buildRouter
// shape (services/otc-gateway/server.Server) generalized from one
// resource family (invoices) to the gateway's six (evaluate/execute,
// approvals, interaction records, chain verification, audit export,
// manifest versions).
type Server struct {
	Service      *gatewaysvc.Service
	Approvals    *approval.Store
	Chain        *audit.Chain
	Manifests    *manifest.Store
	DB           *gorm.DB
	APIKeyAuth   *agentauth.Authenticator
	OperatorAuth *agentauth.OperatorAuthenticator
	RateLimiter  *ratelimit.RateLimiter
	CORS         CORSConfig
	MaxBodyBytes int64
	Logger       *slog.Logger

	router http.Handler
}

// New builds a Server and its router. Call Handler to obtain the
// http.Handler to pass to http.Server.
func New(s Server) *Server {
	srv := s
	if srv.Logger == nil {
		srv.Logger = slog.Default()
	}
	if srv.MaxBodyBytes <= 0 {
		srv.MaxBodyBytes = ratelimit.DefaultMaxBodyBytes
	}
	if srv.RateLimiter == nil {
		srv.RateLimiter = ratelimit.NewRateLimiter(ratelimit.DefaultLimits(), nil)
	}
	srv.router = srv.buildRouter()
	return &srv
}

// Handler returns the configured http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(CORS(s.CORS))
	r.Use(ratelimit.BodyCap(s.MaxBodyBytes))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/gateway", func(gw chi.Router) {
			gw.Use(s.requireAPIKey)
			gw.With(s.RateLimiter.Middleware("evaluate")).Post("/evaluate", s.handleEvaluate)
			gw.With(s.RateLimiter.Middleware("execute")).Post("/execute", s.handleExecute)
		})

		api.Route("/orgs/{org_id}", func(org chi.Router) {
			org.Group(func(operator chi.Router) {
				operator.Use(s.OperatorAuth.Middleware("operator"))
				operator.Get("/approvals", s.handleListApprovals)
				operator.Post("/approvals/{approval_id}/approve", s.handleApproveApproval)
				operator.Post("/approvals/{approval_id}/deny", s.handleDenyApproval)
			})

			org.Group(func(viewer chi.Router) {
				viewer.Use(s.OperatorAuth.Middleware("viewer", "operator"))
				viewer.Get("/interaction-records", s.handleListInteractionRecords)
				viewer.Get("/logs/verify-chain", s.handleVerifyChain)
				viewer.Post("/audit/export", s.handleAuditExport)
				viewer.Get("/manifests/{uapk_id}", s.handleGetManifestVersions)
			})
		})
	})

	return r
}
