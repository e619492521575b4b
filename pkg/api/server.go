package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oversight-labs/phasegate/pkg/audit"
	"github.com/oversight-labs/phasegate/pkg/lifecycle"
	"github.com/oversight-labs/phasegate/pkg/observability"
	"github.com/oversight-labs/phasegate/pkg/sla"
	"github.com/oversight-labs/phasegate/pkg/store"
	"github.com/oversight-labs/phasegate/pkg/workflow"
)

// Server exposes the workflow engine over HTTP. Routes are registered with
// RegisterRoutes so callers own the mux and the http.Server lifecycle.
type Server struct {
	coordinator *workflow.Coordinator
	engine      *lifecycle.Engine
	store       store.PhaseStore
	tracker     *sla.Tracker
	chain       *audit.ChainStore
	provider    *observability.Provider
	logger      *slog.Logger
}

// NewServer builds a server over the coordinator, engine and store. SLA and
// audit endpoints answer 503 until a tracker and chain store are attached.
func NewServer(coordinator *workflow.Coordinator, engine *lifecycle.Engine, st store.PhaseStore) *Server {
	return &Server{
		coordinator: coordinator,
		engine:      engine,
		store:       st,
		logger:      slog.Default(),
	}
}

// WithTracker attaches the SLA tracker backing the compliance endpoints.
func (s *Server) WithTracker(t *sla.Tracker) *Server {
	s.tracker = t
	return s
}

// WithChain attaches the audit chain backing verify and export.
func (s *Server) WithChain(c *audit.ChainStore) *Server {
	s.chain = c
	return s
}

// WithProvider attaches the telemetry provider for spans, RED metrics and
// the /metrics endpoint.
func (s *Server) WithProvider(p *observability.Provider) *Server {
	s.provider = p
	return s
}

// WithLogger overrides the structured logger.
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	s.logger = logger
	return s
}

// RegisterRoutes attaches all handlers to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/phases", s.handlePhaseList)

	mux.HandleFunc("GET /api/v1/cycles/{cycle_id}/reports/{report_id}/workflow", s.handleStatus)
	mux.HandleFunc("POST /api/v1/cycles/{cycle_id}/reports/{report_id}/workflow/advance", s.handleAdvance)

	mux.HandleFunc("GET /api/v1/cycles/{cycle_id}/reports/{report_id}/phases/{phase}", s.handlePhaseGet)
	mux.HandleFunc("POST /api/v1/cycles/{cycle_id}/reports/{report_id}/phases/{phase}/start", s.handlePhaseStart)
	mux.HandleFunc("POST /api/v1/cycles/{cycle_id}/reports/{report_id}/phases/{phase}/complete", s.handlePhaseComplete)
	mux.HandleFunc("POST /api/v1/cycles/{cycle_id}/reports/{report_id}/phases/{phase}/override", s.handlePhaseOverride)
	mux.HandleFunc("PUT /api/v1/cycles/{cycle_id}/reports/{report_id}/phases/{phase}/metadata", s.handlePhaseMetadata)
	mux.HandleFunc("GET /api/v1/cycles/{cycle_id}/reports/{report_id}/phases/{phase}/sla", s.handlePhaseSLA)

	mux.HandleFunc("GET /api/v1/sla/metrics", s.handleSLAMetrics)

	mux.HandleFunc("GET /api/v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("GET /api/v1/audit/export", s.handleAuditExport)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metricsHandler())
}

func (s *Server) metricsHandler() http.Handler {
	if s.provider != nil {
		if reg := s.provider.PrometheusRegistry(); reg != nil {
			return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
		}
	}
	return promhttp.Handler()
}

// track opens RED bookkeeping when a provider is attached, and is a no-op
// otherwise so handlers need no nil checks.
func (s *Server) track(r *http.Request, name string, attrs ...attribute.KeyValue) (*http.Request, func(error)) {
	if s.provider == nil {
		return r, func(error) {}
	}
	ctx, finish := s.provider.TrackOperation(r.Context(), name, attrs...)
	return r.WithContext(ctx), finish
}
