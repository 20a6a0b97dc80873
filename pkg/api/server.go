package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/nomadops/fleethub/pkg/auth"
	"github.com/nomadops/fleethub/pkg/consent"
	"github.com/nomadops/fleethub/pkg/events"
	"github.com/nomadops/fleethub/pkg/observability"
	"github.com/nomadops/fleethub/pkg/store"
)

// Server wires the hub's inbound operations onto an http.Handler.
type Server struct {
	store   *store.Store
	ledger  *consent.Ledger
	signer  *auth.Signer
	bus     *events.Bus
	metrics *observability.Provider
	logger  *slog.Logger
}

// Options configures the HTTP surface.
type Options struct {
	TokenVerifier      *auth.TokenVerifier
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// NewServer creates the API server. bus and metrics may be nil.
func NewServer(s *store.Store, ledger *consent.Ledger, signer *auth.Signer, bus *events.Bus, metrics *observability.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   s,
		ledger:  ledger,
		signer:  signer,
		bus:     bus,
		metrics: metrics,
		logger:  logger.With("component", "api"),
	}
}

// Handler builds the route table with the middleware chain applied.
func (s *Server) Handler(opts Options) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/proposals", s.handleSubmitProposal)
	mux.HandleFunc("GET /v1/proposals", s.handleListProposals)
	mux.HandleFunc("GET /v1/proposals/{id}", s.handleGetProposal)
	mux.HandleFunc("POST /v1/proposals/{id}/requeue", s.handleRequeueProposal)
	mux.HandleFunc("POST /v1/proposals/claim", s.handleClaimProposals)
	mux.HandleFunc("POST /v1/proposals/{id}/heartbeat", s.handleProposalHeartbeat)
	mux.HandleFunc("POST /v1/proposals/{id}/finish", s.handleFinishProposal)

	mux.HandleFunc("POST /v1/consents", s.handleRecordConsent)
	mux.HandleFunc("GET /v1/proposals/{id}/consents", s.handleListConsents)

	mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	mux.HandleFunc("POST /v1/jobs/claim", s.handleClaimJobs)
	mux.HandleFunc("POST /v1/jobs/{id}/heartbeat", s.handleJobHeartbeat)
	mux.HandleFunc("POST /v1/jobs/{id}/finish", s.handleFinishJob)

	mux.HandleFunc("POST /v1/nodes/heartbeat", s.handleNodeHeartbeat)
	mux.HandleFunc("GET /v1/nodes", s.handleListNodes)

	mux.HandleFunc("GET /v1/alerts", s.handleListAlerts)
	mux.HandleFunc("POST /v1/alerts/{id}/ack", s.handleAckAlert)
	mux.HandleFunc("POST /v1/alerts/{id}/close", s.handleCloseAlert)

	mux.HandleFunc("POST /v1/runs", s.handleRecordRun)
	mux.HandleFunc("POST /v1/gate/evaluate", s.handleGateEvaluate)
	mux.HandleFunc("GET /v1/ops/snapshot", s.handleOpsSnapshot)

	var handler http.Handler = mux
	handler = s.instrument(handler)
	handler = auth.BearerMiddleware(opts.TokenVerifier)(handler)
	handler = auth.RateLimitMiddleware(opts.RateLimitPerSecond, opts.RateLimitBurst)(handler)
	handler = auth.RequestIDMiddleware(handler)
	return handler
}

// instrument records RED metrics per request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordRequest(r.Context(), r.URL.Path, rec.status, time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
