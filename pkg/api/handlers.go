package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/nomadops/fleethub/pkg/confidence"
	"github.com/nomadops/fleethub/pkg/consent"
	"github.com/nomadops/fleethub/pkg/events"
	"github.com/nomadops/fleethub/pkg/store"
)

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeStoreError maps store sentinels onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, store.ErrDuplicateID):
		writeProblem(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, store.ErrBadTransition):
		writeProblem(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, store.ErrNotClaimed), errors.Is(err, store.ErrNodeMismatch):
		writeProblem(w, r, http.StatusForbidden, "Forbidden", err.Error())
	default:
		writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", err.Error())
	}
}

type submitProposalRequest struct {
	ProposalID  string          `json:"proposal_id"`
	Payload     json.RawMessage `json:"payload"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	RiskLevel   string          `json:"risk_level,omitempty"`
	ActionClass string          `json:"action_class,omitempty"`
}

func (s *Server) handleSubmitProposal(w http.ResponseWriter, r *http.Request) {
	var req submitProposalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ProposalID == "" {
		req.ProposalID = uuid.NewString()
	}
	if err := validatePayload(req.Payload); err != nil {
		writeProblem(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
		return
	}
	p := &store.Proposal{
		ProposalID:  req.ProposalID,
		Payload:     req.Payload,
		Fingerprint: req.Fingerprint,
		RiskLevel:   store.RiskLevel(req.RiskLevel),
		ActionClass: req.ActionClass,
	}
	if err := s.store.AddProposal(r.Context(), p); err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.emit(r, events.TypeProposalStateChanged, map[string]string{
		"proposal_id": p.ProposalID,
		"status":      string(p.Status),
		"source":      "api",
	})
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	status := store.ProposalStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	proposals, err := s.store.ListProposals(r.Context(), status, limit)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProposal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRequeueProposal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.RequeueProposal(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.emit(r, events.TypeProposalStateChanged, map[string]string{
		"proposal_id": id,
		"status":      string(store.ProposalQueued),
		"source":      "api",
	})
	writeJSON(w, http.StatusOK, map[string]string{"proposal_id": id, "status": "QUEUED"})
}

type claimRequest struct {
	NodeID   string   `json:"node_id"`
	MaxItems int      `json:"max_items,omitempty"`
	Types    []string `json:"types,omitempty"`
}

func (s *Server) handleClaimProposals(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "node_id required")
		return
	}
	claimed, err := s.store.ClaimForNode(r.Context(), req.NodeID, req.MaxItems)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	// Belt and braces: only hand out items whose signature verifies for this
	// node. A failed verification requeues the row immediately rather than
	// leaving it CLAIMED-but-undelivered until the stuck-claim sweep.
	verified := claimed[:0]
	for _, p := range claimed {
		if err := s.signer.VerifyAssignment(p.HubSignature, p.ProposalID, req.NodeID); err != nil {
			s.logger.Warn("claimed item with unverifiable signature, requeueing",
				"proposal_id", p.ProposalID, "node_id", req.NodeID, "error", err)
			if rqErr := s.store.RequeueProposal(r.Context(), p.ProposalID); rqErr != nil {
				s.logger.Error("requeue after failed verification",
					"proposal_id", p.ProposalID, "error", rqErr)
			}
			continue
		}
		verified = append(verified, p)
		s.emit(r, events.TypeProposalStateChanged, map[string]string{
			"proposal_id": p.ProposalID,
			"status":      string(store.ProposalClaimed),
			"source":      "api",
		})
	}
	s.metrics.CountClaims(r.Context(), "proposal", len(verified))
	writeJSON(w, http.StatusOK, map[string]any{"claimed": verified})
}

type heartbeatRequest struct {
	NodeID     string `json:"node_id"`
	InstanceID string `json:"instance_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func (s *Server) handleProposalHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.store.UpdateProposalHeartbeat(r.Context(), r.PathValue("id"), req.NodeID, req.InstanceID, time.Time{}, req.Detail)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type finishProposalRequest struct {
	Success bool `json:"success"`
}

func (s *Server) handleFinishProposal(w http.ResponseWriter, r *http.Request) {
	var req finishProposalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.store.FinishProposal(r.Context(), id, req.Success); err != nil {
		writeStoreError(w, r, err)
		return
	}
	status := store.ProposalCompleted
	if !req.Success {
		status = store.ProposalFailed
	}
	s.emit(r, events.TypeProposalStateChanged, map[string]string{
		"proposal_id": id,
		"status":      string(status),
		"source":      "api",
	})
	writeJSON(w, http.StatusOK, map[string]string{"proposal_id": id, "status": string(status)})
}

type recordConsentRequest struct {
	ProposalID string `json:"proposal_id"`
	ActorType  string `json:"actor_type"`
	ActorID    string `json:"actor_id"`
	Decision   string `json:"decision"`
	Comment    string `json:"comment,omitempty"`
}

func (s *Server) handleRecordConsent(w http.ResponseWriter, r *http.Request) {
	var req recordConsentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	row, err := s.ledger.Record(r.Context(), consent.Decision{
		ProposalID: req.ProposalID,
		ActorType:  req.ActorType,
		ActorID:    req.ActorID,
		Decision:   store.ConsentDecision(req.Decision),
		Comment:    req.Comment,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeStoreError(w, r, err)
			return
		}
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) handleListConsents(w http.ResponseWriter, r *http.Request) {
	history, err := s.ledger.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consents": history})
}

type createJobRequest struct {
	JobID   string          `json:"job_id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	j := &store.Job{JobID: req.JobID, Type: req.Type, Payload: req.Payload}
	if err := s.store.CreateJob(r.Context(), j); err != nil {
		if errors.Is(err, store.ErrDuplicateID) {
			// Idempotent create: the job already exists.
			existing, getErr := s.store.GetJob(r.Context(), req.JobID)
			if getErr == nil {
				writeJSON(w, http.StatusOK, existing)
				return
			}
		}
		writeStoreError(w, r, err)
		return
	}
	s.emit(r, events.TypeJobStateChanged, map[string]string{
		"job_id": j.JobID,
		"status": string(j.Status),
	})
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleClaimJobs(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "node_id required")
		return
	}
	claimed, err := s.store.ClaimJobs(r.Context(), req.NodeID, req.Types, req.MaxItems)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	for _, j := range claimed {
		s.emit(r, events.TypeJobStateChanged, map[string]string{
			"job_id": j.JobID,
			"status": string(store.JobProcessing),
		})
	}
	s.metrics.CountClaims(r.Context(), "job", len(claimed))
	writeJSON(w, http.StatusOK, map[string]any{"claimed": claimed})
}

func (s *Server) handleJobHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.store.JobHeartbeat(r.Context(), r.PathValue("id"), req.NodeID); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type finishJobRequest struct {
	NodeID string          `json:"node_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (s *Server) handleFinishJob(w http.ResponseWriter, r *http.Request) {
	var req finishJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.store.FinishJob(r.Context(), id, req.NodeID, req.Result, req.Error); err != nil {
		writeStoreError(w, r, err)
		return
	}
	status := store.JobDone
	if req.Error != "" {
		status = store.JobFailed
	}
	s.emit(r, events.TypeJobStateChanged, map[string]string{
		"job_id": id,
		"status": string(status),
	})
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": string(status)})
}

type nodeHeartbeatRequest struct {
	NodeID         string   `json:"node_id"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Models         []string `json:"models,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	AgentVersion   string   `json:"agent_version,omitempty"`
	PrivilegeTier  string   `json:"privilege_tier,omitempty"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
}

func (s *Server) handleNodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req nodeHeartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "node_id required")
		return
	}
	// The eligibility matcher compares versions lexicographically, so
	// versions are normalized to canonical semver here at the boundary.
	version := req.AgentVersion
	if version != "" {
		parsed, err := semver.NewVersion(version)
		if err != nil {
			writeProblem(w, r, http.StatusBadRequest, "Bad Request",
				"agent_version is not valid semver: "+version)
			return
		}
		version = parsed.String()
	}
	n := &store.Node{
		NodeID:         req.NodeID,
		Capabilities:   req.Capabilities,
		Models:         req.Models,
		Tags:           req.Tags,
		AgentVersion:   version,
		PrivilegeTier:  req.PrivilegeTier,
		MaxConcurrency: req.MaxConcurrency,
	}
	if err := s.store.UpsertNodeHeartbeat(r.Context(), n); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"node_id": n.NodeID, "status": string(store.NodeOnline)})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	alerts, err := s.store.OpenAlerts(r.Context(), limit)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.AckAlert(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"alert_id": id, "status": string(store.AlertAcked)})
}

func (s *Server) handleCloseAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.CloseAlert(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"alert_id": id, "status": string(store.AlertClosed)})
}

type recordRunRequest struct {
	RunID      string          `json:"run_id,omitempty"`
	ProposalID string          `json:"proposal_id"`
	NodeID     string          `json:"node_id,omitempty"`
	Status     string          `json:"status"`
	Signals    json.RawMessage `json:"signals,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func (s *Server) handleRecordRun(w http.ResponseWriter, r *http.Request) {
	var req recordRunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	run := &store.Run{
		RunID:      req.RunID,
		ProposalID: req.ProposalID,
		NodeID:     req.NodeID,
		Status:     store.RunStatus(req.Status),
		Signals:    req.Signals,
		Result:     req.Result,
	}
	if err := s.store.RecordRun(r.Context(), run); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

type gateEvaluateRequest struct {
	Confidence        float64 `json:"confidence"`
	ReviewerApproved  bool    `json:"reviewer_approved,omitempty"`
	ReviewerRejected  bool    `json:"reviewer_rejected,omitempty"`
	ArtifactType      string  `json:"artifact_type,omitempty"`
	BrowserAutomation bool    `json:"browser_automation,omitempty"`
}

func (s *Server) handleGateEvaluate(w http.ResponseWriter, r *http.Request) {
	var req gateEvaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "confidence must be in [0,1]")
		return
	}
	result := confidence.Evaluate(req.Confidence, confidence.Context{
		ReviewerApproved:  req.ReviewerApproved,
		ReviewerRejected:  req.ReviewerRejected,
		ArtifactType:      req.ArtifactType,
		BrowserAutomation: req.BrowserAutomation,
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleOpsSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pendingJobs, err := s.store.PendingJobCount(ctx)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	openAlerts, err := s.store.OpenAlerts(ctx, 1000)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	online := 0
	for _, n := range nodes {
		if n.Status == store.NodeOnline {
			online++
		}
	}
	lastTick, err := s.store.LastTick(ctx)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending_jobs": pendingJobs,
		"open_alerts":  len(openAlerts),
		"nodes_total":  len(nodes),
		"nodes_online": online,
		"last_tick":    lastTick,
	})
}

func (s *Server) emit(r *http.Request, eventType string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(r.Context(), eventType, payload)
}
