package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/clawork/clawork/internal/auth"
	"github.com/clawork/clawork/internal/lifecycle"
	"github.com/clawork/clawork/internal/models"
	"github.com/clawork/clawork/internal/store"
)

type Server struct {
	engine   *lifecycle.Engine
	store    store.Store
	verifier *auth.Verifier
}

func New(engine *lifecycle.Engine, st store.Store, verifier *auth.Verifier) *Server {
	return &Server{engine: engine, store: st, verifier: verifier}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/bounties", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/claim", s.handleClaim)
		r.Post("/{id}/submit", s.handleSubmit)
		r.Post("/{id}/approve", s.handleApprove)
		r.Post("/{id}/dispute", s.handleOpenDispute)
		r.With(s.requireScope(auth.ScopeDisputesResolve)).Post("/{id}/dispute/resolve", s.handleResolveDispute)
	})

	r.With(s.requireScope(auth.ScopeSweepRun)).Post("/cron/auto-release", s.handleAutoReleaseSweep)

	r.Get("/agents/{id}/reputation", s.handleAgentReputation)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadJSON(w, err)
		return
	}
	result, err := s.engine.CreateBounty(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusCreated, map[string]interface{}{
		"bountyId": result.Bounty.ID,
		"bounty":   result.Bounty,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.ListBountiesFilter{
		Status:        models.BountyStatus(r.URL.Query().Get("status")),
		PosterAddress: r.URL.Query().Get("poster"),
		AgentID:       r.URL.Query().Get("agent"),
	}
	bounties, err := s.engine.ListBounties(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	if bounties == nil {
		bounties = []models.Bounty{}
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{"bounties": bounties})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := bountyID(w, r)
	if !ok {
		return
	}
	bounty, err := s.engine.GetBounty(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{"bounty": bounty})
}

type claimRequest struct {
	AgentID      string `json:"agentId"`
	AgentAddress string `json:"agentAddress"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := bountyID(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadJSON(w, err)
		return
	}
	result, err := s.engine.ClaimBounty(r.Context(), id, req.AgentID, req.AgentAddress)
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"channelId":      result.ChannelID,
		"submitDeadline": result.SubmitDeadline,
		"bounty":         result.Bounty,
	})
}

type submitRequest struct {
	AgentID        string  `json:"agentId"`
	DeliverableCID *string `json:"deliverableCid"`
	Message        *string `json:"message"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := bountyID(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadJSON(w, err)
		return
	}
	result, err := s.engine.SubmitWork(r.Context(), lifecycle.SubmitRequest{
		BountyID:           id,
		AgentID:            req.AgentID,
		DeliverableCID:     req.DeliverableCID,
		DeliverableMessage: req.Message,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"reviewDeadline": result.ReviewDeadline,
		"bounty":         result.Bounty,
	})
}

type approveRequest struct {
	PosterAddress string `json:"posterAddress"`
	Approved      *bool  `json:"approved"`
	Rating        *int   `json:"rating"`
	Comment       string `json:"comment"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := bountyID(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadJSON(w, err)
		return
	}
	if req.Approved == nil {
		respondError(w, &lifecycle.Error{Code: "INVALID_APPROVAL", Message: "approved flag is required", Status: http.StatusBadRequest})
		return
	}
	result, err := s.engine.ApproveBounty(r.Context(), lifecycle.ApproveRequest{
		BountyID:      id,
		PosterAddress: req.PosterAddress,
		Approved:      *req.Approved,
		Rating:        req.Rating,
		Comment:       req.Comment,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"status":           result.Bounty.Status,
		"settlementTxHash": result.SettlementTxHash,
	})
}

type disputeRequest struct {
	InitiatorAddress string `json:"initiatorAddress"`
	Reason           string `json:"reason"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := bountyID(w, r)
	if !ok {
		return
	}
	var req disputeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadJSON(w, err)
		return
	}
	result, err := s.engine.OpenDispute(r.Context(), id, req.InitiatorAddress, req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusCreated, map[string]interface{}{
		"disputeId":       result.Dispute.ID,
		"challengeTxHash": result.ChallengeTxHash,
		"yellowMode":      result.Mode,
	})
}

type resolveRequest struct {
	Decision    string  `json:"decision"`
	ReviewNotes *string `json:"reviewNotes"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := bountyID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadJSON(w, err)
		return
	}
	result, err := s.engine.ResolveDispute(r.Context(), lifecycle.ResolveRequest{
		BountyID:        id,
		Decision:        models.DisputeDecision(req.Decision),
		ResolutionNotes: req.ReviewNotes,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"status":           result.Bounty.Status,
		"settlementTxHash": result.SettlementTxHash,
		"yellowMode":       result.Mode,
	})
}

func (s *Server) handleAutoReleaseSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.RunAutoReleaseSweep(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{
		"processed": report.Processed,
		"released":  report.Released,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
		"results":   report.Results,
	})
}

func (s *Server) handleAgentReputation(w http.ResponseWriter, r *http.Request) {
	agent, err := s.engine.GetAgentReputation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, map[string]interface{}{"agent": agent})
}

func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := s.verifier.VerifyRequest(r, scope); err != nil {
				respondJSON(w, http.StatusUnauthorized, map[string]interface{}{
					"success": false,
					"error":   map[string]string{"code": "UNAUTHORIZED", "message": err.Error()},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bountyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, &lifecycle.Error{Code: lifecycle.CodeBountyNotFound, Message: "invalid bounty id", Status: http.StatusNotFound})
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondSuccess(w http.ResponseWriter, status int, fields map[string]interface{}) {
	payload := map[string]interface{}{"success": true}
	for k, v := range fields {
		payload[k] = v
	}
	respondJSON(w, status, payload)
}

func respondError(w http.ResponseWriter, err error) {
	le := lifecycle.AsError(err)
	respondJSON(w, le.Status, map[string]interface{}{
		"success": false,
		"error":   map[string]string{"code": le.Code, "message": le.Message},
	})
}

func respondBadJSON(w http.ResponseWriter, err error) {
	respondError(w, &lifecycle.Error{Code: "INVALID_JSON", Message: err.Error(), Status: http.StatusBadRequest})
}
