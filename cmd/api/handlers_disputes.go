package main

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"safeswap/dispute"
	"safeswap/lifecycle"
)

type openDisputeRequest struct {
	MilestoneID string `json:"milestone_id"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

type evidenceRequest struct {
	Description string `json:"description"`
	URL         string `json:"url"`
}

type resolveRequest struct {
	Outcome       string              `json:"outcome"`
	Justification string              `json:"justification"`
	Split         *dispute.SplitRatio `json:"split"`
}

type closeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req openDisputeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reason, err := dispute.ParseReason(req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.disputeService.Open(r.Context(), dispute.OpenParams{
		DealID:      chi.URLParam(r, "dealID"),
		MilestoneID: strings.TrimSpace(req.MilestoneID),
		Initiator:   actor,
		Reason:      reason,
		Description: req.Description,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	d, _, ok := s.viewableDeal(w, r)
	if !ok {
		return
	}
	records, err := s.disputeService.ListByDeal(r.Context(), d.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	rec, err := s.disputeService.Get(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !actor.IsAdmin() {
		d, err := s.dealService.Get(r.Context(), rec.DealID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !d.IsParty(actor.ID) {
			s.writeError(w, lifecycle.ErrUnauthorized)
			return
		}
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req evidenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ev, err := s.disputeService.AddEvidence(r.Context(), dispute.EvidenceParams{
		DisputeID:   chi.URLParam(r, "disputeID"),
		Actor:       actor,
		Description: req.Description,
		URL:         req.URL,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleInvestigate(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	rec, err := s.disputeService.StartInvestigation(r.Context(), chi.URLParam(r, "disputeID"), actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRequestResponse(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	rec, err := s.disputeService.RequestResponse(r.Context(), chi.URLParam(r, "disputeID"), actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	outcome := dispute.Status(strings.TrimSpace(req.Outcome))
	if !outcome.IsOutcome() {
		s.writeError(w, lifecycle.Validationf("unknown dispute outcome %q", req.Outcome))
		return
	}
	rec, err := s.disputeService.Resolve(r.Context(), dispute.ResolveParams{
		DisputeID:     chi.URLParam(r, "disputeID"),
		Admin:         actor,
		Outcome:       outcome,
		Justification: req.Justification,
		Split:         req.Split,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCloseDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req closeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.disputeService.Close(r.Context(), dispute.CloseParams{
		DisputeID: chi.URLParam(r, "disputeID"),
		Admin:     actor,
		Reason:    req.Reason,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
