package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"safeswap/deal"
	"safeswap/lifecycle"
)

type milestoneRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Order       int             `json:"order"`
	DueDate     *time.Time      `json:"due_date"`
}

type createDealRequest struct {
	SellerID    string             `json:"seller_id"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Category    string             `json:"category"`
	Amount      decimal.Decimal    `json:"amount"`
	Currency    string             `json:"currency"`
	Milestones  []milestoneRequest `json:"milestones"`
}

type reviseMilestonesRequest struct {
	Milestones []milestoneRequest `json:"milestones"`
	Reason     string             `json:"reason"`
}

type transitionRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

func toMilestoneInputs(in []milestoneRequest) []deal.MilestoneInput {
	out := make([]deal.MilestoneInput, 0, len(in))
	for _, m := range in {
		out = append(out, deal.MilestoneInput{
			Title:       m.Title,
			Description: m.Description,
			Amount:      m.Amount,
			Order:       m.Order,
			DueDate:     m.DueDate,
		})
	}
	return out
}

func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req createDealRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := s.dealService.Create(r.Context(), deal.CreateParams{
		BuyerID:     actor.ID,
		SellerID:    req.SellerID,
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Milestones:  toMilestoneInputs(req.Milestones),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDeals(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	userID := actor.ID
	if other := strings.TrimSpace(r.URL.Query().Get("user_id")); other != "" && actor.IsAdmin() {
		userID = other
	}
	filter := deal.ListFilter{
		Status: deal.Status(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.writeError(w, lifecycle.Validationf("unknown deal status %q", filter.Status))
		return
	}
	deals, err := s.dealService.ListForUser(r.Context(), userID, filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": deals, "total": len(deals)})
}

// viewableDeal loads the deal in the URL and checks the caller may see it:
// its parties, admins, and anyone while an open offer awaits a seller.
func (s *Server) viewableDeal(w http.ResponseWriter, r *http.Request) (deal.Deal, lifecycle.Actor, bool) {
	actor, ok := requireActor(w, r)
	if !ok {
		return deal.Deal{}, actor, false
	}
	d, err := s.dealService.Get(r.Context(), chi.URLParam(r, "dealID"))
	if err != nil {
		s.writeError(w, err)
		return deal.Deal{}, actor, false
	}
	openOffer := d.SellerID == "" && d.Status == deal.StatusCreated
	if !d.IsParty(actor.ID) && !actor.IsAdmin() && !openOffer {
		s.writeError(w, lifecycle.ErrUnauthorized)
		return deal.Deal{}, actor, false
	}
	return d, actor, true
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	d, _, ok := s.viewableDeal(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	d, _, ok := s.viewableDeal(w, r)
	if !ok {
		return
	}
	entries, err := s.dealService.Timeline(r.Context(), d.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) handleReviseMilestones(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req reviseMilestonesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := s.dealService.ReviseMilestones(r.Context(), deal.ReviseParams{
		DealID:     chi.URLParam(r, "dealID"),
		Actor:      actor,
		Milestones: toMilestoneInputs(req.Milestones),
		Reason:     req.Reason,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDealTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	action, err := deal.ParseAction(strings.TrimSpace(req.Action))
	if err != nil {
		s.writeError(w, err)
		return
	}
	d, err := s.dealService.TransitionDeal(r.Context(), deal.TransitionParams{
		DealID: chi.URLParam(r, "dealID"),
		Actor:  actor,
		Action: action,
		Reason: req.Reason,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleMilestoneTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	action, err := deal.ParseMilestoneAction(strings.TrimSpace(req.Action))
	if err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.dealService.TransitionMilestone(r.Context(), deal.MilestoneTransitionParams{
		MilestoneID: chi.URLParam(r, "milestoneID"),
		Actor:       actor,
		Action:      action,
		Reason:      req.Reason,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
