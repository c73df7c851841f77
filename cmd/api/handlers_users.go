package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"safeswap/auth"
	"safeswap/lifecycle"
	"safeswap/trust"
)

type userResponse struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	FullName    string  `json:"full_name"`
	Role        string  `json:"role"`
	KYCStatus   string  `json:"kyc_status"`
	KYCNote     string  `json:"kyc_note,omitempty"`
	KYCReviewed *string `json:"kyc_reviewed_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func toUserResponse(u auth.User) userResponse {
	resp := userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		KYCStatus: string(u.KYCStatus),
		KYCNote:   u.KYCNote,
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
	}
	if u.KYCReviewed != nil {
		at := u.KYCReviewed.UTC().Format(time.RFC3339)
		resp.KYCReviewed = &at
	}
	return resp
}

type trustUpdateResponse struct {
	PreviousScore int     `json:"previous_score"`
	NewScore      int     `json:"new_score"`
	Kind          string  `json:"kind"`
	Reason        string  `json:"reason"`
	DealID        *string `json:"deal_id,omitempty"`
	ActorID       string  `json:"actor_id"`
	CreatedAt     string  `json:"created_at"`
}

func toTrustUpdateResponse(u trust.Update) trustUpdateResponse {
	return trustUpdateResponse{
		PreviousScore: u.PreviousScore,
		NewScore:      u.NewScore,
		Kind:          string(u.Kind),
		Reason:        u.Reason,
		DealID:        u.DealID,
		ActorID:       u.ActorID,
		CreatedAt:     u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type kycReviewRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note"`
}

type trustAdjustRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": res.Token,
		"user":  toUserResponse(res.User),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	user, err := s.authService.GetUserByID(r.Context(), actor.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(*user))
}

func (s *Server) handleSubmitKYC(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	user, err := s.kycService.Submit(r.Context(), actor.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleReviewKYC(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req kycReviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	decision := auth.KYCDecision(strings.ToLower(strings.TrimSpace(req.Decision)))
	user, err := s.kycService.Review(r.Context(), actor, chi.URLParam(r, "userID"), decision, req.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// handleTrust returns a user's score to any signed-in caller; the history is
// limited to the user themself and admins.
func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	score, err := s.trustService.Score(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{"user_id": userID, "score": score}
	if actor.ID == userID || actor.IsAdmin() {
		history, err := s.trustService.History(r.Context(), userID, queryInt(r, "limit", 50))
		if err != nil {
			s.writeError(w, err)
			return
		}
		items := make([]trustUpdateResponse, 0, len(history))
		for _, u := range history {
			items = append(items, toTrustUpdateResponse(u))
		}
		resp["history"] = items
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdjustTrust(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if !actor.IsAdmin() {
		s.writeError(w, lifecycle.ErrUnauthorized)
		return
	}
	var req trustAdjustRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	upd, err := s.trustService.Adjust(r.Context(), actor, trust.AdjustParams{
		UserID:  chi.URLParam(r, "userID"),
		AdminID: actor.ID,
		Delta:   req.Delta,
		Reason:  req.Reason,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTrustUpdateResponse(upd))
}
