package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"safeswap/auth"
	"safeswap/deal"
	"safeswap/dispute"
	"safeswap/lifecycle"
	"safeswap/trust"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

const maxBodyBytes = 1 << 20

type dealService interface {
	Create(ctx context.Context, p deal.CreateParams) (deal.Deal, error)
	ReviseMilestones(ctx context.Context, p deal.ReviseParams) (deal.Deal, error)
	TransitionDeal(ctx context.Context, p deal.TransitionParams) (deal.Deal, error)
	TransitionMilestone(ctx context.Context, p deal.MilestoneTransitionParams) (deal.Milestone, error)
	Get(ctx context.Context, dealID string) (deal.Deal, error)
	ListForUser(ctx context.Context, userID string, filter deal.ListFilter) ([]deal.Deal, error)
	Timeline(ctx context.Context, dealID string) ([]deal.TimelineEntry, error)
}

type disputeService interface {
	Open(ctx context.Context, p dispute.OpenParams) (dispute.Record, error)
	StartInvestigation(ctx context.Context, disputeID string, admin lifecycle.Actor) (dispute.Record, error)
	RequestResponse(ctx context.Context, disputeID string, admin lifecycle.Actor) (dispute.Record, error)
	AddEvidence(ctx context.Context, p dispute.EvidenceParams) (dispute.Evidence, error)
	Resolve(ctx context.Context, p dispute.ResolveParams) (dispute.Record, error)
	Close(ctx context.Context, p dispute.CloseParams) (dispute.Record, error)
	Get(ctx context.Context, disputeID string) (dispute.Record, error)
	ListByDeal(ctx context.Context, dealID string) ([]dispute.Record, error)
}

type trustService interface {
	Adjust(ctx context.Context, admin lifecycle.Actor, p trust.AdjustParams) (trust.Update, error)
	Score(ctx context.Context, userID string) (int, error)
	History(ctx context.Context, userID string, limit int) ([]trust.Update, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type kycService interface {
	Submit(ctx context.Context, userID string) (auth.User, error)
	Review(ctx context.Context, admin lifecycle.Actor, userID string, decision auth.KYCDecision, note string) (auth.User, error)
}

// Server exposes the lifecycle engine over HTTP.
type Server struct {
	dealService    dealService
	disputeService disputeService
	trustService   trustService
	authService    authService
	kycService     kycService
	logger         *zap.Logger
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/me", s.handleMe)
			r.Post("/me/kyc", s.handleSubmitKYC)
			r.Get("/users/{userID}/trust", s.handleTrust)

			r.Route("/deals", func(r chi.Router) {
				r.Post("/", s.handleCreateDeal)
				r.Get("/", s.handleListDeals)
				r.Route("/{dealID}", func(r chi.Router) {
					r.Get("/", s.handleGetDeal)
					r.Put("/milestones", s.handleReviseMilestones)
					r.Post("/transitions", s.handleDealTransition)
					r.Get("/timeline", s.handleTimeline)
					r.Get("/disputes", s.handleListDisputes)
					r.Post("/disputes", s.handleOpenDispute)
				})
			})
			r.Post("/milestones/{milestoneID}/transitions", s.handleMilestoneTransition)

			r.Route("/disputes/{disputeID}", func(r chi.Router) {
				r.Get("/", s.handleGetDispute)
				r.Post("/evidence", s.handleAddEvidence)
				r.Post("/investigate", s.handleInvestigate)
				r.Post("/request-response", s.handleRequestResponse)
				r.Post("/resolve", s.handleResolve)
				r.Post("/close", s.handleCloseDispute)
			})

			r.Route("/admin/users/{userID}", func(r chi.Router) {
				r.Post("/kyc", s.handleReviewKYC)
				r.Post("/trust-adjustments", s.handleAdjustTrust)
			})
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log().Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeErrorMessage(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeErrorMessage(w, http.StatusUnauthorized, "unauthenticated", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

func actorFrom(ctx context.Context) (lifecycle.Actor, bool) {
	userID, _ := ctx.Value(ctxKeyUserID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	if userID == "" {
		return lifecycle.Actor{}, false
	}
	if role == "" {
		role = auth.RoleUser
	}
	return lifecycle.Actor{ID: userID, Role: role}, true
}

// requireActor writes 401 and reports false when no caller is attached.
func requireActor(w http.ResponseWriter, r *http.Request) (lifecycle.Actor, bool) {
	actor, ok := actorFrom(r.Context())
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
	}
	return actor, ok
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeErrorMessage(w, http.StatusBadRequest, string(lifecycle.KindValidation), "invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeErrorMessage(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeError maps the lifecycle error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeErrorMessage(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		return
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeErrorMessage(w, http.StatusConflict, "duplicate_email", "email already registered")
		return
	case errors.Is(err, auth.ErrUserNotFound):
		writeErrorMessage(w, http.StatusNotFound, string(lifecycle.KindNotFound), "user not found")
		return
	}

	kind := lifecycle.KindOf(err)
	resp := errorResponse{Error: string(kind), Message: err.Error()}
	status := http.StatusInternalServerError
	switch kind {
	case lifecycle.KindValidation:
		status = http.StatusBadRequest
	case lifecycle.KindUnauthorized:
		status = http.StatusForbidden
	case lifecycle.KindNotFound:
		status = http.StatusNotFound
	case lifecycle.KindInvalidTransition, lifecycle.KindAlreadySettled:
		status = http.StatusConflict
	case lifecycle.KindConcurrencyConflict:
		status = http.StatusConflict
		resp.Retryable = true
	case lifecycle.KindLedger:
		status = http.StatusServiceUnavailable
		resp.Retryable = true
		var le *lifecycle.LedgerError
		if errors.As(err, &le) && le.Exhausted {
			s.log().Error("ledger operation exhausted retries", zap.String("op", le.Op), zap.Int("attempts", le.Attempts), zap.Error(le.Err))
		}
		resp.Message = "fund operation failed; nothing was changed"
	default:
		s.log().Error("unhandled error", zap.Error(err))
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}
