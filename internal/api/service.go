// Package api exposes the session engine over HTTP: commands, user state,
// position history, the balance ledger and the WebSocket presenter.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/session-engine/internal/game"
	"github.com/atmx/session-engine/internal/model"
	"github.com/atmx/session-engine/internal/position"
	"github.com/atmx/session-engine/internal/session"
)

// Engine runs user commands.
type Engine interface {
	Handle(ctx context.Context, userID, username string, cmd game.Command) (game.Outcome, error)
}

// Store is the read side the handlers need.
type Store interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	ListPositionsByUser(ctx context.Context, userID string, limit int) ([]model.Position, error)
}

// Ledger exposes balance history.
type Ledger interface {
	Entries(ctx context.Context, userID string) ([]model.LedgerEntry, error)
	Expected(ctx context.Context, userID string) (decimal.Decimal, error)
	Reconcile(ctx context.Context, userID string) (int, error)
}

// SocketServer attaches a WebSocket to a user.
type SocketServer interface {
	ServeUser(w http.ResponseWriter, r *http.Request, userID string)
}

// Service holds the HTTP handlers.
type Service struct {
	engine     Engine
	store      Store
	ledger     Ledger
	sockets    SocketServer // optional
	adminToken string
	log        *slog.Logger
}

// Options configures a Service.
type Options struct {
	Sockets SocketServer
	// AdminToken guards token crediting and ledger reconciliation. Empty
	// disables both endpoints.
	AdminToken string
	Logger     *slog.Logger
}

// NewService creates the HTTP service.
func NewService(engine Engine, st Store, l Ledger, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		engine:     engine,
		store:      st,
		ledger:     l,
		sockets:    opts.Sockets,
		adminToken: opts.AdminToken,
		log:        opts.Logger.With(slog.String("component", "api")),
	}
}

// Routes mounts every handler on r. Callers typically mount it under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/ws", s.ServeWS)
	r.Route("/users/{userID}", s.UserRoutes)
}

// UserRoutes mounts the per-user handlers; r must carry a {userID} param.
func (s *Service) UserRoutes(r chi.Router) {
	r.Get("/", s.GetUser)
	r.Post("/commands", s.PostCommand)
	r.Get("/positions", s.GetPositions)
	r.Get("/ledger", s.GetLedger)
	r.Post("/ledger/reconcile", s.Reconcile)
}

// --- Request/Response types ---

// CommandRequest is the JSON body for POST /users/{userID}/commands.
type CommandRequest struct {
	game.Request
	Username string `json:"username,omitempty"`
}

// CommandResponse carries the outcome and, for rejections, the reason.
type CommandResponse struct {
	game.Outcome
	Error string `json:"error,omitempty"`
}

// LedgerResponse is the balance history of one user.
type LedgerResponse struct {
	UserID     string              `json:"user_id"`
	Balance    decimal.Decimal     `json:"balance"`
	Expected   decimal.Decimal     `json:"expected"`
	Consistent bool                `json:"consistent"`
	Entries    []model.LedgerEntry `json:"entries"`
}

// --- HTTP Handlers ---

// PostCommand handles POST /api/v1/users/{userID}/commands
func (s *Service) PostCommand(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cmd, err := req.ToCommand()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := cmd.(game.CreditTokens); ok && !s.authorized(r) {
		writeError(w, "admin token required", http.StatusForbidden)
		return
	}

	out, err := s.engine.Handle(r.Context(), userID, req.Username, cmd)
	status := statusFor(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, position.ErrPriceUnavailable) {
		s.log.Error("command failed", "user", userID, "command", cmd.Name(), "err", err)
		writeError(w, "internal error", status)
		return
	}
	if errors.Is(err, game.ErrRateLimited) {
		w.Header().Set("Retry-After", "60")
		writeError(w, err.Error(), status)
		return
	}

	resp := CommandResponse{Outcome: out}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

// GetUser handles GET /api/v1/users/{userID}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, "user not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load user", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    user,
		"actions": session.AvailableActions(user.State),
	})
}

const (
	defaultPositionLimit = 20
	maxPositionLimit     = 200
)

// GetPositions handles GET /api/v1/users/{userID}/positions?limit=N
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	limit := defaultPositionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxPositionLimit)
	}

	positions, err := s.store.ListPositionsByUser(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetLedger handles GET /api/v1/users/{userID}/ledger
// Returns the entry history and whether the cached balance matches it.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, "user not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load user", http.StatusInternalServerError)
		return
	}
	entries, err := s.ledger.Entries(ctx, userID)
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	expected, err := s.ledger.Expected(ctx, userID)
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, LedgerResponse{
		UserID:     userID,
		Balance:    user.Balance,
		Expected:   expected,
		Consistent: user.Balance.Equal(expected),
		Entries:    entries,
	})
}

// Reconcile handles POST /api/v1/users/{userID}/ledger/reconcile
func (s *Service) Reconcile(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, "admin token required", http.StatusForbidden)
		return
	}
	userID := chi.URLParam(r, "userID")
	applied, err := s.ledger.Reconcile(r.Context(), userID)
	if err != nil {
		s.log.Error("reconcile failed", "user", userID, "err", err)
		writeError(w, "reconcile failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": applied})
}

// ServeWS handles GET /api/v1/ws?user_id=...
func (s *Service) ServeWS(w http.ResponseWriter, r *http.Request) {
	if s.sockets == nil {
		writeError(w, "websocket presenter disabled", http.StatusNotFound)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	s.sockets.ServeUser(w, r, userID)
}

func (s *Service) authorized(r *http.Request) bool {
	if s.adminToken == "" {
		return false
	}
	got := r.Header.Get("X-Admin-Token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) == 1
}

// statusFor maps a command error to an HTTP status.
func statusFor(err error) int {
	var tooSoon *position.TooSoonError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, game.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &tooSoon):
		return http.StatusTooEarly
	case errors.Is(err, position.ErrInvalidRequest), errors.Is(err, game.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, position.ErrInsufficientResource):
		return http.StatusPaymentRequired
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, position.ErrAlreadyOpen),
		errors.Is(err, position.ErrNoOpenPosition),
		errors.Is(err, position.ErrBusy),
		errors.Is(err, model.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, position.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
