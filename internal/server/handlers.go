package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/veildata/veil/internal/auth"
	"github.com/veildata/veil/internal/authz"
	"github.com/veildata/veil/internal/ledger"
	"github.com/veildata/veil/internal/model"
	"github.com/veildata/veil/internal/results"
	"github.com/veildata/veil/internal/service/pipeline"
	"github.com/veildata/veil/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	ledger              *ledger.Ledger
	pipeline            *pipeline.Service
	results             *results.Store
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	maxScriptBytes      int64
	presignTTL          time.Duration
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Ledger              *ledger.Ledger
	Pipeline            *pipeline.Service
	Results             *results.Store
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	MaxScriptBytes      int64
	PresignTTL          time.Duration
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		ledger:              d.Ledger,
		pipeline:            d.Pipeline,
		results:             d.Results,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		maxScriptBytes:      d.MaxScriptBytes,
		presignTTL:          d.PresignTTL,
		openapiSpec:         d.OpenAPISpec,
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, msg)
}

// currentUser loads the authenticated caller's user row.
func (h *Handlers) currentUser(r *http.Request) (model.User, error) {
	claims := ClaimsFromContext(r.Context())
	id, err := claims.UserID()
	if err != nil {
		return model.User{}, err
	}
	return h.db.GetUser(r.Context(), id)
}

// HandleAuthToken handles POST /auth/token: email + API key → JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Email == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "email and api_key are required")
		return
	}

	user, err := h.db.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		// Burn the same hashing cost as a real check so timing does not
		// reveal whether the email exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	hash, err := h.db.GetUserAPIKeyHash(r.Context(), user.ID)
	if err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, hash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    user.ID.String(),
		Role:      user.Role,
	})
}

// HandleCreateUser handles POST /v1/users (admin only). The user's budget
// row is provisioned in the same transaction with default allowances.
func (h *Handlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req model.CreateUserRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	user, err := h.db.CreateUser(r.Context(), req, hash)
	if err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}

	h.logger.Info("user created", "user_id", user.ID, "email", user.Email, "role", user.Role)
	writeJSON(w, r, http.StatusCreated, user)
}

// HandleGetUser handles GET /v1/users/{user_id} (admin only).
func (h *Handlers) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid user_id")
		return
	}
	user, err := h.db.GetUser(r.Context(), id)
	if err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, user)
}

// HandleOwnBudget handles GET /v1/budgets: the caller's own balances.
func (h *Handlers) HandleOwnBudget(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := claims.UserID()
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid token subject")
		return
	}
	budget, err := h.db.GetBudget(r.Context(), id)
	if err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, budget)
}

// HandleGetBudget handles GET /v1/budgets/{user_id}. Owner, steward or admin.
func (h *Handlers) HandleGetBudget(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid user_id")
		return
	}
	if !authz.CanViewBudget(claims, id) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
		return
	}
	budget, err := h.db.GetBudget(r.Context(), id)
	if err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, budget)
}

// HandleSetBudget handles PATCH /v1/budgets/{user_id} (steward/admin). This
// is an administrative override, not a debit: balances are set, not spent.
func (h *Handlers) HandleSetBudget(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid user_id")
		return
	}

	var patch model.BudgetPatch
	if err := decodeJSON(w, r, &patch, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := patch.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	budget, err := h.db.SetBudget(r.Context(), id, patch)
	if err != nil {
		mapDomainError(w, r, h.logger, err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	h.logger.Info("budget overridden",
		"user_id", id, "by", claims.Email,
		"review", budget.Review, "release", budget.Release)
	writeJSON(w, r, http.StatusOK, budget)
}

// healthResponse is the GET /health payload.
type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_seconds"`
	Database string `json:"database"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Version:  h.version,
		UptimeS:  int64(time.Since(h.startedAt).Seconds()),
		Database: "ok",
	}
	status := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// SeedAdmin creates the initial admin user if the users table is empty.
func (h *Handlers) SeedAdmin(ctx context.Context, adminEmail, adminAPIKey string) error {
	if adminAPIKey == "" {
		total, err := h.db.CountUsers(ctx)
		if err != nil {
			return fmt.Errorf("seed admin: count users: %w", err)
		}
		if total == 0 {
			return fmt.Errorf("seed admin: VEIL_ADMIN_API_KEY is empty and no users exist; set VEIL_ADMIN_API_KEY to bootstrap initial admin access")
		}
		h.logger.Info("no admin API key configured, skipping admin seed", "existing_users", total)
		return nil
	}

	total, err := h.db.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("seed admin: count users: %w", err)
	}
	if total > 0 {
		h.logger.Info("users table not empty, skipping admin seed")
		return nil
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	admin, err := h.db.CreateUser(ctx, model.CreateUserRequest{
		Email:     adminEmail,
		FirstName: "Veil",
		LastName:  "Admin",
		Role:      model.RoleAdmin,
	}, hash)
	if err != nil {
		return fmt.Errorf("seed admin: create user: %w", err)
	}

	h.logger.Info("seeded initial admin user", "user_id", admin.ID, "email", admin.Email)
	return nil
}
