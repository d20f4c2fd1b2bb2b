package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/abkawan/account-ledger/internal/models"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is what the HTTP surface needs from the engine.
type Ledger interface {
	CreateAccount(ctx context.Context, req models.CreateAccountRequest) (*models.Account, error)
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	ListAccountsByUser(ctx context.Context, userID string) ([]*models.Account, error)
	GetBalance(ctx context.Context, accountID string) (decimal.Decimal, string, error)
	ListTransactions(ctx context.Context, accountID string, q models.TransactionQuery) ([]*models.Transaction, error)
	Statement(ctx context.Context, accountID string, start, end time.Time) (*models.Statement, error)
	Suspend(ctx context.Context, accountID, reason, suspendedBy string) (*models.Account, error)
	Reactivate(ctx context.Context, accountID, reactivatedBy string) (*models.Account, error)
	Close(ctx context.Context, accountID, reason, closedBy string) (*models.Account, error)
}

// RejectionLog lists audited rejections for an account.
type RejectionLog interface {
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.Rejection, error)
}

// Handler is for handling api requests
type Handler struct {
	ledger     Ledger
	rejections RejectionLog
	logger     *zap.Logger
}

func NewHandler(ledger Ledger, rejections RejectionLog, logger *zap.Logger) *Handler {
	return &Handler{
		ledger:     ledger,
		rejections: rejections,
		logger:     logger,
	}
}

type BalanceResponse struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
}

type StatusChangeRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// for error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps a service error onto a status code. Internal failures are
// logged and not echoed back.
func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondError(w, status, "internal error")
		return
	}
	respondJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  models.ErrorCode(err),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidStateTransition),
		errors.Is(err, models.ErrNonZeroBalanceOnClose),
		errors.Is(err, models.ErrAccountNotOperable):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// account creation
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	account, err := h.ledger.CreateAccount(r.Context(), req)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, models.NewAccountResponse(account))
}

// handles account retrieval
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.ledger.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, models.NewAccountResponse(account))
}

func (h *Handler) ListUserAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.ledger.ListAccountsByUser(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	response := make([]models.AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		response = append(response, models.NewAccountResponse(a))
	}
	respondJSON(w, http.StatusOK, response)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	balance, currency, err := h.ledger.GetBalance(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, BalanceResponse{AccountID: id, Balance: balance, Currency: currency})
}

// GetTransactions lists ledger entries, optionally bounded by from/to
// (RFC 3339, to exclusive).
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	var q models.TransactionQuery
	var err error
	if q.From, err = optionalTime(r, "from"); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.To, err = optionalTime(r, "to"); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := mux.Vars(r)["id"]
	if _, err := h.ledger.GetAccount(r.Context(), id); err != nil {
		h.respondErr(w, r, err)
		return
	}

	txs, err := h.ledger.ListTransactions(r.Context(), id, q)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	respondJSON(w, http.StatusOK, txs)
}

func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	start, err := optionalTime(r, "start")
	if err == nil && start == nil {
		err = errors.New("start is required")
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := optionalTime(r, "end")
	if err == nil && end == nil {
		err = errors.New("end is required")
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := h.ledger.Statement(r.Context(), mux.Vars(r)["id"], *start, *end)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (h *Handler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, func(ctx context.Context, id string, req StatusChangeRequest) (*models.Account, error) {
		return h.ledger.Suspend(ctx, id, req.Reason, req.Actor)
	})
}

func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, func(ctx context.Context, id string, req StatusChangeRequest) (*models.Account, error) {
		return h.ledger.Reactivate(ctx, id, req.Actor)
	})
}

func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, func(ctx context.Context, id string, req StatusChangeRequest) (*models.Account, error) {
		return h.ledger.Close(ctx, id, req.Reason, req.Actor)
	})
}

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request, apply func(context.Context, string, StatusChangeRequest) (*models.Account, error)) {
	var req StatusChangeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request payload")
			return
		}
	}
	if req.Actor == "" {
		req.Actor = "admin"
	}

	account, err := apply(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewAccountResponse(account))
}

func (h *Handler) GetRejections(w http.ResponseWriter, r *http.Request) {
	if h.rejections == nil {
		respondError(w, http.StatusServiceUnavailable, "rejection log not configured")
		return
	}

	// default limit is set to 50
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err == nil && parsed > 0 {
			limit = parsed
		}
	}

	recs, err := h.rejections.ListByAccount(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.Rejection{}
	}
	respondJSON(w, http.StatusOK, recs)
}

// handles health check
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func optionalTime(r *http.Request, name string) (*time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, errors.New(name + " must be an RFC 3339 timestamp")
	}
	return &t, nil
}

// sets up the API routes
func SetupRoutes(r *mux.Router, h *Handler) {
	// Health check (check if API is working)
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Account routes
	r.HandleFunc("/accounts", h.CreateAccount).Methods("POST")
	r.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	r.HandleFunc("/users/{userId}/accounts", h.ListUserAccounts).Methods("GET")
	r.HandleFunc("/accounts/{id}/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/accounts/{id}/transactions", h.GetTransactions).Methods("GET")
	r.HandleFunc("/accounts/{id}/statement", h.GetStatement).Methods("GET")
	r.HandleFunc("/accounts/{id}/rejections", h.GetRejections).Methods("GET")

	// Administrative status changes
	r.HandleFunc("/accounts/{id}/suspend", h.Suspend).Methods("POST")
	r.HandleFunc("/accounts/{id}/reactivate", h.Reactivate).Methods("POST")
	r.HandleFunc("/accounts/{id}/close", h.Close).Methods("POST")
}
