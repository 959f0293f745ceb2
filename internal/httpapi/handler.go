package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qbook/queue-engine/internal/models"
	"qbook/queue-engine/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store          store.TokenStore
	sweepBatchSize int
}

type Options struct {
	SweepBatchSize int
}

func NewHandler(st store.TokenStore, options Options) *Handler {
	batch := options.SweepBatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Handler{store: st, sweepBatchSize: batch}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/token/book", h.handleBookToken)
	mux.HandleFunc("/token/cancel", h.handleCancelToken)
	mux.HandleFunc("/token/call-next", h.handleCallNext)
	mux.HandleFunc("/token/arrived", h.handleArrived)
	mux.HandleFunc("/token/complete", h.handleComplete)
	mux.HandleFunc("/token/no-show", h.handleNoShow)
	mux.HandleFunc("/token/check-expired", h.handleCheckExpired)
	mux.HandleFunc("/token/queue", h.handleQueue)
	mux.HandleFunc("/token/status", h.handleTokenStatus)
	mux.HandleFunc("/counter/status", h.handleCounterStatus)
	mux.HandleFunc("/services", h.handleServices)
	mux.HandleFunc("/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type bookTokenRequest struct {
	CustomerID string `json:"customer_id"`
	ServiceID  string `json:"service_id"`
	CenterID   string `json:"center_id"`
	Priority   string `json:"priority"`
}

func (h *Handler) handleBookToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	var req bookTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.CenterID = strings.TrimSpace(req.CenterID)
	req.Priority = strings.TrimSpace(req.Priority)

	// Customers always book for themselves; staff may book on behalf of a
	// walk-in customer named in the payload.
	customerID := req.CustomerID
	if session.Role == RoleCustomer {
		customerID = session.CustomerID
	}
	if customerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "customer_id is required")
		return
	}
	if req.ServiceID == "" || req.CenterID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "service_id and center_id are required")
		return
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !models.ValidPriority(req.Priority) {
		writeError(w, http.StatusBadRequest, "invalid_request", "priority must be one of normal, senior, disabled, vip")
		return
	}

	token, err := h.store.BookToken(r.Context(), store.BookTokenInput{
		CustomerID: customerID,
		ServiceID:  req.ServiceID,
		CenterID:   req.CenterID,
		Priority:   req.Priority,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

type tokenIDRequest struct {
	TokenID string `json:"token_id"`
}

func (h *Handler) handleCancelToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	var req tokenIDRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TokenID = strings.TrimSpace(req.TokenID)
	if !isValidUUID(req.TokenID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "token_id must be a UUID")
		return
	}

	input := store.CancelTokenInput{TokenID: req.TokenID, OccurredAt: time.Now().UTC()}
	if session.Role == RoleCustomer {
		input.CustomerID = session.CustomerID
	}

	token, err := h.store.CancelToken(r.Context(), input)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

type callNextRequest struct {
	CounterID string `json:"counter_id"`
}

// callNextResponse reports an empty eligible queue as a normal result, not
// an error: QueueEmpty is set and the token/counter pair is omitted.
type callNextResponse struct {
	QueueEmpty bool            `json:"queue_empty"`
	Token      *models.Token   `json:"token,omitempty"`
	Counter    *models.Counter `json:"counter,omitempty"`
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := requireStaff(w, r); !ok {
		return
	}

	var req callNextRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.CounterID = strings.TrimSpace(req.CounterID)
	if !isValidUUID(req.CounterID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}

	token, counter, err := h.store.CallNext(r.Context(), store.CallNextInput{
		CounterID: req.CounterID,
		CalledAt:  time.Now().UTC(),
	})
	if errors.Is(err, store.ErrEmptyQueue) {
		writeJSON(w, http.StatusOK, callNextResponse{QueueEmpty: true})
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, callNextResponse{Token: &token, Counter: &counter})
}

func (h *Handler) handleArrived(w http.ResponseWriter, r *http.Request) {
	h.handleTokenTransition(w, r, h.store.MarkArrived)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	h.handleTokenTransition(w, r, h.store.CompleteToken)
}

func (h *Handler) handleNoShow(w http.ResponseWriter, r *http.Request) {
	h.handleTokenTransition(w, r, h.store.MarkNoShow)
}

func (h *Handler) handleTokenTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, input store.TokenActionInput) (models.Token, error)) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := requireStaff(w, r); !ok {
		return
	}

	var req tokenIDRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TokenID = strings.TrimSpace(req.TokenID)
	if !isValidUUID(req.TokenID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "token_id must be a UUID")
		return
	}

	token, err := op(r.Context(), store.TokenActionInput{
		TokenID:    req.TokenID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

type checkExpiredResponse struct {
	Expired int `json:"expired"`
}

func (h *Handler) handleCheckExpired(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := requireStaff(w, r); !ok {
		return
	}

	count, err := h.store.SweepExpired(r.Context(), time.Now().UTC(), h.sweepBatchSize)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, checkExpiredResponse{Expired: count})
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	centerID := strings.TrimSpace(r.URL.Query().Get("center_id"))
	if centerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "center_id is required")
		return
	}

	snapshot, err := h.store.QueueSnapshot(r.Context(), centerID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleTokenStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	tokenID := strings.TrimSpace(r.URL.Query().Get("token_id"))
	if !isValidUUID(tokenID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "token_id must be a UUID")
		return
	}

	token, err := h.store.TokenStatus(r.Context(), tokenID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if session.Role == RoleCustomer && token.CustomerID != session.CustomerID {
		writeError(w, http.StatusForbidden, "access_denied", "access denied")
		return
	}
	writeJSON(w, http.StatusOK, token)
}

type counterStatusRequest struct {
	CounterID string `json:"counter_id"`
	Status    string `json:"status"`
}

func (h *Handler) handleCounterStatus(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		centerID := strings.TrimSpace(r.URL.Query().Get("center_id"))
		if centerID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "center_id is required")
			return
		}
		counters, err := h.store.ListCounters(r.Context(), centerID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, counters)
	case http.MethodPost:
		if _, ok := requireStaff(w, r); !ok {
			return
		}
		var req counterStatusRequest
		if !decodeBody(w, r, &req) {
			return
		}
		req.CounterID = strings.TrimSpace(req.CounterID)
		req.Status = strings.TrimSpace(req.Status)
		if !isValidUUID(req.CounterID) {
			writeError(w, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
			return
		}
		if !operatorSettableStatus(req.Status) {
			writeError(w, http.StatusBadRequest, "invalid_request", "status must be one of available, break, offline")
			return
		}
		if err := h.store.UpdateCounterStatus(r.Context(), req.CounterID, req.Status); err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// operatorSettableStatus excludes serving, which only the call-next path may
// set.
func operatorSettableStatus(status string) bool {
	switch status {
	case models.CounterAvailable, models.CounterBreak, models.CounterOffline:
		return true
	default:
		return false
	}
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	centerID := strings.TrimSpace(r.URL.Query().Get("center_id"))
	if centerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "center_id is required")
		return
	}

	services, err := h.store.ListServices(r.Context(), centerID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

// maxEventsLimit caps a caller-supplied page size before it reaches the SQL
// LIMIT.
const maxEventsLimit = 1000

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := requireStaff(w, r); !ok {
		return
	}

	centerID := strings.TrimSpace(r.URL.Query().Get("center_id"))
	if centerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "center_id is required")
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be an RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if parsed > maxEventsLimit {
			parsed = maxEventsLimit
		}
		limit = parsed
	}

	events, err := h.store.ListEvents(r.Context(), centerID, after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func decodeBody(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrCenterNotFound):
		return http.StatusNotFound, "center_not_found", "service center not found"
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "token state does not allow this action"
	case errors.Is(err, store.ErrCounterUnavailable):
		return http.StatusConflict, "counter_unavailable", "counter is not available"
	case errors.Is(err, store.ErrCounterOccupied):
		return http.StatusConflict, "counter_occupied", "counter holds an active token"
	case errors.Is(err, store.ErrDuplicateActiveToken):
		return http.StatusConflict, "duplicate_active_token", "customer already holds an active token at this center"
	case errors.Is(err, store.ErrExpired):
		return http.StatusConflict, "token_expired", "arrival deadline has passed"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "concurrent update lost, retry"
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden, "access_denied", "access denied"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
