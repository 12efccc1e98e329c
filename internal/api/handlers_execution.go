package api

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/cardstack-service/internal/domain"
)

const idempotencyKeyHeader = "Idempotency-Key"

type executeFunc func(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionResult, error)

func (h *CardStackHandlers) ExecuteRecurringBuyHandler(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, "execute_recurring_buy", h.service.ExecuteRecurringBuy)
}

func (h *CardStackHandlers) ExecuteSubscriptionPaymentHandler(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, "execute_subscription_payment", h.service.ExecuteSubscriptionPayment)
}

func (h *CardStackHandlers) ExecuteLimitOrderHandler(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, "execute_limit_order", h.service.ExecuteLimitOrder)
}

// execute runs one strategy invocation. Once an attempt exists its result is the response
// body, including for budget denials and pull or act failures.
func (h *CardStackHandlers) execute(w http.ResponseWriter, r *http.Request, endpoint string, run executeFunc) {
	var req domain.ExecutionRequest
	if !h.decode(w, r, endpoint, &req) {
		return
	}
	if req.CardStackID == uuid.Nil || req.SubCardID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "card_stack_id and sub_card_id are required")
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	}

	result, err := run(r.Context(), req)
	if err == nil {
		log.Printf("level=info component=api endpoint=%s outcome=executed attempt_id=%s state=%s", endpoint, result.AttemptID, result.State)
		h.writeJSON(w, http.StatusOK, result)
		return
	}
	if result == nil {
		h.writeServiceError(w, endpoint, err)
		return
	}

	status := statusForError(err)
	log.Printf("level=warn component=api endpoint=%s outcome=failed attempt_id=%s state=%s status=%d err=%v", endpoint, result.AttemptID, result.State, status, err)
	h.writeJSON(w, status, result)
}

// ReconcileHandler runs one reconciliation pass over stranded attempts.
func (h *CardStackHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := parseOptionalInt(r.URL.Query().Get("limit"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	result, err := h.service.ReconcileExecutions(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, "reconcile_executions", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *CardStackHandlers) GetAttemptResultHandler(w http.ResponseWriter, r *http.Request) {
	attemptID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid attempt ID format")
		return
	}
	result, err := h.service.GetExecutionResult(r.Context(), attemptID)
	if err != nil {
		h.writeServiceError(w, "get_attempt_result", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}
