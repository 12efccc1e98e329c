/**
 * @description
 * This file contains the owner-facing HTTP handlers of the cardstack-service: card stack
 * and sub-card management and the attempt audit listing. Handlers parse the request,
 * call the application service and map its typed errors onto HTTP statuses.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain, internal/store: service logic, models and sentinel errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/cardstack-service/internal/app"
	"github.com/transfa/cardstack-service/internal/domain"
	"github.com/transfa/cardstack-service/internal/store"
)

const maxRequestBodyBytes = 1 << 20

// CardStackService is the application surface the handlers call.
type CardStackService interface {
	CreateCardStack(ctx context.Context, ownerID string, req domain.CreateCardStackRequest) (*domain.CardStack, error)
	GetCardStack(ctx context.Context, ownerID string, stackID uuid.UUID) (*domain.CardStack, error)
	ListCardStacks(ctx context.Context, ownerID string) ([]domain.CardStack, error)
	AttachPermission(ctx context.Context, ownerID string, stackID uuid.UUID, raw string) (*domain.CardStack, error)
	UpdateBudget(ctx context.Context, ownerID string, stackID uuid.UUID, req domain.UpdateBudgetRequest) (*domain.CardStack, error)
	RevokeCardStack(ctx context.Context, ownerID string, stackID uuid.UUID) error
	DeleteCardStack(ctx context.Context, ownerID string, stackID uuid.UUID) error

	CreateSubCard(ctx context.Context, ownerID string, stackID uuid.UUID, req domain.CreateSubCardRequest) (*domain.SubCard, error)
	ListSubCards(ctx context.Context, ownerID string, stackID uuid.UUID) ([]domain.SubCard, error)
	PauseSubCard(ctx context.Context, ownerID string, stackID, subCardID uuid.UUID) (*domain.SubCard, error)
	ResumeSubCard(ctx context.Context, ownerID string, stackID, subCardID uuid.UUID) (*domain.SubCard, error)
	SkipNextExecution(ctx context.Context, ownerID string, stackID, subCardID uuid.UUID) (*domain.SubCard, error)
	DeleteSubCard(ctx context.Context, ownerID string, stackID, subCardID uuid.UUID) error
	ListAttempts(ctx context.Context, ownerID string, stackID uuid.UUID, limit int) ([]domain.ExecutionAttempt, error)

	ExecuteRecurringBuy(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionResult, error)
	ExecuteSubscriptionPayment(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionResult, error)
	ExecuteLimitOrder(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionResult, error)
	ReconcileExecutions(ctx context.Context, limit int) (*domain.ExecutionReconcileResponse, error)
	GetExecutionResult(ctx context.Context, attemptID uuid.UUID) (*domain.ExecutionResult, error)
}

// CardStackHandlers holds the application service that handlers will use.
type CardStackHandlers struct {
	service CardStackService
}

// NewCardStackHandlers creates a new instance of CardStackHandlers.
func NewCardStackHandlers(service CardStackService) *CardStackHandlers {
	return &CardStackHandlers{service: service}
}

// CreateCardStackHandler creates a card stack for the authenticated owner.
func (h *CardStackHandlers) CreateCardStackHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req domain.CreateCardStackRequest
	if !h.decode(w, r, "create_card_stack", &req) {
		return
	}

	stack, err := h.service.CreateCardStack(r.Context(), ownerID, req)
	if err != nil {
		h.writeServiceError(w, "create_card_stack", err)
		return
	}
	log.Printf("level=info component=api endpoint=create_card_stack outcome=created owner_id=%s card_stack_id=%s status=%s", ownerID, stack.ID, stack.Status)
	h.writeJSON(w, http.StatusCreated, newCardStackResponse(stack))
}

// ListCardStacksHandler lists the owner's card stacks.
func (h *CardStackHandlers) ListCardStacksHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}
	stacks, err := h.service.ListCardStacks(r.Context(), ownerID)
	if err != nil {
		h.writeServiceError(w, "list_card_stacks", err)
		return
	}
	response := make([]cardStackResponse, 0, len(stacks))
	for i := range stacks {
		response = append(response, newCardStackResponse(&stacks[i]))
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *CardStackHandlers) GetCardStackHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, stackID, ok := h.stackParams(w, r)
	if !ok {
		return
	}
	stack, err := h.service.GetCardStack(r.Context(), ownerID, stackID)
	if err != nil {
		h.writeServiceError(w, "get_card_stack", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newCardStackResponse(stack))
}

// AttachPermissionHandler stores the owner's signed grant. A grant can be attached once.
func (h *CardStackHandlers) AttachPermissionHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, stackID, ok := h.stackParams(w, r)
	if !ok {
		return
	}
	var req domain.AttachPermissionRequest
	if !h.decode(w, r, "attach_permission", &req) {
		return
	}
	stack, err := h.service.AttachPermission(r.Context(), ownerID, stackID, req.PermissionContext)
	if err != nil {
		h.writeServiceError(w, "attach_permission", err)
		return
	}
	log.Printf("level=info component=api endpoint=attach_permission outcome=attached owner_id=%s card_stack_id=%s", ownerID, stack.ID)
	h.writeJSON(w, http.StatusOK, newCardStackResponse(stack))
}

func (h *CardStackHandlers) UpdateBudgetHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, stackID, ok := h.stackParams(w, r)
	if !ok {
		return
	}
	var req domain.UpdateBudgetRequest
	if !h.decode(w, r, "update_budget", &req) {
		return
	}
	stack, err := h.service.UpdateBudget(r.Context(), ownerID, stackID, req)
	if err != nil {
		h.writeServiceError(w, "update_budget", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newCardStackResponse(stack))
}

func (h *CardStackHandlers) RevokeCardStackHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, stackID, ok := h.stackParams(w, r)
	if !ok {
		return
	}
	if err := h.service.RevokeCardStack(r.Context(), ownerID, stackID); err != nil {
		h.writeServiceError(w, "revoke_card_stack", err)
		return
	}
	log.Printf("level=info component=api endpoint=revoke_card_stack outcome=revoked owner_id=%s card_stack_id=%s", ownerID, stackID)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.CardStackStatusRevoked)})
}

func (h *CardStackHandlers) DeleteCardStackHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, stackID, ok := h.stackParams(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteCardStack(r.Context(), ownerID, stackID); err != nil {
		h.writeServiceError(w, "delete_card_stack", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateSubCardHandler adds a strategy to a stack.
func (h *CardStackHandlers) CreateSubCardHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, stackID, ok := h.stackParams(w, r)
	if !ok {
		return
	}
	var req domain.CreateSubCardRequest
	if !h.decode(w, r, "create_sub_card", &req) {
		return
	}
	sub, err := h.service.CreateSubCard(r.Context(), ownerID, stackID, req)
	if err != nil {
		h.writeServiceError(w, "create_sub_card", err)
		return
	}
	log.Printf("level=info component=api endpoint=create_sub_card outcome=created owner_id=%s card_stack_id=%s sub_card_id=%s kind=%s", ownerID, stackID, sub.ID, sub.Kind)
	h.writeJSON(w, http.StatusCreated, newSubCardResponse(sub))
}

func (h *CardStackHandlers) ListSubCardsHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, stackID, ok := h.stackParams(w, r)
	if !ok {
		return
	}
	subs, err := h.service.ListSubCards(r.Context(), ownerID, stackID)
	if err != nil {
		h.writeServiceError(w, "list_sub_cards", err)
		return
	}
	response := make([]subCardResponse, 0, len(subs))
	for i := range subs {
		response = append(response, newSubCardResponse(&subs[i]))
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *CardStackHandlers) PauseSubCardHandler(w http.ResponseWriter, r *http.Request) {
	h.updateSubCard(w, r, "pause_sub_card", h.service.PauseSubCard)
}

func (h *CardStackHandlers) ResumeSubCardHandler(w http.ResponseWriter, r *http.Request) {
	h.updateSubCard(w, r, "resume_sub_card", h.service.ResumeSubCard)
}

func (h *CardStackHandlers) SkipNextExecutionHandler(w http.ResponseWriter, r *http.Request) {
	h.updateSubCard(w, r, "skip_next_execution", h.service.SkipNextExecution)
}

type subCardUpdate func(ctx context.Context, ownerID string, stackID, subCardID uuid.UUID) (*domain.SubCard, error)

func (h *CardStackHandlers) updateSubCard(w http.ResponseWriter, r *http.Request, endpoint string, update subCardUpdate) {
	ownerID, stackID, subCardID, ok := h.subCardParams(w, r)
	if !ok {
		return
	}
	sub, err := update(r.Context(), ownerID, stackID, subCardID)
	if err != nil {
		h.writeServiceError(w, endpoint, err)
		return
	}
	log.Printf("level=info component=api endpoint=%s outcome=updated owner_id=%s sub_card_id=%s status=%s", endpoint, ownerID, sub.ID, sub.Status)
	h.writeJSON(w, http.StatusOK, newSubCardResponse(sub))
}

func (h *CardStackHandlers) DeleteSubCardHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, stackID, subCardID, ok := h.subCardParams(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteSubCard(r.Context(), ownerID, stackID, subCardID); err != nil {
		h.writeServiceError(w, "delete_sub_card", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAttemptsHandler returns the stack's most recent execution attempts.
func (h *CardStackHandlers) ListAttemptsHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, stackID, ok := h.stackParams(w, r)
	if !ok {
		return
	}
	limit, err := parseOptionalInt(r.URL.Query().Get("limit"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	attempts, err := h.service.ListAttempts(r.Context(), ownerID, stackID, limit)
	if err != nil {
		h.writeServiceError(w, "list_attempts", err)
		return
	}
	response := make([]attemptResponse, 0, len(attempts))
	for i := range attempts {
		response = append(response, newAttemptResponse(&attempts[i]))
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *CardStackHandlers) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID, ok := GetClerkUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return "", false
	}
	return ownerID, true
}

func (h *CardStackHandlers) stackParams(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return "", uuid.Nil, false
	}
	stackID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid card stack ID format")
		return "", uuid.Nil, false
	}
	return ownerID, stackID, true
}

func (h *CardStackHandlers) subCardParams(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, uuid.UUID, bool) {
	ownerID, stackID, ok := h.stackParams(w, r)
	if !ok {
		return "", uuid.Nil, uuid.Nil, false
	}
	subCardID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "subID")))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid sub-card ID format")
		return "", uuid.Nil, uuid.Nil, false
	}
	return ownerID, stackID, subCardID, true
}

func (h *CardStackHandlers) decode(w http.ResponseWriter, r *http.Request, endpoint string, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_json err=%v", endpoint, err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

// statusForError maps service errors onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrCardStackNotFound),
		errors.Is(err, store.ErrSubCardNotFound),
		errors.Is(err, store.ErrAttemptNotFound):
		return http.StatusNotFound
	}

	var execErr *app.ExecutionError
	if !errors.As(err, &execErr) {
		return http.StatusInternalServerError
	}
	switch execErr.Code {
	case app.CodeStackNotFound, app.CodeSubCardNotFound:
		return http.StatusNotFound
	case app.CodePermissionSet, app.CodeIdempotencyConflict:
		return http.StatusConflict
	case app.CodeRateLimited:
		return http.StatusTooManyRequests
	}
	switch execErr.Class {
	case app.ClassValidation:
		return http.StatusBadRequest
	case app.ClassAuthorization:
		return http.StatusForbidden
	case app.ClassBudget:
		return http.StatusPaymentRequired
	case app.ClassCollaborator:
		return http.StatusBadGateway
	case app.ClassPull, app.ClassAct, app.ClassSettlementUnknown:
		return http.StatusOK
	}
	return http.StatusInternalServerError
}

func (h *CardStackHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		h.writeError(w, status, "Internal server error")
		return
	}
	log.Printf("level=warn component=api endpoint=%s outcome=reject status=%d err=%v", endpoint, status, err)

	response := errorResponse{Error: err.Error()}
	var execErr *app.ExecutionError
	if errors.As(err, &execErr) {
		response.ErrorClass = string(execErr.Class)
		response.ErrorCode = execErr.Code
		if execErr.Err != nil {
			response.Error = execErr.Err.Error()
		}
	}
	h.writeJSON(w, status, response)
}

func parseOptionalInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return value, nil
}

// writeJSON is a helper for writing JSON responses.
func (h *CardStackHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *CardStackHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

func writeErrorJSON(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message, ErrorCode: code})
}
