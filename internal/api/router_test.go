package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/transfa/cardstack-service/internal/app"
	"github.com/transfa/cardstack-service/internal/domain"
	"github.com/transfa/cardstack-service/internal/store"
)

const (
	testInternalKey = "internal-secret"
	testIssuer      = "https://clerk.example.test"
	testKeyID       = "test-key"
)

// stubService implements only what a test sets; any other call panics through the nil interface.
type stubService struct {
	CardStackService

	createStack     func(ownerID string, req domain.CreateCardStackRequest) (*domain.CardStack, error)
	getStack        func(ownerID string, stackID uuid.UUID) (*domain.CardStack, error)
	attach          func(ownerID string, stackID uuid.UUID, raw string) (*domain.CardStack, error)
	pause           func(ownerID string, stackID, subCardID uuid.UUID) (*domain.SubCard, error)
	listAttempts    func(ownerID string, stackID uuid.UUID, limit int) ([]domain.ExecutionAttempt, error)
	executeSub      func(req domain.ExecutionRequest) (*domain.ExecutionResult, error)
	reconcile       func(limit int) (*domain.ExecutionReconcileResponse, error)
	executionResult func(attemptID uuid.UUID) (*domain.ExecutionResult, error)
}

func (s *stubService) CreateCardStack(ctx context.Context, ownerID string, req domain.CreateCardStackRequest) (*domain.CardStack, error) {
	return s.createStack(ownerID, req)
}

func (s *stubService) GetCardStack(ctx context.Context, ownerID string, stackID uuid.UUID) (*domain.CardStack, error) {
	return s.getStack(ownerID, stackID)
}

func (s *stubService) AttachPermission(ctx context.Context, ownerID string, stackID uuid.UUID, raw string) (*domain.CardStack, error) {
	return s.attach(ownerID, stackID, raw)
}

func (s *stubService) PauseSubCard(ctx context.Context, ownerID string, stackID, subCardID uuid.UUID) (*domain.SubCard, error) {
	return s.pause(ownerID, stackID, subCardID)
}

func (s *stubService) ListAttempts(ctx context.Context, ownerID string, stackID uuid.UUID, limit int) ([]domain.ExecutionAttempt, error) {
	return s.listAttempts(ownerID, stackID, limit)
}

func (s *stubService) ExecuteSubscriptionPayment(ctx context.Context, req domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	return s.executeSub(req)
}

func (s *stubService) ReconcileExecutions(ctx context.Context, limit int) (*domain.ExecutionReconcileResponse, error) {
	return s.reconcile(limit)
}

func (s *stubService) GetExecutionResult(ctx context.Context, attemptID uuid.UUID) (*domain.ExecutionResult, error) {
	return s.executionResult(attemptID)
}

type authFixture struct {
	key  *rsa.PrivateKey
	jwks *httptest.Server
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": testKeyID,
				"kty": "RSA",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(jwks.Close)
	return &authFixture{key: key, jwks: jwks}
}

func (f *authFixture) token(t *testing.T, subject, issuer string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": subject,
		"iss": issuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newTestRouter(t *testing.T, svc *stubService, internalKey string) (http.Handler, *authFixture) {
	t.Helper()
	auth := newAuthFixture(t)
	router := CardStackRoutes(NewCardStackHandlers(svc), RouterConfig{
		Clerk:          ClerkAuthConfig{JWKSURL: auth.jwks.URL, Issuer: testIssuer},
		InternalAPIKey: internalKey,
	})
	return router, auth
}

func serve(router http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func sampleStack(ownerID string) *domain.CardStack {
	return &domain.CardStack{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		WalletAddress:  "0x1111111111111111111111111111111111111111",
		ChainID:        8453,
		Token:          domain.TokenRef{Address: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", Symbol: "USDC", Decimals: 6},
		TotalBudget:    big.NewInt(100_000_000),
		PeriodDuration: domain.PeriodDaily,
		PeriodSpent:    big.NewInt(25_000_000),
		PeriodReserved: big.NewInt(5_000_000),
		Status:         domain.CardStackStatusPending,
		ExpiresAt:      time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, &stubService{}, testInternalKey)
	rec := serve(router, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "healthy" {
		t.Fatalf("expected healthy 200, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestOwnerRoutesRequireValidToken(t *testing.T) {
	svc := &stubService{
		getStack: func(ownerID string, stackID uuid.UUID) (*domain.CardStack, error) {
			return sampleStack(ownerID), nil
		},
	}
	router, auth := newTestRouter(t, svc, testInternalKey)
	path := "/card-stacks/" + uuid.NewString()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", header: "", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Token abc", want: http.StatusUnauthorized},
		{name: "wrong issuer", header: "Bearer " + auth.token(t, "user_1", "https://evil.test"), want: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer not.a.jwt", want: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + auth.token(t, "user_1", testIssuer), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			rec := serve(router, http.MethodGet, path, nil, headers)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateCardStackUsesTokenSubject(t *testing.T) {
	var gotOwner string
	var gotReq domain.CreateCardStackRequest
	svc := &stubService{
		createStack: func(ownerID string, req domain.CreateCardStackRequest) (*domain.CardStack, error) {
			gotOwner, gotReq = ownerID, req
			return sampleStack(ownerID), nil
		},
	}
	router, auth := newTestRouter(t, svc, testInternalKey)
	headers := map[string]string{"Authorization": "Bearer " + auth.token(t, "user_2abc", testIssuer)}

	rec := serve(router, http.MethodPost, "/card-stacks", map[string]interface{}{
		"wallet_address": "0x1111111111111111111111111111111111111111",
		"chain_id":       8453,
		"token_address":  "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		"total_budget":   "100000000",
		"period":         "daily",
		"expires_at":     "2027-01-01T00:00:00Z",
	}, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotOwner != "user_2abc" || gotReq.TotalBudget != "100000000" || gotReq.Period != "daily" {
		t.Fatalf("unexpected service call owner=%s req=%+v", gotOwner, gotReq)
	}

	var body cardStackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Remaining != "70000000" || body.RemainingDisplay != "70" || body.PeriodSeconds != 86400 {
		t.Fatalf("unexpected budget view %+v", body)
	}
	if body.PermissionState != domain.PermissionStatePending {
		t.Fatalf("expected pending permission, got %s", body.PermissionState)
	}

	rec = serve(router, http.MethodPost, "/card-stacks", map[string]interface{}{"unknown_field": true}, headers)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown fields to be rejected, got %d", rec.Code)
	}
}

func TestOwnerRouteErrorMapping(t *testing.T) {
	svc := &stubService{
		getStack: func(ownerID string, stackID uuid.UUID) (*domain.CardStack, error) {
			return nil, store.ErrCardStackNotFound
		},
		attach: func(ownerID string, stackID uuid.UUID, raw string) (*domain.CardStack, error) {
			return nil, &app.ExecutionError{Class: app.ClassValidation, Code: app.CodePermissionSet, Err: store.ErrPermissionImmutable}
		},
		pause: func(ownerID string, stackID, subCardID uuid.UUID) (*domain.SubCard, error) {
			return nil, errors.New("connection reset")
		},
		listAttempts: func(ownerID string, stackID uuid.UUID, limit int) ([]domain.ExecutionAttempt, error) {
			if limit != 5 {
				return nil, fmt.Errorf("unexpected limit %d", limit)
			}
			return []domain.ExecutionAttempt{{ID: uuid.New(), Amount: big.NewInt(7), State: domain.AttemptStateSettled}}, nil
		},
	}
	router, auth := newTestRouter(t, svc, testInternalKey)
	headers := map[string]string{"Authorization": "Bearer " + auth.token(t, "user_1", testIssuer)}
	stackPath := "/card-stacks/" + uuid.NewString()

	tests := []struct {
		name     string
		method   string
		path     string
		body     interface{}
		want     int
		wantCode string
	}{
		{name: "not found", method: http.MethodGet, path: stackPath, want: http.StatusNotFound},
		{name: "bad stack id", method: http.MethodGet, path: "/card-stacks/not-a-uuid", want: http.StatusBadRequest},
		{name: "permission conflict", method: http.MethodPut, path: stackPath + "/permission", body: map[string]string{"permission_context": "0x01"}, want: http.StatusConflict, wantCode: app.CodePermissionSet},
		{name: "internal failure", method: http.MethodPost, path: stackPath + "/sub-cards/" + uuid.NewString() + "/pause", want: http.StatusInternalServerError},
		{name: "bad sub-card id", method: http.MethodPost, path: stackPath + "/sub-cards/nope/pause", want: http.StatusBadRequest},
		{name: "attempts", method: http.MethodGet, path: stackPath + "/attempts?limit=5", want: http.StatusOK},
		{name: "bad limit", method: http.MethodGet, path: stackPath + "/attempts?limit=-1", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(router, tt.method, tt.path, tt.body, headers)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.wantCode != "" {
				var body errorResponse
				json.Unmarshal(rec.Body.Bytes(), &body)
				if body.ErrorCode != tt.wantCode {
					t.Fatalf("expected error code %s, got %+v", tt.wantCode, body)
				}
			}
		})
	}
}

func TestInternalRoutesRequireKey(t *testing.T) {
	svc := &stubService{
		reconcile: func(limit int) (*domain.ExecutionReconcileResponse, error) {
			return &domain.ExecutionReconcileResponse{Processed: limit}, nil
		},
	}

	router, _ := newTestRouter(t, svc, testInternalKey)
	if rec := serve(router, http.MethodPost, "/internal/reconcile", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	if rec := serve(router, http.MethodPost, "/internal/reconcile", nil, map[string]string{internalAPIKeyHeader: "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}
	rec := serve(router, http.MethodPost, "/internal/reconcile?limit=7", nil, map[string]string{internalAPIKeyHeader: testInternalKey})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"processed":7`) {
		t.Fatalf("expected reconcile result, got %d %s", rec.Code, rec.Body.String())
	}

	closed, _ := newTestRouter(t, svc, "")
	if rec := serve(closed, http.MethodPost, "/internal/reconcile", nil, map[string]string{internalAPIKeyHeader: ""}); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected internal routes to be closed without a configured key, got %d", rec.Code)
	}
}

func TestExecuteSubscriptionPaymentResponses(t *testing.T) {
	pullRef := "0xpull"
	var lastReq domain.ExecutionRequest
	outcome := func(result *domain.ExecutionResult, err error) func(domain.ExecutionRequest) (*domain.ExecutionResult, error) {
		return func(req domain.ExecutionRequest) (*domain.ExecutionResult, error) {
			lastReq = req
			return result, err
		}
	}

	tests := []struct {
		name      string
		run       func(domain.ExecutionRequest) (*domain.ExecutionResult, error)
		want      int
		wantState domain.AttemptState
	}{
		{
			name:      "settled",
			run:       outcome(&domain.ExecutionResult{AttemptID: uuid.New(), State: domain.AttemptStateSettled, Success: true, PullTxRef: &pullRef}, nil),
			want:      http.StatusOK,
			wantState: domain.AttemptStateSettled,
		},
		{
			name: "budget denied",
			run: outcome(&domain.ExecutionResult{AttemptID: uuid.New(), State: domain.AttemptStateDenied, ErrorClass: string(app.ClassBudget)},
				&app.ExecutionError{Class: app.ClassBudget, Code: "BUDGET_EXCEEDED"}),
			want:      http.StatusPaymentRequired,
			wantState: domain.AttemptStateDenied,
		},
		{
			name: "act failed after pull",
			run: outcome(&domain.ExecutionResult{AttemptID: uuid.New(), State: domain.AttemptStateActFailed, PullTxRef: &pullRef, ErrorClass: string(app.ClassAct)},
				&app.ExecutionError{Class: app.ClassAct, Code: app.CodeReverted}),
			want:      http.StatusOK,
			wantState: domain.AttemptStateActFailed,
		},
		{
			name: "rejected before any attempt",
			run:  outcome(nil, &app.ExecutionError{Class: app.ClassValidation, Code: app.CodeNotDue, Err: errors.New("not due")}),
			want: http.StatusBadRequest,
		},
		{
			name: "unknown stack",
			run:  outcome(nil, &app.ExecutionError{Class: app.ClassValidation, Code: app.CodeStackNotFound, Err: store.ErrCardStackNotFound}),
			want: http.StatusNotFound,
		},
		{
			name: "throttled",
			run:  outcome(nil, &app.ExecutionError{Class: app.ClassValidation, Code: app.CodeRateLimited}),
			want: http.StatusTooManyRequests,
		},
		{
			name: "router down",
			run:  outcome(nil, &app.ExecutionError{Class: app.ClassCollaborator, Code: app.CodeRouterUnavailable}),
			want: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t, &stubService{executeSub: tt.run}, testInternalKey)
			stackID, subID := uuid.New(), uuid.New()
			rec := serve(router, http.MethodPost, "/internal/executions/subscription-payment", map[string]string{
				"card_stack_id": stackID.String(),
				"sub_card_id":   subID.String(),
				"amount":        "50000000",
				"recipient":     "0x2222222222222222222222222222222222222222",
			}, map[string]string{internalAPIKeyHeader: testInternalKey, idempotencyKeyHeader: "trigger-42"})

			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if lastReq.IdempotencyKey != "trigger-42" || lastReq.CardStackID != stackID || lastReq.SubCardID != subID {
				t.Fatalf("unexpected execution request %+v", lastReq)
			}
			if tt.wantState != "" {
				var result domain.ExecutionResult
				if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
					t.Fatalf("failed to decode result: %v", err)
				}
				if result.State != tt.wantState {
					t.Fatalf("expected state %s, got %s", tt.wantState, result.State)
				}
			}
		})
	}
}

func TestExecuteRequiresIdentifiers(t *testing.T) {
	router, _ := newTestRouter(t, &stubService{}, testInternalKey)
	rec := serve(router, http.MethodPost, "/internal/executions/subscription-payment", map[string]string{"amount": "1"}, map[string]string{internalAPIKeyHeader: testInternalKey})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetAttemptResult(t *testing.T) {
	known := uuid.New()
	svc := &stubService{
		executionResult: func(attemptID uuid.UUID) (*domain.ExecutionResult, error) {
			if attemptID != known {
				return nil, store.ErrAttemptNotFound
			}
			return &domain.ExecutionResult{AttemptID: known, State: domain.AttemptStatePullUnknown}, nil
		},
	}
	router, _ := newTestRouter(t, svc, testInternalKey)
	headers := map[string]string{internalAPIKeyHeader: testInternalKey}

	if rec := serve(router, http.MethodGet, "/internal/attempts/"+known.String(), nil, headers); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := serve(router, http.MethodGet, "/internal/attempts/"+uuid.NewString(), nil, headers); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := serve(router, http.MethodGet, "/internal/attempts/abc", nil, headers); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
