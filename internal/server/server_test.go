package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/counselkit/metering/internal/config"
	identitydomain "github.com/counselkit/metering/internal/identity/domain"
	ledgerdomain "github.com/counselkit/metering/internal/ledger/domain"
	usagedomain "github.com/counselkit/metering/internal/usage/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeResolver struct {
	userID string
}

func (f *fakeResolver) Resolve(ctx context.Context, raw string) (*identitydomain.Principal, error) {
	_ = ctx
	if raw != "good-token" {
		return nil, identitydomain.ErrInvalidToken
	}
	return &identitydomain.Principal{UserID: f.userID, TokenID: 1}, nil
}

type fakeLedgerService struct {
	mu         sync.Mutex
	lastDebit  ledgerdomain.DebitRequest
	debitCalls int

	result *ledgerdomain.DebitResult
	err    error
}

func (f *fakeLedgerService) Debit(ctx context.Context, req ledgerdomain.DebitRequest) (*ledgerdomain.DebitResult, error) {
	f.mu.Lock()
	f.lastDebit = req
	f.debitCalls++
	f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeLedgerService) Grant(ctx context.Context, req ledgerdomain.GrantRequest) (*ledgerdomain.GrantResult, error) {
	return &ledgerdomain.GrantResult{TxID: "tx-grant", Balance: req.Amount}, nil
}

func (f *fakeLedgerService) GetBalance(ctx context.Context, userID string) (int64, error) {
	return 120, nil
}

func (f *fakeLedgerService) ListTransactions(ctx context.Context, req ledgerdomain.ListTransactionsRequest) (ledgerdomain.ListTransactionsResponse, error) {
	return ledgerdomain.ListTransactionsResponse{}, nil
}

func (f *fakeLedgerService) PruneIdempotencyRecords(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeLedgerService) LastDebit() ledgerdomain.DebitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastDebit
}

type fakeRecorder struct {
	mu       sync.Mutex
	requests []usagedomain.RecordRequest
	err      error
	recorded chan struct{}
}

func newFakeRecorder(err error) *fakeRecorder {
	return &fakeRecorder{err: err, recorded: make(chan struct{}, 16)}
}

func (f *fakeRecorder) Record(ctx context.Context, req usagedomain.RecordRequest) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	f.recorded <- struct{}{}
	return f.err
}

func (f *fakeRecorder) List(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	return usagedomain.ListUsageResponse{}, nil
}

func (f *fakeRecorder) Requests() []usagedomain.RecordRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]usagedomain.RecordRequest(nil), f.requests...)
}

func (f *fakeRecorder) waitForRecord(t *testing.T) {
	t.Helper()
	select {
	case <-f.recorded:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for usage record")
	}
}

func newTestServer(ledgerSvc ledgerdomain.Service, recorder usagedomain.Recorder, costs *config.ToolCostHolder) (*Server, *gin.Engine) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())

	srv := &Server{
		engine:        router,
		cfg:           config.Config{},
		log:           zap.NewNop(),
		resolver:      &fakeResolver{userID: "user-1"},
		ledgerSvc:     ledgerSvc,
		usageRecorder: recorder,
		toolCosts:     costs,
	}
	srv.registerAPIRoutes()

	return srv, router
}

func doDebit(router *gin.Engine, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/credits/debit", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestDebitHandlerSuccess(t *testing.T) {
	ledgerSvc := &fakeLedgerService{
		result: &ledgerdomain.DebitResult{
			Outcome: ledgerdomain.DebitOutcomeSucceeded,
			TxID:    "tx-1",
			Balance: 300,
		},
	}
	recorder := newFakeRecorder(nil)
	_, router := newTestServer(ledgerSvc, recorder, nil)

	resp := doDebit(router, "good-token", `{"amount":200,"toolName":"draft","idempotencyKey":"k3"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var body debitResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, int64(300), body.Balance)
	require.Equal(t, "tx-1", body.TxID)

	last := ledgerSvc.LastDebit()
	require.Equal(t, "user-1", last.UserID)
	require.Equal(t, int64(200), last.Amount)
	require.Equal(t, "draft", last.ToolName)
	require.Equal(t, "k3", last.IdempotencyKey)

	recorder.waitForRecord(t)
	requests := recorder.Requests()
	if len(requests) != 1 || requests[0].CreditsCharged != 200 || requests[0].ToolName != "draft" {
		t.Fatalf("unexpected usage record: %+v", requests)
	}
}

func TestDebitHandlerInsufficientFundsReturns402(t *testing.T) {
	ledgerSvc := &fakeLedgerService{
		result: &ledgerdomain.DebitResult{
			Outcome: ledgerdomain.DebitOutcomeFailed,
			Balance: 0,
		},
		err: ledgerdomain.ErrInsufficientFunds,
	}
	recorder := newFakeRecorder(nil)
	_, router := newTestServer(ledgerSvc, recorder, nil)

	resp := doDebit(router, "good-token", `{"amount":10,"toolName":"doc-analysis","idempotencyKey":"k2"}`)
	if resp.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", resp.Code, resp.Body.String())
	}

	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "insufficient_funds", body.Error.Type)

	if len(recorder.Requests()) != 0 {
		t.Fatal("rejected debit must not write a usage event")
	}
}

func TestDebitHandlerUnauthorized(t *testing.T) {
	ledgerSvc := &fakeLedgerService{}
	_, router := newTestServer(ledgerSvc, newFakeRecorder(nil), nil)

	for name, token := range map[string]string{
		"missing token": "",
		"bad token":     "wrong-token",
	} {
		resp := doDebit(router, token, `{"amount":10,"toolName":"chat"}`)
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, resp.Code)
		}
	}

	if ledgerSvc.debitCalls != 0 {
		t.Fatal("unauthenticated requests must not reach the ledger")
	}
}

func TestDebitHandlerBadRequest(t *testing.T) {
	ledgerSvc := &fakeLedgerService{}
	_, router := newTestServer(ledgerSvc, newFakeRecorder(nil), nil)

	cases := map[string]string{
		"malformed json":  `{"amount":`,
		"missing tool":    `{"amount":10}`,
		"zero amount":     `{"toolName":"chat"}`,
		"negative amount": `{"amount":-5,"toolName":"chat"}`,
	}

	for name, body := range cases {
		resp := doDebit(router, "good-token", body)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", name, resp.Code, resp.Body.String())
		}
	}

	if ledgerSvc.debitCalls != 0 {
		t.Fatal("invalid requests must not reach the ledger")
	}
}

func TestDebitHandlerKeyConflictReturns400(t *testing.T) {
	ledgerSvc := &fakeLedgerService{err: ledgerdomain.ErrIdempotencyConflict}
	_, router := newTestServer(ledgerSvc, newFakeRecorder(nil), nil)

	resp := doDebit(router, "good-token", `{"amount":100,"toolName":"draft","idempotencyKey":"k3"}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestDebitHandlerStorageErrorReturns500(t *testing.T) {
	ledgerSvc := &fakeLedgerService{err: errors.New("connection refused")}
	_, router := newTestServer(ledgerSvc, newFakeRecorder(nil), nil)

	resp := doDebit(router, "good-token", `{"amount":10,"toolName":"chat"}`)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestDebitHandlerAuditFailureDoesNotAffectResponse(t *testing.T) {
	ledgerSvc := &fakeLedgerService{
		result: &ledgerdomain.DebitResult{
			Outcome: ledgerdomain.DebitOutcomeSucceeded,
			TxID:    "tx-9",
			Balance: 90,
		},
	}
	recorder := newFakeRecorder(errors.New("audit store down"))
	_, router := newTestServer(ledgerSvc, recorder, nil)

	resp := doDebit(router, "good-token", `{"amount":10,"toolName":"chat"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 despite audit failure, got %d: %s", resp.Code, resp.Body.String())
	}

	var body debitResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Balance != 90 || body.TxID != "tx-9" {
		t.Fatalf("unexpected response: %+v", body)
	}
	recorder.waitForRecord(t)
}

func TestDebitHandlerReplayedSkipsUsageRecord(t *testing.T) {
	ledgerSvc := &fakeLedgerService{
		result: &ledgerdomain.DebitResult{
			Outcome:  ledgerdomain.DebitOutcomeSucceeded,
			TxID:     "tx-1",
			Balance:  300,
			Replayed: true,
		},
	}
	recorder := newFakeRecorder(nil)
	_, router := newTestServer(ledgerSvc, recorder, nil)

	resp := doDebit(router, "good-token", `{"amount":200,"toolName":"draft","idempotencyKey":"k3"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	select {
	case <-recorder.recorded:
		t.Fatal("replayed debit must not write a second usage event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDebitHandlerToolCostFallback(t *testing.T) {
	ledgerSvc := &fakeLedgerService{
		result: &ledgerdomain.DebitResult{
			Outcome: ledgerdomain.DebitOutcomeSucceeded,
			TxID:    "tx-1",
			Balance: 450,
		},
	}
	costs := config.NewStaticToolCostHolder(map[string]int64{"draft": 50})
	recorder := newFakeRecorder(nil)
	_, router := newTestServer(ledgerSvc, recorder, costs)

	resp := doDebit(router, "good-token", `{"toolName":"draft"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if last := ledgerSvc.LastDebit(); last.Amount != 50 {
		t.Fatalf("expected catalog amount 50, got %d", last.Amount)
	}

	// unknown tool with no amount is still rejected
	resp = doDebit(router, "good-token", `{"toolName":"unknown-tool"}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tool, got %d", resp.Code)
	}
}

func TestGetBalanceHandler(t *testing.T) {
	_, router := newTestServer(&fakeLedgerService{}, newFakeRecorder(nil), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/credits/balance", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, int64(120), body.Balance)
}

type stubLimiter struct {
	allowUser     bool
	allowEndpoint bool
	err           error
}

func (s *stubLimiter) Enabled() bool { return true }

func (s *stubLimiter) AllowUser(ctx context.Context, userID string) (bool, error) {
	return s.allowUser, s.err
}

func (s *stubLimiter) AllowEndpoint(ctx context.Context) (bool, error) {
	return s.allowEndpoint, s.err
}

func TestDebitHandlerRateLimitedReturns429(t *testing.T) {
	ledgerSvc := &fakeLedgerService{}
	srv, router := newTestServer(ledgerSvc, newFakeRecorder(nil), nil)
	srv.limiter = &stubLimiter{allowUser: false, allowEndpoint: true}

	resp := doDebit(router, "good-token", `{"amount":10,"toolName":"chat","idempotencyKey":"k1"}`)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Equal(t, "1", resp.Header().Get("Retry-After"))

	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "rate_limited", body.Error.Type)

	if ledgerSvc.debitCalls != 0 {
		t.Fatal("rate limited requests must not reach the ledger")
	}
}

func TestDebitHandlerEndpointRateLimitedReturns429(t *testing.T) {
	ledgerSvc := &fakeLedgerService{}
	srv, router := newTestServer(ledgerSvc, newFakeRecorder(nil), nil)
	srv.limiter = &stubLimiter{allowUser: true, allowEndpoint: false}

	resp := doDebit(router, "good-token", `{"amount":10,"toolName":"chat"}`)
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	if ledgerSvc.debitCalls != 0 {
		t.Fatal("rate limited requests must not reach the ledger")
	}
}

func TestDebitHandlerRateLimiterErrorReturns503(t *testing.T) {
	ledgerSvc := &fakeLedgerService{}
	srv, router := newTestServer(ledgerSvc, newFakeRecorder(nil), nil)
	srv.limiter = &stubLimiter{err: errors.New("redis down")}

	resp := doDebit(router, "good-token", `{"amount":10,"toolName":"chat"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "service_unavailable", body.Error.Type)
}

func TestDebitHandlerRateLimitAllowedPassesThrough(t *testing.T) {
	ledgerSvc := &fakeLedgerService{
		result: &ledgerdomain.DebitResult{
			Outcome: ledgerdomain.DebitOutcomeSucceeded,
			TxID:    "tx-1",
			Balance: 300,
		},
	}
	recorder := newFakeRecorder(nil)
	srv, router := newTestServer(ledgerSvc, recorder, nil)
	srv.limiter = &stubLimiter{allowUser: true, allowEndpoint: true}

	resp := doDebit(router, "good-token", `{"amount":200,"toolName":"draft"}`)
	require.Equal(t, http.StatusOK, resp.Code)
	recorder.waitForRecord(t)
}
