package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain"
	"stockledger/internal/domain/auth"
	"stockledger/internal/domain/stock"
	"stockledger/internal/domain/stockcount"
	"stockledger/internal/infrastructure/metrics"
	"stockledger/pkg/logger"
)

// fakeStock answers with canned results and records what it received.
type fakeStock struct {
	receive  *stock.ReceiveResult
	allocErr error
	gotScope stock.Scope
}

func (f *fakeStock) Receive(_ context.Context, req stock.ReceiveRequest) (*stock.ReceiveResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return f.receive, nil
}

func (f *fakeStock) Allocate(_ context.Context, req stock.AllocateRequest) (*stock.AllocationResult, error) {
	if f.allocErr != nil {
		return nil, f.allocErr
	}
	return &stock.AllocationResult{AllocationID: id.New(), Quantity: req.Quantity}, nil
}

func (f *fakeStock) ReverseAllocation(context.Context, stock.AllocationKey) (*stock.ReversalResult, error) {
	return nil, apperror.NewAlreadyProcessed("allocation", "x", "reversed")
}

func (f *fakeStock) ReverseReceipt(context.Context, stock.ReceiptKey) (*stock.ReversalResult, error) {
	return &stock.ReversalResult{}, nil
}

func (f *fakeStock) PostProduction(context.Context, stock.ProductionPosting) (*stock.ProductionResult, error) {
	return &stock.ProductionResult{}, nil
}

func (f *fakeStock) CurrentBalance(_ context.Context, p, l id.ID) (*stock.Balance, error) {
	return &stock.Balance{ProductID: p, LocationID: l, QuantityOnHand: types.NewQuantity(3), CostValue: types.MustMoney("36")}, nil
}

func (f *fakeStock) ListBalances(context.Context, stock.BalanceFilter) ([]stock.Balance, error) {
	return nil, nil
}

func (f *fakeStock) ListBatches(context.Context, stock.BatchFilter) ([]stock.Batch, error) {
	return nil, nil
}

func (f *fakeStock) GetBatch(_ context.Context, batchID id.ID) (*stock.Batch, error) {
	return nil, apperror.NewNotFound("batch", batchID)
}

func (f *fakeStock) ListMovements(context.Context, stock.MovementFilter) ([]stock.Movement, error) {
	return nil, nil
}

func (f *fakeStock) Audit(_ context.Context, scope stock.Scope) (*stock.AuditReport, error) {
	f.gotScope = scope
	return &stock.AuditReport{Scope: scope, Epsilon: types.DefaultEpsilon()}, nil
}

func (f *fakeStock) Rebuild(_ context.Context, scope stock.Scope) (*stock.RebuildResult, error) {
	f.gotScope = scope
	return &stock.RebuildResult{Scope: scope}, nil
}

type fakeCounts struct{}

func (fakeCounts) Create(context.Context, *stockcount.StockCount) error { return nil }
func (fakeCounts) GetByID(_ context.Context, docID id.ID) (*stockcount.StockCount, error) {
	return nil, apperror.NewNotFound("stock count", docID)
}
func (fakeCounts) List(context.Context, stockcount.ListFilter) (domain.ListResult[*stockcount.StockCount], error) {
	return domain.ListResult[*stockcount.StockCount]{}, nil
}
func (fakeCounts) Approve(_ context.Context, docID id.ID) (*stockcount.StockCount, error) {
	return nil, apperror.NewAlreadyProcessed("stock count", docID, "approved")
}
func (fakeCounts) Reject(context.Context, id.ID, string) (*stockcount.StockCount, error) {
	return &stockcount.StockCount{Status: stockcount.StatusRejected}, nil
}

type testEnv struct {
	router  *gin.Engine
	stock   *fakeStock
	jwt     *auth.JWTService
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		stock:   &fakeStock{receive: &stock.ReceiveResult{BatchID: id.New(), MovementID: id.New()}},
		jwt:     auth.NewJWTService(auth.DefaultJWTConfig("test-secret")),
		metrics: metrics.New(metrics.DefaultConfig()),
	}
	env.router = NewRouter(RouterConfig{
		Logger:       logger.Nop(),
		JWTValidator: env.jwt,
		Stock:        env.stock,
		StockCount:   fakeCounts{},
		Metrics:      env.metrics,
		MetricsPath:  "/metrics",
	})
	return env
}

func (e *testEnv) token(t *testing.T, perms ...string) string {
	t.Helper()
	tok, _, err := e.jwt.GenerateAccessToken(appctx.UserContext{UserID: "clerk", Permissions: perms}, time.Minute)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Code
}

var receiptBody = map[string]any{
	"productId":  "0190a000-0000-7000-8000-000000000001",
	"locationId": "0190b000-0000-7000-8000-000000000001",
	"quantity":   "5",
	"unitCost":   "10",
	"sourceType": "purchase",
	"sourceId":   "PR-1/1",
}

func TestRouter_AccessControl(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		token    string
		wantCode int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"bad token", "garbage", http.StatusUnauthorized},
		{"read only", env.token(t, auth.PermStockRead), http.StatusForbidden},
		{"writer", env.token(t, auth.PermStockWrite), http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/v1/stock/receipts", tt.token, receiptBody)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
		})
	}
}

func TestRouter_ReceiptDuplicateIsOK(t *testing.T) {
	env := newTestEnv(t)
	env.stock.receive.Duplicate = true

	rec := env.do(http.MethodPost, "/api/v1/stock/receipts", env.token(t, auth.PermStockWrite), receiptBody)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_ErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	env.stock.allocErr = apperror.NewInsufficientStock("p", "l", "7", "3")
	writer := env.token(t, auth.PermStockWrite)

	badQty := map[string]any{}
	for k, v := range receiptBody {
		badQty[k] = v
	}
	badQty["quantity"] = "-1"

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name: "insufficient stock", method: http.MethodPost, path: "/api/v1/stock/allocations",
			body: map[string]any{
				"productId": receiptBody["productId"], "locationId": receiptBody["locationId"],
				"quantity": "7", "referenceType": "sale", "referenceId": "S-1",
			},
			wantStatus: http.StatusUnprocessableEntity, wantCode: apperror.CodeInsufficientStock,
		},
		{
			name: "negative quantity", method: http.MethodPost, path: "/api/v1/stock/receipts", body: badQty,
			wantStatus: http.StatusBadRequest, wantCode: apperror.CodeInvalidQuantity,
		},
		{
			name: "malformed body", method: http.MethodPost, path: "/api/v1/stock/receipts", body: map[string]any{"productId": "nope"},
			wantStatus: http.StatusBadRequest, wantCode: apperror.CodeValidation,
		},
		{
			name: "already reversed", method: http.MethodPost, path: "/api/v1/stock/allocations/reverse",
			body: map[string]any{
				"productId": receiptBody["productId"], "locationId": receiptBody["locationId"],
				"referenceType": "sale", "referenceId": "S-1",
			},
			wantStatus: http.StatusConflict, wantCode: apperror.CodeAlreadyProcessed,
		},
		{
			name: "count already approved", method: http.MethodPost, path: "/api/v1/stock/counts/" + id.New().String() + "/approve",
			wantStatus: http.StatusConflict, wantCode: apperror.CodeAlreadyProcessed,
		},
		{
			name: "bad path id", method: http.MethodPost, path: "/api/v1/stock/counts/xyz/approve",
			wantStatus: http.StatusBadRequest, wantCode: apperror.CodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(tt.method, tt.path, writer, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if got := errorCode(t, rec); got != tt.wantCode {
				t.Fatalf("code = %s, want %s", got, tt.wantCode)
			}
		})
	}
}

func TestRouter_AuditScopeAndPermission(t *testing.T) {
	env := newTestEnv(t)
	product := "0190a000-0000-7000-8000-000000000001"

	rec := env.do(http.MethodGet, "/api/v1/stock/audit?productId="+product, env.token(t, auth.PermStockRead), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/stock/audit?productId="+product, env.token(t, auth.PermStockAudit), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, env.stock.gotScope.ProductID)
	assert.Equal(t, product, env.stock.gotScope.ProductID.String())
	assert.Nil(t, env.stock.gotScope.LocationID)

	var body struct {
		Clean bool `json:"clean"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Clean)
}

func TestRouter_RebuildWithoutBodyIsFullScope(t *testing.T) {
	env := newTestEnv(t)
	admin, _, err := env.jwt.GenerateAccessToken(appctx.UserContext{UserID: "ops", IsAdmin: true}, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stock/rebuild", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Nil(t, env.stock.gotScope.ProductID)
	assert.Nil(t, env.stock.gotScope.LocationID)
}

func TestRouter_BalanceIncludesUnitCost(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/v1/stock/balances/0190a000-0000-7000-8000-000000000001/0190b000-0000-7000-8000-000000000001"

	rec := env.do(http.MethodGet, path, env.token(t, auth.PermStockRead), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "12", body["unitCost"])
	assert.Equal(t, "3", body["quantityOnHand"])
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/api/v1/stock/balances", "", nil)

	rec := env.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `path="/api/v1/stock/balances",status="401"`)
}
