package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/bitvex/bitvex/internal/audit"
	"github.com/bitvex/bitvex/internal/balance"
	"github.com/bitvex/bitvex/internal/config"
	"github.com/bitvex/bitvex/internal/ledger"
	"github.com/bitvex/bitvex/internal/messaging"
	"github.com/bitvex/bitvex/internal/trading"
	"github.com/bitvex/bitvex/internal/workflow"
	"github.com/bitvex/bitvex/pkg/models"
)

type testAPI struct {
	srv    *Server
	ledger *ledger.Service
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.LedgerEntry{}, &models.DepositRequest{}, &models.WithdrawRequest{}, &models.Trade{}))

	logger := zap.NewNop()
	ledgerSvc := ledger.NewService(ledger.NewStore(db), logger, audit.NopSink{}, messaging.NopPublisher{}, config.LedgerConfig{})
	workflowSvc := workflow.NewService(db, ledgerSvc, audit.NopSink{}, logger)
	tradingSvc := trading.NewService(db, ledgerSvc, audit.NopSink{}, logger)
	view := balance.NewView(db, ledgerSvc, nil, 0, logger)

	h := NewHandler(workflowSvc, tradingSvc, view, ledgerSvc, logger)
	return &testAPI{srv: New(":0", h, logger), ledger: ledgerSvc}
}

func (a *testAPI) do(t *testing.T, method, path string, headers map[string]string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.srv.http.Handler.ServeHTTP(w, req)

	var parsed map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed), "body: %s", w.Body.String())
	}
	return w, parsed
}

type payload = map[string]interface{}

func asUser(id uuid.UUID) map[string]string {
	return map[string]string{"X-User-ID": id.String()}
}

func asAdmin(id uuid.UUID) map[string]string {
	return map[string]string{"X-Admin-ID": id.String()}
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	w, body := api.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", body["status"])
}

func TestIdentityRequired(t *testing.T) {
	api := newTestAPI(t)

	w, _ := api.do(t, http.MethodGet, "/v1/wallet", nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = api.do(t, http.MethodPost, "/v1/deposits", map[string]string{"X-User-ID": "not-a-uuid"}, payload{"currency": "USDT", "amount": "1"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = api.do(t, http.MethodPost, "/v1/admin/adjustments", asUser(uuid.New()), payload{})
	require.Equal(t, http.StatusUnauthorized, w.Code, "user identity must not satisfy admin routes")
}


func TestDepositSubmitApproveWalletFlow(t *testing.T) {
	api := newTestAPI(t)
	user := uuid.New()
	admin := uuid.New()

	w, body := api.do(t, http.MethodPost, "/v1/deposits", asUser(user), payload{
		"currency": "usdt", "amount": "100", "address": "0xabc",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, true, body["success"])
	data := body["data"].(map[string]interface{})
	require.Equal(t, "pending", data["status"])
	reqID := data["id"].(string)

	w, _ = api.do(t, http.MethodPost, "/v1/admin/deposits/"+reqID+"/approve", asAdmin(admin), nil)
	require.Equal(t, http.StatusOK, w.Code)

	// A second review returns conflict.
	w, body = api.do(t, http.MethodPost, "/v1/admin/deposits/"+reqID+"/reject", asAdmin(admin), payload{"reason": "late"})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, false, body["success"])

	w, body = api.do(t, http.MethodGet, "/v1/wallet", asUser(user), nil)
	require.Equal(t, http.StatusOK, w.Code)
	wallet := body["data"].(map[string]interface{})
	require.Equal(t, "100", wallet["USDT"])
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	api := newTestAPI(t)
	user := uuid.New()

	w, body := api.do(t, http.MethodPost, "/v1/withdrawals", asUser(user), payload{
		"currency": "BTC", "amount": "2", "address": "bc1qaddr",
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, false, body["success"])
	require.Contains(t, body["error"], "insufficient")
}

func TestSubmitValidationErrors(t *testing.T) {
	api := newTestAPI(t)
	user := uuid.New()

	w, _ := api.do(t, http.MethodPost, "/v1/deposits", asUser(user), payload{"amount": "1"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = api.do(t, http.MethodPost, "/v1/deposits", asUser(user), payload{"currency": "USDT", "amount": "0"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReviewUnknownRequestReturns404(t *testing.T) {
	api := newTestAPI(t)
	admin := uuid.New()

	w, _ := api.do(t, http.MethodPost, "/v1/admin/deposits/"+uuid.NewString()+"/approve", asAdmin(admin), nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w, _ = api.do(t, http.MethodPost, "/v1/admin/deposits/not-a-uuid/approve", asAdmin(admin), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTradeEndpoint(t *testing.T) {
	api := newTestAPI(t)
	user := uuid.New()

	_, err := api.ledger.Post(context.Background(), user, models.EntryDeposit, "USDT", decimal.RequireFromString("60000"), ledger.PostOpts{})
	require.NoError(t, err)

	w, body := api.do(t, http.MethodPost, "/v1/trades", asUser(user), payload{
		"pair": "BTC/USDT", "side": "buy", "size": "1", "price": "50000",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	trade := body["data"].(map[string]interface{})
	require.Equal(t, "filled", trade["status"])

	w, body = api.do(t, http.MethodGet, "/v1/wallet", asUser(user), nil)
	require.Equal(t, http.StatusOK, w.Code)
	wallet := body["data"].(map[string]interface{})
	require.Equal(t, "1", wallet["BTC"])
	require.Equal(t, "10000", wallet["USDT"])

	w, body = api.do(t, http.MethodGet, "/v1/trades", asUser(user), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(1), body["total"])
}

func TestAdminAdjustment(t *testing.T) {
	api := newTestAPI(t)
	user := uuid.New()
	admin := uuid.New()

	w, body := api.do(t, http.MethodPost, "/v1/admin/adjustments", asAdmin(admin), payload{
		"user_id": user.String(), "currency": "USDT", "balance": "500", "note": "seed",
	})
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	require.Equal(t, "500", data["balance"])

	// The adjustment shows up in the ledger history, not as a rewrite.
	w, body = api.do(t, http.MethodGet, "/v1/wallet/ledger/USDT", asUser(user), nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := body["data"].([]interface{})
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]interface{})
	require.Equal(t, "adjustment", entry["kind"])
}

func TestTransactionsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	user := uuid.New()
	admin := uuid.New()

	w, body := api.do(t, http.MethodPost, "/v1/deposits", asUser(user), payload{
		"currency": "USDT", "amount": "100", "address": "0xabc",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	reqID := body["data"].(map[string]interface{})["id"].(string)
	w, _ = api.do(t, http.MethodPost, "/v1/admin/deposits/"+reqID+"/approve", asAdmin(admin), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, body = api.do(t, http.MethodGet, "/v1/wallet/transactions", asUser(user), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(1), body["total"])
	item := body["data"].([]interface{})[0].(map[string]interface{})
	require.Equal(t, "deposit", item["kind"])
	require.Equal(t, "approved", item["status"])
}
