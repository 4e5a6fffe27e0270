package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukerupert/loyaltywallet/internal/auth"
	"github.com/dukerupert/loyaltywallet/internal/database"
	"github.com/dukerupert/loyaltywallet/internal/ledger"
	"github.com/dukerupert/loyaltywallet/internal/model"
	"github.com/dukerupert/loyaltywallet/internal/store"
	"github.com/dukerupert/loyaltywallet/internal/websocket"
)

type env struct {
	ledgerH    *LedgerHandler
	walletH    *WalletHandler
	dirH       *DirectoryHandler
	hub        *websocket.Hub
	dir        *store.DirectoryStore
	customerID string
	businessID string
}

func setupEnv(t *testing.T) *env {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := store.NewDirectoryStore(db)
	engine := ledger.New(db, store.NewWalletStore(db), store.NewTransactionStore(db), dir, ledger.Config{}, nil, logger)
	hub := websocket.NewHub(nil, logger)

	b, err := dir.CreateBusiness(context.Background(), "Corner Cafe", 10)
	if err != nil {
		t.Fatalf("create business: %v", err)
	}
	c, err := dir.CreateCustomer(context.Background(), "+15555550100")
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}

	return &env{
		ledgerH:    NewLedgerHandler(engine, hub, logger),
		walletH:    NewWalletHandler(engine, logger),
		dirH:       NewDirectoryHandler(dir, auth.NewTokens("handler-test", time.Hour), 10, logger),
		hub:        hub,
		dir:        dir,
		customerID: c.ID,
		businessID: b.ID,
	}
}

func (e *env) customer() auth.Caller { return auth.Caller{ID: e.customerID, Role: auth.RoleCustomer} }
func (e *env) business() auth.Caller { return auth.Caller{ID: e.businessID, Role: auth.RoleBusiness} }

// call runs h with caller attached, as the auth middleware would.
func call(t *testing.T, h http.HandlerFunc, caller auth.Caller, method, target string, body any, pathValues ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	for i := 0; i+1 < len(pathValues); i += 2 {
		req.SetPathValue(pathValues[i], pathValues[i+1])
	}
	req = req.WithContext(auth.WithCaller(req.Context(), caller))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (e *env) topUp(t *testing.T, amount string) ledger.Result {
	t.Helper()
	rec := call(t, e.ledgerH.TopUp, e.customer(), "POST", "/api/transactions/topup",
		map[string]any{"business_id": e.businessID, "amount": amount})
	if rec.Code != http.StatusCreated {
		t.Fatalf("top up: status = %d, body = %s", rec.Code, rec.Body)
	}
	return decode[ledger.Result](t, rec)
}

func (e *env) pay(t *testing.T, amount string) ledger.Result {
	t.Helper()
	rec := call(t, e.ledgerH.Payment, e.customer(), "POST", "/api/transactions/payment",
		map[string]any{"business_id": e.businessID, "amount": amount})
	if rec.Code != http.StatusCreated {
		t.Fatalf("pay: status = %d, body = %s", rec.Code, rec.Body)
	}
	return decode[ledger.Result](t, rec)
}

func TestPaymentAndRefundOverHTTP(t *testing.T) {
	e := setupEnv(t)
	e.topUp(t, "100.00")

	paid := e.pay(t, "30.00")
	if paid.Wallet.CashBalance != 7000 || paid.Wallet.PointsBalance != 300 {
		t.Errorf("wallet = %s/%d, want 70.00/300", paid.Wallet.CashBalance, paid.Wallet.PointsBalance)
	}

	rec := call(t, e.ledgerH.Refund, e.business(), "POST", "/api/transactions/refund",
		map[string]any{"transaction_id": paid.Transaction.ID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("refund: status = %d, body = %s", rec.Code, rec.Body)
	}
	refunded := decode[ledger.Result](t, rec)
	if refunded.Wallet.CashBalance != 10000 || refunded.Wallet.PointsBalance != 0 {
		t.Errorf("wallet = %s/%d, want 100.00/0", refunded.Wallet.CashBalance, refunded.Wallet.PointsBalance)
	}
}

func TestAmountsAreDecimalStrings(t *testing.T) {
	e := setupEnv(t)
	rec := call(t, e.ledgerH.TopUp, e.customer(), "POST", "/api/transactions/topup",
		map[string]any{"business_id": e.businessID, "amount": "12.50"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	body := decode[map[string]any](t, rec)
	wallet := body["wallet"].(map[string]any)
	if wallet["cash_balance"] != "12.50" {
		t.Errorf("cash_balance = %v, want \"12.50\"", wallet["cash_balance"])
	}
}

func TestLedgerErrorMapping(t *testing.T) {
	e := setupEnv(t)
	e.topUp(t, "10.00")
	paid := e.pay(t, "5.00")
	other, err := e.dir.CreateBusiness(context.Background(), "Elsewhere", 10)
	if err != nil {
		t.Fatalf("create business: %v", err)
	}

	tests := []struct {
		name     string
		h        http.HandlerFunc
		caller   auth.Caller
		body     any
		path     []string
		wantCode int
		wantErr  string
	}{
		{"insufficient funds", e.ledgerH.Payment, e.customer(),
			map[string]any{"business_id": e.businessID, "amount": "20.00"}, nil, http.StatusConflict, "insufficient_funds"},
		{"no wallet", e.ledgerH.Payment, e.customer(),
			map[string]any{"business_id": other.ID, "amount": "1.00"}, nil, http.StatusNotFound, "not_found"},
		{"zero amount", e.ledgerH.TopUp, e.customer(),
			map[string]any{"business_id": e.businessID, "amount": "0"}, nil, http.StatusBadRequest, "invalid_amount"},
		{"sub-cent amount", e.ledgerH.TopUp, e.customer(),
			map[string]any{"business_id": e.businessID, "amount": "1.005"}, nil, http.StatusBadRequest, "bad_request"},
		{"missing business", e.ledgerH.TopUp, e.customer(),
			map[string]any{"amount": "1.00"}, nil, http.StatusBadRequest, "bad_request"},
		{"foreign refund", e.ledgerH.Refund, auth.Caller{ID: other.ID, Role: auth.RoleBusiness},
			map[string]any{"transaction_id": paid.Transaction.ID}, nil, http.StatusForbidden, "forbidden"},
		{"redeem too many", e.ledgerH.Redeem, e.customer(),
			map[string]any{"points": 1000}, []string{"businessID", e.businessID}, http.StatusConflict, "insufficient_points"},
		{"unknown field", e.ledgerH.Payment, e.customer(),
			map[string]any{"business_id": e.businessID, "amount": "1.00", "customer_id": "someone-else"}, nil, http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, tt.h, tt.caller, "POST", "/", tt.body, tt.path...)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
			if got := decode[errorBody](t, rec); got.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", got.Code, tt.wantErr)
			}
		})
	}
}

func TestIdempotencyKeyHeader(t *testing.T) {
	e := setupEnv(t)
	e.topUp(t, "50.00")

	send := func() *httptest.ResponseRecorder {
		var buf bytes.Buffer
		json.NewEncoder(&buf).Encode(map[string]any{"business_id": e.businessID, "amount": "10.00"})
		req := httptest.NewRequest("POST", "/api/transactions/payment", &buf)
		req.Header.Set("Idempotency-Key", "checkout-1")
		req = req.WithContext(auth.WithCaller(req.Context(), e.customer()))
		rec := httptest.NewRecorder()
		e.ledgerH.Payment(rec, req)
		return rec
	}

	first := send()
	if first.Code != http.StatusCreated {
		t.Fatalf("first: status = %d", first.Code)
	}
	second := send()
	if second.Code != http.StatusOK {
		t.Fatalf("second: status = %d, want 200", second.Code)
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("expected Idempotent-Replayed header")
	}
	if res := decode[ledger.Result](t, second); res.Wallet.CashBalance != 4000 {
		t.Errorf("cash = %s, want 40.00", res.Wallet.CashBalance)
	}
}

func TestRedeemOverHTTP(t *testing.T) {
	e := setupEnv(t)
	e.topUp(t, "10.00")
	e.pay(t, "5.00")

	rec := call(t, e.ledgerH.Redeem, e.customer(), "POST", "/", map[string]any{"points": 50}, "businessID", e.businessID)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	res := decode[ledger.Result](t, rec)
	if res.Wallet.PointsBalance != 0 || res.Wallet.CashBalance != 550 {
		t.Errorf("wallet = %s/%d, want 5.50/0", res.Wallet.CashBalance, res.Wallet.PointsBalance)
	}
}

func TestWalletReads(t *testing.T) {
	e := setupEnv(t)
	e.topUp(t, "10.00")
	e.pay(t, "2.00")

	rec := call(t, e.walletH.List, e.customer(), "GET", "/api/wallets", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	if wallets := decode[[]model.Wallet](t, rec); len(wallets) != 1 {
		t.Errorf("wallets = %d, want 1", len(wallets))
	}

	rec = call(t, e.walletH.Get, e.customer(), "GET", "/", nil, "businessID", e.businessID)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	detail := decode[ledger.WalletDetail](t, rec)
	if len(detail.Transactions) != 2 {
		t.Errorf("recent = %d, want 2", len(detail.Transactions))
	}
	if detail.Transactions[0].Kind != model.KindPayment {
		t.Errorf("newest = %s, want payment", detail.Transactions[0].Kind)
	}
}

func TestHistoryScopedToCaller(t *testing.T) {
	e := setupEnv(t)
	e.topUp(t, "10.00")
	paid := e.pay(t, "2.00")

	rec := call(t, e.walletH.History, e.business(), "GET", "/api/transactions/history?limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	page := decode[model.TransactionPage](t, rec)
	if page.Total != 2 || len(page.Transactions) != 1 || !page.HasMore {
		t.Errorf("page = total %d len %d more %v, want 2 1 true", page.Total, len(page.Transactions), page.HasMore)
	}

	stranger := auth.Caller{ID: "someone", Role: auth.RoleCustomer}
	rec = call(t, e.walletH.History, stranger, "GET", "/api/transactions/history", nil)
	if page := decode[model.TransactionPage](t, rec); page.Total != 0 {
		t.Errorf("stranger sees %d records, want 0", page.Total)
	}

	rec = call(t, e.walletH.Transaction, stranger, "GET", "/", nil, "id", paid.Transaction.ID)
	if rec.Code != http.StatusNotFound {
		t.Errorf("stranger get: status = %d, want 404", rec.Code)
	}
	rec = call(t, e.walletH.Transaction, e.business(), "GET", "/", nil, "id", paid.Transaction.ID)
	if rec.Code != http.StatusOK {
		t.Errorf("owner get: status = %d, want 200", rec.Code)
	}

	rec = call(t, e.walletH.History, e.customer(), "GET", "/api/transactions/history?limit=0", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0: status = %d, want 400", rec.Code)
	}
	rec = call(t, e.walletH.History, e.customer(), "GET", "/api/transactions/history?kind=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("kind=bogus: status = %d, want 400", rec.Code)
	}
}

func TestCommittedOperationsArePublished(t *testing.T) {
	e := setupEnv(t)
	messages, cancel := e.hub.Subscribe(websocket.SubscriberKey(e.business()))
	defer cancel()

	res := e.topUp(t, "5.00")

	select {
	case data := <-messages:
		var msg websocket.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != "wallet_updated" || msg.ID != res.Transaction.ID {
			t.Errorf("message = %s %s, want wallet_updated %s", msg.Type, msg.ID, res.Transaction.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no message published")
	}
}

func TestDirectory(t *testing.T) {
	e := setupEnv(t)
	admin := auth.Caller{ID: "root", Role: auth.RoleAdmin}

	rec := call(t, e.dirH.CreateBusiness, admin, "POST", "/api/businesses", map[string]any{"name": "  Bakery "})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create business: status = %d, body = %s", rec.Code, rec.Body)
	}
	created := decode[struct {
		Record model.Business `json:"record"`
		Token  string         `json:"token"`
	}](t, rec)
	if created.Record.Name != "Bakery" || created.Record.PointsPerDollar != 10 {
		t.Errorf("business = %+v, want Bakery at 10", created.Record)
	}
	if created.Token == "" {
		t.Error("expected a token for the new business")
	}

	rec = call(t, e.dirH.CreateCustomer, admin, "POST", "/api/customers", map[string]any{"phone_number": "+15555550100"})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate customer: status = %d, want 409", rec.Code)
	}

	rec = call(t, e.dirH.ListBusinesses, e.customer(), "GET", "/api/businesses?search=bak", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	page := decode[businessPage](t, rec)
	if page.Total != 1 || page.Businesses[0].Name != "Bakery" {
		t.Errorf("search = %+v, want only Bakery", page)
	}
}
