package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/loyaltywallet/internal/auth"
	"github.com/dukerupert/loyaltywallet/internal/ledger"
	"github.com/dukerupert/loyaltywallet/internal/money"
	"github.com/dukerupert/loyaltywallet/internal/websocket"
)

// LedgerHandler adapts HTTP requests into ledger commands. The caller's
// identity comes from the auth middleware, never from the body.
type LedgerHandler struct {
	engine *ledger.Engine
	hub    *websocket.Hub
	logger *slog.Logger
}

func NewLedgerHandler(engine *ledger.Engine, hub *websocket.Hub, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{engine: engine, hub: hub, logger: logger}
}

type paymentRequest struct {
	BusinessID     string      `json:"business_id"`
	Amount         money.Cents `json:"amount"`
	IdempotencyKey string      `json:"idempotency_key"`
}

type refundRequest struct {
	TransactionID  string `json:"transaction_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type redeemRequest struct {
	Points         int64  `json:"points"`
	IdempotencyKey string `json:"idempotency_key"`
}

func idempotencyKey(r *http.Request, body string) string {
	if k := strings.TrimSpace(r.Header.Get("Idempotency-Key")); k != "" {
		return k
	}
	return strings.TrimSpace(body)
}

func (h *LedgerHandler) Payment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.BusinessID) == "" {
		writeBadRequest(w, "business_id is required")
		return
	}

	res, err := h.engine.Payment(r.Context(), ledger.PaymentCommand{
		CustomerID:     auth.CustomerID(r.Context()),
		BusinessID:     req.BusinessID,
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	h.respond(w, res, err)
}

func (h *LedgerHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.BusinessID) == "" {
		writeBadRequest(w, "business_id is required")
		return
	}

	res, err := h.engine.TopUp(r.Context(), ledger.TopUpCommand{
		CustomerID:     auth.CustomerID(r.Context()),
		BusinessID:     req.BusinessID,
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	h.respond(w, res, err)
}

func (h *LedgerHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		writeBadRequest(w, "transaction_id is required")
		return
	}

	res, err := h.engine.Refund(r.Context(), ledger.RefundCommand{
		BusinessID:     auth.BusinessID(r.Context()),
		TransactionID:  req.TransactionID,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	h.respond(w, res, err)
}

func (h *LedgerHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.engine.RedeemPoints(r.Context(), ledger.RedeemCommand{
		CustomerID:     auth.CustomerID(r.Context()),
		BusinessID:     r.PathValue("businessID"),
		Points:         req.Points,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	h.respond(w, res, err)
}

func (h *LedgerHandler) respond(w http.ResponseWriter, res *ledger.Result, err error) {
	if err != nil {
		writeLedgerError(w, h.logger, err)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, http.StatusOK, res)
		return
	}

	h.publish(res)
	writeJSON(w, http.StatusCreated, res)
}

func (h *LedgerHandler) publish(res *ledger.Result) {
	if h.hub == nil {
		return
	}
	msg := websocket.NewMessage("wallet", "updated", res.Transaction.ID, res)
	h.hub.Publish(msg,
		websocket.SubscriberKey(auth.Caller{ID: res.Wallet.CustomerID, Role: auth.RoleCustomer}),
		websocket.SubscriberKey(auth.Caller{ID: res.Wallet.BusinessID, Role: auth.RoleBusiness}),
	)
}
