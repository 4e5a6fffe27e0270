package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/loyaltywallet/internal/auth"
	"github.com/dukerupert/loyaltywallet/internal/ledger"
	"github.com/dukerupert/loyaltywallet/internal/model"
)

// WalletHandler serves balances and history, scoped to the caller.
type WalletHandler struct {
	engine *ledger.Engine
	logger *slog.Logger
}

func NewWalletHandler(engine *ledger.Engine, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{engine: engine, logger: logger}
}

func (h *WalletHandler) List(w http.ResponseWriter, r *http.Request) {
	wallets, err := h.engine.Wallets(r.Context(), auth.CustomerID(r.Context()))
	if err != nil {
		writeLedgerError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, wallets)
}

func (h *WalletHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.engine.Wallet(r.Context(), auth.CustomerID(r.Context()), r.PathValue("businessID"))
	if err != nil {
		writeLedgerError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// History lists the caller's records. Admins may filter by customer_id and
// business_id; everyone may filter by kind.
func (h *WalletHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePage(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	q := r.URL.Query()
	f := model.TransactionFilter{Kind: model.TransactionKind(q.Get("kind"))}
	if f.Kind != "" && !f.Kind.Valid() {
		writeBadRequest(w, "unknown kind")
		return
	}

	c, _ := auth.FromContext(r.Context())
	switch c.Role {
	case auth.RoleCustomer:
		f.CustomerID = c.ID
		f.BusinessID = q.Get("business_id")
	case auth.RoleBusiness:
		f.BusinessID = c.ID
		f.CustomerID = q.Get("customer_id")
	case auth.RoleAdmin:
		f.CustomerID = q.Get("customer_id")
		f.BusinessID = q.Get("business_id")
	default:
		writeLedgerError(w, h.logger, ledger.ErrForbidden)
		return
	}

	page, err := h.engine.History(r.Context(), f, limit, offset)
	if err != nil {
		writeLedgerError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Transaction returns one record to its customer, its business, or an admin.
// Anyone else gets 404 so record ids cannot be probed.
func (h *WalletHandler) Transaction(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.Transaction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLedgerError(w, h.logger, err)
		return
	}

	c, _ := auth.FromContext(r.Context())
	visible := auth.IsAdmin(r.Context()) ||
		(c.Role == auth.RoleCustomer && c.ID == t.CustomerID) ||
		(c.Role == auth.RoleBusiness && c.ID == t.BusinessID)
	if !visible {
		writeLedgerError(w, h.logger, ledger.ErrTransactionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Reconcile checks one wallet against its log. Admin only.
func (h *WalletHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	customerID, businessID := r.PathValue("customerID"), r.PathValue("businessID")
	if err := h.engine.Reconcile(r.Context(), customerID, businessID); err != nil {
		writeLedgerError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"customer_id": customerID,
		"business_id": businessID,
		"consistent":  true,
	})
}
