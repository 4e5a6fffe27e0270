package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/loyaltywallet/internal/auth"
	"github.com/dukerupert/loyaltywallet/internal/model"
	"github.com/dukerupert/loyaltywallet/internal/store"
)

// TokenIssuer mints a bearer token for a newly created party.
type TokenIssuer interface {
	Issue(c auth.Caller) (string, error)
}

// DirectoryHandler manages the business and customer records the ledger
// reads. Creation is an admin task.
type DirectoryHandler struct {
	dir                    *store.DirectoryStore
	tokens                 TokenIssuer
	defaultPointsPerDollar int
	logger                 *slog.Logger
}

func NewDirectoryHandler(dir *store.DirectoryStore, tokens TokenIssuer, defaultPointsPerDollar int, logger *slog.Logger) *DirectoryHandler {
	return &DirectoryHandler{
		dir:                    dir,
		tokens:                 tokens,
		defaultPointsPerDollar: defaultPointsPerDollar,
		logger:                 logger,
	}
}

type businessRequest struct {
	Name            string `json:"name"`
	PointsPerDollar int    `json:"points_per_dollar"`
}

type customerRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type businessPage struct {
	Businesses []model.Business `json:"businesses"`
	Total      int64            `json:"total"`
	HasMore    bool             `json:"has_more"`
}

func (h *DirectoryHandler) ListBusinesses(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePage(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	businesses, total, err := h.dir.ListBusinesses(r.Context(), r.URL.Query().Get("search"), limit, offset)
	if err != nil {
		h.logger.Error("list businesses", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to list businesses"})
		return
	}
	if businesses == nil {
		businesses = []model.Business{}
	}
	writeJSON(w, http.StatusOK, businessPage{
		Businesses: businesses,
		Total:      total,
		HasMore:    total > int64(offset+len(businesses)),
	})
}

func (h *DirectoryHandler) CreateBusiness(w http.ResponseWriter, r *http.Request) {
	var req businessRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}
	if req.PointsPerDollar < 0 {
		writeBadRequest(w, "points_per_dollar must be >= 1")
		return
	}
	if req.PointsPerDollar == 0 {
		req.PointsPerDollar = h.defaultPointsPerDollar
	}

	b, err := h.dir.CreateBusiness(r.Context(), req.Name, req.PointsPerDollar)
	if err != nil {
		h.logger.Error("create business", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to create business"})
		return
	}
	h.logger.Info("business created", "business_id", b.ID)

	h.writeCreated(w, b, auth.Caller{ID: b.ID, Role: auth.RoleBusiness})
}

func (h *DirectoryHandler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.PhoneNumber == "" {
		writeBadRequest(w, "phone_number is required")
		return
	}

	c, err := h.dir.CreateCustomer(r.Context(), req.PhoneNumber)
	if errors.Is(err, store.ErrDuplicate) {
		writeJSON(w, http.StatusConflict, errorBody{Error: "phone number already registered", Code: "duplicate"})
		return
	}
	if err != nil {
		h.logger.Error("create customer", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to create customer"})
		return
	}
	h.logger.Info("customer created", "customer_id", c.ID)

	h.writeCreated(w, c, auth.Caller{ID: c.ID, Role: auth.RoleCustomer})
}

// writeCreated responds with the new record and, when an issuer is
// configured, a token the party can use right away.
func (h *DirectoryHandler) writeCreated(w http.ResponseWriter, record any, c auth.Caller) {
	resp := map[string]any{"record": record}
	if h.tokens != nil {
		tok, err := h.tokens.Issue(c)
		if err != nil {
			h.logger.Error("issue token", "role", c.Role, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to issue token"})
			return
		}
		resp["token"] = tok
	}
	writeJSON(w, http.StatusCreated, resp)
}
