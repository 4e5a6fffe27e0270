package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/loyaltywallet/internal/ledger"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxBodyBytes    = 1 << 16
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "bad_request"})
}

// writeLedgerError maps the ledger's error taxonomy onto HTTP.
func writeLedgerError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case ledger.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		status, code = http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, ledger.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status, code = http.StatusConflict, "insufficient_funds"
	case errors.Is(err, ledger.ErrInsufficientPoints):
		status, code = http.StatusConflict, "insufficient_points"
	case errors.Is(err, ledger.ErrCannotRefundARefund):
		status, code = http.StatusConflict, "cannot_refund_a_refund"
	case errors.Is(err, ledger.ErrNotRefundable):
		status, code = http.StatusConflict, "not_refundable"
	case errors.Is(err, ledger.ErrAlreadyRefunded):
		status, code = http.StatusConflict, "already_refunded"
	case errors.Is(err, ledger.ErrReconciliation):
		status, code = http.StatusConflict, "reconciliation_mismatch"
	case errors.Is(err, ledger.ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	}

	msg := err.Error()
	if status >= 500 {
		logger.Error("ledger request failed", "error", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// parsePage reads limit and offset query parameters.
func parsePage(r *http.Request) (limit, offset int, err error) {
	limit, offset = defaultPageSize, 0
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(limit, maxPageSize)
	}
	if s := q.Get("offset"); s != "" {
		offset, err = strconv.Atoi(s)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
