package model

import (
	"time"

	"github.com/dukerupert/loyaltywallet/internal/money"
)

type TransactionKind string

const (
	KindPayment          TransactionKind = "payment"
	KindTopUp            TransactionKind = "topup"
	KindRefund           TransactionKind = "refund"
	KindPointsRedemption TransactionKind = "points_redemption"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindPayment, KindTopUp, KindRefund, KindPointsRedemption:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Transaction is an append-only ledger record. Amount is the cash moved out
// of the wallet by a payment, or into it by any other kind. A refund of a
// top-up carries a negative Amount. PointsDelta is signed.
type Transaction struct {
	ID                     string            `json:"id"`
	BusinessID             string            `json:"business_id"`
	CustomerID             string            `json:"customer_id"`
	Kind                   TransactionKind   `json:"kind"`
	Status                 TransactionStatus `json:"status"`
	Amount                 money.Cents       `json:"amount"`
	PointsDelta            int64             `json:"points_delta"`
	ReferenceTransactionID *string           `json:"reference_transaction_id,omitempty"`
	IdempotencyKey         *string           `json:"idempotency_key,omitempty"`
	FailureReason          string            `json:"failure_reason,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
}

// CashDelta is the signed change this record applied to the wallet's cash.
func (t *Transaction) CashDelta() money.Cents {
	if t.Status != StatusCompleted {
		return 0
	}
	if t.Kind == KindPayment {
		return -t.Amount
	}
	return t.Amount
}

// PointsEarned is the number of points this record granted, zero unless it
// added points.
func (t *Transaction) PointsEarned() int64 {
	if t.PointsDelta > 0 {
		return t.PointsDelta
	}
	return 0
}

// TransactionFilter narrows a history query. Empty fields match everything.
type TransactionFilter struct {
	CustomerID string
	BusinessID string
	Kind       TransactionKind
}

type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	Total        int64         `json:"total"`
	HasMore      bool          `json:"has_more"`
}
