package model

import (
	"time"

	"github.com/dukerupert/loyaltywallet/internal/money"
)

// Wallet is the cash and points balance one customer holds at one business.
type Wallet struct {
	CustomerID    string      `json:"customer_id"`
	BusinessID    string      `json:"business_id"`
	CashBalance   money.Cents `json:"cash_balance"`
	PointsBalance int64       `json:"points_balance"`
	Version       int64       `json:"version"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}
