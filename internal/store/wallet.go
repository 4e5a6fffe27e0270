package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/dukerupert/loyaltywallet/internal/model"
	"github.com/dukerupert/loyaltywallet/internal/money"
)

type WalletStore struct {
	db *sql.DB
}

func NewWalletStore(db *sql.DB) *WalletStore {
	return &WalletStore{db: db}
}

// conn returns q, or the store's own handle when q is nil.
func (s *WalletStore) conn(q DBTX) DBTX {
	if q == nil {
		return s.db
	}
	return q
}

func scanWallet(scanner interface{ Scan(...any) error }) (*model.Wallet, error) {
	var w model.Wallet
	var cash int64
	err := scanner.Scan(&w.CustomerID, &w.BusinessID, &cash, &w.PointsBalance, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.CashBalance = money.Cents(cash)
	return &w, nil
}

const walletCols = `customer_id, business_id, cash_balance, points_balance, version, created_at, updated_at`

// Get returns the wallet for the pair, or nil if none exists.
func (s *WalletStore) Get(ctx context.Context, q DBTX, customerID, businessID string) (*model.Wallet, error) {
	row := s.conn(q).QueryRowContext(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE customer_id = ? AND business_id = ?`,
		customerID, businessID,
	)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// GetOrCreate returns the wallet for the pair, creating a zero-balance one if
// none exists. A second call for the same pair changes nothing.
func (s *WalletStore) GetOrCreate(ctx context.Context, q DBTX, customerID, businessID string) (*model.Wallet, error) {
	q = s.conn(q)
	now := time.Now().UTC()
	_, err := q.ExecContext(ctx,
		`INSERT INTO wallets (customer_id, business_id, cash_balance, points_balance, version, created_at, updated_at)
		 VALUES (?, ?, 0, 0, 0, ?, ?)
		 ON CONFLICT (customer_id, business_id) DO NOTHING`,
		customerID, businessID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert wallet: %w", err)
	}
	w, err := s.Get(ctx, q, customerID, businessID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("get created wallet: %w", ErrNotFound)
	}
	return w, nil
}

// ApplyDelta adds cashDelta and pointsDelta to the wallet and returns the
// result. It fails with ErrInsufficientFunds or ErrInsufficientPoints, and
// writes nothing, if either balance would go negative, and with ErrOutOfRange
// if either would pass math.MaxInt64. The update is guarded
// by the wallet version read in the same call; a lost race yields ErrConflict.
func (s *WalletStore) ApplyDelta(ctx context.Context, q DBTX, customerID, businessID string, cashDelta money.Cents, pointsDelta int64) (*model.Wallet, error) {
	q = s.conn(q)
	w, err := s.Get(ctx, q, customerID, businessID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("wallet %s/%s: %w", customerID, businessID, ErrNotFound)
	}

	// Balances are never negative, so only a positive delta can overflow.
	if cashDelta > 0 && w.CashBalance > math.MaxInt64-cashDelta {
		return nil, fmt.Errorf("cash %s + %s: %w", w.CashBalance, cashDelta, ErrOutOfRange)
	}
	if pointsDelta > 0 && w.PointsBalance > math.MaxInt64-pointsDelta {
		return nil, fmt.Errorf("points %d + %d: %w", w.PointsBalance, pointsDelta, ErrOutOfRange)
	}
	newCash := w.CashBalance + cashDelta
	newPoints := w.PointsBalance + pointsDelta
	if newCash < 0 {
		return nil, ErrInsufficientFunds
	}
	if newPoints < 0 {
		return nil, ErrInsufficientPoints
	}

	now := time.Now().UTC()
	result, err := q.ExecContext(ctx,
		`UPDATE wallets SET cash_balance = ?, points_balance = ?, version = version + 1, updated_at = ?
		 WHERE customer_id = ? AND business_id = ? AND version = ?`,
		int64(newCash), newPoints, now, customerID, businessID, w.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update wallet: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrConflict
	}

	w.CashBalance = newCash
	w.PointsBalance = newPoints
	w.Version++
	w.UpdatedAt = now
	return w, nil
}

// ListByCustomer returns every wallet a customer holds, oldest first.
func (s *WalletStore) ListByCustomer(ctx context.Context, q DBTX, customerID string) ([]model.Wallet, error) {
	rows, err := s.conn(q).QueryContext(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE customer_id = ? ORDER BY created_at ASC, business_id ASC`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []model.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}
