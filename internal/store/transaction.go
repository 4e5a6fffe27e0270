package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/loyaltywallet/internal/model"
	"github.com/dukerupert/loyaltywallet/internal/money"
)

// TransactionStore is the append-only transaction log. It exposes no update
// or delete; the schema rejects both with triggers.
type TransactionStore struct {
	db *sql.DB
}

func NewTransactionStore(db *sql.DB) *TransactionStore {
	return &TransactionStore{db: db}
}

func (s *TransactionStore) conn(q DBTX) DBTX {
	if q == nil {
		return s.db
	}
	return q
}

func scanTransaction(scanner interface{ Scan(...any) error }) (*model.Transaction, error) {
	var t model.Transaction
	var amount int64
	var ref, key, reason sql.NullString

	err := scanner.Scan(
		&t.ID, &t.BusinessID, &t.CustomerID, &t.Kind, &t.Status,
		&amount, &t.PointsDelta, &ref, &key, &reason, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Amount = money.Cents(amount)
	if ref.Valid {
		t.ReferenceTransactionID = &ref.String
	}
	if key.Valid {
		t.IdempotencyKey = &key.String
	}
	t.FailureReason = reason.String
	return &t, nil
}

const transactionCols = `id, business_id, customer_id, kind, status, amount, points_delta, reference_transaction_id, idempotency_key, failure_reason, created_at`

// Append writes t to the log, assigning its ID and CreatedAt. A unique index
// collision (repeated idempotency key, second refund of the same record)
// yields ErrDuplicate.
func (s *TransactionStore) Append(ctx context.Context, q DBTX, t *model.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()

	var reason sql.NullString
	if t.FailureReason != "" {
		reason = sql.NullString{String: t.FailureReason, Valid: true}
	}

	_, err := s.conn(q).ExecContext(ctx,
		`INSERT INTO transactions (id, business_id, customer_id, kind, status, amount, points_delta,
		   reference_transaction_id, idempotency_key, failure_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.BusinessID, t.CustomerID, t.Kind, t.Status, int64(t.Amount), t.PointsDelta,
		nullString(t.ReferenceTransactionID), nullString(t.IdempotencyKey), reason, t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("append transaction: %w", ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// FindByID returns the record with the given id, or nil if none exists.
func (s *TransactionStore) FindByID(ctx context.Context, q DBTX, id string) (*model.Transaction, error) {
	row := s.conn(q).QueryRowContext(ctx, `SELECT `+transactionCols+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// FindByIdempotencyKey returns the completed record a command with the same
// key already produced for this wallet and kind, or nil.
func (s *TransactionStore) FindByIdempotencyKey(ctx context.Context, q DBTX, customerID, businessID string, kind model.TransactionKind, key string) (*model.Transaction, error) {
	row := s.conn(q).QueryRowContext(ctx,
		`SELECT `+transactionCols+` FROM transactions
		 WHERE customer_id = ? AND business_id = ? AND kind = ? AND idempotency_key = ? AND status = ?`,
		customerID, businessID, kind, key, model.StatusCompleted,
	)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction by idempotency key: %w", err)
	}
	return t, nil
}

// FindRefundOf returns the completed refund that reversed id, or nil.
func (s *TransactionStore) FindRefundOf(ctx context.Context, q DBTX, id string) (*model.Transaction, error) {
	row := s.conn(q).QueryRowContext(ctx,
		`SELECT `+transactionCols+` FROM transactions
		 WHERE reference_transaction_id = ? AND kind = ? AND status = ?`,
		id, model.KindRefund, model.StatusCompleted,
	)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get refund: %w", err)
	}
	return t, nil
}

func filterClause(f model.TransactionFilter) (string, []any) {
	var conds []string
	var args []any
	if f.CustomerID != "" {
		conds = append(conds, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.BusinessID != "" {
		conds = append(conds, "business_id = ?")
		args = append(args, f.BusinessID)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns one page of records matching f, newest first.
func (s *TransactionStore) List(ctx context.Context, q DBTX, f model.TransactionFilter, limit, offset int) (*model.TransactionPage, error) {
	q = s.conn(q)
	where, args := filterClause(f)

	var total int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count transactions: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT `+transactionCols+` FROM transactions`+where+` ORDER BY seq DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	page := &model.TransactionPage{Transactions: []model.Transaction{}, Total: total}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		page.Transactions = append(page.Transactions, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	page.HasMore = total > int64(offset+len(page.Transactions))
	return page, nil
}

// ListByWallet returns the most recent records for one wallet, newest first.
func (s *TransactionStore) ListByWallet(ctx context.Context, q DBTX, customerID, businessID string, limit int) ([]model.Transaction, error) {
	page, err := s.List(ctx, q, model.TransactionFilter{CustomerID: customerID, BusinessID: businessID}, limit, 0)
	if err != nil {
		return nil, err
	}
	return page.Transactions, nil
}

// SumDeltas totals the cash and points movements of every completed record
// for one wallet.
func (s *TransactionStore) SumDeltas(ctx context.Context, q DBTX, customerID, businessID string) (money.Cents, int64, error) {
	var cash, pts int64
	err := s.conn(q).QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN kind = 'payment' THEN -amount ELSE amount END), 0),
		   COALESCE(SUM(points_delta), 0)
		 FROM transactions
		 WHERE customer_id = ? AND business_id = ? AND status = ?`,
		customerID, businessID, model.StatusCompleted,
	).Scan(&cash, &pts)
	if err != nil {
		return 0, 0, fmt.Errorf("sum transaction deltas: %w", err)
	}
	return money.Cents(cash), pts, nil
}
