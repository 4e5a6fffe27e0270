// Package ledger moves cash and loyalty points between customer wallets and
// records every movement in the transaction log. It is the only writer of
// either.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/loyaltywallet/internal/model"
	"github.com/dukerupert/loyaltywallet/internal/money"
	"github.com/dukerupert/loyaltywallet/internal/points"
	"github.com/dukerupert/loyaltywallet/internal/store"
)

// WalletStore is the balance storage the engine mutates.
type WalletStore interface {
	Get(ctx context.Context, q store.DBTX, customerID, businessID string) (*model.Wallet, error)
	GetOrCreate(ctx context.Context, q store.DBTX, customerID, businessID string) (*model.Wallet, error)
	ApplyDelta(ctx context.Context, q store.DBTX, customerID, businessID string, cashDelta money.Cents, pointsDelta int64) (*model.Wallet, error)
	ListByCustomer(ctx context.Context, q store.DBTX, customerID string) ([]model.Wallet, error)
}

// TransactionLog is the append-only record of ledger operations.
type TransactionLog interface {
	Append(ctx context.Context, q store.DBTX, t *model.Transaction) error
	FindByID(ctx context.Context, q store.DBTX, id string) (*model.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, q store.DBTX, customerID, businessID string, kind model.TransactionKind, key string) (*model.Transaction, error)
	FindRefundOf(ctx context.Context, q store.DBTX, id string) (*model.Transaction, error)
	List(ctx context.Context, q store.DBTX, f model.TransactionFilter, limit, offset int) (*model.TransactionPage, error)
	ListByWallet(ctx context.Context, q store.DBTX, customerID, businessID string, limit int) ([]model.Transaction, error)
	SumDeltas(ctx context.Context, q store.DBTX, customerID, businessID string) (money.Cents, int64, error)
}

// Directory is the read-only view of businesses and customers.
type Directory interface {
	GetBusiness(ctx context.Context, q store.DBTX, id string) (*model.Business, error)
	GetCustomer(ctx context.Context, q store.DBTX, id string) (*model.Customer, error)
}

// Observer receives one call per finished operation.
type Observer interface {
	Observe(operation, outcome string, d time.Duration)
}

type RefundPointsPolicy string

const (
	// RefundClamp lets a refund proceed when the customer has already spent
	// the points it reverses; the points balance stops at zero.
	RefundClamp RefundPointsPolicy = "clamp"
	// RefundReject fails such a refund with ErrInsufficientPoints.
	RefundReject RefundPointsPolicy = "reject"
)

const (
	OpPayment      = "payment"
	OpTopUp        = "topup"
	OpRefund       = "refund"
	OpRedeem       = "redeem_points"
	DefaultTimeout = 5 * time.Second
)

type Config struct {
	// Timeout bounds each operation's store work.
	Timeout      time.Duration
	RefundPoints RefundPointsPolicy
	Points       points.Policy
	// AuditFailures appends a failed record for each rejected payment,
	// redemption, or refund. Failed records never touch a wallet.
	AuditFailures bool
}

type Engine struct {
	db       *sql.DB
	wallets  WalletStore
	txlog    TransactionLog
	dir      Directory
	cfg      Config
	observer Observer
	logger   *slog.Logger
}

// New creates an Engine. observer may be nil.
func New(db *sql.DB, wallets WalletStore, txlog TransactionLog, dir Directory, cfg Config, observer Observer, logger *slog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RefundPoints == "" {
		cfg.RefundPoints = RefundClamp
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:       db,
		wallets:  wallets,
		txlog:    txlog,
		dir:      dir,
		cfg:      cfg,
		observer: observer,
		logger:   logger,
	}
}

// Result is the state after a committed operation.
type Result struct {
	Wallet      model.Wallet      `json:"wallet"`
	Transaction model.Transaction `json:"transaction"`
	// Replayed is set when an earlier command with the same idempotency key
	// already committed; nothing new was written.
	Replayed bool `json:"replayed"`
}

type PaymentCommand struct {
	CustomerID     string
	BusinessID     string
	Amount         money.Cents
	IdempotencyKey string
}

type TopUpCommand struct {
	CustomerID     string
	BusinessID     string
	Amount         money.Cents
	IdempotencyKey string
}

type RefundCommand struct {
	// BusinessID is the caller; it must own the referenced transaction.
	BusinessID     string
	TransactionID  string
	IdempotencyKey string
}

type RedeemCommand struct {
	CustomerID     string
	BusinessID     string
	Points         int64
	IdempotencyKey string
}

// Payment debits amount from the customer's wallet at the business and
// credits the points the business's rate earns.
func (e *Engine) Payment(ctx context.Context, cmd PaymentCommand) (*Result, error) {
	if cmd.Amount <= 0 {
		return e.rejectEarly(OpPayment, ErrInvalidAmount)
	}
	return e.commit(ctx, OpPayment, func(ctx context.Context, tx *sql.Tx) (*Result, error) {
		if r, err := e.replay(ctx, tx, cmd.CustomerID, cmd.BusinessID, model.KindPayment, cmd.IdempotencyKey); r != nil || err != nil {
			return r, err
		}

		biz, err := e.business(ctx, tx, cmd.BusinessID)
		if err != nil {
			return nil, err
		}
		w, err := e.wallets.Get(ctx, tx, cmd.CustomerID, cmd.BusinessID)
		if err != nil {
			return nil, err
		}
		if w == nil {
			return nil, ErrWalletNotFound
		}

		attempt := &model.Transaction{
			BusinessID: cmd.BusinessID,
			CustomerID: cmd.CustomerID,
			Kind:       model.KindPayment,
			Amount:     cmd.Amount,
		}
		if w.CashBalance < cmd.Amount {
			return nil, &rejection{err: ErrInsufficientFunds, attempt: attempt}
		}

		earned, err := e.cfg.Points.Earned(cmd.Amount, biz.PointsPerDollar)
		if err != nil {
			return nil, &rejection{err: classify(err), attempt: attempt}
		}
		w, err = e.wallets.ApplyDelta(ctx, tx, cmd.CustomerID, cmd.BusinessID, -cmd.Amount, earned)
		if err != nil {
			return nil, err
		}

		rec := attempt
		rec.Status = model.StatusCompleted
		rec.PointsDelta = earned
		rec.IdempotencyKey = optional(cmd.IdempotencyKey)
		if err := e.txlog.Append(ctx, tx, rec); err != nil {
			return nil, err
		}
		return &Result{Wallet: *w, Transaction: *rec}, nil
	})
}

// TopUp credits amount to the customer's wallet at the business, creating
// the wallet on first use.
func (e *Engine) TopUp(ctx context.Context, cmd TopUpCommand) (*Result, error) {
	if cmd.Amount <= 0 {
		return e.rejectEarly(OpTopUp, ErrInvalidAmount)
	}
	return e.commit(ctx, OpTopUp, func(ctx context.Context, tx *sql.Tx) (*Result, error) {
		if r, err := e.replay(ctx, tx, cmd.CustomerID, cmd.BusinessID, model.KindTopUp, cmd.IdempotencyKey); r != nil || err != nil {
			return r, err
		}

		if _, err := e.business(ctx, tx, cmd.BusinessID); err != nil {
			return nil, err
		}
		if err := e.customer(ctx, tx, cmd.CustomerID); err != nil {
			return nil, err
		}
		if _, err := e.wallets.GetOrCreate(ctx, tx, cmd.CustomerID, cmd.BusinessID); err != nil {
			return nil, err
		}
		w, err := e.wallets.ApplyDelta(ctx, tx, cmd.CustomerID, cmd.BusinessID, cmd.Amount, 0)
		if err != nil {
			return nil, err
		}

		rec := &model.Transaction{
			BusinessID:     cmd.BusinessID,
			CustomerID:     cmd.CustomerID,
			Kind:           model.KindTopUp,
			Status:         model.StatusCompleted,
			Amount:         cmd.Amount,
			IdempotencyKey: optional(cmd.IdempotencyKey),
		}
		if err := e.txlog.Append(ctx, tx, rec); err != nil {
			return nil, err
		}
		return &Result{Wallet: *w, Transaction: *rec}, nil
	})
}

// Refund reverses a payment or top-up owned by the calling business. The
// wallet gets back exactly the cash the original moved, and loses the points
// the original granted. For a top-up that means the cash is debited again;
// the system this ledger replaces credited the top-up amount a second time,
// which this deliberately does not do.
func (e *Engine) Refund(ctx context.Context, cmd RefundCommand) (*Result, error) {
	return e.commit(ctx, OpRefund, func(ctx context.Context, tx *sql.Tx) (*Result, error) {
		orig, err := e.txlog.FindByID(ctx, tx, cmd.TransactionID)
		if err != nil {
			return nil, err
		}
		if orig == nil || orig.Status != model.StatusCompleted {
			return nil, ErrTransactionNotFound
		}
		if orig.BusinessID != cmd.BusinessID {
			return nil, ErrForbidden
		}

		if r, err := e.replay(ctx, tx, orig.CustomerID, orig.BusinessID, model.KindRefund, cmd.IdempotencyKey); r != nil || err != nil {
			return r, err
		}

		attempt := &model.Transaction{
			BusinessID:             orig.BusinessID,
			CustomerID:             orig.CustomerID,
			Kind:                   model.KindRefund,
			Amount:                 -orig.CashDelta(),
			ReferenceTransactionID: &orig.ID,
		}
		switch orig.Kind {
		case model.KindRefund:
			return nil, &rejection{err: ErrCannotRefundARefund, attempt: attempt}
		case model.KindPayment, model.KindTopUp:
		default:
			return nil, &rejection{err: ErrNotRefundable, attempt: attempt}
		}

		prior, err := e.txlog.FindRefundOf(ctx, tx, orig.ID)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return nil, &rejection{err: ErrAlreadyRefunded, attempt: attempt}
		}

		w, err := e.wallets.Get(ctx, tx, orig.CustomerID, orig.BusinessID)
		if err != nil {
			return nil, err
		}
		if w == nil {
			return nil, ErrWalletNotFound
		}

		cashDelta := attempt.Amount
		if cashDelta < 0 && w.CashBalance+cashDelta < 0 {
			return nil, &rejection{err: ErrInsufficientFunds, attempt: attempt}
		}

		pointsDelta := -orig.PointsEarned()
		if w.PointsBalance+pointsDelta < 0 {
			if e.cfg.RefundPoints == RefundReject {
				return nil, &rejection{err: ErrInsufficientPoints, attempt: attempt}
			}
			e.logger.Warn("refund points clamped",
				"transaction_id", orig.ID,
				"points_earned", orig.PointsEarned(),
				"points_balance", w.PointsBalance,
			)
			pointsDelta = -w.PointsBalance
		}

		w, err = e.wallets.ApplyDelta(ctx, tx, orig.CustomerID, orig.BusinessID, cashDelta, pointsDelta)
		if err != nil {
			return nil, err
		}

		rec := attempt
		rec.Status = model.StatusCompleted
		rec.PointsDelta = pointsDelta
		rec.IdempotencyKey = optional(cmd.IdempotencyKey)
		if err := e.txlog.Append(ctx, tx, rec); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return nil, ErrAlreadyRefunded
			}
			return nil, err
		}
		return &Result{Wallet: *w, Transaction: *rec}, nil
	})
}

// RedeemPoints converts points into cash in the same wallet.
func (e *Engine) RedeemPoints(ctx context.Context, cmd RedeemCommand) (*Result, error) {
	if cmd.Points <= 0 || !e.cfg.Points.Exact(cmd.Points) {
		return e.rejectEarly(OpRedeem, ErrInvalidAmount)
	}
	return e.commit(ctx, OpRedeem, func(ctx context.Context, tx *sql.Tx) (*Result, error) {
		if r, err := e.replay(ctx, tx, cmd.CustomerID, cmd.BusinessID, model.KindPointsRedemption, cmd.IdempotencyKey); r != nil || err != nil {
			return r, err
		}

		w, err := e.wallets.Get(ctx, tx, cmd.CustomerID, cmd.BusinessID)
		if err != nil {
			return nil, err
		}
		if w == nil {
			return nil, ErrWalletNotFound
		}

		value, err := e.cfg.Points.RedemptionValue(cmd.Points)
		if err != nil {
			return nil, err
		}
		attempt := &model.Transaction{
			BusinessID: cmd.BusinessID,
			CustomerID: cmd.CustomerID,
			Kind:       model.KindPointsRedemption,
			Amount:     value,
		}
		if w.PointsBalance < cmd.Points {
			return nil, &rejection{err: ErrInsufficientPoints, attempt: attempt}
		}

		w, err = e.wallets.ApplyDelta(ctx, tx, cmd.CustomerID, cmd.BusinessID, value, -cmd.Points)
		if err != nil {
			return nil, err
		}

		rec := attempt
		rec.Status = model.StatusCompleted
		rec.PointsDelta = -cmd.Points
		rec.IdempotencyKey = optional(cmd.IdempotencyKey)
		if err := e.txlog.Append(ctx, tx, rec); err != nil {
			return nil, err
		}
		return &Result{Wallet: *w, Transaction: *rec}, nil
	})
}

// commit runs fn in one store transaction. The caller's cancellation is
// detached so an operation that has started always reaches committed,
// rejected, or failed; only the configured timeout can stop it.
func (e *Engine) commit(ctx context.Context, op string, fn func(context.Context, *sql.Tx) (*Result, error)) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	defer cancel()

	var res *Result
	err := store.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		r, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		res = r
		return nil
	})

	var rj *rejection
	if errors.As(err, &rj) {
		if e.cfg.AuditFailures {
			e.audit(ctx, rj)
		}
		err = rj.err
	}
	err = classify(err)
	if err != nil {
		res = nil
	}

	e.finish(op, start, res, err)
	return res, err
}

func (e *Engine) rejectEarly(op string, err error) (*Result, error) {
	e.finish(op, time.Now(), nil, err)
	return nil, err
}

func (e *Engine) finish(op string, start time.Time, res *Result, err error) {
	outcome := "committed"
	switch {
	case err != nil && IsRejection(err):
		outcome = "rejected"
		e.logger.Warn("ledger operation rejected", "operation", op, "error", err)
	case err != nil:
		outcome = "failed"
		e.logger.Error("ledger operation failed", "operation", op, "error", err)
	case res.Replayed:
		outcome = "replayed"
		e.logger.Info("ledger operation replayed",
			"operation", op,
			"transaction_id", res.Transaction.ID,
		)
	default:
		e.logger.Info("ledger operation committed",
			"operation", op,
			"transaction_id", res.Transaction.ID,
			"customer_id", res.Wallet.CustomerID,
			"business_id", res.Wallet.BusinessID,
			"cash_balance", res.Wallet.CashBalance.String(),
			"points_balance", res.Wallet.PointsBalance,
		)
	}
	if e.observer != nil {
		e.observer.Observe(op, outcome, time.Since(start))
	}
}

// audit records a rejected attempt outside the rolled back transaction.
func (e *Engine) audit(ctx context.Context, rj *rejection) {
	if rj.attempt == nil {
		return
	}
	rec := *rj.attempt
	rec.ID = ""
	rec.Status = model.StatusFailed
	rec.PointsDelta = 0
	rec.IdempotencyKey = nil
	rec.FailureReason = rj.err.Error()
	if err := e.txlog.Append(ctx, nil, &rec); err != nil {
		e.logger.Error("audit rejected attempt", "kind", rec.Kind, "error", err)
	}
}

// replay returns the earlier result for a repeated idempotency key, or nil
// when the key is empty or unseen.
func (e *Engine) replay(ctx context.Context, tx *sql.Tx, customerID, businessID string, kind model.TransactionKind, key string) (*Result, error) {
	if key == "" {
		return nil, nil
	}
	prev, err := e.txlog.FindByIdempotencyKey(ctx, tx, customerID, businessID, kind, key)
	if err != nil || prev == nil {
		return nil, err
	}
	w, err := e.wallets.Get(ctx, tx, customerID, businessID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("replay %s: %w", prev.ID, ErrWalletNotFound)
	}
	return &Result{Wallet: *w, Transaction: *prev, Replayed: true}, nil
}

func (e *Engine) business(ctx context.Context, q store.DBTX, id string) (*model.Business, error) {
	b, err := e.dir.GetBusiness(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBusinessNotFound
	}
	return b, nil
}

func (e *Engine) customer(ctx context.Context, q store.DBTX, id string) error {
	c, err := e.dir.GetCustomer(ctx, q, id)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrCustomerNotFound
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
