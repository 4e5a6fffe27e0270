package ledger

import (
	"context"
	"fmt"

	"github.com/dukerupert/loyaltywallet/internal/model"
)

const recentTransactions = 10

// WalletDetail is a wallet with the business it belongs to and its most
// recent activity.
type WalletDetail struct {
	Wallet       model.Wallet        `json:"wallet"`
	Business     model.Business      `json:"business"`
	Transactions []model.Transaction `json:"transactions"`
}

// Wallet returns one wallet with its latest records.
func (e *Engine) Wallet(ctx context.Context, customerID, businessID string) (*WalletDetail, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	w, err := e.wallets.Get(ctx, nil, customerID, businessID)
	if err != nil {
		return nil, classify(err)
	}
	if w == nil {
		return nil, ErrWalletNotFound
	}
	biz, err := e.business(ctx, nil, businessID)
	if err != nil {
		return nil, classify(err)
	}
	recent, err := e.txlog.ListByWallet(ctx, nil, customerID, businessID, recentTransactions)
	if err != nil {
		return nil, classify(err)
	}
	return &WalletDetail{Wallet: *w, Business: *biz, Transactions: recent}, nil
}

// Wallets returns every wallet the customer holds.
func (e *Engine) Wallets(ctx context.Context, customerID string) ([]model.Wallet, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	wallets, err := e.wallets.ListByCustomer(ctx, nil, customerID)
	if err != nil {
		return nil, classify(err)
	}
	if wallets == nil {
		wallets = []model.Wallet{}
	}
	return wallets, nil
}

// History returns one page of records, newest first.
func (e *Engine) History(ctx context.Context, f model.TransactionFilter, limit, offset int) (*model.TransactionPage, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	page, err := e.txlog.List(ctx, nil, f, limit, offset)
	if err != nil {
		return nil, classify(err)
	}
	return page, nil
}

// Transaction returns a single record.
func (e *Engine) Transaction(ctx context.Context, id string) (*model.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	t, err := e.txlog.FindByID(ctx, nil, id)
	if err != nil {
		return nil, classify(err)
	}
	if t == nil {
		return nil, ErrTransactionNotFound
	}
	return t, nil
}

// Reconcile checks that the wallet's balances equal the sum of its completed
// records. A mismatch returns ErrReconciliation.
func (e *Engine) Reconcile(ctx context.Context, customerID, businessID string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	w, err := e.wallets.Get(ctx, nil, customerID, businessID)
	if err != nil {
		return classify(err)
	}
	if w == nil {
		return ErrWalletNotFound
	}
	cash, pts, err := e.txlog.SumDeltas(ctx, nil, customerID, businessID)
	if err != nil {
		return classify(err)
	}
	if cash != w.CashBalance || pts != w.PointsBalance {
		return fmt.Errorf("%w: balance %s/%d, log %s/%d", ErrReconciliation,
			w.CashBalance, w.PointsBalance, cash, pts)
	}
	return nil
}
