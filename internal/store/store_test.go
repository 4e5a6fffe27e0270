package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/dukerupert/loyaltywallet/internal/database"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seedParties creates one business and one customer and returns their ids.
func seedParties(t *testing.T, db *sql.DB) (customerID, businessID string) {
	t.Helper()
	ds := NewDirectoryStore(db)
	b, err := ds.CreateBusiness(context.Background(), "Corner Cafe", 10)
	if err != nil {
		t.Fatalf("create business: %v", err)
	}
	c, err := ds.CreateCustomer(context.Background(), "+15555550100")
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	return c.ID, b.ID
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	customerID, businessID := seedParties(t, db)
	ws := NewWalletStore(db)

	errBoom := errors.New("boom")
	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := ws.GetOrCreate(ctx, tx, customerID, businessID); err != nil {
			return err
		}
		return errBoom
	})
	if err != errBoom {
		t.Fatalf("err = %v, want %v", err, errBoom)
	}

	w, err := ws.Get(ctx, nil, customerID, businessID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w != nil {
		t.Error("wallet created inside a rolled back transaction should not exist")
	}
}
