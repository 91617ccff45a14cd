package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestMemoryStoreRollbackOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Within(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.PutBalance(ctx, Balance{
			Account: "0xacc", Token: "0xtok", Balance: decimal.NewFromInt(5),
		}); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, Order{
			ID: 1, Owner: "0xacc", Token: "0xtok",
			Amount: decimal.NewFromInt(5), Price: decimal.NewFromInt(1),
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Within = %v, want boom", err)
	}

	err = store.Within(ctx, func(ctx context.Context, tx Tx) error {
		b, err := tx.Balance(ctx, "0xacc", "0xtok")
		if err != nil {
			return err
		}
		if !b.Balance.IsZero() {
			t.Fatalf("balance = %s after rollback, want 0", b.Balance)
		}
		if _, err := tx.Order(ctx, 1); !errors.Is(err, ErrNotFound) {
			t.Fatalf("order survived rollback: %v", err)
		}
		latest, err := tx.LatestOrderID(ctx)
		if err != nil {
			return err
		}
		if latest != 0 {
			t.Fatalf("latest order id = %d after rollback, want 0", latest)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestMemoryStoreCommitIsVisible(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Within(ctx, func(ctx context.Context, tx Tx) error {
		return tx.PutBalance(ctx, Balance{
			Account: "0xacc", Token: "0xtok", Balance: decimal.NewFromInt(9),
		})
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	err = store.Within(ctx, func(ctx context.Context, tx Tx) error {
		b, err := tx.Balance(ctx, "0xacc", "0xtok")
		if err != nil {
			return err
		}
		if !b.Balance.Equal(decimal.NewFromInt(9)) {
			t.Fatalf("balance = %s, want 9", b.Balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestMemoryStoreAgreementIDsPerOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Within(ctx, func(ctx context.Context, tx Tx) error {
		for _, orderID := range []int64{1, 2} {
			id, err := tx.NextAgreementID(ctx, orderID)
			if err != nil {
				return err
			}
			if id != 1 {
				t.Fatalf("first agreement id for order %d = %d, want 1", orderID, id)
			}
			if err := tx.InsertAgreement(ctx, Agreement{
				OrderID: orderID, ID: id, Counterparty: "0xc",
				Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(1),
			}); err != nil {
				return err
			}
		}
		id, err := tx.NextAgreementID(ctx, 1)
		if err != nil {
			return err
		}
		if id != 2 {
			t.Fatalf("second agreement id for order 1 = %d, want 2", id)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("within: %v", err)
	}
}
