package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/stexlab/stex/services/exchange/internal/storage"
)

// Deposit credits tokens pushed into custody by a confirmed on-chain
// transfer. The amount has already been validated by the transfer event
// pipeline; anything non-positive here is a feed defect, not a user error.
func Deposit(ctx context.Context, tx storage.Tx, account, token string, amount decimal.Decimal) error {
	if !validQuantity(amount) {
		return fmt.Errorf("deposit of %s %s for %s: amount must be a positive integer", amount, token, account)
	}
	b, err := tx.Balance(ctx, account, token)
	if err != nil {
		return err
	}
	b.Balance = b.Balance.Add(amount)
	return tx.PutBalance(ctx, b)
}

// Withdraw removes the caller's entire withdrawable balance and returns the
// amount to hand to the token gateway. Committed tokens stay put.
func Withdraw(ctx context.Context, tx storage.Tx, account, token string) (decimal.Decimal, error) {
	b, err := tx.Balance(ctx, account, token)
	if err != nil {
		return decimal.Zero, err
	}
	if !b.Balance.IsPositive() {
		return decimal.Zero, Reject(ReasonInsufficientBalance)
	}
	amount := b.Balance
	b.Balance = decimal.Zero
	if err := tx.PutBalance(ctx, b); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// WithdrawPartial removes a specific amount from the withdrawable balance.
func WithdrawPartial(ctx context.Context, tx storage.Tx, account, token string, amount decimal.Decimal) error {
	if !validQuantity(amount) {
		return Reject(ReasonInvalidAmount)
	}
	b, err := tx.Balance(ctx, account, token)
	if err != nil {
		return err
	}
	if b.Balance.LessThan(amount) {
		return Reject(ReasonInsufficientBalance)
	}
	b.Balance = b.Balance.Sub(amount)
	return tx.PutBalance(ctx, b)
}
