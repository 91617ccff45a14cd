package engine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stexlab/stex/services/exchange/internal/storage"
)

type CreateOrderParams struct {
	Owner  string
	Token  string
	Amount decimal.Decimal
	Price  decimal.Decimal
	IsBuy  bool
	Agent  string
}

// CreateOrder appends a resting order to the book and returns its ID. Sell
// orders reserve the offered tokens up front; buy orders reserve nothing
// because the buy-side payment leg settles off-platform.
func CreateOrder(ctx context.Context, tx storage.Tx, p CreateOrderParams) (int64, error) {
	if !validQuantity(p.Amount) {
		return 0, Reject(ReasonInvalidAmount)
	}
	if p.Price.IsNegative() || !p.Price.IsInteger() {
		return 0, Reject(ReasonInvalidPrice)
	}

	if !p.IsBuy {
		if err := reserve(ctx, tx, p.Owner, p.Token, p.Amount); err != nil {
			return 0, err
		}
	}

	id, err := tx.NextOrderID(ctx)
	if err != nil {
		return 0, err
	}
	order := storage.Order{
		ID:     id,
		Owner:  p.Owner,
		Token:  p.Token,
		Amount: p.Amount,
		Price:  p.Price,
		IsBuy:  p.IsBuy,
		Agent:  p.Agent,
	}
	if err := tx.InsertOrder(ctx, order); err != nil {
		return 0, err
	}
	return id, nil
}

// CancelOrder marks the caller's order canceled and, for sell orders,
// releases the reservation backing the remaining amount. Settled portions
// are untouched; only the remainder comes back.
func CancelOrder(ctx context.Context, tx storage.Tx, caller string, orderID int64) (*storage.Order, error) {
	order, err := tx.Order(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Reject(ReasonOrderNotFound)
	}
	if err != nil {
		return nil, err
	}
	if order.Amount.IsZero() {
		return nil, Reject(ReasonOrderDepleted)
	}
	if order.Canceled {
		return nil, Reject(ReasonOrderCanceled)
	}
	if order.Owner != caller {
		return nil, Reject(ReasonNotOrderOwner)
	}

	if !order.IsBuy {
		if err := release(ctx, tx, order.Owner, order.Token, order.Amount); err != nil {
			return nil, err
		}
	}
	order.Canceled = true
	if err := tx.UpdateOrder(ctx, *order); err != nil {
		return nil, err
	}
	return order, nil
}

// ExecuteOrder takes amount against a resting order on the opposite side and
// opens a pending agreement. A selling taker reserves the tokens being sold;
// the trade then waits for the order's agent to confirm or cancel payment.
func ExecuteOrder(ctx context.Context, tx storage.Tx, caller string, orderID int64, amount decimal.Decimal, isBuy bool) (*storage.Agreement, error) {
	order, err := tx.Order(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Reject(ReasonOrderNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !validQuantity(amount) {
		return nil, Reject(ReasonInvalidAmount)
	}
	if order.IsBuy == isBuy {
		return nil, Reject(ReasonSameSide)
	}
	if order.Owner == caller {
		return nil, Reject(ReasonOwnOrder)
	}
	if order.Canceled {
		return nil, Reject(ReasonOrderCanceled)
	}
	if order.Amount.LessThan(amount) {
		return nil, Reject(ReasonAmountExceedsOrder)
	}

	// The selling side always escrows: either the taker here, or the maker
	// already did at order creation.
	if !isBuy {
		if err := reserve(ctx, tx, caller, order.Token, amount); err != nil {
			return nil, err
		}
	}

	order.Amount = order.Amount.Sub(amount)
	if err := tx.UpdateOrder(ctx, *order); err != nil {
		return nil, err
	}

	agreementID, err := tx.NextAgreementID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	agreement := storage.Agreement{
		OrderID:      orderID,
		ID:           agreementID,
		Counterparty: caller,
		Amount:       amount,
		Price:        order.Price,
	}
	if err := tx.InsertAgreement(ctx, agreement); err != nil {
		return nil, err
	}
	return &agreement, nil
}
