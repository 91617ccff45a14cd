package engine

import (
	"context"
	"errors"

	"github.com/stexlab/stex/services/exchange/internal/storage"
)

// Settlement is the outcome of confirming or canceling an agreement: the
// affected records plus the resolved seller/buyer roles.
type Settlement struct {
	Order     *storage.Order
	Agreement *storage.Agreement
	Seller    string
	Buyer     string
}

// parties resolves who delivers and who receives for an agreement. On a buy
// order the taker sold into it, so the taker is the seller; on a sell order
// the maker is.
func parties(order *storage.Order, agreement *storage.Agreement) (seller, buyer string) {
	if order.IsBuy {
		return agreement.Counterparty, order.Owner
	}
	return order.Owner, agreement.Counterparty
}

func loadPendingAgreement(ctx context.Context, tx storage.Tx, caller string, orderID, agreementID int64) (*storage.Order, *storage.Agreement, error) {
	order, err := tx.Order(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, Reject(ReasonOrderNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	agreement, err := tx.Agreement(ctx, orderID, agreementID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, Reject(ReasonAgreementNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	if agreement.Canceled {
		return nil, nil, Reject(ReasonAgreementCanceled)
	}
	if agreement.Paid {
		return nil, nil, Reject(ReasonAgreementPaid)
	}
	if order.Agent != caller {
		return nil, nil, Reject(ReasonNotAgent)
	}
	return order, agreement, nil
}

// ConfirmAgreement records that the agent observed the off-platform payment.
// The escrowed tokens move from the seller's commitment to the buyer's
// balance and the trade price becomes the token's last price.
func ConfirmAgreement(ctx context.Context, tx storage.Tx, caller string, orderID, agreementID int64) (*Settlement, error) {
	order, agreement, err := loadPendingAgreement(ctx, tx, caller, orderID, agreementID)
	if err != nil {
		return nil, err
	}
	seller, buyer := parties(order, agreement)

	if err := settle(ctx, tx, seller, buyer, order.Token, agreement.Amount); err != nil {
		return nil, err
	}
	agreement.Paid = true
	if err := tx.UpdateAgreement(ctx, *agreement); err != nil {
		return nil, err
	}
	if err := tx.SetLastPrice(ctx, order.Token, agreement.Price); err != nil {
		return nil, err
	}
	return &Settlement{Order: order, Agreement: agreement, Seller: seller, Buyer: buyer}, nil
}

// CancelAgreement voids a pending agreement by unwinding whatever the take
// reserved. A taker who sold into a buy order escrowed at take time, so their
// commitment is released back to balance. On a sell order the take reserved
// nothing; the canceled amount returns to the resting order and the maker's
// escrow keeps backing it.
func CancelAgreement(ctx context.Context, tx storage.Tx, caller string, orderID, agreementID int64) (*Settlement, error) {
	order, agreement, err := loadPendingAgreement(ctx, tx, caller, orderID, agreementID)
	if err != nil {
		return nil, err
	}
	seller, buyer := parties(order, agreement)

	if order.IsBuy {
		if err := release(ctx, tx, seller, order.Token, agreement.Amount); err != nil {
			return nil, err
		}
	} else {
		order.Amount = order.Amount.Add(agreement.Amount)
		if err := tx.UpdateOrder(ctx, *order); err != nil {
			return nil, err
		}
	}
	agreement.Canceled = true
	if err := tx.UpdateAgreement(ctx, *agreement); err != nil {
		return nil, err
	}
	return &Settlement{Order: order, Agreement: agreement, Seller: seller, Buyer: buyer}, nil
}
