// Package engine implements the exchange core: the custody ledger, the
// append-only order book, bilateral execution, two-phase settlement and the
// DVP delivery flow. Every function mutates state only through the supplied
// storage.Tx, so one Store.Within call per operation gives the all-or-nothing
// behavior the ledger invariants depend on.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/stexlab/stex/services/exchange/internal/storage"
)

// Rejection reasons for operations that fail a business precondition. These
// travel to the API response verbatim.
const (
	ReasonInvalidAmount            = "invalid_amount"
	ReasonInvalidPrice             = "invalid_price"
	ReasonInsufficientBalance      = "insufficient_balance"
	ReasonOrderNotFound            = "order_not_found"
	ReasonOrderCanceled            = "order_canceled"
	ReasonOrderDepleted            = "order_depleted"
	ReasonNotOrderOwner            = "not_order_owner"
	ReasonOwnOrder                 = "own_order"
	ReasonSameSide                 = "same_side"
	ReasonAmountExceedsOrder       = "amount_exceeds_order"
	ReasonAgreementNotFound        = "agreement_not_found"
	ReasonAgreementCanceled        = "agreement_canceled"
	ReasonAgreementPaid            = "agreement_paid"
	ReasonNotAgent                 = "not_agent"
	ReasonDeliveryNotFound         = "delivery_not_found"
	ReasonDeliveryInvalid          = "delivery_invalid"
	ReasonDeliveryConfirmed        = "delivery_confirmed"
	ReasonDeliveryNotConfirmed     = "delivery_not_confirmed"
	ReasonNotDeliveryParty         = "not_delivery_party"
	ReasonNotDeliveryBuyer         = "not_delivery_buyer"
	ReasonTransferApprovalRequired = "transfer_approval_required"
	ReasonTokenNotTradable         = "token_not_tradable"
	ReasonInvalidAgent             = "invalid_agent"
)

// RejectionError marks a precondition failure. The enclosing transaction is
// rolled back, so a rejected operation mutates nothing; callers report it as
// a non-applied result rather than a server error.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "rejected: " + e.Reason
}

func Reject(reason string) error {
	return &RejectionError{Reason: reason}
}

// RejectionReason unwraps err down to a RejectionError if one is present.
func RejectionReason(err error) (string, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// reserve moves amount from an account's withdrawable balance into its
// commitment. Rejects when the balance does not cover the amount.
func reserve(ctx context.Context, tx storage.Tx, account, token string, amount decimal.Decimal) error {
	b, err := tx.Balance(ctx, account, token)
	if err != nil {
		return err
	}
	if b.Balance.LessThan(amount) {
		return Reject(ReasonInsufficientBalance)
	}
	b.Balance = b.Balance.Sub(amount)
	b.Commitment = b.Commitment.Add(amount)
	return tx.PutBalance(ctx, b)
}

// release moves amount from commitment back to balance. A commitment that
// cannot cover the release is a custody invariant violation, not a business
// rejection, and surfaces as a hard error.
func release(ctx context.Context, tx storage.Tx, account, token string, amount decimal.Decimal) error {
	b, err := tx.Balance(ctx, account, token)
	if err != nil {
		return err
	}
	if b.Commitment.LessThan(amount) {
		return fmt.Errorf("release %s of %s for %s: %w", amount, token, account, storage.ErrInsufficientCommitment)
	}
	b.Commitment = b.Commitment.Sub(amount)
	b.Balance = b.Balance.Add(amount)
	return tx.PutBalance(ctx, b)
}

// settle consumes amount from the seller's commitment and credits the
// buyer's balance. Used by agreement confirmation and delivery finish.
func settle(ctx context.Context, tx storage.Tx, seller, buyer, token string, amount decimal.Decimal) error {
	sb, err := tx.Balance(ctx, seller, token)
	if err != nil {
		return err
	}
	if sb.Commitment.LessThan(amount) {
		return fmt.Errorf("settle %s of %s from %s: %w", amount, token, seller, storage.ErrInsufficientCommitment)
	}
	sb.Commitment = sb.Commitment.Sub(amount)
	if err := tx.PutBalance(ctx, sb); err != nil {
		return err
	}

	bb, err := tx.Balance(ctx, buyer, token)
	if err != nil {
		return err
	}
	bb.Balance = bb.Balance.Add(amount)
	return tx.PutBalance(ctx, bb)
}

// validQuantity reports whether d is a positive whole number. Token units are
// integral; fractional quantities never enter the book.
func validQuantity(d decimal.Decimal) bool {
	return d.IsPositive() && d.IsInteger()
}
