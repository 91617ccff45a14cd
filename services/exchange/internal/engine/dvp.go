package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/stexlab/stex/services/exchange/internal/storage"
)

type CreateDeliveryParams struct {
	Seller string
	Token  string
	Buyer  string
	Amount decimal.Decimal
	Agent  string
	Data   string
}

// CreateDelivery opens a peer-to-peer DVP delivery and escrows the seller's
// tokens. Tokens flagged as requiring transfer approval are deliverable only
// by their issuer; anyone else must go through the approval flow first.
func CreateDelivery(ctx context.Context, tx storage.Tx, p CreateDeliveryParams) (int64, error) {
	if !validQuantity(p.Amount) {
		return 0, Reject(ReasonInvalidAmount)
	}

	tok, err := tx.Token(ctx, p.Token)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	if tok != nil && tok.TransferApprovalRequired && tok.Issuer != p.Seller {
		return 0, Reject(ReasonTransferApprovalRequired)
	}

	if err := reserve(ctx, tx, p.Seller, p.Token, p.Amount); err != nil {
		return 0, err
	}

	id, err := tx.NextDeliveryID(ctx)
	if err != nil {
		return 0, err
	}
	delivery := storage.Delivery{
		ID:     id,
		Token:  p.Token,
		Seller: p.Seller,
		Buyer:  p.Buyer,
		Amount: p.Amount,
		Agent:  p.Agent,
		Data:   p.Data,
		Valid:  true,
	}
	if err := tx.InsertDelivery(ctx, delivery); err != nil {
		return 0, err
	}
	return id, nil
}

// CancelDelivery voids an unconfirmed delivery and returns the escrow to the
// seller. Either party may cancel before the buyer confirms.
func CancelDelivery(ctx context.Context, tx storage.Tx, caller string, deliveryID int64) (*storage.Delivery, error) {
	d, err := loadLiveDelivery(ctx, tx, deliveryID)
	if err != nil {
		return nil, err
	}
	if d.Confirmed {
		return nil, Reject(ReasonDeliveryConfirmed)
	}
	if caller != d.Seller && caller != d.Buyer {
		return nil, Reject(ReasonNotDeliveryParty)
	}

	if err := release(ctx, tx, d.Seller, d.Token, d.Amount); err != nil {
		return nil, err
	}
	d.Valid = false
	if err := tx.UpdateDelivery(ctx, *d); err != nil {
		return nil, err
	}
	return d, nil
}

// ConfirmDelivery is the buyer's acknowledgment. It flips the delivery into
// the agent's hands; tokens stay escrowed until finish or abort.
func ConfirmDelivery(ctx context.Context, tx storage.Tx, caller string, deliveryID int64) (*storage.Delivery, error) {
	d, err := loadLiveDelivery(ctx, tx, deliveryID)
	if err != nil {
		return nil, err
	}
	if d.Confirmed {
		return nil, Reject(ReasonDeliveryConfirmed)
	}
	if caller != d.Buyer {
		return nil, Reject(ReasonNotDeliveryBuyer)
	}

	d.Confirmed = true
	if err := tx.UpdateDelivery(ctx, *d); err != nil {
		return nil, err
	}
	return d, nil
}

// FinishDelivery completes a confirmed delivery: escrow moves to the buyer
// and the delivery leaves the live set. Agent only.
func FinishDelivery(ctx context.Context, tx storage.Tx, caller string, deliveryID int64) (*storage.Delivery, error) {
	d, err := loadLiveDelivery(ctx, tx, deliveryID)
	if err != nil {
		return nil, err
	}
	if !d.Confirmed {
		return nil, Reject(ReasonDeliveryNotConfirmed)
	}
	if caller != d.Agent {
		return nil, Reject(ReasonNotAgent)
	}

	if err := settle(ctx, tx, d.Seller, d.Buyer, d.Token, d.Amount); err != nil {
		return nil, err
	}
	d.Valid = false
	if err := tx.UpdateDelivery(ctx, *d); err != nil {
		return nil, err
	}
	return d, nil
}

// BulkFinishDelivery finishes a batch atomically. Unlike single operations
// there is no partial acceptance: the first delivery that fails its
// preconditions aborts the whole batch and nothing settles.
func BulkFinishDelivery(ctx context.Context, tx storage.Tx, caller string, deliveryIDs []int64) ([]*storage.Delivery, error) {
	finished := make([]*storage.Delivery, 0, len(deliveryIDs))
	for _, id := range deliveryIDs {
		d, err := FinishDelivery(ctx, tx, caller, id)
		if err != nil {
			if reason, ok := RejectionReason(err); ok {
				return nil, fmt.Errorf("delivery %d: %s: %w", id, reason, err)
			}
			return nil, fmt.Errorf("delivery %d: %w", id, err)
		}
		finished = append(finished, d)
	}
	return finished, nil
}

// AbortDelivery is the agent's way out of a confirmed delivery that cannot
// complete. Escrow returns to the seller.
func AbortDelivery(ctx context.Context, tx storage.Tx, caller string, deliveryID int64) (*storage.Delivery, error) {
	d, err := loadLiveDelivery(ctx, tx, deliveryID)
	if err != nil {
		return nil, err
	}
	if !d.Confirmed {
		return nil, Reject(ReasonDeliveryNotConfirmed)
	}
	if caller != d.Agent {
		return nil, Reject(ReasonNotAgent)
	}

	if err := release(ctx, tx, d.Seller, d.Token, d.Amount); err != nil {
		return nil, err
	}
	d.Valid = false
	if err := tx.UpdateDelivery(ctx, *d); err != nil {
		return nil, err
	}
	return d, nil
}

func loadLiveDelivery(ctx context.Context, tx storage.Tx, deliveryID int64) (*storage.Delivery, error) {
	d, err := tx.Delivery(ctx, deliveryID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Reject(ReasonDeliveryNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !d.Valid {
		return nil, Reject(ReasonDeliveryInvalid)
	}
	return d, nil
}
