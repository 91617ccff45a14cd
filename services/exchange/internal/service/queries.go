package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/stexlab/stex/services/exchange/internal/engine"
	"github.com/stexlab/stex/services/exchange/internal/storage"
)

// Read paths work the same on live and superseded deployments.

func (s *Service) GetOrder(ctx context.Context, orderID int64) (*storage.Order, error) {
	var out *storage.Order
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		o, err := tx.Order(ctx, orderID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		out = o
		return err
	})
	return out, err
}

func (s *Service) GetAgreement(ctx context.Context, orderID, agreementID int64) (*storage.Agreement, error) {
	var out *storage.Agreement
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, err := tx.Agreement(ctx, orderID, agreementID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		out = a
		return err
	})
	return out, err
}

func (s *Service) GetDelivery(ctx context.Context, deliveryID int64) (*storage.Delivery, error) {
	var out *storage.Delivery
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		d, err := tx.Delivery(ctx, deliveryID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		out = d
		return err
	})
	return out, err
}

func (s *Service) GetBalance(ctx context.Context, account, token string) (storage.Balance, error) {
	var out storage.Balance
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		b, err := tx.Balance(ctx, account, token)
		out = b
		return err
	})
	return out, err
}

func (s *Service) LastPrice(ctx context.Context, token string) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		p, err := tx.LastPrice(ctx, token)
		out = p
		return err
	})
	return out, err
}

func (s *Service) LatestOrderID(ctx context.Context) (int64, error) {
	var out int64
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		id, err := tx.LatestOrderID(ctx)
		out = id
		return err
	})
	return out, err
}

func (s *Service) LatestAgreementID(ctx context.Context, orderID int64) (int64, error) {
	var out int64
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		id, err := tx.LatestAgreementID(ctx, orderID)
		out = id
		return err
	})
	return out, err
}

func (s *Service) LatestDeliveryID(ctx context.Context) (int64, error) {
	var out int64
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		id, err := tx.LatestDeliveryID(ctx)
		out = id
		return err
	})
	return out, err
}

// DepositFromTransfer credits a confirmed inbound token transfer. Deposits
// are push-style and must land even on a superseded deployment, since the
// chain does not ask first. Replayed events are dropped by event ID.
func (s *Service) DepositFromTransfer(ctx context.Context, eventID, account, token string, amount decimal.Decimal) (bool, error) {
	fresh := false
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		fresh, err = tx.MarkEventProcessed(ctx, eventID)
		if err != nil || !fresh {
			return err
		}
		return engine.Deposit(ctx, tx, account, token, amount)
	})
	if err != nil {
		return false, err
	}
	return fresh, nil
}
