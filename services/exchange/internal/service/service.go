// Package service orchestrates exchange operations: registry gating,
// read-only enforcement, one store transaction per call via the engine, and
// event publication for committed mutations. Rejected calls return a
// non-applied result and publish nothing.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stexlab/stex/libs/kafka"
	"github.com/stexlab/stex/services/exchange/internal/config"
	"github.com/stexlab/stex/services/exchange/internal/engine"
	"github.com/stexlab/stex/services/exchange/internal/storage"
)

// ReasonSuperseded is returned by every mutation on a deployment that has
// been replaced by a newer instance pointed at the same ledger.
const ReasonSuperseded = "exchange_superseded"

// Gates answers the registry questions asked before book mutations.
type Gates interface {
	IsHandleable(ctx context.Context, token string) (bool, error)
	IsValidAgent(ctx context.Context, token, agent string) (bool, error)
}

// Publisher is the slice of the kafka producer the service needs.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
}

// TokenGateway pushes withdrawn tokens back to their owner on chain. A
// transfer error aborts the enclosing withdrawal transaction.
type TokenGateway interface {
	Transfer(ctx context.Context, token, to string, amount decimal.Decimal) error
}

type Service struct {
	store     storage.Store
	gates     Gates
	publisher Publisher
	gateway   TokenGateway
	topics    config.TopicsConfig
	logger    *slog.Logger
	metrics   *Metrics
	readOnly  bool
}

type Options struct {
	Store     storage.Store
	Gates     Gates
	Publisher Publisher
	Gateway   TokenGateway
	Topics    config.TopicsConfig
	Logger    *slog.Logger
	Metrics   *Metrics
	ReadOnly  bool
}

func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     opts.Store,
		gates:     opts.Gates,
		publisher: opts.Publisher,
		gateway:   opts.Gateway,
		topics:    opts.Topics,
		logger:    logger,
		metrics:   opts.Metrics,
		readOnly:  opts.ReadOnly,
	}
}

// Result is the outcome of a single soft-fail operation. Applied=false with
// a reason means the preconditions failed and nothing changed.
type Result struct {
	Applied bool
	Reason  string
}

func rejected(reason string) Result {
	return Result{Applied: false, Reason: reason}
}

var applied = Result{Applied: true}

type OrderResult struct {
	Result
	OrderID int64
}

type AgreementResult struct {
	Result
	OrderID     int64
	AgreementID int64
}

type DeliveryResult struct {
	Result
	DeliveryID int64
}

type WithdrawalResult struct {
	Result
	Amount decimal.Decimal
}

type CreateOrderInput struct {
	Owner  string
	Token  string
	Amount decimal.Decimal
	Price  decimal.Decimal
	IsBuy  bool
	Agent  string
}

func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (OrderResult, error) {
	start := time.Now()
	if s.readOnly {
		s.metrics.observe("create_order", "rejected", start)
		return OrderResult{Result: rejected(ReasonSuperseded)}, nil
	}

	if ok, err := s.gates.IsHandleable(ctx, in.Token); err != nil {
		s.metrics.observe("create_order", "error", start)
		return OrderResult{}, err
	} else if !ok {
		s.metrics.observe("create_order", "rejected", start)
		return OrderResult{Result: rejected(engine.ReasonTokenNotTradable)}, nil
	}
	if ok, err := s.gates.IsValidAgent(ctx, in.Token, in.Agent); err != nil {
		s.metrics.observe("create_order", "error", start)
		return OrderResult{}, err
	} else if !ok {
		s.metrics.observe("create_order", "rejected", start)
		return OrderResult{Result: rejected(engine.ReasonInvalidAgent)}, nil
	}

	var order *storage.Order
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		id, err := engine.CreateOrder(ctx, tx, engine.CreateOrderParams{
			Owner:  in.Owner,
			Token:  in.Token,
			Amount: in.Amount,
			Price:  in.Price,
			IsBuy:  in.IsBuy,
			Agent:  in.Agent,
		})
		if err != nil {
			return err
		}
		order, err = tx.Order(ctx, id)
		return err
	})
	if reason, ok := engine.RejectionReason(err); ok {
		s.metrics.observe("create_order", "rejected", start)
		return OrderResult{Result: rejected(reason)}, nil
	}
	if err != nil {
		s.metrics.observe("create_order", "error", start)
		return OrderResult{}, err
	}

	s.publishOrderEvent(ctx, s.topics.OrdersCreated, "order.created", order)
	s.metrics.observe("create_order", "applied", start)
	return OrderResult{Result: applied, OrderID: order.ID}, nil
}

func (s *Service) CancelOrder(ctx context.Context, caller string, orderID int64) (Result, error) {
	start := time.Now()
	if s.readOnly {
		s.metrics.observe("cancel_order", "rejected", start)
		return rejected(ReasonSuperseded), nil
	}

	var order *storage.Order
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		order, err = engine.CancelOrder(ctx, tx, caller, orderID)
		return err
	})
	if reason, ok := engine.RejectionReason(err); ok {
		s.metrics.observe("cancel_order", "rejected", start)
		return rejected(reason), nil
	}
	if err != nil {
		s.metrics.observe("cancel_order", "error", start)
		return Result{}, err
	}

	s.publishOrderEvent(ctx, s.topics.OrdersCancelled, "order.cancelled", order)
	s.metrics.observe("cancel_order", "applied", start)
	return applied, nil
}

func (s *Service) ExecuteOrder(ctx context.Context, caller string, orderID int64, amount decimal.Decimal, isBuy bool) (AgreementResult, error) {
	start := time.Now()
	if s.readOnly {
		s.metrics.observe("execute_order", "rejected", start)
		return AgreementResult{Result: rejected(ReasonSuperseded)}, nil
	}

	var (
		agreement *storage.Agreement
		token     string
	)
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		order, err := tx.Order(ctx, orderID)
		if err == nil {
			// Gate on the resting order's token before mutating anything.
			token = order.Token
			ok, gateErr := s.gates.IsHandleable(ctx, token)
			if gateErr != nil {
				return gateErr
			}
			if !ok {
				return engine.Reject(engine.ReasonTokenNotTradable)
			}
		}
		agreement, err = engine.ExecuteOrder(ctx, tx, caller, orderID, amount, isBuy)
		return err
	})
	if reason, ok := engine.RejectionReason(err); ok {
		s.metrics.observe("execute_order", "rejected", start)
		return AgreementResult{Result: rejected(reason)}, nil
	}
	if err != nil {
		s.metrics.observe("execute_order", "error", start)
		return AgreementResult{}, err
	}

	s.publishAgreementEvent(ctx, s.topics.AgreementsCreated, "agreement.created", token, "", "", agreement)
	s.metrics.observe("execute_order", "applied", start)
	return AgreementResult{Result: applied, OrderID: agreement.OrderID, AgreementID: agreement.ID}, nil
}

func (s *Service) ConfirmAgreement(ctx context.Context, caller string, orderID, agreementID int64) (Result, error) {
	start := time.Now()
	if s.readOnly {
		s.metrics.observe("confirm_agreement", "rejected", start)
		return rejected(ReasonSuperseded), nil
	}

	var settlement *engine.Settlement
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		settlement, err = engine.ConfirmAgreement(ctx, tx, caller, orderID, agreementID)
		return err
	})
	if reason, ok := engine.RejectionReason(err); ok {
		s.metrics.observe("confirm_agreement", "rejected", start)
		return rejected(reason), nil
	}
	if err != nil {
		s.metrics.observe("confirm_agreement", "error", start)
		return Result{}, err
	}

	s.publishAgreementEvent(ctx, s.topics.SettlementsConfirmed, "settlement.confirmed",
		settlement.Order.Token, settlement.Seller, settlement.Buyer, settlement.Agreement)
	s.metrics.observe("confirm_agreement", "applied", start)
	return applied, nil
}

func (s *Service) CancelAgreement(ctx context.Context, caller string, orderID, agreementID int64) (Result, error) {
	start := time.Now()
	if s.readOnly {
		s.metrics.observe("cancel_agreement", "rejected", start)
		return rejected(ReasonSuperseded), nil
	}

	var settlement *engine.Settlement
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		settlement, err = engine.CancelAgreement(ctx, tx, caller, orderID, agreementID)
		return err
	})
	if reason, ok := engine.RejectionReason(err); ok {
		s.metrics.observe("cancel_agreement", "rejected", start)
		return rejected(reason), nil
	}
	if err != nil {
		s.metrics.observe("cancel_agreement", "error", start)
		return Result{}, err
	}

	s.publishAgreementEvent(ctx, s.topics.SettlementsCancelled, "settlement.cancelled",
		settlement.Order.Token, settlement.Seller, settlement.Buyer, settlement.Agreement)
	s.metrics.observe("cancel_agreement", "applied", start)
	return applied, nil
}

// Withdraw moves the caller's whole withdrawable balance back on chain. The
// gateway transfer runs inside the transaction: if the chain rejects it, the
// ledger debit rolls back with it.
func (s *Service) Withdraw(ctx context.Context, account, token string) (WithdrawalResult, error) {
	start := time.Now()
	if s.readOnly {
		s.metrics.observe("withdraw", "rejected", start)
		return WithdrawalResult{Result: rejected(ReasonSuperseded)}, nil
	}

	var (
		amount      decimal.Decimal
		withdrawnAt time.Time
	)
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		amount, err = engine.Withdraw(ctx, tx, account, token)
		if err != nil {
			return err
		}
		b, err := tx.Balance(ctx, account, token)
		if err != nil {
			return err
		}
		withdrawnAt = b.UpdatedAt
		if s.gateway != nil {
			return s.gateway.Transfer(ctx, token, account, amount)
		}
		return nil
	})
	if reason, ok := engine.RejectionReason(err); ok {
		s.metrics.observe("withdraw", "rejected", start)
		return WithdrawalResult{Result: rejected(reason)}, nil
	}
	if err != nil {
		s.metrics.observe("withdraw", "error", start)
		return WithdrawalResult{}, err
	}

	// The ledger's post-withdraw timestamp identifies this withdrawal, so a
	// republished event keeps the same ID and dedupes downstream.
	env, envErr := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID("withdrawal.requested", account, token, withdrawnAt.UTC().Format(time.RFC3339Nano)),
		"withdrawal.requested", 1, "")
	if envErr == nil {
		s.publish(ctx, s.topics.WithdrawalsRequested, account, WithdrawalEvent{
			Envelope: env,
			Account:  account,
			Token:    token,
			Amount:   amount.String(),
		})
	}
	s.metrics.observe("withdraw", "applied", start)
	return WithdrawalResult{Result: applied, Amount: amount}, nil
}

type CreateDeliveryInput struct {
	Seller string
	Token  string
	Buyer  string
	Amount decimal.Decimal
	Agent  string
	Data   string
}

func (s *Service) CreateDelivery(ctx context.Context, in CreateDeliveryInput) (DeliveryResult, error) {
	start := time.Now()
	if s.readOnly {
		s.metrics.observe("create_delivery", "rejected", start)
		return DeliveryResult{Result: rejected(ReasonSuperseded)}, nil
	}

	if ok, err := s.gates.IsHandleable(ctx, in.Token); err != nil {
		s.metrics.observe("create_delivery", "error", start)
		return DeliveryResult{}, err
	} else if !ok {
		s.metrics.observe("create_delivery", "rejected", start)
		return DeliveryResult{Result: rejected(engine.ReasonTokenNotTradable)}, nil
	}
	if ok, err := s.gates.IsValidAgent(ctx, in.Token, in.Agent); err != nil {
		s.metrics.observe("create_delivery", "error", start)
		return DeliveryResult{}, err
	} else if !ok {
		s.metrics.observe("create_delivery", "rejected", start)
		return DeliveryResult{Result: rejected(engine.ReasonInvalidAgent)}, nil
	}

	var delivery *storage.Delivery
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		id, err := engine.CreateDelivery(ctx, tx, engine.CreateDeliveryParams{
			Seller: in.Seller,
			Token:  in.Token,
			Buyer:  in.Buyer,
			Amount: in.Amount,
			Agent:  in.Agent,
			Data:   in.Data,
		})
		if err != nil {
			return err
		}
		delivery, err = tx.Delivery(ctx, id)
		return err
	})
	if reason, ok := engine.RejectionReason(err); ok {
		s.metrics.observe("create_delivery", "rejected", start)
		return DeliveryResult{Result: rejected(reason)}, nil
	}
	if err != nil {
		s.metrics.observe("create_delivery", "error", start)
		return DeliveryResult{}, err
	}

	s.publishDeliveryEvent(ctx, "delivery.created", delivery)
	s.metrics.observe("create_delivery", "applied", start)
	return DeliveryResult{Result: applied, DeliveryID: delivery.ID}, nil
}

func (s *Service) deliveryTransition(ctx context.Context, operation, eventType string,
	fn func(ctx context.Context, tx storage.Tx) (*storage.Delivery, error)) (Result, error) {
	start := time.Now()
	if s.readOnly {
		s.metrics.observe(operation, "rejected", start)
		return rejected(ReasonSuperseded), nil
	}

	var delivery *storage.Delivery
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		delivery, err = fn(ctx, tx)
		return err
	})
	if reason, ok := engine.RejectionReason(err); ok {
		s.metrics.observe(operation, "rejected", start)
		return rejected(reason), nil
	}
	if err != nil {
		s.metrics.observe(operation, "error", start)
		return Result{}, err
	}

	s.publishDeliveryEvent(ctx, eventType, delivery)
	s.metrics.observe(operation, "applied", start)
	return applied, nil
}

func (s *Service) CancelDelivery(ctx context.Context, caller string, deliveryID int64) (Result, error) {
	return s.deliveryTransition(ctx, "cancel_delivery", "delivery.cancelled",
		func(ctx context.Context, tx storage.Tx) (*storage.Delivery, error) {
			return engine.CancelDelivery(ctx, tx, caller, deliveryID)
		})
}

func (s *Service) ConfirmDelivery(ctx context.Context, caller string, deliveryID int64) (Result, error) {
	return s.deliveryTransition(ctx, "confirm_delivery", "delivery.confirmed",
		func(ctx context.Context, tx storage.Tx) (*storage.Delivery, error) {
			return engine.ConfirmDelivery(ctx, tx, caller, deliveryID)
		})
}

func (s *Service) FinishDelivery(ctx context.Context, caller string, deliveryID int64) (Result, error) {
	return s.deliveryTransition(ctx, "finish_delivery", "delivery.finished",
		func(ctx context.Context, tx storage.Tx) (*storage.Delivery, error) {
			return engine.FinishDelivery(ctx, tx, caller, deliveryID)
		})
}

func (s *Service) AbortDelivery(ctx context.Context, caller string, deliveryID int64) (Result, error) {
	return s.deliveryTransition(ctx, "abort_delivery", "delivery.aborted",
		func(ctx context.Context, tx storage.Tx) (*storage.Delivery, error) {
			return engine.AbortDelivery(ctx, tx, caller, deliveryID)
		})
}

// BulkFinishDelivery is hard-fail: any error means nothing was applied. A
// precondition failure keeps its RejectionError in the chain so the HTTP
// layer can tell a client-caused abort from an internal one.
func (s *Service) BulkFinishDelivery(ctx context.Context, caller string, deliveryIDs []int64) error {
	start := time.Now()
	if s.readOnly {
		s.metrics.observe("bulk_finish_delivery", "rejected", start)
		return engine.Reject(ReasonSuperseded)
	}

	var finished []*storage.Delivery
	err := s.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		finished, err = engine.BulkFinishDelivery(ctx, tx, caller, deliveryIDs)
		return err
	})
	if err != nil {
		if _, ok := engine.RejectionReason(err); ok {
			s.metrics.observe("bulk_finish_delivery", "rejected", start)
		} else {
			s.metrics.observe("bulk_finish_delivery", "error", start)
		}
		return err
	}

	for _, d := range finished {
		s.publishDeliveryEvent(ctx, "delivery.finished", d)
	}
	s.metrics.observe("bulk_finish_delivery", "applied", start)
	return nil
}
