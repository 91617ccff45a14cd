package service

import (
	"context"
	"strconv"

	"github.com/stexlab/stex/libs/kafka"
	"github.com/stexlab/stex/services/exchange/internal/storage"
)

// Event payloads published after a committed mutation. Event IDs are derived
// from the record identity, so a redelivered publish dedupes downstream.

type OrderEvent struct {
	kafka.Envelope
	OrderID int64  `json:"order_id"`
	Owner   string `json:"owner"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
	Price   string `json:"price"`
	IsBuy   bool   `json:"is_buy"`
	Agent   string `json:"agent"`
}

type AgreementEvent struct {
	kafka.Envelope
	OrderID      int64  `json:"order_id"`
	AgreementID  int64  `json:"agreement_id"`
	Token        string `json:"token"`
	Counterparty string `json:"counterparty"`
	Seller       string `json:"seller,omitempty"`
	Buyer        string `json:"buyer,omitempty"`
	Amount       string `json:"amount"`
	Price        string `json:"price"`
}

type DeliveryEvent struct {
	kafka.Envelope
	DeliveryID int64  `json:"delivery_id"`
	Token      string `json:"token"`
	Seller     string `json:"seller"`
	Buyer      string `json:"buyer"`
	Amount     string `json:"amount"`
	Agent      string `json:"agent"`
	Data       string `json:"data,omitempty"`
}

type WithdrawalEvent struct {
	kafka.Envelope
	Account string `json:"account"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

func (s *Service) publish(ctx context.Context, topic, key string, payload any) {
	if s.publisher == nil {
		return
	}
	if _, _, err := s.publisher.PublishJSON(ctx, topic, key, payload); err != nil {
		s.logger.Error("event publish failed", "topic", topic, "key", key, "error", err)
		if s.metrics != nil {
			s.metrics.EventPublishFailures.WithLabelValues(topic).Inc()
		}
	}
}

func (s *Service) publishOrderEvent(ctx context.Context, topic, eventType string, o *storage.Order) {
	env, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(eventType, strconv.FormatInt(o.ID, 10)), eventType, 1, "")
	if err != nil {
		s.logger.Error("build event envelope failed", "event_type", eventType, "error", err)
		return
	}
	s.publish(ctx, topic, strconv.FormatInt(o.ID, 10), OrderEvent{
		Envelope: env,
		OrderID:  o.ID,
		Owner:    o.Owner,
		Token:    o.Token,
		Amount:   o.Amount.String(),
		Price:    o.Price.String(),
		IsBuy:    o.IsBuy,
		Agent:    o.Agent,
	})
}

func (s *Service) publishAgreementEvent(ctx context.Context, topic, eventType, token, seller, buyer string, a *storage.Agreement) {
	env, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(eventType, strconv.FormatInt(a.OrderID, 10), strconv.FormatInt(a.ID, 10)),
		eventType, 1, "")
	if err != nil {
		s.logger.Error("build event envelope failed", "event_type", eventType, "error", err)
		return
	}
	s.publish(ctx, topic, strconv.FormatInt(a.OrderID, 10), AgreementEvent{
		Envelope:     env,
		OrderID:      a.OrderID,
		AgreementID:  a.ID,
		Token:        token,
		Counterparty: a.Counterparty,
		Seller:       seller,
		Buyer:        buyer,
		Amount:       a.Amount.String(),
		Price:        a.Price.String(),
	})
}

func (s *Service) publishDeliveryEvent(ctx context.Context, eventType string, d *storage.Delivery) {
	env, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID(eventType, strconv.FormatInt(d.ID, 10)), eventType, 1, "")
	if err != nil {
		s.logger.Error("build event envelope failed", "event_type", eventType, "error", err)
		return
	}
	s.publish(ctx, s.topics.DeliveryEvents, strconv.FormatInt(d.ID, 10), DeliveryEvent{
		Envelope:   env,
		DeliveryID: d.ID,
		Token:      d.Token,
		Seller:     d.Seller,
		Buyer:      d.Buyer,
		Amount:     d.Amount.String(),
		Agent:      d.Agent,
		Data:       d.Data,
	})
}
