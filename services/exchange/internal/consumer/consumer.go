// Package consumer ingests the token.transfers feed: the push-style deposit
// callback fired when tokens land on the exchange's chain address.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"github.com/stexlab/stex/libs/kafka"
)

// TokenTransferEvent is a confirmed inbound transfer to the exchange.
type TokenTransferEvent struct {
	kafka.Envelope
	Token  string `json:"token"`
	From   string `json:"from"`
	Amount string `json:"amount"`
}

type Depositor interface {
	DepositFromTransfer(ctx context.Context, eventID, account, token string, amount decimal.Decimal) (bool, error)
}

type DLQPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
}

// TransferHandler turns transfer events into ledger deposits. Malformed
// messages go to the DLQ and are marked consumed; store failures are
// returned so the message is retried.
type TransferHandler struct {
	depositor Depositor
	dlq       DLQPublisher
	dlqTopic  string
	logger    *slog.Logger
}

func NewTransferHandler(depositor Depositor, dlq DLQPublisher, dlqTopic string, logger *slog.Logger) *TransferHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransferHandler{depositor: depositor, dlq: dlq, dlqTopic: dlqTopic, logger: logger}
}

func (h *TransferHandler) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event TokenTransferEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.deadLetter(ctx, msg, kafka.DLQ(err, "malformed transfer event"))
		return nil
	}
	if err := event.Validate(); err != nil {
		h.deadLetter(ctx, msg, kafka.DLQ(err, "invalid transfer envelope"))
		return nil
	}
	if event.Token == "" || event.From == "" {
		h.deadLetter(ctx, msg, kafka.DLQ(fmt.Errorf("token and from are required"), "invalid transfer event"))
		return nil
	}
	amount, err := decimal.NewFromString(event.Amount)
	if err != nil || !amount.IsPositive() || !amount.IsInteger() {
		h.deadLetter(ctx, msg, kafka.DLQ(fmt.Errorf("amount %q is not a positive integer", event.Amount), "invalid transfer amount"))
		return nil
	}

	fresh, err := h.depositor.DepositFromTransfer(ctx, event.EventID, event.From, event.Token, amount)
	if err != nil {
		return fmt.Errorf("deposit transfer %s: %w", event.EventID, err)
	}
	if !fresh {
		h.logger.Debug("transfer event already applied", "event_id", event.EventID)
		return nil
	}
	h.logger.Info("deposit credited",
		"event_id", event.EventID, "account", event.From, "token", event.Token, "amount", amount.String())
	return nil
}

func (h *TransferHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, err error) {
	dlqErr, ok := err.(*kafka.DLQError)
	if !ok {
		dlqErr = &kafka.DLQError{Err: err}
	}
	h.logger.Error("transfer event dead-lettered",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", dlqErr)
	if h.dlq == nil || h.dlqTopic == "" {
		return
	}
	payload := kafka.BuildDLQPayload(msg, dlqErr, 1)
	if _, _, pubErr := h.dlq.PublishJSON(ctx, h.dlqTopic, string(msg.Key), payload); pubErr != nil {
		h.logger.Error("dlq publish failed", "topic", h.dlqTopic, "error", pubErr)
	}
}
