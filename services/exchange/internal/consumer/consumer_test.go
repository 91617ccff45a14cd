package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"github.com/stexlab/stex/libs/kafka"
)

type depositCall struct {
	eventID string
	account string
	token   string
	amount  decimal.Decimal
}

type fakeDepositor struct {
	calls []depositCall
	seen  map[string]bool
	err   error
}

func (f *fakeDepositor) DepositFromTransfer(_ context.Context, eventID, account, token string, amount decimal.Decimal) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.calls = append(f.calls, depositCall{eventID, account, token, amount})
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[eventID] {
		return false, nil
	}
	f.seen[eventID] = true
	return true, nil
}

type fakeDLQ struct {
	topics []string
}

func (f *fakeDLQ) PublishJSON(_ context.Context, topic, _ string, _ any) (int32, int64, error) {
	f.topics = append(f.topics, topic)
	return 0, 0, nil
}

func transferMessage(t *testing.T, eventID, token, from, amount string) *sarama.ConsumerMessage {
	t.Helper()
	event := TokenTransferEvent{
		Envelope: kafka.Envelope{
			EventID:      eventID,
			EventType:    "token.transferred",
			EventVersion: 1,
			Timestamp:    time.Now().UTC(),
		},
		Token:  token,
		From:   from,
		Amount: amount,
	}
	raw, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "token.transfers", Value: raw, Key: []byte(from)}
}

func TestTransferCreditsDeposit(t *testing.T) {
	dep := &fakeDepositor{}
	h := NewTransferHandler(dep, nil, "", nil)

	msg := transferMessage(t, "evt-1", "0xtoken", "0xtrader", "100")
	if err := h.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(dep.calls) != 1 {
		t.Fatalf("deposit calls = %d, want 1", len(dep.calls))
	}
	call := dep.calls[0]
	if call.account != "0xtrader" || call.token != "0xtoken" || !call.amount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("deposit call = %+v", call)
	}
}

func TestReplayedTransferIsNoOp(t *testing.T) {
	dep := &fakeDepositor{}
	h := NewTransferHandler(dep, nil, "", nil)
	msg := transferMessage(t, "evt-1", "0xtoken", "0xtrader", "100")

	for i := 0; i < 2; i++ {
		if err := h.HandleMessage(context.Background(), msg); err != nil {
			t.Fatalf("HandleMessage #%d: %v", i+1, err)
		}
	}
	// The depositor dedupes; the handler just must not error on the replay.
	if len(dep.calls) != 2 {
		t.Fatalf("deposit attempts = %d, want 2", len(dep.calls))
	}
}

func TestMalformedTransferGoesToDLQ(t *testing.T) {
	dep := &fakeDepositor{}
	dlq := &fakeDLQ{}
	h := NewTransferHandler(dep, dlq, "exchange.dlq", nil)

	cases := map[string]*sarama.ConsumerMessage{
		"bad json":        {Topic: "token.transfers", Value: []byte("{not json")},
		"missing fields":  transferMessage(t, "evt-2", "", "0xtrader", "10"),
		"zero amount":     transferMessage(t, "evt-3", "0xtoken", "0xtrader", "0"),
		"fraction amount": transferMessage(t, "evt-4", "0xtoken", "0xtrader", "1.5"),
	}
	for name, msg := range cases {
		if err := h.HandleMessage(context.Background(), msg); err != nil {
			t.Fatalf("%s: HandleMessage returned %v, want nil (dead-lettered)", name, err)
		}
	}
	if len(dep.calls) != 0 {
		t.Fatalf("deposit calls = %d, want 0", len(dep.calls))
	}
	if len(dlq.topics) != len(cases) {
		t.Fatalf("dlq publishes = %d, want %d", len(dlq.topics), len(cases))
	}
}

func TestStoreFailureIsRetried(t *testing.T) {
	dep := &fakeDepositor{err: errors.New("db down")}
	dlq := &fakeDLQ{}
	h := NewTransferHandler(dep, dlq, "exchange.dlq", nil)

	msg := transferMessage(t, "evt-5", "0xtoken", "0xtrader", "10")
	if err := h.HandleMessage(context.Background(), msg); err == nil {
		t.Fatal("expected store failure to propagate for retry")
	}
	if len(dlq.topics) != 0 {
		t.Fatalf("transient failure dead-lettered %d messages", len(dlq.topics))
	}
}
