package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stexlab/stex/libs/kafka"
	"github.com/stexlab/stex/services/exchange/internal/config"
	"github.com/stexlab/stex/services/exchange/internal/engine"
	"github.com/stexlab/stex/services/exchange/internal/storage"
)

const (
	testToken  = "0xtoken"
	testIssuer = "0xissuer"
	testTrader = "0xtrader"
	testAgent  = "0xagent"
)

type fakeGates struct {
	handleable map[string]bool
	agents     map[string]bool
}

func (g *fakeGates) IsHandleable(_ context.Context, token string) (bool, error) {
	return g.handleable[token], nil
}

func (g *fakeGates) IsValidAgent(_ context.Context, _ string, agent string) (bool, error) {
	return g.agents[agent], nil
}

type published struct {
	topic string
	key   string
	value any
}

type fakePublisher struct {
	messages []published
}

func (p *fakePublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	p.messages = append(p.messages, published{topic: topic, key: key, value: value})
	return 0, int64(len(p.messages)), nil
}

type fakeGateway struct {
	err   error
	calls int
}

func (g *fakeGateway) Transfer(_ context.Context, _, _ string, _ decimal.Decimal) error {
	g.calls++
	return g.err
}

func testTopics() config.TopicsConfig {
	return config.TopicsConfig{
		OrdersCreated:        "orders.created",
		OrdersCancelled:      "orders.cancelled",
		AgreementsCreated:    "agreements.created",
		SettlementsConfirmed: "settlements.confirmed",
		SettlementsCancelled: "settlements.cancelled",
		DeliveryEvents:       "deliveries.events",
		WithdrawalsRequested: "withdrawals.requested",
	}
}

func newTestService(t *testing.T) (*Service, storage.Store, *fakePublisher, *fakeGateway) {
	t.Helper()
	store := storage.NewMemoryStore()
	pub := &fakePublisher{}
	gw := &fakeGateway{}
	svc := New(Options{
		Store: store,
		Gates: &fakeGates{
			handleable: map[string]bool{testToken: true},
			agents:     map[string]bool{testAgent: true},
		},
		Publisher: pub,
		Gateway:   gw,
		Topics:    testTopics(),
	})
	return svc, store, pub, gw
}

func fund(t *testing.T, store storage.Store, account string, amount int64) {
	t.Helper()
	err := store.Within(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return engine.Deposit(ctx, tx, account, testToken, decimal.NewFromInt(amount))
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func TestCreateOrderAppliedAndPublished(t *testing.T) {
	svc, store, pub, _ := newTestService(t)
	fund(t, store, testIssuer, 100)

	res, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		Owner: testIssuer, Token: testToken,
		Amount: decimal.NewFromInt(100), Price: decimal.NewFromInt(123),
		IsBuy: false, Agent: testAgent,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if !res.Applied || res.OrderID != 1 {
		t.Fatalf("result = %+v, want applied order 1", res)
	}
	if len(pub.messages) != 1 || pub.messages[0].topic != "orders.created" {
		t.Fatalf("published = %+v, want one orders.created", pub.messages)
	}
}

func TestCreateOrderGateRejections(t *testing.T) {
	svc, store, pub, _ := newTestService(t)
	fund(t, store, testIssuer, 100)

	res, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		Owner: testIssuer, Token: "0xother",
		Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(1),
		IsBuy: false, Agent: testAgent,
	})
	if err != nil || res.Applied || res.Reason != engine.ReasonTokenNotTradable {
		t.Fatalf("unhandleable token: res=%+v err=%v", res, err)
	}

	res, err = svc.CreateOrder(context.Background(), CreateOrderInput{
		Owner: testIssuer, Token: testToken,
		Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(1),
		IsBuy: false, Agent: "0xnobody",
	})
	if err != nil || res.Applied || res.Reason != engine.ReasonInvalidAgent {
		t.Fatalf("unapproved agent: res=%+v err=%v", res, err)
	}
	if len(pub.messages) != 0 {
		t.Fatalf("rejected calls published %d events", len(pub.messages))
	}
}

func TestRejectedMutationPublishesNothing(t *testing.T) {
	svc, store, pub, _ := newTestService(t)
	fund(t, store, testIssuer, 100)
	if _, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		Owner: testIssuer, Token: testToken,
		Amount: decimal.NewFromInt(100), Price: decimal.NewFromInt(1),
		IsBuy: false, Agent: testAgent,
	}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	pub.messages = nil

	res, err := svc.CancelOrder(context.Background(), testTrader, 1)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if res.Applied || res.Reason != engine.ReasonNotOrderOwner {
		t.Fatalf("result = %+v", res)
	}
	if len(pub.messages) != 0 {
		t.Fatalf("rejection published %d events", len(pub.messages))
	}
}

func TestFullTradePublishesSettlement(t *testing.T) {
	svc, store, pub, _ := newTestService(t)
	fund(t, store, testIssuer, 100)
	ctx := context.Background()

	if _, err := svc.CreateOrder(ctx, CreateOrderInput{
		Owner: testIssuer, Token: testToken,
		Amount: decimal.NewFromInt(100), Price: decimal.NewFromInt(123),
		IsBuy: false, Agent: testAgent,
	}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	execRes, err := svc.ExecuteOrder(ctx, testTrader, 1, decimal.NewFromInt(50), true)
	if err != nil || !execRes.Applied {
		t.Fatalf("ExecuteOrder: res=%+v err=%v", execRes, err)
	}
	confRes, err := svc.ConfirmAgreement(ctx, testAgent, execRes.OrderID, execRes.AgreementID)
	if err != nil || !confRes.Applied {
		t.Fatalf("ConfirmAgreement: res=%+v err=%v", confRes, err)
	}

	topics := make([]string, 0, len(pub.messages))
	for _, m := range pub.messages {
		topics = append(topics, m.topic)
	}
	want := []string{"orders.created", "agreements.created", "settlements.confirmed"}
	if len(topics) != len(want) {
		t.Fatalf("topics = %v, want %v", topics, want)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("topics = %v, want %v", topics, want)
		}
	}

	price, err := svc.LastPrice(ctx, testToken)
	if err != nil || !price.Equal(decimal.NewFromInt(123)) {
		t.Fatalf("last price = %s, %v", price, err)
	}
}

func TestExecuteOrderBlockedWhenTokenSuspended(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	fund(t, store, testIssuer, 100)
	ctx := context.Background()

	if _, err := svc.CreateOrder(ctx, CreateOrderInput{
		Owner: testIssuer, Token: testToken,
		Amount: decimal.NewFromInt(100), Price: decimal.NewFromInt(1),
		IsBuy: false, Agent: testAgent,
	}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	svc.gates.(*fakeGates).handleable[testToken] = false
	res, err := svc.ExecuteOrder(ctx, testTrader, 1, decimal.NewFromInt(10), true)
	if err != nil {
		t.Fatalf("ExecuteOrder: %v", err)
	}
	if res.Applied || res.Reason != engine.ReasonTokenNotTradable {
		t.Fatalf("result = %+v", res)
	}

	order, err := svc.GetOrder(ctx, 1)
	if err != nil || !order.Amount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("order amount = %s, %v; gate rejection must not mutate", order.Amount, err)
	}
}

func TestWithdrawGatewayFailureRollsBack(t *testing.T) {
	svc, store, pub, gw := newTestService(t)
	fund(t, store, testTrader, 70)
	gw.err = errors.New("chain transfer reverted")

	_, err := svc.Withdraw(context.Background(), testTrader, testToken)
	if err == nil {
		t.Fatal("expected gateway failure to surface")
	}
	if gw.calls != 1 {
		t.Fatalf("gateway calls = %d, want 1", gw.calls)
	}

	b, berr := svc.GetBalance(context.Background(), testTrader, testToken)
	if berr != nil || !b.Balance.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("balance after failed withdraw = %s, %v; want 70", b.Balance, berr)
	}
	if len(pub.messages) != 0 {
		t.Fatalf("failed withdraw published %d events", len(pub.messages))
	}
}

func TestWithdrawAppliedPublishesEvent(t *testing.T) {
	svc, store, pub, _ := newTestService(t)
	fund(t, store, testTrader, 70)

	res, err := svc.Withdraw(context.Background(), testTrader, testToken)
	if err != nil || !res.Applied || !res.Amount.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("Withdraw: res=%+v err=%v", res, err)
	}
	if len(pub.messages) != 1 || pub.messages[0].topic != "withdrawals.requested" {
		t.Fatalf("published = %+v", pub.messages)
	}
}

// The withdrawal event ID comes from the ledger's post-withdraw state, so a
// republished event carries the same ID and dedupes downstream.
func TestWithdrawEventIDDerivedFromLedgerState(t *testing.T) {
	svc, store, pub, _ := newTestService(t)
	fund(t, store, testTrader, 70)

	if _, err := svc.Withdraw(context.Background(), testTrader, testToken); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if len(pub.messages) != 1 {
		t.Fatalf("published = %+v, want one event", pub.messages)
	}
	evt, ok := pub.messages[0].value.(WithdrawalEvent)
	if !ok {
		t.Fatalf("published %T, want WithdrawalEvent", pub.messages[0].value)
	}

	var updatedAt time.Time
	err := store.Within(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		b, err := tx.Balance(ctx, testTrader, testToken)
		updatedAt = b.UpdatedAt
		return err
	})
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	want := kafka.DeterministicEventID("withdrawal.requested", testTrader, testToken,
		updatedAt.UTC().Format(time.RFC3339Nano))
	if evt.EventID != want {
		t.Fatalf("event id = %s, want %s", evt.EventID, want)
	}
}

func TestReadOnlyModeRejectsMutationsServesReads(t *testing.T) {
	store := storage.NewMemoryStore()
	live := New(Options{
		Store: store,
		Gates: &fakeGates{handleable: map[string]bool{testToken: true}, agents: map[string]bool{testAgent: true}},
	})
	fund(t, store, testIssuer, 100)
	ctx := context.Background()
	if _, err := live.CreateOrder(ctx, CreateOrderInput{
		Owner: testIssuer, Token: testToken,
		Amount: decimal.NewFromInt(100), Price: decimal.NewFromInt(5),
		IsBuy: false, Agent: testAgent,
	}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	superseded := New(Options{
		Store:    store,
		Gates:    &fakeGates{handleable: map[string]bool{testToken: true}, agents: map[string]bool{testAgent: true}},
		ReadOnly: true,
	})

	res, err := superseded.CreateOrder(ctx, CreateOrderInput{
		Owner: testIssuer, Token: testToken,
		Amount: decimal.NewFromInt(1), Price: decimal.NewFromInt(1),
		IsBuy: true, Agent: testAgent,
	})
	if err != nil || res.Applied || res.Reason != ReasonSuperseded {
		t.Fatalf("read-only create: res=%+v err=%v", res, err)
	}
	cancel, err := superseded.CancelOrder(ctx, testIssuer, 1)
	if err != nil || cancel.Applied || cancel.Reason != ReasonSuperseded {
		t.Fatalf("read-only cancel: res=%+v err=%v", cancel, err)
	}

	order, err := superseded.GetOrder(ctx, 1)
	if err != nil || order == nil || !order.Amount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("read-only GetOrder = %+v, %v", order, err)
	}
}

func TestDepositFromTransferIdempotent(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	fresh, err := svc.DepositFromTransfer(ctx, "evt-1", testTrader, testToken, decimal.NewFromInt(25))
	if err != nil || !fresh {
		t.Fatalf("first deposit: fresh=%v err=%v", fresh, err)
	}
	fresh, err = svc.DepositFromTransfer(ctx, "evt-1", testTrader, testToken, decimal.NewFromInt(25))
	if err != nil || fresh {
		t.Fatalf("replayed deposit: fresh=%v err=%v", fresh, err)
	}

	b, err := svc.GetBalance(ctx, testTrader, testToken)
	if err != nil || !b.Balance.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("balance = %s, %v; want 25", b.Balance, err)
	}
}

func TestBulkFinishRejectionIsHardError(t *testing.T) {
	svc, store, pub, _ := newTestService(t)
	fund(t, store, testIssuer, 100)
	ctx := context.Background()

	res, err := svc.CreateDelivery(ctx, CreateDeliveryInput{
		Seller: testIssuer, Token: testToken, Buyer: testTrader,
		Amount: decimal.NewFromInt(40), Agent: testAgent,
	})
	if err != nil || !res.Applied {
		t.Fatalf("CreateDelivery: res=%+v err=%v", res, err)
	}
	pub.messages = nil

	// Unconfirmed delivery: the batch must fail as a whole.
	err = svc.BulkFinishDelivery(ctx, testAgent, []int64{res.DeliveryID})
	if err == nil {
		t.Fatal("expected bulk finish to fail")
	}
	if _, ok := engine.RejectionReason(err); !ok {
		t.Fatalf("expected precondition failure in chain, got %v", err)
	}
	if len(pub.messages) != 0 {
		t.Fatalf("failed batch published %d events", len(pub.messages))
	}
}
