package storage

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type balanceKey struct {
	account string
	token   string
}

type agreementKey struct {
	orderID     int64
	agreementID int64
}

type memoryState struct {
	balances   map[balanceKey]Balance
	orders     map[int64]Order
	agreements map[agreementKey]Agreement
	deliveries map[int64]Delivery
	lastPrices map[string]decimal.Decimal
	tokens     map[string]Token
	agents     map[string]Agent
	processed  map[string]struct{}

	maxOrderID    int64
	maxDeliveryID int64
	maxAgreement  map[int64]int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		balances:     make(map[balanceKey]Balance),
		orders:       make(map[int64]Order),
		agreements:   make(map[agreementKey]Agreement),
		deliveries:   make(map[int64]Delivery),
		lastPrices:   make(map[string]decimal.Decimal),
		tokens:       make(map[string]Token),
		agents:       make(map[string]Agent),
		processed:    make(map[string]struct{}),
		maxAgreement: make(map[int64]int64),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.agreements {
		c.agreements[k] = v
	}
	for k, v := range s.deliveries {
		c.deliveries[k] = v
	}
	for k, v := range s.lastPrices {
		c.lastPrices[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.agents {
		c.agents[k] = v
	}
	for k := range s.processed {
		c.processed[k] = struct{}{}
	}
	for k, v := range s.maxAgreement {
		c.maxAgreement[k] = v
	}
	c.maxOrderID = s.maxOrderID
	c.maxDeliveryID = s.maxDeliveryID
	return c
}

// MemoryStore is a fully in-process Store. A transaction works on a deep copy
// of the state and swaps it in on commit, so a failed callback leaves nothing
// behind. Used by unit tests and the local dev mode.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Within(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(ctx, &memTx{state: working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

type memTx struct {
	state *memoryState
}

func (t *memTx) Balance(_ context.Context, account, token string) (Balance, error) {
	if b, ok := t.state.balances[balanceKey{account, token}]; ok {
		return b, nil
	}
	return Balance{Account: account, Token: token, Balance: decimal.Zero, Commitment: decimal.Zero}, nil
}

func (t *memTx) PutBalance(_ context.Context, b Balance) error {
	b.UpdatedAt = time.Now().UTC()
	t.state.balances[balanceKey{b.Account, b.Token}] = b
	return nil
}

func (t *memTx) LatestOrderID(_ context.Context) (int64, error) {
	return t.state.maxOrderID, nil
}

func (t *memTx) NextOrderID(_ context.Context) (int64, error) {
	return t.state.maxOrderID + 1, nil
}

func (t *memTx) Order(_ context.Context, orderID int64) (*Order, error) {
	o, ok := t.state.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (t *memTx) InsertOrder(_ context.Context, o Order) error {
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	t.state.orders[o.ID] = o
	if o.ID > t.state.maxOrderID {
		t.state.maxOrderID = o.ID
	}
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, o Order) error {
	existing, ok := t.state.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Amount = o.Amount
	existing.Canceled = o.Canceled
	existing.UpdatedAt = time.Now().UTC()
	t.state.orders[o.ID] = existing
	return nil
}

func (t *memTx) LatestAgreementID(_ context.Context, orderID int64) (int64, error) {
	return t.state.maxAgreement[orderID], nil
}

func (t *memTx) NextAgreementID(_ context.Context, orderID int64) (int64, error) {
	return t.state.maxAgreement[orderID] + 1, nil
}

func (t *memTx) Agreement(_ context.Context, orderID, agreementID int64) (*Agreement, error) {
	a, ok := t.state.agreements[agreementKey{orderID, agreementID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (t *memTx) InsertAgreement(_ context.Context, a Agreement) error {
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	t.state.agreements[agreementKey{a.OrderID, a.ID}] = a
	if a.ID > t.state.maxAgreement[a.OrderID] {
		t.state.maxAgreement[a.OrderID] = a.ID
	}
	return nil
}

func (t *memTx) UpdateAgreement(_ context.Context, a Agreement) error {
	key := agreementKey{a.OrderID, a.ID}
	existing, ok := t.state.agreements[key]
	if !ok {
		return ErrNotFound
	}
	existing.Canceled = a.Canceled
	existing.Paid = a.Paid
	existing.UpdatedAt = time.Now().UTC()
	t.state.agreements[key] = existing
	return nil
}

func (t *memTx) LatestDeliveryID(_ context.Context) (int64, error) {
	return t.state.maxDeliveryID, nil
}

func (t *memTx) NextDeliveryID(_ context.Context) (int64, error) {
	return t.state.maxDeliveryID + 1, nil
}

func (t *memTx) Delivery(_ context.Context, deliveryID int64) (*Delivery, error) {
	d, ok := t.state.deliveries[deliveryID]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (t *memTx) InsertDelivery(_ context.Context, d Delivery) error {
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	t.state.deliveries[d.ID] = d
	if d.ID > t.state.maxDeliveryID {
		t.state.maxDeliveryID = d.ID
	}
	return nil
}

func (t *memTx) UpdateDelivery(_ context.Context, d Delivery) error {
	existing, ok := t.state.deliveries[d.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Confirmed = d.Confirmed
	existing.Valid = d.Valid
	existing.UpdatedAt = time.Now().UTC()
	t.state.deliveries[d.ID] = existing
	return nil
}

func (t *memTx) LastPrice(_ context.Context, token string) (decimal.Decimal, error) {
	if p, ok := t.state.lastPrices[token]; ok {
		return p, nil
	}
	return decimal.Zero, nil
}

func (t *memTx) SetLastPrice(_ context.Context, token string, price decimal.Decimal) error {
	t.state.lastPrices[token] = price
	return nil
}

func (t *memTx) Token(_ context.Context, address string) (*Token, error) {
	tok, ok := t.state.tokens[address]
	if !ok {
		return nil, ErrNotFound
	}
	return &tok, nil
}

func (t *memTx) PutToken(_ context.Context, tok Token) error {
	if existing, ok := t.state.tokens[tok.Address]; ok {
		tok.CreatedAt = existing.CreatedAt
	} else {
		tok.CreatedAt = time.Now().UTC()
	}
	t.state.tokens[tok.Address] = tok
	return nil
}

func (t *memTx) Agent(_ context.Context, address string) (*Agent, error) {
	a, ok := t.state.agents[address]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (t *memTx) PutAgent(_ context.Context, a Agent) error {
	if existing, ok := t.state.agents[a.Address]; ok {
		a.CreatedAt = existing.CreatedAt
	} else {
		a.CreatedAt = time.Now().UTC()
	}
	t.state.agents[a.Address] = a
	return nil
}

func (t *memTx) MarkEventProcessed(_ context.Context, eventID string) (bool, error) {
	if _, ok := t.state.processed[eventID]; ok {
		return false, nil
	}
	t.state.processed[eventID] = struct{}{}
	return true, nil
}
