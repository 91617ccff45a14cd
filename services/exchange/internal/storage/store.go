package storage

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInsufficientCommitment = errors.New("insufficient commitment")
)

// Tx is the unit-of-work view of the exchange ledger. All reads inside a
// mutating transaction are locking reads; ID allocation is gap-free and
// monotonic within the transaction's total order.
type Tx interface {
	Balance(ctx context.Context, account, token string) (Balance, error)
	PutBalance(ctx context.Context, balance Balance) error

	LatestOrderID(ctx context.Context) (int64, error)
	NextOrderID(ctx context.Context) (int64, error)
	Order(ctx context.Context, orderID int64) (*Order, error)
	InsertOrder(ctx context.Context, order Order) error
	UpdateOrder(ctx context.Context, order Order) error

	LatestAgreementID(ctx context.Context, orderID int64) (int64, error)
	NextAgreementID(ctx context.Context, orderID int64) (int64, error)
	Agreement(ctx context.Context, orderID, agreementID int64) (*Agreement, error)
	InsertAgreement(ctx context.Context, agreement Agreement) error
	UpdateAgreement(ctx context.Context, agreement Agreement) error

	LatestDeliveryID(ctx context.Context) (int64, error)
	NextDeliveryID(ctx context.Context) (int64, error)
	Delivery(ctx context.Context, deliveryID int64) (*Delivery, error)
	InsertDelivery(ctx context.Context, delivery Delivery) error
	UpdateDelivery(ctx context.Context, delivery Delivery) error

	LastPrice(ctx context.Context, token string) (decimal.Decimal, error)
	SetLastPrice(ctx context.Context, token string, price decimal.Decimal) error

	Token(ctx context.Context, address string) (*Token, error)
	PutToken(ctx context.Context, token Token) error
	Agent(ctx context.Context, address string) (*Agent, error)
	PutAgent(ctx context.Context, agent Agent) error

	// MarkEventProcessed records an inbound event ID and reports whether it
	// was new. A false return means the event was applied before.
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
}

// Store runs one callback per top-level operation inside a single atomic
// transaction. An error return rolls back every write made through the Tx.
//
// The interface doubles as the migration seam: a successor deployment points
// a new logic layer at the same persisted ledger.
type Store interface {
	Within(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close()
}
