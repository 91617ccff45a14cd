package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the custody record for one account on one token. Balance is
// withdrawable; Commitment is reserved against open sell orders, take-side
// reservations and pending deliveries.
type Balance struct {
	Account    string
	Token      string
	Balance    decimal.Decimal
	Commitment decimal.Decimal
	UpdatedAt  time.Time
}

// Order is a resting order. Amount is the remaining quantity and only ever
// decreases; Canceled is terminal.
type Order struct {
	ID        int64
	Owner     string
	Token     string
	Amount    decimal.Decimal
	Price     decimal.Decimal
	IsBuy     bool
	Agent     string
	Canceled  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Agreement is one take against an order, keyed (OrderID, ID) with IDs scoped
// per order. At most one of Paid/Canceled ever becomes true.
type Agreement struct {
	OrderID      int64
	ID           int64
	Counterparty string
	Amount       decimal.Decimal
	Price        decimal.Decimal
	Canceled     bool
	Paid         bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Delivery is a peer-to-peer DVP record. Valid goes false on cancel, finish
// or abort and never comes back.
type Delivery struct {
	ID        int64
	Token     string
	Seller    string
	Buyer     string
	Amount    decimal.Decimal
	Agent     string
	Data      string
	Confirmed bool
	Valid     bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Token is the registry view the exchange consumes: whether the token is
// currently handleable and the DVP-relevant transfer-approval flag.
type Token struct {
	Address                  string
	Tradable                 bool
	TransferApprovalRequired bool
	Issuer                   string
	CreatedAt                time.Time
}

// Agent is a registered settlement agent.
type Agent struct {
	Address   string
	Approved  bool
	CreatedAt time.Time
}
