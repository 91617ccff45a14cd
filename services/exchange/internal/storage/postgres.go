package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Advisory lock namespaces for gap-free ID allocation. Held for the duration
// of the allocating transaction so MAX(id)+1 cannot race.
const (
	orderIDLockKey    = int64(7414001)
	deliveryIDLockKey = int64(7414002)
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Within(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func scanDecimal(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", raw, err)
	}
	return d, nil
}

func (t *pgTx) Balance(ctx context.Context, account, token string) (Balance, error) {
	var (
		balRaw, comRaw string
		updatedAt      time.Time
	)
	err := t.tx.QueryRow(ctx, `
		SELECT balance::text, commitment::text, updated_at
		FROM balances
		WHERE account = $1 AND token = $2
		FOR UPDATE`, account, token).Scan(&balRaw, &comRaw, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{Account: account, Token: token, Balance: decimal.Zero, Commitment: decimal.Zero}, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("select balance: %w", err)
	}

	bal, err := scanDecimal(balRaw)
	if err != nil {
		return Balance{}, err
	}
	com, err := scanDecimal(comRaw)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Account: account, Token: token, Balance: bal, Commitment: com, UpdatedAt: updatedAt}, nil
}

func (t *pgTx) PutBalance(ctx context.Context, b Balance) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO balances (account, token, balance, commitment, updated_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, now())
		ON CONFLICT (account, token) DO UPDATE
		SET balance = EXCLUDED.balance,
		    commitment = EXCLUDED.commitment,
		    updated_at = now()`,
		b.Account, b.Token, b.Balance.String(), b.Commitment.String())
	if err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}
	return nil
}

func (t *pgTx) LatestOrderID(ctx context.Context) (int64, error) {
	var id int64
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM orders`).Scan(&id); err != nil {
		return 0, fmt.Errorf("select latest order id: %w", err)
	}
	return id, nil
}

func (t *pgTx) NextOrderID(ctx context.Context) (int64, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, orderIDLockKey); err != nil {
		return 0, fmt.Errorf("acquire order id lock: %w", err)
	}
	var id int64
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM orders`).Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate order id: %w", err)
	}
	return id, nil
}

func (t *pgTx) Order(ctx context.Context, orderID int64) (*Order, error) {
	var (
		o              Order
		amtRaw, prcRaw string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, owner, token, amount::text, price::text, is_buy, agent, canceled, created_at, updated_at
		FROM orders
		WHERE id = $1
		FOR UPDATE`, orderID).Scan(
		&o.ID, &o.Owner, &o.Token, &amtRaw, &prcRaw, &o.IsBuy, &o.Agent, &o.Canceled, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select order: %w", err)
	}
	if o.Amount, err = scanDecimal(amtRaw); err != nil {
		return nil, err
	}
	if o.Price, err = scanDecimal(prcRaw); err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (id, owner, token, amount, price, is_buy, agent, canceled, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, now(), now())`,
		o.ID, o.Owner, o.Token, o.Amount.String(), o.Price.String(), o.IsBuy, o.Agent, o.Canceled)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o Order) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders
		SET amount = $2::numeric, canceled = $3, updated_at = now()
		WHERE id = $1`,
		o.ID, o.Amount.String(), o.Canceled)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) LatestAgreementID(ctx context.Context, orderID int64) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM agreements WHERE order_id = $1`, orderID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("select latest agreement id: %w", err)
	}
	return id, nil
}

// NextAgreementID relies on the caller holding the parent order's row lock,
// which serializes allocation per order.
func (t *pgTx) NextAgreementID(ctx context.Context, orderID int64) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(id), 0) + 1 FROM agreements WHERE order_id = $1`, orderID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("allocate agreement id: %w", err)
	}
	return id, nil
}

func (t *pgTx) Agreement(ctx context.Context, orderID, agreementID int64) (*Agreement, error) {
	var (
		a              Agreement
		amtRaw, prcRaw string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT order_id, id, counterparty, amount::text, price::text, canceled, paid, created_at, updated_at
		FROM agreements
		WHERE order_id = $1 AND id = $2
		FOR UPDATE`, orderID, agreementID).Scan(
		&a.OrderID, &a.ID, &a.Counterparty, &amtRaw, &prcRaw, &a.Canceled, &a.Paid, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select agreement: %w", err)
	}
	if a.Amount, err = scanDecimal(amtRaw); err != nil {
		return nil, err
	}
	if a.Price, err = scanDecimal(prcRaw); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) InsertAgreement(ctx context.Context, a Agreement) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO agreements (order_id, id, counterparty, amount, price, canceled, paid, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, now(), now())`,
		a.OrderID, a.ID, a.Counterparty, a.Amount.String(), a.Price.String(), a.Canceled, a.Paid)
	if err != nil {
		return fmt.Errorf("insert agreement: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateAgreement(ctx context.Context, a Agreement) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE agreements
		SET canceled = $3, paid = $4, updated_at = now()
		WHERE order_id = $1 AND id = $2`,
		a.OrderID, a.ID, a.Canceled, a.Paid)
	if err != nil {
		return fmt.Errorf("update agreement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) LatestDeliveryID(ctx context.Context) (int64, error) {
	var id int64
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM deliveries`).Scan(&id); err != nil {
		return 0, fmt.Errorf("select latest delivery id: %w", err)
	}
	return id, nil
}

func (t *pgTx) NextDeliveryID(ctx context.Context) (int64, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, deliveryIDLockKey); err != nil {
		return 0, fmt.Errorf("acquire delivery id lock: %w", err)
	}
	var id int64
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM deliveries`).Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate delivery id: %w", err)
	}
	return id, nil
}

func (t *pgTx) Delivery(ctx context.Context, deliveryID int64) (*Delivery, error) {
	var (
		d      Delivery
		amtRaw string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, token, seller, buyer, amount::text, agent, data, confirmed, valid, created_at, updated_at
		FROM deliveries
		WHERE id = $1
		FOR UPDATE`, deliveryID).Scan(
		&d.ID, &d.Token, &d.Seller, &d.Buyer, &amtRaw, &d.Agent, &d.Data, &d.Confirmed, &d.Valid, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select delivery: %w", err)
	}
	if d.Amount, err = scanDecimal(amtRaw); err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *pgTx) InsertDelivery(ctx context.Context, d Delivery) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO deliveries (id, token, seller, buyer, amount, agent, data, confirmed, valid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, now(), now())`,
		d.ID, d.Token, d.Seller, d.Buyer, d.Amount.String(), d.Agent, d.Data, d.Confirmed, d.Valid)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateDelivery(ctx context.Context, d Delivery) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE deliveries
		SET confirmed = $2, valid = $3, updated_at = now()
		WHERE id = $1`,
		d.ID, d.Confirmed, d.Valid)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) LastPrice(ctx context.Context, token string) (decimal.Decimal, error) {
	var raw string
	err := t.tx.QueryRow(ctx, `
		SELECT price::text FROM last_prices WHERE token = $1`, token).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("select last price: %w", err)
	}
	return scanDecimal(raw)
}

func (t *pgTx) SetLastPrice(ctx context.Context, token string, price decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO last_prices (token, price, updated_at)
		VALUES ($1, $2::numeric, now())
		ON CONFLICT (token) DO UPDATE
		SET price = EXCLUDED.price, updated_at = now()`,
		token, price.String())
	if err != nil {
		return fmt.Errorf("upsert last price: %w", err)
	}
	return nil
}

func (t *pgTx) Token(ctx context.Context, address string) (*Token, error) {
	var tok Token
	err := t.tx.QueryRow(ctx, `
		SELECT address, tradable, transfer_approval_required, issuer, created_at
		FROM tokens
		WHERE address = $1`, address).Scan(
		&tok.Address, &tok.Tradable, &tok.TransferApprovalRequired, &tok.Issuer, &tok.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select token: %w", err)
	}
	return &tok, nil
}

func (t *pgTx) PutToken(ctx context.Context, tok Token) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO tokens (address, tradable, transfer_approval_required, issuer, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (address) DO UPDATE
		SET tradable = EXCLUDED.tradable,
		    transfer_approval_required = EXCLUDED.transfer_approval_required,
		    issuer = EXCLUDED.issuer`,
		tok.Address, tok.Tradable, tok.TransferApprovalRequired, tok.Issuer)
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

func (t *pgTx) Agent(ctx context.Context, address string) (*Agent, error) {
	var a Agent
	err := t.tx.QueryRow(ctx, `
		SELECT address, approved, created_at FROM agents WHERE address = $1`, address).Scan(
		&a.Address, &a.Approved, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select agent: %w", err)
	}
	return &a, nil
}

func (t *pgTx) PutAgent(ctx context.Context, a Agent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO agents (address, approved, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (address) DO UPDATE
		SET approved = EXCLUDED.approved`,
		a.Address, a.Approved)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (t *pgTx) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO processed_events (event_id, processed_at)
		VALUES ($1, now())
		ON CONFLICT (event_id) DO NOTHING`, eventID)
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
