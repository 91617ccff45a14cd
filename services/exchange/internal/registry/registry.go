// Package registry answers the two gating questions the exchange asks before
// touching the book: is this token currently handleable, and may this address
// act as settlement agent. Answers come from the registry tables with a short
// Redis cache in front, since the flags change rarely but are consulted on
// every order.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stexlab/stex/services/exchange/internal/storage"
)

const (
	tokenKeyPrefix = "stex:gate:token:"
	agentKeyPrefix = "stex:gate:agent:"
)

type Registry struct {
	store  storage.Store
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New builds a Registry. client may be nil, in which case every lookup goes
// to the store.
func New(store storage.Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{store: store, client: client, ttl: ttl, logger: logger}
}

// IsHandleable reports whether the token is registered and currently
// tradable. Unknown tokens are not handleable.
func (r *Registry) IsHandleable(ctx context.Context, token string) (bool, error) {
	if ok, hit := r.cached(ctx, tokenKeyPrefix+token); hit {
		return ok, nil
	}

	var tradable bool
	err := r.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		tok, err := tx.Token(ctx, token)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		tradable = tok.Tradable
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("token gate lookup: %w", err)
	}
	r.cache(ctx, tokenKeyPrefix+token, tradable)
	return tradable, nil
}

// IsValidAgent reports whether the address holds an approved agent
// registration. Approval is platform-wide; the token argument is kept for
// rails that scope agents per token.
func (r *Registry) IsValidAgent(ctx context.Context, token, agent string) (bool, error) {
	_ = token
	if ok, hit := r.cached(ctx, agentKeyPrefix+agent); hit {
		return ok, nil
	}

	var approved bool
	err := r.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		a, err := tx.Agent(ctx, agent)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		approved = a.Approved
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("agent gate lookup: %w", err)
	}
	r.cache(ctx, agentKeyPrefix+agent, approved)
	return approved, nil
}

// RegisterToken upserts a token's registry entry and drops its cached gate.
func (r *Registry) RegisterToken(ctx context.Context, tok storage.Token) error {
	err := r.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutToken(ctx, tok)
	})
	if err != nil {
		return fmt.Errorf("register token: %w", err)
	}
	r.invalidate(ctx, tokenKeyPrefix+tok.Address)
	return nil
}

// RegisterAgent upserts an agent's approval and drops its cached gate.
func (r *Registry) RegisterAgent(ctx context.Context, a storage.Agent) error {
	err := r.store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutAgent(ctx, a)
	})
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	r.invalidate(ctx, agentKeyPrefix+a.Address)
	return nil
}

// cached returns (value, true) on a cache hit. Redis being down is treated
// as a miss; the store remains the source of truth.
func (r *Registry) cached(ctx context.Context, key string) (bool, bool) {
	if r.client == nil {
		return false, false
	}
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, false
	}
	if err != nil {
		r.logger.Warn("gate cache read failed", "key", key, "error", err)
		return false, false
	}
	return val == "1", true
}

func (r *Registry) cache(ctx context.Context, key string, value bool) {
	if r.client == nil {
		return
	}
	val := "0"
	if value {
		val = "1"
	}
	if err := r.client.Set(ctx, key, val, r.ttl).Err(); err != nil {
		r.logger.Warn("gate cache write failed", "key", key, "error", err)
	}
}

func (r *Registry) invalidate(ctx context.Context, key string) {
	if r.client == nil {
		return
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.logger.Warn("gate cache invalidate failed", "key", key, "error", err)
	}
}
