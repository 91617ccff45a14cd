package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stexlab/stex/services/exchange/internal/storage"
)

func newTestRegistry(t *testing.T) (*Registry, storage.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := storage.NewMemoryStore()
	return New(store, client, time.Minute, nil), store, mr
}

func TestUnknownTokenNotHandleable(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ok, err := reg.IsHandleable(context.Background(), "0xunknown")
	if err != nil {
		t.Fatalf("IsHandleable: %v", err)
	}
	if ok {
		t.Fatal("unknown token reported handleable")
	}
}

func TestRegisterTokenFlipsGate(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.RegisterToken(ctx, storage.Token{Address: "0xtok", Tradable: true, Issuer: "0xissuer"}); err != nil {
		t.Fatalf("RegisterToken: %v", err)
	}
	ok, err := reg.IsHandleable(ctx, "0xtok")
	if err != nil || !ok {
		t.Fatalf("IsHandleable = %v, %v; want true", ok, err)
	}

	// Suspending the token must take effect despite the cached positive.
	if err := reg.RegisterToken(ctx, storage.Token{Address: "0xtok", Tradable: false, Issuer: "0xissuer"}); err != nil {
		t.Fatalf("RegisterToken: %v", err)
	}
	ok, err = reg.IsHandleable(ctx, "0xtok")
	if err != nil || ok {
		t.Fatalf("IsHandleable after suspend = %v, %v; want false", ok, err)
	}
}

func TestAgentGate(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	ok, err := reg.IsValidAgent(ctx, "0xtok", "0xagent")
	if err != nil || ok {
		t.Fatalf("unregistered agent valid = %v, %v", ok, err)
	}
	if err := reg.RegisterAgent(ctx, storage.Agent{Address: "0xagent", Approved: true}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	ok, err = reg.IsValidAgent(ctx, "0xtok", "0xagent")
	if err != nil || !ok {
		t.Fatalf("approved agent valid = %v, %v; want true", ok, err)
	}
}

func TestGateServedFromCache(t *testing.T) {
	reg, store, mr := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.RegisterToken(ctx, storage.Token{Address: "0xtok", Tradable: true}); err != nil {
		t.Fatalf("RegisterToken: %v", err)
	}
	if _, err := reg.IsHandleable(ctx, "0xtok"); err != nil {
		t.Fatalf("IsHandleable: %v", err)
	}

	// Flip the flag behind the cache's back; the stale positive should
	// survive until the TTL runs out.
	err := store.Within(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.PutToken(ctx, storage.Token{Address: "0xtok", Tradable: false})
	})
	if err != nil {
		t.Fatalf("direct store write: %v", err)
	}
	ok, err := reg.IsHandleable(ctx, "0xtok")
	if err != nil || !ok {
		t.Fatalf("cached gate = %v, %v; want stale true", ok, err)
	}

	mr.FastForward(2 * time.Minute)
	ok, err = reg.IsHandleable(ctx, "0xtok")
	if err != nil || ok {
		t.Fatalf("gate after expiry = %v, %v; want false", ok, err)
	}
}

func TestNilClientFallsThroughToStore(t *testing.T) {
	store := storage.NewMemoryStore()
	reg := New(store, nil, time.Minute, nil)
	ctx := context.Background()

	if err := reg.RegisterToken(ctx, storage.Token{Address: "0xtok", Tradable: true}); err != nil {
		t.Fatalf("RegisterToken: %v", err)
	}
	ok, err := reg.IsHandleable(ctx, "0xtok")
	if err != nil || !ok {
		t.Fatalf("IsHandleable without cache = %v, %v; want true", ok, err)
	}
}
