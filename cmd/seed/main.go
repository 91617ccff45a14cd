// Seed loads a development database with a demo token universe: two
// registered tokens, an approved settlement agent and funded trader
// balances. Never run against anything but a dev or test database.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	env := getEnv("STEX_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: STEX_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "stex")
	user := getEnv("POSTGRES_USER", "stex")
	password := getEnv("POSTGRES_PASSWORD", "stex")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedTokens(ctx, pool); err != nil {
		log.Fatalf("seed tokens: %v", err)
	}
	fmt.Println("✓ Tokens seeded")

	if err := seedAgents(ctx, pool); err != nil {
		log.Fatalf("seed agents: %v", err)
	}
	fmt.Println("✓ Agents seeded")

	if err := seedBalances(ctx, pool); err != nil {
		log.Fatalf("seed balances: %v", err)
	}
	fmt.Println("✓ Balances seeded")

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo addresses:")
	fmt.Println("  Issuer: 0xissuer0000000000000000000000000000000001")
	fmt.Println("  Trader: 0xtrader0000000000000000000000000000000001")
	fmt.Println("  Agent:  0xagent00000000000000000000000000000000001")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func seedTokens(ctx context.Context, pool *pgxpool.Pool) error {
	tokens := []struct {
		address          string
		tradable         bool
		approvalRequired bool
		issuer           string
	}{
		{"0xbond000000000000000000000000000000000001", true, false, "0xissuer0000000000000000000000000000000001"},
		{"0xshare00000000000000000000000000000000001", true, true, "0xissuer0000000000000000000000000000000001"},
	}

	for _, tok := range tokens {
		_, err := pool.Exec(ctx, `
			INSERT INTO tokens (address, tradable, transfer_approval_required, issuer, created_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (address) DO UPDATE
			SET tradable = EXCLUDED.tradable,
			    transfer_approval_required = EXCLUDED.transfer_approval_required,
			    issuer = EXCLUDED.issuer
		`, tok.address, tok.tradable, tok.approvalRequired, tok.issuer)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedAgents(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO agents (address, approved, created_at)
		VALUES ($1, TRUE, now())
		ON CONFLICT (address) DO UPDATE
		SET approved = TRUE
	`, "0xagent00000000000000000000000000000000001")
	return err
}

func seedBalances(ctx context.Context, pool *pgxpool.Pool) error {
	balances := []struct {
		account string
		token   string
		balance string
	}{
		{"0xissuer0000000000000000000000000000000001", "0xbond000000000000000000000000000000000001", "1000000"},
		{"0xissuer0000000000000000000000000000000001", "0xshare00000000000000000000000000000000001", "500000"},
		{"0xtrader0000000000000000000000000000000001", "0xbond000000000000000000000000000000000001", "10000"},
	}

	for _, b := range balances {
		_, err := pool.Exec(ctx, `
			INSERT INTO balances (account, token, balance, commitment, updated_at)
			VALUES ($1, $2, $3::numeric, 0, now())
			ON CONFLICT (account, token) DO UPDATE
			SET balance = EXCLUDED.balance,
			    commitment = EXCLUDED.commitment,
			    updated_at = now()
		`, b.account, b.token, b.balance)
		if err != nil {
			return err
		}
	}
	return nil
}
