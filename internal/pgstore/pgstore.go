// Package pgstore opens the Postgres pool shared by the ledger and the config provider.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open connects, pings and bootstraps the schema. The caller closes the pool.
func Open(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS faucet_config (
		id BIGSERIAL PRIMARY KEY,
		mnemonic TEXT NOT NULL,
		rpc_endpoint TEXT NOT NULL,
		denom TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		prefix TEXT NOT NULL,
		memo TEXT,
		daily_limit INTEGER,
		explorer_url_prefix TEXT,
		fee_amount NUMERIC,
		gas_limit BIGINT,
		created_at TIMESTAMPTZ DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS faucet_attempts (
		id UUID PRIMARY KEY,
		identity TEXT NOT NULL,
		target_address TEXT NOT NULL,
		outcome TEXT NOT NULL,
		succeeded BOOLEAN NOT NULL,
		tx_hash TEXT,
		region TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS faucet_attempts_identity_created_at_idx
		ON faucet_attempts (identity, created_at)`,
}

// Migrate creates the faucet tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}
