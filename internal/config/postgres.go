package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresProvider reads the newest row of the faucet_config table.
type PostgresProvider struct {
	pool *pgxpool.Pool
}

var _ Provider = (*PostgresProvider)(nil)

func NewPostgresProvider(pool *pgxpool.Pool) *PostgresProvider {
	return &PostgresProvider{pool: pool}
}

const latestConfigQuery = `
	SELECT mnemonic, rpc_endpoint, denom, amount::text, prefix,
	       COALESCE(memo, ''), COALESCE(daily_limit, 0), COALESCE(explorer_url_prefix, ''),
	       COALESCE(fee_amount::text, ''), COALESCE(gas_limit, 0)
	FROM faucet_config
	ORDER BY id DESC
	LIMIT 1`

func (p *PostgresProvider) Load(ctx context.Context) (FaucetConfig, error) {
	var (
		cfg      FaucetConfig
		gasLimit int64
	)
	err := p.pool.QueryRow(ctx, latestConfigQuery).Scan(
		&cfg.SigningSecret,
		&cfg.NetworkEndpoint,
		&cfg.Denomination,
		&cfg.TransferAmount,
		&cfg.AddressPrefix,
		&cfg.Memo,
		&cfg.DailyRequestLimit,
		&cfg.ExplorerURLTemplate,
		&cfg.FeeAmount,
		&gasLimit,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return FaucetConfig{}, fmt.Errorf("%w: no faucet config row found", ErrInvalid)
	}
	if err != nil {
		return FaucetConfig{}, fmt.Errorf("failed to fetch faucet config: %w", err)
	}
	if gasLimit > 0 {
		cfg.GasLimit = uint64(gasLimit)
	}
	return cfg.WithDefaults(), nil
}
