package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres writes to faucet_attempts; created_at is assigned by the database.
// The schema is created by pgstore.Migrate.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Ledger = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Record(ctx context.Context, a Attempt) error {
	id := uuid.New()
	if a.ID != "" {
		parsed, err := uuid.Parse(a.ID)
		if err != nil {
			return fmt.Errorf("attempt id: %w", err)
		}
		id = parsed
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO faucet_attempts (id, identity, target_address, outcome, succeeded, tx_hash, region)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		 ON CONFLICT (id) DO NOTHING`,
		id, a.Identity, a.TargetAddress, string(a.Outcome), a.Succeeded, a.TxHash, a.Region,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (p *Postgres) CountSince(ctx context.Context, identity string, since time.Time) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM faucet_attempts WHERE identity = $1 AND created_at >= $2`,
		identity, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}
