// Package ledger stores faucet attempts and answers the rate-limit count query.
package ledger

import (
	"context"
	"time"
)

// Outcome is how a request ended.
type Outcome string

const (
	OutcomeSent                 Outcome = "sent"
	OutcomeFailed               Outcome = "failed"
	OutcomeRateLimited          Outcome = "rate_limited"
	OutcomeInvalidAddress       Outcome = "invalid_address"
	OutcomeIdentityUndetermined Outcome = "identity_undetermined"
	OutcomeConfigError          Outcome = "config_error"
	OutcomeLedgerUnavailable    Outcome = "ledger_unavailable"
)

// Attempt is one inbound request. Timestamp is assigned by the ledger on Record.
type Attempt struct {
	ID            string
	Identity      string
	TargetAddress string
	Outcome       Outcome
	Succeeded     bool
	TxHash        string // only when Succeeded
	Region        string
	Timestamp     time.Time
}

// Ledger is append-only. CountSince counts every recorded attempt for identity with a
// timestamp at or after since, whatever its outcome.
type Ledger interface {
	Record(ctx context.Context, attempt Attempt) error
	CountSince(ctx context.Context, identity string, since time.Time) (int, error)
}
