// Package faucet decides whether a request may receive tokens and dispatches the transfer.
package faucet

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/safro/faucet-platform/internal/config"
	"github.com/safro/faucet-platform/internal/ledger"
)

// Window is the rolling period the daily limit applies to.
const Window = 24 * time.Hour

// DenyReason says why admission refused a request.
type DenyReason int

const (
	IdentityUndetermined DenyReason = iota + 1
	RateLimitExceeded
	InvalidAddress
)

func (r DenyReason) String() string {
	switch r {
	case IdentityUndetermined:
		return "identity_undetermined"
	case RateLimitExceeded:
		return "rate_limit_exceeded"
	case InvalidAddress:
		return "invalid_address"
	default:
		return "unknown"
	}
}

// Decision is Allow or Deny(reason). Limit and Prefix carry the values the decision
// was taken against so callers can explain a denial.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	Limit   int
	Prefix  string
}

func allow(cfg config.FaucetConfig) Decision {
	return Decision{Allowed: true, Limit: cfg.DailyRequestLimit, Prefix: cfg.AddressPrefix}
}

func deny(reason DenyReason, cfg config.FaucetConfig) Decision {
	return Decision{Reason: reason, Limit: cfg.DailyRequestLimit, Prefix: cfg.AddressPrefix}
}

// Admitter is the admission controller. It only reads the ledger.
type Admitter struct {
	Ledger ledger.Ledger
	// FailClosed denies with LedgerUnavailable when the count query fails.
	// When false a failed query counts as zero prior attempts.
	FailClosed bool
	Log        *slog.Logger
	Metrics    *Metrics
	Now        func() time.Time
}

// Admit decides for one request. The rate limit is checked before the address format,
// so a request failing both reports RateLimitExceeded. The returned error is non-nil
// only for a fail-closed ledger failure.
func (a *Admitter) Admit(ctx context.Context, identity, target string, cfg config.FaucetConfig) (Decision, error) {
	d, err := a.admit(ctx, identity, target, cfg)
	if err == nil {
		a.Metrics.recordAdmission(d)
	}
	return d, err
}

func (a *Admitter) admit(ctx context.Context, identity, target string, cfg config.FaucetConfig) (Decision, error) {
	if identity == "" {
		return deny(IdentityUndetermined, cfg), nil
	}
	limit := cfg.DailyRequestLimit
	if limit <= 0 {
		limit = config.DefaultDailyRequestLimit
		cfg.DailyRequestLimit = limit
	}

	since := a.now().Add(-Window)
	count, err := a.Ledger.CountSince(ctx, identity, since)
	if err != nil {
		a.Metrics.recordLedgerError("count")
		if a.FailClosed {
			a.log().Error("ledger count failed, denying", "identity", identity, "err", err)
			return Decision{}, &Error{Kind: LedgerUnavailable, Err: err}
		}
		a.log().Warn("ledger count failed, treating as zero", "identity", identity, "err", err)
		count = 0
	}
	if count >= limit {
		return deny(RateLimitExceeded, cfg), nil
	}
	if target == "" || !strings.HasPrefix(target, cfg.AddressPrefix) {
		return deny(InvalidAddress, cfg), nil
	}
	return allow(cfg), nil
}

func (a *Admitter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Admitter) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}
