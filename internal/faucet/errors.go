package faucet

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ErrorKind classifies failures that end a request with a server-side error.
type ErrorKind int

const (
	// ConfigurationInvalid is operator misconfiguration. Never retried.
	ConfigurationInvalid ErrorKind = iota + 1
	// DispatchTransient is a network or broadcast failure that survived the retry budget.
	DispatchTransient
	// LedgerUnavailable is only returned when the ledger policy is fail-closed.
	LedgerUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case ConfigurationInvalid:
		return "configuration_invalid"
	case DispatchTransient:
		return "dispatch_transient"
	case LedgerUnavailable:
		return "ledger_unavailable"
	default:
		return "unknown"
	}
}

// Error is a failure with a kind. Attempts counts broadcast attempts made; Err is the
// last underlying error and the only one shown by Error().
type Error struct {
	Kind     ErrorKind
	Attempts int
	Err      error
	// History holds every failed attempt, oldest first.
	History *multierror.Error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == DispatchTransient && e.Attempts > 0:
		return fmt.Sprintf("transaction failed after %d attempts: %v", e.Attempts, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of err, or 0 when err is not an *Error.
func KindOf(err error) ErrorKind {
	var ferr *Error
	if errors.As(err, &ferr) {
		return ferr.Kind
	}
	return 0
}

func configError(err error) *Error {
	return &Error{Kind: ConfigurationInvalid, Err: err}
}
