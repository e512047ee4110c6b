package faucet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/safro/faucet-platform/internal/config"
	"github.com/safro/faucet-platform/internal/ledger"
)

const (
	DefaultRecordTimeout = 5 * time.Second
	DefaultRegionTimeout = 2 * time.Second
)

// Locator resolves a caller identity to a human-readable region. Best effort only.
type Locator interface {
	Region(ctx context.Context, ip string) (string, error)
}

// Request is one inbound faucet request.
type Request struct {
	Identity string
	Receiver string
}

// Outcome is the decided response. Exactly one of these holds: Err is set,
// Decision is a denial, or Result is set.
type Outcome struct {
	Decision Decision
	Result   *TransferResult
	Err      error
}

// Service runs admission then dispatch for each request and records the attempt
// before returning. It holds no per-request state; the wait group only tracks
// region lookups in flight.
type Service struct {
	Config     config.Provider
	Admitter   *Admitter
	Dispatcher *Dispatcher
	Ledger     ledger.Ledger
	// Locator is optional. Its result only ever reaches the ledger record.
	Locator       Locator
	RegionTimeout time.Duration
	RecordTimeout time.Duration
	Log           *slog.Logger
	Metrics       *Metrics

	wg sync.WaitGroup
}

// Handle decides the request and records the attempt before returning, so the next
// admission check for the same identity sees it. A failed record is logged and never
// changes the returned Outcome.
func (s *Service) Handle(ctx context.Context, req Request) Outcome {
	region := s.lookupRegion(req.Identity)
	out := s.handle(ctx, req)
	s.record(ctx, req, out, region)
	return out
}

func (s *Service) handle(ctx context.Context, req Request) Outcome {
	if req.Identity == "" {
		d, _ := s.Admitter.Admit(ctx, "", req.Receiver, config.FaucetConfig{})
		return Outcome{Decision: d}
	}

	cfg, err := s.Config.Load(ctx)
	if err != nil {
		s.log().Error("failed to load faucet config", "err", err)
		return Outcome{Err: configError(err)}
	}
	if err := cfg.Validate(); err != nil {
		s.log().Error("faucet config is invalid", "err", err)
		return Outcome{Err: configError(err)}
	}

	d, err := s.Admitter.Admit(ctx, req.Identity, req.Receiver, cfg)
	if err != nil {
		return Outcome{Err: err}
	}
	if !d.Allowed {
		s.log().Info("request denied", "identity", req.Identity, "receiver", req.Receiver, "reason", d.Reason.String())
		return Outcome{Decision: d}
	}

	result, err := s.Dispatcher.Dispatch(ctx, req.Receiver, cfg)
	if err != nil {
		var ferr *Error
		if !errors.As(err, &ferr) {
			err = &Error{Kind: DispatchTransient, Err: err}
		}
		return Outcome{Decision: d, Err: err}
	}
	s.log().Info("faucet request served", "identity", req.Identity, "receiver", req.Receiver, "tx", result.TransactionHash)
	return Outcome{Decision: d, Result: result}
}

// Wait blocks until background region lookups have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// lookupRegion starts the lookup immediately and returns a channel that yields exactly
// one value. Panics and errors become an empty region.
func (s *Service) lookupRegion(identity string) <-chan string {
	ch := make(chan string, 1)
	if s.Locator == nil || identity == "" {
		ch <- ""
		return ch
	}
	timeout := s.RegionTimeout
	if timeout <= 0 {
		timeout = DefaultRegionTimeout
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		region := ""
		defer func() {
			if r := recover(); r != nil {
				s.log().Warn("region lookup panicked", "panic", fmt.Sprint(r))
				region = ""
			}
			ch <- region
		}()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		r, err := s.Locator.Region(ctx, identity)
		if err != nil {
			s.log().Debug("region lookup failed", "identity", identity, "err", err)
			return
		}
		region = r
	}()
	return ch
}

// record writes the attempt under its own RecordTimeout, detached from ctx's
// cancellation. The region is taken only if the lookup already finished.
func (s *Service) record(ctx context.Context, req Request, out Outcome, region <-chan string) {
	attempt := ledger.Attempt{
		Identity:      req.Identity,
		TargetAddress: req.Receiver,
		Outcome:       outcomeOf(out),
	}
	if out.Result != nil {
		attempt.Succeeded = true
		attempt.TxHash = out.Result.TransactionHash
	}
	select {
	case attempt.Region = <-region:
	default:
	}
	timeout := s.RecordTimeout
	if timeout <= 0 {
		timeout = DefaultRecordTimeout
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.Ledger.Record(ctx, attempt); err != nil {
		s.Metrics.recordLedgerError("record")
		s.log().Warn("failed to record faucet attempt", "identity", attempt.Identity, "outcome", attempt.Outcome, "err", err)
	}
}

func outcomeOf(out Outcome) ledger.Outcome {
	switch {
	case out.Result != nil:
		return ledger.OutcomeSent
	case out.Err != nil:
		switch KindOf(out.Err) {
		case ConfigurationInvalid:
			return ledger.OutcomeConfigError
		case LedgerUnavailable:
			return ledger.OutcomeLedgerUnavailable
		default:
			return ledger.OutcomeFailed
		}
	}
	switch out.Decision.Reason {
	case IdentityUndetermined:
		return ledger.OutcomeIdentityUndetermined
	case RateLimitExceeded:
		return ledger.OutcomeRateLimited
	case InvalidAddress:
		return ledger.OutcomeInvalidAddress
	}
	return ledger.OutcomeFailed
}

func (s *Service) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
