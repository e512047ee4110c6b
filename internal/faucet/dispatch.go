package faucet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/safro/faucet-platform/internal/chain"
	"github.com/safro/faucet-platform/internal/config"
)

// DefaultMaxAttempts is the total number of sign-and-broadcast attempts per request.
const DefaultMaxAttempts = 3

// TransferResult describes a successful transfer. Balances are informational and
// may be nil when the read failed.
type TransferResult struct {
	TransactionHash string
	ChainID         string
	Height          int64
	Amount          chain.Coin
	SenderAddress   string
	ReceiverAddress string
	Memo            string
	SenderBalance   chain.Coins
	ReceiverBalance chain.Coins
	GasUsed         string
	GasWanted       string
	ExplorerURL     string
}

// Dispatcher signs and broadcasts one transfer per call. It keeps no state between calls:
// the signer is derived and the connection opened for every dispatch.
type Dispatcher struct {
	Dial chain.Dialer
	// MaxAttempts defaults to DefaultMaxAttempts.
	MaxAttempts int
	// Backoff is the linear step between attempts: Backoff, 2*Backoff, ...
	Backoff time.Duration
	Log     *slog.Logger
	Metrics *Metrics
}

// Dispatch sends cfg.TransferAmount of cfg.Denomination to target. Failures are *Error:
// ConfigurationInvalid before anything touches the network, DispatchTransient otherwise.
func (d *Dispatcher) Dispatch(ctx context.Context, target string, cfg config.FaucetConfig) (result *TransferResult, err error) {
	start := time.Now()
	defer func() {
		d.Metrics.recordDispatch(err, time.Since(start))
	}()

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, configError(err)
	}
	if err := cfg.ValidateSigner(); err != nil {
		return nil, configError(err)
	}
	signer, err := chain.DeriveSigner(cfg.SigningSecret, cfg.AddressPrefix)
	if err != nil {
		return nil, configError(err)
	}
	logger := d.log().With("from", signer.Address(), "to", target, "amount", cfg.TransferAmount+cfg.Denomination)

	client, err := d.Dial(ctx, cfg.NetworkEndpoint, signer)
	if err != nil {
		logger.Error("failed to connect", "endpoint", cfg.NetworkEndpoint, "err", err)
		return nil, &Error{Kind: DispatchTransient, Err: err}
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		logger.Error("failed to read chain id", "err", err)
		return nil, &Error{Kind: DispatchTransient, Err: err}
	}
	senderBalance, err := client.AllBalances(ctx, signer.Address())
	if err != nil {
		logger.Warn("failed to get sender balance, optimistically continuing", "err", err)
	}

	amount := chain.Coin{Denom: cfg.Denomination, Amount: cfg.TransferAmount}
	msgs := []chain.Msg{&chain.MsgSend{
		FromAddress: signer.Address(),
		ToAddress:   target,
		Amount:      chain.Coins{amount},
	}}
	fee := chain.Fee{
		Amount:   chain.Coins{{Denom: cfg.Denomination, Amount: cfg.FeeAmount}},
		GasLimit: cfg.GasLimit,
	}

	tx, attempts, history := d.broadcast(ctx, logger, client, msgs, fee, cfg.Memo)
	if tx == nil {
		last := history.Errors[len(history.Errors)-1]
		logger.Error("transaction failed after retries", "attempts", attempts, "err", last)
		return nil, &Error{Kind: DispatchTransient, Attempts: attempts, Err: last, History: history}
	}
	logger.Info("transaction successful", "chain", chainID, "tx", tx.Hash, "height", tx.Height, "attempts", attempts)

	receiverBalance, err := client.AllBalances(ctx, target)
	if err != nil {
		logger.Warn("failed to get receiver balance", "err", err)
	}
	return &TransferResult{
		TransactionHash: tx.Hash,
		ChainID:         chainID,
		Height:          tx.Height,
		Amount:          amount,
		SenderAddress:   signer.Address(),
		ReceiverAddress: target,
		Memo:            cfg.Memo,
		SenderBalance:   senderBalance,
		ReceiverBalance: receiverBalance,
		GasUsed:         tx.GasUsed,
		GasWanted:       tx.GasWanted,
		ExplorerURL:     cfg.ExplorerURL(tx.Hash),
	}, nil
}

// errEmptyBroadcast stands in for a client that reports neither a result nor an error.
var errEmptyBroadcast = errors.New("empty broadcast result")

// broadcast makes up to MaxAttempts sign-and-broadcast calls. It returns the first
// success, or nil with every attempt's error when the budget or ctx runs out. A
// transaction the node accepted but did not confirm is never signed again.
func (d *Dispatcher) broadcast(ctx context.Context, logger *slog.Logger, client chain.Client, msgs []chain.Msg, fee chain.Fee, memo string) (*chain.TxResult, int, *multierror.Error) {
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var history *multierror.Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		logger.Info("sending transaction", "attempt", attempt, "max", maxAttempts)
		d.Metrics.recordAttempt()
		tx, err := client.SignAndBroadcast(ctx, msgs, fee, memo)
		if err == nil && tx == nil {
			err = errEmptyBroadcast
		}
		if err == nil {
			return tx, attempt, nil
		}
		history = multierror.Append(history, err)
		var unconfirmed *chain.UnconfirmedError
		if errors.As(err, &unconfirmed) {
			logger.Error("transaction submitted but not confirmed, not retrying", "attempt", attempt, "tx", unconfirmed.Hash, "err", err)
			return nil, attempt, history
		}
		logger.Warn("transaction attempt failed", "attempt", attempt, "err", err)
		if attempt == maxAttempts {
			return nil, attempt, history
		}
		select {
		case <-ctx.Done():
			logger.Warn("giving up before retry", "attempt", attempt, "err", ctx.Err())
			return nil, attempt, history
		case <-time.After(time.Duration(attempt) * d.Backoff):
		}
	}
	return nil, maxAttempts, history
}

func (d *Dispatcher) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}
