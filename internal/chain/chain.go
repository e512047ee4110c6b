// Package chain is the faucet's narrow view of a Cosmos-SDK network: derive the
// dispatching account, read chain id and balances, sign and broadcast a transfer.
package chain

import (
	"context"
	"fmt"
	"strings"
)

// Coin is an amount in the smallest unit. Amount is a base-10 integer string.
type Coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

type Coins []Coin

// AmountOf returns the amount for denom, or "0".
func (c Coins) AmountOf(denom string) string {
	for _, coin := range c {
		if coin.Denom == denom {
			return coin.Amount
		}
	}
	return "0"
}

func (c Coins) String() string {
	parts := make([]string, 0, len(c))
	for _, coin := range c {
		parts = append(parts, coin.Amount+coin.Denom)
	}
	return strings.Join(parts, ",")
}

// Fee is a fixed fee: amount plus gas limit.
type Fee struct {
	Amount   Coins
	GasLimit uint64
}

// Msg is a transaction message that knows its protobuf type URL and encoding.
type Msg interface {
	TypeURL() string
	Marshal() []byte
}

// TxResult describes an included transaction. Gas counters are decimal strings
// exactly as reported by the node.
type TxResult struct {
	Hash      string
	Height    int64
	GasUsed   string
	GasWanted string
}

// UnconfirmedError means the node accepted the transaction into its mempool but its
// inclusion could not be confirmed. The transfer may still land, so callers must not
// sign it again.
type UnconfirmedError struct {
	Hash string
	Err  error
}

func (e *UnconfirmedError) Error() string {
	return fmt.Sprintf("transaction %s was submitted but not confirmed: %v", e.Hash, e.Err)
}

func (e *UnconfirmedError) Unwrap() error { return e.Err }

// Client is a connection authenticated by one Signer.
type Client interface {
	// Address is the bech32 address of the signer.
	Address() string
	ChainID(ctx context.Context) (string, error)
	AllBalances(ctx context.Context, address string) (Coins, error)
	SignAndBroadcast(ctx context.Context, msgs []Msg, fee Fee, memo string) (*TxResult, error)
	Close() error
}

// Dialer opens a Client on endpoint for signer.
type Dialer func(ctx context.Context, endpoint string, signer *Signer) (Client, error)
