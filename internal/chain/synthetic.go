package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultSyntheticGenesis is the balance an unknown sender starts with, per denom.
const DefaultSyntheticGenesis = "1000000000000000"

// Synthetic is an in-process fake chain for demos and tests. No external RPC calls.
// Blocks advance by one per accepted transaction.
type Synthetic struct {
	mu       sync.Mutex
	chainID  string
	height   int64
	genesis  *big.Int
	balances map[string]map[string]*big.Int
}

func NewSynthetic(chainID string) *Synthetic {
	genesis, _ := new(big.Int).SetString(DefaultSyntheticGenesis, 10)
	return &Synthetic{
		chainID:  chainID,
		genesis:  genesis,
		balances: make(map[string]map[string]*big.Int),
	}
}

// SetGenesis changes the starting balance of senders not seen before.
func (s *Synthetic) SetGenesis(amount string) error {
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok || n.Sign() < 0 {
		return fmt.Errorf("invalid genesis amount %q", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.genesis = n
	return nil
}

// Dialer returns a Dialer whose clients all share this chain.
func (s *Synthetic) Dialer() Dialer {
	return func(_ context.Context, _ string, signer *Signer) (Client, error) {
		if signer == nil {
			return nil, fmt.Errorf("signer is required")
		}
		return &syntheticClient{chain: s, address: signer.Address()}, nil
	}
}

// Height is the latest block height.
func (s *Synthetic) Height() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}

func (s *Synthetic) snapshot(address string) Coins {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out Coins
	for denom, amt := range s.balances[address] {
		out = append(out, Coin{Denom: denom, Amount: amt.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Denom < out[j].Denom })
	return out
}

func (s *Synthetic) balance(address, denom string, seed bool) *big.Int {
	acc, ok := s.balances[address]
	if !ok {
		acc = make(map[string]*big.Int)
		s.balances[address] = acc
	}
	amt, ok := acc[denom]
	if !ok {
		amt = new(big.Int)
		if seed {
			amt.Set(s.genesis)
		}
		acc[denom] = amt
	}
	return amt
}

func (s *Synthetic) apply(from string, msgs []Msg, fee Fee, memo string) (*TxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	debits := make(map[string]*big.Int)
	add := func(c Coin) error {
		n, ok := new(big.Int).SetString(c.Amount, 10)
		if !ok || n.Sign() < 0 {
			return fmt.Errorf("invalid coin amount %q", c.Amount)
		}
		if debits[c.Denom] == nil {
			debits[c.Denom] = new(big.Int)
		}
		debits[c.Denom].Add(debits[c.Denom], n)
		return nil
	}
	for _, c := range fee.Amount {
		if err := add(c); err != nil {
			return nil, err
		}
	}
	var sends []*MsgSend
	for _, m := range msgs {
		send, ok := m.(*MsgSend)
		if !ok {
			return nil, fmt.Errorf("unsupported message %s", m.TypeURL())
		}
		if send.FromAddress != from {
			return nil, fmt.Errorf("message signer %s does not match %s", send.FromAddress, from)
		}
		for _, c := range send.Amount {
			if err := add(c); err != nil {
				return nil, err
			}
		}
		sends = append(sends, send)
	}
	for denom, need := range debits {
		if have := s.balance(from, denom, true); have.Cmp(need) < 0 {
			return nil, fmt.Errorf("insufficient funds: %s%s < %s%s", have, denom, need, denom)
		}
	}
	for denom, need := range debits {
		bal := s.balance(from, denom, true)
		bal.Sub(bal, need)
	}
	for _, send := range sends {
		for _, c := range send.Amount {
			n, _ := new(big.Int).SetString(c.Amount, 10)
			bal := s.balance(send.ToAddress, c.Denom, false)
			bal.Add(bal, n)
		}
	}

	s.height++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%d-%s-%d", s.chainID, s.height, memo, time.Now().UnixNano())))
	return &TxResult{
		Hash:      strings.ToUpper(hex.EncodeToString(sum[:])),
		Height:    s.height,
		GasUsed:   fmt.Sprintf("%d", fee.GasLimit*3/4),
		GasWanted: fmt.Sprintf("%d", fee.GasLimit),
	}, nil
}

type syntheticClient struct {
	chain   *Synthetic
	address string
}

func (c *syntheticClient) Address() string { return c.address }

func (c *syntheticClient) ChainID(context.Context) (string, error) { return c.chain.chainID, nil }

func (c *syntheticClient) AllBalances(_ context.Context, address string) (Coins, error) {
	return c.chain.snapshot(address), nil
}

func (c *syntheticClient) SignAndBroadcast(ctx context.Context, msgs []Msg, fee Fee, memo string) (*TxResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.chain.apply(c.address, msgs, fee, memo)
}

func (c *syntheticClient) Close() error { return nil }
