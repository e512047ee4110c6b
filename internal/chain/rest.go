package chain

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// RESTOptions tune the LCD client. Zero values fall back to defaults.
type RESTOptions struct {
	// Timeout bounds each HTTP call.
	Timeout time.Duration
	// BroadcastTimeout bounds the wait for inclusion after a successful CheckTx.
	BroadcastTimeout time.Duration
	PollInterval     time.Duration
}

func (o RESTOptions) withDefaults() RESTOptions {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.BroadcastTimeout <= 0 {
		o.BroadcastTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

// RESTClient talks to the Cosmos-SDK gRPC-gateway (LCD) of a node.
type RESTClient struct {
	http    *resty.Client
	signer  *Signer
	opts    RESTOptions
	chainID string
}

var _ Client = (*RESTClient)(nil)

// RESTDialer returns a Dialer producing RESTClients.
func RESTDialer(opts RESTOptions) Dialer {
	return func(ctx context.Context, endpoint string, signer *Signer) (Client, error) {
		return DialREST(ctx, endpoint, signer, opts)
	}
}

// DialREST connects to endpoint and caches the chain id for the life of the client.
func DialREST(ctx context.Context, endpoint string, signer *Signer, opts RESTOptions) (*RESTClient, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	opts = opts.withDefaults()
	c := &RESTClient{
		http: resty.New().
			SetBaseURL(endpoint).
			SetTimeout(opts.Timeout).
			SetHeader("Accept", "application/json"),
		signer: signer,
		opts:   opts,
	}
	chainID, err := c.fetchChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}
	c.chainID = chainID
	return c, nil
}

// apiError is the gRPC-gateway error body.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func responseError(op string, resp *resty.Response) error {
	if e, ok := resp.Error().(*apiError); ok && e.Message != "" {
		return fmt.Errorf("%s: %s (code %d)", op, e.Message, e.Code)
	}
	return fmt.Errorf("%s: %s", op, resp.Status())
}

func (c *RESTClient) Address() string { return c.signer.Address() }

func (c *RESTClient) Close() error { return nil }

func (c *RESTClient) ChainID(ctx context.Context) (string, error) {
	if c.chainID != "" {
		return c.chainID, nil
	}
	return c.fetchChainID(ctx)
}

func (c *RESTClient) fetchChainID(ctx context.Context) (string, error) {
	var out struct {
		DefaultNodeInfo struct {
			Network string `json:"network"`
		} `json:"default_node_info"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/cosmos/base/tendermint/v1beta1/node_info")
	if err != nil {
		return "", fmt.Errorf("node info: %w", err)
	}
	if resp.IsError() {
		return "", responseError("node info", resp)
	}
	if out.DefaultNodeInfo.Network == "" {
		return "", errors.New("node info: empty chain id")
	}
	return out.DefaultNodeInfo.Network, nil
}

func (c *RESTClient) AllBalances(ctx context.Context, address string) (Coins, error) {
	var coins Coins
	nextKey := ""
	for {
		var out struct {
			Balances   Coins `json:"balances"`
			Pagination struct {
				NextKey string `json:"next_key"`
			} `json:"pagination"`
		}
		req := c.http.R().
			SetContext(ctx).
			SetPathParam("address", address).
			SetResult(&out).
			SetError(&apiError{})
		if nextKey != "" {
			req.SetQueryParam("pagination.key", nextKey)
		}
		resp, err := req.Get("/cosmos/bank/v1beta1/balances/{address}")
		if err != nil {
			return nil, fmt.Errorf("balances of %s: %w", address, err)
		}
		if resp.IsError() {
			return nil, responseError("balances of "+address, resp)
		}
		coins = append(coins, out.Balances...)
		if out.Pagination.NextKey == "" {
			return coins, nil
		}
		nextKey = out.Pagination.NextKey
	}
}

type baseAccount struct {
	Address       string `json:"address"`
	AccountNumber string `json:"account_number"`
	Sequence      string `json:"sequence"`
}

// account reads account number and sequence. Vesting and module accounts nest
// the base account one level down.
func (c *RESTClient) account(ctx context.Context, address string) (accNum, seq uint64, err error) {
	var out struct {
		Account struct {
			baseAccount
			BaseAccount *baseAccount `json:"base_account"`
			BaseVesting *struct {
				BaseAccount *baseAccount `json:"base_account"`
			} `json:"base_vesting_account"`
		} `json:"account"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("address", address).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/cosmos/auth/v1beta1/accounts/{address}")
	if err != nil {
		return 0, 0, fmt.Errorf("account %s: %w", address, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return 0, 0, fmt.Errorf("account %s not found on chain, is the faucet funded?", address)
	}
	if resp.IsError() {
		return 0, 0, responseError("account "+address, resp)
	}
	acc := out.Account.baseAccount
	switch {
	case out.Account.BaseAccount != nil:
		acc = *out.Account.BaseAccount
	case out.Account.BaseVesting != nil && out.Account.BaseVesting.BaseAccount != nil:
		acc = *out.Account.BaseVesting.BaseAccount
	}
	if accNum, err = parseUint(acc.AccountNumber); err != nil {
		return 0, 0, fmt.Errorf("account %s: account_number: %w", address, err)
	}
	if seq, err = parseUint(acc.Sequence); err != nil {
		return 0, 0, fmt.Errorf("account %s: sequence: %w", address, err)
	}
	return accNum, seq, nil
}

type txResponse struct {
	Height    string `json:"height"`
	TxHash    string `json:"txhash"`
	Codespace string `json:"codespace"`
	Code      uint32 `json:"code"`
	RawLog    string `json:"raw_log"`
	GasWanted string `json:"gas_wanted"`
	GasUsed   string `json:"gas_used"`
}

func (r *txResponse) err(stage string) error {
	if r.Code == 0 {
		return nil
	}
	return fmt.Errorf("%s failed: code %d (%s): %s", stage, r.Code, r.Codespace, r.RawLog)
}

// SignAndBroadcast signs msgs with the client's signer, broadcasts in sync mode and
// waits for inclusion.
func (c *RESTClient) SignAndBroadcast(ctx context.Context, msgs []Msg, fee Fee, memo string) (*TxResult, error) {
	accNum, seq, err := c.account(ctx, c.signer.Address())
	if err != nil {
		return nil, err
	}
	tx := buildSignedTx(c.signer, msgs, fee, memo, signerData{
		ChainID:       c.chainID,
		AccountNumber: accNum,
		Sequence:      seq,
	})

	var out struct {
		TxResponse txResponse `json:"tx_response"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"tx_bytes": base64.StdEncoding.EncodeToString(tx.Raw),
			"mode":     "BROADCAST_MODE_SYNC",
		}).
		SetResult(&out).
		SetError(&apiError{}).
		Post("/cosmos/tx/v1beta1/txs")
	if err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	if resp.IsError() {
		return nil, responseError("broadcast", resp)
	}
	if err := out.TxResponse.err("check tx"); err != nil {
		return nil, err
	}
	hash := out.TxResponse.TxHash
	if hash == "" {
		hash = tx.Hash()
	}
	return c.awaitInclusion(ctx, hash)
}

// awaitInclusion polls hash until it is indexed or BroadcastTimeout passes. Query
// failures are retried within that window. Once the hash exists every failure other than
// a failed DeliverTx is an *UnconfirmedError.
func (c *RESTClient) awaitInclusion(ctx context.Context, hash string) (*TxResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.BroadcastTimeout)
	defer cancel()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		tx, err := c.getTx(ctx, hash)
		switch {
		case err != nil:
			lastErr = err
		case tx != nil:
			if err := tx.err("deliver tx"); err != nil {
				return nil, err
			}
			return tx.result(hash)
		}
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = fmt.Errorf("not included within %s: %w", c.opts.BroadcastTimeout, ctx.Err())
			}
			return nil, &UnconfirmedError{Hash: hash, Err: lastErr}
		case <-ticker.C:
		}
	}
}

// getTx returns nil, nil while the transaction is not yet indexed.
func (c *RESTClient) getTx(ctx context.Context, hash string) (*txResponse, error) {
	var out struct {
		TxResponse *txResponse `json:"tx_response"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("hash", hash).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/cosmos/tx/v1beta1/txs/{hash}")
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("query tx %s: %w", hash, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, responseError("query tx "+hash, resp)
	}
	return out.TxResponse, nil
}

func (r *txResponse) result(hash string) (*TxResult, error) {
	height, err := strconv.ParseInt(r.Height, 10, 64)
	if err != nil {
		return nil, &UnconfirmedError{Hash: hash, Err: fmt.Errorf("height %q: %w", r.Height, err)}
	}
	if r.TxHash != "" {
		hash = r.TxHash
	}
	return &TxResult{
		Hash:      hash,
		Height:    height,
		GasUsed:   r.GasUsed,
		GasWanted: r.GasWanted,
	}, nil
}

func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
