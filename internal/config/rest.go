package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultRESTTable = "safro_faucet_config"

// RESTProvider reads the most recent configuration row from a PostgREST endpoint
// (for example a Supabase project).
type RESTProvider struct {
	client *resty.Client
	table  string
}

var _ Provider = (*RESTProvider)(nil)

// NewRESTProvider builds a provider for baseURL authenticated with the service key.
func NewRESTProvider(baseURL, serviceKey, table string, timeout time.Duration) (*RESTProvider, error) {
	if baseURL == "" {
		return nil, errors.New("config rest url is required")
	}
	if serviceKey == "" {
		return nil, errors.New("config rest service key is required")
	}
	if table == "" {
		table = DefaultRESTTable
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("apikey", serviceKey).
		SetAuthToken(serviceKey).
		SetHeader("Content-Type", "application/json")
	return &RESTProvider{client: client, table: table}, nil
}

// restRow mirrors the table columns. Numeric columns may arrive as JSON numbers or strings.
type restRow struct {
	Mnemonic          string     `json:"mnemonic"`
	RPCEndpoint       string     `json:"rpc_endpoint"`
	Denom             string     `json:"denom"`
	Amount            flexString `json:"amount"`
	Prefix            string     `json:"prefix"`
	Memo              string     `json:"memo"`
	DailyLimit        flexString `json:"daily_limit"`
	ExplorerURLPrefix string     `json:"explorer_url_prefix"`
	FeeAmount         flexString `json:"fee_amount"`
	GasLimit          flexString `json:"gas_limit"`
}

func (p *RESTProvider) Load(ctx context.Context) (FaucetConfig, error) {
	var rows []restRow
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"select": "*",
			"order":  "id.desc",
			"limit":  "1",
		}).
		SetResult(&rows).
		Get("/rest/v1/" + p.table)
	if err != nil {
		return FaucetConfig{}, fmt.Errorf("failed to fetch faucet config: %w", err)
	}
	if resp.IsError() {
		return FaucetConfig{}, fmt.Errorf("failed to fetch faucet config: %s", resp.Status())
	}
	if len(rows) == 0 {
		return FaucetConfig{}, fmt.Errorf("%w: no faucet config row found", ErrInvalid)
	}
	return rows[0].toConfig()
}

func (r restRow) toConfig() (FaucetConfig, error) {
	cfg := FaucetConfig{
		SigningSecret:       r.Mnemonic,
		NetworkEndpoint:     r.RPCEndpoint,
		Denomination:        r.Denom,
		TransferAmount:      string(r.Amount),
		AddressPrefix:       r.Prefix,
		Memo:                r.Memo,
		ExplorerURLTemplate: r.ExplorerURLPrefix,
		FeeAmount:           string(r.FeeAmount),
	}
	if r.DailyLimit != "" {
		n, err := strconv.Atoi(string(r.DailyLimit))
		if err != nil {
			return FaucetConfig{}, fmt.Errorf("%w: daily_limit %q: %v", ErrInvalid, r.DailyLimit, err)
		}
		cfg.DailyRequestLimit = n
	}
	if r.GasLimit != "" {
		n, err := strconv.ParseUint(string(r.GasLimit), 10, 64)
		if err != nil {
			return FaucetConfig{}, fmt.Errorf("%w: gas_limit %q: %v", ErrInvalid, r.GasLimit, err)
		}
		cfg.GasLimit = n
	}
	return cfg.WithDefaults(), nil
}

// flexString decodes a JSON string or number into its literal text, so large
// integers never pass through float64.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", data)
		}
		*f = flexString(n.String())
		return nil
	}
}
