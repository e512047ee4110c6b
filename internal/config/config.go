// Package config supplies faucet parameters as an immutable snapshot per request.
package config

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/base/go-bip39"
)

const (
	DefaultDailyRequestLimit   = 3
	DefaultFeeAmount           = "500"
	DefaultGasLimit            = uint64(200000)
	DefaultExplorerURLTemplate = "https://rpcsafro.cardanotask.com/tx?hash=0x"

	// HashPlaceholder is replaced by the transaction hash in ExplorerURLTemplate.
	// Templates without it get the hash appended.
	HashPlaceholder = "{hash}"

	minMnemonicWords = 12
)

// ErrInvalid marks operator misconfiguration. It is fatal for the request and never retried.
var ErrInvalid = errors.New("invalid faucet configuration")

// FaucetConfig is one snapshot of the faucet parameters. Values are copied, never shared.
type FaucetConfig struct {
	SigningSecret       string `yaml:"mnemonic" json:"mnemonic"`
	NetworkEndpoint     string `yaml:"rpc_endpoint" json:"rpc_endpoint"`
	Denomination        string `yaml:"denom" json:"denom"`
	TransferAmount      string `yaml:"amount" json:"amount"`
	AddressPrefix       string `yaml:"prefix" json:"prefix"`
	Memo                string `yaml:"memo" json:"memo"`
	DailyRequestLimit   int    `yaml:"daily_limit" json:"daily_limit"`
	ExplorerURLTemplate string `yaml:"explorer_url_prefix" json:"explorer_url_prefix"`
	FeeAmount           string `yaml:"fee_amount" json:"fee_amount"`
	GasLimit            uint64 `yaml:"gas_limit" json:"gas_limit"`
}

// Provider returns the current configuration. Implementations read their backing store on
// every call; callers must not cache the result beyond one request.
type Provider interface {
	Load(ctx context.Context) (FaucetConfig, error)
}

// WithDefaults fills optional fields that were left unset.
func (c FaucetConfig) WithDefaults() FaucetConfig {
	if c.DailyRequestLimit <= 0 {
		c.DailyRequestLimit = DefaultDailyRequestLimit
	}
	if c.FeeAmount == "" {
		c.FeeAmount = DefaultFeeAmount
	}
	if c.GasLimit == 0 {
		c.GasLimit = DefaultGasLimit
	}
	if c.ExplorerURLTemplate == "" {
		c.ExplorerURLTemplate = DefaultExplorerURLTemplate
	}
	return c
}

// Validate checks that every field required to dispatch is present and well formed.
// It does not inspect the signing secret beyond presence; see ValidateSigner.
func (c FaucetConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.SigningSecret) == "" {
		missing = append(missing, "mnemonic")
	}
	if strings.TrimSpace(c.NetworkEndpoint) == "" {
		missing = append(missing, "rpc_endpoint")
	}
	if strings.TrimSpace(c.Denomination) == "" {
		missing = append(missing, "denom")
	}
	if strings.TrimSpace(c.TransferAmount) == "" {
		missing = append(missing, "amount")
	}
	if strings.TrimSpace(c.AddressPrefix) == "" {
		missing = append(missing, "prefix")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required configuration (%s)", ErrInvalid, strings.Join(missing, ", "))
	}
	if err := checkAmount("amount", c.TransferAmount); err != nil {
		return err
	}
	if c.FeeAmount != "" {
		if err := checkAmount("fee_amount", c.FeeAmount); err != nil {
			return err
		}
	}
	if c.DailyRequestLimit < 0 {
		return fmt.Errorf("%w: daily_limit must be positive, got %d", ErrInvalid, c.DailyRequestLimit)
	}
	return nil
}

// ValidateSigner checks the signing secret is a BIP-39 phrase of at least 12 words.
func (c FaucetConfig) ValidateSigner() error {
	words := strings.Fields(c.SigningSecret)
	if len(words) < minMnemonicWords || !bip39.IsMnemonicValid(strings.Join(words, " ")) {
		return fmt.Errorf("%w: invalid or missing mnemonic", ErrInvalid)
	}
	return nil
}

// ExplorerURL builds the human-viewable link for a transaction hash.
func (c FaucetConfig) ExplorerURL(txHash string) string {
	tmpl := c.ExplorerURLTemplate
	if tmpl == "" {
		tmpl = DefaultExplorerURLTemplate
	}
	if strings.Contains(tmpl, HashPlaceholder) {
		return strings.ReplaceAll(tmpl, HashPlaceholder, txHash)
	}
	return tmpl + txHash
}

// String never includes the signing secret.
func (c FaucetConfig) String() string {
	return fmt.Sprintf("FaucetConfig{endpoint=%s denom=%s amount=%s prefix=%s limit=%d}",
		c.NetworkEndpoint, c.Denomination, c.TransferAmount, c.AddressPrefix, c.DailyRequestLimit)
}

// checkAmount accepts positive base-10 integers only. Amounts are in the smallest unit.
func checkAmount(field, v string) error {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() <= 0 || strings.HasPrefix(v, "+") {
		return fmt.Errorf("%w: %s must be a positive integer string, got %q", ErrInvalid, field, v)
	}
	return nil
}

// Static always returns the same configuration.
type Static struct {
	Config FaucetConfig
}

func (s Static) Load(context.Context) (FaucetConfig, error) {
	return s.Config.WithDefaults(), nil
}
