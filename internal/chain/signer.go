package chain

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/base/go-bip39"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// DerivationPath is the BIP-44 path for the first Cosmos account.
const DerivationPath = "m/44'/118'/0'/0/0"

var derivationIndexes = []uint32{
	hdkeychain.HardenedKeyStart + 44,
	hdkeychain.HardenedKeyStart + 118,
	hdkeychain.HardenedKeyStart + 0,
	0,
	0,
}

// Signer holds the dispatching key. It lives for one dispatch and is never logged.
type Signer struct {
	priv    *btcec.PrivateKey
	pubKey  []byte
	address string
}

// DeriveSigner derives the account at DerivationPath from a BIP-39 mnemonic and
// encodes its address under prefix.
func DeriveSigner(mnemonic, prefix string) (*Signer, error) {
	if prefix == "" {
		return nil, errors.New("address prefix is required")
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	for _, idx := range derivationIndexes {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key of path %s: %w", DerivationPath, err)
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	addr, err := EncodeAddress(prefix, btcutil.Hash160(pub))
	if err != nil {
		return nil, err
	}
	return &Signer{priv: priv, pubKey: pub, address: addr}, nil
}

// EncodeAddress bech32-encodes a 20-byte account hash.
func EncodeAddress(prefix string, hash []byte) (string, error) {
	conv, err := bech32.ConvertBits(hash, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert address bits: %w", err)
	}
	addr, err := bech32.Encode(prefix, conv)
	if err != nil {
		return "", fmt.Errorf("encode address with prefix %q: %w", prefix, err)
	}
	return addr, nil
}

func (s *Signer) Address() string { return s.address }

// PubKey is the 33-byte compressed secp256k1 public key.
func (s *Signer) PubKey() []byte { return s.pubKey }

// Sign returns the 64-byte r||s signature over SHA-256(signBytes), low-S normalized.
func (s *Signer) Sign(signBytes []byte) []byte {
	hash := sha256.Sum256(signBytes)
	compact := ecdsa.SignCompact(s.priv, hash[:], true)
	// drop the recovery byte
	return compact[1:]
}
