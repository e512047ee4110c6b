package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	MsgSendTypeURL         = "/cosmos.bank.v1beta1.MsgSend"
	secp256k1PubKeyTypeURL = "/cosmos.crypto.secp256k1.PubKey"

	// signModeDirect is SIGN_MODE_DIRECT in cosmos.tx.signing.v1beta1.SignMode.
	signModeDirect = 1
)

// MsgSend is cosmos.bank.v1beta1.MsgSend.
type MsgSend struct {
	FromAddress string
	ToAddress   string
	Amount      Coins
}

var _ Msg = (*MsgSend)(nil)

func (m *MsgSend) TypeURL() string { return MsgSendTypeURL }

func (m *MsgSend) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.FromAddress)
	b = appendString(b, 2, m.ToAddress)
	for _, c := range m.Amount {
		b = appendMessage(b, 3, marshalCoin(c))
	}
	return b
}

// signerData is what the signature commits to besides body and auth info.
type signerData struct {
	ChainID       string
	AccountNumber uint64
	Sequence      uint64
}

// signedTx holds the encoded TxRaw and the pieces that went into it.
type signedTx struct {
	BodyBytes     []byte
	AuthInfoBytes []byte
	Signature     []byte
	Raw           []byte
}

// Hash is the uppercase hex SHA-256 of the raw transaction, as reported by CometBFT.
func (t *signedTx) Hash() string {
	sum := sha256.Sum256(t.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// buildSignedTx encodes body and auth info for a single SIGN_MODE_DIRECT signer and signs them.
func buildSignedTx(s *Signer, msgs []Msg, fee Fee, memo string, sd signerData) *signedTx {
	body := marshalTxBody(msgs, memo)
	authInfo := marshalAuthInfo(s.PubKey(), sd.Sequence, fee)
	sig := s.Sign(marshalSignDoc(body, authInfo, sd.ChainID, sd.AccountNumber))

	var raw []byte
	raw = appendBytes(raw, 1, body)
	raw = appendBytes(raw, 2, authInfo)
	raw = appendBytes(raw, 3, sig)
	return &signedTx{BodyBytes: body, AuthInfoBytes: authInfo, Signature: sig, Raw: raw}
}

func marshalTxBody(msgs []Msg, memo string) []byte {
	var b []byte
	for _, m := range msgs {
		b = appendMessage(b, 1, marshalAny(m.TypeURL(), m.Marshal()))
	}
	b = appendString(b, 2, memo)
	return b
}

func marshalAuthInfo(pubKey []byte, sequence uint64, fee Fee) []byte {
	var pk []byte
	pk = appendBytes(pk, 1, pubKey)

	var single []byte
	single = appendUvarint(single, 1, signModeDirect)
	var modeInfo []byte
	modeInfo = appendMessage(modeInfo, 1, single)

	var signerInfo []byte
	signerInfo = appendMessage(signerInfo, 1, marshalAny(secp256k1PubKeyTypeURL, pk))
	signerInfo = appendMessage(signerInfo, 2, modeInfo)
	signerInfo = appendUvarint(signerInfo, 3, sequence)

	var feeBytes []byte
	for _, c := range fee.Amount {
		feeBytes = appendMessage(feeBytes, 1, marshalCoin(c))
	}
	feeBytes = appendUvarint(feeBytes, 2, fee.GasLimit)

	var b []byte
	b = appendMessage(b, 1, signerInfo)
	b = appendMessage(b, 2, feeBytes)
	return b
}

func marshalSignDoc(body, authInfo []byte, chainID string, accountNumber uint64) []byte {
	var b []byte
	b = appendBytes(b, 1, body)
	b = appendBytes(b, 2, authInfo)
	b = appendString(b, 3, chainID)
	b = appendUvarint(b, 4, accountNumber)
	return b
}

func marshalAny(typeURL string, value []byte) []byte {
	var b []byte
	b = appendString(b, 1, typeURL)
	b = appendBytes(b, 2, value)
	return b
}

func marshalCoin(c Coin) []byte {
	var b []byte
	b = appendString(b, 1, c.Denom)
	b = appendString(b, 2, c.Amount)
	return b
}

// The append helpers follow proto3 rules: scalar zero values are omitted so the
// encoding matches what the node re-derives for SignDoc.

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUvarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// appendMessage always emits the field; an empty embedded message is still present.
func appendMessage(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
