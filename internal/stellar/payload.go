package stellar

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Network passphrases of the public Stellar networks.
const (
	PublicNetworkPassphrase = "Public Global Stellar Network ; September 2015"
	TestNetworkPassphrase   = "Test SDF Network ; September 2015"
	FuturenetPassphrase     = "Test SDF Future Network ; October 2022"

	envelopeTypeTx = 2
)

var ErrInvalidPayload = errors.New("stellar: invalid transaction payload")

// PayloadBuilder turns a serialized transaction into the bytes a signer signs
// and reattaches the resulting signature. The keystore and the hardware
// adapter only ever see the opaque signable bytes.
type PayloadBuilder interface {
	SignaturePayload(transactionXDR, networkPassphrase string) ([]byte, error)
	AttachSignature(transactionXDR string, hint [4]byte, signature []byte) (string, error)
}

// TxBodyBuilder treats transactionXDR as the base64 XDR of a Transaction
// body. It is the minimal builder needed when the extension sends unsigned
// transaction bodies.
type TxBodyBuilder struct{}

// SignaturePayload returns sha256(passphrase) || ENVELOPE_TYPE_TX || tx.
func (TxBodyBuilder) SignaturePayload(transactionXDR, networkPassphrase string) ([]byte, error) {
	tx, err := decodeXDR(transactionXDR)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(networkPassphrase) == "" {
		return nil, fmt.Errorf("%w: missing network passphrase", ErrInvalidPayload)
	}

	networkID := sha256.Sum256([]byte(networkPassphrase))

	out := make([]byte, 0, len(networkID)+4+len(tx))
	out = append(out, networkID[:]...)
	out = binary.BigEndian.AppendUint32(out, envelopeTypeTx)
	out = append(out, tx...)
	return out, nil
}

// AttachSignature wraps the body into a TransactionV1Envelope carrying one
// decorated signature.
func (TxBodyBuilder) AttachSignature(transactionXDR string, hint [4]byte, signature []byte) (string, error) {
	tx, err := decodeXDR(transactionXDR)
	if err != nil {
		return "", err
	}
	if len(signature) == 0 || len(signature) > 64 {
		return "", fmt.Errorf("%w: signature length %d", ErrInvalidPayload, len(signature))
	}

	out := make([]byte, 0, 4+len(tx)+4+4+4+64)
	out = binary.BigEndian.AppendUint32(out, envelopeTypeTx)
	out = append(out, tx...)
	out = binary.BigEndian.AppendUint32(out, 1) // signatures<20> count
	out = append(out, hint[:]...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(signature)))
	out = append(out, signature...)
	if pad := (4 - len(signature)%4) % 4; pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func decodeXDR(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: xdr length %d is not 4-byte aligned", ErrInvalidPayload, len(b))
	}
	return b, nil
}
