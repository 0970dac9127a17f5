package stellar

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

const (
	hardenedOffset = 0x80000000
	slip10Curve    = "ed25519 seed"
	stellarPurpose = 44
	stellarCoin    = 148
)

var ErrInvalidMnemonic = errors.New("stellar: invalid mnemonic phrase")

// NewMnemonic returns a fresh 12-word BIP-39 phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("stellar: entropy: %w", err)
	}
	defer zero(entropy)
	return bip39.NewMnemonic(entropy)
}

// NormalizeMnemonic collapses whitespace and lowercases the phrase.
func NormalizeMnemonic(phrase string) string {
	return strings.ToLower(strings.Join(strings.Fields(phrase), " "))
}

// ValidMnemonic reports whether phrase is a valid BIP-39 phrase.
func ValidMnemonic(phrase string) bool {
	return bip39.IsMnemonicValid(NormalizeMnemonic(phrase))
}

// DeriveAccount derives the key pair at m/44'/148'/index' (SEP-0005).
func DeriveAccount(phrase string, index uint32) (*KeyPair, error) {
	phrase = NormalizeMnemonic(phrase)
	seed, err := bip39.NewSeedWithErrorChecking(phrase, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	defer zero(seed)

	key, chain := slip10Master(seed)
	for _, i := range []uint32{stellarPurpose, stellarCoin, index} {
		nextKey, nextChain := slip10Child(key, chain, i)
		zero(key)
		zero(chain)
		key, chain = nextKey, nextChain
	}
	defer zero(chain)
	defer zero(key)

	return FromRawSeed(key)
}

// BIPPath renders the derivation path for index in the form hardware devices expect.
func BIPPath(index uint32) string {
	return fmt.Sprintf("%d'/%d'/%d'", stellarPurpose, stellarCoin, index)
}

func slip10Master(seed []byte) ([]byte, []byte) {
	mac := hmac.New(sha512.New, []byte(slip10Curve))
	mac.Write(seed)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}

// slip10Child derives a hardened child; ed25519 only supports hardened derivation.
func slip10Child(key, chain []byte, index uint32) ([]byte, []byte) {
	data := make([]byte, 0, 1+32+4)
	data = append(data, 0x00)
	data = append(data, key...)
	data = binary.BigEndian.AppendUint32(data, index|hardenedOffset)

	mac := hmac.New(sha512.New, chain)
	mac.Write(data)
	zero(data)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}
