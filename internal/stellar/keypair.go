// Package stellar holds the Stellar-specific key material helpers: strkey
// encoding, ed25519 key pairs, SEP-0005 mnemonic derivation and the
// signature-payload collaborator used by the signing handlers.
package stellar

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"
)

// KeyPair is a full Stellar key pair. The seed is the secret; callers that
// hold a KeyPair must call Zero when done.
type KeyPair struct {
	seed []byte
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// FromRawSeed builds a key pair from a 32-byte ed25519 seed. The seed is copied.
func FromRawSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("stellar: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	s := make([]byte, len(seed))
	copy(s, seed)

	priv := ed25519.NewKeyFromSeed(s)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("stellar: unexpected public key type")
	}
	return &KeyPair{seed: s, priv: priv, pub: pub}, nil
}

// ParseSecret parses an S... secret seed.
func ParseSecret(secret string) (*KeyPair, error) {
	seed, err := Decode(VersionSeed, secret)
	if err != nil {
		return nil, err
	}
	defer zero(seed)
	return FromRawSeed(seed)
}

// Random generates a fresh key pair.
func Random() (*KeyPair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("stellar: rand seed: %w", err)
	}
	defer zero(seed)
	return FromRawSeed(seed)
}

// Address is the G... account id.
func (kp *KeyPair) Address() string {
	s, _ := Encode(VersionAccountID, kp.pub)
	return s
}

// Secret is the S... seed. Only used to hand the secret to the keystore.
func (kp *KeyPair) Secret() string {
	s, _ := Encode(VersionSeed, kp.seed)
	return s
}

func (kp *KeyPair) PublicKey() []byte {
	out := make([]byte, len(kp.pub))
	copy(out, kp.pub)
	return out
}

// Hint is the last four bytes of the public key, used in decorated signatures.
func (kp *KeyPair) Hint() [4]byte {
	var h [4]byte
	copy(h[:], kp.pub[len(kp.pub)-4:])
	return h
}

// Sign signs data as-is.
func (kp *KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(kp.priv, data)
}

// SignHashed signs sha256(data), which is what the network verifies for
// transactions and authorization entries.
func (kp *KeyPair) SignHashed(data []byte) []byte {
	h := sha256.Sum256(data)
	return ed25519.Sign(kp.priv, h[:])
}

// Zero wipes the secret material.
func (kp *KeyPair) Zero() {
	if kp == nil {
		return
	}
	zero(kp.seed)
	zero(kp.priv)
}

// Verify checks an ed25519 signature against a G... address.
func Verify(address string, data, sig []byte) bool {
	pub, err := Decode(VersionAccountID, address)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
