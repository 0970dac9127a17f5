// Package keystore derives symmetric keys from the wallet password, seals
// private keys at rest, and owns the in-memory unlocked session that the
// signing handlers read from.
// Uses Argon2id for the KDF and XChaCha20-Poly1305 for the AEAD.
package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/quantumauth-io/quantum-wallet-agent/internal/constants"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	recordVersion = 1
	saltSize      = 16
)

var (
	// ErrWrongPassword is returned for every unlock failure. Keep this
	// generic so callers cannot tell which part of the record failed.
	ErrWrongPassword = errors.New("WrongPassword")
)

// KDFParams are the Argon2id settings stored alongside each record.
type KDFParams struct {
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memoryKib"`
	Threads   uint8  `json:"threads"`
	KeyLen    uint32 `json:"keyLen"`
}

// DefaultKDF are the desktop defaults.
// Memory is KiB: 64*1024 = 64 MiB.
var DefaultKDF = KDFParams{
	Time:      3,
	MemoryKiB: 64 * 1024,
	Threads:   2,
	KeyLen:    chacha20poly1305.KeySize,
}

func (p KDFParams) valid() bool {
	return p.Time > 0 && p.MemoryKiB >= 8*uint32(p.Threads) && p.Threads > 0 && p.KeyLen == chacha20poly1305.KeySize
}

// DerivedKey is the output of DeriveKey: the symmetric key plus the salt and
// IV that must be stored with the ciphertext.
type DerivedKey struct {
	Key  []byte
	IV   []byte
	Salt []byte
	KDF  KDFParams
}

// Zero wipes the symmetric key.
func (d *DerivedKey) Zero() {
	if d == nil {
		return
	}
	zero(d.Key)
}

// KeyRecord is the persisted, encrypted form of a private key.
type KeyRecord struct {
	Version             int       `json:"version"`
	KeyID               string    `json:"keyId"`
	EncryptedPrivateKey []byte    `json:"encryptedPrivateKey"`
	Salt                []byte    `json:"salt"`
	IV                  []byte    `json:"iv"`
	KDF                 KDFParams `json:"kdf"`
}

// DeriveKey derives a key from password with a fresh salt and IV using DefaultKDF.
// An empty password is accepted.
func DeriveKey(password []byte) (DerivedKey, error) {
	return DeriveKeyWithParams(password, DefaultKDF)
}

// DeriveKeyWithParams is DeriveKey with explicit Argon2id settings.
func DeriveKeyWithParams(password []byte, params KDFParams) (DerivedKey, error) {
	if !params.valid() {
		return DerivedKey{}, fmt.Errorf("keystore: invalid kdf params %+v", params)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return DerivedKey{}, fmt.Errorf("keystore: rand salt: %w", err)
	}
	iv := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(iv); err != nil {
		return DerivedKey{}, fmt.Errorf("keystore: rand iv: %w", err)
	}

	return DerivedKey{
		Key:  DeriveKeyWithSalt(password, salt, params),
		IV:   iv,
		Salt: salt,
		KDF:  params,
	}, nil
}

// DeriveKeyWithSalt re-derives the symmetric key deterministically.
func DeriveKeyWithSalt(password, salt []byte, params KDFParams) []byte {
	return argon2.IDKey(password, salt, params.Time, params.MemoryKiB, params.Threads, params.KeyLen)
}

// LockToStorage encrypts plaintext under dk. Any plaintext length works,
// including empty.
func LockToStorage(keyID string, plaintext []byte, dk DerivedKey) (KeyRecord, error) {
	aead, err := chacha20poly1305.NewX(dk.Key)
	if err != nil {
		return KeyRecord{}, fmt.Errorf("keystore: aead: %w", err)
	}
	if len(dk.IV) != aead.NonceSize() {
		return KeyRecord{}, fmt.Errorf("keystore: iv must be %d bytes, got %d", aead.NonceSize(), len(dk.IV))
	}

	ct := aead.Seal(nil, dk.IV, plaintext, recordAAD(keyID))

	return KeyRecord{
		Version:             recordVersion,
		KeyID:               keyID,
		EncryptedPrivateKey: ct,
		Salt:                append([]byte(nil), dk.Salt...),
		IV:                  append([]byte(nil), dk.IV...),
		KDF:                 dk.KDF,
	}, nil
}

// Unlock re-derives the key from password and the record's salt and decrypts.
func Unlock(password []byte, rec KeyRecord) ([]byte, error) {
	if rec.Version != recordVersion || !rec.KDF.valid() || len(rec.Salt) == 0 {
		return nil, ErrWrongPassword
	}

	key := DeriveKeyWithSalt(password, rec.Salt, rec.KDF)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrWrongPassword
	}
	if len(rec.IV) != aead.NonceSize() {
		return nil, ErrWrongPassword
	}

	plain, err := aead.Open(nil, rec.IV, rec.EncryptedPrivateKey, recordAAD(rec.KeyID))
	if err != nil {
		return nil, ErrWrongPassword
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

func recordAAD(keyID string) []byte {
	return []byte(constants.KeyRecordAAD + keyID)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
