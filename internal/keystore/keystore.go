package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/stellar"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/storage"
)

var ErrRecordNotFound = errors.New("keystore: key record not found")

// Signature is the output of a local signing operation.
type Signature struct {
	Signature []byte
	PublicKey string
	Hint      [4]byte
}

// Keystore persists encrypted key records and owns the unlocked session.
type Keystore struct {
	store   storage.Store
	session *Session
	kdf     KDFParams
}

type Option func(*Keystore)

// WithIdleTimeout sets the idle window of the session.
func WithIdleTimeout(d time.Duration) Option {
	return func(k *Keystore) {
		if d > 0 {
			k.session.window = d
		}
	}
}

// WithKDF overrides the Argon2id parameters used for new records.
func WithKDF(p KDFParams) Option {
	return func(k *Keystore) { k.kdf = p }
}

func New(store storage.Store, opts ...Option) *Keystore {
	k := &Keystore{
		store:   store,
		session: NewSession(constants.DefaultIdleTimeout),
		kdf:     DefaultKDF,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// IdleTimeout is the current idle window.
func (k *Keystore) IdleTimeout() time.Duration {
	k.session.mu.Lock()
	defer k.session.mu.Unlock()
	return k.session.window
}

func (k *Keystore) Status() Status { return k.session.Status() }

func (k *Keystore) Subscribe() (<-chan SessionEvent, func()) { return k.session.Subscribe() }

func (k *Keystore) Touch() { k.session.Touch() }

func (k *Keystore) Lock() { k.session.LockNow() }

// Activate switches the active account without unlocking it.
func (k *Keystore) Activate(keyID string) { k.session.SetActive(keyID) }

// OpenKeyless starts an unlocked session for an account whose key lives on
// a device. The caller must have verified the wallet password.
func (k *Keystore) OpenKeyless(keyID string) { k.session.Open(keyID, nil) }

// OpenWithKey starts a session for a key the caller just created or
// decrypted. The key is copied.
func (k *Keystore) OpenWithKey(keyID string, key []byte) {
	k.session.Open(keyID, key)
	log.Info("session unlocked", "key_id", keyID)
}

func (k *Keystore) Session() *Session { return k.session }

func recordKey(keyID string) string { return constants.StorageKeyRecordPrefix + keyID }

// Seal encrypts plaintext under password. It does not persist.
func (k *Keystore) Seal(keyID string, password, plaintext []byte) (KeyRecord, error) {
	dk, err := DeriveKeyWithParams(password, k.kdf)
	if err != nil {
		return KeyRecord{}, err
	}
	defer dk.Zero()
	return LockToStorage(keyID, plaintext, dk)
}

// PutRecord seals plaintext and stores the record under keyRecord:<keyID>.
func (k *Keystore) PutRecord(ctx context.Context, keyID string, password, plaintext []byte) error {
	rec, err := k.Seal(keyID, password, plaintext)
	if err != nil {
		return err
	}
	return storage.SetJSON(ctx, k.store, recordKey(keyID), rec)
}

func (k *Keystore) Record(ctx context.Context, keyID string) (KeyRecord, error) {
	rec, ok, err := storage.GetJSON[KeyRecord](ctx, k.store, recordKey(keyID))
	if err != nil {
		return KeyRecord{}, err
	}
	if !ok {
		return KeyRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, keyID)
	}
	return rec, nil
}

func (k *Keystore) HasRecord(ctx context.Context, keyID string) (bool, error) {
	_, err := k.Record(ctx, keyID)
	if errors.Is(err, ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (k *Keystore) RemoveRecord(ctx context.Context, keyID string) error {
	return k.store.RemoveItem(ctx, recordKey(keyID))
}

// UnlockAccount decrypts the record of keyID and opens the session with it.
func (k *Keystore) UnlockAccount(ctx context.Context, keyID string, password []byte) error {
	rec, err := k.Record(ctx, keyID)
	if err != nil {
		return err
	}
	plain, err := Unlock(password, rec)
	if err != nil {
		return err
	}
	defer zero(plain)

	k.session.Open(keyID, plain)
	log.Info("session unlocked", "key_id", keyID)
	return nil
}

// VerifyPassword checks password against the active account's record, or
// against the sealed recovery phrase when the active account has none.
func (k *Keystore) VerifyPassword(ctx context.Context, password []byte) error {
	if id := k.session.ActiveKeyID(); id != "" {
		rec, err := k.Record(ctx, id)
		switch {
		case err == nil:
			plain, err := Unlock(password, rec)
			zero(plain)
			return err
		case !errors.Is(err, ErrRecordNotFound):
			return err
		}
	}

	rec, ok, err := storage.GetJSON[KeyRecord](ctx, k.store, constants.StorageKeyEncryptedMnemonic)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRecordNotFound
	}
	plain, err := Unlock(password, rec)
	zero(plain)
	return err
}

// SealMnemonic stores the recovery phrase encrypted under password.
func (k *Keystore) SealMnemonic(ctx context.Context, password, phrase []byte) error {
	rec, err := k.Seal(constants.MnemonicRecordID, password, phrase)
	if err != nil {
		return err
	}
	return storage.SetJSON(ctx, k.store, constants.StorageKeyEncryptedMnemonic, rec)
}

// OpenMnemonic decrypts the stored recovery phrase. The caller zeroes the result.
func (k *Keystore) OpenMnemonic(ctx context.Context, password []byte) ([]byte, error) {
	rec, ok, err := storage.GetJSON[KeyRecord](ctx, k.store, constants.StorageKeyEncryptedMnemonic)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, constants.MnemonicRecordID)
	}
	return Unlock(password, rec)
}

// SignPayload signs sha256(payload) with the unlocked key.
func (k *Keystore) SignPayload(payload []byte) (Signature, error) {
	return k.sign(func(kp *stellar.KeyPair) []byte { return kp.SignHashed(payload) })
}

// SignAuthEntry signs sha256(preimage) of a Soroban authorization entry.
func (k *Keystore) SignAuthEntry(preimage []byte) (Signature, error) {
	return k.sign(func(kp *stellar.KeyPair) []byte { return kp.SignHashed(preimage) })
}

// SignBlob signs blob as-is.
func (k *Keystore) SignBlob(blob []byte) (Signature, error) {
	return k.sign(func(kp *stellar.KeyPair) []byte { return kp.Sign(blob) })
}

func (k *Keystore) sign(fn func(*stellar.KeyPair) []byte) (Signature, error) {
	key, _, err := k.session.Key()
	if err != nil {
		return Signature{}, err
	}
	defer zero(key)

	kp, err := stellar.ParseSecret(string(key))
	if err != nil {
		return Signature{}, fmt.Errorf("keystore: session key: %w", err)
	}
	defer kp.Zero()

	return Signature{
		Signature: fn(kp),
		PublicKey: kp.Address(),
		Hint:      kp.Hint(),
	}, nil
}
