// Package account keeps the wallet's non-secret metadata in the key-value
// store: the account list, the active account, allow-listed origins and the
// network settings.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/hardware"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/stellar"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/storage"
)

var (
	ErrNotFound  = errors.New("account not found")
	ErrDuplicate = errors.New("account already exists")
	ErrInvalid   = errors.New("invalid account")
)

type Kind string

const (
	KindLocal    Kind = "local"
	KindHardware Kind = "hardware"
)

type Account struct {
	ID              string                  `json:"id"`
	PublicKey       string                  `json:"publicKey"`
	Name            string                  `json:"name"`
	Kind            Kind                    `json:"kind"`
	DerivationIndex uint32                  `json:"derivationIndex"`
	Imported        bool                    `json:"imported"`
	Device          *hardware.DeviceBinding `json:"device,omitempty"`
	CreatedAt       time.Time               `json:"createdAt"`
}

func (a Account) IsHardware() bool { return a.Kind == KindHardware }

// Manager reads and writes the account list. Writes are serialized; each
// is a single read-modify-write of one storage key.
type Manager struct {
	mu    sync.Mutex
	store storage.Store
	now   func() time.Time
}

func NewManager(store storage.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

func (m *Manager) List(ctx context.Context) ([]Account, error) {
	list, _, err := storage.GetJSON[[]Account](ctx, m.store, constants.StorageKeyAccounts)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []Account{}
	}
	return list, nil
}

// NewLocal builds a local account record. It does not persist.
func (m *Manager) NewLocal(publicKey string, index uint32, imported bool) Account {
	return Account{
		ID:              uuid.NewString(),
		PublicKey:       publicKey,
		Kind:            KindLocal,
		DerivationIndex: index,
		Imported:        imported,
		CreatedAt:       m.now().UTC(),
	}
}

// NewHardware builds a hardware account record bound to device.
func (m *Manager) NewHardware(publicKey string, device hardware.DeviceBinding) Account {
	return Account{
		ID:        uuid.NewString(),
		PublicKey: publicKey,
		Kind:      KindHardware,
		Imported:  true,
		Device:    &device,
		CreatedAt: m.now().UTC(),
	}
}

// Add appends a to the list, naming it when unnamed. An account with the
// same public key and kind is rejected.
func (m *Manager) Add(ctx context.Context, a Account) (Account, []Account, error) {
	if !stellar.IsValidAccountID(a.PublicKey) {
		return Account{}, nil, fmt.Errorf("%w: bad public key", ErrInvalid)
	}
	if a.ID == "" {
		return Account{}, nil, fmt.Errorf("%w: missing id", ErrInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	list, err := m.List(ctx)
	if err != nil {
		return Account{}, nil, err
	}
	for _, existing := range list {
		if existing.PublicKey == a.PublicKey && existing.Kind == a.Kind {
			return Account{}, nil, fmt.Errorf("%w: %s", ErrDuplicate, a.PublicKey)
		}
	}

	if strings.TrimSpace(a.Name) == "" {
		a.Name = defaultName(a, list)
	}
	list = append(list, a)

	if err := storage.SetJSON(ctx, m.store, constants.StorageKeyAccounts, list); err != nil {
		return Account{}, nil, err
	}
	return a, list, nil
}

func (m *Manager) Rename(ctx context.Context, publicKey, name string) ([]Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	list, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	i := indexOf(list, func(a Account) bool { return a.PublicKey == publicKey })
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, publicKey)
	}
	list[i].Name = name

	if err := storage.SetJSON(ctx, m.store, constants.StorageKeyAccounts, list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) Get(ctx context.Context, id string) (Account, error) {
	return m.find(ctx, func(a Account) bool { return a.ID == id }, id)
}

// ByPublicKey prefers a local account when the same key was also imported
// as a hardware account.
func (m *Manager) ByPublicKey(ctx context.Context, publicKey string) (Account, error) {
	list, err := m.List(ctx)
	if err != nil {
		return Account{}, err
	}
	var found *Account
	for i := range list {
		if list[i].PublicKey != publicKey {
			continue
		}
		if found == nil || list[i].Kind == KindLocal {
			found = &list[i]
		}
	}
	if found == nil {
		return Account{}, fmt.Errorf("%w: %s", ErrNotFound, publicKey)
	}
	return *found, nil
}

// ActiveID is the persisted id of the active account, or "".
func (m *Manager) ActiveID(ctx context.Context) (string, error) {
	id, _, err := storage.GetJSON[string](ctx, m.store, constants.StorageKeyActiveAccount)
	return id, err
}

func (m *Manager) Active(ctx context.Context) (Account, error) {
	id, err := m.ActiveID(ctx)
	if err != nil {
		return Account{}, err
	}
	if id == "" {
		return Account{}, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *Manager) SetActive(ctx context.Context, id string) error {
	return storage.SetJSON(ctx, m.store, constants.StorageKeyActiveAccount, id)
}

// NextDerivationIndex reserves the next mnemonic derivation index.
func (m *Manager) NextDerivationIndex(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, _, err := storage.GetJSON[uint32](ctx, m.store, constants.StorageKeyDerivationCount)
	if err != nil {
		return 0, err
	}
	if err := storage.SetJSON(ctx, m.store, constants.StorageKeyDerivationCount, n+1); err != nil {
		return 0, err
	}
	return n, nil
}

// SetDerivationCount is used when a wallet is created or recovered.
func (m *Manager) SetDerivationCount(ctx context.Context, n uint32) error {
	return storage.SetJSON(ctx, m.store, constants.StorageKeyDerivationCount, n)
}

func (m *Manager) MnemonicConfirmed(ctx context.Context) (bool, error) {
	ok, _, err := storage.GetJSON[bool](ctx, m.store, constants.StorageKeyMnemonicConfirmed)
	return ok, err
}

func (m *Manager) SetMnemonicConfirmed(ctx context.Context, ok bool) error {
	return storage.SetJSON(ctx, m.store, constants.StorageKeyMnemonicConfirmed, ok)
}

// Reset drops the account list and wallet-scoped settings. The caller
// removes key records first so a partial run leaves no orphaned account.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range []string{
		constants.StorageKeyActiveAccount,
		constants.StorageKeyDerivationCount,
		constants.StorageKeyMnemonicConfirmed,
		constants.StorageKeyEncryptedMnemonic,
		constants.StorageKeyAccounts,
	} {
		if err := m.store.RemoveItem(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) find(ctx context.Context, pred func(Account) bool, what string) (Account, error) {
	list, err := m.List(ctx)
	if err != nil {
		return Account{}, err
	}
	if i := indexOf(list, pred); i >= 0 {
		return list[i], nil
	}
	return Account{}, fmt.Errorf("%w: %s", ErrNotFound, what)
}

func indexOf(list []Account, pred func(Account) bool) int {
	for i := range list {
		if pred(list[i]) {
			return i
		}
	}
	return -1
}

func defaultName(a Account, list []Account) string {
	prefix := "Account"
	if a.Device != nil {
		prefix = a.Device.WalletType.DisplayName()
	}
	n := 1
	for _, existing := range list {
		if existing.Kind == a.Kind {
			n++
		}
	}
	return fmt.Sprintf("%s %d", prefix, n)
}
