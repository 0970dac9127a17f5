package pairing

import (
	"context"
	"errors"
	"strings"

	"github.com/quantumauth-io/quantum-wallet-agent/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/storage"
)

var ErrNotPaired = errors.New("pairing: extension not paired")

// LoadToken returns the token of the paired extension.
func LoadToken(ctx context.Context, store storage.Store) (string, error) {
	b, err := store.GetItem(ctx, constants.StorageKeyExtensionToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrNotPaired
		}
		return "", err
	}

	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", ErrNotPaired
	}
	return token, nil
}

func SaveToken(ctx context.Context, store storage.Store, token string) error {
	return store.SetItem(ctx, map[string][]byte{constants.StorageKeyExtensionToken: []byte(token)})
}

// Unpair forgets the paired extension.
func Unpair(ctx context.Context, store storage.Store) error {
	return store.RemoveItem(ctx, constants.StorageKeyExtensionToken)
}
