// Package storage is the persistent key-value collaborator used by the
// background handlers: account lists, allow-listed origins, network settings
// and encrypted key records. It has no multi-key transactions; callers that
// update several keys must order their writes so a re-run repairs a partial
// update.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by GetItem when the key has never been set or was removed.
	ErrNotFound = errors.New("storage: item not found")

	// ErrStorage wraps every failure of the underlying medium.
	ErrStorage = errors.New("storage failure")
)

// Store is a flat string-keyed byte store.
type Store interface {
	GetItem(ctx context.Context, key string) ([]byte, error)
	SetItem(ctx context.Context, items map[string][]byte) error
	RemoveItem(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// GetJSON loads key and unmarshals it into T. ok is false when the key is absent.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var zero T

	b, err := s.GetItem(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return zero, false, nil
		}
		return zero, false, err
	}

	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return zero, false, fmt.Errorf("%w: decode %s: %w", ErrStorage, key, err)
	}
	return out, true, nil
}

// SetJSON marshals v and writes it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStorage, key, err)
	}
	return s.SetItem(ctx, map[string][]byte{key: b})
}
