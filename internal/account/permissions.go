package account

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/quantumauth-io/quantum-wallet-agent/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/storage"
)

// PermissionStore is the authoritative allowlist for dApp origins.
type PermissionStore struct {
	mu      sync.RWMutex
	store   storage.Store
	allowed map[string]bool
	loaded  bool
}

func NewPermissionStore(store storage.Store) *PermissionStore {
	return &PermissionStore{
		store:   store,
		allowed: make(map[string]bool),
	}
}

// Load reads the allowlist. A missing key is an empty allowlist (first run).
func (ps *PermissionStore) Load(ctx context.Context) error {
	m, _, err := storage.GetJSON[map[string]bool](ctx, ps.store, constants.StorageKeyAllowedOrigins)
	if err != nil {
		return fmt.Errorf("load allowed origins: %w", err)
	}
	if m == nil {
		m = make(map[string]bool)
	}

	ps.mu.Lock()
	ps.allowed = m
	ps.loaded = true
	ps.mu.Unlock()
	return nil
}

func (ps *PermissionStore) ensureLoaded(ctx context.Context) error {
	ps.mu.RLock()
	loaded := ps.loaded
	ps.mu.RUnlock()
	if loaded {
		return nil
	}
	return ps.Load(ctx)
}

// IsAllowed checks whether an origin is allowed.
func (ps *PermissionStore) IsAllowed(ctx context.Context, origin string) (bool, error) {
	if err := ps.ensureLoaded(ctx); err != nil {
		return false, err
	}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.allowed[NormalizeOrigin(origin)], nil
}

// Set updates permission for an origin and persists it.
func (ps *PermissionStore) Set(ctx context.Context, origin string, allowed bool) error {
	origin = NormalizeOrigin(origin)
	if origin == "" {
		return fmt.Errorf("%w: origin", ErrInvalid)
	}
	if err := ps.ensureLoaded(ctx); err != nil {
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	next := make(map[string]bool, len(ps.allowed)+1)
	for k, v := range ps.allowed {
		next[k] = v
	}
	next[origin] = allowed

	if err := storage.SetJSON(ctx, ps.store, constants.StorageKeyAllowedOrigins, next); err != nil {
		return err
	}
	ps.allowed = next
	return nil
}

// List returns a copy of the allowlist (safe for JSON responses).
func (ps *PermissionStore) List(ctx context.Context) (map[string]bool, error) {
	if err := ps.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	out := make(map[string]bool, len(ps.allowed))
	for k, v := range ps.allowed {
		out[k] = v
	}
	return out, nil
}

// NormalizeOrigin reduces an origin or URL to lower-case scheme://host[:port].
// Returns "" for anything that is not an absolute origin.
func NormalizeOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
