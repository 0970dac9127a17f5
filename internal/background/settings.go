package background

import (
	"context"
	"errors"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/account"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/router"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/stellar"
)

type originPayload struct {
	Origin string `json:"origin"`
}

type accessResult struct {
	Origin  string `json:"origin"`
	Allowed bool   `json:"allowed"`
}

func (s *Service) fundAccount(ctx context.Context, p struct {
	PublicKey string `json:"publicKey"`
}, _ *keystore.Keystore) (any, error) {
	pk := trimmed(p.PublicKey)
	if !stellar.IsValidAccountID(pk) {
		return nil, router.Validation("bad public key")
	}
	if s.funder == nil {
		return nil, router.Validation("funding is disabled")
	}

	n, err := s.networks.Current(ctx)
	if err != nil {
		return nil, err
	}
	if n.FriendbotURL == "" {
		return nil, router.Validation("network %s has no friendbot", n.Name)
	}
	if err := s.funder.Fund(ctx, n.FriendbotURL, pk); err != nil {
		return nil, err
	}
	return struct {
		PublicKey string `json:"publicKey"`
	}{pk}, nil
}

func (s *Service) changeNetwork(ctx context.Context, p struct {
	NetworkName string `json:"networkName"`
}, _ *keystore.Keystore) (any, error) {
	n, err := s.networks.Select(ctx, p.NetworkName)
	if err != nil {
		return nil, err
	}
	log.Info("network changed", "network", n.Name)
	return struct {
		NetworkDetails account.Network `json:"networkDetails"`
	}{n}, nil
}

func (s *Service) loadSettings(ctx context.Context, _ empty, _ *keystore.Keystore) (any, error) {
	cur, err := s.networks.Current(ctx)
	if err != nil {
		return nil, err
	}
	list, err := s.networks.List(ctx)
	if err != nil {
		return nil, err
	}
	origins, err := s.permissions.List(ctx)
	if err != nil {
		return nil, err
	}
	return struct {
		NetworkDetails account.Network   `json:"networkDetails"`
		NetworksList   []account.Network `json:"networksList"`
		AllowedOrigins map[string]bool   `json:"allowedOrigins"`
	}{cur, list, origins}, nil
}

// requestAccess answers with the active public key when the origin is
// allow-listed; otherwise the page must ask the user through GRANT_ACCESS.
func (s *Service) requestAccess(ctx context.Context, p originPayload, _ *keystore.Keystore) (any, error) {
	if _, err := s.requireOrigin(ctx, p.Origin); err != nil {
		return nil, err
	}
	a, err := s.accounts.Active(ctx)
	if err != nil {
		return nil, err
	}
	return struct {
		PublicKey string `json:"publicKey"`
	}{a.PublicKey}, nil
}

func (s *Service) grantAccess(ctx context.Context, p originPayload, _ *keystore.Keystore) (any, error) {
	return s.setAccess(ctx, p.Origin, true)
}

func (s *Service) rejectAccess(ctx context.Context, p originPayload, _ *keystore.Keystore) (any, error) {
	return s.setAccess(ctx, p.Origin, false)
}

func (s *Service) setAccess(ctx context.Context, origin string, allowed bool) (any, error) {
	if err := s.permissions.Set(ctx, origin, allowed); err != nil {
		if errors.Is(err, account.ErrInvalid) {
			return nil, router.Validation("missing or malformed origin")
		}
		return nil, err
	}
	norm := account.NormalizeOrigin(origin)
	log.Info("origin permission updated", "origin", norm, "allowed", allowed)
	return accessResult{Origin: norm, Allowed: allowed}, nil
}
