// Package hardware puts hardware wallet families behind one Signer
// interface. Device and family specific errors are normalized to
// DeviceError kinds so callers never see transport codes.
package hardware

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type WalletType string

const (
	WalletLedger WalletType = "ledger"
	WalletAirgap WalletType = "airgap"
)

func ParseWalletType(s string) (WalletType, error) {
	switch WalletType(strings.ToLower(strings.TrimSpace(s))) {
	case WalletLedger:
		return WalletLedger, nil
	case WalletAirgap:
		return WalletAirgap, nil
	default:
		return "", fmt.Errorf("%w: wallet type %q", ErrUnsupported, s)
	}
}

func (w WalletType) DisplayName() string {
	switch w {
	case WalletLedger:
		return "Ledger"
	case WalletAirgap:
		return "Air-gapped"
	default:
		return "Hardware"
	}
}

// DeviceBinding ties a hardware account to a wallet family and path.
// It never changes after import.
type DeviceBinding struct {
	WalletType WalletType `json:"walletType"`
	BIPPath    string     `json:"bipPath"`
}

// DeviceInfo is what Connect learns about the device.
type DeviceInfo struct {
	Family             WalletType
	AppVersion         string
	HashSigningEnabled bool
}

// Signer is one hardware wallet family.
type Signer interface {
	Connect(ctx context.Context) (DeviceInfo, error)
	GetPublicKey(ctx context.Context, bipPath string) (string, error)
	// Sign signs a transaction signature payload. When the device refuses the
	// payload as unsupported and hashSigningAllowed is set, it signs
	// sha256(payload) instead.
	Sign(ctx context.Context, bipPath string, payload []byte, hashSigningAllowed bool) ([]byte, error)
	SignAuthorizationPayload(ctx context.Context, bipPath string, payload []byte) ([]byte, error)
}

// Registry selects the Signer of a wallet family. A nil family is disabled.
type Registry struct {
	ledger Signer
	airgap Signer
}

func NewRegistry(ledger, airgap Signer) *Registry {
	return &Registry{ledger: ledger, airgap: airgap}
}

func (r *Registry) Signer(w WalletType) (Signer, error) {
	var s Signer
	switch w {
	case WalletLedger:
		s = r.ledger
	case WalletAirgap:
		s = r.airgap
	default:
		return nil, deviceErr(ErrUnsupported, w, "unknown wallet type %q", string(w))
	}
	if s == nil {
		return nil, deviceErr(ErrUnsupported, w, "wallet family disabled")
	}
	return s, nil
}

const hardenedBit = 0x80000000

// ParseBIPPath parses "44'/148'/0'" (an optional leading "m/" is accepted).
func ParseBIPPath(path string) ([]uint32, error) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "m/")
	if path == "" {
		return nil, fmt.Errorf("empty bip path")
	}

	parts := strings.Split(path, "/")
	if len(parts) > 10 {
		return nil, fmt.Errorf("bip path too deep: %d", len(parts))
	}

	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		hardened := strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h")
		p = strings.TrimRight(p, "'h")
		n, err := strconv.ParseUint(p, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("bad bip path component %q: %w", p, err)
		}
		v := uint32(n)
		if hardened {
			v |= hardenedBit
		}
		out = append(out, v)
	}
	return out, nil
}

// ValidateStellarPath requires a fully hardened 44'/148'/n' path.
func ValidateStellarPath(path string) error {
	parts, err := ParseBIPPath(path)
	if err != nil {
		return err
	}
	if len(parts) != 3 || parts[0] != 44|hardenedBit || parts[1] != 148|hardenedBit || parts[2]&hardenedBit == 0 {
		return fmt.Errorf("not a stellar account path: %q", path)
	}
	return nil
}
