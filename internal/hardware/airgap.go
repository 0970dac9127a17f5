package hardware

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/quantumauth-io/quantum-wallet-agent/internal/stellar"
	"github.com/skip2/go-qrcode"
)

const airgapProtocolVersion = 1

var (
	ErrNoCamera      = errors.New("airgap: no camera available")
	ErrScanCancelled = errors.New("airgap: scan cancelled")
)

// AirgapRequest is the QR payload shown to the air-gapped device.
type AirgapRequest struct {
	Version int    `json:"v"`
	Op      string `json:"op"`
	Path    string `json:"path"`
	Payload string `json:"payload,omitempty"`
}

type airgapAnswer struct {
	Version   int    `json:"v"`
	PublicKey string `json:"publicKey,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Display shows a request QR code to the user.
type Display interface {
	Show(ctx context.Context, req AirgapRequest, png []byte) error
}

// Scanner reads the device's answer QR code.
type Scanner interface {
	Ready(ctx context.Context) error
	Scan(ctx context.Context) ([]byte, error)
}

type Airgap struct {
	display Display
	scanner Scanner
	qrSize  int
}

func NewAirgap(display Display, scanner Scanner) *Airgap {
	return &Airgap{display: display, scanner: scanner, qrSize: 512}
}

func (a *Airgap) Connect(ctx context.Context) (DeviceInfo, error) {
	if err := a.scanner.Ready(ctx); err != nil {
		return DeviceInfo{}, airgapErr(err)
	}
	return DeviceInfo{Family: WalletAirgap}, nil
}

func (a *Airgap) GetPublicKey(ctx context.Context, bipPath string) (string, error) {
	ans, err := a.roundTrip(ctx, AirgapRequest{Op: "get-public-key", Path: bipPath})
	if err != nil {
		return "", err
	}
	if !stellar.IsValidAccountID(ans.PublicKey) {
		return "", deviceErr(ErrTransport, WalletAirgap, "answer carries no valid public key")
	}
	return ans.PublicKey, nil
}

// Sign has the device sign payload itself; hash signing is not a concept
// for this family.
func (a *Airgap) Sign(ctx context.Context, bipPath string, payload []byte, _ bool) ([]byte, error) {
	ans, err := a.roundTrip(ctx, AirgapRequest{
		Op:      "sign-tx",
		Path:    bipPath,
		Payload: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(ans.Signature)
	if err != nil || len(sig) != 64 {
		return nil, deviceErr(ErrTransport, WalletAirgap, "answer carries no valid signature")
	}
	return sig, nil
}

func (a *Airgap) SignAuthorizationPayload(context.Context, string, []byte) ([]byte, error) {
	return nil, deviceErr(ErrUnsupported, WalletAirgap, "authorization entries cannot be signed over QR")
}

func (a *Airgap) roundTrip(ctx context.Context, req AirgapRequest) (airgapAnswer, error) {
	if err := ValidateStellarPath(req.Path); err != nil {
		return airgapAnswer{}, deviceErr(ErrUnsupported, WalletAirgap, "%v", err)
	}
	req.Version = airgapProtocolVersion

	content, err := json.Marshal(req)
	if err != nil {
		return airgapAnswer{}, deviceErr(ErrTransport, WalletAirgap, "encode request: %v", err)
	}
	png, err := qrcode.Encode(string(content), qrcode.Medium, a.qrSize)
	if err != nil {
		return airgapAnswer{}, deviceErr(ErrTransport, WalletAirgap, "render qr: %v", err)
	}

	if err := a.display.Show(ctx, req, png); err != nil {
		return airgapAnswer{}, airgapErr(err)
	}
	raw, err := a.scanner.Scan(ctx)
	if err != nil {
		return airgapAnswer{}, airgapErr(err)
	}

	var ans airgapAnswer
	if err := json.Unmarshal(raw, &ans); err != nil {
		return airgapAnswer{}, deviceErr(ErrTransport, WalletAirgap, "malformed answer: %v", err)
	}
	if ans.Version != airgapProtocolVersion {
		return airgapAnswer{}, deviceErr(ErrTransport, WalletAirgap, "answer version %d", ans.Version)
	}
	return ans, nil
}

func airgapErr(err error) error {
	var de *DeviceError
	switch {
	case errors.As(err, &de):
		return de
	case errors.Is(err, ErrNoCamera):
		return deviceErr(ErrDeviceNotFound, WalletAirgap, "%v", err)
	case errors.Is(err, ErrScanCancelled), errors.Is(err, context.Canceled):
		return deviceErr(ErrUserRejected, WalletAirgap, "%v", err)
	default:
		return deviceErr(ErrTransport, WalletAirgap, "%v", err)
	}
}
