package background

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/account"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/hardware"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/queue"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/router"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/stellar"
)

// SigningDetail is what an approval surface sees of a queued hardware
// signing request. The payload itself stays in memory.
type SigningDetail struct {
	Origin            string              `json:"origin"`
	PublicKey         string              `json:"publicKey"`
	WalletType        hardware.WalletType `json:"walletType"`
	BIPPath           string              `json:"bipPath"`
	NetworkPassphrase string              `json:"networkPassphrase,omitempty"`
	PayloadHash       string              `json:"payloadHash"`

	payload []byte
}

type queueStateResult struct {
	UUID  string      `json:"uuid"`
	State queue.State `json:"state"`
}

func (s *Service) signTransaction(ctx context.Context, p struct {
	Origin            string `json:"origin"`
	TransactionXDR    string `json:"transactionXdr"`
	NetworkPassphrase string `json:"networkPassphrase"`
}, ks *keystore.Keystore) (any, error) {
	origin, err := s.requireOrigin(ctx, p.Origin)
	if err != nil {
		return nil, err
	}
	a, err := s.accounts.Active(ctx)
	if err != nil {
		return nil, err
	}

	passphrase := strings.TrimSpace(p.NetworkPassphrase)
	if passphrase == "" {
		n, err := s.networks.Current(ctx)
		if err != nil {
			return nil, err
		}
		passphrase = n.NetworkPassphrase
	}
	payload, err := s.builder.SignaturePayload(p.TransactionXDR, passphrase)
	if err != nil {
		return nil, err
	}
	defer zero(payload)

	var (
		sig  []byte
		hint [4]byte
	)
	if a.IsHardware() {
		sig, err = s.hardwareSign(ctx, ks, a, queue.KindSignTx, origin, passphrase, payload)
		if err != nil {
			return nil, err
		}
		hint, err = hintOf(a.PublicKey)
		if err != nil {
			return nil, err
		}
	} else {
		res, err := localSign(ks, a, func() (keystore.Signature, error) { return ks.SignPayload(payload) })
		if err != nil {
			return nil, err
		}
		sig, hint = res.Signature, res.Hint
	}

	signed, err := s.builder.AttachSignature(p.TransactionXDR, hint, sig)
	if err != nil {
		return nil, err
	}
	log.Info("transaction signed", "origin", origin, "signer", a.PublicKey, "kind", string(a.Kind))
	return struct {
		SignedTransaction string `json:"signedTransaction"`
		Signature         string `json:"signature"`
		SignerPublicKey   string `json:"signerPublicKey"`
	}{signed, base64.StdEncoding.EncodeToString(sig), a.PublicKey}, nil
}

func (s *Service) signAuthEntry(ctx context.Context, p struct {
	Origin   string `json:"origin"`
	EntryXDR string `json:"entryXdr"`
}, ks *keystore.Keystore) (any, error) {
	origin, err := s.requireOrigin(ctx, p.Origin)
	if err != nil {
		return nil, err
	}
	a, err := s.accounts.Active(ctx)
	if err != nil {
		return nil, err
	}
	preimage, err := decodeBase64("entryXdr", p.EntryXDR)
	if err != nil {
		return nil, err
	}
	defer zero(preimage)

	var sig []byte
	if a.IsHardware() {
		sig, err = s.hardwareSign(ctx, ks, a, queue.KindSignAuthEntry, origin, "", preimage)
	} else {
		var res keystore.Signature
		res, err = localSign(ks, a, func() (keystore.Signature, error) { return ks.SignAuthEntry(preimage) })
		sig = res.Signature
	}
	if err != nil {
		return nil, err
	}

	log.Info("auth entry signed", "origin", origin, "signer", a.PublicKey)
	return struct {
		SignedAuthEntry string `json:"signedAuthEntry"`
		SignerPublicKey string `json:"signerPublicKey"`
	}{base64.StdEncoding.EncodeToString(sig), a.PublicKey}, nil
}

func (s *Service) signBlob(ctx context.Context, p struct {
	Origin string `json:"origin"`
	Blob   string `json:"blob"`
}, ks *keystore.Keystore) (any, error) {
	origin, err := s.requireOrigin(ctx, p.Origin)
	if err != nil {
		return nil, err
	}
	a, err := s.accounts.Active(ctx)
	if err != nil {
		return nil, err
	}
	if a.IsHardware() {
		return nil, fmt.Errorf("%w: blob signing on %s accounts", hardware.ErrUnsupported, a.Device.WalletType)
	}
	blob, err := decodeBase64("blob", p.Blob)
	if err != nil {
		return nil, err
	}
	defer zero(blob)

	res, err := localSign(ks, a, func() (keystore.Signature, error) { return ks.SignBlob(blob) })
	if err != nil {
		return nil, err
	}

	log.Info("blob signed", "origin", origin, "signer", a.PublicKey)
	return struct {
		SignedBlob      string `json:"signedBlob"`
		SignerPublicKey string `json:"signerPublicKey"`
	}{base64.StdEncoding.EncodeToString(res.Signature), a.PublicKey}, nil
}

// localSign signs with the session key. A locked session fails with
// ErrSessionExpired and never falls back to a device.
func localSign(ks *keystore.Keystore, a account.Account, fn func() (keystore.Signature, error)) (keystore.Signature, error) {
	if ks.Status().ActiveKeyID != a.ID {
		return keystore.Signature{}, keystore.ErrSessionExpired
	}
	res, err := fn()
	if err != nil {
		return keystore.Signature{}, err
	}
	if res.PublicKey != a.PublicKey {
		return keystore.Signature{}, fmt.Errorf("%w: session key belongs to another account", keystore.ErrSessionExpired)
	}
	return res, nil
}

// hardwareSign queues the request for an approval surface and waits for
// its single terminal result.
func (s *Service) hardwareSign(ctx context.Context, ks *keystore.Keystore, a account.Account, kind queue.Kind, origin, passphrase string, payload []byte) ([]byte, error) {
	if !ks.Status().Unlocked {
		return nil, keystore.ErrSessionExpired
	}
	ks.Touch()
	if a.Device == nil {
		return nil, fmt.Errorf("%w: hardware account without device binding", router.ErrProtocolViolation)
	}
	if _, err := s.registry.Signer(a.Device.WalletType); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(payload)
	detail := &SigningDetail{
		Origin:            origin,
		PublicKey:         a.PublicKey,
		WalletType:        a.Device.WalletType,
		BIPPath:           a.Device.BIPPath,
		NetworkPassphrase: passphrase,
		PayloadHash:       hex.EncodeToString(sum[:]),
		payload:           append([]byte(nil), payload...),
	}
	e := s.queue.Create(kind, detail)
	log.Info("hardware signing request queued", "uuid", e.UUID, "kind", string(kind), "wallet_type", string(detail.WalletType))

	res, err := s.queue.Await(ctx, e.UUID)
	if err != nil {
		return nil, err
	}
	switch res.Outcome {
	case queue.OutcomeApproved:
		sig, ok := res.Value.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: approved result carries %T", router.ErrProtocolViolation, res.Value)
		}
		return sig, nil
	case queue.OutcomeRejected:
		return nil, hardware.ErrUserRejected
	case queue.OutcomeExpired:
		return nil, queue.ErrExpired
	default:
		if res.Err != nil {
			return nil, res.Err
		}
		return nil, hardware.ErrTransport
	}
}

func (s *Service) markQueueActive(_ context.Context, p struct {
	UUID   string `json:"uuid"`
	Active bool   `json:"active"`
}, _ *keystore.Keystore) (any, error) {
	var (
		e   queue.Entry
		err error
	)
	if p.Active {
		e, err = s.queue.Activate(p.UUID)
	} else {
		e, err = s.queue.Deactivate(p.UUID)
	}
	if err != nil {
		return nil, err
	}
	return queueStateResult{UUID: e.UUID, State: e.State}, nil
}

// approveSigning drives the device for a queued request. The entry is
// claimed first so a second decision is refused and the sweep cannot
// expire it mid-signature.
func (s *Service) approveSigning(ctx context.Context, p struct {
	UUID string `json:"uuid"`
}, ks *keystore.Keystore) (any, error) {
	e, err := s.queue.Get(p.UUID)
	if err != nil {
		return nil, err
	}
	detail, ok := e.Detail.(*SigningDetail)
	if !ok {
		return nil, fmt.Errorf("%w: queue entry %s has no signing detail", router.ErrProtocolViolation, e.UUID)
	}
	if _, err := s.queue.Claim(e.UUID); err != nil {
		return nil, err
	}
	ks.Touch()

	sig, err := s.deviceSign(ctx, e.Kind, detail)
	if err != nil {
		outcome := queue.OutcomeFailed
		if errors.Is(err, hardware.ErrUserRejected) {
			outcome = queue.OutcomeRejected
		}
		var de *hardware.DeviceError
		if errors.As(err, &de) {
			log.Warn("device signing failed", "uuid", e.UUID, "detail", de.LogDetail())
		}
		if cerr := s.queue.Complete(e.UUID, queue.Result{Outcome: outcome, Err: err}); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}

	if err := s.queue.Complete(e.UUID, queue.Result{Outcome: queue.OutcomeApproved, Value: sig}); err != nil {
		return nil, err
	}
	return queueStateResult{UUID: e.UUID, State: queue.StateDone}, nil
}

func (s *Service) deviceSign(ctx context.Context, kind queue.Kind, d *SigningDetail) ([]byte, error) {
	signer, err := s.registry.Signer(d.WalletType)
	if err != nil {
		return nil, err
	}

	var sig []byte
	switch kind {
	case queue.KindSignTx:
		sig, err = signer.Sign(ctx, d.BIPPath, d.payload, s.hashSigning)
	case queue.KindSignAuthEntry:
		sig, err = signer.SignAuthorizationPayload(ctx, d.BIPPath, d.payload)
	default:
		return nil, fmt.Errorf("%w: %s on hardware", hardware.ErrUnsupported, kind)
	}
	if err != nil {
		return nil, err
	}

	// both kinds sign sha256(payload); a signature from another key means
	// the wrong device or path is plugged in
	sum := sha256.Sum256(d.payload)
	if !stellar.Verify(d.PublicKey, sum[:], sig) {
		return nil, &hardware.DeviceError{Kind: hardware.ErrTransport, Family: d.WalletType, Detail: "signature does not match account " + d.PublicKey}
	}
	return sig, nil
}

func (s *Service) rejectSigning(_ context.Context, p struct {
	UUID string `json:"uuid"`
}, _ *keystore.Keystore) (any, error) {
	if _, err := s.queue.Claim(p.UUID); err != nil {
		return nil, err
	}
	if err := s.queue.Complete(p.UUID, queue.Result{Outcome: queue.OutcomeRejected, Err: hardware.ErrUserRejected}); err != nil {
		return nil, err
	}
	return queueStateResult{UUID: p.UUID, State: queue.StateDone}, nil
}

func (s *Service) getSigningRequest(_ context.Context, p struct {
	UUID string `json:"uuid"`
}, _ *keystore.Keystore) (any, error) {
	return s.queue.Get(p.UUID)
}

func hintOf(address string) ([4]byte, error) {
	var h [4]byte
	pub, err := stellar.Decode(stellar.VersionAccountID, address)
	if err != nil {
		return h, err
	}
	copy(h[:], pub[len(pub)-4:])
	return h, nil
}

func decodeBase64(field, s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, router.Validation("missing %s", field)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, router.Validation("%s is not base64", field)
	}
	return b, nil
}
