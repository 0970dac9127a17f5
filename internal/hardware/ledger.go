package hardware

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/stellar"
)

// Stellar app APDU layout.
const (
	ledgerCLA = 0xE0

	insGetPublicKey    = 0x02
	insSignTx          = 0x04
	insGetConf         = 0x06
	insSignHash        = 0x08
	insSignSorobanAuth = 0x0A

	p1First = 0x00
	p1More  = 0x80
	p2Last  = 0x00
	p2More  = 0x80

	p2NoConfirm = 0x00

	maxChunk = 255
)

// Status words returned by the Stellar app and the dashboard.
const (
	swOK              = 0x9000
	swUserRejected    = 0x6985
	swTxParsingFailed = 0x6C66
	swDataTooLarge    = 0x6C24
	swHashSigningOff  = 0x6C25
	swUnknownINS      = 0x6D00
	swUnknownCLA      = 0x6E00
	swLocked          = 0x5515
	swAppNotOpen      = 0x6511
	swWrongApp        = 0x6E01
)

// Exchanger sends one APDU and returns the response including the trailing
// status word.
type Exchanger interface {
	Exchange(apdu []byte) ([]byte, error)
	Close() error
}

// Opener opens a fresh connection to a device.
type Opener func(ctx context.Context) (Exchanger, error)

// Ledger talks to the Stellar app on a Ledger device. Each operation opens
// its own connection and closes it when done.
type Ledger struct {
	open Opener
}

func NewLedger(open Opener) *Ledger {
	return &Ledger{open: open}
}

func (l *Ledger) Connect(ctx context.Context) (DeviceInfo, error) {
	var info DeviceInfo
	err := l.with(ctx, func(ex Exchanger) error {
		resp, err := exchange(ex, apdu(insGetConf, p1First, p2Last, nil))
		if err != nil {
			return err
		}
		if len(resp) < 4 {
			return deviceErr(ErrTransport, WalletLedger, "short configuration response: %d bytes", len(resp))
		}
		info = DeviceInfo{
			Family:             WalletLedger,
			HashSigningEnabled: resp[0] == 0x01,
			AppVersion:         fmt.Sprintf("%d.%d.%d", resp[1], resp[2], resp[3]),
		}
		return nil
	})
	return info, err
}

func (l *Ledger) GetPublicKey(ctx context.Context, bipPath string) (string, error) {
	path, err := encodePath(bipPath)
	if err != nil {
		return "", err
	}

	var address string
	err = l.with(ctx, func(ex Exchanger) error {
		resp, err := exchange(ex, apdu(insGetPublicKey, p1First, p2NoConfirm, path))
		if err != nil {
			return err
		}
		if len(resp) < 32 {
			return deviceErr(ErrTransport, WalletLedger, "short public key response: %d bytes", len(resp))
		}
		address, err = stellar.Encode(stellar.VersionAccountID, resp[:32])
		return err
	})
	return address, err
}

func (l *Ledger) Sign(ctx context.Context, bipPath string, payload []byte, hashSigningAllowed bool) ([]byte, error) {
	path, err := encodePath(bipPath)
	if err != nil {
		return nil, err
	}

	var sig []byte
	err = l.with(ctx, func(ex Exchanger) error {
		sig, err = sendChunked(ex, insSignTx, path, payload)
		if err == nil || !hashSigningAllowed || !isUnsupported(err) {
			return err
		}

		log.Warn("ledger refused transaction, falling back to hash signing", "path", bipPath)
		h := sha256.Sum256(payload)
		sig, err = sendChunked(ex, insSignHash, path, h[:])
		return err
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

func (l *Ledger) SignAuthorizationPayload(ctx context.Context, bipPath string, payload []byte) ([]byte, error) {
	path, err := encodePath(bipPath)
	if err != nil {
		return nil, err
	}

	var sig []byte
	err = l.with(ctx, func(ex Exchanger) error {
		sig, err = sendChunked(ex, insSignSorobanAuth, path, payload)
		return err
	})
	return sig, err
}

func (l *Ledger) with(ctx context.Context, fn func(Exchanger) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ex, err := l.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ex.Close(); cerr != nil {
			log.Warn("ledger close failed", "error", cerr)
		}
	}()
	return fn(ex)
}

// sendChunked sends path||data split into 255-byte APDUs and returns the
// signature from the last response.
func sendChunked(ex Exchanger, ins byte, path, data []byte) ([]byte, error) {
	buf := make([]byte, 0, len(path)+len(data))
	buf = append(buf, path...)
	buf = append(buf, data...)

	var resp []byte
	for off := 0; off < len(buf); {
		end := min(off+maxChunk, len(buf))

		p1 := byte(p1More)
		if off == 0 {
			p1 = p1First
		}
		p2 := byte(p2Last)
		if end < len(buf) {
			p2 = p2More
		}

		var err error
		resp, err = exchange(ex, apdu(ins, p1, p2, buf[off:end]))
		if err != nil {
			return nil, err
		}
		off = end
	}

	if len(resp) < 64 {
		return nil, deviceErr(ErrTransport, WalletLedger, "short signature response: %d bytes", len(resp))
	}
	return resp[:64], nil
}

func apdu(ins, p1, p2 byte, data []byte) []byte {
	out := make([]byte, 0, 5+len(data))
	out = append(out, ledgerCLA, ins, p1, p2, byte(len(data)))
	return append(out, data...)
}

// exchange sends one APDU and strips the status word, mapping failures.
func exchange(ex Exchanger, cmd []byte) ([]byte, error) {
	resp, err := ex.Exchange(cmd)
	if err != nil {
		if _, ok := err.(*DeviceError); ok {
			return nil, err
		}
		return nil, deviceErr(ErrTransport, WalletLedger, "exchange: %v", err)
	}
	if len(resp) < 2 {
		return nil, deviceErr(ErrTransport, WalletLedger, "response without status word")
	}

	sw := binary.BigEndian.Uint16(resp[len(resp)-2:])
	if sw != swOK {
		return nil, statusError(sw)
	}
	return resp[:len(resp)-2], nil
}

func statusError(sw uint16) *DeviceError {
	kind := ErrTransport
	switch sw {
	case swUserRejected:
		kind = ErrUserRejected
	case swTxParsingFailed, swDataTooLarge, swHashSigningOff, swUnknownINS, swUnknownCLA:
		kind = ErrUnsupported
	case swLocked, swAppNotOpen, swWrongApp:
		kind = ErrDeviceNotFound
	}
	return &DeviceError{
		Kind:       kind,
		Family:     WalletLedger,
		StatusWord: sw,
		Detail:     "stellar app status",
	}
}

func isUnsupported(err error) bool {
	de, ok := err.(*DeviceError)
	return ok && de.Kind == ErrUnsupported && de.StatusWord != swHashSigningOff
}

// encodePath is count byte followed by big-endian components.
func encodePath(bipPath string) ([]byte, error) {
	parts, err := ParseBIPPath(bipPath)
	if err != nil {
		return nil, deviceErr(ErrUnsupported, WalletLedger, "%v", err)
	}
	out := make([]byte, 0, 1+4*len(parts))
	out = append(out, byte(len(parts)))
	for _, p := range parts {
		out = binary.BigEndian.AppendUint32(out, p)
	}
	return out, nil
}
