package hardware

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/karalabe/hid"
)

const (
	ledgerVendorID  = 0x2c97
	ledgerUsagePage = 0xffa0

	hidChannel    = 0x0101
	hidTagAPDU    = 0x05
	hidReportSize = 64
)

type hidDevice interface {
	io.ReadWriter
	Close() error
}

// hidExchanger frames APDUs into 64-byte HID reports.
type hidExchanger struct {
	dev hidDevice
}

// OpenLedgerHID finds the first Ledger device on USB and opens it.
func OpenLedgerHID(ctx context.Context) (Exchanger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !hid.Supported() {
		return nil, deviceErr(ErrUnsupported, WalletLedger, "usb hid not supported on this platform")
	}

	infos, err := hid.Enumerate(ledgerVendorID, 0)
	if err != nil {
		return nil, deviceErr(ErrTransport, WalletLedger, "enumerate: %v", err)
	}
	for _, info := range infos {
		// the Ledger interface is identified by usage page or interface 0
		if info.UsagePage != ledgerUsagePage && info.Interface != 0 {
			continue
		}
		dev, err := info.Open()
		if err != nil {
			return nil, deviceErr(ErrTransport, WalletLedger, "open %s: %v", info.Path, err)
		}
		return &hidExchanger{dev: dev}, nil
	}
	return nil, deviceErr(ErrDeviceNotFound, WalletLedger, "no ledger device connected")
}

func (h *hidExchanger) Close() error { return h.dev.Close() }

func (h *hidExchanger) Exchange(apdu []byte) ([]byte, error) {
	for _, report := range wrapAPDU(apdu) {
		if _, err := h.dev.Write(report); err != nil {
			return nil, fmt.Errorf("hid write: %w", err)
		}
	}
	return unwrapAPDU(h.dev)
}

// wrapAPDU splits apdu into HID reports: channel(2) tag(1) seq(2), then
// the total length(2) on the first report, then data, zero padded.
func wrapAPDU(apdu []byte) [][]byte {
	data := make([]byte, 0, 2+len(apdu))
	data = binary.BigEndian.AppendUint16(data, uint16(len(apdu)))
	data = append(data, apdu...)

	var reports [][]byte
	for seq := uint16(0); len(data) > 0; seq++ {
		report := make([]byte, hidReportSize)
		binary.BigEndian.PutUint16(report[0:], hidChannel)
		report[2] = hidTagAPDU
		binary.BigEndian.PutUint16(report[3:], seq)

		n := copy(report[5:], data)
		data = data[n:]
		reports = append(reports, report)
	}
	return reports
}

func unwrapAPDU(r io.Reader) ([]byte, error) {
	var (
		out   []byte
		total = -1
		seq   uint16
	)
	buf := make([]byte, hidReportSize)
	for total < 0 || len(out) < total {
		n, err := r.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("hid read: %w", err)
		}
		if n < 5 {
			return nil, fmt.Errorf("hid read: short report (%d bytes)", n)
		}
		report := buf[:n]

		if binary.BigEndian.Uint16(report[0:]) != hidChannel || report[2] != hidTagAPDU {
			return nil, fmt.Errorf("hid read: unexpected channel or tag")
		}
		if got := binary.BigEndian.Uint16(report[3:]); got != seq {
			return nil, fmt.Errorf("hid read: sequence %d, want %d", got, seq)
		}

		payload := report[5:]
		if seq == 0 {
			if len(payload) < 2 {
				return nil, fmt.Errorf("hid read: missing length")
			}
			total = int(binary.BigEndian.Uint16(payload))
			payload = payload[2:]
			out = make([]byte, 0, total)
		}
		out = append(out, payload[:min(len(payload), total-len(out))]...)
		seq++
	}
	return out, nil
}
