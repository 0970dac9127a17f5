package stellar

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
)

// VersionByte is the leading byte of a strkey, selecting the first character.
type VersionByte byte

const (
	VersionAccountID VersionByte = 6 << 3  // G...
	VersionSeed      VersionByte = 18 << 3 // S...
)

var (
	ErrInvalidStrkey  = errors.New("stellar: invalid strkey")
	ErrInvalidVersion = errors.New("stellar: unexpected strkey version")
	ErrInvalidCRC     = errors.New("stellar: strkey checksum mismatch")
)

var strkeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Encode returns the strkey form of a 32-byte payload.
func Encode(version VersionByte, payload []byte) (string, error) {
	if len(payload) != 32 {
		return "", fmt.Errorf("%w: payload must be 32 bytes, got %d", ErrInvalidStrkey, len(payload))
	}

	raw := make([]byte, 0, 1+len(payload)+2)
	raw = append(raw, byte(version))
	raw = append(raw, payload...)
	raw = binary.LittleEndian.AppendUint16(raw, crc16(raw))

	return strkeyEncoding.EncodeToString(raw), nil
}

// Decode validates s against the expected version and returns its payload.
func Decode(expected VersionByte, s string) ([]byte, error) {
	raw, err := strkeyEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStrkey, err)
	}
	if len(raw) != 1+32+2 {
		return nil, fmt.Errorf("%w: bad length %d", ErrInvalidStrkey, len(raw))
	}
	if VersionByte(raw[0]) != expected {
		return nil, ErrInvalidVersion
	}

	body, sum := raw[:len(raw)-2], raw[len(raw)-2:]
	if crc16(body) != binary.LittleEndian.Uint16(sum) {
		return nil, ErrInvalidCRC
	}

	out := make([]byte, 32)
	copy(out, body[1:])
	return out, nil
}

// IsValidAccountID reports whether s is a well-formed G... address.
func IsValidAccountID(s string) bool {
	_, err := Decode(VersionAccountID, s)
	return err == nil
}

// crc16 is CRC-16/XMODEM (poly 0x1021, init 0).
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
