package hardware

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound = errors.New("DeviceNotFound")
	ErrUserRejected   = errors.New("UserRejected")
	ErrUnsupported    = errors.New("UnsupportedOperation")
	ErrTransport      = errors.New("TransportError")
)

// DeviceError is what every Signer returns on failure. Kind is one of the
// sentinels above; Detail is for logs and never shown to the user.
type DeviceError struct {
	Kind       error
	Family     WalletType
	StatusWord uint16
	Detail     string
}

func (e *DeviceError) Error() string { return e.Kind.Error() }

func (e *DeviceError) Unwrap() error { return e.Kind }

// LogDetail renders the full error for logging.
func (e *DeviceError) LogDetail() string {
	if e.StatusWord != 0 {
		return fmt.Sprintf("%s: %s (sw=0x%04X): %s", e.Family, e.Kind, e.StatusWord, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Family, e.Kind, e.Detail)
}

func deviceErr(kind error, family WalletType, format string, args ...any) *DeviceError {
	return &DeviceError{Kind: kind, Family: family, Detail: fmt.Sprintf(format, args...)}
}
