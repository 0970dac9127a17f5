package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantumauth-io/quantum-wallet-agent/internal/account"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/funding"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/hardware"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/queue"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/stellar"
	"github.com/quantumauth-io/quantum-wallet-agent/internal/storage"
)

// Kind is the error category carried back to the page.
type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindWrongPassword     Kind = "WrongPassword"
	KindSessionExpired    Kind = "SessionExpired"
	KindUnknownRequest    Kind = "UnknownRequest"
	KindDeviceNotFound    Kind = "DeviceNotFound"
	KindUserRejected      Kind = "UserRejected"
	KindUnsupported       Kind = "UnsupportedOperation"
	KindTransport         Kind = "TransportError"
	KindStorage           Kind = "StorageError"
	KindProtocolViolation Kind = "ProtocolViolation"
	KindApprovalRequired  Kind = "ApprovalRequired"
	KindNotFound          Kind = "NotFound"
	KindRequestExpired    Kind = "RequestExpired"
)

// GenericErrorMessage replaces detail the page must not see.
const GenericErrorMessage = "Something went wrong, please try again"

var (
	ErrValidation        = errors.New(string(KindValidation))
	ErrUnknownRequest    = errors.New(string(KindUnknownRequest))
	ErrProtocolViolation = errors.New(string(KindProtocolViolation))
	ErrApprovalRequired  = errors.New(string(KindApprovalRequired))
)

// Validation wraps ErrValidation with a message the page may show.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Classify maps an error from any collaborator to its Kind. Unknown errors
// are protocol violations: they mean a handler failed in a way nobody planned.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnknownRequest):
		return KindUnknownRequest
	case errors.Is(err, ErrApprovalRequired):
		return KindApprovalRequired
	case errors.Is(err, ErrProtocolViolation):
		return KindProtocolViolation

	case errors.Is(err, keystore.ErrWrongPassword):
		return KindWrongPassword
	case errors.Is(err, keystore.ErrSessionExpired):
		return KindSessionExpired
	case errors.Is(err, keystore.ErrRecordNotFound):
		return KindNotFound

	case errors.Is(err, hardware.ErrDeviceNotFound):
		return KindDeviceNotFound
	case errors.Is(err, hardware.ErrUserRejected):
		return KindUserRejected
	case errors.Is(err, hardware.ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, hardware.ErrTransport):
		return KindTransport

	case errors.Is(err, queue.ErrDuplicateResult), errors.Is(err, queue.ErrFinished):
		return KindProtocolViolation
	case errors.Is(err, queue.ErrExpired):
		return KindRequestExpired
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, account.ErrNotFound):
		return KindNotFound
	case errors.Is(err, account.ErrDuplicate),
		errors.Is(err, account.ErrInvalid),
		errors.Is(err, account.ErrUnknownNetwork),
		errors.Is(err, funding.ErrAlreadyFunded),
		errors.Is(err, stellar.ErrInvalidPayload),
		errors.Is(err, stellar.ErrInvalidMnemonic),
		errors.Is(err, stellar.ErrInvalidStrkey),
		errors.Is(err, stellar.ErrInvalidVersion),
		errors.Is(err, stellar.ErrInvalidCRC):
		return KindValidation

	case errors.Is(err, funding.ErrFunding):
		return KindTransport
	case errors.Is(err, storage.ErrStorage):
		return KindStorage
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTransport
	default:
		return KindProtocolViolation
	}
}

// PublicMessage is the error text placed in a response. Storage failures
// and protocol violations collapse to GenericErrorMessage; validation
// errors keep their detail.
func PublicMessage(err error) string {
	kind := Classify(err)
	switch kind {
	case KindStorage, KindProtocolViolation:
		return GenericErrorMessage
	case KindValidation:
		if errors.Is(err, ErrValidation) {
			return err.Error()
		}
		return string(kind)
	default:
		return string(kind)
	}
}
