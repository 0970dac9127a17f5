package http

// Generic HTTP / JSON strings
const (
	HTTPErrorMethodNotAllowedText = "method not allowed"
	HTTPErrorInvalidJSONText      = "invalid JSON"
	HTTPErrorBadRequestText       = "bad request"
	HTTPErrorForbiddenText        = "forbidden"
	HTTPErrorForbiddenHostText    = "forbidden host"
	HTTPErrorForbiddenOriginText  = "forbidden origin"
	HTTPErrorUnauthorizedText     = "unauthorized"
	HTTPErrorNotPairedText        = "extension not paired"
)

// Pairing flow constants
const (
	PairingErrorMissingPairIDOrCodeText = "missing pair_id or code"
	PairingErrorPairExpiredText         = "pair expired"
	PairingErrorInvalidCodeText         = "invalid code"
)

const (
	extensionPairHeader = "X-QA-Extension"

	// browsers cannot set headers on a WebSocket upgrade
	extensionTokenQuery = "token"

	corsMaxAgeSeconds = 600
	maxEnvelopeBytes  = 1 << 20
)
