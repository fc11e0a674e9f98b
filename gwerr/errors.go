// Package gwerr defines the stable error taxonomy shared across every
// component of the gateway. Every error a caller can observe
// carries a Kind, a human message, and an optional detail map; background
// errors are logged instead of returned but still carry the same Kind so
// log-based alerting can group on it.
package gwerr

import "fmt"

// Kind is a stable identifier for one class of error, grouped into
// transport, protocol, report, session, and configuration errors.
type Kind string

const (
	// Transport errors.
	KindDeviceNotFound       Kind = "device_not_found"
	KindDeviceInUse          Kind = "device_in_use"
	KindDisconnected         Kind = "disconnected"
	KindTransportUnavailable Kind = "transport_unavailable"
	KindTimeout              Kind = "timeout"

	// Protocol errors.
	KindRPCNotFound        Kind = "rpc_not_found"
	KindRPCInvalidArgs     Kind = "rpc_invalid_args"
	KindRPCInvalidResponse Kind = "rpc_invalid_response"
	KindTileBusy           Kind = "tile_busy"
	KindAsyncRPCInFlight   Kind = "async_rpc_in_flight"

	// Report errors.
	KindSignatureInvalid Kind = "signature_invalid"
	KindDecryptionFailed Kind = "decryption_failed"
	KindMalformedReport  Kind = "malformed_report"
	KindReportTooLarge   Kind = "report_too_large"
	KindKeyUnavailable   Kind = "key_unavailable"

	// Session errors.
	KindNotConnected     Kind = "not_connected"
	KindInterfaceNotOpen Kind = "interface_not_open"
	KindCancelled        Kind = "cancelled"

	// Configuration errors.
	KindUnknownAdapter Kind = "unknown_adapter"
	KindUnknownAgent   Kind = "unknown_agent"
	KindBadArgument    Kind = "bad_argument"
)

// Error is the concrete error type returned from every fallible public
// operation in the gateway. It is comparable with errors.Is against the
// sentinel values declared per-package because its Is method matches on
// Kind.
type Error struct {
	Kind    Kind
	Message string
	Detail  map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with an optional detail map.
func New(kind Kind, message string, detail map[string]interface{}) *Error {
	return &Error{Kind: kind, Message: message, Detail: detail}
}

// Wrap attaches a Kind to an underlying cause, preserving it for
// errors.Unwrap/errors.Is chains.
func Wrap(kind Kind, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// Is allows errors.Is(err, gwerr.Sentinel) to match on Kind alone, so that
// call sites can check `errors.Is(err, gwerr.ErrTimeout)` regardless of
// which package produced the concrete *Error.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// Sentinel kind markers usable directly with errors.Is, one per Kind. These
// carry no message or detail; call sites compare only the Kind.
var (
	ErrDeviceNotFound       = &Error{Kind: KindDeviceNotFound}
	ErrDeviceInUse          = &Error{Kind: KindDeviceInUse}
	ErrDisconnected         = &Error{Kind: KindDisconnected}
	ErrTransportUnavailable = &Error{Kind: KindTransportUnavailable}
	ErrTimeout              = &Error{Kind: KindTimeout}

	ErrRPCNotFound        = &Error{Kind: KindRPCNotFound}
	ErrRPCInvalidArgs     = &Error{Kind: KindRPCInvalidArgs}
	ErrRPCInvalidResponse = &Error{Kind: KindRPCInvalidResponse}
	ErrTileBusy           = &Error{Kind: KindTileBusy}
	ErrAsyncRPCInFlight   = &Error{Kind: KindAsyncRPCInFlight}

	ErrSignatureInvalid = &Error{Kind: KindSignatureInvalid}
	ErrDecryptionFailed = &Error{Kind: KindDecryptionFailed}
	ErrMalformedReport  = &Error{Kind: KindMalformedReport}
	ErrReportTooLarge   = &Error{Kind: KindReportTooLarge}
	ErrKeyUnavailable   = &Error{Kind: KindKeyUnavailable}

	ErrNotConnected     = &Error{Kind: KindNotConnected}
	ErrInterfaceNotOpen = &Error{Kind: KindInterfaceNotOpen}
	ErrCancelled        = &Error{Kind: KindCancelled}

	ErrUnknownAdapter = &Error{Kind: KindUnknownAdapter}
	ErrUnknownAgent   = &Error{Kind: KindUnknownAgent}
	ErrBadArgument    = &Error{Kind: KindBadArgument}
)
