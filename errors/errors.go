// Package errors models the sync core's explicit result taxonomy: kinds a
// caller can switch on instead of exceptions, and the gRPC code each kind
// maps to at the wire boundary.
package errors

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is the coarse error category. Subkinds refine a handful of these
// (BadRequest, Unavailable, NotFound) without changing the wire-level mapping.
type Kind string

const (
	KindBadRequest     Kind = "bad_request"
	KindNotFound       Kind = "not_found"
	KindUnavailable    Kind = "unavailable"
	KindUnauthenticated Kind = "unauthenticated"
	KindUnauthorized   Kind = "unauthorized"
	KindUnknown        Kind = "unknown"
)

// Subkind refines a Kind for logging and metrics. It never changes the
// gRPC code a Kind maps to.
type Subkind string

const (
	SubkindParseFailure      Subkind = "parse_failure"
	SubkindValidationFailure Subkind = "validation_failure"
	SubkindInvalidParam      Subkind = "invalid_param"
	SubkindConflict          Subkind = "conflict"
	SubkindDuplicate         Subkind = "duplicate"
	SubkindNetworkFailure    Subkind = "network_failure"
	SubkindStorageFailure    Subkind = "storage_failure"
	SubkindNotFound          Subkind = "not_found"
)

// HubError is the explicit result type the sync core returns instead of
// raising exceptions. ErrCode names the fine-grained kind; on the wire it
// appears only as the leading part of the status message.
type HubError struct {
	Kind    Kind
	Subkind Subkind
	Message string
	cause   error
}

// New builds a HubError of the given kind with no subkind.
func New(kind Kind, message string) *HubError {
	return &HubError{Kind: kind, Message: message}
}

// Newf is New with fmt-style formatting.
func Newf(kind Kind, format string, args ...any) *HubError {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithSubkind attaches a subkind for logging/metrics granularity.
func (e *HubError) WithSubkind(sub Subkind) *HubError {
	e.Subkind = sub
	return e
}

// Wrap attaches an underlying cause, preserved by Unwrap.
func (e *HubError) Wrap(cause error) *HubError {
	e.cause = cause
	return e
}

func (e *HubError) Error() string {
	if e == nil {
		return ""
	}
	code := string(e.Kind)
	if e.Subkind != "" {
		code = code + "." + string(e.Subkind)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", code, e.Message)
}

func (e *HubError) Unwrap() error { return e.cause }

// ErrCode is the fine-grained code, kind plus optional subkind. It is not
// sent as RPC metadata.
func (e *HubError) ErrCode() string {
	if e.Subkind != "" {
		return string(e.Kind) + "." + string(e.Subkind)
	}
	return string(e.Kind)
}

// GRPCCode maps the error kind to the gRPC status code the wire surface
// returns to peers: unauthenticated -> UNAUTHENTICATED, unauthorized ->
// PERMISSION_DENIED, any bad_request* -> INVALID_ARGUMENT, not_found ->
// NOT_FOUND, any unavailable* -> UNAVAILABLE, anything else -> UNKNOWN.
func (e *HubError) GRPCCode() codes.Code {
	switch e.Kind {
	case KindUnauthenticated:
		return codes.Unauthenticated
	case KindUnauthorized:
		return codes.PermissionDenied
	case KindBadRequest:
		return codes.InvalidArgument
	case KindNotFound:
		return codes.NotFound
	case KindUnavailable:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

// GRPCError renders e as a status error with code GRPCCode and message
// e.Error(), which begins with ErrCode. No trailer metadata is set, so a
// peer sees the fine-grained kind only inside the message text.
func (e *HubError) GRPCError() error {
	return status.Error(e.GRPCCode(), e.Error())
}

// IsUnknownFidOrInvalidSigner reports whether err is the one merge failure
// the sync engine recovers from automatically by fetching the missing ID
// registry event and signer messages.
func IsUnknownFidOrInvalidSigner(err error) bool {
	var he *HubError
	if !AsHubError(err, &he) {
		return false
	}
	return he.Kind == KindBadRequest &&
		(he.Subkind == SubkindInvalidParam || he.Message == "unknown fid" || he.Message == "invalid signer")
}

// AsHubError is a small errors.As helper kept local so callers don't need
// to import the standard errors package just for this one type switch.
func AsHubError(err error, target **HubError) bool {
	for err != nil {
		if he, ok := err.(*HubError); ok {
			*target = he
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
