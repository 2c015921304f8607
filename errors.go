// Package replaybridge holds the types shared by the archive registration
// and replay packages: the error taxonomy and BLAKE3 hashing helpers.
package replaybridge

import "errors"

// Kind is a stable, machine readable error category.
type Kind string

const (
	KindRegistration  Kind = "registration_error"
	KindTimeout       Kind = "timeout_error"
	KindNotRegistered Kind = "not_registered_error"
	KindUpstreamFetch Kind = "upstream_fetch_error"
	KindPermission    Kind = "permission_error"
	KindUnsupported   Kind = "unsupported_error"
	KindUnknown       Kind = "unknown_error"
)

var (
	// ErrRegistration reports that every candidate worker registration failed.
	ErrRegistration = errors.New("worker registration failed")

	// ErrTimeout reports that a probe, request or registration attempt
	// exceeded its bound.
	ErrTimeout = errors.New("timed out")

	// ErrNotRegistered reports an archive id unknown to the registry.
	ErrNotRegistered = errors.New("archive not registered")

	// ErrUpstreamFetch reports a network failure fetching archive bytes.
	ErrUpstreamFetch = errors.New("upstream fetch failed")

	// ErrPermission reports that resource access needs user consent.
	ErrPermission = errors.New("permission needed")

	// ErrUnsupported reports that a required capability is missing.
	ErrUnsupported = errors.New("unsupported")
)

// KindOf classifies err. Errors outside the taxonomy are KindUnknown.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRegistration):
		return KindRegistration
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrNotRegistered):
		return KindNotRegistered
	case errors.Is(err, ErrUpstreamFetch):
		return KindUpstreamFetch
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	default:
		return KindUnknown
	}
}
