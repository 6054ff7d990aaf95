// Package fault classifies failures into user-facing categories and renders
// the fixed messages shown for them.
//
// Errors never reach the user verbatim. Each surface wraps its failures in an
// [*Error] carrying a [Kind] and the operation that failed; [Message] then
// picks the text to display. Anything that looks like quota exhaustion or rate
// limiting is shown the overload message regardless of where it occurred.
package fault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rijantuby/rijantuby/internal/resilience"
	"github.com/rijantuby/rijantuby/pkg/provider/chat"
)

// ErrQuotaExceeded marks an error as quota or rate exhaustion without relying
// on its text. It is the same sentinel chat providers wrap for HTTP 429.
var ErrQuotaExceeded = chat.ErrRateLimited

// Kind is the category of a failure.
type Kind int

const (
	// KindUnknown is the zero value; it renders the surface's generic message.
	KindUnknown Kind = iota

	// InitializationFailure means the remote client could not be constructed,
	// e.g. a missing API key or a failed connect.
	InitializationFailure

	// TransmissionFailure means sending or streaming a request failed.
	TransmissionFailure

	// PermissionFailure means microphone access was denied.
	PermissionFailure

	// RemoteSessionError means an open realtime session reported an error.
	RemoteSessionError

	// QuotaExceeded is derived by classification, never assigned directly.
	QuotaExceeded
)

// String returns the kind's log and metric label.
func (k Kind) String() string {
	switch k {
	case InitializationFailure:
		return "initialization"
	case TransmissionFailure:
		return "transmission"
	case PermissionFailure:
		return "permission"
	case RemoteSessionError:
		return "remote_session"
	case QuotaExceeded:
		return "quota_exceeded"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the failed operation, e.g. "chat.send" or "voice.start".
	Op  string
	Err error
}

// Wrap returns an *Error, or nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// quotaMarkers are matched against the lower-cased error text.
var quotaMarkers = []string{
	"rate limit",
	"quota",
	"resource has been exhausted",
	"resource_exhausted",
}

// IsQuota reports whether err indicates quota exhaustion or rate limiting.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, m := range quotaMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// Classify returns the effective kind of err. Quota detection overrides the
// wrapped kind; unwrapped errors are KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if IsQuota(err) {
		return QuotaExceeded
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return TransmissionFailure
	}
	return KindUnknown
}
