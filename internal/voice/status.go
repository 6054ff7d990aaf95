package voice

import "fmt"

// Status is the externally visible state of a voice conversation.
type Status int

const (
	// StatusIdle means no session exists.
	StatusIdle Status = iota

	// StatusConnecting means the session handshake is in flight.
	StatusConnecting

	// StatusListening means the session is open and no assistant audio is
	// playing.
	StatusListening

	// StatusSpeaking means at least one playback unit is active.
	StatusSpeaking

	// StatusError means the last operation failed. Start may be retried.
	StatusError
)

// String returns the lower-case status name used on the wire.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusListening:
		return "listening"
	case StatusSpeaking:
		return "speaking"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether a session is open or opening.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusListening || s == StatusSpeaking
}

// State is a snapshot published to observers after every change.
type State struct {
	Status Status `json:"status"`

	// Error is the user-facing message while Status is [StatusError].
	Error string `json:"error,omitempty"`

	// MicOn is the microphone toggle. It survives across sessions.
	MicOn bool `json:"mic_on"`
}
