// Package realtime defines the Provider interface for realtime voice
// backends.
//
// A realtime provider wraps a hosted model that accepts a continuous stream of
// microphone audio and answers with synthesised speech in a single, stateful
// session. The model performs its own turn detection: when the user starts
// speaking over a response the backend reports an interruption and the client
// is expected to discard whatever it has queued for playback.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"errors"

	"github.com/rijantuby/rijantuby/pkg/audio"
)

// ErrClosed is returned by [Session.SendAudio] after the session has been
// closed.
var ErrClosed = errors.New("realtime: session closed")

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Voice names the prebuilt voice the model speaks with, e.g. "Zephyr".
	// Empty selects the provider default.
	Voice string

	// Instructions is the system instruction that sets the assistant's
	// persona.
	Instructions string
}

// ServerMessage is one event received from the remote session. Exactly one of
// the fields is meaningful per message.
type ServerMessage struct {
	// Audio is a fragment of synthesised speech, base64 PCM16 at 24 kHz.
	Audio *audio.Blob

	// Text is a text part of the model's turn, if the model emits any.
	Text string

	// Interrupted reports that the user barged in and the current response
	// was abandoned.
	Interrupted bool

	// TurnComplete reports that the model finished its response.
	TurnComplete bool
}

// Session represents an open realtime session.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// SendAudio transmits one encoded microphone frame. It returns
	// [ErrClosed] after Close.
	SendAudio(blob audio.Blob) error

	// Messages returns the channel of server events. The channel is closed
	// when the session ends, locally or remotely. After it closes, Err
	// reports whether the session ended because of an error.
	Messages() <-chan ServerMessage

	// Err returns the error that terminated the session, or nil if it was
	// closed cleanly.
	Err() error

	// Close terminates the session and closes the Messages channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime voice backend.
type Provider interface {
	// Connect opens a session and returns once the backend has acknowledged
	// the configuration. The caller owns the Session.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
