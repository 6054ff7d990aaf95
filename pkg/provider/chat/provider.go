// Package chat defines the Provider interface for streaming text chat
// backends.
//
// A chat provider opens stateful sessions against a hosted model. Each
// [Session] remembers the conversation so far and answers one user message
// at a time with a lazily evaluated stream of text fragments. Providers whose
// underlying API is stateless keep the transcript themselves in a [History].
//
// Implementations must be safe for concurrent use. A single Session is
// driven by one caller at a time.
package chat

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
)

// ErrRateLimited marks errors caused by the backend rejecting a request for
// quota or rate reasons (HTTP 429 and friends). Providers wrap it alongside
// the SDK error when they can detect the condition structurally.
var ErrRateLimited = errors.New("chat: rate limited")

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one committed turn of a session's transcript.
type Message struct {
	Role Role
	Text string
}

// SessionConfig configures a new chat session.
type SessionConfig struct {
	// Model is the backend model name. Empty selects the provider default.
	Model string

	// SystemInstruction sets the assistant's persona for the whole session.
	SystemInstruction string
}

// Session is an open conversation with the model.
type Session interface {
	// SendMessageStream sends text as the next user message and returns the
	// model's reply as a finite sequence of text fragments. The request is
	// issued when the sequence is first iterated; it cannot be restarted. An
	// error, if any, is the last element yielded. Breaking out of the loop
	// early cancels the stream.
	SendMessageStream(ctx context.Context, text string) iter.Seq2[string, error]
}

// Provider is the abstraction over any chat backend.
type Provider interface {
	// NewSession opens a conversation. It fails when the backend cannot be
	// initialised, e.g. because of missing credentials.
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
}

// History is a transcript kept on behalf of a stateless backend. It is safe
// for concurrent use.
type History struct {
	mu   sync.Mutex
	msgs []Message
}

// Messages returns a copy of the committed transcript.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.msgs)
}

// Commit appends a completed exchange. Failed exchanges are never committed
// so that a retry resends the same context.
func (h *History) Commit(user, reply string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, Message{Role: RoleUser, Text: user}, Message{Role: RoleModel, Text: reply})
}

// Len returns the number of committed messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}
