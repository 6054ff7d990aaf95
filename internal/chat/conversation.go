// Package chat implements the text chat surface: an ordered list of turns
// whose last model turn grows as streamed fragments arrive.
//
// A [Conversation] owns one provider session. Only one message is in flight
// at a time; fragments are appended to an accumulator owned by the sending
// call and committed to the placeholder model turn after each fragment.
// Failures are rendered through [fault.Message] so the transcript only ever
// shows fixed user-facing texts.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rijantuby/rijantuby/internal/fault"
	"github.com/rijantuby/rijantuby/internal/observe"
	chatprovider "github.com/rijantuby/rijantuby/pkg/provider/chat"
)

// Greeting is the model turn every conversation starts with.
const Greeting = "Hello! I am RIjantuby AI. How can I assist you today?"

// DefaultSystemInstruction is the persona used when none is configured.
const DefaultSystemInstruction = "You are RIjantuby AI, a helpful and friendly assistant."

var (
	// ErrEmptyInput is returned by Send for whitespace-only input.
	ErrEmptyInput = errors.New("chat: empty input")

	// ErrBusy is returned by Send while another message is in flight.
	ErrBusy = errors.New("chat: request in flight")

	errNoSession = errors.New("chat: no session")
)

// Turn is one entry of the transcript.
type Turn struct {
	Role chatprovider.Role `json:"role"`
	Text string            `json:"text"`
}

// Snapshot is a point-in-time copy of the conversation state.
type Snapshot struct {
	Turns   []Turn `json:"turns"`
	Loading bool   `json:"loading"`
}

// Option is a functional option for [New].
type Option func(*Conversation)

// WithSystemInstruction overrides [DefaultSystemInstruction].
func WithSystemInstruction(s string) Option {
	return func(c *Conversation) { c.system = s }
}

// WithModel selects the provider model. Empty keeps the provider default.
func WithModel(model string) Option {
	return func(c *Conversation) { c.model = model }
}

// WithObserver registers fn to receive a snapshot after every change. fn is
// called without internal locks held, from the goroutine that made the
// change.
func WithObserver(fn func(Snapshot)) Option {
	return func(c *Conversation) { c.observers = append(c.observers, fn) }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Conversation) { c.logger = l }
}

// WithMetrics records exchange latency and failures to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Conversation) { c.metrics = m }
}

// Conversation is a chat transcript bound to one provider session. It is
// safe for concurrent use.
type Conversation struct {
	provider  chatprovider.Provider
	system    string
	model     string
	observers []func(Snapshot)
	logger    *slog.Logger
	metrics   *observe.Metrics

	mu      sync.Mutex
	turns   []Turn
	loading bool
	session chatprovider.Session
	initErr error
}

// New returns a conversation seeded with the greeting turn. Call
// [Conversation.Init] before sending.
func New(p chatprovider.Provider, opts ...Option) *Conversation {
	c := &Conversation{
		provider: p,
		system:   DefaultSystemInstruction,
		logger:   slog.Default(),
		turns:    []Turn{{Role: chatprovider.RoleModel, Text: Greeting}},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Init opens the provider session. On failure the initialisation error turn
// is appended and every later Send fails with the generic chat error.
func (c *Conversation) Init(ctx context.Context) error {
	sess, err := c.provider.NewSession(ctx, chatprovider.SessionConfig{
		Model:             c.model,
		SystemInstruction: c.system,
	})

	c.mu.Lock()
	if err != nil {
		err = fault.Wrap(fault.InitializationFailure, "chat.init", err)
		c.initErr = err
		c.turns = append(c.turns, Turn{Role: chatprovider.RoleModel, Text: fault.Message(fault.ChatInit, err)})
	} else {
		c.session = sess
		c.initErr = nil
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("chat session init failed", "err", err)
		c.metrics.RecordError(ctx, fault.ChatInit.String(), fault.Classify(err).String())
	}
	c.notify(snap)
	return err
}

// Send appends text as a user turn and streams the reply into a new model
// turn. It blocks until the stream ends. Whitespace-only input returns
// [ErrEmptyInput]; a concurrent call returns [ErrBusy]. Neither changes the
// transcript.
func (c *Conversation) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}

	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return ErrBusy
	}
	c.turns = append(c.turns, Turn{Role: chatprovider.RoleUser, Text: text})
	c.loading = true
	c.turns = append(c.turns, Turn{Role: chatprovider.RoleModel})
	idx := len(c.turns) - 1
	sess, initErr := c.session, c.initErr
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)

	ctx, span := observe.StartChatSpan(ctx, c.model)
	start := time.Now()

	var err error
	if sess == nil {
		if initErr == nil {
			initErr = errNoSession
		}
		err = fault.Wrap(fault.InitializationFailure, "chat.send", initErr)
	} else {
		err = c.stream(ctx, sess, text, idx)
	}

	c.finish(idx, err)

	status, kind := "ok", ""
	if err != nil {
		status, kind = "error", fault.Classify(err).String()
		c.metrics.RecordError(ctx, fault.ChatSend.String(), kind)
		c.logger.Warn("chat send failed", "err", err, "kind", kind)
	}
	c.metrics.RecordChatExchange(ctx, time.Since(start), status)
	observe.EndSpan(span, err, kind)
	return err
}

// stream drains the reply into turn idx.
func (c *Conversation) stream(ctx context.Context, sess chatprovider.Session, text string, idx int) error {
	var acc strings.Builder
	for frag, err := range sess.SendMessageStream(ctx, text) {
		if err != nil {
			var fe *fault.Error
			if errors.As(err, &fe) {
				return err
			}
			return fault.Wrap(fault.TransmissionFailure, "chat.send", err)
		}
		if frag == "" {
			continue
		}
		acc.WriteString(frag)
		c.commit(idx, acc.String())
	}
	return nil
}

// commit replaces the text of turn idx and notifies observers.
func (c *Conversation) commit(idx int, text string) {
	c.mu.Lock()
	c.turns[idx].Text = text
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// finish clears loading and, on failure, renders err into the transcript:
// an untouched placeholder is replaced, otherwise a new model turn is added.
func (c *Conversation) finish(idx int, err error) {
	c.mu.Lock()
	c.loading = false
	if err != nil {
		msg := fault.Message(fault.ChatSend, err)
		if c.turns[idx].Text == "" {
			c.turns[idx].Text = msg
		} else {
			c.turns = append(c.turns, Turn{Role: chatprovider.RoleModel, Text: msg})
		}
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(snap)
}

// Snapshot returns a copy of the current state.
func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Loading reports whether a message is in flight.
func (c *Conversation) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

func (c *Conversation) snapshotLocked() Snapshot {
	return Snapshot{Turns: slices.Clone(c.turns), Loading: c.loading}
}

func (c *Conversation) notify(s Snapshot) {
	for _, fn := range c.observers {
		fn(s)
	}
}
