// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script server events and inspect which methods the voice
// controller invoked.
//
// Example:
//
//	sess := mock.NewSession(8)
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(realtime.ServerMessage{Interrupted: true})
//	sess.Fail(errors.New("quota exceeded"))
package mock

import (
	"context"
	"sync"

	"github.com/rijantuby/rijantuby/pkg/audio"
	"github.com/rijantuby/rijantuby/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a new Session
	// with a 64-message buffer.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until it is closed or the context
	// is done.
	Block chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	last *Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := p.Session
	if sess == nil {
		sess = NewSession(64)
	}
	p.last = sess
	return sess, nil
}

// ConnectCount returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Last returns the session handed out by the most recent successful Connect.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Ensure Provider implements realtime.Provider at compile time.
var _ realtime.Provider = (*Provider)(nil)

// Session is a mock implementation of realtime.Session. Server events are
// injected with Emit; the session ends with End, Fail or Close.
type Session struct {
	mu sync.Mutex

	messages chan realtime.ServerMessage
	done     chan struct{}
	ended    bool
	err      error

	// BlockSend makes SendAudio wait until the session ends, the way a
	// transport stalled on a full socket does.
	BlockSend bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls records every blob passed to SendAudio in order.
	SendAudioCalls []audio.Blob

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session whose Messages channel buffers n events.
func NewSession(n int) *Session {
	return &Session{
		messages: make(chan realtime.ServerMessage, n),
		done:     make(chan struct{}),
	}
}

// Emit delivers a server event. It returns false if the session has ended.
// Emit blocks when the buffer is full.
func (s *Session) Emit(m realtime.ServerMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.messages <- m
	return true
}

// End simulates a clean remote close.
func (s *Session) End() { s.finish(nil) }

// Fail simulates the session terminating with err.
func (s *Session) Fail(err error) { s.finish(err) }

func (s *Session) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.messages)
	close(s.done)
}

// SendAudio records the call and returns SendAudioErr. With BlockSend set
// it records the call, waits for the session to end and returns
// [realtime.ErrClosed].
func (s *Session) SendAudio(blob audio.Blob) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return realtime.ErrClosed
	}
	if s.BlockSend {
		s.SendAudioCalls = append(s.SendAudioCalls, blob)
		s.mu.Unlock()
		<-s.done
		return realtime.ErrClosed
	}
	defer s.mu.Unlock()
	s.SendAudioCalls = append(s.SendAudioCalls, blob)
	return s.SendAudioErr
}

// SentCount returns the number of recorded SendAudio calls. Thread-safe.
func (s *Session) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Sent returns a copy of the recorded SendAudio blobs. Thread-safe.
func (s *Session) Sent() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Blob(nil), s.SendAudioCalls...)
}

// Messages returns the event channel.
func (s *Session) Messages() <-chan realtime.ServerMessage { return s.messages }

// Err returns the error passed to Fail, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call, ends the session cleanly and returns CloseErr.
func (s *Session) Close() error {
	s.finish(nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Closed reports whether Close has been called at least once. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

// Ensure Session implements realtime.Session at compile time.
var _ realtime.Session = (*Session)(nil)
