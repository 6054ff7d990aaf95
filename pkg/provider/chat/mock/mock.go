// Package mock provides test doubles for the chat package interfaces.
//
// Script a Session with one Response per expected message; each call to
// SendMessageStream consumes the next Response in order.
//
// Example:
//
//	sess := &mock.Session{Responses: []mock.Response{
//	    {Fragments: []string{"Hi", " there!"}},
//	}}
//	p := &mock.Provider{Session: sess}
package mock

import (
	"context"
	"iter"
	"sync"

	"github.com/rijantuby/rijantuby/pkg/provider/chat"
)

// NewSessionCall records a single invocation of Provider.NewSession.
type NewSessionCall struct {
	Cfg chat.SessionConfig
}

// Provider is a mock implementation of chat.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, an empty Session is created.
	Session *Session

	// NewSessionErr, if non-nil, is returned by NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (p *Provider) NewSession(_ context.Context, cfg chat.SessionConfig) (chat.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NewSessionCalls = append(p.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if p.NewSessionErr != nil {
		return nil, p.NewSessionErr
	}
	if p.Session == nil {
		p.Session = &Session{}
	}
	return p.Session, nil
}

// Calls returns a copy of the recorded NewSession calls.
func (p *Provider) Calls() []NewSessionCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]NewSessionCall(nil), p.NewSessionCalls...)
}

var _ chat.Provider = (*Provider)(nil)

// Response scripts the reply to one message.
type Response struct {
	// Fragments are yielded in order.
	Fragments []string

	// Err, if non-nil, is yielded after the fragments.
	Err error

	// Gate, if non-nil, is waited on before each fragment is yielded; send
	// one value per fragment to release them step by step, or close it to
	// release all. Context cancellation aborts the wait with ctx.Err().
	Gate chan struct{}
}

// Session is a mock implementation of chat.Session.
type Session struct {
	mu sync.Mutex

	// Responses are consumed one per SendMessageStream iteration. When they
	// run out, the stream is empty.
	Responses []Response

	// Messages records the text of every iterated SendMessageStream call.
	Messages []string

	next int
}

// SendMessageStream implements chat.Session.
func (s *Session) SendMessageStream(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.Lock()
		s.Messages = append(s.Messages, text)
		var r Response
		if s.next < len(s.Responses) {
			r = s.Responses[s.next]
		}
		s.next++
		s.mu.Unlock()

		for _, frag := range r.Fragments {
			if r.Gate != nil {
				select {
				case <-r.Gate:
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				}
			}
			if !yield(frag, nil) {
				return
			}
		}
		if r.Err != nil {
			yield("", r.Err)
		}
	}
}

// Sent returns a copy of the recorded messages.
func (s *Session) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Messages...)
}

var _ chat.Session = (*Session)(nil)
