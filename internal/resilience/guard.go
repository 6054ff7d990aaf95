package resilience

import (
	"context"
	"iter"

	"github.com/rijantuby/rijantuby/pkg/provider/chat"
	"github.com/rijantuby/rijantuby/pkg/provider/realtime"
)

// GuardChat returns a chat provider whose message streams pass through cb.
// A stream counts as failed when it ends with an error; a consumer that
// stops early counts as success. Session creation is not guarded: it fails
// on configuration problems, not on backend health.
func GuardChat(p chat.Provider, cb *CircuitBreaker) chat.Provider {
	return &guardedChat{provider: p, cb: cb}
}

type guardedChat struct {
	provider chat.Provider
	cb       *CircuitBreaker
}

func (g *guardedChat) NewSession(ctx context.Context, cfg chat.SessionConfig) (chat.Session, error) {
	sess, err := g.provider.NewSession(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &guardedChatSession{session: sess, cb: g.cb}, nil
}

type guardedChatSession struct {
	session chat.Session
	cb      *CircuitBreaker
}

func (s *guardedChatSession) SendMessageStream(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		probe, err := s.cb.Allow()
		if err != nil {
			yield("", err)
			return
		}

		var streamErr error
		defer func() { s.cb.Record(probe, streamErr) }()

		for frag, err := range s.session.SendMessageStream(ctx, text) {
			if err != nil {
				streamErr = err
				yield("", err)
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	}
}

// GuardRealtime returns a realtime provider whose handshakes pass through cb.
func GuardRealtime(p realtime.Provider, cb *CircuitBreaker) realtime.Provider {
	return &guardedRealtime{provider: p, cb: cb}
}

type guardedRealtime struct {
	provider realtime.Provider
	cb       *CircuitBreaker
}

func (g *guardedRealtime) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	var sess realtime.Session
	err := g.cb.Execute(func() error {
		var err error
		sess, err = g.provider.Connect(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

var (
	_ chat.Provider     = (*guardedChat)(nil)
	_ chat.Session      = (*guardedChatSession)(nil)
	_ realtime.Provider = (*guardedRealtime)(nil)
)
