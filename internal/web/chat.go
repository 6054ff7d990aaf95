package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/rijantuby/rijantuby/internal/chat"
	"github.com/rijantuby/rijantuby/internal/observe"
)

// serveChat upgrades to a websocket and runs one chat conversation for the
// lifetime of the connection. Every change to the transcript is pushed as a
// turns message.
func (s *Server) serveChat(w http.ResponseWriter, r *http.Request) {
	conn, err := s.accept(w, r)
	if err != nil {
		s.log.Warn("chat websocket accept failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := observe.Logger(ctx).With("surface", "chat")

	s.metrics.AddConnections(ctx, "chat", 1)
	defer s.metrics.AddConnections(context.WithoutCancel(ctx), "chat", -1)

	p := newPeer(conn, log)
	go p.writeLoop(ctx)

	set := s.settings()
	opts := []chat.Option{
		chat.WithModel(set.ChatModel),
		chat.WithObserver(func(snap chat.Snapshot) { _ = p.send(newTurnsMessage(snap)) }),
		chat.WithLogger(log),
		chat.WithMetrics(s.metrics),
	}
	if set.ChatInstruction != "" {
		opts = append(opts, chat.WithSystemInstruction(set.ChatInstruction))
	}
	conv := chat.New(s.chat, opts...)

	_ = p.send(newTurnsMessage(conv.Snapshot()))
	// A failed init is rendered into the transcript.
	_ = conv.Init(ctx)

	var wg sync.WaitGroup
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			log.Debug("chat websocket closed", "err", err)
			break
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("ignoring malformed chat message", "err", err)
			continue
		}
		if msg.Type != typeSend {
			log.Debug("ignoring unknown chat message", "type", msg.Type)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := conv.Send(ctx, msg.Text)
			if errors.Is(err, chat.ErrEmptyInput) || errors.Is(err, chat.ErrBusy) {
				log.Debug("chat send ignored", "err", err)
			}
		}()
	}

	cancel()
	wg.Wait()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
