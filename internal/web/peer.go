package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// outboxSize is the number of messages queued per connection before senders
// block.
const outboxSize = 256

// errPeerClosed is returned by [peer.send] once the connection is gone.
var errPeerClosed = errors.New("web: connection closed")

// peer serialises outgoing JSON messages for one browser connection. Senders
// never write to the socket themselves, so a slow client stalls the outbox
// rather than the voice event loop or a chat stream.
type peer struct {
	conn *websocket.Conn
	log  *slog.Logger

	outbox chan []byte
	done   chan struct{}
	once   sync.Once
}

func newPeer(conn *websocket.Conn, log *slog.Logger) *peer {
	return &peer{
		conn:   conn,
		log:    log,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
}

// send queues v for delivery. It blocks while the outbox is full and fails
// once the peer has been closed.
func (p *peer) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.outbox <- data:
		return nil
	case <-p.done:
		return errPeerClosed
	}
}

// writeLoop drains the outbox until ctx is cancelled or a write fails. It
// closes the peer on exit.
func (p *peer) writeLoop(ctx context.Context) {
	defer p.close()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-p.outbox:
			if err := p.conn.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() == nil {
					p.log.Debug("websocket write failed", "err", err)
				}
				return
			}
		}
	}
}

func (p *peer) close() {
	p.once.Do(func() { close(p.done) })
}
