package voice

import (
	"github.com/rijantuby/rijantuby/internal/fault"
	"github.com/rijantuby/rijantuby/pkg/audio"
	"github.com/rijantuby/rijantuby/pkg/audio/capture"
	"github.com/rijantuby/rijantuby/pkg/audio/playback"
	"github.com/rijantuby/rijantuby/pkg/provider/realtime"
)

// event is processed by the controller's loop. Events raised on behalf of a
// session carry its generation; events from a torn-down session are stale
// and dropped.
type event interface {
	generation() uint64
}

// gen is embedded by session-scoped events.
type gen uint64

func (g gen) generation() uint64 { return uint64(g) }

// control events are not tied to a session.
type control struct{}

func (control) generation() uint64 { return 0 }

type (
	startRequested struct{ control }
	endRequested   struct{ control }
	micToggled     struct {
		control
		on bool
	}

	// opened is the session-open callback: the handshake completed.
	opened struct {
		gen
		session realtime.Session
	}

	// fragmentReceived carries one audio fragment from the server.
	fragmentReceived struct {
		gen
		blob audio.Blob
	}

	// interrupted is the server's barge-in signal.
	interrupted struct{ gen }

	// errored is any failure raised while the session is opening or open.
	errored struct {
		gen
		surface fault.Surface
		err     error
	}

	// closed is a clean remote close.
	closed struct{ gen }

	playbackEnded struct {
		gen
		id playback.UnitID
	}

	micReady struct {
		gen
		source capture.Source
	}

	micFailed struct {
		gen
		err error
	}
)
