package web

import (
	"github.com/rijantuby/rijantuby/internal/chat"
	"github.com/rijantuby/rijantuby/internal/voice"
)

// Message types exchanged over the browser websockets.
const (
	// client → server
	typeSend      = "send"
	typeStart     = "start"
	typeEnd       = "end"
	typeMic       = "mic"
	typeMicReady  = "mic_ready"
	typeMicDenied = "mic_denied"

	// server → client
	typeTurns      = "turns"
	typeStatus     = "status"
	typeMicRequest = "mic_request"
	typeMicRelease = "mic_release"
	typeClock      = "clock"
	typeAudio      = "audio"
	typeStop       = "stop"
)

// clientMessage is any JSON text frame sent by the browser. Only the fields
// relevant to Type are populated.
type clientMessage struct {
	Type string `json:"type"`

	// send
	Text string `json:"text,omitempty"`

	// mic
	Enabled bool `json:"enabled,omitempty"`

	// mic_ready
	SampleRate int `json:"sample_rate,omitempty"`

	// mic_denied
	Reason string `json:"reason,omitempty"`
}

type turnsMessage struct {
	Type    string      `json:"type"`
	Turns   []chat.Turn `json:"turns"`
	Loading bool        `json:"loading"`
}

func newTurnsMessage(s chat.Snapshot) turnsMessage {
	turns := s.Turns
	if turns == nil {
		turns = []chat.Turn{}
	}
	return turnsMessage{Type: typeTurns, Turns: turns, Loading: s.Loading}
}

type statusMessage struct {
	Type string `json:"type"`
	voice.State
}

// controlMessage carries the bodiless server notifications (mic_request,
// mic_release, clock).
type controlMessage struct {
	Type string `json:"type"`
}

// audioMessage schedules one playback unit in the browser. StartMS is
// relative to the origin announced by the last clock message.
type audioMessage struct {
	Type       string  `json:"type"`
	ID         uint64  `json:"id"`
	StartMS    float64 `json:"start_ms"`
	DurationMS float64 `json:"duration_ms"`
	SampleRate int     `json:"sample_rate"`
	Data       string  `json:"data"`
}

type stopMessage struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
}
