package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/rijantuby/rijantuby/internal/observe"
	"github.com/rijantuby/rijantuby/internal/voice"
	"github.com/rijantuby/rijantuby/pkg/audio/capture"
	"github.com/rijantuby/rijantuby/pkg/audio/playback"
	"github.com/rijantuby/rijantuby/pkg/provider/realtime"
)

// voiceReadLimit bounds a single inbound message. Sample frames are a few
// tens of KiB.
const voiceReadLimit = 1 << 20

// serveVoice upgrades to a websocket and runs one voice controller for the
// lifetime of the connection. The browser supplies the microphone and renders
// playback; everything else happens here.
func (s *Server) serveVoice(w http.ResponseWriter, r *http.Request) {
	conn, err := s.accept(w, r)
	if err != nil {
		s.log.Warn("voice websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(voiceReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := observe.Logger(ctx).With("surface", "voice")

	s.metrics.AddConnections(ctx, "voice", 1)
	defer s.metrics.AddConnections(context.WithoutCancel(ctx), "voice", -1)

	p := newPeer(conn, log)
	go p.writeLoop(ctx)

	mic := newBrowserMic(p)
	newOutput := func() (playback.Output, error) {
		// Unit start times are relative to the clock created here; the page
		// anchors its own timeline when it sees the clock message.
		if err := p.send(controlMessage{Type: typeClock}); err != nil {
			return nil, err
		}
		return playback.NewTimedOutput(playback.NewSystemClock(), &browserSink{peer: p}), nil
	}

	set := s.settings()
	opts := []voice.Option{
		voice.WithSessionConfig(realtime.SessionConfig{
			Voice:        set.Voice,
			Instructions: set.VoiceInstruction,
		}),
		voice.WithObserver(func(st voice.State) {
			_ = p.send(statusMessage{Type: typeStatus, State: st})
		}),
		voice.WithLogger(log),
		voice.WithMetrics(s.metrics),
	}
	if set.CaptureQueueDepth > 0 {
		opts = append(opts, voice.WithCaptureOptions(capture.WithQueueDepth(set.CaptureQueueDepth)))
	}
	ctrl := voice.New(s.realtime, mic, newOutput, opts...)
	_ = p.send(statusMessage{Type: typeStatus, State: ctrl.State()})

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := ctrl.Run(ctx); err != nil {
			log.Error("voice controller stopped", "err", err)
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			log.Debug("voice websocket closed", "err", err)
			break
		}
		if typ == websocket.MessageBinary {
			mic.frame(data)
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("ignoring malformed voice message", "err", err)
			continue
		}
		switch msg.Type {
		case typeStart:
			ctrl.Start()
		case typeEnd:
			ctrl.End()
		case typeMic:
			ctrl.SetMic(msg.Enabled)
		case typeMicReady:
			mic.ready(msg.SampleRate)
		case typeMicDenied:
			mic.deny(msg.Reason)
		default:
			log.Debug("ignoring unknown voice message", "type", msg.Type)
		}
	}

	cancel()
	<-runDone
	mic.release()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
