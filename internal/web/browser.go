package web

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rijantuby/rijantuby/pkg/audio"
	"github.com/rijantuby/rijantuby/pkg/audio/capture"
	"github.com/rijantuby/rijantuby/pkg/audio/playback"
)

// sourceBuffer is the number of sample blocks buffered between the socket
// reader and the capture pipeline.
const sourceBuffer = 32

// ErrMicDenied is returned by the browser microphone when the user or the
// browser refuses access.
var ErrMicDenied = errors.New("web: microphone access denied")

var (
	_ capture.Microphone = (*browserMic)(nil)
	_ capture.Source     = (*browserSource)(nil)
	_ playback.Sink      = (*browserSink)(nil)
)

type micReply struct {
	src *browserSource
	err error
}

// browserMic is a [capture.Microphone] whose device lives in the browser.
// Open asks the page for getUserMedia and waits for its answer; sample
// frames then arrive as binary websocket messages.
type browserMic struct {
	peer *peer

	mu      sync.Mutex
	pending chan micReply
	src     *browserSource
}

func newBrowserMic(p *peer) *browserMic {
	return &browserMic{peer: p}
}

// Open implements [capture.Microphone].
func (m *browserMic) Open(ctx context.Context) (capture.Source, error) {
	reply := make(chan micReply, 1)
	m.mu.Lock()
	if m.pending != nil {
		m.mu.Unlock()
		return nil, errors.New("web: microphone request already pending")
	}
	m.pending = reply
	m.mu.Unlock()

	if err := m.peer.send(controlMessage{Type: typeMicRequest}); err != nil {
		m.clearPending(reply)
		return nil, fmt.Errorf("web: request microphone: %w", err)
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		return r.src, nil
	case <-ctx.Done():
		m.clearPending(reply)
		// The page may have answered in the meantime.
		select {
		case r := <-reply:
			if r.src != nil {
				_ = r.src.Stop()
			}
		default:
		}
		return nil, ctx.Err()
	case <-m.peer.done:
		m.clearPending(reply)
		return nil, errPeerClosed
	}
}

func (m *browserMic) clearPending(reply chan micReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == reply {
		m.pending = nil
	}
}

// ready handles a mic_ready message. Answers nobody asked for are ignored.
func (m *browserMic) ready(sampleRate int) {
	if sampleRate <= 0 {
		m.deny("invalid sample rate")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return
	}
	src := &browserSource{
		format:  audio.Format{SampleRate: sampleRate, Channels: 1},
		samples: make(chan []float32, sourceBuffer),
	}
	src.onStop = func() {
		m.mu.Lock()
		if m.src == src {
			m.src = nil
		}
		m.mu.Unlock()
		_ = m.peer.send(controlMessage{Type: typeMicRelease})
	}
	m.src = src
	m.pending <- micReply{src: src}
	m.pending = nil
}

// deny handles a mic_denied message.
func (m *browserMic) deny(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return
	}
	err := ErrMicDenied
	if reason != "" {
		err = fmt.Errorf("%w: %s", ErrMicDenied, reason)
	}
	m.pending <- micReply{err: err}
	m.pending = nil
}

// frame handles one binary message of little-endian float32 samples.
func (m *browserMic) frame(data []byte) {
	m.mu.Lock()
	src := m.src
	m.mu.Unlock()
	if src == nil {
		return
	}
	src.push(decodeFloat32LE(data))
}

// release stops the open source, if any.
func (m *browserMic) release() {
	m.mu.Lock()
	src := m.src
	m.mu.Unlock()
	if src != nil {
		_ = src.Stop()
	}
}

// browserSource is the [capture.Source] fed by a browserMic.
type browserSource struct {
	format  audio.Format
	samples chan []float32
	onStop  func()

	mu      sync.Mutex
	stopped bool
	dropped int
}

func (s *browserSource) Format() audio.Format      { return s.format }
func (s *browserSource) Samples() <-chan []float32 { return s.samples }

// Stop implements [capture.Source].
func (s *browserSource) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.samples)
	s.mu.Unlock()
	if s.onStop != nil {
		s.onStop()
	}
	return nil
}

// push delivers a block without blocking the socket reader. Blocks that do
// not fit are dropped.
func (s *browserSource) push(block []float32) {
	if len(block) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	select {
	case s.samples <- block:
	default:
		s.dropped++
	}
}

// Dropped returns the number of blocks discarded because the pipeline fell
// behind.
func (s *browserSource) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func decodeFloat32LE(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// browserSink is the [playback.Sink] that renders units in the browser.
type browserSink struct {
	peer *peer
}

// Play implements [playback.Sink]. Only the first channel is sent; playback
// fragments are mono.
func (s *browserSink) Play(u playback.Unit, buf audio.Buffer) error {
	if len(buf.Channels) == 0 {
		return errors.New("web: empty buffer")
	}
	blob := audio.EncodeBlob(buf.Channels[0], audio.Format{SampleRate: buf.SampleRate, Channels: 1})
	return s.peer.send(audioMessage{
		Type:       typeAudio,
		ID:         uint64(u.ID),
		StartMS:    millis(u.Start),
		DurationMS: millis(u.Duration),
		SampleRate: buf.SampleRate,
		Data:       blob.Data,
	})
}

// Stop implements [playback.Sink].
func (s *browserSink) Stop(id playback.UnitID) {
	_ = s.peer.send(stopMessage{Type: typeStop, ID: uint64(id)})
}
