// Package capture turns live microphone samples into transport-ready audio
// frames.
//
// A [Pipeline] reads float sample blocks from a [Source], applies a gain
// stage (used for muting), converts to 16-bit PCM at 16 kHz, cuts the stream
// into fixed-size frames, and hands each frame as a base64 [audio.Blob] to a
// [Sender]. Transmission runs on its own goroutine in arrival order and never
// blocks the producer: when the outgoing queue is full the newest frame is
// dropped and a warning is logged.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rijantuby/rijantuby/pkg/audio"
)

// ErrStarted is returned by [Pipeline.Start] when the pipeline is already
// running or has been closed.
var ErrStarted = errors.New("capture: pipeline already started")

// Source is an open microphone stream.
type Source interface {
	// Format reports the rate and channel layout of the blocks on Samples.
	// Multi-channel blocks are interleaved.
	Format() audio.Format

	// Samples delivers blocks of float samples in [-1, 1]. The channel is
	// closed when the source stops.
	Samples() <-chan []float32

	// Stop releases the device and closes the Samples channel. It is
	// idempotent.
	Stop() error
}

// Microphone acquires a [Source]. Open fails when the user or platform denies
// access to the device.
type Microphone interface {
	Open(ctx context.Context) (Source, error)
}

// Sender transmits one encoded frame to the remote session.
type Sender interface {
	SendAudio(blob audio.Blob) error
}

// SenderFunc adapts an ordinary function to the [Sender] interface.
type SenderFunc func(audio.Blob) error

// SendAudio calls f(blob).
func (f SenderFunc) SendAudio(blob audio.Blob) error { return f(blob) }

// FrameOutcome reports what happened to a single frame.
type FrameOutcome int

const (
	// FrameSent means the Sender accepted the frame.
	FrameSent FrameOutcome = iota

	// FrameDropped means the queue was full and the frame was discarded.
	FrameDropped

	// FrameFailed means the Sender returned an error.
	FrameFailed
)

// String returns the outcome's metric label.
func (o FrameOutcome) String() string {
	switch o {
	case FrameSent:
		return "sent"
	case FrameDropped:
		return "dropped"
	case FrameFailed:
		return "failed"
	default:
		return fmt.Sprintf("FrameOutcome(%d)", int(o))
	}
}

const defaultQueueDepth = 32

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSize sets the number of 16 kHz samples per frame. Non-positive
// values are ignored. Defaults to [audio.FrameSize].
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithQueueDepth sets how many frames may wait for transmission before new
// frames are dropped. Defaults to 32.
func WithQueueDepth(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueDepth = n
		}
	}
}

// WithFrameHook registers a callback invoked for every frame outcome. It is
// called from the pipeline's goroutines and must not block.
func WithFrameHook(fn func(FrameOutcome)) Option {
	return func(p *Pipeline) { p.hook = fn }
}

// WithLogger sets the logger used for dropped and failed frames.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline connects a [Source] to a [Sender].
type Pipeline struct {
	src    Source
	sender Sender

	frameSize  int
	queueDepth int
	hook       func(FrameOutcome)
	log        *slog.Logger

	gain atomic.Uint32 // math.Float32bits

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Pipeline reading from src and transmitting through sender.
// The gain starts at 1.
func New(src Source, sender Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		src:        src,
		sender:     sender,
		frameSize:  audio.FrameSize,
		queueDepth: defaultQueueDepth,
		log:        slog.Default(),
	}
	p.gain.Store(math.Float32bits(1))
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetGain sets the multiplier applied to every sample. A gain of 0 mutes the
// microphone while frames keep flowing.
func (p *Pipeline) SetGain(g float32) { p.gain.Store(math.Float32bits(g)) }

// Gain returns the current gain.
func (p *Pipeline) Gain() float32 { return math.Float32frombits(p.gain.Load()) }

// SetMuted is shorthand for SetGain(0) or SetGain(1).
func (p *Pipeline) SetMuted(muted bool) {
	if muted {
		p.SetGain(0)
		return
	}
	p.SetGain(1)
}

// Start launches the producer and sender goroutines. They run until ctx is
// cancelled, the source closes, or Close is called.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return ErrStarted
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	queue := make(chan audio.Blob, p.queueDepth)

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		defer close(queue)
		p.produce(ctx, queue)
	}()
	go func() {
		defer p.wg.Done()
		p.transmit(ctx, queue)
	}()
	return nil
}

// Close stops the source and waits for both goroutines to exit. Frames still
// queued are discarded. Close is idempotent.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	err := p.src.Stop()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	if err != nil {
		return fmt.Errorf("capture: stop source: %w", err)
	}
	return nil
}

func (p *Pipeline) produce(ctx context.Context, queue chan<- audio.Blob) {
	format := p.src.Format()
	rs := audio.NewResampler(format.SampleRate, audio.CaptureFormat.SampleRate)
	frameBytes := p.frameSize * 2
	pending := make([]byte, 0, frameBytes*2)

	samples := p.src.Samples()
	for {
		var block []float32
		select {
		case <-ctx.Done():
			return
		case b, ok := <-samples:
			if !ok {
				return
			}
			block = b
		}

		pcm := p.convert(block, format.Channels, rs)
		pending = append(pending, pcm...)
		for len(pending) >= frameBytes {
			blob := audio.EncodePCM(pending[:frameBytes], audio.CaptureFormat)
			pending = append(pending[:0], pending[frameBytes:]...)
			select {
			case queue <- blob:
			default:
				p.log.Warn("capture: transmit queue full, dropping frame", "queue_depth", p.queueDepth)
				p.report(FrameDropped)
			}
		}
	}
}

// convert applies gain, downmixes to mono and returns 16 kHz PCM. rs carries
// the resampling phase from one block to the next.
func (p *Pipeline) convert(block []float32, channels int, rs *audio.Resampler) []byte {
	gain := p.Gain()
	mono := downmix(block, channels)
	if gain != 1 {
		scaled := make([]float32, len(mono))
		for i, s := range mono {
			scaled[i] = s * gain
		}
		mono = scaled
	}
	return audio.FloatToPCM16(rs.Process(mono))
}

func (p *Pipeline) transmit(ctx context.Context, queue <-chan audio.Blob) {
	failing := false
	for blob := range queue {
		if ctx.Err() != nil {
			continue
		}
		if err := p.sender.SendAudio(blob); err != nil {
			// Log the first failure of a streak loudly; the session's own
			// error path reports the cause to the user.
			if !failing {
				p.log.Warn("capture: send frame failed", "err", err)
			} else {
				p.log.Debug("capture: send frame failed", "err", err)
			}
			failing = true
			p.report(FrameFailed)
			continue
		}
		failing = false
		p.report(FrameSent)
	}
}

func (p *Pipeline) report(o FrameOutcome) {
	if p.hook != nil {
		p.hook(o)
	}
}

// downmix averages interleaved channels into a mono block.
func downmix(block []float32, channels int) []float32 {
	if channels <= 1 {
		return block
	}
	frames := len(block) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += block[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
