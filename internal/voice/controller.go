// Package voice drives a realtime voice conversation.
//
// A [Controller] owns at most one remote session at a time together with the
// capture pipeline that feeds it and the playback scheduler that renders its
// replies. All of that state is confined to a single event-loop goroutine
// started by [Controller.Run]. Session callbacks, playback timers and the
// microphone opener never touch it directly; they post typed events to the
// loop. Every exit path (explicit end, remote close, error, disposal) goes
// through one teardown routine.
//
// Status transitions:
//
//	idle ──Start──▶ connecting ──opened──▶ listening ⇄ speaking
//	 any ──End / remote close──▶ idle
//	 any ──failure──▶ error ──Start──▶ connecting
package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rijantuby/rijantuby/internal/fault"
	"github.com/rijantuby/rijantuby/internal/observe"
	"github.com/rijantuby/rijantuby/pkg/audio"
	"github.com/rijantuby/rijantuby/pkg/audio/capture"
	"github.com/rijantuby/rijantuby/pkg/audio/playback"
	"github.com/rijantuby/rijantuby/pkg/provider/realtime"
)

// DefaultInstructions is the persona used when none is configured.
const DefaultInstructions = "You are RIjantuby AI, a helpful and friendly voice assistant."

// eventBuffer is the capacity of the controller's event queue.
const eventBuffer = 64

// ErrRunning is returned by [Controller.Run] when the loop is already running.
var ErrRunning = errors.New("voice: controller already running")

// OutputFactory opens the playback device for a new session. The controller
// closes the output on teardown.
type OutputFactory func() (playback.Output, error)

// Option is a functional option for [New].
type Option func(*Controller)

// WithSessionConfig sets the realtime session configuration. An empty
// Instructions field falls back to [DefaultInstructions].
func WithSessionConfig(cfg realtime.SessionConfig) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithObserver registers fn to receive every published [State]. fn runs on
// the event loop and must not block.
func WithObserver(fn func(State)) Option {
	return func(c *Controller) { c.observers = append(c.observers, fn) }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics records session, playback and capture metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithCaptureOptions passes extra options to every capture pipeline the
// controller builds.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(c *Controller) { c.captureOpts = append(c.captureOpts, opts...) }
}

// Controller is the voice conversation state machine. Its exported methods
// are safe for concurrent use.
type Controller struct {
	provider    realtime.Provider
	mic         capture.Microphone
	newOutput   OutputFactory
	cfg         realtime.SessionConfig
	observers   []func(State)
	log         *slog.Logger
	metrics     *observe.Metrics
	captureOpts []capture.Option

	events  chan event
	done    chan struct{}
	running atomic.Bool

	mu    sync.Mutex
	state State

	// Owned by the event loop.
	ctx      context.Context
	status   Status
	errMsg   string
	micOn    bool
	gen      uint64
	sessCtx  context.Context
	cancel   context.CancelFunc
	session  realtime.Session
	output   playback.Output
	sched    *playback.Scheduler
	pipeline *capture.Pipeline
}

// New creates a Controller. It does nothing until [Controller.Run] is called.
func New(provider realtime.Provider, mic capture.Microphone, newOutput OutputFactory, opts ...Option) *Controller {
	c := &Controller{
		provider:  provider,
		mic:       mic,
		newOutput: newOutput,
		log:       slog.Default(),
		events:    make(chan event, eventBuffer),
		done:      make(chan struct{}),
		micOn:     true,
	}
	for _, o := range opts {
		o(c)
	}
	if c.cfg.Instructions == "" {
		c.cfg.Instructions = DefaultInstructions
	}
	c.state = State{Status: StatusIdle, MicOn: c.micOn}
	return c
}

// Run processes events until ctx is cancelled, then tears down any open
// session and returns nil. A controller runs at most once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	c.ctx = ctx
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			c.setStatus(StatusIdle, "")
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// Start opens a new session. It is ignored while a session is connecting or
// open.
func (c *Controller) Start() { c.post(startRequested{}) }

// End closes the current session, if any, and returns to idle.
func (c *Controller) End() { c.post(endRequested{}) }

// SetMic turns the microphone on or off. Muting keeps frames flowing as
// silence. The setting carries over to later sessions.
func (c *Controller) SetMic(on bool) { c.post(micToggled{on: on}) }

// State returns the most recently published state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// post enqueues ev. It reports false once the loop has exited.
func (c *Controller) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) handle(ev event) {
	if g := ev.generation(); g != 0 && g != c.gen {
		c.discard(ev)
		return
	}

	switch e := ev.(type) {
	case startRequested:
		c.start()
	case endRequested:
		c.teardown()
		c.setStatus(StatusIdle, "")
	case micToggled:
		c.micOn = e.on
		if c.pipeline != nil {
			c.pipeline.SetMuted(!e.on)
		}
		c.publish()
	case opened:
		c.onOpened(e.session)
	case micReady:
		c.onMicReady(e.source)
	case micFailed:
		c.fail(fault.VoiceSession, fault.Wrap(fault.PermissionFailure, "voice.microphone", e.err))
	case fragmentReceived:
		c.onFragment(e.blob)
	case playbackEnded:
		c.onPlaybackEnded(e.id)
	case interrupted:
		c.onInterrupted()
	case errored:
		c.fail(e.surface, e.err)
	case closed:
		c.log.Info("voice session closed by remote", "session_id", c.gen)
		c.teardown()
		c.setStatus(StatusIdle, "")
	}
}

// discard releases whatever a stale event carries.
func (c *Controller) discard(ev event) {
	switch e := ev.(type) {
	case opened:
		_ = e.session.Close()
	case micReady:
		_ = e.source.Stop()
	}
}

func (c *Controller) start() {
	if c.status.Active() {
		return
	}
	c.gen++
	g := c.gen
	c.sessCtx, c.cancel = context.WithCancel(c.ctx)
	c.setStatus(StatusConnecting, "")
	go c.connect(c.sessCtx, g)
}

// connect runs the handshake off the loop.
func (c *Controller) connect(ctx context.Context, g uint64) {
	ctx, span := observe.StartVoiceSpan(ctx, g, c.cfg.Voice)

	begin := time.Now()
	sess, err := c.provider.Connect(ctx, c.cfg)
	if err != nil {
		observe.EndSpan(span, err, fault.Classify(err).String())
		c.metrics.RecordVoiceConnect(ctx, time.Since(begin), "error")
		c.post(errored{gen: gen(g), surface: fault.VoiceStart, err: classified(fault.InitializationFailure, "voice.start", err)})
		return
	}
	c.metrics.RecordVoiceConnect(ctx, time.Since(begin), "ok")
	observe.EndSpan(span, nil, "")
	if !c.post(opened{gen: gen(g), session: sess}) {
		_ = sess.Close()
	}
}

func (c *Controller) onOpened(sess realtime.Session) {
	c.session = sess
	c.metrics.AddVoiceSessions(c.ctx, 1)

	out, err := c.newOutput()
	if err != nil {
		c.fail(fault.VoiceStart, fault.Wrap(fault.InitializationFailure, "voice.output", err))
		return
	}
	c.output = out
	c.sched = playback.NewScheduler(out)

	c.log.Info("voice session opened", "session_id", c.gen)
	c.setStatus(StatusListening, "")

	g := c.gen
	go c.pump(g, sess)
	go c.openMic(c.sessCtx, g)
}

// pump forwards server messages to the loop until the session ends.
func (c *Controller) pump(g uint64, sess realtime.Session) {
	for msg := range sess.Messages() {
		if msg.Audio != nil {
			if !c.post(fragmentReceived{gen: gen(g), blob: *msg.Audio}) {
				return
			}
		}
		if msg.Interrupted {
			if !c.post(interrupted{gen: gen(g)}) {
				return
			}
		}
		if msg.Text != "" {
			c.log.Debug("voice transcript", "session_id", g, "text", msg.Text)
		}
	}
	if err := sess.Err(); err != nil {
		c.post(errored{gen: gen(g), surface: fault.VoiceSession, err: classified(fault.RemoteSessionError, "voice.session", err)})
		return
	}
	c.post(closed{gen: gen(g)})
}

// openMic acquires the microphone off the loop.
func (c *Controller) openMic(ctx context.Context, g uint64) {
	src, err := c.mic.Open(ctx)
	if err != nil {
		c.post(micFailed{gen: gen(g), err: err})
		return
	}
	if !c.post(micReady{gen: gen(g), source: src}) {
		_ = src.Stop()
	}
}

func (c *Controller) onMicReady(src capture.Source) {
	opts := []capture.Option{
		capture.WithLogger(c.log.With("session_id", c.gen)),
		capture.WithFrameHook(c.recordFrame),
	}
	p := capture.New(src, c.session, append(opts, c.captureOpts...)...)
	p.SetMuted(!c.micOn)
	if err := p.Start(c.sessCtx); err != nil {
		_ = p.Close()
		c.fail(fault.VoiceSession, fault.Wrap(fault.InitializationFailure, "voice.capture", err))
		return
	}
	c.pipeline = p
	c.log.Debug("microphone streaming", "session_id", c.gen, "format", src.Format().String())
}

func (c *Controller) recordFrame(o capture.FrameOutcome) {
	c.metrics.RecordCaptureFrame(context.Background(), o.String())
}

func (c *Controller) onFragment(blob audio.Blob) {
	if c.sched == nil {
		return
	}
	buf, err := audio.DecodeBlob(blob.Data, audio.PlaybackFormat)
	if err != nil {
		c.log.Warn("dropping undecodable audio fragment", "session_id", c.gen, "err", err)
		return
	}

	g := c.gen
	u, err := c.sched.Schedule(buf, func(id playback.UnitID) {
		c.post(playbackEnded{gen: gen(g), id: id})
	})
	if err != nil {
		c.fail(fault.VoiceSession, fault.Wrap(fault.TransmissionFailure, "voice.playback", err))
		return
	}
	c.metrics.RecordPlaybackFragment(c.ctx)
	c.log.Debug("fragment scheduled", "session_id", g, "unit", u.ID, "start", u.Start, "duration", u.Duration)
	c.setStatus(StatusSpeaking, "")
}

func (c *Controller) onPlaybackEnded(id playback.UnitID) {
	if c.sched == nil {
		return
	}
	remaining, ok := c.sched.Finish(id)
	if ok && remaining == 0 && c.status == StatusSpeaking {
		c.setStatus(StatusListening, "")
	}
}

func (c *Controller) onInterrupted() {
	if c.sched == nil {
		return
	}
	n := c.sched.Interrupt()
	c.metrics.RecordInterruption(c.ctx)
	c.log.Debug("playback interrupted", "session_id", c.gen, "stopped", n)
	c.setStatus(StatusListening, "")
}

// fail tears the session down and shows the classified message.
func (c *Controller) fail(surface fault.Surface, err error) {
	kind := fault.Classify(err)
	c.log.Error("voice session failed", "session_id", c.gen, "kind", kind.String(), "err", err)
	c.metrics.RecordError(c.ctx, surface.String(), kind.String())
	c.teardown()
	c.setStatus(StatusError, fault.Message(surface, err))
}

// teardown releases every session resource. It is idempotent and
// invalidates events still in flight from the released session.
func (c *Controller) teardown() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
		c.sessCtx = nil
	}
	// The session closes first so a SendAudio stalled in the transmit
	// goroutine returns before the pipeline waits for it.
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.log.Warn("closing voice session", "err", err)
		}
		c.session = nil
		c.metrics.AddVoiceSessions(context.Background(), -1)
	}
	if c.pipeline != nil {
		if err := c.pipeline.Close(); err != nil {
			c.log.Warn("closing capture pipeline", "err", err)
		}
		c.pipeline = nil
	}
	if c.sched != nil {
		c.sched.Interrupt()
		c.sched = nil
	}
	if c.output != nil {
		if err := c.output.Close(); err != nil {
			c.log.Warn("closing playback output", "err", err)
		}
		c.output = nil
	}
}

func (c *Controller) setStatus(s Status, msg string) {
	if s == c.status && msg == c.errMsg {
		return
	}
	c.log.Debug("voice status", "from", c.status.String(), "status", s.String())
	c.status = s
	c.errMsg = msg
	c.publish()
}

func (c *Controller) publish() {
	st := State{Status: c.status, Error: c.errMsg, MicOn: c.micOn}
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	for _, fn := range c.observers {
		fn(st)
	}
}

// classified wraps err with kind unless it already carries one.
func classified(kind fault.Kind, op string, err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.Wrap(kind, op, err)
}
