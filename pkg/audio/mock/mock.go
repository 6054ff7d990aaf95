// Package mock provides deterministic test doubles for the audio pipeline:
// a manually advanced [Clock], a recording [Output], and a scriptable
// [Microphone] / [Source] pair.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	clk := mock.NewClock()
//	out := &mock.Output{Clock: clk}
//	sched := playback.NewScheduler(out)
//	sched.Schedule(buf, onEnded)
//	out.End(1) // report natural completion of unit 1
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rijantuby/rijantuby/pkg/audio"
	"github.com/rijantuby/rijantuby/pkg/audio/capture"
	"github.com/rijantuby/rijantuby/pkg/audio/playback"
)

// ─── Clock ────────────────────────────────────────────────────────────────────

// Clock is a [playback.Clock] that only moves when Advance or Set is called.
// Timer callbacks run synchronously inside Advance, in deadline order.
type Clock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*clockTimer
}

// NewClock returns a Clock positioned at zero.
func NewClock() *Clock { return &Clock{} }

type clockTimer struct {
	clock *Clock
	at    time.Duration
	f     func()
	done  bool
}

// Now implements [playback.Clock].
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements [playback.Clock]. The callback never fires from
// within AfterFunc itself, even for non-positive durations.
func (c *Clock) AfterFunc(d time.Duration, f func()) playback.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &clockTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that falls due.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()
	c.Set(target)
}

// Set moves the clock to t, firing every timer with a deadline ≤ t in
// deadline order.
func (c *Clock) Set(t time.Duration) {
	for {
		c.mu.Lock()
		next := c.nextDueLocked(t)
		if next == nil {
			c.now = t
			c.mu.Unlock()
			return
		}
		next.done = true
		c.now = max(c.now, next.at)
		c.mu.Unlock()
		next.f()
	}
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (c *Clock) nextDueLocked(limit time.Duration) *clockTimer {
	c.timers = slices.DeleteFunc(c.timers, func(t *clockTimer) bool { return t.done })
	var next *clockTimer
	for _, t := range c.timers {
		if t.at > limit {
			continue
		}
		if next == nil || t.at < next.at {
			next = t
		}
	}
	return next
}

func (t *clockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// ─── Output ───────────────────────────────────────────────────────────────────

// StartCall records a single invocation of [Output.Start].
type StartCall struct {
	Unit   playback.Unit
	Buffer audio.Buffer
}

// Output is a mock [playback.Output]. Completion is reported only when the
// test calls End or EndAll.
type Output struct {
	// Clock provides CurrentTime. If nil, CurrentTime returns Now.
	Clock *Clock

	// Now is returned by CurrentTime when Clock is nil.
	Now time.Duration

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	mu        sync.Mutex
	starts    []StartCall
	stopped   []playback.UnitID
	callbacks map[playback.UnitID]func()
	closed    int
}

// CurrentTime implements [playback.Output].
func (o *Output) CurrentTime() time.Duration {
	if o.Clock != nil {
		return o.Clock.Now()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Now
}

// Start implements [playback.Output].
func (o *Output) Start(u playback.Unit, buf audio.Buffer, onEnded func()) (playback.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.StartErr != nil {
		return nil, o.StartErr
	}
	if o.callbacks == nil {
		o.callbacks = make(map[playback.UnitID]func())
	}
	o.starts = append(o.starts, StartCall{Unit: u, Buffer: buf})
	o.callbacks[u.ID] = onEnded
	return &outputSource{out: o, id: u.ID}, nil
}

// Close implements [playback.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
	o.callbacks = nil
	return nil
}

// End reports natural completion of unit id. It returns false if the unit is
// unknown, stopped, or already ended.
func (o *Output) End(id playback.UnitID) bool {
	o.mu.Lock()
	cb, ok := o.callbacks[id]
	delete(o.callbacks, id)
	o.mu.Unlock()
	if ok && cb != nil {
		cb()
	}
	return ok
}

// EndAll reports natural completion of every playing unit in ID order.
func (o *Output) EndAll() {
	o.mu.Lock()
	ids := make([]playback.UnitID, 0, len(o.callbacks))
	for id := range o.callbacks {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	slices.Sort(ids)
	for _, id := range ids {
		o.End(id)
	}
}

// Starts returns a copy of every recorded Start call.
func (o *Output) Starts() []StartCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.starts)
}

// Stopped returns the IDs of units stopped via their Source, in order.
func (o *Output) Stopped() []playback.UnitID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.stopped)
}

// CloseCount returns how many times Close was called.
func (o *Output) CloseCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

type outputSource struct {
	out *Output
	id  playback.UnitID
}

func (s *outputSource) Stop() {
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	s.out.stopped = append(s.out.stopped, s.id)
	delete(s.out.callbacks, s.id)
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [capture.Microphone].
type Microphone struct {
	// Source is returned by Open. If nil, Open creates a new Source in
	// [audio.CaptureFormat] with a 16-block buffer.
	Source *Source

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	mu    sync.Mutex
	opens int
	last  *Source
}

// Open implements [capture.Microphone].
func (m *Microphone) Open(_ context.Context) (capture.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	src := m.Source
	if src == nil {
		src = NewSource(audio.CaptureFormat, 16)
	}
	m.last = src
	return src, nil
}

// OpenCount returns how many times Open was called.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Last returns the Source handed out by the most recent successful Open.
func (m *Microphone) Last() *Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Source is a mock [capture.Source]. Feed sample blocks with Push.
type Source struct {
	format  audio.Format
	samples chan []float32

	mu      sync.Mutex
	stopped bool
}

// NewSource creates a Source in format f whose channel buffers depth blocks.
func NewSource(f audio.Format, depth int) *Source {
	return &Source{format: f, samples: make(chan []float32, depth)}
}

// Format implements [capture.Source].
func (s *Source) Format() audio.Format { return s.format }

// Samples implements [capture.Source].
func (s *Source) Samples() <-chan []float32 { return s.samples }

// Push delivers one block of samples. It returns false once the source has
// been stopped.
func (s *Source) Push(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.samples <- block
	return true
}

// Stop implements [capture.Source]. It closes the sample channel; repeated
// calls are no-ops.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.samples)
	}
	return nil
}

// Stopped reports whether Stop has been called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

var (
	_ playback.Clock     = (*Clock)(nil)
	_ playback.Output    = (*Output)(nil)
	_ capture.Microphone = (*Microphone)(nil)
	_ capture.Source     = (*Source)(nil)
)
