package playback

import (
	"sync"
	"time"

	"github.com/rijantuby/rijantuby/pkg/audio"
)

// Sink receives the units a [TimedOutput] schedules. It is the hand-off to
// whatever actually renders sound, e.g. a browser connection.
type Sink interface {
	Play(u Unit, buf audio.Buffer) error
	Stop(id UnitID)
}

// TimedOutput is an [Output] driven by a [Clock]: completion is derived from
// each unit's end time rather than reported by hardware. It is safe for
// concurrent use.
type TimedOutput struct {
	clock Clock
	sink  Sink

	mu     sync.Mutex
	timers map[UnitID]Timer
	closed bool
}

// NewTimedOutput creates a TimedOutput that forwards units to sink and
// reports completion using clock.
func NewTimedOutput(clock Clock, sink Sink) *TimedOutput {
	return &TimedOutput{
		clock:  clock,
		sink:   sink,
		timers: make(map[UnitID]Timer),
	}
}

// CurrentTime implements [Output].
func (o *TimedOutput) CurrentTime() time.Duration { return o.clock.Now() }

// Start implements [Output].
func (o *TimedOutput) Start(u Unit, buf audio.Buffer, onEnded func()) (Source, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if err := o.sink.Play(u, buf); err != nil {
		return nil, err
	}

	delay := max(u.End()-o.clock.Now(), 0)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		o.sink.Stop(u.ID)
		return nil, ErrClosed
	}
	o.timers[u.ID] = o.clock.AfterFunc(delay, func() {
		o.mu.Lock()
		_, pending := o.timers[u.ID]
		delete(o.timers, u.ID)
		o.mu.Unlock()
		if pending && onEnded != nil {
			onEnded()
		}
	})
	return &timedSource{out: o, id: u.ID}, nil
}

// Close implements [Output]. Pending units are stopped without completion
// callbacks. Close is idempotent.
func (o *TimedOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	timers := o.timers
	o.timers = make(map[UnitID]Timer)
	o.mu.Unlock()

	for id, t := range timers {
		t.Stop()
		o.sink.Stop(id)
	}
	return nil
}

// Pending returns the number of units that have neither finished nor been
// stopped.
func (o *TimedOutput) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.timers)
}

func (o *TimedOutput) stop(id UnitID) {
	o.mu.Lock()
	t, ok := o.timers[id]
	delete(o.timers, id)
	o.mu.Unlock()
	if !ok {
		return
	}
	t.Stop()
	o.sink.Stop(id)
}

type timedSource struct {
	out *TimedOutput
	id  UnitID
}

func (s *timedSource) Stop() { s.out.stop(s.id) }
