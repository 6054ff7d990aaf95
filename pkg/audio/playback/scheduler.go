// Package playback schedules decoded audio fragments for gapless output.
//
// A [Scheduler] places each fragment at max(nextStart, now) on an [Output]'s
// clock, so fragments play back-to-back in arrival order without overlap, and
// tracks every unit that has been scheduled but has not finished yet.
// [Scheduler.Interrupt] implements barge-in: all active units are stopped
// and the schedule restarts relative to the clock.
//
// A Scheduler is not safe for concurrent use; confine it to the goroutine
// that owns the voice conversation. Outputs report natural completion through
// the onEnded callback, typically from a timer goroutine, and the owner is
// expected to marshal that back to its own goroutine before calling
// [Scheduler.Finish].
package playback

import (
	"errors"
	"fmt"
	"time"

	"github.com/rijantuby/rijantuby/pkg/audio"
)

// ErrClosed is returned by an [Output] that has been closed.
var ErrClosed = errors.New("playback: output closed")

// UnitID identifies a scheduled playback unit.
type UnitID uint64

// Unit describes a fragment's place on the output timeline.
type Unit struct {
	ID       UnitID
	Start    time.Duration
	Duration time.Duration
}

// End returns the output time at which the unit finishes.
func (u Unit) End() time.Duration { return u.Start + u.Duration }

// Source is an active, started playback unit.
type Source interface {
	// Stop halts playback immediately. A stopped source does not report
	// natural completion.
	Stop()
}

// Output is the device side of playback: a clock plus the ability to start a
// buffer at an absolute output time.
type Output interface {
	// CurrentTime returns the output clock's current time.
	CurrentTime() time.Duration

	// Start schedules buf to begin at u.Start. onEnded is called once when the
	// unit finishes naturally; it is never called for a stopped unit.
	Start(u Unit, buf audio.Buffer, onEnded func()) (Source, error)

	// Close releases the device. Active units are stopped.
	Close() error
}

// Scheduler assigns start times to fragments and tracks the active set.
type Scheduler struct {
	out       Output
	nextStart time.Duration
	lastID    UnitID
	active    map[UnitID]Source
}

// NewScheduler creates a Scheduler that plays through out.
func NewScheduler(out Output) *Scheduler {
	return &Scheduler{
		out:    out,
		active: make(map[UnitID]Source),
	}
}

// Schedule starts buf at max(nextStart, now) and advances nextStart by the
// buffer's duration. onEnded receives the unit's ID when it finishes
// naturally.
func (s *Scheduler) Schedule(buf audio.Buffer, onEnded func(UnitID)) (Unit, error) {
	start := max(s.nextStart, s.out.CurrentTime())

	s.lastID++
	u := Unit{ID: s.lastID, Start: start, Duration: buf.Duration()}

	id := u.ID
	src, err := s.out.Start(u, buf, func() {
		if onEnded != nil {
			onEnded(id)
		}
	})
	if err != nil {
		return Unit{}, fmt.Errorf("playback: start unit %d: %w", id, err)
	}

	s.nextStart = u.End()
	s.active[id] = src
	return u, nil
}

// Finish removes a naturally completed unit from the active set. It reports
// the number of units still active and whether id was active at all; units
// already removed by [Scheduler.Interrupt] yield ok == false.
func (s *Scheduler) Finish(id UnitID) (remaining int, ok bool) {
	if _, ok = s.active[id]; ok {
		delete(s.active, id)
	}
	return len(s.active), ok
}

// Interrupt stops every active unit, clears the active set and resets the
// schedule so the next fragment starts relative to the clock. It returns the
// number of units that were stopped.
func (s *Scheduler) Interrupt() int {
	n := len(s.active)
	for id, src := range s.active {
		src.Stop()
		delete(s.active, id)
	}
	s.nextStart = 0
	return n
}

// Active returns the number of scheduled units that have not finished.
func (s *Scheduler) Active() int { return len(s.active) }

// NextStart returns the earliest time the next fragment may start, before
// clamping to the clock.
func (s *Scheduler) NextStart() time.Duration { return s.nextStart }
