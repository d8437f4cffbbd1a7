// Package typing turns raw input activity into typing start/stop intents.
package typing

import (
	"sync"
	"time"
)

// Timer is the part of *time.Timer the signaler needs.
type Timer interface {
	Stop() bool
}

// Clock schedules the debounce timer. Tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock is backed by time.AfterFunc.
var RealClock Clock = realClock{}

// Signaler emits true on the first input after idle and false once the
// input has been quiet for the debounce delay. There is at most one armed
// timer; a timer that was re-armed or stopped can never emit.
//
// emit runs with the signaler's lock held so intents reach it in order. It
// must not block or call back into the Signaler.
type Signaler struct {
	delay time.Duration
	clock Clock
	emit  func(isTyping bool)

	mu      sync.Mutex
	typing  bool
	timer   Timer
	gen     uint64 // bumped on every arm and on Stop
	stopped bool
}

func New(delay time.Duration, clock Clock, emit func(isTyping bool)) *Signaler {
	if clock == nil {
		clock = RealClock
	}
	return &Signaler{delay: delay, clock: clock, emit: emit}
}

// OnInputChanged records activity: emits true if idle, then re-arms the
// debounce timer.
func (s *Signaler) OnInputChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if !s.typing {
		s.typing = true
		s.emit(true)
	}
	s.resetTimerLocked()
}

func (s *Signaler) resetTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.delay, func() {
		s.expire(gen)
	})
}

func (s *Signaler) expire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stop() on a timer whose func already started cannot prevent it from
	// running; the generation check makes such a timer a no-op.
	if gen != s.gen || s.stopped || !s.typing {
		return
	}
	s.timer = nil
	s.typing = false
	s.emit(false)
}

// Stop cancels the pending timer and emits a final false if typing was
// last signaled. Further input is ignored. Idempotent.
func (s *Signaler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.typing {
		s.typing = false
		s.emit(false)
	}
}

// IsTyping reports the last emitted intent.
func (s *Signaler) IsTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}
