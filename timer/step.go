// Package timer drives animation and simulation updates from a
// high-resolution clock, at either a variable or a fixed time step.
package timer

import (
	"time"

	"github.com/loov/hrtime"
)

// maxDelta caps a single step, so resuming from a breakpoint or a
// suspended window does not produce one enormous update.
const maxDelta = 100 * time.Millisecond

// fixedStepTolerance snaps deltas this close to the target onto it, so a
// display running a hair off 60Hz does not accumulate drift.
const fixedStepTolerance = time.Second / 4000

// Clock returns a monotonic time since an arbitrary origin.
type Clock func() time.Duration

type Step struct {
	clock Clock

	last             time.Duration
	maxDelta         time.Duration
	elapsed          time.Duration
	total            time.Duration
	leftOver         time.Duration
	frameCount       uint64
	fps              uint32
	framesThisSecond uint32
	secondCounter    time.Duration

	fixed      bool
	targetStep time.Duration
}

// New returns a variable-step timer on the hrtime clock.
func New() *Step {
	return NewWithClock(hrtime.Now)
}

func NewWithClock(clock Clock) *Step {
	return &Step{
		clock:      clock,
		last:       clock(),
		maxDelta:   maxDelta,
		targetStep: time.Second / 60,
	}
}

// SetFixedTimeStep switches between one Tick producing exactly one
// update (variable) and zero or more updates of TargetElapsed each (fixed).
func (s *Step) SetFixedTimeStep(fixed bool) { s.fixed = fixed }

func (s *Step) SetTargetElapsed(target time.Duration) { s.targetStep = target }

// ResetElapsedTime discards the time accumulated since the last Tick. Call
// it after an intentional pause such as a blocking load.
func (s *Step) ResetElapsedTime() {
	s.last = s.clock()
	s.leftOver = 0
	s.fps = 0
	s.framesThisSecond = 0
	s.secondCounter = 0
}

// Tick advances the clock and calls update as many times as the time step
// requires.
func (s *Step) Tick(update func()) {
	now := s.clock()
	delta := now - s.last
	s.last = now
	s.secondCounter += delta

	if delta > s.maxDelta {
		delta = s.maxDelta
	}
	if delta < 0 {
		delta = 0
	}

	lastFrameCount := s.frameCount

	if s.fixed {
		if diff := delta - s.targetStep; diff > -fixedStepTolerance && diff < fixedStepTolerance {
			delta = s.targetStep
		}
		s.leftOver += delta
		for s.leftOver >= s.targetStep {
			s.elapsed = s.targetStep
			s.total += s.targetStep
			s.leftOver -= s.targetStep
			s.frameCount++
			if update != nil {
				update()
			}
		}
	} else {
		s.elapsed = delta
		s.total += delta
		s.leftOver = 0
		s.frameCount++
		if update != nil {
			update()
		}
	}

	if s.frameCount != lastFrameCount {
		s.framesThisSecond++
	}
	if s.secondCounter >= time.Second {
		s.fps = s.framesThisSecond
		s.framesThisSecond = 0
		s.secondCounter %= time.Second
	}
}

// ElapsedSeconds is the length of the last update step.
func (s *Step) ElapsedSeconds() float64 { return s.elapsed.Seconds() }

// TotalSeconds is the simulated time since the timer started.
func (s *Step) TotalSeconds() float64 { return s.total.Seconds() }

func (s *Step) FrameCount() uint64 { return s.frameCount }

// FramesPerSecond is the update count over the last whole second.
func (s *Step) FramesPerSecond() uint32 { return s.fps }
