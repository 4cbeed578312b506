// ABOUTME: Simulated output device driven by a clock
// ABOUTME: Consumes frames at the sample rate, injects faults and captures output
package output

import (
	"fmt"
	"sync"
	"time"

	"github.com/Resonate-Protocol/passthru-go/pkg/audio"
	"github.com/google/uuid"
)

// Clock is the time source of a simulated device
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Sim is an in-memory device. Queued frames drain at the sample rate of
// the session format as the clock advances.
type Sim struct {
	mu    sync.Mutex
	clock Clock

	// Capture keeps a copy of every written byte
	Capture bool

	sessions []*SimSession
}

// NewSim creates a simulated device. A nil clock uses wall time.
func NewSim(clock Clock) *Sim {
	if clock == nil {
		clock = systemClock{}
	}
	return &Sim{clock: clock}
}

// Name returns the device name
func (d *Sim) Name() string {
	return "sim"
}

// Open starts a simulated session
func (d *Sim) Open(format audio.Format, periodFrames, periods int) (Session, error) {
	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", format.SampleRate)
	}
	if periodFrames <= 0 || periods <= 0 {
		return nil, fmt.Errorf("invalid buffer geometry %d x %d", periodFrames, periods)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	s := &SimSession{
		id:        uuid.New().String(),
		clock:     d.clock,
		format:    format,
		frameSize: format.FrameSize(),
		period:    periodFrames,
		buffer:    periodFrames * periods,
		state:     StatePrepared,
		capture:   d.Capture,
	}
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Last returns the most recently opened session
func (d *Sim) Last() *SimSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// Sessions returns the number of sessions opened so far
func (d *Sim) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// SimStats counts session activity
type SimStats struct {
	Written  int64 // frames accepted
	Played   int64 // frames consumed
	Underrun int
	Prepares int
}

// SimSession is a session on a Sim device
type SimSession struct {
	mu        sync.Mutex
	id        string
	clock     Clock
	format    audio.Format
	frameSize int
	period    int
	buffer    int

	state    State
	queued   int
	last     time.Time
	residual time.Duration

	faults      []error
	resumeFails int
	capture     bool
	captured    []byte
	stats       SimStats
}

// ID returns the session id
func (s *SimSession) ID() string { return s.id }

// Format returns the session format
func (s *SimSession) Format() audio.Format { return s.format }

// BufferSize returns the queue capacity in frames
func (s *SimSession) BufferSize() int { return s.buffer }

// PeriodSize returns the period in frames
func (s *SimSession) PeriodSize() int { return s.period }

func (s *SimSession) durationOf(frames int) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(s.format.SampleRate)
}

// advance consumes queued frames for the time passed since the last call
func (s *SimSession) advance() {
	now := s.clock.Now()
	if s.state != StateRunning && s.state != StateDraining {
		s.last = now
		s.residual = 0
		return
	}

	elapsed := now.Sub(s.last) + s.residual
	s.last = now
	frames := int(elapsed * time.Duration(s.format.SampleRate) / time.Second)
	s.residual = elapsed - s.durationOf(frames)

	if frames < s.queued {
		s.queued -= frames
		s.stats.Played += int64(frames)
		return
	}

	s.stats.Played += int64(s.queued)
	s.queued = 0
	s.residual = 0
	if s.state == StateDraining {
		s.state = StateSetup
		return
	}
	s.state = StateXRun
	s.stats.Underrun++
}

// Write queues frames, sleeping on the clock while the queue is full
func (s *SimSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return 0, ErrClosed
	}
	s.advance()

	if len(s.faults) > 0 {
		err := s.faults[0]
		s.faults = s.faults[1:]
		return 0, err
	}

	switch s.state {
	case StateXRun:
		return 0, ErrUnderrun
	case StateSuspended:
		return 0, ErrSuspended
	case StateSetup, StateDraining:
		return 0, ErrBadState
	}

	frames := len(p) / s.frameSize
	for s.queued >= s.buffer {
		need := s.durationOf(s.queued - s.buffer + s.period)
		s.mu.Unlock()
		s.clock.Sleep(need)
		s.mu.Lock()
		if s.state == StateClosed {
			return 0, ErrClosed
		}
		s.advance()
		if s.state == StateXRun {
			return 0, ErrUnderrun
		}
	}

	n := min(frames, s.buffer-s.queued)
	s.queued += n
	s.stats.Written += int64(n)
	if s.capture {
		s.captured = append(s.captured, p[:n*s.frameSize]...)
	}
	if s.state == StatePrepared && s.queued > 0 {
		s.state = StateRunning
		s.last = s.clock.Now()
	}
	return n, nil
}

// Status reports the state and queue depth
func (s *SimSession) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return Status{State: StateClosed}, ErrClosed
	}
	s.advance()
	return Status{State: s.state, Delay: s.queued}, nil
}

// Wait sleeps until a period of space is free or timeout passes
func (s *SimSession) Wait(timeout time.Duration) (bool, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	s.advance()
	if s.state != StateRunning || s.buffer-s.queued >= s.period {
		s.mu.Unlock()
		return true, nil
	}
	need := s.durationOf(s.period - (s.buffer - s.queued))
	s.mu.Unlock()

	if timeout >= 0 && need > timeout {
		s.clock.Sleep(timeout)
		return false, nil
	}
	s.clock.Sleep(need)
	return true, nil
}

// Prepare empties the queue and readies the session for writing
func (s *SimSession) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	if s.state == StateSuspended {
		return ErrSuspended
	}
	s.queued = 0
	s.residual = 0
	s.state = StatePrepared
	s.stats.Prepares++
	return nil
}

// Drain plays out the queue, sleeping for its duration
func (s *SimSession) Drain() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateSuspended {
		s.mu.Unlock()
		return ErrSuspended
	}
	s.advance()
	if s.state != StateRunning {
		s.queued = 0
		s.state = StateSetup
		s.mu.Unlock()
		return nil
	}
	s.state = StateDraining
	rest := s.durationOf(s.queued)
	s.mu.Unlock()

	s.clock.Sleep(rest)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDraining {
		s.stats.Played += int64(s.queued)
		s.queued = 0
		s.state = StateSetup
	}
	return nil
}

// Drop discards the queue immediately
func (s *SimSession) Drop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	s.queued = 0
	s.state = StateSetup
	return nil
}

// Resume leaves the suspended state
func (s *SimSession) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSuspended {
		return nil
	}
	if s.resumeFails > 0 {
		s.resumeFails--
		return ErrAgain
	}
	s.queued = 0
	s.state = StateSetup
	return nil
}

// Close ends the session; blocked writers return ErrClosed
func (s *SimSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
	s.queued = 0
	return nil
}

// Inject makes the next Write fail with err. ErrUnderrun and
// ErrSuspended also move the session into the matching state.
func (s *SimSession) Inject(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch err {
	case ErrUnderrun:
		s.state = StateXRun
		s.queued = 0
		s.stats.Underrun++
		return
	case ErrSuspended:
		s.state = StateSuspended
		return
	}
	s.faults = append(s.faults, err)
}

// FailResume makes the next n Resume calls return ErrAgain
func (s *SimSession) FailResume(n int) {
	s.mu.Lock()
	s.resumeFails = n
	s.mu.Unlock()
}

// Captured returns a copy of everything written so far
func (s *SimSession) Captured() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.captured))
	copy(out, s.captured)
	return out
}

// Stats returns session counters
func (s *SimSession) Stats() SimStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
