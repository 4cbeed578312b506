// ABOUTME: Audio output device interface definition
// ABOUTME: Device sessions accept stereo 16-bit frames and report their queue state
package output

import (
	"errors"
	"time"

	"github.com/Resonate-Protocol/passthru-go/pkg/audio"
)

// Session errors. Write returns these so the caller can recover.
var (
	// ErrUnderrun means the device ran dry and must be prepared again
	ErrUnderrun = errors.New("output underrun")

	// ErrSuspended means the device was suspended and must be resumed
	ErrSuspended = errors.New("output suspended")

	// ErrBusy means the device is temporarily held by someone else
	ErrBusy = errors.New("output busy")

	// ErrAgain means the write should simply be retried
	ErrAgain = errors.New("output not ready, try again")

	// ErrBadState means the session is not prepared for writing
	ErrBadState = errors.New("output in bad state")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("output closed")
)

// State is the session's playback state
type State int

const (
	StateSetup State = iota
	StatePrepared
	StateRunning
	StateXRun
	StateDraining
	StateSuspended
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "setup"
	case StatePrepared:
		return "prepared"
	case StateRunning:
		return "running"
	case StateXRun:
		return "xrun"
	case StateDraining:
		return "draining"
	case StateSuspended:
		return "suspended"
	default:
		return "closed"
	}
}

// Status is a snapshot of the session queue
type Status struct {
	State State

	// Delay is the number of frames queued ahead of the one being played
	Delay int
}

// Device opens playback sessions
type Device interface {
	// Open starts a session with periods buffers of periodFrames frames each
	Open(format audio.Format, periodFrames, periods int) (Session, error)

	Name() string
}

// Session is one open playback stream
type Session interface {
	ID() string
	Format() audio.Format

	// Write queues whole frames from p and returns how many were taken.
	// It blocks while the buffer is full.
	Write(p []byte) (int, error)

	Status() (Status, error)

	// Wait blocks until a period of space is free or timeout passes.
	// A negative timeout waits without limit.
	Wait(timeout time.Duration) (bool, error)

	Prepare() error
	Drain() error
	Drop() error
	Resume() error
	Close() error

	// BufferSize and PeriodSize are in frames
	BufferSize() int
	PeriodSize() int
}
