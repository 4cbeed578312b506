// ABOUTME: Oto-based audio output device
// ABOUTME: Streams frames to a persistent oto player through a pipe and reports its queue depth
package output

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/Resonate-Protocol/passthru-go/pkg/audio"
	"github.com/ebitengine/oto/v3"
	"github.com/google/uuid"
)

// otoPoll is the step used while waiting for queue space
const otoPoll = 5 * time.Millisecond

// Oto plays through the platform audio API. Oto allows one context per
// process, so the first session fixes the sample rate.
type Oto struct {
	mu         sync.Mutex
	otoCtx     *oto.Context
	sampleRate int
}

// NewOto creates an oto device
func NewOto() *Oto {
	return &Oto{}
}

// Name returns the device name
func (o *Oto) Name() string {
	return "oto"
}

// Open starts a session. Bursts reach the platform mixer as plain
// 16-bit PCM, so passthrough only works where the mixer is bit exact.
func (o *Oto) Open(format audio.Format, periodFrames, periods int) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if format.Channels != 0 && format.Channels != 2 {
		return nil, fmt.Errorf("oto output supports stereo only, got %d channels", format.Channels)
	}

	if o.otoCtx == nil {
		op := &oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: 2,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   format.Duration(periodFrames),
		}

		ctx, readyChan, err := oto.NewContext(op)
		if err != nil {
			return nil, fmt.Errorf("failed to create oto context: %w", err)
		}
		<-readyChan

		o.otoCtx = ctx
		o.sampleRate = format.SampleRate
		log.Printf("Audio output initialized: %dHz, 2 channels", format.SampleRate)
	} else if o.sampleRate != format.SampleRate {
		// oto cannot be reinitialized with another rate
		return nil, fmt.Errorf("oto context runs at %dHz, cannot open %dHz", o.sampleRate, format.SampleRate)
	}

	if err := o.otoCtx.Resume(); err != nil {
		return nil, fmt.Errorf("failed to resume oto context: %w", err)
	}

	s := &OtoSession{
		id:        uuid.New().String(),
		ctx:       o.otoCtx,
		format:    format,
		frameSize: format.FrameSize(),
		period:    periodFrames,
		buffer:    periodFrames * periods,
		state:     StatePrepared,
	}
	s.startPlayer()
	return s, nil
}

// OtoSession is a session on the oto device
type OtoSession struct {
	mu        sync.Mutex
	id        string
	ctx       *oto.Context
	format    audio.Format
	frameSize int
	period    int
	buffer    int

	state      State
	player     *oto.Player
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
}

// startPlayer creates the pipe and the persistent player reading from it
func (s *OtoSession) startPlayer() {
	s.pipeReader, s.pipeWriter = io.Pipe()
	s.player = s.ctx.NewPlayer(s.pipeReader)
	s.player.SetBufferSize(s.buffer * s.frameSize)
	s.player.Play()
}

func (s *OtoSession) stopPlayer() {
	if s.pipeWriter != nil {
		s.pipeWriter.Close()
		s.pipeWriter = nil
	}
	if s.player != nil {
		s.player.Close()
		s.player = nil
	}
	if s.pipeReader != nil {
		s.pipeReader.Close()
		s.pipeReader = nil
	}
}

// ID returns the session id
func (s *OtoSession) ID() string { return s.id }

// Format returns the session format
func (s *OtoSession) Format() audio.Format { return s.format }

// BufferSize returns the queue capacity in frames
func (s *OtoSession) BufferSize() int { return s.buffer }

// PeriodSize returns the period in frames
func (s *OtoSession) PeriodSize() int { return s.period }

// queued returns the frames held by the player
func (s *OtoSession) queued() int {
	if s.player == nil {
		return 0
	}
	return s.player.BufferedSize() / s.frameSize
}

// Write feeds the player; blocks until the player has taken the data
func (s *OtoSession) Write(p []byte) (int, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return 0, ErrClosed
	case StateSetup:
		s.mu.Unlock()
		return 0, ErrBadState
	case StateRunning:
		if s.queued() == 0 {
			s.state = StateXRun
		}
	}
	if s.state == StateXRun {
		s.mu.Unlock()
		return 0, ErrUnderrun
	}
	w := s.pipeWriter
	s.state = StateRunning
	s.mu.Unlock()

	frames := len(p) / s.frameSize
	n, err := w.Write(p[:frames*s.frameSize])
	if err != nil {
		s.mu.Lock()
		closed := s.state == StateClosed
		s.mu.Unlock()
		if closed {
			return n / s.frameSize, ErrClosed
		}
		return n / s.frameSize, fmt.Errorf("pipe write failed: %w", err)
	}
	return frames, nil
}

// Status reports the state and the player's queue depth
func (s *OtoSession) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return Status{State: StateClosed}, ErrClosed
	}
	if err := s.player.Err(); err != nil {
		return Status{State: s.state}, fmt.Errorf("oto player failed: %w", err)
	}
	q := s.queued()
	if s.state == StateRunning && q == 0 {
		s.state = StateXRun
	}
	return Status{State: s.state, Delay: q}, nil
}

// Wait polls until a period of space is free
func (s *OtoSession) Wait(timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return false, ErrClosed
		}
		free := s.buffer-s.queued() >= s.period
		s.mu.Unlock()
		if free {
			return true, nil
		}
		if timeout >= 0 && time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(otoPoll)
	}
}

// Prepare restarts the player with an empty queue
func (s *OtoSession) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	if s.state != StatePrepared {
		s.stopPlayer()
		s.startPlayer()
	}
	s.state = StatePrepared
	return nil
}

// Drain waits for the queue to play out
func (s *OtoSession) Drain() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	rest := s.format.Duration(s.queued())
	s.state = StateDraining
	s.mu.Unlock()

	time.Sleep(rest)

	s.mu.Lock()
	if s.state == StateDraining {
		s.state = StateSetup
	}
	s.mu.Unlock()
	return nil
}

// Drop discards whatever the player holds
func (s *OtoSession) Drop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	s.stopPlayer()
	s.startPlayer()
	s.state = StateSetup
	return nil
}

// Resume resumes the oto context after a system suspend
func (s *OtoSession) Resume() error {
	if err := s.ctx.Resume(); err != nil {
		return fmt.Errorf("failed to resume oto context: %w", err)
	}
	return nil
}

// Close stops the player; the shared context stays alive
func (s *OtoSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.stopPlayer()
	return nil
}
