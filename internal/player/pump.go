// ABOUTME: Output pump feeding framed bursts to a device session
// ABOUTME: Paces writes by queue depth, warms up with silence and recovers from device errors
package player

import (
	"errors"
	"fmt"
	"log"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/passthru-go/internal/control"
	"github.com/Resonate-Protocol/passthru-go/internal/cursor"
	"github.com/Resonate-Protocol/passthru-go/internal/iec"
	"github.com/Resonate-Protocol/passthru-go/internal/sync"
	"github.com/Resonate-Protocol/passthru-go/pkg/audio"
	"github.com/Resonate-Protocol/passthru-go/pkg/audio/output"
)

const (
	// frameSize is one stereo 16-bit sample frame
	frameSize = 4

	// queueBytes sizes the device queue; periods = queueBytes / burst frames
	queueBytes = 16 << 10

	repeatWindow  = 320 * time.Millisecond
	syncTimeout   = 3000*time.Millisecond - repeatWindow
	pausedTimeout = 30 * time.Millisecond

	maxAgain       = 100
	maxResume      = 50
	resumeInterval = 100 * time.Millisecond
)

var (
	// ErrSessionLost ends a session the device could not recover
	ErrSessionLost = errors.New("output session lost")

	// ErrInterrupted is returned once Interrupt has been called
	ErrInterrupted = errors.New("output interrupted")

	// ErrInvalidRate rejects streams the device cannot clock
	ErrInvalidRate = errors.New("invalid sampling rate")
)

// Ring is the part of the ring buffer the pump looks at
type Ring interface {
	Free(min int) bool
	Poll(timeout time.Duration) bool
}

type grade int

const (
	gradeLow grade = iota
	gradeOK
	gradeHigh
)

type ctrl uint16

const (
	ctrlFirst    ctrl = 1 << iota // start, and after pause or underrun
	ctrlIO                        // more frames handled in this Forward
	ctrlUnderrun                  // queue at or below the lower threshold
	ctrlVariable                  // repeat bursts instead of re-preparing
	ctrlNoExSync                  // Synchronize not called yet
	ctrlPause                     // Pause called
	ctrlOverrun                   // queue above the high threshold
	ctrlRepeat                    // repeating the last frame
)

// Stats tracks pump activity
type Stats struct {
	Frames    int64 // stream frames delivered, start frames included
	Bursts    int64
	Silence   int64
	Waits     int64
	Skipped   int64
	Underruns int64
	Overruns  int64
	Repeats   int64

	// Delay and Buffer are the last queue depth and capacity in frames
	Delay  int
	Buffer int

	// Warming is set while no stream has started; Format is zero without a session
	Warming bool
	Format  audio.Format
}

// Pump moves frames from a framer into one device session. All methods
// except Interrupt and Stats belong to the consumer goroutine.
type Pump struct {
	dev      output.Device
	settings *control.Settings
	clock    sync.Clock

	mu      gosync.Mutex
	session output.Session

	framer iec.Framer
	in     *cursor.Cursor
	format audio.Format
	audio  bool

	burstFrames int
	periods     int
	bufferSize  int
	lower       int
	upper       int
	high        int
	alarm       int
	period      time.Duration
	silence     iec.Frame

	first  int
	mdelay int
	adelay int
	live   bool

	ctrl    ctrl
	delay   int
	pause   int64
	paysize int
	count   int
	repeat  int
	xrStart time.Time
	err     error

	interrupted atomic.Bool

	statsMu gosync.Mutex
	stats   Stats
}

// NewPump creates a pump writing to dev
func NewPump(dev output.Device, settings *control.Settings, clock sync.Clock) *Pump {
	if clock == nil {
		clock = sync.SystemClock{}
	}
	return &Pump{
		dev:      dev,
		settings: settings,
		clock:    clock,
		in:       cursor.New(nil),
		stats:    Stats{Warming: true},
	}
}

func (p *Pump) set(c ctrl) {
	p.ctrl |= c
	if c&ctrlFirst != 0 {
		p.publish()
	}
}

func (p *Pump) unset(c ctrl) {
	p.ctrl &^= c
	if c&ctrlFirst != 0 {
		p.publish()
	}
}

func (p *Pump) test(c ctrl) bool { return p.ctrl&c != 0 }

// publish copies the session state into the stats snapshot
func (p *Pump) publish() {
	p.statsMu.Lock()
	p.stats.Warming = p.Warming()
	p.stats.Format = audio.Format{}
	if p.session != nil {
		p.stats.Format = p.format
	}
	p.statsMu.Unlock()
}

func codecOf(k iec.Kind, pcm bool) string {
	if pcm {
		return audio.CodecPCM
	}
	switch k {
	case iec.KindAC3:
		return audio.CodecAC3
	case iec.KindDTS:
		return audio.CodecDTS
	case iec.KindMPEG:
		return audio.CodecMPEG
	default:
		return audio.CodecLPCM
	}
}

// Open starts a device session for f's stream
func (p *Pump) Open(f iec.Framer) error {
	if p.session != nil {
		p.Close()
	}
	p.interrupted.Store(false)
	p.err = nil

	rate := f.SampleRate()
	if rate == 0 {
		rate = 48000
	}
	switch rate {
	case 48000, 44100, 32000:
	default:
		log.Printf("Pump: invalid sampling rate %d", rate)
		return fmt.Errorf("%w: %d", ErrInvalidRate, rate)
	}

	p.framer = f
	p.audio = f.Audio()
	p.burstFrames = f.BurstSize() / frameSize
	p.periods = max(queueBytes/p.burstFrames, 2)
	p.format = audio.Format{
		Codec:       codecOf(f.Kind(), p.audio),
		SampleRate:  rate,
		Channels:    2,
		BitDepth:    16,
		Passthrough: !p.audio,
	}

	s, err := p.dev.Open(p.format, p.burstFrames, p.periods)
	if err != nil {
		return fmt.Errorf("failed to open %s output: %w", p.dev.Name(), err)
	}

	p.bufferSize = s.BufferSize()
	tenth := p.bufferSize / 10
	p.upper = p.bufferSize - 3*tenth
	if p.audio {
		p.lower = 2 * tenth
	} else {
		p.lower = 4 * tenth
	}
	p.high = p.bufferSize - tenth
	p.alarm = tenth / 3
	p.period = p.format.Duration(p.burstFrames)

	silence := make([]byte, rate/100*frameSize)
	p.silence = iec.Frame{Burst: silence, Size: len(silence)}

	opts := p.settings.Options()
	p.live = p.settings.Test(control.Live)
	if p.live {
		p.first = opts.LiveDelay
	} else {
		p.first = opts.Delay
	}
	p.mdelay = opts.MPEGDelay
	p.adelay = opts.AudioDelay

	p.ctrl = ctrlFirst | ctrlNoExSync
	if opts.Variable {
		p.set(ctrlVariable)
	}
	p.delay = 0
	p.pause = 0
	p.paysize = 0
	p.count = 0
	p.repeat = 0
	p.in.Reset(nil)

	p.mu.Lock()
	p.session = s
	p.mu.Unlock()

	p.statsMu.Lock()
	p.stats.Buffer = p.bufferSize
	p.statsMu.Unlock()
	p.publish()

	log.Printf("Pump: opened %s session %s: %s %dHz, burst %d frames, %d periods",
		p.dev.Name(), s.ID(), p.format.Codec, rate, p.burstFrames, p.periods)
	return nil
}

// Forward frames data and writes the bursts
func (p *Pump) Forward(data []byte, rb Ring) error {
	if p.settings.Test(control.Clear) || p.session == nil || p.framer == nil {
		return nil
	}
	if p.err != nil {
		return p.err
	}

	p.in.Append(data)
	p.unset(ctrlIO)

	for {
		if p.interrupted.Load() {
			return ErrInterrupted
		}
		pcm := p.framer.Frame(p.in)
		if pcm.Empty() {
			return nil
		}

		if p.test(ctrlNoExSync | ctrlIO) {
			p.check()
		}
		p.set(ctrlIO)

		if p.test(ctrlFirst | ctrlUnderrun | ctrlPause | ctrlRepeat | ctrlOverrun) {
			if p.test(ctrlFirst) {
				duration := p.format.Duration(pcm.Size / frameSize).Milliseconds()
				if !p.framer.Clock().Check(duration) {
					p.count64(&p.stats.Skipped)
					continue
				}
				if err := p.start(); err != nil {
					return err
				}
			}

			if p.test(ctrlUnderrun) {
				if p.test(ctrlVariable) {
					p.repeat = (p.repeat + 1) % 4
					if p.repeat == 0 {
						fill := pcm
						if p.audio {
							fill = p.framer.Special(iec.Wait2)
						}
						p.framer.SetErr()
						err := p.burst(fill)
						p.framer.ClearErr()
						p.count64(&p.stats.Repeats)
						if err != nil {
							return err
						}
					}
				} else {
					if err := p.session.Drain(); err != nil {
						log.Printf("Pump: drain failed: %v", err)
					}
					if err := p.session.Prepare(); err != nil {
						log.Printf("Pump: prepare failed: %v", err)
					}
					p.unset(ctrlUnderrun)
				}
			} else if p.test(ctrlOverrun) {
				p.clock.Sleep(10 * time.Millisecond)
				p.count64(&p.stats.Overruns)

				// A full ring means we are far behind
				skip := !rb.Free(2 * pcm.Pay)

				if p.check() == gradeHigh {
					if skip {
						p.session.Wait(p.period)
					} else {
						p.session.Wait(10 * time.Millisecond)
					}
				}
				if skip {
					p.count64(&p.stats.Skipped)
					continue
				}
			}

			p.unset(ctrlPause | ctrlRepeat)
		}

		p.paysize = pcm.Pay
		p.count64(&p.stats.Frames)
		if p.count > 0 {
			if p.audio {
				pcm = p.framer.Special(iec.Silent)
			} else {
				pcm = p.framer.Special(iec.Wait)
			}
			p.count--
			p.count64(&p.stats.Waits)
		}

		if err := p.burst(pcm); err != nil {
			return err
		}
	}
}

// start pads the stream to its presentation time and sends the start frames
func (p *Pump) start() error {
	offset := p.framer.Clock().Delay(1000)
	offset += int64(10 * p.first)
	if p.test(ctrlPause) {
		p.unset(ctrlPause)
		offset += p.pause
		p.pause = 0
	}

	n := int(offset / 10)
	if p.audio {
		n += p.adelay
	}
	for i := 0; i < n; i++ {
		if p.check() == gradeHigh {
			p.session.Wait(10 * time.Millisecond)
		}
		if err := p.burst(p.silence); err != nil {
			return err
		}
		p.count64(&p.stats.Silence)
	}

	init := p.framer.Special(iec.Wait)
	if p.audio {
		init = p.framer.Special(iec.Wait2)
	}

	var mcnt int
	if p.live {
		mcnt = p.mdelay
		if mcnt < 7 {
			p.count = 10
		} else {
			p.count = mcnt + 4
		}
	} else {
		mcnt = 2
		p.count = 10
	}
	for p.count > mcnt {
		if err := p.burst(init); err != nil {
			return err
		}
		p.count--
		p.count64(&p.stats.Waits)
	}
	if p.audio {
		p.count += 5
	}

	p.unset(ctrlFirst | ctrlUnderrun)
	if p.check() == gradeHigh {
		p.session.Wait(10 * time.Millisecond)
	}
	p.repeat = 0
	log.Printf("Pump: started %s stream, offset %dms, %d silence bursts", p.framer.Kind(), offset, max(n, 0))
	return nil
}

// burst writes one frame, recovering from device errors
func (p *Pump) burst(f iec.Frame) error {
	data := f.Burst[:f.Size]
	frames := len(data) / frameSize
	written := 0
	again := 0

	defer p.framer.Clock().Lead()

	for written < frames {
		if p.interrupted.Load() {
			return ErrInterrupted
		}

		n, err := p.session.Write(data[written*frameSize:])
		written += n
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, output.ErrBusy), errors.Is(err, output.ErrAgain):
			if errors.Is(err, output.ErrBusy) {
				p.session.Wait(10 * time.Millisecond)
			}
			again++
			if again > maxAgain {
				log.Printf("Pump: device not ready after %d attempts, burst dropped", again)
				p.clock.Sleep(time.Millisecond)
				return nil
			}
		case errors.Is(err, output.ErrUnderrun):
			p.count64(&p.stats.Underruns)
			p.xunderrun()
			p.set(ctrlFirst)
			p.framer.Clear()
			p.delay = 0
			return nil
		case errors.Is(err, output.ErrSuspended):
			if err := p.xsuspend(); err != nil {
				p.err = err
				return err
			}
		case errors.Is(err, output.ErrBadState):
			again++
			if again > maxAgain {
				log.Printf("Pump: device stays in bad state, burst dropped")
				return nil
			}
			if err := p.session.Prepare(); err != nil {
				log.Printf("Pump: prepare failed: %v", err)
			}
		case errors.Is(err, output.ErrClosed):
			if p.interrupted.Load() {
				return ErrInterrupted
			}
			p.err = fmt.Errorf("%w: %v", ErrSessionLost, err)
			return p.err
		default:
			log.Printf("Pump: write failed: %v", err)
			return nil
		}
	}

	p.count64(&p.stats.Bursts)
	return nil
}

// xunderrun prepares the session again after the queue ran dry
func (p *Pump) xunderrun() {
	st, err := p.session.Status()
	if err != nil {
		log.Printf("Pump: status failed: %v", err)
		return
	}
	if st.State != output.StateXRun {
		return
	}
	log.Printf("Pump: underrun on session %s", p.session.ID())
	if err := p.session.Prepare(); err != nil {
		log.Printf("Pump: underrun prepare failed: %v", err)
	}
}

// xsuspend resumes a suspended session, retrying every 100 ms
func (p *Pump) xsuspend() error {
	log.Printf("Pump: output suspended, trying to resume")
	for attempt := 1; ; attempt++ {
		err := p.session.Resume()
		if err == nil {
			break
		}
		if !errors.Is(err, output.ErrAgain) || attempt >= maxResume {
			log.Printf("Pump: resume failed after %d attempts: %v", attempt, err)
			return fmt.Errorf("%w: resume failed after %d attempts: %v", ErrSessionLost, attempt, err)
		}
		if p.interrupted.Load() {
			return ErrInterrupted
		}
		p.clock.Sleep(resumeInterval)
	}
	if err := p.session.Prepare(); err != nil {
		log.Printf("Pump: prepare after resume failed: %v", err)
	}
	return nil
}

// check grades the device queue and updates the underrun/overrun flags
func (p *Pump) check() grade {
	p.delay = 0
	if p.test(ctrlFirst) {
		return gradeLow
	}

	st, err := p.session.Status()
	if err != nil {
		return gradeLow
	}
	if st.State == output.StateXRun {
		p.count64(&p.stats.Underruns)
		p.xunderrun()
		p.set(ctrlFirst)
		p.framer.Clear()
		return gradeLow
	}
	p.delay = st.Delay

	p.statsMu.Lock()
	p.stats.Delay = p.delay
	p.statsMu.Unlock()

	if p.delay <= p.lower {
		p.set(ctrlUnderrun)
	} else if p.delay > p.upper {
		p.unset(ctrlUnderrun)
	}

	p.unset(ctrlOverrun)
	switch {
	case p.delay < p.alarm:
		return gradeLow
	case p.delay > p.high:
		p.set(ctrlOverrun)
		return gradeHigh
	default:
		return gradeOK
	}
}

// Synchronize sleeps on the device and the ring until more data should
// be forwarded. While data is missing it repeats the last frame for a
// short while, then drains and goes back to warm-up.
func (p *Pump) Synchronize(rb Ring) bool {
	if p.settings.Test(control.Clear) {
		return false
	}
	if p.session == nil || p.test(ctrlFirst) {
		return p.idle(rb)
	}
	p.unset(ctrlNoExSync)

	for {
		st, err := p.session.Status()
		if err != nil {
			log.Printf("Pump: synchronize status failed: %v", err)
			return true
		}

		switch st.State {
		case output.StateRunning:
			drain := true
			switch p.check() {
			case gradeHigh:
				p.session.Wait(-1)
				p.check()
				if p.delay == 0 {
					drain = false
					break
				}
				fallthrough
			case gradeOK:
				wait := p.period * time.Duration(p.delay-p.alarm) / time.Duration(p.burstFrames)
				if wait < 2*p.period {
					if wait > 0 && rb.Poll(wait) {
						return true
					}
				} else {
					if rb.Poll(2 * p.period) {
						return true
					}
					if p.xrepeat() {
						continue
					}
				}
			}
			if drain {
				if err := p.session.Drain(); errors.Is(err, output.ErrSuspended) {
					if err := p.xsuspend(); err != nil {
						p.err = err
					}
				} else if err != nil {
					log.Printf("Pump: synchronize drain failed: %v", err)
				}
			}
			fallthrough
		default:
			if err := p.session.Prepare(); err != nil {
				log.Printf("Pump: synchronize prepare failed: %v", err)
			}
		case output.StatePrepared:
		}

		p.set(ctrlFirst)
		p.framer.Clear()
		return p.idle(rb)
	}
}

// idle waits for data while no stream is running
func (p *Pump) idle(rb Ring) bool {
	timeout := syncTimeout
	if p.test(ctrlPause) {
		timeout = pausedTimeout
	}
	ready := rb.Poll(timeout)
	return p.test(ctrlPause) || ready
}

// xrepeat re-sends the last frame for up to repeatWindow
func (p *Pump) xrepeat() bool {
	ok := true
	now := p.clock.Now()
	if p.test(ctrlRepeat) {
		ok = now.Sub(p.xrStart) < repeatWindow
	} else {
		p.set(ctrlRepeat)
		p.xrStart = now
	}
	if ok {
		if last := p.framer.Last(); !last.Empty() {
			if err := p.burst(last); err != nil {
				return false
			}
			p.count64(&p.stats.Repeats)
		}
	}
	return ok
}

// Available returns how many input bytes may be fetched without
// blocking on a full device queue.
func (p *Pump) Available(limit int) int {
	avail := 4
	if p.session == nil {
		return avail
	}

	if p.paysize > 0 {
		switch g := p.check(); g {
		case gradeHigh:
			avail = p.paysize >> 2
		default:
			if g == gradeLow && p.test(ctrlFirst) {
				break
			}
			initial := p.delay + 3*p.burstFrames
			if initial >= p.bufferSize {
				return avail
			}
			avail = p.paysize * ((p.bufferSize - initial) / p.burstFrames)
		}
	}

	if p.test(ctrlFirst) {
		initial := len(p.silence.Burst)/frameSize*p.first + 3*p.burstFrames
		if initial >= p.bufferSize {
			return avail
		}
		free := p.bufferSize - initial
		if p.paysize > 0 {
			avail = p.paysize * (free / p.burstFrames)
		} else {
			avail = free * frameSize
		}
	}

	if avail <= 0 {
		avail = 4
	}
	return min(avail, limit)
}

// Clear stops output. With exit set a stop frame ends the stream and the
// queue is dropped; otherwise the queue drains and, for still pictures
// during replay, its length is kept as extra start delay.
func (p *Pump) Clear(exit bool) {
	if p.session == nil {
		return
	}

	p.set(ctrlPause)
	if p.test(ctrlFirst) {
		return
	}

	st, err := p.session.Status()
	if err != nil {
		log.Printf("Pump: clear status failed: %v", err)
		return
	}

	switch st.State {
	case output.StateRunning:
		if exit {
			p.unset(ctrlPause)
			p.pause = 0
			if p.audio {
				p.burst(p.framer.Special(iec.Silent))
			} else {
				p.burst(p.framer.Special(iec.Stop))
			}
			if err := p.session.Drop(); errors.Is(err, output.ErrSuspended) {
				p.xsuspend()
			} else if err != nil {
				log.Printf("Pump: clear drop failed: %v", err)
			}
		} else {
			if !p.live && p.settings.TestAndUnset(control.StillPicture) {
				p.pause = p.format.Duration(st.Delay).Milliseconds()
			}
			if err := p.session.Drain(); errors.Is(err, output.ErrSuspended) {
				p.xsuspend()
			} else if err != nil {
				log.Printf("Pump: clear drain failed: %v", err)
			}
		}
		fallthrough
	default:
		if err := p.session.Prepare(); err != nil {
			log.Printf("Pump: clear prepare failed: %v", err)
		}
	case output.StatePrepared:
	}

	p.set(ctrlFirst)
	p.framer.Clear()
	p.in.Reset(nil)
}

// Pause holds output; warm-up clears it when data flows again
func (p *Pump) Pause(on bool) {
	if on {
		p.set(ctrlPause)
	}
}

// Close sends a stop frame and ends the session
func (p *Pump) Close() {
	if p.session == nil {
		return
	}
	if !p.interrupted.Load() {
		p.Clear(true)
	}

	p.mu.Lock()
	s := p.session
	p.session = nil
	p.mu.Unlock()

	if err := s.Close(); err != nil {
		log.Printf("Pump: close failed: %v", err)
	}
	log.Printf("Pump: closed session %s", s.ID())

	p.framer = nil
	p.delay = 0
	p.pause = 0
	p.in.Reset(nil)
	p.publish()
}

// Interrupt unblocks the consumer from another goroutine
func (p *Pump) Interrupt() {
	p.interrupted.Store(true)
	p.mu.Lock()
	s := p.session
	p.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Err returns the error that ended the session, if any
func (p *Pump) Err() error {
	return p.err
}

// Warming reports whether the pump is waiting to start a stream.
// Other goroutines read it from Stats.
func (p *Pump) Warming() bool {
	return p.session == nil || p.test(ctrlFirst)
}

// Format returns the format of the last session
func (p *Pump) Format() audio.Format {
	return p.format
}

func (p *Pump) count64(c *int64) {
	p.statsMu.Lock()
	*c++
	p.statsMu.Unlock()
}

// Stats returns pump statistics
func (p *Pump) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}
