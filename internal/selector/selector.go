// ABOUTME: Stream selector that finds the audio stream in TS or PES input
// ABOUTME: Detects the format, gates start on a timestamp and feeds payload into the ring buffer
package selector

import (
	"log"
	gosync "sync"

	"github.com/Resonate-Protocol/passthru-go/internal/control"
	"github.com/Resonate-Protocol/passthru-go/internal/iec"
	"github.com/Resonate-Protocol/passthru-go/internal/sync"
)

const (
	// TSPacketSize is the only transport packet size accepted
	TSPacketSize = 188

	tsSync   = 0x47
	ps1Magic = 0x000001BD

	// broadcastTrack is the track of streams without a sub-stream header
	broadcastTrack = 0x21

	ac3Magic = 0x0B77
	dtsMagic = 0x7FFE8001

	// packets skipped after the ring buffer dropped data
	tsSkipAfterDrop  = 20
	pesSkipAfterDrop = 2
)

// Ring is the producer side of the ring buffer
type Ring interface {
	Store(p []byte, wake bool) bool
	Flush()
	Signal()
}

// Config selects the transport stream PIDs
type Config struct {
	// PID of the audio stream; 0 locks onto the first PID carrying an
	// audio PES start
	PID uint16

	// PCRPID carries the program clock reference; 0 uses the audio PID
	PCRPID uint16
}

// Stats counts selector activity
type Stats struct {
	Packets         int64
	Broken          int64
	Skipped         int64
	Discontinuities int64
	Streams         int64
	PCRs            int64
}

// Info describes the active stream
type Info struct {
	Kind       iec.Kind
	Track      byte
	DVD        bool
	SampleRate int
}

// Selector owns the active stream. All state is guarded by mu; the
// consumer only takes snapshots through Stream.
type Selector struct {
	settings *control.Settings
	rb       Ring
	set      *iec.Set
	pcr      *sync.PCRClock
	cfg      Config

	mu     gosync.Mutex
	pid    uint16
	stream iec.Framer
	cand   iec.Framer
	gen    uint64
	ready  chan struct{}

	paystart  bool
	boundary  bool
	setPTS    bool
	ps1       bool
	streaming bool
	wasMuted  bool
	subDone   bool

	// PES header scan, resumable across packets
	found    int
	hdrLen   int
	paklen   int
	ptsoff   int
	pts      [5]byte
	syncword uint32
	submagic uint32
	subfnd   int
	suboff   int
	subID    byte
	lead     []byte

	tsSkip  int
	pesSkip int

	stats Stats
}

// New creates a selector feeding rb with framers from set. pcr may be nil.
func New(settings *control.Settings, rb Ring, set *iec.Set, pcr *sync.PCRClock, cfg Config) *Selector {
	s := &Selector{
		settings: settings,
		rb:       rb,
		set:      set,
		pcr:      pcr,
		cfg:      cfg,
		pid:      cfg.PID,
		ready:    make(chan struct{}, 1),
	}
	s.resetScan(true)
	return s
}

// Ready signals that a stream has been established
func (s *Selector) Ready() <-chan struct{} {
	return s.ready
}

// Stream returns the active framer and a generation number that changes
// whenever the stream is replaced or dropped
func (s *Selector) Stream() (iec.Framer, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream, s.gen
}

// Info describes the active stream; ok is false when there is none
func (s *Selector) Info() (Info, bool) {
	s.mu.Lock()
	f := s.stream
	s.mu.Unlock()
	if f == nil {
		return Info{}, false
	}
	return Info{Kind: f.Kind(), Track: f.Track(), DVD: f.IsDVD(), SampleRate: f.SampleRate()}, true
}

// PID returns the filtered PID, 0 while still searching
func (s *Selector) PID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Stats returns selector counters
func (s *Selector) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Activate starts or stops live reception
func (s *Selector) Activate(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if on {
		if s.settings.Test(control.Clear) {
			return
		}
		s.streaming = false
		s.settings.Set(control.Live)
		s.rb.Flush()
		return
	}

	s.resetScan(true)
	s.settings.Unset(control.Live)
	s.streaming = false
	s.wasMuted = false
	s.paystart = false
	if s.stream != nil {
		s.stream = nil
		s.gen++
	}
}

// Clear drops the stream and all scan state
func (s *Selector) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop()
	s.paystart = false
	s.tsSkip = 0
	s.pesSkip = 0
	s.pid = s.cfg.PID
	if s.pcr != nil {
		s.pcr.Reset()
	}
}

func (s *Selector) current() iec.Framer {
	if s.stream != nil {
		return s.stream
	}
	return s.cand
}

// drop forgets the stream; the next one needs a timestamp again
func (s *Selector) drop() {
	if s.stream != nil || s.cand != nil {
		s.gen++
	}
	s.stream = nil
	s.cand = nil
	s.streaming = false
	s.wasMuted = false
	s.resetScan(true)
	s.rb.Flush()
	s.rb.Signal()
	s.settings.Unset(control.StillPicture)
}

func (s *Selector) discontinuity(format string, args ...any) {
	s.stats.Discontinuities++
	log.Printf("Selector: discontinuity, "+format, args...)
	s.drop()
}

// mpegMode maps the MPEG settings onto a framer mode
func (s *Selector) mpegMode() iec.MPEGMode {
	switch {
	case s.settings.Test(control.MP2SPDIF):
		return iec.MPEGPassthrough
	case s.settings.Test(control.MP2Dither):
		return iec.MPEGDither
	default:
		return iec.MPEGRound
	}
}

// choose resets the framer for a newly detected stream
func (s *Selector) choose(k iec.Kind, dvd bool, track byte) iec.Framer {
	if k == iec.KindMPEG {
		s.set.MPEG.SetMode(s.mpegMode())
	}
	f := s.set.ByKind(k)
	f.Reset()
	f.SetTrack(track, dvd)
	s.settings.Apply(control.Audio, f.Audio())
	return f
}

// publish makes f the active stream and wakes the consumer
func (s *Selector) publish(f iec.Framer) {
	if s.stream != f {
		s.gen++
		s.stats.Streams++
		log.Printf("Selector: %s stream established, track %#x", f.Kind(), f.Track())
	}
	s.stream = f
	s.cand = nil
	s.streaming = true
	s.wasMuted = false

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// gate lets output start only on a packet carrying a timestamp, both
// for a new stream and after a mute
func (s *Selector) gate(f iec.Framer, hasPTS bool) bool {
	if !s.streaming || s.stream != f {
		if !hasPTS {
			return false
		}
		s.publish(f)
		return true
	}
	if s.wasMuted {
		if !hasPTS {
			return false
		}
		s.wasMuted = false
	}
	return true
}

// synchronize runs the initial clock calibration of f
func (s *Selector) synchronize(f iec.Framer, hasPTS bool, pts uint64) bool {
	cs := f.Clock()
	if cs.Synch(false) {
		return true
	}
	if !cs.STCSync(hasPTS) {
		return false
	}
	if hasPTS {
		cs.Mark(pts, true)
	} else if !cs.Mark(0, false) {
		return false
	}
	cs.Synch(true)
	return true
}
