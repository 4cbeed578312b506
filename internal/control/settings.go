// ABOUTME: Shared pipeline settings read by every component at decision points
// ABOUTME: Atomic flag set plus delay options, with change notification for watchers
package control

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Flag is one bit of the shared settings
type Flag uint32

const (
	Active Flag = 1 << iota
	Mute
	Live
	Audio
	MP2Enable
	MP2Dither
	MP2SPDIF
	Clear
	Reset
	StillPicture
)

var flagNames = []struct {
	f    Flag
	name string
}{
	{Active, "active"},
	{Mute, "mute"},
	{Live, "live"},
	{Audio, "audio"},
	{MP2Enable, "mp2enable"},
	{MP2Dither, "mp2dither"},
	{MP2SPDIF, "mp2spdif"},
	{Clear, "clear"},
	{Reset, "reset"},
	{StillPicture, "stillpicture"},
}

func (f Flag) String() string {
	var names []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseFlag returns the flag with the given name
func ParseFlag(name string) (Flag, bool) {
	for _, n := range flagNames {
		if n.name == strings.ToLower(name) {
			return n.f, true
		}
	}
	return 0, false
}

// DefaultFlags is the initial flag set
const DefaultFlags = Active | MP2Dither | MP2Enable

// MinMPEGDelay is the smallest start frame count accepted for live MPEG audio
const MinMPEGDelay = 4

// Options holds delays and tuning values. Delays are in units of 10 ms.
type Options struct {
	Delay      int  // start delay for replay
	LiveDelay  int  // start delay for live input
	MPEGDelay  int  // wait frames kept back at live start
	AudioDelay int  // extra silence before linear PCM
	Variable   bool // repeat bursts with the error flag on underrun
	BufferSize int  // ring buffer capacity in bytes, 0 for default
}

// DefaultOptions returns the option defaults
func DefaultOptions() Options {
	return Options{
		Delay:     0,
		LiveDelay: 0,
		MPEGDelay: 7,
	}
}

// Settings is the flag set and options shared by the pipeline
type Settings struct {
	flags atomic.Uint32

	mu      sync.Mutex
	opts    Options
	changed chan struct{}
}

// NewSettings creates settings with the default flags
func NewSettings(opts Options) *Settings {
	s := &Settings{changed: make(chan struct{}, 1)}
	s.flags.Store(uint32(DefaultFlags))
	s.SetOptions(opts)
	return s
}

// Test reports whether all bits of f are set
func (s *Settings) Test(f Flag) bool {
	return Flag(s.flags.Load())&f == f
}

// Flags returns the current flag set
func (s *Settings) Flags() Flag {
	return Flag(s.flags.Load())
}

// Set sets the bits of f
func (s *Settings) Set(f Flag) {
	for {
		old := s.flags.Load()
		if s.flags.CompareAndSwap(old, old|uint32(f)) {
			if old|uint32(f) != old {
				s.notify()
			}
			return
		}
	}
}

// Unset clears the bits of f
func (s *Settings) Unset(f Flag) {
	for {
		old := s.flags.Load()
		if s.flags.CompareAndSwap(old, old&^uint32(f)) {
			if old&^uint32(f) != old {
				s.notify()
			}
			return
		}
	}
}

// Apply sets or clears f
func (s *Settings) Apply(f Flag, on bool) {
	if on {
		s.Set(f)
	} else {
		s.Unset(f)
	}
}

// TestAndUnset clears f and reports whether any bit of it was set
func (s *Settings) TestAndUnset(f Flag) bool {
	for {
		old := s.flags.Load()
		if s.flags.CompareAndSwap(old, old&^uint32(f)) {
			if old&uint32(f) != 0 {
				s.notify()
				return true
			}
			return false
		}
	}
}

// Options returns a copy of the options
func (s *Settings) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// SetOptions replaces the options, clamping the MPEG delay
func (s *Settings) SetOptions(opts Options) {
	if opts.MPEGDelay < MinMPEGDelay {
		opts.MPEGDelay = MinMPEGDelay
	}
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
	s.notify()
}

// Changed signals after any flag or option change
func (s *Settings) Changed() <-chan struct{} {
	return s.changed
}

func (s *Settings) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}
