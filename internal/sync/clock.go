// ABOUTME: Presentation clock synchronization against a device time reference
// ABOUTME: Calibrates the reference against the wall clock and decides skip or pad per burst
package sync

import (
	"log"
	"sync"
	"time"
)

const (
	// calibrationWindow bounds how long stream start waits for the reference
	calibrationWindow = 480 * time.Millisecond

	// expireWindow bounds one synchronization attempt
	expireWindow = 2 * time.Second

	// calibrationTolerance is the allowed difference between reference and wall clock advance
	calibrationTolerance = 2

	// initialWindow is the first accepted lead in ms before the window decays
	initialWindow = 200

	// maxErrors is the number of consecutive reference failures after which checks are skipped
	maxErrors = 10

	// LateOffset is reported as the offset when no reference reading is available
	LateOffset = -1000
)

// State represents synchronization progress
type State int

const (
	StateUnsynchronized State = iota
	StateCalibrating
	StateSynchronized
)

func (s State) String() string {
	switch s {
	case StateCalibrating:
		return "calibrating"
	case StateSynchronized:
		return "synchronized"
	default:
		return "unsynchronized"
	}
}

// Clock supplies wall-clock time and sleeping
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock reads time.Now
type SystemClock struct{}

// Now returns the current wall-clock time
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep calls time.Sleep
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// ManualClock is a Clock that only moves when advanced
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a manual clock starting at t
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

// Now returns the manual time
func (m *ManualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d
func (m *ManualClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Sleep advances the clock instead of blocking
func (m *ManualClock) Sleep(d time.Duration) {
	if d > 0 {
		m.Advance(d)
	}
}

// STCSource is the device time reference, in 90 kHz ticks.
type STCSource interface {
	STC() (uint64, error)
}

// ClockSync tracks one stream's presentation timestamps against the
// device time reference. With no reference it runs free and every check
// passes with a zero offset.
type ClockSync struct {
	mu    sync.Mutex
	clock Clock
	ref   STCSource

	pts    uint64 // next presentation time, 90 kHz ticks
	stc    uint64 // last reference reading, 90 kHz ticks
	hasSTC bool
	offset int64 // pts - stc in ms; positive means early
	window int64
	errors uint8
	state  State

	started  bool
	synching bool
	hasPTS   bool

	expire   time.Time
	syncSTC  time.Time
	current  time.Time
	previous time.Time
}

// NewClockSync creates a synchronizer. ref may be nil.
func NewClockSync(clock Clock, ref STCSource) *ClockSync {
	if clock == nil {
		clock = SystemClock{}
	}
	cs := &ClockSync{clock: clock, ref: ref}
	cs.reset()
	return cs
}

// SetReference replaces the device time reference
func (cs *ClockSync) SetReference(ref STCSource) {
	cs.mu.Lock()
	cs.ref = ref
	cs.mu.Unlock()
}

// Reset returns to the unsynchronized state
func (cs *ClockSync) Reset() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.reset()
}

func (cs *ClockSync) reset() {
	cs.pts = 0
	cs.stc = 0
	cs.hasSTC = false
	cs.offset = LateOffset
	cs.window = initialWindow
	cs.errors = 0
	cs.state = StateUnsynchronized
	cs.started = false
	cs.synching = false
	cs.hasPTS = false
	cs.expire = time.Time{}
	cs.syncSTC = time.Time{}
	cs.current = time.Time{}
	cs.previous = time.Time{}
}

// Mark records the timestamp of the next unit. With ok=false it reports
// whether start may proceed without one, which happens once the
// calibration window has run out.
func (cs *ClockSync) Mark(pts uint64, ok bool) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if ok {
		cs.pts = pts & ptsMask
		cs.hasPTS = true
	} else if !cs.hasPTS && cs.syncExpired() {
		return true
	}
	return cs.hasPTS
}

// Lead is called after every delivered burst
func (cs *ClockSync) Lead() {
	cs.mu.Lock()
	cs.expire = time.Time{}
	cs.errors = 0
	cs.window = initialWindow
	cs.synching = false
	cs.mu.Unlock()
}

// Synch marks the stream as synchronizing when s is set and reports the flag
func (cs *ClockSync) Synch(s bool) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if s {
		cs.synching = true
	}
	return cs.synching
}

// STCSync runs reference calibration at stream start. It returns true once
// the reference is locked or the calibration window has expired; the
// call that achieves lock still returns false.
func (cs *ClockSync) STCSync(hasPTS bool) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if hasPTS {
		cs.hasPTS = true
	}
	if cs.ref == nil || cs.state == StateSynchronized {
		return true
	}

	if !cs.started {
		cs.startTimers()
		cs.started = true
		cs.state = StateCalibrating
	}
	if cs.syncExpired() {
		return true
	}

	cs.avsync()
	return false
}

// Check decides whether the unit of the given duration (ms) may be played
// now. When it returns false the unit should be skipped; the pending
// timestamp has been advanced past it.
func (cs *ClockSync) Check(durationMS int64) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.errors > maxErrors {
		return true
	}
	if cs.ref == nil || cs.pts == 0 {
		cs.offset = 0
		return true
	}
	if cs.expired() {
		return true
	}

	if cs.avsync() && cs.offset >= cs.less() {
		cs.expire = time.Time{}
		return true
	}

	cs.pts = Add(cs.pts, durationMS*TicksPerMS)
	return false
}

// Delay returns the current offset in ms, zeroed first if its magnitude exceeds ignore
func (cs *ClockSync) Delay(ignore int64) int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.offset > ignore || cs.offset < -ignore {
		cs.offset = 0
	}
	return cs.offset
}

// GetStats returns sync statistics
func (cs *ClockSync) GetStats() (offset int64, errors int, state State) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.offset, int(cs.errors), cs.state
}

// State returns the synchronization state
func (cs *ClockSync) State() State {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state
}

// PTS returns the pending presentation timestamp in ticks
func (cs *ClockSync) PTS() uint64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.pts
}

// less returns the current acceptance window and shrinks it
func (cs *ClockSync) less() int64 {
	ret := cs.window
	if cs.window >= 100 {
		cs.window -= 20
	} else {
		cs.window -= 10
	}
	return ret
}

func (cs *ClockSync) startTimers() {
	if cs.previous.IsZero() {
		cs.previous = cs.clock.Now()
	}
	if cs.expire.IsZero() {
		cs.expire = cs.previous.Add(expireWindow)
	}
	if cs.syncSTC.IsZero() {
		cs.syncSTC = cs.previous.Add(calibrationWindow)
	}
}

// tick shifts the sample timestamps
func (cs *ClockSync) tick() {
	if !cs.current.IsZero() {
		cs.previous = cs.current
	}
	cs.current = cs.clock.Now()
}

func (cs *ClockSync) expired() bool {
	cs.tick()
	if cs.expire.IsZero() {
		cs.expire = cs.current.Add(expireWindow)
		return false
	}
	return cs.current.After(cs.expire)
}

func (cs *ClockSync) syncExpired() bool {
	cs.tick()
	if cs.syncSTC.IsZero() {
		cs.syncSTC = cs.current.Add(calibrationWindow)
		return false
	}
	return cs.current.After(cs.syncSTC)
}

// sample reads the reference and updates the offset
func (cs *ClockSync) sample() bool {
	if cs.ref == nil {
		cs.offset = LateOffset
		return false
	}
	stc, err := cs.ref.STC()
	if err != nil {
		if cs.errors < 255 {
			cs.errors++
		}
		cs.offset = LateOffset
		return false
	}
	cs.stc = stc & ptsMask
	cs.hasSTC = true
	cs.offset = TicksToMS(Diff(cs.pts, cs.stc))
	return true
}

// avsync samples the reference and, until locked, compares its advance
// with the wall clock advance since the previous sample.
func (cs *ClockSync) avsync() bool {
	if cs.state == StateSynchronized {
		return cs.sample()
	}

	wall := cs.current.Sub(cs.previous).Milliseconds()
	prev, had := cs.stc, cs.hasSTC

	if !cs.sample() || !had {
		return false
	}

	d := TicksToMS(Diff(cs.stc, prev))
	if d < 0 {
		return false
	}
	if d < wall-calibrationTolerance || d > wall+calibrationTolerance {
		return false
	}

	cs.state = StateSynchronized
	log.Printf("Clock: reference locked, dSTC=%dms dWall=%dms offset=%dms", d, wall, cs.offset)
	return true
}
