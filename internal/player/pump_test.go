// ABOUTME: Tests for the output pump
// ABOUTME: Drives a simulated device with a manual clock through warm-up, underrun and recovery
package player

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/Resonate-Protocol/passthru-go/internal/control"
	"github.com/Resonate-Protocol/passthru-go/internal/cursor"
	"github.com/Resonate-Protocol/passthru-go/internal/iec"
	"github.com/Resonate-Protocol/passthru-go/internal/iec/iectest"
	"github.com/Resonate-Protocol/passthru-go/internal/ring"
	"github.com/Resonate-Protocol/passthru-go/internal/sync"
	"github.com/Resonate-Protocol/passthru-go/pkg/audio/output"
)

const ac3Burst = iec.AC3BurstSize

type pumpRig struct {
	clock    *sync.ManualClock
	dev      *output.Sim
	settings *control.Settings
	framer   iec.Framer
	pump     *Pump
}

func newRig(t *testing.T, opts control.Options) *pumpRig {
	t.Helper()
	clock := sync.NewManualClock(time.Unix(1000, 0))
	dev := output.NewSim(clock)
	dev.Capture = true
	settings := control.NewSettings(opts)
	framer := iec.NewAC3(sync.NewClockSync(clock, nil))

	p := NewPump(dev, settings, clock)
	if err := p.Open(framer); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return &pumpRig{clock: clock, dev: dev, settings: settings, framer: framer, pump: p}
}

func (r *pumpRig) session() *output.SimSession {
	return r.dev.Last()
}

// bursts splits captured output after skip bytes of silence
func (r *pumpRig) bursts(t *testing.T, skip int) [][]byte {
	t.Helper()
	data := r.session().Captured()
	if len(data) < skip {
		t.Fatalf("captured %d bytes, want at least %d", len(data), skip)
	}
	if !bytes.Equal(data[:skip], make([]byte, skip)) {
		t.Error("warm-up silence is not zero")
	}
	data = data[skip:]
	if len(data)%ac3Burst != 0 {
		t.Fatalf("captured %d bytes after silence, not a whole number of bursts", len(data))
	}
	var out [][]byte
	for len(data) > 0 {
		out = append(out, data[:ac3Burst])
		data = data[ac3Burst:]
	}
	return out
}

func pc(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b[4:])
}

// expected returns the burst a fresh framer makes of frame
func expected(frame []byte) []byte {
	f := iec.NewAC3(sync.NewClockSync(nil, nil)).Frame(cursor.New(frame))
	return f.Burst[:f.Size]
}

func testFrames(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = iectest.AC3Frame48k192(byte(i))
	}
	return frames
}

func TestPumpOpenRejectsRate(t *testing.T) {
	p := NewPump(output.NewSim(nil), control.NewSettings(control.DefaultOptions()), nil)
	m := iec.NewMPEG(sync.NewClockSync(nil, nil), iec.MPEGPassthrough)
	m.SetSampleRate(22050)
	if err := p.Open(m); !errors.Is(err, ErrInvalidRate) {
		t.Errorf("err = %v, want ErrInvalidRate", err)
	}
}

func TestPumpThresholds(t *testing.T) {
	r := newRig(t, control.DefaultOptions())
	p := r.pump

	if p.burstFrames != 1536 || p.periods != 10 || p.bufferSize != 15360 {
		t.Fatalf("geometry = %d x %d (%d)", p.burstFrames, p.periods, p.bufferSize)
	}
	if p.lower != 6144 || p.upper != 10752 || p.high != 13824 || p.alarm != 512 {
		t.Errorf("thresholds lower=%d upper=%d high=%d alarm=%d", p.lower, p.upper, p.high, p.alarm)
	}
	if p.period != 32*time.Millisecond {
		t.Errorf("period = %v", p.period)
	}
	if !p.Warming() {
		t.Error("new session should be warming up")
	}
}

func TestPumpDeliversStream(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 3
	r := newRig(t, opts)
	frames := testFrames(10)

	// timestamp on the first frame only
	r.framer.Clock().Mark(90000, true)

	rb := ring.New(ring.DefaultCapacity)
	rb.Store(iectest.Concat(frames...), true)
	buf := make([]byte, ring.TransferSize)
	for rb.Used() > 0 {
		if !r.pump.Synchronize(rb) {
			t.Fatal("Synchronize reported no data with a full ring")
		}
		n := rb.Fetch(buf[:r.pump.Available(len(buf))])
		if err := r.pump.Forward(buf[:n], rb); err != nil {
			t.Fatalf("Forward: %v", err)
		}
	}

	stats := r.pump.Stats()
	if stats.Frames != 10 {
		t.Errorf("frames = %d, want 10", stats.Frames)
	}
	if stats.Silence != 3 {
		t.Errorf("silence bursts = %d, want 3", stats.Silence)
	}

	bursts := r.bursts(t, 3*480*frameSize)
	if len(bursts) != 8+10 {
		t.Fatalf("bursts = %d, want 8 start frames and 10 stream bursts", len(bursts))
	}
	// replay start: eight pause bursts, then the first two stream frames
	// are replaced by pause bursts as well
	for i := 0; i < 10; i++ {
		if pc(bursts[i]) != 3 {
			t.Errorf("burst %d Pc = %d, want pause", i, pc(bursts[i]))
		}
	}
	for i := 10; i < 18; i++ {
		if !bytes.Equal(bursts[i], expected(frames[i-8])) {
			t.Errorf("burst %d does not carry frame %d", i, i-8)
		}
	}
	if r.dev.Sessions() != 1 {
		t.Errorf("sessions = %d", r.dev.Sessions())
	}
}

// forwardAll feeds frames one Forward call at a time
func forwardAll(t *testing.T, r *pumpRig, rb Ring, frames [][]byte) {
	t.Helper()
	for i, f := range frames {
		if err := r.pump.Forward(f, rb); err != nil {
			t.Fatalf("Forward frame %d: %v", i, err)
		}
	}
}

// starve lets the device play until about left frames are queued
func starve(t *testing.T, r *pumpRig, left int) {
	t.Helper()
	st, err := r.session().Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Delay <= left {
		t.Fatalf("queue already at %d frames", st.Delay)
	}
	r.clock.Advance(r.pump.Format().Duration(st.Delay - left))
}

func TestPumpUnderrunReprepares(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	r := newRig(t, opts)
	rb := ring.New(0)
	frames := testFrames(4)

	forwardAll(t, r, rb, frames[:3])
	starve(t, r, 1000)
	forwardAll(t, r, rb, frames[3:])

	bursts := r.bursts(t, 0)
	if len(bursts) != 12 {
		t.Fatalf("bursts = %d, want 12", len(bursts))
	}
	if !bytes.Equal(bursts[10], expected(frames[2])) {
		t.Error("burst 3 missing")
	}
	if !bytes.Equal(bursts[11], expected(frames[3])) {
		t.Error("burst 4 not delivered after the underrun")
	}

	st := r.session().Stats()
	if st.Prepares != 1 {
		t.Errorf("prepares = %d, want 1", st.Prepares)
	}
	if st.Underrun != 0 {
		t.Errorf("device underruns = %d, queue should not have run dry", st.Underrun)
	}
	if r.dev.Sessions() != 1 {
		t.Errorf("sessions = %d, want no restart", r.dev.Sessions())
	}
	if r.pump.Warming() {
		t.Error("pump went back to warm-up")
	}
}

func TestPumpUnderrunRepeatsWithErrorFlag(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	opts.Variable = true
	r := newRig(t, opts)
	rb := ring.New(0)
	frames := testFrames(7)

	forwardAll(t, r, rb, frames[:3])
	starve(t, r, 1000)
	forwardAll(t, r, rb, frames[3:])

	bursts := r.bursts(t, 0)
	if len(bursts) != 16 {
		t.Fatalf("bursts = %d, want 16", len(bursts))
	}
	for i := 10; i < 14; i++ {
		if !bytes.Equal(bursts[i], expected(frames[i-8])) {
			t.Errorf("burst %d does not carry frame %d", i, i-8)
		}
	}

	// every fourth frame below the lower mark goes out twice, first flagged
	flagged := bursts[14]
	if pc(flagged)&0x80 == 0 {
		t.Fatalf("repeat Pc = %#x, want the error flag", pc(flagged))
	}
	want := expected(frames[6])
	if !bytes.Equal(flagged[6:], want[6:]) || pc(flagged)&^0x80 != pc(want) {
		t.Error("flagged repeat should carry frame 7")
	}
	if !bytes.Equal(bursts[15], want) {
		t.Error("frame 7 not delivered clean after the repeat")
	}

	if got := r.pump.Stats().Repeats; got != 1 {
		t.Errorf("repeats = %d, want 1", got)
	}
	if r.session().Stats().Prepares != 0 {
		t.Error("variable mode should not prepare the device")
	}
}

func TestPumpDeviceUnderrunRestartsWarmup(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	r := newRig(t, opts)
	rb := ring.New(0)
	frames := testFrames(4)

	forwardAll(t, r, rb, frames[:3])
	r.session().Inject(output.ErrUnderrun)
	forwardAll(t, r, rb, frames[3:])

	stats := r.pump.Stats()
	if stats.Underruns != 1 {
		t.Errorf("underruns = %d, want 1", stats.Underruns)
	}
	if r.session().Stats().Prepares != 1 {
		t.Errorf("prepares = %d, want 1", r.session().Stats().Prepares)
	}
	// a fresh start: eight pause bursts plus frame 4 replaced by a pause
	bursts := r.bursts(t, 0)
	if len(bursts) != 11+9 {
		t.Fatalf("bursts = %d, want 20", len(bursts))
	}
	for i := 11; i < 20; i++ {
		if pc(bursts[i]) != 3 {
			t.Errorf("burst %d Pc = %d, want pause", i, pc(bursts[i]))
		}
	}
	if r.dev.Sessions() != 1 {
		t.Errorf("sessions = %d", r.dev.Sessions())
	}
}

func TestPumpResumesSuspendedDevice(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	r := newRig(t, opts)
	rb := ring.New(0)
	frames := testFrames(4)

	forwardAll(t, r, rb, frames[:3])
	r.session().Inject(output.ErrSuspended)
	r.session().FailResume(3)
	start := r.clock.Now()
	forwardAll(t, r, rb, frames[3:])

	if d := r.clock.Now().Sub(start); d < 3*resumeInterval {
		t.Errorf("resume retried for %v, want at least %v", d, 3*resumeInterval)
	}
	if err := r.pump.Err(); err != nil {
		t.Errorf("Err = %v", err)
	}
	data := r.session().Captured()
	if !bytes.Equal(data[len(data)-ac3Burst:], expected(frames[3])) {
		t.Error("frame 4 not delivered after resume")
	}
}

func TestPumpLosesSessionAfterResumeAttempts(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	r := newRig(t, opts)
	rb := ring.New(0)
	frames := testFrames(4)

	forwardAll(t, r, rb, frames[:3])
	r.session().Inject(output.ErrSuspended)
	r.session().FailResume(maxResume + 10)

	err := r.pump.Forward(frames[3], rb)
	if !errors.Is(err, ErrSessionLost) {
		t.Fatalf("err = %v, want ErrSessionLost", err)
	}
	if !errors.Is(r.pump.Err(), ErrSessionLost) {
		t.Errorf("Err = %v", r.pump.Err())
	}
	if err := r.pump.Forward(frames[0], rb); !errors.Is(err, ErrSessionLost) {
		t.Errorf("Forward after loss = %v", err)
	}
}

func TestPumpBusyRetries(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	r := newRig(t, opts)
	rb := ring.New(0)
	frames := testFrames(4)

	forwardAll(t, r, rb, frames[:3])
	r.session().Inject(output.ErrBusy)
	r.session().Inject(output.ErrAgain)
	forwardAll(t, r, rb, frames[3:])

	data := r.session().Captured()
	if !bytes.Equal(data[len(data)-ac3Burst:], expected(frames[3])) {
		t.Error("frame 4 not delivered after busy retries")
	}
}

func TestPumpClearSendsStopFrame(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	r := newRig(t, opts)
	rb := ring.New(0)
	forwardAll(t, r, rb, testFrames(3))

	r.pump.Clear(true)

	data := r.session().Captured()
	last := data[len(data)-ac3Burst:]
	if binary.LittleEndian.Uint16(last) != 0xF872 || pc(last) != 0 {
		t.Errorf("last burst header % x, want a stop frame", last[:8])
	}
	if st, _ := r.session().Status(); st.State != output.StatePrepared || st.Delay != 0 {
		t.Errorf("after clear: %+v", st)
	}
	if !r.pump.Warming() {
		t.Error("clear should return to warm-up")
	}
	if !r.framer.Last().Empty() {
		t.Error("clear should drop the framer's last frame")
	}
}

func TestPumpClearKeepsStillPicturePause(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	r := newRig(t, opts)
	rb := ring.New(0)
	forwardAll(t, r, rb, testFrames(3))

	st, _ := r.session().Status()
	r.settings.Set(control.StillPicture)
	r.pump.Clear(false)

	want := r.pump.Format().Duration(st.Delay).Milliseconds()
	if r.pump.pause != want || want == 0 {
		t.Errorf("pause = %dms, want %dms", r.pump.pause, want)
	}
	if r.settings.Test(control.StillPicture) {
		t.Error("still picture flag should be consumed")
	}
	if !r.pump.test(ctrlPause) {
		t.Error("pause flag should stay set until the next start")
	}
}

func TestPumpAvailable(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	r := newRig(t, opts)

	// warm-up without a payload size: room left after three bursts
	if got := r.pump.Available(1 << 20); got != (15360-3*1536)*frameSize {
		t.Errorf("warm-up Available = %d", got)
	}
	if got := r.pump.Available(100); got != 100 {
		t.Errorf("Available is not capped by limit: %d", got)
	}

	forwardAll(t, r, ring.New(0), testFrames(3))
	// a full queue leaves room for a quarter payload
	if got := r.pump.Available(1 << 20); got != 768>>2 {
		t.Errorf("Available on a full queue = %d, want %d", got, 768>>2)
	}

	var idle Pump
	if got := idle.Available(1 << 20); got != 4 {
		t.Errorf("Available without session = %d", got)
	}
}

// stubRing reports a fixed state without blocking
type stubRing struct {
	ready bool
	polls int
}

func (s *stubRing) Free(int) bool { return true }

func (s *stubRing) Poll(time.Duration) bool {
	s.polls++
	return s.ready
}

func TestPumpSynchronizeRepeatsThenDrains(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	r := newRig(t, opts)
	forwardAll(t, r, ring.New(0), testFrames(4))

	rb := &stubRing{}
	start := r.clock.Now()
	if r.pump.Synchronize(rb) {
		t.Fatal("Synchronize should report no data")
	}

	stats := r.pump.Stats()
	if stats.Repeats == 0 {
		t.Error("last frame was not repeated while data was missing")
	}
	if d := r.clock.Now().Sub(start); d < repeatWindow {
		t.Errorf("gave up after %v, want at least %v of repeats", d, repeatWindow)
	}
	if !r.pump.Warming() {
		t.Error("pump should be back in warm-up")
	}
	if st, _ := r.session().Status(); st.State != output.StatePrepared {
		t.Errorf("state = %v, want prepared", st.State)
	}
}

func TestPumpSynchronizeReturnsWhenDataArrives(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	r := newRig(t, opts)
	forwardAll(t, r, ring.New(0), testFrames(4))

	rb := &stubRing{ready: true}
	if !r.pump.Synchronize(rb) {
		t.Error("Synchronize should report data")
	}
	if r.pump.Stats().Repeats != 0 {
		t.Error("no repeat expected while data flows")
	}
}

func TestPumpSynchronizeSkipsWhileClearing(t *testing.T) {
	r := newRig(t, control.DefaultOptions())
	r.settings.Set(control.Clear)
	rb := &stubRing{ready: true}
	if r.pump.Synchronize(rb) {
		t.Error("Synchronize should stop while clearing")
	}
	if rb.polls != 0 {
		t.Error("ring polled while clearing")
	}
	if err := r.pump.Forward(testFrames(1)[0], rb); err != nil {
		t.Errorf("Forward while clearing: %v", err)
	}
	if len(r.session().Captured()) != 0 {
		t.Error("nothing should be written while clearing")
	}
}

func TestPumpInterrupt(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	r := newRig(t, opts)
	rb := ring.New(0)
	forwardAll(t, r, rb, testFrames(2))

	r.pump.Interrupt()
	if err := r.pump.Forward(testFrames(1)[0], rb); !errors.Is(err, ErrInterrupted) {
		t.Errorf("err = %v, want ErrInterrupted", err)
	}
	if _, err := r.session().Write(make([]byte, 4)); !errors.Is(err, output.ErrClosed) {
		t.Error("interrupt should close the session")
	}

	r.pump.Close()
	if !r.pump.Warming() {
		t.Error("closed pump should report warming")
	}
}
