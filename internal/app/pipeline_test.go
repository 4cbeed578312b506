// ABOUTME: End-to-end tests for the passthrough pipeline
// ABOUTME: Feeds PES packets through selector, ring buffer and pump into a simulated device
package app

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/Resonate-Protocol/passthru-go/internal/control"
	"github.com/Resonate-Protocol/passthru-go/internal/cursor"
	"github.com/Resonate-Protocol/passthru-go/internal/iec"
	"github.com/Resonate-Protocol/passthru-go/internal/iec/iectest"
	"github.com/Resonate-Protocol/passthru-go/internal/input"
	"github.com/Resonate-Protocol/passthru-go/internal/selector/selectortest"
	"github.com/Resonate-Protocol/passthru-go/internal/sync"
	"github.com/Resonate-Protocol/passthru-go/pkg/audio/output"
)

const frameSize = 4

type pipeRig struct {
	clock *sync.ManualClock
	dev   *output.Sim
	p     *Pipeline
}

func newPipeRig(t *testing.T, opts control.Options, flags control.Flag) *pipeRig {
	t.Helper()
	clock := sync.NewManualClock(time.Unix(1000, 0))
	dev := output.NewSim(clock)
	dev.Capture = true
	settings := control.NewSettings(opts)
	settings.Set(flags)
	p := NewPipeline(PipelineConfig{Device: dev, Settings: settings, Clock: clock})
	t.Cleanup(p.set.Close)
	return &pipeRig{clock: clock, dev: dev, p: p}
}

// drain runs the consumer steps until the ring buffer is empty
func (r *pipeRig) drain(t *testing.T) {
	t.Helper()
	for i := 0; r.p.rb.Used() > 0; i++ {
		if i > 1000 {
			t.Fatal("ring buffer does not drain")
		}
		if !r.p.control() {
			t.Fatal("control stopped output")
		}
		if !r.p.session() {
			t.Fatal("no output session")
		}
		if !r.p.pump.Synchronize(r.p.rb) {
			t.Fatal("Synchronize reported no data")
		}
		if err := r.p.pass(); err != nil {
			t.Fatalf("pass: %v", err)
		}
	}
}

func first(pts uint64) selectortest.PESOptions {
	return selectortest.PESOptions{PTS: pts, HasPTS: true, Aligned: true}
}

func ac3Frames(n int) [][]byte {
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = iectest.AC3Frame48k192(byte(i))
	}
	return frames
}

func pcOf(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b[4:])
}

func ac3Burst(frame []byte) []byte {
	f := iec.NewAC3(sync.NewClockSync(nil, nil)).Frame(cursor.New(frame))
	return f.Burst[:f.Size]
}

func TestPipelineReplayAC3(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 3
	r := newPipeRig(t, opts, 0)
	frames := ac3Frames(10)

	for i, f := range frames {
		o := selectortest.PESOptions{}
		if i == 0 {
			o = first(90000)
		}
		r.p.Play(selectortest.PES(selectortest.PrivateStream1, o, f))
	}
	r.drain(t)

	stats := r.p.pump.Stats()
	if stats.Frames != 10 {
		t.Errorf("frames = %d, want 10", stats.Frames)
	}
	if stats.Silence != 3 {
		t.Errorf("silence bursts = %d, want 3", stats.Silence)
	}

	data := r.dev.Last().Captured()
	skip := 3 * 480 * frameSize
	if !bytes.Equal(data[:skip], make([]byte, skip)) {
		t.Fatal("start delay is not silence")
	}
	data = data[skip:]
	if len(data) != 18*iec.AC3BurstSize {
		t.Fatalf("captured %d bytes, want 18 bursts", len(data))
	}
	for i := 0; i < 18; i++ {
		b := data[i*iec.AC3BurstSize : (i+1)*iec.AC3BurstSize]
		if i < 10 {
			if pcOf(b) != 3 {
				t.Errorf("burst %d Pc = %d, want pause", i, pcOf(b))
			}
			continue
		}
		if !bytes.Equal(b, ac3Burst(frames[i-8])) {
			t.Errorf("burst %d does not carry frame %d", i, i-8)
		}
	}

	st := r.p.Status()
	if !st.Playing || st.Stream.Kind != iec.KindAC3 || st.Stream.DVD {
		t.Errorf("status stream = %+v playing=%v", st.Stream, st.Playing)
	}
}

func TestPipelineMPEGPassthrough(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	r := newPipeRig(t, opts, control.MP2SPDIF)

	var frames [][]byte
	for i := 0; i < 10; i++ {
		f := iectest.MPEGLayer2At128k(byte(i))
		frames = append(frames, f)
		o := selectortest.PESOptions{}
		if i == 0 {
			o = first(90000)
		}
		r.p.Play(selectortest.PES(selectortest.MPEGAudio, o, f))
	}
	r.drain(t)

	format := r.p.pump.Format()
	if !format.Passthrough || format.SampleRate != 48000 {
		t.Fatalf("format = %+v, want 48kHz passthrough", format)
	}
	if r.p.pump.Stats().Frames != 10 {
		t.Errorf("frames = %d, want 10", r.p.pump.Stats().Frames)
	}
	if st := r.p.Status().Pump; st.Warming || st.Format != format {
		t.Errorf("status pump = warming %v format %+v, want the running session", st.Warming, st.Format)
	}

	m := iec.NewMPEG(sync.NewClockSync(nil, nil), iec.MPEGPassthrough)
	f := m.Frame(cursor.New(frames[9]))
	want := f.Burst[:f.Size]
	if len(want) != 32*144 {
		t.Fatalf("burst size = %d", len(want))
	}
	if pd := binary.LittleEndian.Uint16(want[6:]); pd != 384*8 {
		t.Errorf("burst payload = %d bits, want the 384 byte frame", pd)
	}
	data := r.dev.Last().Captured()
	if !bytes.Equal(data[len(data)-len(want):], want) {
		t.Error("last burst does not carry the last frame")
	}
}

func TestPipelineDeviceUnderrun(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	r := newPipeRig(t, opts, 0)
	frames := ac3Frames(4)

	for i, f := range frames[:3] {
		o := selectortest.PESOptions{}
		if i == 0 {
			o = first(90000)
		}
		r.p.Play(selectortest.PES(selectortest.PrivateStream1, o, f))
	}
	r.drain(t)

	sess := r.dev.Last()
	sess.Inject(output.ErrUnderrun)
	before := len(sess.Captured())
	r.p.Play(selectortest.PES(selectortest.PrivateStream1, selectortest.PESOptions{}, frames[3]))
	r.drain(t)

	if r.dev.Sessions() != 1 {
		t.Errorf("sessions = %d, want the session kept", r.dev.Sessions())
	}
	if sess.Stats().Prepares == 0 {
		t.Error("device not prepared after the underrun")
	}
	data := sess.Captured()[before:]
	// warm-up again: start frames, then the frame itself goes out as a pause
	if len(data) != 9*iec.AC3BurstSize {
		t.Fatalf("captured %d bytes after underrun, want 9 bursts", len(data))
	}
	if pcOf(data[len(data)-iec.AC3BurstSize:]) != 3 {
		t.Error("restart should send a pause burst")
	}
	if r.p.pump.Warming() || r.p.Status().Pump.Warming {
		t.Error("pump did not restart")
	}
}

func TestPipelineTrackChange(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	r := newPipeRig(t, opts, 0)
	frames := ac3Frames(3)

	r.p.Play(selectortest.PES(selectortest.PrivateStream1, first(90000), selectortest.DiscAudio(0x80, 1, 1, frames[0])))
	r.p.Play(selectortest.PES(selectortest.PrivateStream1, selectortest.PESOptions{}, selectortest.DiscAudio(0x80, 1, 1, frames[1])))
	r.drain(t)
	_, gen := r.p.sel.Stream()

	// another sub-stream without a timestamp drops the stream
	r.p.Play(selectortest.PES(selectortest.PrivateStream1, selectortest.PESOptions{}, selectortest.DiscAudio(0x82, 1, 1, frames[2])))
	if r.p.session() {
		t.Fatal("session kept across a track change")
	}
	if r.p.open {
		t.Error("device session not closed")
	}

	r.p.Play(selectortest.PES(selectortest.PrivateStream1, first(180000), selectortest.DiscAudio(0x82, 1, 1, frames[2])))
	f, next := r.p.sel.Stream()
	if f == nil || next == gen {
		t.Fatalf("no new stream (gen %d -> %d)", gen, next)
	}
	if f.Track() != 0x23 {
		t.Errorf("track = %#x, want 0x23", f.Track())
	}
	r.drain(t)
	if r.dev.Sessions() != 2 {
		t.Errorf("sessions = %d, want 2", r.dev.Sessions())
	}
}

func TestPipelineControl(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	r := newPipeRig(t, opts, 0)
	frames := ac3Frames(3)
	play := func() {
		for i, f := range frames {
			o := selectortest.PESOptions{}
			if i == 0 {
				o = first(90000)
			}
			r.p.Play(selectortest.PES(selectortest.PrivateStream1, o, f))
		}
	}

	play()
	r.drain(t)

	t.Run("mute", func(t *testing.T) {
		r.p.Settings().Set(control.Mute)
		play()
		if r.p.rb.Used() != 0 {
			t.Error("muted input reached the ring buffer")
		}
		if r.p.control() {
			t.Error("control allowed output while muted")
		}
		if !r.p.pump.Warming() || !r.p.Status().Pump.Warming {
			t.Error("mute should clear the pump")
		}
		r.p.Settings().Unset(control.Mute)
		if !r.p.control() {
			t.Error("control still blocked after unmute")
		}
	})

	t.Run("clear", func(t *testing.T) {
		r.p.Clear()
		if f, _ := r.p.sel.Stream(); f != nil {
			t.Error("clear kept the stream")
		}
		play()
		if r.p.rb.Used() != 0 {
			t.Error("input accepted before the clear was applied")
		}
		if r.p.control() {
			t.Error("control allowed output during clear")
		}
		if r.p.Settings().Test(control.Clear) {
			t.Error("clear flag not consumed")
		}
	})

	t.Run("reset", func(t *testing.T) {
		play()
		r.drain(t)
		if !r.p.open {
			t.Fatal("no session after replay")
		}
		r.p.Reset()
		if r.p.control() {
			t.Error("control allowed output during reset")
		}
		if r.p.open {
			t.Error("reset kept the device session")
		}
		if r.p.Settings().Test(control.Reset) {
			t.Error("reset flag not consumed")
		}
		if f, _ := r.p.sel.Stream(); f != nil {
			t.Error("reset kept the stream")
		}
	})

	t.Run("inactive", func(t *testing.T) {
		play()
		r.drain(t)
		r.p.Settings().Unset(control.Active)
		if r.p.control() {
			t.Error("control allowed output while inactive")
		}
		if r.p.open {
			t.Error("session kept while inactive")
		}
		r.p.Settings().Set(control.Active)
	})
}

func TestPipelineBusy(t *testing.T) {
	r := newPipeRig(t, control.DefaultOptions(), 0)
	if r.p.Busy() {
		t.Fatal("empty pipeline is busy")
	}
	r.p.rb.Store(make([]byte, r.p.rb.Cap()/4*3+1), false)
	if !r.p.Busy() {
		t.Error("pipeline not busy with a full ring")
	}
}

type replaySource struct {
	pes [][]byte
}

func (s *replaySource) Run(ctx context.Context, sink input.Sink) error {
	for _, p := range s.pes {
		sink.Play(p)
	}
	return nil
}

func (s *replaySource) Live() bool     { return false }
func (s *replaySource) String() string { return "replay" }

func TestPipelineRunExitsOnEnd(t *testing.T) {
	opts := control.DefaultOptions()
	opts.Delay = 0
	dev := output.NewSim(nil)
	p := NewPipeline(PipelineConfig{
		Device:    dev,
		Settings:  control.NewSettings(opts),
		ExitOnEnd: true,
	})

	src := &replaySource{}
	for i, f := range ac3Frames(10) {
		o := selectortest.PESOptions{}
		if i == 0 {
			o = first(90000)
		}
		src.pes = append(src.pes, selectortest.PES(selectortest.PrivateStream1, o, f))
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), src) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after the input ended")
	}

	if got := p.Status().Pump.Frames; got != 10 {
		t.Errorf("frames = %d, want 10", got)
	}
	if p.Settings().Test(control.Active) {
		t.Error("pipeline still active after Run")
	}
}

func TestPipelineRunStopsOnCancel(t *testing.T) {
	p := NewPipeline(PipelineConfig{Device: output.NewSim(nil)})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, nil) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
