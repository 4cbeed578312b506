// ABOUTME: Tests for live transport stream selection
// ABOUTME: Covers detection, the timestamp gate, continuity and recovery after drops
package selector

import (
	"bytes"
	"testing"
	"time"

	"github.com/Resonate-Protocol/passthru-go/internal/control"
	"github.com/Resonate-Protocol/passthru-go/internal/iec"
	"github.com/Resonate-Protocol/passthru-go/internal/iec/iectest"
	"github.com/Resonate-Protocol/passthru-go/internal/selector/selectortest"
	"github.com/Resonate-Protocol/passthru-go/internal/sync"
)

const audioPID = 0x100

type fakeRing struct {
	data    []byte
	refuse  bool
	stores  int
	flushes int
	signals int
}

func (r *fakeRing) Store(p []byte, wake bool) bool {
	r.stores++
	if r.refuse {
		return false
	}
	r.data = append(r.data, p...)
	return true
}

func (r *fakeRing) Flush() {
	r.flushes++
	r.data = nil
}

func (r *fakeRing) Signal() { r.signals++ }

type liveRig struct {
	settings *control.Settings
	rb       *fakeRing
	pcr      *sync.PCRClock
	sel      *Selector
	mux      *selectortest.Muxer
}

func newLiveRig(t *testing.T, cfg Config) *liveRig {
	t.Helper()
	clock := sync.NewManualClock(time.Unix(1000, 0))
	settings := control.NewSettings(control.DefaultOptions())
	rb := &fakeRing{}
	pcr := sync.NewPCRClock(clock)
	set := iec.NewSet(clock, nil, iec.Config{})
	t.Cleanup(set.Close)
	return &liveRig{
		settings: settings,
		rb:       rb,
		pcr:      pcr,
		sel:      New(settings, rb, set, pcr, cfg),
		mux:      &selectortest.Muxer{PID: audioPID},
	}
}

// send muxes one PES onto the audio PID
func (r *liveRig) send(streamID byte, opts selectortest.PESOptions, payload []byte) {
	for _, pkt := range r.mux.Packets(selectortest.PES(streamID, opts, payload)) {
		r.sel.Receive(pkt)
	}
}

func withPTS(pts uint64) selectortest.PESOptions {
	return selectortest.PESOptions{PTS: pts, HasPTS: true, Aligned: true}
}

var noPTS = selectortest.PESOptions{Aligned: true}

func ac3Frames(n int, seed byte) []byte {
	var out []byte
	for i := 0; i < n; i++ {
		out = append(out, iectest.AC3Frame48k192(seed+byte(i))...)
	}
	return out
}

func TestBroadcastAC3(t *testing.T) {
	r := newLiveRig(t, Config{})

	first := ac3Frames(2, 0)
	second := ac3Frames(2, 2)
	r.send(selectortest.PrivateStream1, withPTS(90000), first)
	r.send(selectortest.PrivateStream1, noPTS, second)

	if pid := r.sel.PID(); pid != audioPID {
		t.Errorf("PID = %#x, want %#x", pid, audioPID)
	}
	info, ok := r.sel.Info()
	if !ok {
		t.Fatal("no stream established")
	}
	if info.Kind != iec.KindAC3 || info.DVD || info.Track != broadcastTrack {
		t.Errorf("info = %+v, want broadcast AC3", info)
	}
	if !bytes.Equal(r.rb.data, append(first, second...)) {
		t.Errorf("ring holds %d bytes, want the %d stream bytes", len(r.rb.data), len(first)+len(second))
	}

	select {
	case <-r.sel.Ready():
	default:
		t.Error("Ready not signalled")
	}
	if s := r.sel.Stats(); s.Streams != 1 {
		t.Errorf("streams = %d, want 1", s.Streams)
	}
}

func TestBroadcastDTS(t *testing.T) {
	r := newLiveRig(t, Config{PID: audioPID})

	frame := iectest.DTSFrame(16, 1006, 13, 1)
	r.send(selectortest.PrivateStream1, withPTS(90000), frame)

	info, ok := r.sel.Info()
	if !ok || info.Kind != iec.KindDTS || info.DVD {
		t.Fatalf("info = %+v, %v; want broadcast DTS", info, ok)
	}
	if !bytes.Equal(r.rb.data, frame) {
		t.Errorf("ring holds %d bytes, want %d", len(r.rb.data), len(frame))
	}
}

func TestDiscSubstream(t *testing.T) {
	tests := []struct {
		name  string
		id    byte
		ptr   uint16
		lead  []byte
		kind  iec.Kind
		track byte
	}{
		{"ac3 first track", 0x80, 1, nil, iec.KindAC3, 0x21},
		{"ac3 second track", 0x81, 1, nil, iec.KindAC3, 0x22},
		{"ac3 with tail of previous frame", 0x80, 4, []byte{1, 2, 3}, iec.KindAC3, 0x21},
		{"dts", 0x88, 1, nil, iec.KindDTS, 0x29},
		{"dts second track", 0x89, 1, nil, iec.KindDTS, 0x2A},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newLiveRig(t, Config{PID: audioPID})

			frame := iectest.AC3Frame48k192(7)
			if tt.kind == iec.KindDTS {
				frame = iectest.DTSFrame(16, 1006, 13, 7)
			}
			body := append(append([]byte{}, tt.lead...), frame...)
			r.send(selectortest.PrivateStream1, withPTS(90000), selectortest.DiscAudio(tt.id, 1, tt.ptr, body))

			info, ok := r.sel.Info()
			if !ok {
				t.Fatal("no stream established")
			}
			if info.Kind != tt.kind || !info.DVD || info.Track != tt.track {
				t.Errorf("info = %+v, want %s disc track %#x", info, tt.kind, tt.track)
			}
			if !bytes.Equal(r.rb.data, frame) {
				t.Errorf("ring holds %d bytes, want the %d frame bytes", len(r.rb.data), len(frame))
			}
		})
	}
}

func TestBroadcastWinsOverDiscHeader(t *testing.T) {
	r := newLiveRig(t, Config{PID: audioPID})

	// A disc AC-3 header byte directly followed by a broadcast sync word
	frame := iectest.AC3Frame48k192(3)
	r.send(selectortest.PrivateStream1, withPTS(90000), append([]byte{0x80}, frame...))

	info, ok := r.sel.Info()
	if !ok {
		t.Fatal("no stream established")
	}
	if info.DVD || info.Track != broadcastTrack {
		t.Errorf("info = %+v, want broadcast interpretation", info)
	}
	if !bytes.Equal(r.rb.data, frame) {
		t.Errorf("ring holds %d bytes, want the %d frame bytes", len(r.rb.data), len(frame))
	}
}

func TestStartNeedsTimestamp(t *testing.T) {
	r := newLiveRig(t, Config{PID: audioPID})

	r.send(selectortest.PrivateStream1, noPTS, ac3Frames(2, 0))
	if _, ok := r.sel.Info(); ok {
		t.Fatal("stream established without a timestamp")
	}
	if len(r.rb.data) != 0 {
		t.Fatalf("stored %d bytes before a timestamp", len(r.rb.data))
	}

	frames := ac3Frames(2, 4)
	r.send(selectortest.PrivateStream1, withPTS(180000), frames)
	if _, ok := r.sel.Info(); !ok {
		t.Fatal("stream not established on a timestamp")
	}
	if !bytes.Equal(r.rb.data, frames) {
		t.Errorf("ring holds %d bytes, want %d", len(r.rb.data), len(frames))
	}
}

func TestTrackChangeDropsStream(t *testing.T) {
	r := newLiveRig(t, Config{PID: audioPID})

	r.send(selectortest.PrivateStream1, withPTS(90000), selectortest.DiscAudio(0x80, 1, 1, ac3Frames(1, 0)))
	_, gen := r.sel.Stream()
	if info, ok := r.sel.Info(); !ok || info.Track != 0x21 {
		t.Fatalf("info = %+v, %v; want track 0x21", info, ok)
	}

	// Same format, other sub-stream, no reset in between
	r.send(selectortest.PrivateStream1, noPTS, selectortest.DiscAudio(0x81, 1, 1, ac3Frames(1, 1)))
	f, g := r.sel.Stream()
	if f != nil {
		t.Fatal("stream kept across a track change")
	}
	if g == gen {
		t.Error("generation unchanged after drop")
	}
	if s := r.sel.Stats(); s.Discontinuities != 1 {
		t.Errorf("discontinuities = %d, want 1", s.Discontinuities)
	}
	if r.rb.flushes == 0 || r.rb.signals == 0 {
		t.Error("ring not flushed and signalled on drop")
	}

	r.send(selectortest.PrivateStream1, noPTS, selectortest.DiscAudio(0x81, 1, 1, ac3Frames(1, 2)))
	if _, ok := r.sel.Info(); ok {
		t.Fatal("resumed without a timestamp")
	}

	frame := ac3Frames(1, 3)
	r.send(selectortest.PrivateStream1, withPTS(270000), selectortest.DiscAudio(0x81, 1, 1, frame))
	info, ok := r.sel.Info()
	if !ok || info.Track != 0x22 {
		t.Fatalf("info = %+v, %v; want track 0x22", info, ok)
	}
	if !bytes.Equal(r.rb.data, frame) {
		t.Errorf("ring holds %d bytes, want %d", len(r.rb.data), len(frame))
	}
}

func TestMPEGNeedsEnable(t *testing.T) {
	r := newLiveRig(t, Config{})
	r.settings.Unset(control.MP2Enable)

	frame := iectest.MPEGLayer2At128k(0)
	r.send(selectortest.MPEGAudio, withPTS(90000), frame)
	if r.sel.PID() != 0 {
		t.Fatal("locked onto MPEG audio while disabled")
	}

	r.settings.Set(control.MP2Enable)
	r.send(selectortest.MPEGAudio, withPTS(90000), frame)
	info, ok := r.sel.Info()
	if !ok {
		t.Fatal("no MPEG stream established")
	}
	if info.Kind != iec.KindMPEG || info.Track != 1 || info.SampleRate != 48000 {
		t.Errorf("info = %+v, want MPEG track 1 at 48 kHz", info)
	}
	if !bytes.Equal(r.rb.data, frame) {
		t.Errorf("ring holds %d bytes, want %d", len(r.rb.data), len(frame))
	}
}

func TestPIDLocksOnAudio(t *testing.T) {
	r := newLiveRig(t, Config{})

	video := &selectortest.Muxer{PID: 0x30}
	for _, pkt := range video.Packets(selectortest.PES(0xE0, withPTS(1), make([]byte, 400))) {
		r.sel.Receive(pkt)
	}
	if r.sel.PID() != 0 {
		t.Fatalf("locked onto video PID %#x", r.sel.PID())
	}

	r.send(selectortest.PrivateStream1, withPTS(90000), ac3Frames(1, 0))
	if r.sel.PID() != audioPID {
		t.Errorf("PID = %#x, want %#x", r.sel.PID(), audioPID)
	}
}

func TestPCRCapture(t *testing.T) {
	r := newLiveRig(t, Config{PID: audioPID})

	r.sel.Receive(r.mux.PCRPacket(27_000_000))
	other := &selectortest.Muxer{PID: 0x200}
	r.sel.Receive(other.PCRPacket(54_000_000))

	if r.pcr.Count() != 1 {
		t.Fatalf("PCR updates = %d, want 1", r.pcr.Count())
	}
	stc, err := r.pcr.STC()
	if err != nil {
		t.Fatalf("STC: %v", err)
	}
	if stc != 90000 {
		t.Errorf("STC = %d, want 90000", stc)
	}
}

func TestSkipAfterRingOverflow(t *testing.T) {
	r := newLiveRig(t, Config{PID: audioPID})
	r.rb.refuse = true

	r.send(selectortest.PrivateStream1, withPTS(90000), ac3Frames(1, 0))
	stores := r.rb.stores

	// The drop puts the next packets aside
	r.rb.refuse = false
	for i := 0; i < tsSkipAfterDrop; i++ {
		r.sel.Receive(r.mux.PCRPacket(0))
	}
	if s := r.sel.Stats(); s.Skipped != tsSkipAfterDrop {
		t.Errorf("skipped = %d, want %d", s.Skipped, tsSkipAfterDrop)
	}
	if r.rb.stores != stores {
		t.Errorf("stored while skipping")
	}

	frames := ac3Frames(1, 1)
	r.send(selectortest.PrivateStream1, noPTS, frames)
	if !bytes.Equal(r.rb.data, frames) {
		t.Errorf("ring holds %d bytes after skip, want %d", len(r.rb.data), len(frames))
	}
}

func TestBrokenPacketsResync(t *testing.T) {
	r := newLiveRig(t, Config{PID: audioPID})

	r.sel.Receive(make([]byte, 100))
	bad := selectortest.PES(selectortest.PrivateStream1, withPTS(90000), ac3Frames(1, 0))
	bad[6] = 0x40
	for _, pkt := range r.mux.Packets(bad) {
		r.sel.Receive(pkt)
	}
	if s := r.sel.Stats(); s.Broken != 2 {
		t.Errorf("broken = %d, want 2", s.Broken)
	}
	if _, ok := r.sel.Info(); ok {
		t.Fatal("stream established from a broken header")
	}

	frames := ac3Frames(1, 1)
	r.send(selectortest.PrivateStream1, withPTS(90000), frames)
	if !bytes.Equal(r.rb.data, frames) {
		t.Errorf("ring holds %d bytes, want %d", len(r.rb.data), len(frames))
	}
}

func TestUnmuteNeedsTimestamp(t *testing.T) {
	r := newLiveRig(t, Config{PID: audioPID})
	r.send(selectortest.PrivateStream1, withPTS(90000), ac3Frames(1, 0))

	r.settings.Set(control.Mute)
	r.send(selectortest.PrivateStream1, noPTS, ac3Frames(1, 1))
	r.settings.Unset(control.Mute)
	r.rb.data = nil

	r.send(selectortest.PrivateStream1, noPTS, ac3Frames(1, 2))
	if len(r.rb.data) != 0 {
		t.Fatalf("stored %d bytes after unmute without a timestamp", len(r.rb.data))
	}

	frames := ac3Frames(1, 3)
	r.send(selectortest.PrivateStream1, withPTS(180000), frames)
	if !bytes.Equal(r.rb.data, frames) {
		t.Errorf("ring holds %d bytes, want %d", len(r.rb.data), len(frames))
	}
	if s := r.sel.Stats(); s.Streams != 1 {
		t.Errorf("streams = %d, want the stream kept across mute", s.Streams)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	r := newLiveRig(t, Config{})
	r.send(selectortest.PrivateStream1, withPTS(90000), ac3Frames(1, 0))

	r.sel.Clear()
	f, gen := r.sel.Stream()
	if f != nil {
		t.Fatal("stream survived Clear")
	}
	if r.sel.PID() != 0 {
		t.Errorf("PID = %#x after Clear, want search again", r.sel.PID())
	}

	r.sel.Clear()
	if _, g := r.sel.Stream(); g != gen {
		t.Errorf("second Clear changed generation %d -> %d", gen, g)
	}
}

func TestInactiveIgnoresInput(t *testing.T) {
	r := newLiveRig(t, Config{PID: audioPID})
	r.settings.Unset(control.Active)

	r.send(selectortest.PrivateStream1, withPTS(90000), ac3Frames(1, 0))
	if _, ok := r.sel.Info(); ok {
		t.Fatal("stream established while inactive")
	}

	r.settings.Set(control.Active)
	r.sel.Activate(true)
	if !r.settings.Test(control.Live) {
		t.Error("Activate(true) did not set live")
	}
	r.send(selectortest.PrivateStream1, withPTS(90000), ac3Frames(1, 0))
	if _, ok := r.sel.Info(); !ok {
		t.Fatal("no stream after activation")
	}

	r.sel.Activate(false)
	if r.settings.Test(control.Live) {
		t.Error("Activate(false) left live set")
	}
	if _, ok := r.sel.Info(); ok {
		t.Error("stream kept after deactivation")
	}
}
