// ABOUTME: Passthrough pipeline wiring input, stream selector, ring buffer and output pump
// ABOUTME: Runs the producer, consumer and settings monitor roles under one errgroup
package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/Resonate-Protocol/passthru-go/internal/control"
	"github.com/Resonate-Protocol/passthru-go/internal/iec"
	"github.com/Resonate-Protocol/passthru-go/internal/input"
	"github.com/Resonate-Protocol/passthru-go/internal/player"
	"github.com/Resonate-Protocol/passthru-go/internal/ring"
	"github.com/Resonate-Protocol/passthru-go/internal/selector"
	"github.com/Resonate-Protocol/passthru-go/internal/sync"
	"github.com/Resonate-Protocol/passthru-go/pkg/audio/output"
	"golang.org/x/sync/errgroup"
)

const (
	// streamWait is how long the consumer sleeps without a stream
	streamWait = 100 * time.Millisecond

	// stop rounds: flush and signal every 10 ms, at most 50 times
	stopRounds   = 50
	stopInterval = 10 * time.Millisecond

	// drainWait is how long the output may take to play out after the
	// input ended
	drainWait = 500 * time.Millisecond
)

// errInputDone ends the pipeline once a finite input has played out
var errInputDone = errors.New("input done")

// PipelineConfig wires a pipeline
type PipelineConfig struct {
	Device   output.Device
	Settings *control.Settings
	Selector selector.Config

	// Clock defaults to the system clock
	Clock sync.Clock

	// Reference uses transport stream PCRs as the device time reference
	Reference bool

	MuteScript string

	// ExitOnEnd stops the pipeline after a finite input has played out
	ExitOnEnd bool
}

// Pipeline owns one passthrough session set: selector, ring buffer, framers and pump
type Pipeline struct {
	cfg      PipelineConfig
	settings *control.Settings
	clock    sync.Clock

	rb   *ring.Buffer
	set  *iec.Set
	pcr  *sync.PCRClock
	sel  *selector.Selector
	pump *player.Pump
	hook *control.Hook

	// consumer state
	buf    []byte
	gen    uint64
	open   bool
	failed uint64
	muted  bool

	done chan struct{}
	live bool
}

// NewPipeline creates a pipeline; nothing runs until Run
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = sync.SystemClock{}
	}
	if cfg.Settings == nil {
		cfg.Settings = control.NewSettings(control.DefaultOptions())
	}
	opts := cfg.Settings.Options()

	p := &Pipeline{
		cfg:      cfg,
		settings: cfg.Settings,
		clock:    cfg.Clock,
		rb:       ring.New(opts.BufferSize),
		pcr:      sync.NewPCRClock(cfg.Clock),
		hook:     control.NewHook(cfg.MuteScript),
		buf:      make([]byte, ring.TransferSize),
		done:     make(chan struct{}),
	}

	var ref sync.STCSource
	if cfg.Reference {
		ref = p.pcr
	}
	mode := iec.MPEGDither
	switch {
	case p.settings.Test(control.MP2SPDIF):
		mode = iec.MPEGPassthrough
	case !p.settings.Test(control.MP2Dither):
		mode = iec.MPEGRound
	}
	p.set = iec.NewSet(cfg.Clock, ref, iec.Config{MPEGMode: mode})
	p.sel = selector.New(p.settings, p.rb, p.set, p.pcr, cfg.Selector)
	p.pump = player.NewPump(cfg.Device, p.settings, cfg.Clock)
	return p
}

// Receive passes a transport stream packet to the selector
func (p *Pipeline) Receive(pkt []byte) { p.sel.Receive(pkt) }

// Play passes a program stream PES packet to the selector
func (p *Pipeline) Play(pes []byte) { p.sel.Play(pes) }

// Busy reports a ring buffer more than three quarters full
func (p *Pipeline) Busy() bool {
	return p.rb.Used() > p.rb.Cap()/4*3
}

// Run starts the roles and blocks until ctx is cancelled, the input
// fails or, with ExitOnEnd, a finite input has played out.
func (p *Pipeline) Run(ctx context.Context, src input.Source) error {
	if src != nil && src.Live() {
		p.live = true
		p.sel.Activate(true)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.consume(gctx)
	})
	g.Go(func() error {
		return p.monitor(gctx)
	})
	if src != nil {
		g.Go(func() error {
			log.Printf("Pipeline: reading %s", src)
			if err := src.Run(gctx, p); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			if !p.cfg.ExitOnEnd {
				return nil
			}
			return p.drain(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		p.stop()
		return nil
	})

	err := g.Wait()
	p.set.Close()
	if errors.Is(err, errInputDone) {
		return nil
	}
	return err
}

// drain waits until the ring buffer is empty and the device had time to
// play out
func (p *Pipeline) drain(ctx context.Context) error {
	ticker := time.NewTicker(streamWait)
	defer ticker.Stop()
	for p.rb.Used() > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(drainWait):
	}
	log.Printf("Pipeline: input played out")
	return errInputDone
}

// stop ends the consumer in two steps: first by waking it until it
// notices, then by interrupting the device
func (p *Pipeline) stop() {
	p.settings.Unset(control.Active)
	for i := 0; i < stopRounds; i++ {
		select {
		case <-p.done:
			return
		case <-time.After(stopInterval):
			p.rb.Flush()
			p.rb.Signal()
		}
	}
	log.Printf("Pipeline: consumer did not stop, interrupting output")
	p.pump.Interrupt()
	p.sel.Clear()
}

// consume is the consumer role: it opens a device session per stream
// and forwards ring buffer data through the pump
func (p *Pipeline) consume(ctx context.Context) error {
	defer close(p.done)
	defer p.closeSession()

	for ctx.Err() == nil {
		if !p.control() {
			p.wait(ctx)
			continue
		}
		if !p.session() {
			p.wait(ctx)
			continue
		}
		if !p.pump.Synchronize(p.rb) {
			continue
		}
		if err := p.pass(); err != nil {
			if errors.Is(err, player.ErrInterrupted) {
				return nil
			}
			p.fail(err)
		}
	}
	return nil
}

// control applies clear, reset, mute and active on the consumer side.
// It returns false while no output should run.
func (p *Pipeline) control() bool {
	if p.settings.Test(control.Clear) {
		p.pump.Clear(true)
		p.rb.Flush()
		p.settings.Unset(control.Clear)
		return false
	}
	if p.settings.TestAndUnset(control.Reset) {
		log.Printf("Pipeline: resetting output")
		p.closeSession()
		p.sel.Clear()
		return false
	}

	muted := p.settings.Test(control.Mute)
	if muted != p.muted {
		p.muted = muted
		if muted {
			p.pump.Clear(true)
			p.rb.Flush()
		}
	}
	if muted {
		return false
	}

	if !p.settings.Test(control.Active) {
		p.closeSession()
		return false
	}
	return true
}

// session keeps the device session on the selector's current stream
func (p *Pipeline) session() bool {
	f, gen := p.sel.Stream()
	if f == nil {
		p.closeSession()
		return false
	}
	if p.open && gen == p.gen {
		return true
	}
	if gen == p.failed {
		return false
	}

	p.closeSession()
	if err := p.pump.Open(f); err != nil {
		log.Printf("Pipeline: %v", err)
		p.failed = gen
		return false
	}
	p.gen = gen
	p.open = true
	return true
}

func (p *Pipeline) closeSession() {
	if !p.open {
		return
	}
	p.pump.Close()
	p.open = false
}

// pass moves one chunk from the ring buffer into the pump
func (p *Pipeline) pass() error {
	n := p.rb.Fetch(p.buf[:p.pump.Available(len(p.buf))])
	if n == 0 {
		return nil
	}
	return p.pump.Forward(p.buf[:n], p.rb)
}

// fail ends a session the device could not keep. A new activation is
// needed before output resumes.
func (p *Pipeline) fail(err error) {
	log.Printf("Pipeline: output stopped: %v", err)
	p.closeSession()
	p.sel.Clear()
	if errors.Is(err, player.ErrSessionLost) {
		p.settings.Unset(control.Active)
	}
}

// wait sleeps until a stream is announced or streamWait passes
func (p *Pipeline) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-p.sel.Ready():
	case <-time.After(streamWait):
	}
}

// monitor is the settings watcher role
func (p *Pipeline) monitor(ctx context.Context) error {
	prev := p.settings.Flags()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.settings.Changed():
		}

		now := p.settings.Flags()
		changed := prev ^ now
		prev = now

		if changed&control.Mute != 0 {
			muted := now&control.Mute != 0
			log.Printf("Pipeline: mute %v", muted)
			if muted {
				p.rb.Flush()
				p.rb.Signal()
			}
			if err := p.hook.Notify(ctx, muted, now); err != nil {
				log.Printf("Pipeline: %v", err)
			}
		}

		if changed&control.Active != 0 {
			if now&control.Active == 0 {
				log.Printf("Pipeline: deactivated")
				p.sel.Clear()
			} else {
				log.Printf("Pipeline: activated")
				if p.live {
					p.sel.Activate(true)
				}
			}
		}
	}
}

// Status is a snapshot for the monitor surfaces
type Status struct {
	Flags    control.Flag
	Stream   selector.Info
	Playing  bool
	PID      uint16
	Selector selector.Stats
	Ring     ring.Stats
	Used     int
	Capacity int
	Pump     player.Stats
	Offset   int64
	Sync     sync.State
	PCRs     int64
}

// Status collects the current state of every component
func (p *Pipeline) Status() Status {
	st := Status{
		Flags:    p.settings.Flags(),
		PID:      p.sel.PID(),
		Selector: p.sel.Stats(),
		Ring:     p.rb.Stats(),
		Used:     p.rb.Used(),
		Capacity: p.rb.Cap(),
		Pump:     p.pump.Stats(),
		PCRs:     p.pcr.Count(),
	}
	st.Stream, st.Playing = p.sel.Info()
	if f, _ := p.sel.Stream(); f != nil {
		st.Offset, _, st.Sync = f.Clock().GetStats()
	}
	return st
}

// Settings returns the shared settings
func (p *Pipeline) Settings() *control.Settings {
	return p.settings
}

// Clear drops the current stream and stops output. Input is ignored
// until the consumer has cleared the device.
func (p *Pipeline) Clear() {
	p.settings.Set(control.Clear)
	p.sel.Clear()
	p.rb.Signal()
}

// Reset closes the device session; it is reopened for the next stream
func (p *Pipeline) Reset() {
	p.settings.Set(control.Reset)
	p.rb.Signal()
}
