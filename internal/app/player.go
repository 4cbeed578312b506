// ABOUTME: Main player application orchestration
// ABOUTME: Coordinates input, pipeline, control endpoint and status monitor
package app

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/Resonate-Protocol/passthru-go/internal/control"
	"github.com/Resonate-Protocol/passthru-go/internal/input"
	"github.com/Resonate-Protocol/passthru-go/internal/protocol"
	"github.com/Resonate-Protocol/passthru-go/internal/selector"
	"github.com/Resonate-Protocol/passthru-go/internal/server"
	"github.com/Resonate-Protocol/passthru-go/internal/sync"
	"github.com/Resonate-Protocol/passthru-go/internal/ui"
	"github.com/Resonate-Protocol/passthru-go/pkg/audio"
	"github.com/Resonate-Protocol/passthru-go/pkg/audio/output"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"
)

const (
	statusInterval  = 500 * time.Millisecond
	runtimeInterval = 2 * time.Second
)

// Config holds player configuration
type Config struct {
	Input       string
	SRTStreamID string
	Name        string

	Device   output.Device
	Options  control.Options
	Selector selector.Config

	// Flags is the initial flag set, 0 for the defaults
	Flags control.Flag

	// Reference uses PCRs of a live input as the device time reference
	Reference  bool
	MuteScript string
	ExitOnEnd  bool

	// ControlPort serves the websocket endpoint, 0 for none
	ControlPort int
	EnableMDNS  bool
	UseTUI      bool
}

// Player represents the main player application
type Player struct {
	config   Config
	src      input.Source
	pipeline *Pipeline
	server   *server.Server
}

// New opens the input and builds the pipeline
func New(config Config) (*Player, error) {
	src, err := input.Open(config.Input)
	if err != nil {
		return nil, err
	}
	if s, ok := src.(*input.SRT); ok {
		s.StreamID = config.SRTStreamID
	}
	if config.Device == nil {
		return nil, fmt.Errorf("no output device")
	}

	flags := config.Flags
	if flags == 0 {
		flags = control.DefaultFlags
	}
	settings := control.NewSettings(config.Options)
	settings.Unset(control.DefaultFlags &^ flags)
	settings.Set(flags)

	p := &Player{
		config: config,
		src:    src,
		pipeline: NewPipeline(PipelineConfig{
			Device:     config.Device,
			Settings:   settings,
			Selector:   config.Selector,
			Reference:  config.Reference && src.Live(),
			MuteScript: config.MuteScript,
			ExitOnEnd:  config.ExitOnEnd,
		}),
	}
	if config.ControlPort > 0 {
		p.server = server.New(server.Config{
			Port:       config.ControlPort,
			Name:       config.Name,
			EnableMDNS: config.EnableMDNS,
		}, p)
	}
	return p, nil
}

// Run blocks until ctx is cancelled, the TUI quits or, with ExitOnEnd,
// the input has played out
func (p *Player) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Printf("Player: %s reading %s to %s", p.config.Name, p.src, p.config.Device.Name())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return p.pipeline.Run(gctx, p.src)
	})
	if p.server != nil {
		g.Go(func() error {
			return p.server.Run(gctx)
		})
	}
	if p.config.UseTUI {
		controls := ui.NewControls()
		prog, err := ui.Run(p.config.Name, p.src.String(), controls)
		if err != nil {
			return fmt.Errorf("failed to start TUI: %w", err)
		}
		g.Go(func() error {
			defer cancel()
			if _, err := prog.Run(); err != nil {
				return fmt.Errorf("TUI failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			p.tuiLoop(gctx, prog, controls)
			prog.Quit()
			return nil
		})
	}

	err := g.Wait()
	log.Printf("Player stopped")
	return err
}

// tuiLoop feeds the TUI with status and applies its key commands
func (p *Player) tuiLoop(ctx context.Context, prog *tea.Program, controls *ui.Controls) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	// runtime stats are collected less often to avoid GC pauses
	runtimeTicker := time.NewTicker(runtimeInterval)
	defer runtimeTicker.Stop()

	var goroutines int
	var memAlloc, memSys uint64

	for {
		select {
		case <-ctx.Done():
			return
		case <-controls.Quit:
			log.Printf("Player: quit from TUI")
			return
		case cmd := <-controls.Commands:
			if err := p.Command(cmd); err != nil {
				log.Printf("Player: %v", err)
			}
		case <-runtimeTicker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			goroutines = runtime.NumGoroutine()
			memAlloc = m.Alloc
			memSys = m.Sys
		case <-ticker.C:
			prog.Send(ui.StatusMsg{
				Status:     p.Status(),
				Goroutines: goroutines,
				MemAlloc:   memAlloc,
				MemSys:     memSys,
			})
		}
	}
}

// Command applies a control command
func (p *Player) Command(cmd protocol.Command) error {
	settings := p.pipeline.Settings()
	switch cmd.Command {
	case protocol.CommandMute:
		settings.Apply(control.Mute, cmd.Value)
	case protocol.CommandActive:
		settings.Apply(control.Active, cmd.Value)
	case protocol.CommandClear:
		p.pipeline.Clear()
	case protocol.CommandReset:
		p.pipeline.Reset()
	default:
		return fmt.Errorf("%w: %q", server.ErrUnknownCommand, cmd.Command)
	}
	log.Printf("Player: %s %v", cmd.Command, cmd.Value)
	return nil
}

// Status converts the pipeline state for the control surfaces
func (p *Player) Status() protocol.Status {
	st := p.pipeline.Status()
	out := protocol.Status{
		Active: st.Flags&control.Active != 0,
		Muted:  st.Flags&control.Mute != 0,
		Live:   st.Flags&control.Live != 0,
		PID:    st.PID,
		Buffer: protocol.BufferStatus{
			Used:     st.Used,
			Capacity: st.Capacity,
			Dropped:  st.Ring.Dropped,
			Flushes:  st.Ring.Flushes,
		},
		Pump: protocol.PumpStatus{
			Frames:    st.Pump.Frames,
			Bursts:    st.Pump.Bursts,
			Underruns: st.Pump.Underruns,
			Overruns:  st.Pump.Overruns,
			Repeats:   st.Pump.Repeats,
			Skipped:   st.Pump.Skipped,
			Delay:     st.Pump.Delay,
			Warming:   st.Pump.Warming,
			Output:    outputOf(st.Pump.Format),
		},
		Sync: protocol.SyncStatus{PCRs: st.PCRs},
	}
	if st.Playing {
		out.Stream = &protocol.StreamInfo{
			Codec:      st.Stream.Kind.String(),
			Track:      int(st.Stream.Track),
			Disc:       st.Stream.DVD,
			SampleRate: st.Stream.SampleRate,
		}
		out.Sync.State = st.Sync.String()
		out.Sync.OffsetMs = st.Offset
	} else {
		out.Sync.State = sync.StateUnsynchronized.String()
	}
	return out
}

// outputOf names what the device session carries
func outputOf(f audio.Format) string {
	switch {
	case f.SampleRate == 0:
		return ""
	case f.Passthrough:
		return protocol.OutputIEC61937
	default:
		return protocol.OutputPCM
	}
}
