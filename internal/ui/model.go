// ABOUTME: Bubbletea model for the passthrough status monitor
// ABOUTME: Shows stream, sync, buffer and pump state and turns keys into control commands
package ui

import (
	"fmt"

	"github.com/Resonate-Protocol/passthru-go/internal/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

// Model represents the TUI state
type Model struct {
	name   string
	input  string
	status protocol.Status

	// runtime
	goroutines int
	memAlloc   uint64
	memSys     uint64

	showDebug bool
	controls  *Controls

	width  int
	height int
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := ""
	s += m.renderHeader()
	s += m.renderStreamInfo()
	s += m.renderBuffer()
	s += m.renderStats()

	if m.showDebug {
		s += m.renderDebug()
	}

	s += m.renderHelp()

	return s
}

// renderHeader renders the control state and sync status
func (m Model) renderHeader() string {
	state := "Inactive"
	switch {
	case m.status.Muted:
		state = "Muted"
	case m.status.Active && m.status.Stream != nil && m.status.Pump.Warming:
		state = "Starting"
	case m.status.Active && m.status.Stream != nil:
		state = "Playing"
	case m.status.Active:
		state = "Waiting for stream"
	}
	if m.status.Live {
		state += " (live)"
	}

	syncIcon := "✗"
	syncText := m.status.Sync.State
	switch m.status.Sync.State {
	case "synchronized":
		syncIcon = "✓"
		syncText = fmt.Sprintf("Synced (offset: %+dms)", m.status.Sync.OffsetMs)
	case "calibrating":
		syncIcon = "⚠"
		syncText = "Calibrating"
	case "":
		syncText = "No stream"
	}

	return fmt.Sprintf(`┌─ %-51s┐
│ Input:  %-45s │
│ Status: %-45s │
│ Sync:   %s %-43s │
├──────────────────────────────────────────────────────┤
`, truncate(m.name, 50), truncate(m.input, 45), state, syncIcon, syncText)
}

// renderStreamInfo renders the active stream
func (m Model) renderStreamInfo() string {
	st := m.status.Stream
	if st == nil {
		return "│ No stream                                            │\n"
	}

	source := "broadcast"
	if st.Disc {
		source = "disc"
	}
	s := fmt.Sprintf("│ Stream: %-5s %-9s track 0x%02x %-17s │\n", st.Codec, source, st.Track, "")
	output := ""
	switch m.status.Pump.Output {
	case protocol.OutputIEC61937:
		output = "IEC 61937"
	case protocol.OutputPCM:
		output = "PCM"
	}
	s += fmt.Sprintf("│ Format: %dHz Stereo 16-bit %-22s │\n", st.SampleRate, output)
	if m.status.PID != 0 {
		s += fmt.Sprintf("│ PID:    0x%04x%-38s │\n", m.status.PID, "")
	}
	return s
}

// renderBuffer renders the ring buffer fill
func (m Model) renderBuffer() string {
	b := m.status.Buffer
	pct := 0
	if b.Capacity > 0 {
		pct = b.Used * 100 / b.Capacity
	}
	return fmt.Sprintf("│                                                      │\n"+
		"│ Buffer: [%s] %3d%%%-24s │\n"+
		"│ Queue:  %d frames%-33s │\n",
		renderBar(pct, 100, 20), pct, "",
		m.status.Pump.Delay, "")
}

// renderStats renders pump counters
func (m Model) renderStats() string {
	p := m.status.Pump
	return fmt.Sprintf(`├──────────────────────────────────────────────────────┤
│ Frames: %d  Bursts: %d%-20s │
│ Underruns: %d  Overruns: %d  Repeats: %d%-8s │
│                                                      │
`, p.Frames, p.Bursts, "", p.Underruns, p.Overruns, p.Repeats, "")
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return `│ m:Mute  a:Active  c:Clear  r:Reset  d:Debug  q:Quit │
└──────────────────────────────────────────────────────┘
`
}

// renderDebug renders counters useful when chasing a stall
func (m Model) renderDebug() string {
	return fmt.Sprintf(`│ DEBUG:                                               │
│   Goroutines: %-38d │
│   Memory: %d KiB alloc, %d KiB sys%-16s │
│   Ring: %d dropped, %d flushes%-22s │
│   Skipped frames: %-34d │
│   PCRs: %-44d │
`, m.goroutines, m.memAlloc/1024, m.memSys/1024, "",
		m.status.Buffer.Dropped, m.status.Buffer.Flushes, "",
		m.status.Pump.Skipped, m.status.Sync.PCRs)
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.controls != nil {
			select {
			case m.controls.Quit <- struct{}{}:
			default:
			}
		}
		return m, tea.Quit
	case "m":
		m.status.Muted = !m.status.Muted
		m.send(protocol.CommandMute, m.status.Muted)
	case "a":
		m.status.Active = !m.status.Active
		m.send(protocol.CommandActive, m.status.Active)
	case "c":
		m.send(protocol.CommandClear, true)
	case "r":
		m.send(protocol.CommandReset, true)
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// send queues a command without blocking the UI
func (m Model) send(cmd string, value bool) {
	if m.controls == nil {
		return
	}
	select {
	case m.controls.Commands <- protocol.Command{Command: cmd, Value: value}:
	default:
	}
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	m.status = msg.Status
	if msg.Goroutines != 0 {
		m.goroutines = msg.Goroutines
		m.memAlloc = msg.MemAlloc
		m.memSys = msg.MemSys
	}
}

// StatusMsg updates TUI state
type StatusMsg struct {
	Status protocol.Status

	Goroutines int
	MemAlloc   uint64
	MemSys     uint64
}

// Utility functions
func renderBar(value, max, width int) string {
	filled := (value * width) / max
	bar := ""
	for i := 0; i < width; i++ {
		if i < filled {
			bar += "█"
		} else {
			bar += "░"
		}
	}
	return bar
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
