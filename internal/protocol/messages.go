// ABOUTME: Control endpoint message type definitions
// ABOUTME: JSON messages exchanged over the /control websocket
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types
const (
	TypeHello   = "server/hello"
	TypeError   = "server/error"
	TypeCommand = "command"
	TypeResult  = "command/result"
	TypeStatus  = "status"
)

// Commands accepted by the control endpoint
const (
	CommandMute   = "mute"
	CommandActive = "active"
	CommandClear  = "clear"
	CommandReset  = "reset"
)

// Output modes reported in PumpStatus
const (
	OutputIEC61937 = "iec61937"
	OutputPCM      = "pcm"
)

// Message is the top-level wrapper for all messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// inbound is a message whose payload is decoded later
type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ServerHello is sent to every client after the upgrade
type ServerHello struct {
	ServerID        string `json:"server_id"`
	ClientID        string `json:"client_id"`
	Name            string `json:"name"`
	Version         int    `json:"version"`
	Product         string `json:"product"`
	Manufacturer    string `json:"manufacturer"`
	SoftwareVersion string `json:"software_version"`
}

// Command changes a control setting. Value is ignored by clear and reset.
type Command struct {
	Command string `json:"command"`
	Value   bool   `json:"value"`
}

// CommandResult acknowledges a command
type CommandResult struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// Status is pushed to every client periodically
type Status struct {
	Active bool `json:"active"`
	Muted  bool `json:"muted"`
	Live   bool `json:"live"`

	Stream *StreamInfo `json:"stream,omitempty"`
	PID    uint16      `json:"pid,omitempty"`

	Buffer BufferStatus `json:"buffer"`
	Pump   PumpStatus   `json:"pump"`
	Sync   SyncStatus   `json:"sync"`
}

// StreamInfo describes the active stream
type StreamInfo struct {
	Codec      string `json:"codec"`
	Track      int    `json:"track"`
	Disc       bool   `json:"disc"`
	SampleRate int    `json:"sample_rate"`
}

// BufferStatus is the ring buffer fill and counters
type BufferStatus struct {
	Used     int   `json:"used"`
	Capacity int   `json:"capacity"`
	Dropped  int64 `json:"dropped"`
	Flushes  int64 `json:"flushes"`
}

// PumpStatus is the output pump counters
type PumpStatus struct {
	Frames    int64 `json:"frames"`
	Bursts    int64 `json:"bursts"`
	Underruns int64 `json:"underruns"`
	Overruns  int64 `json:"overruns"`
	Repeats   int64 `json:"repeats"`
	Skipped   int64 `json:"skipped"`
	Delay     int   `json:"delay"`

	// Warming is set until the first frame of a stream is out
	Warming bool `json:"warming"`

	// Output is "iec61937" or "pcm", empty without a device session
	Output string `json:"output,omitempty"`
}

// SyncStatus is the clock synchronizer state
type SyncStatus struct {
	State    string `json:"state"`
	OffsetMs int64  `json:"offset_ms"`
	PCRs     int64  `json:"pcrs"`
}

// DecodeCommand parses a command message
func DecodeCommand(data []byte) (Command, error) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Command{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.Type != TypeCommand {
		return Command{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	var cmd Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	if cmd.Command == "" {
		return Command{}, fmt.Errorf("command missing")
	}
	return cmd, nil
}
