// ABOUTME: Tests for the websocket control endpoint
// ABOUTME: Runs the handler under httptest and drives it with a real websocket client
package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/passthru-go/internal/protocol"
	"github.com/gorilla/websocket"
)

type fakeController struct {
	mu       sync.Mutex
	commands []protocol.Command
	status   protocol.Status
}

func (f *fakeController) Command(cmd protocol.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch cmd.Command {
	case protocol.CommandMute, protocol.CommandActive, protocol.CommandClear, protocol.CommandReset:
	default:
		return ErrUnknownCommand
	}
	f.commands = append(f.commands, cmd)
	if cmd.Command == protocol.CommandMute {
		f.status.Muted = cmd.Value
	}
	return nil
}

func (f *fakeController) Status() protocol.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

type received struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + Path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg received
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	return msg
}

// readType skips status pushes until a message of the given type arrives
func readType(t *testing.T, conn *websocket.Conn, typ string) received {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := read(t, conn)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s message", typ)
	return received{}
}

func send(t *testing.T, conn *websocket.Conn, cmd string, value bool) {
	t.Helper()
	msg := protocol.Message{Type: protocol.TypeCommand, Payload: protocol.Command{Command: cmd, Value: value}}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
}

func TestHelloAndFirstStatus(t *testing.T) {
	ctrl := &fakeController{status: protocol.Status{Active: true}}
	s := New(Config{Name: "living room"}, ctrl)
	conn := dial(t, s)

	msg := read(t, conn)
	if msg.Type != protocol.TypeHello {
		t.Fatalf("first message %s, want hello", msg.Type)
	}
	var hello protocol.ServerHello
	if err := json.Unmarshal(msg.Payload, &hello); err != nil {
		t.Fatal(err)
	}
	if hello.Name != "living room" || hello.ClientID == "" || hello.ServerID == "" {
		t.Errorf("hello = %+v", hello)
	}
	if hello.Version != ProtocolVersion {
		t.Errorf("version = %d", hello.Version)
	}

	msg = read(t, conn)
	if msg.Type != protocol.TypeStatus {
		t.Fatalf("second message %s, want status", msg.Type)
	}
	var st protocol.Status
	if err := json.Unmarshal(msg.Payload, &st); err != nil {
		t.Fatal(err)
	}
	if !st.Active {
		t.Error("status lost the active flag")
	}
}

func TestCommands(t *testing.T) {
	tests := []struct {
		cmd   string
		value bool
		ok    bool
	}{
		{protocol.CommandMute, true, true},
		{protocol.CommandActive, false, true},
		{protocol.CommandClear, false, true},
		{protocol.CommandReset, false, true},
		{"volume", true, false},
	}

	ctrl := &fakeController{}
	conn := dial(t, New(Config{}, ctrl))
	readType(t, conn, protocol.TypeHello)

	for _, tt := range tests {
		send(t, conn, tt.cmd, tt.value)
		msg := readType(t, conn, protocol.TypeResult)
		var res protocol.CommandResult
		if err := json.Unmarshal(msg.Payload, &res); err != nil {
			t.Fatal(err)
		}
		if res.Command != tt.cmd || res.OK != tt.ok {
			t.Errorf("%s: result = %+v, want ok=%v", tt.cmd, res, tt.ok)
		}
		if !tt.ok && res.Error == "" {
			t.Errorf("%s: failed result without error", tt.cmd)
		}
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.commands) != 4 {
		t.Fatalf("commands = %d, want 4", len(ctrl.commands))
	}
	if ctrl.commands[0] != (protocol.Command{Command: protocol.CommandMute, Value: true}) {
		t.Errorf("first command = %+v", ctrl.commands[0])
	}
}

func TestBadMessage(t *testing.T) {
	conn := dial(t, New(Config{}, &fakeController{}))
	readType(t, conn, protocol.TypeHello)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)); err != nil {
		t.Fatal(err)
	}
	readType(t, conn, protocol.TypeError)
}

func TestBroadcast(t *testing.T) {
	ctrl := &fakeController{}
	s := New(Config{}, ctrl)
	conn := dial(t, s)
	readType(t, conn, protocol.TypeHello)
	readType(t, conn, protocol.TypeStatus)

	// registration happens after the first status is queued
	deadline := time.Now().Add(2 * time.Second)
	for s.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctrl.mu.Lock()
	ctrl.status.Muted = true
	ctrl.mu.Unlock()
	s.Broadcast()

	msg := readType(t, conn, protocol.TypeStatus)
	var st protocol.Status
	if err := json.Unmarshal(msg.Payload, &st); err != nil {
		t.Fatal(err)
	}
	if !st.Muted {
		t.Error("broadcast status not muted")
	}
}

func TestClientRemovedOnClose(t *testing.T) {
	s := New(Config{}, &fakeController{})
	conn := dial(t, s)
	readType(t, conn, protocol.TypeHello)

	deadline := time.Now().Add(2 * time.Second)
	for s.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	for s.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not removed after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRejectsAfterShutdown(t *testing.T) {
	s := New(Config{}, &fakeController{})
	s.isShutdown = true

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Path, nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
}
