// ABOUTME: Websocket control endpoint for the passthrough pipeline
// ABOUTME: Accepts mute/active/clear/reset commands and pushes status to every client
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/Resonate-Protocol/passthru-go/internal/discovery"
	"github.com/Resonate-Protocol/passthru-go/internal/protocol"
	"github.com/Resonate-Protocol/passthru-go/internal/version"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// ProtocolVersion is sent in the hello
	ProtocolVersion = 1

	// Path is where the endpoint is served
	Path = "/control"

	defaultStatusInterval = 500 * time.Millisecond
	pingInterval          = 30 * time.Second
	writeDeadline         = 10 * time.Second
)

// ErrUnknownCommand is returned for a command name the controller does not know
var ErrUnknownCommand = errors.New("unknown command")

// Controller is what the endpoint drives
type Controller interface {
	Command(cmd protocol.Command) error
	Status() protocol.Status
}

// Config holds server configuration
type Config struct {
	Port       int
	Name       string
	EnableMDNS bool
	Debug      bool

	// StatusInterval defaults to 500 ms
	StatusInterval time.Duration
}

// Server serves the control endpoint
type Server struct {
	config   Config
	serverID string
	ctrl     Controller

	upgrader websocket.Upgrader
	mux      *http.ServeMux

	clients   map[string]*Client
	clientsMu sync.RWMutex

	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

// Client is a connected control client
type Client struct {
	ID   string
	Conn *websocket.Conn

	sendChan chan interface{}
}

// New creates a server for ctrl
func New(config Config, ctrl Controller) *Server {
	if config.StatusInterval <= 0 {
		config.StatusInterval = defaultStatusInterval
	}
	s := &Server{
		config:   config,
		serverID: uuid.New().String(),
		ctrl:     ctrl,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Local network control; browsers on other hosts are accepted too
				if origin := r.Header.Get("Origin"); origin != "" {
					log.Printf("Server: accepting websocket from origin %s", origin)
				}
				return true
			},
		},
		clients: make(map[string]*Client),
	}
	s.mux.HandleFunc(Path, s.handleWebSocket)
	return s
}

// Handler returns the HTTP handler serving the endpoint
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Clients returns the number of connected clients
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Run listens on the configured port and pushes status until ctx is
// cancelled
func (s *Server) Run(ctx context.Context) error {
	if s.config.EnableMDNS {
		mgr := discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
		})
		if err := mgr.Advertise(); err != nil {
			log.Printf("Server: failed to start mDNS advertisement: %v", err)
		} else {
			defer mgr.Stop()
		}
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	log.Printf("Server: control endpoint listening on %s%s", addr, Path)

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.statusLoop(ctx)
	}()

	var serverErr error
	select {
	case <-ctx.Done():
	case err := <-errChan:
		log.Printf("Server: HTTP server error: %v", err)
		serverErr = err
	}

	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server: shutdown error: %v", err)
	}
	s.closeClients()
	s.wg.Wait()

	if serverErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serverErr)
	}
	return nil
}

// statusLoop pushes status to every client
func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Broadcast()
		}
	}
}

// Broadcast sends the current status to every client
func (s *Server) Broadcast() {
	status := s.ctrl.Status()

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		if err := s.sendMessage(c, protocol.TypeStatus, status); err != nil && s.config.Debug {
			log.Printf("[DEBUG] status to %s: %v", c.ID, err)
		}
	}
}

func (s *Server) closeClients() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		c.Conn.Close()
	}
}

// handleWebSocket upgrades and serves one client
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShutdown {
		s.shutdownMu.RUnlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.shutdownMu.RUnlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Server: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	client := &Client{
		ID:       uuid.New().String(),
		Conn:     conn,
		sendChan: make(chan interface{}, 16),
	}
	log.Printf("Server: control client %s connected from %s", client.ID, r.RemoteAddr)

	hello := protocol.ServerHello{
		ServerID:        s.serverID,
		ClientID:        client.ID,
		Name:            s.config.Name,
		Version:         ProtocolVersion,
		Product:         version.Product,
		Manufacturer:    version.Manufacturer,
		SoftwareVersion: version.Version,
	}
	if err := s.sendMessage(client, protocol.TypeHello, hello); err != nil {
		return
	}
	// the first status goes out right away
	if err := s.sendMessage(client, protocol.TypeStatus, s.ctrl.Status()); err != nil {
		return
	}

	s.clientsMu.Lock()
	s.clients[client.ID] = client
	s.clientsMu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.clientWriter(client)
	}()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client.ID)
		close(client.sendChan)
		s.clientsMu.Unlock()
		<-writerDone
		log.Printf("Server: control client %s disconnected", client.ID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Server: websocket error: %v", err)
			}
			return
		}
		s.handleClientMessage(client, data)
	}
}

// clientWriter sends queued messages and pings
func (s *Server) clientWriter(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.sendChan:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Server: error marshaling message: %v", err)
				continue
			}
			client.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("Server: error writing message: %v", err)
				client.Conn.Close()
				// keep draining until the reader closes the channel
				for range client.sendChan {
				}
				return
			}

		case <-ticker.C:
			if err := client.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				client.Conn.Close()
				for range client.sendChan {
				}
				return
			}
		}
	}
}

// handleClientMessage runs one command and acknowledges it
func (s *Server) handleClientMessage(client *Client, data []byte) {
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		log.Printf("Server: bad message from %s: %v", client.ID, err)
		s.sendMessage(client, protocol.TypeError, map[string]string{
			"error":   "bad_message",
			"message": err.Error(),
		})
		return
	}

	if s.config.Debug {
		log.Printf("[DEBUG] command from %s: %s %v", client.ID, cmd.Command, cmd.Value)
	}

	result := protocol.CommandResult{Command: cmd.Command, OK: true}
	if err := s.ctrl.Command(cmd); err != nil {
		result.OK = false
		result.Error = err.Error()
	}
	s.sendMessage(client, protocol.TypeResult, result)
}

// sendMessage queues a JSON message for a client
func (s *Server) sendMessage(client *Client, msgType string, payload interface{}) error {
	msg := protocol.Message{
		Type:    msgType,
		Payload: payload,
	}

	select {
	case client.sendChan <- msg:
		return nil
	default:
		return fmt.Errorf("client send buffer full")
	}
}
