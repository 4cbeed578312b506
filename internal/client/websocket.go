// ABOUTME: Websocket client for the passthru control endpoint
// ABOUTME: Handles connection, hello, and routing of status and command results
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/Resonate-Protocol/passthru-go/internal/protocol"
	"github.com/gorilla/websocket"
)

const helloTimeout = 5 * time.Second

// Config holds client configuration
type Config struct {
	ServerAddr string

	// Path defaults to /control
	Path string
}

// Client is a control endpoint connection
type Client struct {
	config Config
	conn   *websocket.Conn
	mu     sync.RWMutex

	// Hello is the server's greeting, set by Connect
	Hello protocol.ServerHello

	Status  chan protocol.Status
	Results chan protocol.CommandResult
	Errors  chan string

	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a new websocket client
func NewClient(config Config) *Client {
	if config.Path == "" {
		config.Path = "/control"
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:  config,
		Status:  make(chan protocol.Status, 10),
		Results: make(chan protocol.CommandResult, 10),
		Errors:  make(chan string, 10),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect dials the endpoint and waits for the hello
func (c *Client) Connect() error {
	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: c.config.Path}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()
	return nil
}

// handshake reads the server hello
func (c *Client) handshake() error {
	c.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", protocol.TypeHello, err)
	}
	c.conn.SetReadDeadline(time.Time{})

	msg, payload, err := decode(data)
	if err != nil {
		return err
	}
	if msg != protocol.TypeHello {
		return fmt.Errorf("expected %s, got %s", protocol.TypeHello, msg)
	}
	if err := json.Unmarshal(payload, &c.Hello); err != nil {
		return fmt.Errorf("failed to parse %s: %w", protocol.TypeHello, err)
	}
	return nil
}

func decode(data []byte) (string, json.RawMessage, error) {
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return msg.Type, msg.Payload, nil
}

// Send issues a command; the result arrives on Results
func (c *Client) Send(cmd protocol.Command) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(protocol.Message{Type: protocol.TypeCommand, Payload: cmd})
}

// readMessages reads and routes incoming messages
func (c *Client) readMessages() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				log.Printf("Client: read error: %v", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

// handleMessage routes one JSON message
func (c *Client) handleMessage(data []byte) {
	typ, payload, err := decode(data)
	if err != nil {
		log.Printf("Client: %v", err)
		return
	}

	switch typ {
	case protocol.TypeStatus:
		var st protocol.Status
		if err := json.Unmarshal(payload, &st); err != nil {
			log.Printf("Client: bad status: %v", err)
			return
		}
		// drop stale status rather than block
		select {
		case c.Status <- st:
		default:
		}

	case protocol.TypeResult:
		var res protocol.CommandResult
		if err := json.Unmarshal(payload, &res); err != nil {
			log.Printf("Client: bad result: %v", err)
			return
		}
		select {
		case c.Results <- res:
		case <-c.ctx.Done():
		}

	case protocol.TypeError:
		var e map[string]string
		json.Unmarshal(payload, &e)
		select {
		case c.Errors <- e["message"]:
		case <-c.ctx.Done():
		}

	default:
		log.Printf("Client: unknown message type: %s", typ)
	}
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
