package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"solbridge/internal/jsonrpc"
)

// State of the upstream connection
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionError indicates the upstream endpoint could not be reached
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SendError indicates a write was attempted while not connected, or failed
type SendError struct {
	State State
	Err   error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send failed (%s): %v", e.State, e.Err)
	}
	return fmt.Sprintf("send failed: connection is %s", e.State)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Config for creating a Conn
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	MessageTimeout   time.Duration
	PingInterval     time.Duration
	Logger           zerolog.Logger
}

// Conn owns the single persistent WebSocket connection to the upstream
// node. All writes go through one serialized send path; a single read
// loop parses every inbound frame onto Messages(). On unexpected closure
// the Conn transitions to Disconnected and emits on Disconnects() -- it
// never redials or resubscribes itself.
type Conn struct {
	url              string
	handshakeTimeout time.Duration
	messageTimeout   time.Duration
	pingInterval     time.Duration
	logger           zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	writeMu sync.Mutex

	messages    chan *jsonrpc.Message
	disconnects chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConn creates a new upstream connection in Disconnected state
func NewConn(cfg Config) *Conn {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.MessageTimeout == 0 {
		cfg.MessageTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		url:              cfg.URL,
		handshakeTimeout: cfg.HandshakeTimeout,
		messageTimeout:   cfg.MessageTimeout,
		pingInterval:     cfg.PingInterval,
		logger:           cfg.Logger.With().Str("component", "upstream").Logger(),
		state:            StateDisconnected,
		messages:         make(chan *jsonrpc.Message, 1024),
		disconnects:      make(chan error, 1),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// State returns the current connection state
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected returns true if the connection is established
func (c *Conn) Connected() bool {
	return c.State() == StateConnected
}

// Messages returns the stream of parsed inbound frames. The channel
// stays open across reconnect cycles and is closed only by Close.
func (c *Conn) Messages() <-chan *jsonrpc.Message {
	return c.messages
}

// Disconnects emits once per unexpected connection loss
func (c *Conn) Disconnects() <-chan error {
	return c.disconnects
}

// Connect establishes the WebSocket connection and starts the read loop
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateFailed {
		c.mu.Unlock()
		return &ConnectionError{URL: c.url, Err: fmt.Errorf("connection is terminally failed")}
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Info().Str("url", c.url).Msg("WebSocket connecting")
	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return &ConnectionError{URL: c.url, Err: err}
	}

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.messageTimeout))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info().Str("url", c.url).Msg("WebSocket connected")

	c.wg.Add(1)
	go c.readLoop(conn)
	if c.pingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop(conn)
	}
	return nil
}

// Send writes one request on the serialized send path
func (c *Conn) Send(req *jsonrpc.Request) error {
	data, err := req.Bytes()
	if err != nil {
		return &SendError{State: c.State(), Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		return &SendError{State: state}
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &SendError{State: state, Err: err}
	}
	return nil
}

// MarkFailed transitions the connection to its terminal state. Called
// by the supervisor when the reconnect budget is exhausted.
func (c *Conn) MarkFailed() {
	c.mu.Lock()
	c.state = StateFailed
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.logger.Error().Msg("WebSocket marked terminally failed")
}

// Close shuts the connection down and closes Messages
func (c *Conn) Close() {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateFailed
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	close(c.messages)
	c.logger.Info().Msg("WebSocket closed")
}

func (c *Conn) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(c.messageTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			c.handleDisconnect(conn, err)
			return
		}

		msg, err := jsonrpc.ParseMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("len", len(data)).Msg("inbound frame parse error")
			continue
		}

		select {
		case <-c.ctx.Done():
			return
		case c.messages <- msg:
		}
	}
}

func (c *Conn) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	// Only the connection that is still current may demote the state;
	// a stale read loop from a previous cycle must not clobber it.
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.state == StateConnected {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn().Err(cause).Msg("WebSocket connection lost")

	select {
	case c.disconnects <- cause:
	default:
	}
}

func (c *Conn) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn == conn
			c.mu.Unlock()
			if !current {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping write failed")
				return
			}
		}
	}
}
