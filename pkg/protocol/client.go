// ABOUTME: WebSocket client for the transport control protocol
// ABOUTME: Handles connection, handshake, requests and routing of pushed updates
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Resonate-Protocol/resonate-transport/pkg/transport"
)

// DefaultPath is the WebSocket endpoint served by the transport server
const DefaultPath = "/transport"

// ErrNotConnected is returned when sending on a closed client
var ErrNotConnected = errors.New("not connected")

// Config holds client configuration
type Config struct {
	ServerAddr string
	Path       string // default: DefaultPath
	ClientID   string // default: random UUID
	Name       string
	Roles      []string // default: controller and monitor
	DeviceInfo *DeviceInfo
	Logger     *zap.Logger

	// TimeSyncInterval between clock exchanges (default: 1s, negative disables)
	TimeSyncInterval time.Duration
}

// Client is a remote transport controller, monitor or follower
type Client struct {
	config Config
	logger *zap.Logger
	codec  *PositionCodec
	conn   *websocket.Conn
	mu     sync.Mutex
	hello  ServerHello
	clock  *ClockSync

	// Pushed updates
	Positions chan PositionRecord
	States    chan TransportState
	Errors    chan ServerError

	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a client. Connect must be called before sending.
func NewClient(config Config) *Client {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.ClientID == "" {
		config.ClientID = uuid.New().String()
	}
	if len(config.Roles) == 0 {
		config.Roles = []string{RoleController, RoleMonitor}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.TimeSyncInterval == 0 {
		config.TimeSyncInterval = time.Second
	}

	logger := config.Logger.With(zap.String("client_id", config.ClientID))
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:    config,
		logger:    logger,
		clock:     NewClockSync(logger),
		Positions: make(chan PositionRecord, 64),
		States:    make(chan TransportState, 16),
		Errors:    make(chan ServerError, 16),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ID returns the client id sent in the handshake
func (c *Client) ID() string {
	return c.config.ClientID
}

// Connect establishes the WebSocket connection and performs the handshake
func (c *Client) Connect() error {
	codec, err := NewPositionCodec()
	if err != nil {
		return err
	}
	c.codec = codec

	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: c.config.Path}
	c.logger.Info("connecting", zap.String("url", u.String()))

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
	if c.config.TimeSyncInterval > 0 {
		go c.timeSyncLoop()
	}
	return nil
}

// timeSyncLoop runs clock exchanges until the connection ends
func (c *Client) timeSyncLoop() {
	ticker := time.NewTicker(c.config.TimeSyncInterval)
	defer ticker.Stop()

	for {
		if err := c.SyncClock(); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-c.ctx.Done():
			return
		}
	}
}

// handshake sends client/hello and waits for server/hello
func (c *Client) handshake() error {
	hello := ClientHello{
		ClientID:       c.config.ClientID,
		Name:           c.config.Name,
		Version:        ProtocolVersion,
		SupportedRoles: c.config.Roles,
		DeviceInfo:     c.config.DeviceInfo,
	}
	if err := c.send(TypeClientHello, hello); err != nil {
		return fmt.Errorf("failed to send client/hello: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read server/hello: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}

	switch msg.Type {
	case TypeServerHello:
	case TypeServerError:
		var serverErr ServerError
		_ = json.Unmarshal(msg.Payload, &serverErr)
		return fmt.Errorf("server rejected hello: %s", serverErr.Message)
	default:
		return fmt.Errorf("expected server/hello, got %s", msg.Type)
	}

	if err := json.Unmarshal(msg.Payload, &c.hello); err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}

	c.logger.Info("handshake complete",
		zap.String("server", c.hello.Name),
		zap.Uint32("frame_rate", c.hello.FrameRate))
	return nil
}

// Hello returns the server/hello received during the handshake
func (c *Client) Hello() ServerHello {
	return c.hello
}

// send writes one JSON message
func (c *Client) send(msgType string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if payload == nil {
		payload = struct{}{}
	}
	return c.conn.WriteJSON(Message{Type: msgType, Payload: payload})
}

// readMessages reads and routes incoming messages
func (c *Client) readMessages() {
	defer c.Close()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.handleBinaryMessage(data)
		case websocket.TextMessage:
			c.handleJSONMessage(data)
		default:
			c.logger.Debug("unknown websocket message type", zap.Int("type", messageType))
		}
	}
}

// handleBinaryMessage decodes a pushed position
func (c *Client) handleBinaryMessage(data []byte) {
	record, err := c.codec.Decode(data)
	if err != nil {
		c.logger.Debug("dropping binary message", zap.Error(err))
		return
	}

	select {
	case c.Positions <- record:
	default:
		// the consumer only cares about the latest positions
	}
}

// handleJSONMessage routes JSON messages
func (c *Client) handleJSONMessage(data []byte) {
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("failed to parse JSON message", zap.Error(err))
		return
	}

	switch msg.Type {
	case TypeTransportState:
		var state TransportState
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			c.logger.Warn("failed to parse transport/state", zap.Error(err))
			return
		}
		select {
		case c.States <- state:
		case <-time.After(100 * time.Millisecond):
			c.logger.Debug("state channel full, dropping message")
		}

	case TypeServerTime:
		received := c.clock.ClientMicros()
		var st ServerTime
		if err := json.Unmarshal(msg.Payload, &st); err != nil {
			c.logger.Warn("failed to parse server/time", zap.Error(err))
			return
		}
		c.clock.Process(st.ClientTransmitted, st.ServerReceived, st.ServerTransmitted, received)

	case TypeServerError:
		var serverErr ServerError
		if err := json.Unmarshal(msg.Payload, &serverErr); err != nil {
			c.logger.Warn("failed to parse server/error", zap.Error(err))
			return
		}
		c.logger.Warn("server error", zap.String("error", serverErr.Error), zap.String("message", serverErr.Message))
		select {
		case c.Errors <- serverErr:
		default:
		}

	default:
		c.logger.Debug("unknown message type", zap.String("type", msg.Type))
	}
}

// Start requests the transport to roll
func (c *Client) Start() error {
	return c.send(TypeTransportStart, nil)
}

// Stop requests the transport to stop
func (c *Client) Stop() error {
	return c.send(TypeTransportStop, nil)
}

// Locate requests a move to frame
func (c *Client) Locate(frame uint64) error {
	return c.send(TypeTransportLocate, Locate{Frame: frame})
}

// Reposition requests a full position including musical fields
func (c *Client) Reposition(pos transport.Position) error {
	return c.send(TypeTransportReposition, Reposition{Position: NewPositionRecord(transport.StateStopped, pos)})
}

// SetSyncTimeout sets the slow-sync timeout in frames
func (c *Client) SetSyncTimeout(frames uint32) error {
	return c.send(TypeTransportTimeout, SyncTimeout{Frames: frames})
}

// RegisterSync registers this client as a slow-sync follower
func (c *Client) RegisterSync() error {
	return c.send(TypeSyncRegister, nil)
}

// SetReady reports readiness at frame
func (c *Client) SetReady(ready bool, frame uint64) error {
	return c.send(TypeSyncReady, SyncReady{Ready: ready, Frame: frame})
}

// UnregisterSync removes this client's follower registration
func (c *Client) UnregisterSync() error {
	return c.send(TypeSyncUnregister, nil)
}

// SyncClock starts one clock exchange. The answer is applied by the reader.
func (c *Client) SyncClock() error {
	return c.send(TypeClientTime, ClientTime{ClientTransmitted: c.clock.ClientMicros()})
}

// ClockStats returns the server clock estimate
func (c *Client) ClockStats() ClockStats {
	return c.clock.Stats()
}

// ServerMicros estimates the server's position clock now, comparable with PositionRecord.Usecs
func (c *Client) ServerMicros() int64 {
	return c.clock.Now()
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
		c.logger.Info("connection closed")
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Done is closed once the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}
