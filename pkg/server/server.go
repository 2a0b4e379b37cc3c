// ABOUTME: WebSocket server exposing the transport controller to remote clients
// ABOUTME: Routes control requests, pushes positions and hosts remote slow-sync followers
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Resonate-Protocol/resonate-transport/internal/discovery"
	"github.com/Resonate-Protocol/resonate-transport/pkg/protocol"
	"github.com/Resonate-Protocol/resonate-transport/pkg/transport"
)

const (
	// DefaultPort is the default listening port
	DefaultPort = 8928

	// DefaultBroadcastInterval is how often positions are pushed
	DefaultBroadcastInterval = 100 * time.Millisecond

	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
	sendBuffer    = 64
)

// Config configures a Server
type Config struct {
	// Port to listen on (default: 8928)
	Port int

	// Name of the server for identification
	Name string

	// Controller is the transport served (required)
	Controller *transport.Controller

	// EnableMDNS advertises the server over mDNS
	EnableMDNS bool

	// BroadcastInterval between position pushes (default: 100ms)
	BroadcastInterval time.Duration

	Logger *zap.Logger
}

// ClientInfo describes a connected client
type ClientInfo struct {
	ID       string
	Name     string
	Roles    []string
	Follower bool
	Ready    bool
}

// Server serves one transport controller
type Server struct {
	config   Config
	serverID string
	logger   *zap.Logger
	ctrl     *transport.Controller
	codec    *protocol.PositionCodec

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux

	clients   map[string]*client
	clientsMu sync.RWMutex

	mdnsManager *discovery.Manager

	// broadcast loop only
	lastState transport.State
	lastSent  bool

	stopChan   chan struct{}
	stopOnce   sync.Once
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

// client is a connected peer
type client struct {
	ID    string
	Name  string
	Roles []string
	conn  *websocket.Conn

	sendChan chan interface{}
	done     chan struct{}

	mu       sync.Mutex
	follower *remoteFollower
}

// New creates a server for config.Controller
func New(config Config) (*Server, error) {
	if config.Controller == nil {
		return nil, errors.New("transport controller is required")
	}
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Name == "" {
		config.Name = "Resonate Transport"
	}
	if config.BroadcastInterval <= 0 {
		config.BroadcastInterval = DefaultBroadcastInterval
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	codec, err := protocol.NewPositionCodec()
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:   config,
		serverID: uuid.New().String(),
		logger:   config.Logger,
		ctrl:     config.Controller,
		codec:    codec,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// Local network deployments, no browser origin policy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[string]*client),
		stopChan: make(chan struct{}),
	}
	s.mux.HandleFunc(protocol.DefaultPath, s.handleWebSocket)
	return s, nil
}

// Handler returns the HTTP handler serving the WebSocket endpoint
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ID returns the server id sent in server/hello
func (s *Server) ID() string {
	return s.serverID
}

// Start serves until Stop is called or the listener fails
func (s *Server) Start() error {
	s.logger.Info("server starting", zap.String("name", s.config.Name), zap.String("id", s.serverID))

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
			Path:        protocol.DefaultPath,
			Logger:      s.logger,
		})
		if err := s.mdnsManager.Advertise(); err != nil {
			s.logger.Warn("mDNS advertisement failed", zap.Error(err))
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.broadcastLoop()
	}()

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}
	s.logger.Info("websocket server listening", zap.String("addr", addr))

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	var serverErr error
	select {
	case <-s.stopChan:
		s.logger.Info("server shutting down")
	case err := <-errChan:
		s.logger.Error("http server error", zap.Error(err))
		serverErr = err
		s.Stop()
	}

	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()

	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", zap.Error(err))
	}

	s.closeClients()
	s.wg.Wait()
	s.logger.Info("server stopped cleanly")

	if serverErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serverErr)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// Clients returns the connected clients
func (s *Server) Clients() []ClientInfo {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	infos := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		info := ClientInfo{ID: c.ID, Name: c.Name, Roles: c.Roles}
		if f := c.remote(); f != nil {
			info.Follower = true
			info.Ready = f.ready.Load()
		}
		infos = append(infos, info)
	}
	return infos
}

// closeClients drops every connection so their handlers return
func (s *Server) closeClients() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		c.conn.Close()
	}
}

// broadcastLoop pushes the published position to every client
func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.config.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.broadcast()
		case <-s.stopChan:
			return
		}
	}
}

// broadcast sends one position frame to all clients, plus transport/state
// when the state changed or a follower is being waited on
func (s *Server) broadcast() {
	state, pos := s.ctrl.Query()

	frame, err := s.codec.Encode(state, pos)
	if err != nil {
		s.logger.Error("failed to encode position", zap.Error(err))
		return
	}

	changed := !s.lastSent || state != s.lastState
	s.lastState = state
	s.lastSent = true

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, c := range s.clients {
		if !s.send(c, frame) {
			s.logger.Debug("client send buffer full", zap.String("client", c.Name))
		}
		if changed || (state != transport.StateStopped && c.remote() != nil) {
			s.sendState(c, state, pos)
		}
	}
}

// stateFor builds transport/state as seen by c
func (s *Server) stateFor(c *client, state transport.State, pos transport.Position) protocol.TransportState {
	stats := s.ctrl.Stats()
	msg := protocol.TransportState{
		State:       protocol.StateName(state),
		Position:    protocol.NewPositionRecord(state, pos),
		SyncTimeout: stats.SyncTimeout,
		Followers:   stats.Followers,
		Authority:   stats.AuthorityActive,
	}
	if f := c.remote(); f != nil {
		fs := &protocol.FollowerState{Registered: true, Ready: f.ready.Load()}
		if frame, ok := f.requestedFrame(); ok {
			fs.RequestedFrame = frame
		}
		msg.Follower = fs
	}
	return msg
}

func (s *Server) sendState(c *client, state transport.State, pos transport.Position) {
	s.sendMessage(c, protocol.TypeTransportState, s.stateFor(c, state, pos))
}

// handleWebSocket upgrades and serves one connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	s.logger.Debug("new websocket connection", zap.String("remote", r.RemoteAddr))
	s.handleConnection(conn)
}

// handleConnection runs the handshake and the read loop
func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	s.shutdownMu.RLock()
	if s.isShutdown {
		s.shutdownMu.RUnlock()
		s.logger.Debug("rejecting connection during shutdown")
		return
	}
	s.shutdownMu.RUnlock()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("error reading hello", zap.Error(err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != protocol.TypeClientHello {
		s.logger.Debug("expected client/hello", zap.String("type", msg.Type))
		return
	}

	var hello protocol.ClientHello
	if err := json.Unmarshal(msg.Payload, &hello); err != nil {
		s.logger.Debug("error unmarshaling client hello", zap.Error(err))
		return
	}
	if hello.ClientID == "" || hello.Name == "" {
		s.logger.Debug("client hello missing required fields")
		return
	}

	c := &client{
		ID:       hello.ClientID,
		Name:     hello.Name,
		Roles:    activateRoles(hello.SupportedRoles),
		conn:     conn,
		sendChan: make(chan interface{}, sendBuffer),
		done:     make(chan struct{}),
	}

	s.clientsMu.Lock()
	if _, exists := s.clients[c.ID]; exists {
		s.clientsMu.Unlock()
		s.logger.Warn("duplicate client id rejected", zap.String("client_id", c.ID))
		rejection, _ := json.Marshal(protocol.Message{
			Type: protocol.TypeServerError,
			Payload: protocol.ServerError{
				Error:   protocol.ErrorDuplicateClient,
				Message: "Client ID already connected",
			},
		})
		conn.WriteMessage(websocket.TextMessage, rejection)
		return
	}
	s.clients[c.ID] = c
	s.clientsMu.Unlock()

	logger := s.logger.With(zap.String("client", c.Name), zap.String("client_id", c.ID))
	logger.Info("client connected", zap.Strings("roles", c.Roles))

	defer func() {
		s.removeClient(c)
		logger.Info("client disconnected")
	}()

	s.sendMessage(c, protocol.TypeServerHello, protocol.ServerHello{
		ServerID:    s.serverID,
		Name:        s.config.Name,
		Version:     protocol.ProtocolVersion,
		ActiveRoles: c.Roles,
		FrameRate:   s.ctrl.FrameRate(),
		SyncTimeout: s.ctrl.SyncTimeout(),
	})
	state, pos := s.ctrl.Query()
	s.sendState(c, state, pos)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.clientWriter(c)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket error", zap.Error(err))
			}
			return
		}
		s.handleClientMessage(c, data)
	}
}

// removeClient drops c and its follower registration
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c.ID)
	s.clientsMu.Unlock()

	if f := c.takeFollower(); f != nil {
		if err := s.ctrl.UnregisterSync(f.id); err != nil {
			s.logger.Warn("failed to unregister follower", zap.Error(err))
		}
	}
	close(c.done)
}

// clientWriter is the only goroutine writing to c.conn after the handshake
func (s *Server) clientWriter(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))

			var err error
			switch v := msg.(type) {
			case []byte:
				err = c.conn.WriteMessage(websocket.BinaryMessage, v)
			default:
				var data []byte
				data, err = json.Marshal(v)
				if err != nil {
					s.logger.Error("error marshaling message", zap.Error(err))
					continue
				}
				err = c.conn.WriteMessage(websocket.TextMessage, data)
			}
			if err != nil {
				s.logger.Debug("write failed", zap.String("client", c.Name), zap.Error(err))
				c.conn.Close()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// inbound is a message whose payload is decoded once its type is known
type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// handleClientMessage routes one request
func (s *Server) handleClientMessage(c *client, data []byte) {
	received := int64(s.ctrl.Micros())

	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(c, protocol.ErrorInvalidPayload, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeClientTime:
		var req protocol.ClientTime
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			s.sendError(c, protocol.ErrorInvalidPayload, err.Error())
			return
		}
		s.sendMessage(c, protocol.TypeServerTime, protocol.ServerTime{
			ClientTransmitted: req.ClientTransmitted,
			ServerReceived:    received,
			ServerTransmitted: int64(s.ctrl.Micros()),
		})

	case protocol.TypeTransportStart, protocol.TypeTransportStop, protocol.TypeTransportLocate,
		protocol.TypeTransportReposition, protocol.TypeTransportTimeout:
		if !hasRole(c.Roles, "controller") {
			s.sendError(c, protocol.ErrorNotPermitted, msg.Type+" requires the controller role")
			return
		}
		s.handleTransport(c, msg)

	case protocol.TypeSyncRegister, protocol.TypeSyncReady, protocol.TypeSyncUnregister:
		if !hasRole(c.Roles, "follower") {
			s.sendError(c, protocol.ErrorNotPermitted, msg.Type+" requires the follower role")
			return
		}
		s.handleSync(c, msg)

	default:
		s.sendError(c, protocol.ErrorUnknownMessage, msg.Type)
	}
}

// handleTransport applies a controller request
func (s *Server) handleTransport(c *client, msg inbound) {
	switch msg.Type {
	case protocol.TypeTransportStart:
		s.ctrl.Start()

	case protocol.TypeTransportStop:
		s.ctrl.Stop()

	case protocol.TypeTransportLocate:
		var req protocol.Locate
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			s.sendError(c, protocol.ErrorInvalidPayload, err.Error())
			return
		}
		if err := s.ctrl.GotoFrame(req.Frame); err != nil {
			s.sendError(c, protocol.ErrorInvalidPosition, err.Error())
		}

	case protocol.TypeTransportReposition:
		var req protocol.Reposition
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			s.sendError(c, protocol.ErrorInvalidPayload, err.Error())
			return
		}
		if err := s.ctrl.Reposition(req.Position.Position()); err != nil {
			s.sendError(c, protocol.ErrorInvalidPosition, err.Error())
		}

	case protocol.TypeTransportTimeout:
		var req protocol.SyncTimeout
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			s.sendError(c, protocol.ErrorInvalidPayload, err.Error())
			return
		}
		s.ctrl.SetSyncTimeout(req.Frames)
	}

	s.logger.Debug("transport request", zap.String("client", c.Name), zap.String("type", msg.Type))
}

// handleSync manages a remote follower
func (s *Server) handleSync(c *client, msg inbound) {
	switch msg.Type {
	case protocol.TypeSyncRegister:
		c.mu.Lock()
		if c.follower != nil {
			c.mu.Unlock()
			s.sendError(c, protocol.ErrorNotPermitted, "already registered")
			return
		}
		f := &remoteFollower{}
		f.id = s.ctrl.RegisterSync(f.sync)
		c.follower = f
		c.mu.Unlock()

		s.logger.Info("remote follower registered", zap.String("client", c.Name), zap.Uint64("sync_id", uint64(f.id)))
		state, pos := s.ctrl.Query()
		s.sendState(c, state, pos)

	case protocol.TypeSyncReady:
		f := c.remote()
		if f == nil {
			s.sendError(c, protocol.ErrorNotRegistered, "sync/ready before sync/register")
			return
		}
		var req protocol.SyncReady
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			s.sendError(c, protocol.ErrorInvalidPayload, err.Error())
			return
		}
		f.setReady(req.Ready, req.Frame)

	case protocol.TypeSyncUnregister:
		f := c.takeFollower()
		if f == nil {
			s.sendError(c, protocol.ErrorNotRegistered, "not registered")
			return
		}
		if err := s.ctrl.UnregisterSync(f.id); err != nil {
			s.sendError(c, protocol.ErrorNotRegistered, err.Error())
		}
	}
}

func (c *client) remote() *remoteFollower {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.follower
}

func (c *client) takeFollower() *remoteFollower {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.follower
	c.follower = nil
	return f
}

// sendMessage queues a JSON message without blocking
func (s *Server) sendMessage(c *client, msgType string, payload interface{}) bool {
	return s.send(c, protocol.Message{Type: msgType, Payload: payload})
}

func (s *Server) sendError(c *client, code, message string) {
	s.sendMessage(c, protocol.TypeServerError, protocol.ServerError{Error: code, Message: message})
}

// send queues msg for the writer, dropping it when the buffer is full
func (s *Server) send(c *client, msg interface{}) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendChan <- msg:
		return true
	default:
		return false
	}
}

// hasRole matches a role family against versioned roles
func hasRole(roles []string, family string) bool {
	for _, r := range roles {
		if r == family || strings.HasPrefix(r, family+"@") {
			return true
		}
	}
	return false
}

// activateRoles keeps the first supported version of each known role family
func activateRoles(supported []string) []string {
	seen := make(map[string]bool)
	var active []string
	for _, role := range supported {
		family := role
		if idx := strings.Index(role, "@"); idx > 0 {
			family = role[:idx]
		}
		switch family {
		case "controller", "follower", "monitor":
			if !seen[family] {
				seen[family] = true
				active = append(active, role)
			}
		}
	}
	return active
}
