// Package gateway serves local clients over WebSocket as the "local" chat
// platform and exposes a small admin HTTP API next to it.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/harun/p42r/internal/observability"
	"github.com/harun/p42r/pkg/dispatcher"
	"github.com/harun/p42r/pkg/journal"
	"github.com/harun/p42r/pkg/platform"
	"github.com/harun/p42r/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const maxFrameBytes = 1 << 20

// ExecutionSource lists live executions. A zero identity means all.
type ExecutionSource interface {
	Active(id platform.Identity) []dispatcher.Info
}

// HistorySource lists finished executions.
type HistorySource interface {
	List(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
}

// SessionSource lists known sessions.
type SessionSource interface {
	Snapshot() []session.Info
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	// WebSocket enables /ws. Without it only the admin API is served.
	WebSocket    bool
	Metrics      bool
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxFramesPerMinute limits each connection; 0 disables the limit.
	MaxFramesPerMinute int
	Executions         ExecutionSource
	History            HistorySource
	Sessions           SessionSource
	Logger             zerolog.Logger
}

// Server is the local gateway. It implements platform.Adapter.
type Server struct {
	cfg          Config
	writeTimeout time.Duration
	server       *http.Server
	listener     net.Listener
	upgrader     websocket.Upgrader
	clients      *ClientRegistry
	authHandler  *AuthHandler
	logger       zerolog.Logger

	inboxMu sync.RWMutex
	inbox   *inbox

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	connWG         sync.WaitGroup
}

var _ platform.Adapter = (*Server)(nil)

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.WebSocket && cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required for the WebSocket adapter")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	return &Server{
		cfg:          cfg,
		writeTimeout: cfg.WriteTimeout,
		clients:      NewClientRegistry(),
		authHandler:  NewAuthHandler(cfg.SharedSecret),
		logger:       cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Browsers send an Origin; local CLI clients do not.
				return r.Header.Get("Origin") == ""
			},
		},
	}, nil
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.WebSocket {
		r.HandleFunc("/ws", s.handleWebSocket)
	}

	admin := r.PathPrefix("/").Subrouter()
	admin.Use(s.requireAdmin)
	if s.cfg.Metrics {
		admin.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	}
	admin.HandleFunc("/executions", s.handleExecutions).Methods(http.MethodGet)
	admin.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	admin.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	admin.HandleFunc("/clients", s.handleClients).Methods(http.MethodGet)
	return r
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Bool("websocket", s.cfg.WebSocket).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	for _, client := range s.clients.All() {
		client.writeMu.Lock()
		_ = client.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		client.writeMu.Unlock()
		client.Conn.Close()
	}
	s.connWG.Wait()

	s.inboxMu.Lock()
	ib := s.inbox
	s.inbox = nil
	s.inboxMu.Unlock()
	if ib != nil {
		ib.stop()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown gateway server: %w", err)
	}
	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.clients.Len(),
	})
}

// requireAdmin accepts "Authorization: Bearer <secret>". With no secret
// configured only loopback callers are allowed.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.SharedSecret == "" {
			if !isLoopback(r.RemoteAddr) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.SharedSecret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.connWG.Add(1)
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connWG.Done()
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		State:        StateAuthenticating,
		Limiter:      NewClientRateLimiterWithLimits(s.cfg.MaxFramesPerMinute, time.Minute),
	}
	s.clients.Track(client)

	s.logger.Info().Str("clientId", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		conn.Close()
		s.clients.Drop(clientID)
		s.connWG.Done()
		return
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}
	client.Challenge = challenge
	_ = client.Conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	return client.writeJSON(AuthChallenge{Event: EventAuthChallenge, Challenge: challenge}, s.writeTimeout)
}

func (s *Server) handleClient(client *Client) {
	defer s.connWG.Done()
	defer func() {
		client.Conn.Close()
		s.clients.Drop(client.ID)
		s.logger.Info().Str("clientId", client.ID).Str("client", client.Name).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.Touch(client.ID, time.Now())

		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage processes one frame and reports whether the connection
// should stay open.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		s.sendError(client, "", "Invalid frame")
		return true
	}

	switch frame.Method {
	case MethodAuthResponse:
		return s.handleAuth(client, frame)
	case MethodCommand:
		s.handleCommand(client, frame)
		return true
	default:
		s.sendError(client, frame.ID, "Unknown method")
		return true
	}
}

func (s *Server) handleAuth(client *Client, frame Frame) bool {
	if client.Authenticated() {
		s.sendError(client, frame.ID, "Already authenticated")
		return true
	}

	result := s.authHandler.HandleAuthResponse(client, frame)
	ctx := context.Background()
	if !result.Success {
		observability.RecordAuthAudit(ctx, "gateway_auth", frame.Client, "denied", map[string]interface{}{
			"client_id": client.ID,
			"ip":        client.IPAddress,
			"attempts":  client.AuthAttempts,
		})
		_ = client.writeJSON(result, s.writeTimeout)
		return client.AuthAttempts < MaxAuthAttempts
	}

	_ = client.Conn.SetReadDeadline(time.Time{})
	s.clients.Bind(client)
	observability.RecordAuthAudit(ctx, "gateway_auth", result.Identity, "granted", map[string]interface{}{
		"client_id": client.ID,
		"ip":        client.IPAddress,
	})
	s.logger.Info().Str("clientId", client.ID).Str("identity", result.Identity).Msg("Client authenticated")

	if err := client.writeJSON(result, s.writeTimeout); err != nil {
		s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return false
	}
	return true
}

func (s *Server) handleCommand(client *Client, frame Frame) {
	if !client.Authenticated() {
		s.sendError(client, frame.ID, "Authentication required")
		return
	}
	if !client.Limiter.Allow() {
		s.sendError(client, frame.ID, "Rate limit exceeded")
		return
	}
	if strings.TrimSpace(frame.Text) == "" {
		s.sendError(client, frame.ID, "Empty command")
		return
	}

	id := frame.ID
	if id == "" {
		id, _ = gonanoid.New()
	}
	msg := platform.InboundMessage{
		Identity:  client.Identity(),
		MessageID: id,
		Sender:    client.Name,
		Text:      frame.Text,
		SentAt:    time.Now(),
		Metadata: map[string]string{
			"client_id": client.ID,
			"ip":        client.IPAddress,
		},
	}
	if err := s.deliverInbound(msg); err != nil {
		s.sendError(client, frame.ID, "Agent is not accepting commands")
	}
}

func (s *Server) sendError(client *Client, id, message string) {
	if err := client.writeJSON(ErrorEvent{Event: EventError, ID: id, Message: message}, s.writeTimeout); err != nil {
		s.logger.Debug().Err(err).Str("clientId", client.ID).Msg("Failed to send error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
