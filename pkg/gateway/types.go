package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/p42r/pkg/platform"
)

// PlatformName is the platform part of every gateway identity.
const PlatformName = "local"

// Frame events and methods.
const (
	EventAuthChallenge = "auth.challenge"
	EventAuthSuccess   = "auth.success"
	EventAuthFailure   = "auth.failure"
	EventMessage       = "message"
	EventError         = "error"

	MethodAuthResponse = "auth.response"
	MethodCommand      = "command"
)

// Frame is a client-to-server message.
type Frame struct {
	Method    string `json:"method"`
	ID        string `json:"id,omitempty"`
	Client    string `json:"client,omitempty"`
	Signature string `json:"signature,omitempty"`
	Text      string `json:"text,omitempty"`
}

// AuthChallenge is sent when a connection opens.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResult answers an auth.response frame.
type AuthResult struct {
	Event    string `json:"event"`
	Success  bool   `json:"success,omitempty"`
	Identity string `json:"identity,omitempty"`
	Message  string `json:"message,omitempty"`
}

// MessageEvent carries one outbound message to a client. Data is base64 in
// JSON.
type MessageEvent struct {
	Event       string `json:"event"`
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Text        string `json:"text,omitempty"`
	Data        []byte `json:"data,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	MIME        string `json:"mime,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Seq         int    `json:"seq,omitempty"`
	Final       bool   `json:"final,omitempty"`
	Status      string `json:"status,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// ErrorEvent reports a protocol problem to a client.
type ErrorEvent struct {
	Event   string `json:"event"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateAuthenticating ClientState = iota
	StateAuthenticated
)

// ClientInfo is the admin view of a connection.
type ClientInfo struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	IPAddress     string    `json:"ip_address"`
}

// Client is one WebSocket connection.
type Client struct {
	ID           string
	Name         string
	Conn         *websocket.Conn
	Challenge    string
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	AuthAttempts int
	State        ClientState
	Limiter      *ClientRateLimiter

	writeMu sync.Mutex
}

// Identity returns local:<name> for an authenticated client.
func (c *Client) Identity() platform.Identity {
	return platform.Identity{Platform: PlatformName, ID: c.Name}
}

// Authenticated reports whether the handshake completed.
func (c *Client) Authenticated() bool {
	return c.State == StateAuthenticated
}

// writeJSON serializes writes; gorilla connections allow one writer at a time.
func (c *Client) writeJSON(v interface{}, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.Conn.WriteJSON(v)
}
