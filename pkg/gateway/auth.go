package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
)

// MaxAuthAttempts is how many bad signatures a connection may send before it
// is closed.
const MaxAuthAttempts = 3

var clientNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// AuthHandler manages challenge-response authentication
type AuthHandler struct {
	sharedSecret []byte
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: []byte(sharedSecret),
	}
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign computes the handshake signature a client sends for challenge. The
// client name is part of the signed payload so a captured signature cannot
// be replayed under another name.
func Sign(secret, challenge, client string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	h.Write([]byte{':'})
	h.Write([]byte(client))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks signature in constant time.
func (a *AuthHandler) VerifySignature(challenge, client, signature string) bool {
	expected := Sign(string(a.sharedSecret), challenge, client)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// HandleAuthResponse processes a client's auth.response frame.
func (a *AuthHandler) HandleAuthResponse(client *Client, resp Frame) AuthResult {
	if client.Challenge == "" {
		return AuthResult{Event: EventAuthFailure, Message: "No challenge found"}
	}
	if !clientNamePattern.MatchString(resp.Client) {
		return a.fail(client, "Invalid client name")
	}
	if !a.VerifySignature(client.Challenge, resp.Client, resp.Signature) {
		return a.fail(client, "Invalid signature")
	}

	client.Name = resp.Client
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""

	return AuthResult{
		Event:    EventAuthSuccess,
		Success:  true,
		Identity: client.Identity().String(),
	}
}

func (a *AuthHandler) fail(client *Client, message string) AuthResult {
	client.AuthAttempts++
	if client.AuthAttempts >= MaxAuthAttempts {
		message = "Too many failed attempts"
	}
	return AuthResult{Event: EventAuthFailure, Message: message}
}
