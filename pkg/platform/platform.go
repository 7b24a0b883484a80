// Package platform defines the normalized message model shared by every chat
// platform adapter and the adapter contract the dispatcher talks to.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Identity is a chat user or channel scoped to one platform.
type Identity struct {
	Platform string
	ID       string
}

// String renders the identity as platform:id.
func (i Identity) String() string {
	return i.Platform + ":" + i.ID
}

// IsZero reports whether the identity is empty.
func (i Identity) IsZero() bool {
	return i.Platform == "" && i.ID == ""
}

// ParseIdentity parses the platform:id form produced by Identity.String.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	platformName, id, ok := strings.Cut(s, ":")
	platformName = strings.ToLower(strings.TrimSpace(platformName))
	id = strings.TrimSpace(id)
	if !ok || platformName == "" || id == "" {
		return Identity{}, fmt.Errorf("invalid identity %q: expected platform:id", s)
	}
	return Identity{Platform: platformName, ID: id}, nil
}

// InboundMessage is a chat event normalized by an adapter.
type InboundMessage struct {
	Identity  Identity
	MessageID string
	Sender    string
	Text      string
	SentAt    time.Time
	Metadata  map[string]string
}

// MessageKind selects how an outbound message is rendered.
type MessageKind string

const (
	KindText       MessageKind = "text"
	KindAttachment MessageKind = "attachment"
	KindStatus     MessageKind = "status"
)

// OutboundMessage is a platform-agnostic payload addressed to one identity.
type OutboundMessage struct {
	Kind        MessageKind
	Text        string
	Data        []byte
	FileName    string
	MIME        string
	ExecutionID string
	Seq         int
	Final       bool
	Status      string
}

// Size returns the payload size in bytes.
func (m OutboundMessage) Size() int {
	if m.Kind == KindAttachment {
		return len(m.Data)
	}
	return len(m.Text)
}

// DeliveryResult describes a successful send.
type DeliveryResult struct {
	MessageID   string
	DeliveredAt time.Time
}

// Adapter translates one chat protocol into normalized messages and back.
type Adapter interface {
	Name() string
	// Receive starts a connection and returns its inbound messages. The channel is
	// closed when the connection ends; calling Receive again opens a new one.
	Receive(ctx context.Context) (<-chan InboundMessage, error)
	Send(ctx context.Context, to Identity, msg OutboundMessage) (DeliveryResult, error)
	// MaxMessageBytes is the largest text payload the platform accepts, 0 for no limit.
	MaxMessageBytes() int
}

// ErrPermanent marks send failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent delivery failure")

// RetryAfterError is returned when the platform asks the caller to slow down.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
