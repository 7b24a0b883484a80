package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/p42r/pkg/platform"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var errNoReceiver = errors.New("agent is not accepting commands")

// inbox is the channel handed out by one Receive call.
type inbox struct {
	mu   sync.RWMutex
	ch   chan platform.InboundMessage
	done chan struct{}
	once sync.Once
}

func newInbox() *inbox {
	return &inbox{
		ch:   make(chan platform.InboundMessage, 64),
		done: make(chan struct{}),
	}
}

func (ib *inbox) stop() {
	ib.once.Do(func() {
		close(ib.done)
		ib.mu.Lock()
		close(ib.ch)
		ib.mu.Unlock()
	})
}

func (ib *inbox) push(msg platform.InboundMessage) bool {
	ib.mu.RLock()
	defer ib.mu.RUnlock()
	select {
	case <-ib.done:
		return false
	default:
	}
	select {
	case ib.ch <- msg:
		return true
	case <-ib.done:
		return false
	}
}

// Name implements platform.Adapter.
func (s *Server) Name() string {
	return PlatformName
}

// MaxMessageBytes implements platform.Adapter. WebSocket frames carry any size.
func (s *Server) MaxMessageBytes() int {
	return 0
}

// Receive implements platform.Adapter. Commands from authenticated clients
// arrive on the returned channel until ctx is done or Receive is called again.
func (s *Server) Receive(ctx context.Context) (<-chan platform.InboundMessage, error) {
	ib := newInbox()

	s.inboxMu.Lock()
	old := s.inbox
	s.inbox = ib
	s.inboxMu.Unlock()

	if old != nil {
		old.stop()
	}

	go func() {
		select {
		case <-ctx.Done():
			ib.stop()
		case <-ib.done:
		}
	}()

	return ib.ch, nil
}

func (s *Server) deliverInbound(msg platform.InboundMessage) error {
	s.inboxMu.RLock()
	ib := s.inbox
	s.inboxMu.RUnlock()

	if ib == nil || !ib.push(msg) {
		return errNoReceiver
	}
	return nil
}

// Send implements platform.Adapter. The message is written to every open
// connection of the identity; it counts as delivered if any write succeeds.
func (s *Server) Send(ctx context.Context, to platform.Identity, msg platform.OutboundMessage) (platform.DeliveryResult, error) {
	if to.Platform != PlatformName {
		return platform.DeliveryResult{}, fmt.Errorf("identity %s is not a gateway client: %w", to, platform.ErrPermanent)
	}
	if err := ctx.Err(); err != nil {
		return platform.DeliveryResult{}, err
	}

	conns := s.clients.Route(to)
	if len(conns) == 0 {
		return platform.DeliveryResult{}, fmt.Errorf("client %s is not connected: %w", to, platform.ErrPermanent)
	}

	id, err := gonanoid.New()
	if err != nil {
		return platform.DeliveryResult{}, fmt.Errorf("failed to generate message id: %w", err)
	}
	now := time.Now()
	event := MessageEvent{
		Event:       EventMessage,
		ID:          id,
		Kind:        string(msg.Kind),
		Text:        msg.Text,
		Data:        msg.Data,
		FileName:    msg.FileName,
		MIME:        msg.MIME,
		ExecutionID: msg.ExecutionID,
		Seq:         msg.Seq,
		Final:       msg.Final,
		Status:      msg.Status,
		Timestamp:   now.UnixMilli(),
	}

	delivered := 0
	var lastErr error
	for _, c := range conns {
		if err := c.writeJSON(event, s.writeTimeout); err != nil {
			lastErr = err
			s.logger.Warn().Err(err).Str("clientId", c.ID).Str("identity", to.String()).Msg("Failed to write message")
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return platform.DeliveryResult{}, fmt.Errorf("failed to deliver to %s: %w", to, lastErr)
	}

	return platform.DeliveryResult{MessageID: id, DeliveredAt: now}, nil
}
