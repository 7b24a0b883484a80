package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SinkFunc consumes inbound messages from every adapter.
type SinkFunc func(ctx context.Context, msg InboundMessage)

// Registry stores registered adapters and runs their receive loops.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter

	// MinBackoff and MaxBackoff bound the reconnect delay after a receive loop ends.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// NewRegistry constructs an adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters:   make(map[string]Adapter),
		MinBackoff: time.Second,
		MaxBackoff: 30 * time.Second,
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is required")
	}

	name := strings.TrimSpace(a.Name())
	if name == "" {
		return fmt.Errorf("adapter name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.TrimSpace(name)]
	return a, ok
}

// Names returns sorted registered adapter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send delivers msg through the adapter owning the identity's platform.
func (r *Registry) Send(ctx context.Context, to Identity, msg OutboundMessage) (DeliveryResult, error) {
	a, ok := r.Get(to.Platform)
	if !ok {
		return DeliveryResult{}, fmt.Errorf("platform %q is not registered: %w", to.Platform, ErrPermanent)
	}
	return a.Send(ctx, to, msg)
}

// Run starts a receive loop per adapter and blocks until ctx is cancelled.
// A loop whose connection drops is restarted with exponential backoff.
func (r *Registry) Run(ctx context.Context, sink SinkFunc) {
	var wg sync.WaitGroup
	for _, name := range r.Names() {
		a, _ := r.Get(name)
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			r.receiveLoop(ctx, a, sink)
		}(a)
	}
	wg.Wait()
}

func (r *Registry) receiveLoop(ctx context.Context, a Adapter, sink SinkFunc) {
	backoff := r.MinBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		ch, err := a.Receive(ctx)
		if err != nil {
			log.Warn().Err(err).Str("adapter", a.Name()).Dur("backoff", backoff).Msg("Adapter receive failed")
		} else {
			log.Info().Str("adapter", a.Name()).Msg("Adapter connected")
			for msg := range ch {
				sink(ctx, msg)
			}
			log.Info().Str("adapter", a.Name()).Msg("Adapter disconnected")
			if time.Since(started) > r.MaxBackoff {
				backoff = r.MinBackoff
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.MaxBackoff {
			backoff = r.MaxBackoff
		}
	}
}
