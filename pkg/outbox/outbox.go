package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/p42r/internal/observability"
	"github.com/harun/p42r/internal/tracing"
	"github.com/harun/p42r/pkg/platform"
)

var (
	ErrLaneClosed = errors.New("outbox lane is closed")
	ErrLaneFailed = errors.New("outbox lane failed")
)

// Sender delivers one message to one identity.
type Sender interface {
	Send(ctx context.Context, to platform.Identity, msg platform.OutboundMessage) (platform.DeliveryResult, error)
}

// Config controls retry and buffering.
type Config struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	MaxPending     int
}

// DefaultConfig returns conservative delivery settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    4,
		BaseBackoff:    time.Second,
		MaxBackoff:     30 * time.Second,
		AttemptTimeout: 30 * time.Second,
		MaxPending:     64,
	}
}

// DeliveryError is returned once a message exhausted its attempts.
type DeliveryError struct {
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Stats summarizes a lane once it has drained.
type Stats struct {
	Delivered int
	Dropped   int
	Err       error
}

// Outbox owns the delivery lanes.
type Outbox struct {
	sender Sender
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	lanes map[string]*Lane
	wg    sync.WaitGroup
}

// New creates an outbox delivering through sender.
func New(sender Sender, cfg Config) *Outbox {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	observability.EnsureRegistered()
	return &Outbox{
		sender: sender,
		cfg:    cfg,
		sleep:  sleepCtx,
		lanes:  make(map[string]*Lane),
	}
}

// Lane is an ordered delivery queue for one execution.
type Lane struct {
	key    string
	to     platform.Identity
	outbox *Outbox

	mu     sync.RWMutex
	closed bool
	queue  chan platform.OutboundMessage

	stateMu   sync.Mutex
	delivered int
	dropped   int
	err       error

	done chan struct{}
}

// OpenLane starts a lane. ctx bounds every delivery on it; pass a context
// that outlives the execution so final status messages still go out.
func (o *Outbox) OpenLane(ctx context.Context, key string, to platform.Identity) *Lane {
	l := &Lane{
		key:    key,
		to:     to,
		outbox: o,
		queue:  make(chan platform.OutboundMessage, o.cfg.MaxPending),
		done:   make(chan struct{}),
	}

	o.mu.Lock()
	o.lanes[key] = l
	o.mu.Unlock()

	o.wg.Add(1)
	go l.run(ctx)
	return l
}

// Pending returns the number of lanes still draining.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.lanes)
}

// Deliver sends a single message outside any lane, with the same retry policy.
func (o *Outbox) Deliver(ctx context.Context, to platform.Identity, msg platform.OutboundMessage) error {
	return o.deliver(ctx, to, msg)
}

// Wait blocks until every lane has drained or ctx ends.
func (o *Outbox) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues msg. It blocks while the lane is full and fails fast once the
// lane has failed or been closed.
func (l *Lane) Submit(ctx context.Context, msg platform.OutboundMessage) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLaneClosed
	}
	if err := l.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLaneFailed, err)
	}

	select {
	case l.queue <- msg:
		observability.AddOutboxPending(l.to.Platform, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages. Queued messages are still delivered.
func (l *Lane) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
}

// Err returns the delivery error that failed the lane, if any.
func (l *Lane) Err() error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.err
}

// Wait blocks until the lane has drained after Close, or ctx ends.
func (l *Lane) Wait(ctx context.Context) Stats {
	select {
	case <-l.done:
	case <-ctx.Done():
	}
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return Stats{Delivered: l.delivered, Dropped: l.dropped, Err: l.err}
}

func (l *Lane) run(ctx context.Context) {
	defer func() {
		l.outbox.mu.Lock()
		if current, ok := l.outbox.lanes[l.key]; ok && current == l {
			delete(l.outbox.lanes, l.key)
		}
		l.outbox.mu.Unlock()
		close(l.done)
		l.outbox.wg.Done()
	}()

	for msg := range l.queue {
		observability.AddOutboxPending(l.to.Platform, -1)

		if l.Err() != nil {
			l.stateMu.Lock()
			l.dropped++
			l.stateMu.Unlock()
			continue
		}

		err := l.outbox.deliver(ctx, l.to, msg)

		l.stateMu.Lock()
		if err != nil {
			l.err = err
			l.dropped++
		} else {
			l.delivered++
		}
		l.stateMu.Unlock()

		if err != nil {
			logger := tracing.LoggerFromContext(ctx, log.Logger)
			logger.Error().
				Err(err).
				Str("lane", l.key).
				Str("to", l.to.String()).
				Int("seq", msg.Seq).
				Msg("Outbound delivery failed, dropping remaining lane messages")
		}
	}
}

func (o *Outbox) deliver(ctx context.Context, to platform.Identity, msg platform.OutboundMessage) error {
	start := time.Now()
	backoff := o.cfg.BaseBackoff
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		_, err := o.sender.Send(attemptCtx, to, msg)
		cancel()
		if err == nil {
			observability.RecordDelivery(to.Platform, time.Since(start), true)
			return nil
		}
		lastErr = err

		if platform.IsPermanent(err) || ctx.Err() != nil || attempt == o.cfg.MaxAttempts {
			break
		}

		wait := backoff
		var rae *platform.RetryAfterError
		if errors.As(err, &rae) && rae.After > wait {
			wait = rae.After
		}
		log.Warn().
			Err(err).
			Str("to", to.String()).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Outbound delivery failed, retrying")
		observability.RecordDeliveryRetry(to.Platform)

		if err := o.sleep(ctx, wait); err != nil {
			break
		}
		backoff *= 2
		if backoff > o.cfg.MaxBackoff {
			backoff = o.cfg.MaxBackoff
		}
	}

	observability.RecordDelivery(to.Platform, time.Since(start), false)
	return &DeliveryError{Attempts: attempts, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
