package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/p42r/internal/observability"
	"github.com/harun/p42r/internal/tracing"
	"github.com/harun/p42r/pkg/action"
	"github.com/harun/p42r/pkg/command"
	"github.com/harun/p42r/pkg/journal"
	"github.com/harun/p42r/pkg/outbox"
	"github.com/harun/p42r/pkg/pairing"
	"github.com/harun/p42r/pkg/platform"
	"github.com/harun/p42r/pkg/session"
	"github.com/harun/p42r/pkg/supervisor"
)

const (
	tracerName = "p42r.dispatcher"

	idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	idLength   = 8
)

var (
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrNotExecutionOwner  = errors.New("execution belongs to another identity")
	ErrMissingDependency  = errors.New("dispatcher dependency missing")
	errHandlerPanicked    = errors.New("handler panicked")
	errHandlerNeverReturn = errors.New("handler did not return after cancellation")
)

// Journal stores finished executions.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Pairer issues one-time pairing codes to unauthorized identities.
type Pairer interface {
	EnsurePending(id platform.Identity) (pairing.PendingRequest, bool, error)
}

// Deps are the collaborators of the engine. Journal, Pairing and Adapters
// are optional.
type Deps struct {
	Sessions   *session.Registry
	Actions    *action.Registry
	Supervisor *supervisor.Supervisor
	Outbox     *outbox.Outbox
	Adapters   *platform.Registry
	Journal    Journal
	Pairing    Pairer
	Logger     zerolog.Logger
}

// Engine turns inbound messages into executions.
type Engine struct {
	cfg        Config
	sessions   *session.Registry
	actions    *action.Registry
	parser     *command.Parser
	supervisor *supervisor.Supervisor
	outbox     *outbox.Outbox
	adapters   *platform.Registry
	journal    Journal
	pairing    Pairer
	logger     zerolog.Logger
	admins     map[platform.Identity]bool

	startedAt  time.Time
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu         sync.RWMutex
	executions map[string]*Execution
	closed     bool
	wg         sync.WaitGroup
}

// New builds an engine. It subscribes to session revocations so a revoked
// identity loses its running executions.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Sessions == nil || deps.Actions == nil || deps.Supervisor == nil || deps.Outbox == nil {
		return nil, fmt.Errorf("%w: sessions, actions, supervisor and outbox are required", ErrMissingDependency)
	}
	observability.EnsureRegistered()

	cfg = cfg.withDefaults()
	lifeCtx, lifeCancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		sessions:   deps.Sessions,
		actions:    deps.Actions,
		supervisor: deps.Supervisor,
		outbox:     deps.Outbox,
		adapters:   deps.Adapters,
		journal:    deps.Journal,
		pairing:    deps.Pairing,
		logger:     deps.Logger.With().Str("component", "dispatcher").Logger(),
		admins:     make(map[platform.Identity]bool, len(cfg.Admins)),
		startedAt:  cfg.Now(),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		executions: make(map[string]*Execution),
	}
	for _, id := range cfg.Admins {
		e.admins[id] = true
	}
	e.parser = command.NewParser(func(verb string) bool {
		return isControlVerb(verb) || e.actions.Has(verb)
	})
	e.sessions.OnRevoke(func(id platform.Identity) {
		if n := e.CancelIdentity(id, ReasonRevoked); n > 0 {
			e.logger.Info().Str("identity", id.String()).Int("cancelled", n).Msg("Cancelled executions of revoked identity")
		}
	})
	return e, nil
}

// Sink is a platform.SinkFunc that dispatches each message on its own goroutine.
func (e *Engine) Sink(ctx context.Context, msg platform.InboundMessage) {
	e.mu.RLock()
	closed := e.closed
	if !closed {
		e.wg.Add(1)
	}
	e.mu.RUnlock()
	if closed {
		return
	}
	go func() {
		defer e.wg.Done()
		e.Dispatch(ctx, msg)
	}()
}

// Dispatch handles one inbound message and returns the Execution it created,
// or nil when the message was answered without one (control verbs,
// unauthorized senders, parse errors) or ignored as stale.
func (e *Engine) Dispatch(ctx context.Context, msg platform.InboundMessage) *Execution {
	if ctx == nil {
		ctx = context.Background()
	}
	observability.RecordInbound(msg.Identity.Platform)

	if e.isStale(msg) {
		e.logger.Debug().
			Str("identity", msg.Identity.String()).
			Time("sent_at", msg.SentAt).
			Msg("Ignoring message sent before startup")
		return nil
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithIdentity(ctx, msg.Identity.String())
	if msg.MessageID != "" {
		ctx = tracing.WithMessageID(ctx, msg.MessageID)
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "dispatcher.dispatch",
		attribute.String("platform", msg.Identity.Platform),
		attribute.String("identity", msg.Identity.String()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger)

	if e.isClosed() {
		e.reply(ctx, msg.Identity, msgShuttingDown)
		return nil
	}

	e.sessions.Touch(msg.Identity)
	req, parseErr := e.parser.ParseMessage(msg, e.cfg.Now())

	if parseErr == nil && req.Verb == verbPair {
		e.handlePair(ctx, req)
		return nil
	}

	if !e.sessions.IsAuthorized(msg.Identity) {
		logger.Info().Msg("Rejected message from unauthorized identity")
		observability.RecordAuthAudit(ctx, "command", msg.Identity.String(), "denied", map[string]interface{}{
			"platform": msg.Identity.Platform,
		})
		span.SetAttributes(attribute.String("outcome", "unauthorized"))
		e.reply(ctx, msg.Identity, msgNotAuthorized)
		return nil
	}

	if parseErr != nil {
		logger.Debug().Err(parseErr).Msg("Could not parse command")
		span.SetAttributes(attribute.String("outcome", "parse_error"))
		e.reply(ctx, msg.Identity, parseErrorText(parseErr))
		return nil
	}

	if isControlVerb(req.Verb) {
		e.handleControl(ctx, req)
		return nil
	}

	handler, ok := e.actions.Resolve(req.Verb)
	if !ok {
		e.reply(ctx, msg.Identity, parseErrorText(&command.ParseError{Kind: command.UnknownVerb, Verb: req.Verb}))
		return nil
	}
	req.Verb = handler.Spec().Verb

	x := e.admit(ctx, req, handler)
	if x != nil {
		span.SetAttributes(attribute.String("execution_id", x.id))
	}
	return x
}

// admit creates the Execution, acquires a slot and validates the arguments.
// On success the handler is started on its own goroutine.
func (e *Engine) admit(ctx context.Context, req command.Request, handler action.Handler) *Execution {
	id, err := gonanoid.Generate(idAlphabet, idLength)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to generate execution id")
		e.reply(ctx, req.Identity, msgInternalError)
		return nil
	}

	ctx = tracing.WithExecutionID(ctx, id)
	execCtx := tracing.NewContext(e.lifeCtx, tracing.FromContext(ctx))
	x := newExecution(execCtx, id, req, e.cfg.Now())
	if !e.track(x) {
		x.cancel()
		e.reply(ctx, req.Identity, msgShuttingDown)
		return nil
	}

	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("verb", req.Verb).Logger()
	lane := e.outbox.OpenLane(execCtx, id, req.Identity)

	slot, err := e.sessions.TryAcquireSlot(req.Identity)
	if err != nil && session.ReasonOf(err) == session.TooManyConcurrent && e.cfg.Overflow == OverflowQueue {
		logger.Info().Msg("Identity at concurrency limit, queueing execution")
		_ = lane.Submit(x.deliverCtx, platform.OutboundMessage{
			Kind:        platform.KindStatus,
			Text:        fmt.Sprintf("Queued as %s, waiting for a running command to finish.", id),
			ExecutionID: id,
			Status:      string(StateQueued),
		})
		waitCtx, cancel := context.WithTimeout(x.ctx, e.cfg.MaxQueueWait)
		slot, err = e.sessions.WaitSlot(waitCtx, req.Identity)
		cancel()
		if err != nil && session.ReasonOf(err) == "" {
			reason := x.stopRequested()
			if reason == "" {
				reason = ReasonQueueTimeout
			}
			e.reject(ctx, x, lane, reason, "")
			return x
		}
	}
	if err != nil {
		reason, text := rejectionText(err, e.sessions.MaxConcurrent())
		logger.Info().Str("reason", reason).Msg("Execution rejected")
		e.reject(ctx, x, lane, reason, text)
		return x
	}

	if err := e.actions.Validate(req.Verb, req.Args); err != nil {
		e.sessions.ReleaseSlot(req.Identity, slot)
		logger.Debug().Err(err).Msg("Execution failed validation")
		e.reject(ctx, x, lane, ReasonValidation, validationText(err))
		return x
	}

	// Authorization may have been withdrawn while the slot was being taken.
	// markRunning refuses once a stop was requested, so a revocation either
	// lands here or cancels a running handler.
	if !e.sessions.IsAuthorized(req.Identity) {
		e.sessions.ReleaseSlot(req.Identity, slot)
		logger.Info().Msg("Identity lost authorization before start")
		e.reject(ctx, x, lane, ReasonUnauthorized, msgNotAuthorized)
		return x
	}
	if !x.markRunning(e.cfg.Now(), e.timeoutFor(req, handler.Spec())) {
		e.sessions.ReleaseSlot(req.Identity, slot)
		reason := x.stopRequested()
		logger.Info().Str("reason", reason).Msg("Execution stopped before start")
		e.reject(ctx, x, lane, reason, "")
		return x
	}
	observability.RecordExecutionStarted()
	logger.Info().Strs("args", req.Args).Msg("Execution started")

	go e.run(ctx, x, handler, slot, lane)
	return x
}

// reject moves a queued execution to failed and sends its single reply.
func (e *Engine) reject(ctx context.Context, x *Execution, lane *outbox.Lane, reason, text string) {
	x.finish(StateFailed, reason, 0, e.cfg.Now())
	if text == "" {
		text = statusLine(x.Info(), "")
	}
	_ = lane.Submit(x.deliverCtx, platform.OutboundMessage{
		Kind:        platform.KindStatus,
		Text:        text,
		ExecutionID: x.id,
		Seq:         1,
		Final:       true,
		Status:      string(StateFailed),
	})
	e.complete(ctx, x, lane, nil, false)
}

// run executes the handler and drives the execution to a terminal state.
func (e *Engine) run(ctx context.Context, x *Execution, handler action.Handler, slot session.Slot, lane *outbox.Lane) {
	spec := handler.Spec()
	timeout := x.Info().Timeout

	ctx, span := tracing.StartSpan(ctx, tracerName, "dispatcher.execute",
		attribute.String("execution_id", x.id),
		attribute.String("verb", spec.Verb),
		attribute.String("timeout", timeout.String()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("verb", spec.Verb).Logger()

	runCtx, cancel := context.WithTimeout(x.ctx, timeout)
	defer cancel()

	ec := newExecContext(x, e.supervisor, e.cfg.OutputBuffer)
	p := newPump(ec, lane, e.chunkLimit(x.request.Identity), e.cfg.StreamFlushInterval)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		p.run(x.deliverCtx)
	}()

	result := make(chan error, 1)
	go func() {
		result <- e.invoke(runCtx, handler, x.request.Args, ec)
	}()

	var (
		handlerErr error
		returned   bool
	)
	select {
	case handlerErr = <-result:
		returned = true
	case <-runCtx.Done():
	}

	interrupted := !returned || (handlerErr != nil && runCtx.Err() != nil)
	if interrupted {
		// Ending the processes first lets a handler blocked on Wait return.
		killed := e.supervisor.TerminateOwner(x.id, e.cfg.TerminateGrace)
		if killed > 0 {
			logger.Info().Int("processes", killed).Msg("Terminated processes of interrupted execution")
		}
		if !returned {
			select {
			case handlerErr = <-result:
			case <-time.After(e.cfg.TerminateGrace):
				handlerErr = errHandlerNeverReturn
				logger.Warn().Msg("Handler ignored cancellation, abandoning it")
			}
		}
	}

	ec.stop()
	if n := e.supervisor.LiveFor(x.id); n > 0 {
		e.supervisor.TerminateOwner(x.id, e.cfg.TerminateGrace)
		logger.Warn().Int("processes", n).Msg("Execution left processes running, terminated them")
	}
	<-pumpDone

	state, reason, exitCode, detail := e.classify(x, runCtx, handlerErr, interrupted)
	x.finish(state, reason, exitCode, e.cfg.Now())
	info := x.Info()

	switch {
	case reason == ReasonFault:
		logger.Error().Err(handlerErr).Dur("duration", info.Duration()).Msg("Execution fault")
		observability.RecordExecutionAudit(ctx, spec.Verb, x.request.Identity.String(), "fault", map[string]interface{}{
			"execution_id": x.id,
			"error":        handlerErr.Error(),
		})
		span.RecordError(handlerErr)
		span.SetStatus(codes.Error, "fault")
	default:
		logger.Info().
			Str("state", string(state)).
			Str("reason", reason).
			Int("exit_code", exitCode).
			Dur("duration", info.Duration()).
			Msg("Execution finished")
	}
	span.SetAttributes(attribute.String("state", string(state)))

	p.finish(x.deliverCtx, info, statusLine(info, detail))
	e.complete(ctx, x, lane, func() { e.sessions.ReleaseSlot(x.request.Identity, slot) }, true)
}

// invoke calls the handler, converting a panic into an error.
func (e *Engine) invoke(ctx context.Context, h action.Handler, args []string, ec *execContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", errHandlerPanicked, r, debug.Stack())
		}
	}()
	return h.Execute(ctx, args, ec)
}

func (e *Engine) classify(x *Execution, runCtx context.Context, err error, interrupted bool) (State, string, int, string) {
	if interrupted {
		if reason := x.stopRequested(); reason != "" {
			return StateCancelled, reason, -1, ""
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return StateTimedOut, ReasonTimedOut, -1, ""
		}
	}
	if err == nil {
		return StateSucceeded, "", 0, ""
	}

	var exitErr *action.ExitError
	if errors.As(err, &exitErr) {
		return StateFailed, ReasonExitStatus, exitErr.Code, exitErr.Signal
	}
	var verr *action.ValidationError
	if errors.As(err, &verr) {
		return StateFailed, ReasonValidation, 0, verr.Message
	}
	return StateFailed, ReasonFault, 0, ""
}

// complete waits for the lane to drain, releases the slot and records the
// outcome. It is the single exit path of every Execution.
func (e *Engine) complete(ctx context.Context, x *Execution, lane *outbox.Lane, release func(), wasRunning bool) {
	lane.Close()
	stats := lane.Wait(e.lifeCtx)
	x.setMessagesOut(stats.Delivered)

	if stats.Err != nil {
		x.failDelivery()
		logger := tracing.LoggerFromContext(ctx, e.logger)
		logger.Error().
			Err(stats.Err).
			Int("dropped", stats.Dropped).
			Msg("Execution output could not be delivered")
		observability.RecordDeliveryAudit(ctx, x.request.Identity.String(), "failed", map[string]interface{}{
			"execution_id": x.id,
			"dropped":      stats.Dropped,
			"error":        stats.Err.Error(),
		})
	}

	if release != nil {
		release()
	}

	info := x.Info()
	observability.RecordExecutionFinished(info.Verb, string(info.State), info.Duration(), wasRunning)

	if e.journal != nil {
		entry := journal.Entry{
			ID:          info.ID,
			Identity:    info.Identity.String(),
			Verb:        info.Verb,
			Args:        command.Join(info.Args),
			State:       string(info.State),
			Reason:      info.Reason,
			ExitCode:    info.ExitCode,
			BytesOut:    info.BytesOut,
			MessagesOut: info.MessagesOut,
			CreatedAt:   info.CreatedAt,
			StartedAt:   info.StartedAt,
			EndedAt:     info.EndedAt,
		}
		if err := e.journal.Record(tracing.Detach(ctx), entry); err != nil {
			e.logger.Warn().Err(err).Str("execution_id", x.id).Msg("Failed to journal execution")
		}
	}

	e.untrack(x)
	x.cancel()
	close(x.done)
}

func (e *Engine) timeoutFor(req command.Request, spec action.Spec) time.Duration {
	d := req.Timeout
	if d <= 0 {
		d = spec.DefaultTimeout
	}
	if d <= 0 {
		d = e.cfg.DefaultHandlerTimeout
	}
	if d > e.cfg.MaxHandlerTimeout {
		d = e.cfg.MaxHandlerTimeout
	}
	return d
}

func (e *Engine) chunkLimit(id platform.Identity) int {
	limit := e.cfg.OutboundChunkBytes
	if e.adapters != nil {
		if a, ok := e.adapters.Get(id.Platform); ok {
			if maxBytes := a.MaxMessageBytes(); maxBytes > 0 && maxBytes < limit {
				limit = maxBytes
			}
		}
	}
	return limit
}

func (e *Engine) isStale(msg platform.InboundMessage) bool {
	if msg.SentAt.IsZero() {
		return false
	}
	return msg.SentAt.Before(e.startedAt.Add(-e.cfg.StaleMessageSkew))
}

// reply sends a message that belongs to no execution.
func (e *Engine) reply(ctx context.Context, to platform.Identity, text string) {
	sendCtx := tracing.NewContext(e.lifeCtx, tracing.FromContext(ctx))
	err := e.outbox.Deliver(sendCtx, to, platform.OutboundMessage{Kind: platform.KindText, Text: text})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, e.logger)
		logger.Error().Err(err).Msg("Failed to deliver reply")
		observability.RecordDeliveryAudit(ctx, to.String(), "failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (e *Engine) track(x *Execution) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.executions[x.id] = x
	e.wg.Add(1)
	return true
}

func (e *Engine) untrack(x *Execution) {
	e.mu.Lock()
	delete(e.executions, x.id)
	e.mu.Unlock()
	e.wg.Done()
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Lookup returns a live execution by id.
func (e *Engine) Lookup(id string) (*Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.executions[id]
	return x, ok
}

// Active returns live executions, oldest first. A zero identity matches all.
func (e *Engine) Active(id platform.Identity) []Info {
	e.mu.RLock()
	out := make([]Info, 0, len(e.executions))
	for _, x := range e.executions {
		if id.IsZero() || x.request.Identity == id {
			out = append(out, x.Info())
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Cancel stops an execution on behalf of by. Only the owner or an admin may
// cancel.
func (e *Engine) Cancel(by platform.Identity, id string) error {
	x, ok := e.Lookup(id)
	if !ok {
		return ErrExecutionNotFound
	}
	if x.request.Identity != by && !e.admins[by] {
		return ErrNotExecutionOwner
	}
	if !x.stop(ReasonCancelled) {
		return ErrExecutionNotFound
	}
	return nil
}

// CancelIdentity stops every live execution of an identity and returns how
// many were stopped.
func (e *Engine) CancelIdentity(id platform.Identity, reason string) int {
	n := 0
	for _, info := range e.Active(id) {
		if x, ok := e.Lookup(info.ID); ok && x.stop(reason) {
			n++
		}
	}
	return n
}

// Shutdown refuses new messages, cancels live executions and waits for them
// to finish delivering. Lanes still draining when ctx ends are abandoned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	live := make([]*Execution, 0, len(e.executions))
	for _, x := range e.executions {
		live = append(live, x)
	}
	e.mu.Unlock()

	for _, x := range live {
		x.stop(ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	e.lifeCancel()
	return err
}
