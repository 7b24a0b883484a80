package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/harun/p42r/pkg/command"
	"github.com/harun/p42r/pkg/platform"
)

// State is the lifecycle state of an Execution.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Failure and termination reasons recorded on an Execution.
const (
	ReasonRateLimited       = "rate_limited"
	ReasonTooManyConcurrent = "too_many_concurrent"
	ReasonUnauthorized      = "unauthorized"
	ReasonQueueTimeout      = "queue_timeout"
	ReasonValidation        = "validation"
	ReasonExitStatus        = "exit_status"
	ReasonFault             = "fault"
	ReasonTimedOut          = "timed_out"
	ReasonCancelled         = "cancelled"
	ReasonRevoked           = "revoked"
	ReasonShutdown          = "shutdown"
	ReasonDeliveryError     = "delivery_error"
)

// Info is a point-in-time copy of an Execution.
type Info struct {
	ID          string
	Identity    platform.Identity
	Verb        string
	Args        []string
	State       State
	Reason      string
	Timeout     time.Duration
	CreatedAt   time.Time
	StartedAt   time.Time
	EndedAt     time.Time
	ExitCode    int
	BytesOut    int64
	MessagesOut int
}

// Duration is the running time, or zero if the execution never ran.
func (i Info) Duration() time.Duration {
	if i.StartedAt.IsZero() || i.EndedAt.IsZero() {
		return 0
	}
	return i.EndedAt.Sub(i.StartedAt)
}

// Execution is one accepted command request. It is owned by the engine.
type Execution struct {
	id      string
	request command.Request

	// ctx is cancelled to stop the handler; deliverCtx outlives it so the
	// final status still goes out.
	ctx        context.Context
	cancel     context.CancelFunc
	deliverCtx context.Context

	mu          sync.Mutex
	state       State
	reason      string
	stopReason  string
	timeout     time.Duration
	createdAt   time.Time
	startedAt   time.Time
	endedAt     time.Time
	exitCode    int
	bytesOut    int64
	messagesOut int

	done chan struct{}
}

func newExecution(parent context.Context, id string, req command.Request, now time.Time) *Execution {
	ctx, cancel := context.WithCancel(parent)
	return &Execution{
		id:         id,
		request:    req,
		ctx:        ctx,
		cancel:     cancel,
		deliverCtx: parent,
		state:      StateQueued,
		createdAt:  now,
		done:       make(chan struct{}),
	}
}

// ID returns the execution id.
func (x *Execution) ID() string { return x.id }

// Identity returns the identity that issued the request.
func (x *Execution) Identity() platform.Identity { return x.request.Identity }

// Verb returns the canonical verb.
func (x *Execution) Verb() string { return x.request.Verb }

// Done is closed once the execution reached a terminal state and its output
// was delivered or dropped.
func (x *Execution) Done() <-chan struct{} { return x.done }

// State returns the current state.
func (x *Execution) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Wait blocks until the execution finished or ctx ends.
func (x *Execution) Wait(ctx context.Context) (Info, error) {
	select {
	case <-x.done:
		return x.Info(), nil
	case <-ctx.Done():
		return x.Info(), ctx.Err()
	}
}

// Info returns a snapshot.
func (x *Execution) Info() Info {
	x.mu.Lock()
	defer x.mu.Unlock()
	return Info{
		ID:          x.id,
		Identity:    x.request.Identity,
		Verb:        x.request.Verb,
		Args:        append([]string(nil), x.request.Args...),
		State:       x.state,
		Reason:      x.reason,
		Timeout:     x.timeout,
		CreatedAt:   x.createdAt,
		StartedAt:   x.startedAt,
		EndedAt:     x.endedAt,
		ExitCode:    x.exitCode,
		BytesOut:    x.bytesOut,
		MessagesOut: x.messagesOut,
	}
}

// stop asks a queued or running execution to end. The first reason wins.
func (x *Execution) stop(reason string) bool {
	x.mu.Lock()
	if x.state.Terminal() {
		x.mu.Unlock()
		return false
	}
	if x.stopReason == "" {
		x.stopReason = reason
	}
	x.mu.Unlock()
	x.cancel()
	return true
}

func (x *Execution) stopRequested() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stopReason
}

// markRunning moves a queued execution to running. It reports false when a
// stop was already requested; the execution then never runs.
func (x *Execution) markRunning(now time.Time, timeout time.Duration) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stopReason != "" || x.state != StateQueued {
		return false
	}
	x.state = StateRunning
	x.startedAt = now
	x.timeout = timeout
	return true
}

// finish records the terminal state unless one was already recorded.
func (x *Execution) finish(state State, reason string, exitCode int, now time.Time) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.state.Terminal() {
		return false
	}
	x.state = state
	x.reason = reason
	x.exitCode = exitCode
	x.endedAt = now
	return true
}

// failDelivery downgrades a finished execution whose output could not be delivered.
func (x *Execution) failDelivery() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.state = StateFailed
	x.reason = ReasonDeliveryError
}

func (x *Execution) countOutput(bytes int) {
	x.mu.Lock()
	x.bytesOut += int64(bytes)
	x.mu.Unlock()
}

func (x *Execution) setMessagesOut(n int) {
	x.mu.Lock()
	x.messagesOut = n
	x.mu.Unlock()
}
