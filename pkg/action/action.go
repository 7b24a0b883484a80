// Package action defines the contract every command handler implements and
// the registry that maps verbs to handlers.
package action

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/p42r/pkg/platform"
	"github.com/harun/p42r/pkg/supervisor"
)

// Unbounded disables the MaxArgs limit.
const Unbounded = -1

// OutputMode declares how a handler produces output.
type OutputMode string

const (
	Streaming  OutputMode = "streaming"
	SingleShot OutputMode = "single_shot"
)

// Spec is the declared contract of a handler.
type Spec struct {
	Verb    string
	Aliases []string
	Summary string
	Usage   string

	MinArgs int
	MaxArgs int
	// ArgPattern, when set, is a regular expression every argument must match.
	ArgPattern string

	SpawnsProcess  bool
	Output         OutputMode
	DefaultTimeout time.Duration
}

// ChunkKind distinguishes text from binary output.
type ChunkKind string

const (
	ChunkText       ChunkKind = "text"
	ChunkAttachment ChunkKind = "attachment"
)

// Chunk is one piece of handler output.
type Chunk struct {
	Kind    ChunkKind
	Data    []byte
	Name    string
	MIME    string
	Caption string
}

// Text builds a text chunk.
func Text(s string) Chunk {
	return Chunk{Kind: ChunkText, Data: []byte(s)}
}

// Attachment builds a binary chunk.
func Attachment(name, mime string, data []byte) Chunk {
	return Chunk{Kind: ChunkAttachment, Name: name, MIME: mime, Data: data}
}

// ExecContext is what a running handler may touch. Spawn is the only way a
// handler starts a subprocess; it records the process under the execution
// so the engine can always terminate it.
type ExecContext interface {
	ExecutionID() string
	Identity() platform.Identity
	// ArgText is the raw argument text as typed, before tokenizing.
	ArgText() string
	Emit(ctx context.Context, c Chunk) error
	Spawn(cmd supervisor.Command) (*supervisor.Handle, error)
	Wait(ctx context.Context, h *supervisor.Handle) (supervisor.ExitStatus, error)
}

// Handler implements one command verb. Execute returns nil on success, an
// *ExitError for an ordinary non-zero exit, and any other error for a fault.
type Handler interface {
	Spec() Spec
	Validate(args []string) error
	Execute(ctx context.Context, args []string, ec ExecContext) error
}

// ValidationError carries a message meant for the user.
type ValidationError struct {
	Verb    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Invalid builds a ValidationError.
func Invalid(verb, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Verb: verb, Message: fmt.Sprintf(format, args...)}
}

// ExitError reports a command that ran and exited unsuccessfully.
type ExitError struct {
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("exited on signal %s", e.Signal)
	}
	return fmt.Sprintf("exited with status %d", e.Code)
}
