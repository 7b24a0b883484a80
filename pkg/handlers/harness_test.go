package handlers

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/p42r/pkg/action"
	"github.com/harun/p42r/pkg/platform"
	"github.com/harun/p42r/pkg/supervisor"
)

// fakeExecContext backs handlers with a real supervisor and records output.
type fakeExecContext struct {
	id      string
	argText string
	sup     *supervisor.Supervisor

	mu     sync.Mutex
	chunks []action.Chunk
}

func newExecContext(t *testing.T, argText string) *fakeExecContext {
	t.Helper()
	sup := supervisor.New(supervisor.Config{WorkDir: t.TempDir()})
	t.Cleanup(func() { sup.Shutdown(time.Second) })
	return &fakeExecContext{id: "exec-test", argText: argText, sup: sup}
}

func (f *fakeExecContext) ExecutionID() string { return f.id }

func (f *fakeExecContext) Identity() platform.Identity {
	return platform.Identity{Platform: "test", ID: "alice"}
}

func (f *fakeExecContext) ArgText() string { return f.argText }

func (f *fakeExecContext) Emit(ctx context.Context, c action.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, c)
	return nil
}

func (f *fakeExecContext) Spawn(cmd supervisor.Command) (*supervisor.Handle, error) {
	return f.sup.Spawn(f.id, cmd)
}

func (f *fakeExecContext) Wait(ctx context.Context, h *supervisor.Handle) (supervisor.ExitStatus, error) {
	return f.sup.Wait(ctx, h)
}

func (f *fakeExecContext) text() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b strings.Builder
	for _, c := range f.chunks {
		if c.Kind == action.ChunkText {
			b.Write(c.Data)
		}
	}
	return b.String()
}

func (f *fakeExecContext) attachments() []action.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []action.Chunk
	for _, c := range f.chunks {
		if c.Kind == action.ChunkAttachment {
			out = append(out, c)
		}
	}
	return out
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func itoa(n int) string { return strconv.Itoa(n) }
