//go:build !windows

package dispatcher

import (
	"context"
	"errors"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/p42r/pkg/action"
	"github.com/harun/p42r/pkg/supervisor"
)

// shellHandler runs its argument text with /bin/sh and streams the output.
func shellHandler(timeout time.Duration, pids chan<- int) *funcHandler {
	h := handlerFunc("sh", func(ctx context.Context, args []string, ec action.ExecContext) error {
		proc, err := ec.Spawn(supervisor.Command{Path: "/bin/sh", Args: []string{"-c", ec.ArgText()}})
		if err != nil {
			return err
		}
		if pids != nil {
			pids <- proc.PID()
		}
		buf := make([]byte, 512)
		for {
			n, rerr := proc.Output().Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				if err := ec.Emit(ctx, action.Chunk{Kind: action.ChunkText, Data: chunk}); err != nil {
					return err
				}
			}
			if rerr != nil {
				if !errors.Is(rerr, io.EOF) && ctx.Err() != nil {
					return ctx.Err()
				}
				break
			}
		}
		status, err := ec.Wait(ctx, proc)
		if err != nil {
			return err
		}
		if !status.Success() {
			return &action.ExitError{Code: status.Code, Signal: status.Signal}
		}
		return nil
	})
	h.spec.DefaultTimeout = timeout
	h.spec.SpawnsProcess = true
	return h
}

func pidGone(pid int) bool {
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

func TestTimeoutTerminatesOwnedProcess(t *testing.T) {
	grace := 500 * time.Millisecond
	pids := make(chan int, 1)
	h := newHarness(t, harnessOptions{engine: Config{TerminateGrace: grace}}, shellHandler(2*time.Second, pids))
	h.authorize(t, alice)

	start := time.Now()
	x := h.send(alice, "sh sleep 60")
	pid := <-pids

	info := waitDone(t, x, 2*time.Second+grace+2*time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, StateTimedOut, info.State)
	assert.Less(t, elapsed, 2*time.Second+grace+time.Second)
	assert.Zero(t, h.sup.Live())
	assert.True(t, pidGone(pid))
	assert.Equal(t, "Timed out after 2s.", h.adapter.messages(alice)[0].Text)
}

func TestTimeoutKillsProcessIgnoringSIGTERM(t *testing.T) {
	grace := 300 * time.Millisecond
	pids := make(chan int, 1)
	h := newHarness(t, harnessOptions{engine: Config{TerminateGrace: grace}}, shellHandler(500*time.Millisecond, pids))
	h.authorize(t, alice)

	x := h.send(alice, `sh trap "" TERM; while :; do sleep 1; done`)
	pid := <-pids

	info := waitDone(t, x, 5*time.Second)
	assert.Equal(t, StateTimedOut, info.State)
	assert.Zero(t, h.sup.Live())
	assert.True(t, pidGone(pid))
}

func TestCancelTerminatesShellExecution(t *testing.T) {
	grace := 500 * time.Millisecond
	pids := make(chan int, 1)
	h := newHarness(t, harnessOptions{engine: Config{TerminateGrace: grace}}, shellHandler(time.Minute, pids))
	h.authorize(t, alice)

	x := h.send(alice, "sh echo started; sleep 60")
	pid := <-pids

	h.send(alice, "cancel "+x.ID())
	info := waitDone(t, x, grace+2*time.Second)

	assert.Equal(t, StateCancelled, info.State)
	assert.Zero(t, h.sup.LiveFor(x.ID()))
	assert.True(t, pidGone(pid))
}

func TestShellOutputAndExitStatus(t *testing.T) {
	h := newHarness(t, harnessOptions{}, shellHandler(10*time.Second, nil))
	h.authorize(t, alice)

	info := waitDone(t, h.send(alice, "sh echo one; echo two >&2; exit 3"), 5*time.Second)

	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, 3, info.ExitCode)
	msgs := texts(h.adapter.messages(alice))
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "one\n")
	assert.Contains(t, msgs[0], "two\n")
	assert.Contains(t, msgs[0], "Exited with status 3.")
}
