package handlers

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/harun/p42r/pkg/action"
	"github.com/harun/p42r/pkg/supervisor"
)

const readBufferSize = 4096

// streamOutput copies a process's merged output into the execution until EOF
// and reports how many bytes were forwarded.
func streamOutput(ctx context.Context, ec action.ExecContext, h *supervisor.Handle) (int, error) {
	buf := make([]byte, readBufferSize)
	total := 0
	for {
		n, err := h.Output().Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if emitErr := ec.Emit(ctx, action.Chunk{Kind: action.ChunkText, Data: chunk}); emitErr != nil {
				return total, emitErr
			}
			total += n
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return total, nil
			}
			return total, err
		}
	}
}

// exitResult converts a process exit status into the handler result.
func exitResult(status supervisor.ExitStatus) error {
	if status.Success() {
		return nil
	}
	return &action.ExitError{Code: status.Code, Signal: status.Signal}
}
