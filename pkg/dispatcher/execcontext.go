package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/harun/p42r/pkg/action"
	"github.com/harun/p42r/pkg/outbox"
	"github.com/harun/p42r/pkg/platform"
	"github.com/harun/p42r/pkg/supervisor"
)

// ErrExecutionFinished is returned by Emit once the engine stopped reading
// the execution's output.
var ErrExecutionFinished = errors.New("execution already finished")

// execContext is the action.ExecContext handed to a running handler.
type execContext struct {
	exec *Execution
	sup  *supervisor.Supervisor

	out      chan action.Chunk
	stopped  chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	handles []*supervisor.Handle
}

func newExecContext(x *Execution, sup *supervisor.Supervisor, buffer int) *execContext {
	return &execContext{
		exec:    x,
		sup:     sup,
		out:     make(chan action.Chunk, buffer),
		stopped: make(chan struct{}),
	}
}

func (ec *execContext) ExecutionID() string { return ec.exec.id }

func (ec *execContext) Identity() platform.Identity { return ec.exec.request.Identity }

func (ec *execContext) ArgText() string { return ec.exec.request.ArgText }

func (ec *execContext) Emit(ctx context.Context, c action.Chunk) error {
	select {
	case <-ec.stopped:
		return ErrExecutionFinished
	default:
	}
	select {
	case ec.out <- c:
		return nil
	case <-ec.stopped:
		return ErrExecutionFinished
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ec *execContext) Spawn(cmd supervisor.Command) (*supervisor.Handle, error) {
	select {
	case <-ec.stopped:
		return nil, ErrExecutionFinished
	default:
	}
	h, err := ec.sup.Spawn(ec.exec.id, cmd)
	if err != nil {
		return nil, err
	}
	ec.mu.Lock()
	ec.handles = append(ec.handles, h)
	ec.mu.Unlock()
	return h, nil
}

func (ec *execContext) Wait(ctx context.Context, h *supervisor.Handle) (supervisor.ExitStatus, error) {
	return ec.sup.Wait(ctx, h)
}

// stop ends the output stream and releases the pipes of every spawned process.
func (ec *execContext) stop() {
	ec.stopOnce.Do(func() {
		close(ec.stopped)
		ec.mu.Lock()
		handles := append([]*supervisor.Handle(nil), ec.handles...)
		ec.mu.Unlock()
		for _, h := range handles {
			_ = h.CloseOutput()
		}
	})
}

// pump drains handler output into the lane until the execution stops. Full
// chunks go out as soon as they fill; the partial tail is returned for the
// final message.
type pump struct {
	ec       *execContext
	lane     *outbox.Lane
	chunks   *chunker
	flushInt time.Duration

	seq        int
	deliveryOK bool
}

func newPump(ec *execContext, lane *outbox.Lane, limit int, flush time.Duration) *pump {
	return &pump{ec: ec, lane: lane, chunks: newChunker(limit), flushInt: flush, deliveryOK: true}
}

func (p *pump) run(ctx context.Context) {
	var tick <-chan time.Time
	if p.flushInt > 0 {
		ticker := time.NewTicker(p.flushInt)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case c := <-p.ec.out:
			p.handle(ctx, c)
		case <-tick:
			if p.chunks.pending() > 0 {
				p.sendText(ctx, p.chunks.flush())
			}
		case <-p.ec.stopped:
			for {
				select {
				case c := <-p.ec.out:
					p.handle(ctx, c)
				default:
					return
				}
			}
		}
	}
}

func (p *pump) handle(ctx context.Context, c action.Chunk) {
	switch c.Kind {
	case action.ChunkAttachment:
		if p.chunks.pending() > 0 {
			p.sendText(ctx, p.chunks.flush())
		}
		p.submit(ctx, platform.OutboundMessage{
			Kind:     platform.KindAttachment,
			Text:     c.Caption,
			Data:     c.Data,
			FileName: c.Name,
			MIME:     c.MIME,
		})
	default:
		for _, text := range p.chunks.push(c.Data) {
			p.sendText(ctx, text)
		}
	}
}

func (p *pump) sendText(ctx context.Context, text string) {
	p.submit(ctx, platform.OutboundMessage{Kind: platform.KindText, Text: text})
}

// submit hands a message to the lane. After the first failure the rest of
// the output is discarded.
func (p *pump) submit(ctx context.Context, msg platform.OutboundMessage) {
	if !p.deliveryOK {
		return
	}
	p.seq++
	msg.ExecutionID = p.ec.exec.id
	msg.Seq = p.seq
	if err := p.lane.Submit(ctx, msg); err != nil {
		p.deliveryOK = false
		return
	}
	p.ec.exec.countOutput(msg.Size())
}

// finish sends the buffered tail together with the status line. The tail
// and status share one message when they fit.
func (p *pump) finish(ctx context.Context, info Info, status string) {
	tail := p.chunks.flush()
	text := status
	if tail != "" {
		sep := "\n\n"
		if strings.HasSuffix(tail, "\n") {
			sep = "\n"
		}
		text = tail + sep + status
		if len(text) > p.chunks.limit {
			for _, part := range splitText(tail, p.chunks.limit) {
				p.sendText(ctx, part)
			}
			text = status
		}
	}
	p.submit(ctx, platform.OutboundMessage{
		Kind:   platform.KindStatus,
		Text:   text,
		Final:  true,
		Status: string(info.State),
	})
}
