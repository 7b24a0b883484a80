package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/harun/p42r/pkg/action"
	"github.com/harun/p42r/pkg/journal"
	"github.com/harun/p42r/pkg/outbox"
	"github.com/harun/p42r/pkg/pairing"
	"github.com/harun/p42r/pkg/platform"
	"github.com/harun/p42r/pkg/session"
	"github.com/harun/p42r/pkg/supervisor"
)

var (
	alice = platform.Identity{Platform: "test", ID: "alice"}
	bob   = platform.Identity{Platform: "test", ID: "bob"}
)

type recordingAdapter struct {
	mu       sync.Mutex
	sent     map[platform.Identity][]platform.OutboundMessage
	failWith error
}

func newRecordingAdapter() *recordingAdapter {
	return &recordingAdapter{sent: make(map[platform.Identity][]platform.OutboundMessage)}
}

func (a *recordingAdapter) Name() string { return "test" }

func (a *recordingAdapter) MaxMessageBytes() int { return 0 }

func (a *recordingAdapter) Receive(ctx context.Context) (<-chan platform.InboundMessage, error) {
	return nil, errors.New("not supported")
}

func (a *recordingAdapter) Send(ctx context.Context, to platform.Identity, msg platform.OutboundMessage) (platform.DeliveryResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWith != nil {
		return platform.DeliveryResult{}, a.failWith
	}
	a.sent[to] = append(a.sent[to], msg)
	return platform.DeliveryResult{MessageID: "ok", DeliveredAt: time.Now()}, nil
}

func (a *recordingAdapter) messages(id platform.Identity) []platform.OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]platform.OutboundMessage(nil), a.sent[id]...)
}

func (a *recordingAdapter) setFailure(err error) {
	a.mu.Lock()
	a.failWith = err
	a.mu.Unlock()
}

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Record(ctx context.Context, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) all() []journal.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Entry(nil), j.entries...)
}

type fakePairer struct {
	requests map[platform.Identity]pairing.PendingRequest
}

func (p *fakePairer) EnsurePending(id platform.Identity) (pairing.PendingRequest, bool, error) {
	if req, ok := p.requests[id]; ok {
		return req, false, nil
	}
	req := pairing.PendingRequest{Identity: id.String(), Code: "ABCD2345", ExpiresAt: time.Now().Add(time.Hour)}
	p.requests[id] = req
	return req, true, nil
}

// funcHandler adapts a function to action.Handler.
type funcHandler struct {
	spec     action.Spec
	validate func(args []string) error
	execute  func(ctx context.Context, args []string, ec action.ExecContext) error
}

func (h *funcHandler) Spec() action.Spec { return h.spec }

func (h *funcHandler) Validate(args []string) error {
	if h.validate == nil {
		return nil
	}
	return h.validate(args)
}

func (h *funcHandler) Execute(ctx context.Context, args []string, ec action.ExecContext) error {
	return h.execute(ctx, args, ec)
}

func handlerFunc(verb string, fn func(ctx context.Context, args []string, ec action.ExecContext) error) *funcHandler {
	return &funcHandler{
		spec:    action.Spec{Verb: verb, MaxArgs: action.Unbounded, Output: action.Streaming},
		execute: fn,
	}
}

type harness struct {
	engine   *Engine
	sessions *session.Registry
	sup      *supervisor.Supervisor
	adapter  *recordingAdapter
	journal  *memJournal
}

type harnessOptions struct {
	session session.Config
	engine  Config
	pairer  Pairer
}

func newHarness(t *testing.T, opts harnessOptions, handlers ...action.Handler) *harness {
	t.Helper()

	if opts.session.MaxConcurrent == 0 {
		opts.session.MaxConcurrent = 3
	}
	sessions := session.NewRegistry(opts.session, nil)

	actions := action.NewRegistry(ControlVerbs()...)
	for _, h := range handlers {
		require.NoError(t, actions.Register(h))
	}
	actions.Freeze()

	adapter := newRecordingAdapter()
	adapters := platform.NewRegistry()
	require.NoError(t, adapters.Register(adapter))

	sup := supervisor.New(supervisor.Config{WorkDir: t.TempDir()})
	ob := outbox.New(adapters, outbox.Config{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	j := &memJournal{}

	if opts.engine.TerminateGrace == 0 {
		opts.engine.TerminateGrace = 500 * time.Millisecond
	}
	engine, err := New(opts.engine, Deps{
		Sessions:   sessions,
		Actions:    actions,
		Supervisor: sup,
		Outbox:     ob,
		Adapters:   adapters,
		Journal:    j,
		Pairing:    opts.pairer,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		sup.Shutdown(100 * time.Millisecond)
	})

	return &harness{engine: engine, sessions: sessions, sup: sup, adapter: adapter, journal: j}
}

func (h *harness) authorize(t *testing.T, ids ...platform.Identity) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, h.sessions.Authorize(id, "test"))
	}
}

func (h *harness) send(from platform.Identity, text string) *Execution {
	return h.engine.Dispatch(context.Background(), platform.InboundMessage{
		Identity: from,
		Text:     text,
		SentAt:   time.Now(),
	})
}

func waitDone(t *testing.T, x *Execution, within time.Duration) Info {
	t.Helper()
	require.NotNil(t, x)
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	info, err := x.Wait(ctx)
	require.NoError(t, err, "execution %s did not finish, state %s", x.ID(), info.State)
	return info
}

func texts(msgs []platform.OutboundMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}
