package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/harun/p42r/pkg/action"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signalCall struct {
	pid   int32
	force bool
}

type fakeProcessTable struct {
	procs   []ProcessInfo
	listErr error

	mu      sync.Mutex
	signals []signalCall
}

func (f *fakeProcessTable) List(ctx context.Context) ([]ProcessInfo, error) {
	return f.procs, f.listErr
}

func (f *fakeProcessTable) Signal(ctx context.Context, pid int32, force bool) error {
	for _, p := range f.procs {
		if p.PID == pid {
			f.mu.Lock()
			f.signals = append(f.signals, signalCall{pid: pid, force: force})
			f.mu.Unlock()
			return nil
		}
	}
	return ErrNoSuchProcess
}

func sampleTable() *fakeProcessTable {
	return &fakeProcessTable{procs: []ProcessInfo{
		{PID: 1, Name: "systemd", Cmdline: "/sbin/init", User: "root", CPU: 0.1},
		{PID: 200, Name: "nginx", Cmdline: "nginx: master process", User: "root", CPU: 1.5},
		{PID: 201, Name: "nginx", Cmdline: "nginx: worker process", User: "www-data", CPU: 7.0},
		{PID: 300, Name: "python3", Cmdline: "python3 /srv/Worker.py", User: "app", CPU: 42.0, Memory: 12.5},
		{PID: 400, Name: "bash", Cmdline: "-bash", User: "alice", CPU: 0},
	}}
}

func TestListProcessesSortedByCPU(t *testing.T) {
	h := NewListProcesses(Config{Processes: sampleTable()})
	ec := newExecContext(t, "")

	require.NoError(t, h.Execute(testContext(t), nil, ec))
	lines := strings.Split(ec.text(), "\n")
	require.Len(t, lines, 6)
	assert.Contains(t, lines[0], "PID")
	assert.Contains(t, lines[1], "python3")
	assert.Contains(t, lines[2], "nginx")
	assert.Contains(t, lines[5], "bash")
}

func TestListProcessesFilterIsCaseInsensitive(t *testing.T) {
	h := NewListProcesses(Config{Processes: sampleTable()})
	ec := newExecContext(t, "WORKER")

	require.NoError(t, h.Execute(testContext(t), []string{"WORKER"}, ec))
	out := ec.text()
	assert.Contains(t, out, "python3")
	assert.Contains(t, out, "201")
	assert.NotContains(t, out, "systemd")
	assert.NotContains(t, out, " 200 ")
}

func TestListProcessesLimit(t *testing.T) {
	h := NewListProcesses(Config{Processes: sampleTable(), PSLimit: 2})
	ec := newExecContext(t, "")

	require.NoError(t, h.Execute(testContext(t), nil, ec))
	out := ec.text()
	assert.Contains(t, out, "(2 of 5 shown)")
	assert.NotContains(t, out, "bash")
}

func TestListProcessesNoMatch(t *testing.T) {
	h := NewListProcesses(Config{Processes: sampleTable()})
	ec := newExecContext(t, "")

	require.NoError(t, h.Execute(testContext(t), []string{"postgres"}, ec))
	assert.Equal(t, `No processes match "postgres".`, ec.text())
}

func TestListProcessesError(t *testing.T) {
	boom := errors.New("boom")
	h := NewListProcesses(Config{Processes: &fakeProcessTable{listErr: boom}})
	ec := newExecContext(t, "")

	assert.ErrorIs(t, h.Execute(testContext(t), nil, ec), boom)
}

func TestListProcessesSpec(t *testing.T) {
	spec := NewListProcesses(Config{}).Spec()
	assert.Equal(t, action.SingleShot, spec.Output)
	assert.False(t, spec.SpawnsProcess)
}
