//go:build !windows

package handlers

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillHostProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	h := NewKillProcess(Config{})
	ec := newExecContext(t, "")
	require.NoError(t, h.Execute(testContext(t), []string{itoa(cmd.Process.Pid)}, ec))
	assert.Contains(t, ec.text(), "SIGTERM")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process was not terminated")
	}
}

func TestHostProcessesListsSelf(t *testing.T) {
	procs, err := HostProcesses{}.List(testContext(t))
	require.NoError(t, err)
	assert.NotEmpty(t, procs)
}
