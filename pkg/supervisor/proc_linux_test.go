//go:build linux

package supervisor

import (
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitExitedLeavesZombie(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 3")
	setProcessGroup(cmd)
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	require.True(t, waitExited(pid))
	assert.True(t, processGone(pid))
	// The unreaped leader still owns its pid and group id.
	assert.NoError(t, syscall.Kill(pid, 0))
	assert.NoError(t, killGroup(cmd))

	err := cmd.Wait()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
}
