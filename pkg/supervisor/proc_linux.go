//go:build linux

package supervisor

import (
	"errors"

	"golang.org/x/sys/unix"
)

// waitExited blocks until pid has exited but leaves it unreaped. While the
// zombie exists its pid, and with it the process group id, cannot be reused.
func waitExited(pid int) bool {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if !errors.Is(err, unix.EINTR) {
			return err == nil
		}
	}
}
