//go:build unix

package process

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// kill sends SIGKILL to the child's process group, which shares its PID.
// The group ID can't be reused while any member is alive, so this is safe after the child was reaped.
func kill(p *os.Process, exited bool) error {
	err := unix.Kill(-p.Pid, unix.SIGKILL)
	if !errors.Is(err, unix.ESRCH) {
		return err
	}
	// the group is empty, or the child never got its own
	if exited {
		return nil
	}
	return p.Kill()
}
