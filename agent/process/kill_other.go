//go:build !unix

package process

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr { return nil }

func kill(p *os.Process, exited bool) error {
	if exited {
		return nil
	}
	return p.Kill()
}
