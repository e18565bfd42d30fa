//go:build windows

package process

import (
	"os"
	"os/exec"
)

func setProcAttr(cmd *exec.Cmd) {}

// killTree kills the children first, then the process itself
func killTree(p *os.Process) error {
	if p == nil {
		return nil
	}
	killChildren(p.Pid)
	return p.Kill()
}
