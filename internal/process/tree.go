package process

import (
	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// killChildren kills every descendant of pid, deepest first. Best effort.
func killChildren(pid int) {
	parent, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return
	}
	children, err := parent.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killChildren(int(child.Pid))
		child.Kill()
	}
}
