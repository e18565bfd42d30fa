package process

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// ToolInfo describes an external executable found (or not) on this machine
type ToolInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Found   bool   `json:"found"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

const lookupTimeout = 5 * time.Second

// LookupTool resolves path (a bare name or a file path) and runs it with
// versionArg to read the first line of its output.
func LookupTool(ctx context.Context, name, path, versionArg string) ToolInfo {
	info := ToolInfo{Name: name}
	if path == "" {
		path = name
	}

	resolved, err := exec.LookPath(path)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Path = resolved
	info.Found = true

	if versionArg == "" {
		return info
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	var first string
	err = Run(ctx, Command{
		Bin:  resolved,
		Args: []string{versionArg},
		Output: func(_ Stream, line string) {
			if first == "" {
				first = strings.TrimSpace(line)
			}
		},
	})
	if err != nil {
		info.Error = err.Error()
	}
	info.Version = first
	return info
}
