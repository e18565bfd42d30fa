// Package process runs external tools (aria2c, ffmpeg) to completion.
// Output is delivered line by line, carriage returns included, so progress
// redraws reach the caller as they happen. Cancelling the context kills the
// whole process tree.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	// stderrTailSize is how much of stderr is kept for ExitError
	stderrTailSize = 4096
	// waitDelay bounds how long Wait blocks on pipes after the process is gone
	waitDelay = 5 * time.Second
)

// Stream identifies the pipe a line came from
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Handler is a callback function for process output.
// Calls are serialized.
type Handler func(stream Stream, line string)

// Command describes one tool invocation
type Command struct {
	Bin    string
	Args   []string
	Dir    string
	Env    []string // appended to os.Environ()
	Output Handler
}

// String renders the command line for logging
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Bin)
	for _, a := range c.Args {
		if strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// SpawnError reports a tool that could not be started
type SpawnError struct {
	Bin string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Bin, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitError reports a tool that exited with a non-zero code
type ExitError struct {
	Bin    string
	Code   int
	Stderr string // tail of stderr
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Bin, e.Code)
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		// 只取最后一行，完整内容在 Stderr 字段
		if i := strings.LastIndexAny(tail, "\r\n"); i >= 0 {
			tail = tail[i+1:]
		}
		msg += ": " + tail
	}
	return msg
}

// Run starts the command and waits for it.
// It returns ctx.Err() when the context ended a started run, *SpawnError when the
// binary could not be started (or ctx was already done) and *ExitError on a
// non-zero exit.
func Run(ctx context.Context, c Command) error {
	if err := ctx.Err(); err != nil {
		return &SpawnError{Bin: c.Bin, Err: err}
	}

	cmd := exec.CommandContext(ctx, c.Bin, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	setProcAttr(cmd)
	cmd.Cancel = func() error {
		return killTree(cmd.Process)
	}
	cmd.WaitDelay = waitDelay

	tail := &tailBuffer{max: stderrTailSize}
	var mu sync.Mutex
	emit := func(stream Stream, line string) {
		if c.Output == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		c.Output(stream, line)
	}

	stdout := newLineWriter(func(line string) { emit(Stdout, line) })
	stderr := newLineWriter(func(line string) {
		tail.WriteLine(line)
		emit(Stderr, line)
	})
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return &SpawnError{Bin: c.Bin, Err: err}
	}

	waitErr := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if waitErr == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &ExitError{Bin: c.Bin, Code: exitErr.ExitCode(), Stderr: tail.String()}
	}
	return &ExitError{Bin: c.Bin, Code: -1, Stderr: waitErr.Error()}
}

// lineWriter splits written bytes into lines on \n and \r
type lineWriter struct {
	buf []byte
	fn  func(string)
}

const maxLineSize = 1024 * 1024

func newLineWriter(fn func(string)) *lineWriter {
	return &lineWriter{fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	// 超长的行直接截断输出，避免无限增长
	if len(w.buf) > maxLineSize {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

// Flush emits a trailing partial line
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	if len(line) > 0 {
		w.fn(string(line))
	}
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// SplitArgs splits a shell-like argument string, honouring quotes
func SplitArgs(commandLine string) ([]string, error) {
	return splitCommandLineArgs(commandLine)
}

// splitCommandLineArgs splits a command line string into arguments
// Handles quoted strings and escape sequences
func splitCommandLineArgs(commandLine string) ([]string, error) {
	s := strings.TrimSpace(commandLine)
	if s == "" {
		return []string{}, nil
	}

	var out []string
	var cur strings.Builder

	allowSingle := !isWindows()
	inSingle := false
	inDouble := false
	// 引号包住的空串也算一个参数
	quoted := false

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		// Handle escape sequences
		if inDouble && c == '\\' {
			if i+1 < len(runes) && runes[i+1] == '"' {
				cur.WriteRune('"')
				i++
				continue
			}
			cur.WriteRune(c)
			continue
		}

		if allowSingle && inSingle && c == '\\' {
			if i+1 < len(runes) && runes[i+1] == '\'' {
				cur.WriteRune('\'')
				i++
				continue
			}
			cur.WriteRune(c)
			continue
		}

		// Handle quotes
		if c == '"' && !inSingle {
			inDouble = !inDouble
			quoted = true
			continue
		}

		if allowSingle && c == '\'' && !inDouble {
			inSingle = !inSingle
			quoted = true
			continue
		}

		// Handle whitespace (argument separator)
		if !inSingle && !inDouble && isSpace(c) {
			if cur.Len() > 0 || quoted {
				out = append(out, cur.String())
				cur.Reset()
				quoted = false
			}
			continue
		}

		cur.WriteRune(c)
	}

	if inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quote in %q", commandLine)
	}

	// Add last argument
	if cur.Len() > 0 || quoted {
		out = append(out, cur.String())
	}

	return out, nil
}

// isSpace returns true if the rune is a whitespace character
func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// isWindows returns true if running on Windows
func isWindows() bool {
	return runtime.GOOS == "windows"
}
