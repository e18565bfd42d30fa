// Package fetcher downloads one remote file to a local path.
// Files are written to a temp name first and moved into place when complete,
// so a destination path only ever holds a finished file.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/ferry-project/ferry/Ferry/internal/config"
	"github.com/ferry-project/ferry/Ferry/internal/fsutil"
	"github.com/ferry-project/ferry/Ferry/internal/logger"
	"github.com/google/uuid"
)

// Fetcher downloads url to dest.
// Progress values are integer percentages, strictly increasing. The caller
// owns progress and closes it after Fetch returns.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string, progress chan<- int) error
}

// Options holds the request settings shared by every backend
type Options struct {
	UserAgent string
	Referer   string
	Headers   map[string]string
	// TempDir defaults to os.TempDir()
	TempDir string
}

// OptionsFromConfig builds fetch options from the download config
func OptionsFromConfig(cfg config.DownloadConfig) Options {
	return Options{
		UserAgent: cfg.UserAgent,
		Referer:   cfg.Referer,
		Headers:   cfg.Headers,
	}
}

func (o Options) tempDir() string {
	if o.TempDir != "" {
		return o.TempDir
	}
	return os.TempDir()
}

// headerLines renders User-Agent, Referer then extra headers sorted by name
func (o Options) headerLines() []string {
	var lines []string
	if o.UserAgent != "" {
		lines = append(lines, "User-Agent: "+o.UserAgent)
	}
	if o.Referer != "" {
		lines = append(lines, "Referer: "+o.Referer)
	}
	names := make([]string, 0, len(o.Headers))
	for name := range o.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lines = append(lines, name+": "+o.Headers[name])
	}
	return lines
}

// MoveError reports a finished download that could not be moved into place
type MoveError struct {
	From string
	To   string
	Err  error
}

func (e *MoveError) Error() string {
	return fmt.Sprintf("move %s to %s: %v", e.From, e.To, e.Err)
}

func (e *MoveError) Unwrap() error {
	return e.Err
}

// tempName returns ferry_temp_<unixms>_<uuid8>.tmp
func tempName() string {
	return fmt.Sprintf("ferry_temp_%d_%s.tmp", time.Now().UnixMilli(), uuid.New().String()[:8])
}

// deliver moves the temp file to dest, removing it on failure
func deliver(tmp, dest string) error {
	if err := fsutil.MoveFile(tmp, dest); err != nil {
		os.Remove(tmp)
		return &MoveError{From: tmp, To: dest, Err: err}
	}
	return nil
}

// progressSender forwards strictly increasing percentages
type progressSender struct {
	ch   chan<- int
	last int
}

func newProgressSender(ch chan<- int) *progressSender {
	return &progressSender{ch: ch, last: -1}
}

func (s *progressSender) send(ctx context.Context, p int) {
	if s.ch == nil || p <= s.last {
		return
	}
	if p > 100 {
		p = 100
	}
	if p <= s.last {
		return
	}
	s.last = p
	select {
	case s.ch <- p:
	case <-ctx.Done():
	}
}

// New picks a backend: aria2c, http, or auto (aria2c when it can be found, http otherwise)
func New(backend string, tool config.ToolConfig, opts Options, log *logger.Logger) (Fetcher, error) {
	switch backend {
	case config.FetchBackendAria2c:
		return NewAria2cFetcher(tool, opts, log)
	case config.FetchBackendHTTP:
		return NewHTTPFetcher(opts, log), nil
	case config.FetchBackendAuto, "":
		path := tool.Path
		if path == "" {
			path = "aria2c"
		}
		if _, err := exec.LookPath(path); err == nil {
			return NewAria2cFetcher(tool, opts, log)
		}
		if log != nil {
			log.Warnf("aria2c not found at %q, falling back to built-in HTTP fetcher", path)
		}
		return NewHTTPFetcher(opts, log), nil
	default:
		return nil, fmt.Errorf("unknown fetch backend %q", backend)
	}
}

// IsCancelled reports whether err came from a cancelled fetch
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// cleanupTemp removes the temp file and aria2c's control file
func cleanupTemp(tmp string) {
	os.Remove(tmp)
	os.Remove(tmp + ".aria2")
}
