package fetcher

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/ferry-project/ferry/Ferry/internal/config"
	"github.com/ferry-project/ferry/Ferry/internal/logger"
	"github.com/ferry-project/ferry/Ferry/internal/process"
)

// aria2c 的进度行形如 [#2089b0 400KiB/33MiB(1.17%) CN:1 DL:115KiB ETA:4m51s]
var aria2cPercent = regexp.MustCompile(`\((\d+(?:\.\d+)?)%\)`)

// Aria2cFetcher drives the aria2c executable
type Aria2cFetcher struct {
	bin       string
	extraArgs []string
	opts      Options
	log       *logger.Logger
}

// NewAria2cFetcher creates a fetcher for the aria2c binary in tool.Path
func NewAria2cFetcher(tool config.ToolConfig, opts Options, log *logger.Logger) (*Aria2cFetcher, error) {
	extra, err := process.SplitArgs(tool.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("aria2c extra_args: %w", err)
	}
	bin := tool.Path
	if bin == "" {
		bin = "aria2c"
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Aria2cFetcher{bin: bin, extraArgs: extra, opts: opts, log: log}, nil
}

// Args builds the aria2c command line for one download
func (f *Aria2cFetcher) Args(url, dir, name string) []string {
	args := []string{
		url,
		"--dir=" + dir,
		"--out=" + name,
		"--max-connection-per-server=16",
		"--split=16",
		"--min-split-size=1M",
		"--console-log-level=notice",
		"--download-result=full",
		"--allow-overwrite=true",
		"--summary-interval=1",
	}
	for _, h := range f.opts.headerLines() {
		args = append(args, "--header="+h)
	}
	return append(args, f.extraArgs...)
}

// Fetch downloads url into a temp file and moves it to dest
func (f *Aria2cFetcher) Fetch(ctx context.Context, url, dest string, progress chan<- int) error {
	dir := f.opts.tempDir()
	name := tempName()
	tmp := filepath.Join(dir, name)

	sender := newProgressSender(progress)
	cmd := process.Command{
		Bin:  f.bin,
		Args: f.Args(url, dir, name),
		Output: func(_ process.Stream, line string) {
			if p, ok := ParseAria2cProgress(line); ok {
				sender.send(ctx, p)
			}
		},
	}
	f.log.WithField("dest", dest).Debugf("aria2c: %s", cmd.String())

	if err := process.Run(ctx, cmd); err != nil {
		cleanupTemp(tmp)
		return fmt.Errorf("aria2c %s: %w", url, err)
	}

	if err := deliver(tmp, dest); err != nil {
		cleanupTemp(tmp)
		return err
	}
	sender.send(ctx, 100)
	return nil
}

// ParseAria2cProgress extracts the integer percentage from an aria2c output line
func ParseAria2cProgress(line string) (int, bool) {
	m := aria2cPercent.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return int(v), true
}
