// Package transcoder wraps ffmpeg for the two post-processing steps a
// download needs: muxing separate video/audio streams into mp4 and turning
// an audio stream into mp3.
package transcoder

import (
	"context"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"

	"github.com/ferry-project/ferry/Ferry/internal/config"
	"github.com/ferry-project/ferry/Ferry/internal/fsutil"
	"github.com/ferry-project/ferry/Ferry/internal/logger"
	"github.com/ferry-project/ferry/Ferry/internal/process"
)

// Transcoder runs post-processing steps.
// Progress values are integer percentages; the caller closes progress after the call returns.
type Transcoder interface {
	Remux(ctx context.Context, video, audio, out string, progress chan<- int) error
	TranscodeAudio(ctx context.Context, in, out string, progress chan<- int) error
}

var (
	durationPattern = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	timePattern     = regexp.MustCompile(`time=\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// FFmpeg implements Transcoder with the ffmpeg executable
type FFmpeg struct {
	bin       string
	extraArgs []string
	log       *logger.Logger
}

// NewFFmpeg creates a transcoder for the ffmpeg binary in tool.Path
func NewFFmpeg(tool config.ToolConfig, log *logger.Logger) (*FFmpeg, error) {
	extra, err := process.SplitArgs(tool.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg extra_args: %w", err)
	}
	bin := tool.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &FFmpeg{bin: bin, extraArgs: extra, log: log}, nil
}

// RemuxArgs copies the video stream and encodes audio to aac
func (f *FFmpeg) RemuxArgs(video, audio, out string) []string {
	args := []string{"-i", video, "-i", audio, "-c:v", "copy", "-c:a", "aac", "-strict", "experimental"}
	args = append(args, f.extraArgs...)
	return append(args, "-y", out)
}

// TranscodeAudioArgs encodes to VBR mp3
func (f *FFmpeg) TranscodeAudioArgs(in, out string) []string {
	args := []string{"-i", in, "-c:a", "libmp3lame", "-q:a", "2"}
	args = append(args, f.extraArgs...)
	return append(args, "-y", out)
}

// Remux merges video and audio into out
func (f *FFmpeg) Remux(ctx context.Context, video, audio, out string, progress chan<- int) error {
	return f.run(ctx, f.RemuxArgs(video, audio, out), out, progress)
}

// TranscodeAudio converts in to mp3 at out
func (f *FFmpeg) TranscodeAudio(ctx context.Context, in, out string, progress chan<- int) error {
	return f.run(ctx, f.TranscodeAudioArgs(in, out), out, progress)
}

func (f *FFmpeg) run(ctx context.Context, args []string, out string, progress chan<- int) error {
	tracker := &progressTracker{ch: progress, last: -1}
	cmd := process.Command{
		Bin:  f.bin,
		Args: args,
		Output: func(stream process.Stream, line string) {
			if stream == process.Stderr {
				tracker.feed(ctx, line)
			}
		},
	}
	f.log.WithField("out", out).Debugf("ffmpeg: %s", cmd.String())

	if err := process.Run(ctx, cmd); err != nil {
		// 半成品没有意义
		fsutil.RemoveIfExists(out)
		return fmt.Errorf("ffmpeg %s: %w", out, err)
	}
	if _, err := os.Stat(out); err != nil {
		return fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	return nil
}

// progressTracker turns ffmpeg stderr into percentages
type progressTracker struct {
	ch       chan<- int
	duration float64
	last     int
}

func (t *progressTracker) feed(ctx context.Context, line string) {
	if t.duration <= 0 {
		if d, ok := ParseDuration(line); ok && d > 0 {
			t.duration = d
		}
		return
	}
	pos, ok := ParseTime(line)
	if !ok || t.ch == nil {
		return
	}
	p := Percent(pos, t.duration)
	if p <= t.last {
		return
	}
	t.last = p
	select {
	case t.ch <- p:
	case <-ctx.Done():
	}
}

// ParseDuration reads the "Duration: HH:MM:SS.ff" header, in seconds
func ParseDuration(line string) (float64, bool) {
	return parseClock(durationPattern, line)
}

// ParseTime reads the "time=HH:MM:SS.ff" position, in seconds
func ParseTime(line string) (float64, bool) {
	return parseClock(timePattern, line)
}

func parseClock(re *regexp.Regexp, line string) (float64, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, err1 := strconv.Atoi(m[1])
	mins, err2 := strconv.Atoi(m[2])
	secs, err3 := strconv.ParseFloat(m[3], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return float64(hours)*3600 + float64(mins)*60 + secs, true
}

// Percent returns clamp(round(pos/duration*100), 0, 100)
func Percent(pos, duration float64) int {
	if duration <= 0 {
		return 0
	}
	p := int(math.Round(pos / duration * 100))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
