package download

import (
	"context"
	"path/filepath"

	"github.com/ferry-project/ferry/Ferry/internal/fetcher"
	"github.com/ferry-project/ferry/Ferry/internal/storage"
	"github.com/ferry-project/ferry/Ferry/internal/transcoder"
)

// Stage names, reported in progress events and logs
const (
	StageFetchVideo = "fetch_video"
	StageFetchAudio = "fetch_audio"
	StageFetchCover = "fetch_cover"
	StageRemux      = "remux"
	StageTranscode  = "transcode"
)

// stage is one step of a job. run sends 0-100 on progress and must not close it.
type stage struct {
	name   string
	status storage.TaskStatus
	weight int
	run    func(ctx context.Context, progress chan<- int) error
}

// paths are the files a job reads and writes
type paths struct {
	dir    string
	output string
	cover  string
	temps  []string
}

// plan is the ordered stage list of one job
type plan struct {
	paths  paths
	stages []stage
}

// buildPaths derives every file name from the sanitized title.
// Temp names also carry the part id so that parts sharing a title do not clobber each other.
func buildPaths(kind Kind, dir, safeTitle, safePart string) paths {
	p := paths{dir: dir}
	stem := safeTitle + "_" + safePart
	switch kind {
	case KindFull:
		p.output = filepath.Join(dir, safeTitle+".mp4")
		p.temps = []string{
			filepath.Join(dir, stem+"_video.m4s"),
			filepath.Join(dir, stem+"_audio.m4s"),
		}
	case KindAudio:
		p.output = filepath.Join(dir, safeTitle+".mp3")
		p.temps = []string{filepath.Join(dir, stem+".m4s")}
	case KindCover:
		p.output = filepath.Join(dir, safeTitle+".jpg")
		p.cover = p.output
	}
	return p
}

// buildPlan returns the stages for the job kind. Weights add up to 100.
func buildPlan(job *Job, p paths, f fetcher.Fetcher, t transcoder.Transcoder) plan {
	fetch := func(url, dest string) func(context.Context, chan<- int) error {
		return func(ctx context.Context, progress chan<- int) error {
			return f.Fetch(ctx, url, dest, progress)
		}
	}

	var stages []stage
	switch job.Kind {
	case KindFull:
		video, audio := p.temps[0], p.temps[1]
		stages = []stage{
			{name: StageFetchVideo, status: storage.StatusFetching, weight: 40, run: fetch(job.VideoURL, video)},
			{name: StageFetchAudio, status: storage.StatusFetching, weight: 40, run: fetch(job.AudioURL, audio)},
			{name: StageRemux, status: storage.StatusMerging, weight: 20, run: func(ctx context.Context, progress chan<- int) error {
				return t.Remux(ctx, video, audio, p.output, progress)
			}},
		}
	case KindAudio:
		audio := p.temps[0]
		stages = []stage{
			{name: StageFetchAudio, status: storage.StatusFetching, weight: 60, run: fetch(job.AudioURL, audio)},
			{name: StageTranscode, status: storage.StatusConverting, weight: 40, run: func(ctx context.Context, progress chan<- int) error {
				return t.TranscodeAudio(ctx, audio, p.output, progress)
			}},
		}
	case KindCover:
		stages = []stage{
			{name: StageFetchCover, status: storage.StatusFetching, weight: 100, run: fetch(job.CoverURL, p.output)},
		}
	}
	return plan{paths: p, stages: stages}
}
