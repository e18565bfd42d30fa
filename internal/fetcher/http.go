package fetcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/ferry-project/ferry/Ferry/internal/logger"
)

const httpProgressInterval = 200 * time.Millisecond

// HTTPFetcher downloads over plain HTTP when aria2c is not available
type HTTPFetcher struct {
	client *grab.Client
	opts   Options
	log    *logger.Logger
}

// NewHTTPFetcher creates the built-in fetcher
func NewHTTPFetcher(opts Options, log *logger.Logger) *HTTPFetcher {
	client := grab.NewClient()
	if opts.UserAgent != "" {
		client.UserAgent = opts.UserAgent
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &HTTPFetcher{client: client, opts: opts, log: log}
}

// Fetch downloads url into a temp file and moves it to dest
func (f *HTTPFetcher) Fetch(ctx context.Context, url, dest string, progress chan<- int) error {
	tmp := filepath.Join(f.opts.tempDir(), tempName())

	req, err := grab.NewRequest(tmp, url)
	if err != nil {
		return fmt.Errorf("http fetch %s: %w", url, err)
	}
	req = req.WithContext(ctx)
	req.NoResume = true
	if f.opts.Referer != "" {
		req.HTTPRequest.Header.Set("Referer", f.opts.Referer)
	}
	for name, value := range f.opts.Headers {
		req.HTTPRequest.Header.Set(name, value)
	}

	f.log.WithField("dest", dest).Debugf("http fetch: %s", url)
	sender := newProgressSender(progress)
	resp := f.client.Do(req)

	ticker := time.NewTicker(httpProgressInterval)
	defer ticker.Stop()

Loop:
	for {
		select {
		case <-ticker.C:
			sender.send(ctx, int(resp.Progress()*100))
		case <-resp.Done:
			break Loop
		}
	}

	if err := resp.Err(); err != nil {
		cleanupTemp(tmp)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("http fetch %s: %w", url, ctxErr)
		}
		return fmt.Errorf("http fetch %s: %w", url, err)
	}

	if err := deliver(tmp, dest); err != nil {
		return err
	}
	sender.send(ctx, 100)
	return nil
}
