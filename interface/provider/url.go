package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avalanchegeo/eros-ingester/common"
	"github.com/avalanchegeo/eros-ingester/service"
	"github.com/avalanchegeo/eros-ingester/service/log"
	"github.com/cavaliercoder/grab"
	"github.com/mholt/archiver"
)

// URLFetcher implements Fetcher for signed download links
type URLFetcher struct {
	client *grab.Client

	// Extract unarchives zip products next to the downloaded file
	Extract bool
}

// NewURLFetcher creates a new Fetcher for direct download links
func NewURLFetcher() *URLFetcher {
	return &URLFetcher{client: grab.NewClient()}
}

// Name implements Fetcher
func (f *URLFetcher) Name() string {
	return "URL"
}

// Fetch implements Fetcher. The file is downloaded to a .part file and renamed
// on completion, so that a file under its final name is always complete.
func (f *URLFetcher) Fetch(ctx context.Context, dreq *common.DownloadRequest) error {
	if dreq.URL == "" {
		return fmt.Errorf("URLFetcher: no url resolved for %s", dreq.Product.EntityID)
	}
	if dreq.LocalFile == "" {
		return fmt.Errorf("URLFetcher: no local file for %s", dreq.Product.EntityID)
	}

	partFile := dreq.LocalFile + ".part"
	req, err := grab.NewRequest(partFile, dreq.URL)
	if err != nil {
		return fmt.Errorf("URLFetcher.NewRequest: %w", err)
	}
	req = req.WithContext(ctx)

	if err := f.download(ctx, req, dreq.Product.EntityID); err != nil {
		return fmt.Errorf("URLFetcher.%w", err)
	}
	if err := os.Rename(partFile, dreq.LocalFile); err != nil {
		return fmt.Errorf("URLFetcher.Rename: %w", err)
	}

	if f.Extract && strings.HasSuffix(dreq.LocalFile, ".zip") {
		if err := unarchive(dreq.LocalFile, filepath.Dir(dreq.LocalFile)); err != nil {
			return fmt.Errorf("URLFetcher.Unarchive: %w", err)
		}
	}
	return nil
}

// download a file with display every 5%
func (f *URLFetcher) download(ctx context.Context, req *grab.Request, displayPrefix string) error {
	resp := f.client.Do(req)

	displayProgress(ctx, displayPrefix, resp, 0.05)

	if err := resp.Err(); err != nil {
		err = fmt.Errorf("download[%s]: %w", req.URL(), err)
		if resp.HTTPResponse == nil {
			return service.MakeTemporary(err)
		}
		switch resp.HTTPResponse.StatusCode {
		case 408, 429, 500, 501, 502, 503, 504:
			return service.MakeTemporary(err)
		default:
			return err
		}
	}
	return nil
}

func fmtBytes(bytes int64) string {
	v := float64(bytes)
	switch {
	case v > 1<<30:
		return fmt.Sprintf("%.2fGo", v/(1<<30))
	case v > 1<<20:
		return fmt.Sprintf("%.2fMo", v/(1<<20))
	case v > 1<<10:
		return fmt.Sprintf("%.2fko", v/(1<<10))
	default:
		return fmt.Sprintf("%.2fo", v)
	}
}

func displayProgress(ctx context.Context, prefix string, resp *grab.Response, progressPeriod float64) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	progress, lastBytes, seconds := 0.0, int64(0), int64(0)
	for {
		select {
		case <-t.C:
			seconds++
			if resp.Progress() > progress {
				log.Logger(ctx).Sugar().Debugf("%s: %.2f%% %s/%s (%s/s)", prefix, 100*resp.Progress(), fmtBytes(resp.BytesComplete()), fmtBytes(resp.Size), fmtBytes((resp.BytesComplete()-lastBytes)/seconds))
				seconds = 0
				progress += progressPeriod
				lastBytes = resp.BytesComplete()
			}

		case <-resp.Done:
			return
		}
	}
}

// unarchive file with basic check. All errors are temporary.
func unarchive(localZip, localDir string) error {
	tmpdir, err := os.MkdirTemp(localDir, filepath.Base(localZip))
	if err != nil {
		return service.MakeTemporary(err)
	}
	defer os.RemoveAll(tmpdir)
	if err := archiver.Unarchive(localZip, tmpdir); err != nil {
		return service.MakeTemporary(err)
	}
	files, err := os.ReadDir(tmpdir)
	if err != nil {
		return service.MakeTemporary(err)
	}
	if len(files) == 0 {
		return service.MakeTemporary(fmt.Errorf("empty zip"))
	}
	for _, f := range files {
		os.Rename(filepath.Join(tmpdir, f.Name()), filepath.Join(localDir, f.Name()))
	}
	return nil
}
