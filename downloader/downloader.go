// Package downloader turns a batch of resolved download requests into local
// files, with a bounded worker pool and partial-failure semantics: one bad
// download never aborts the batch.
package downloader

import (
	"context"
	"fmt"
	"os"

	"github.com/avalanchegeo/eros-ingester/common"
	"github.com/avalanchegeo/eros-ingester/interface/provider"
	"github.com/avalanchegeo/eros-ingester/service"
	"github.com/avalanchegeo/eros-ingester/service/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options of a batch run
type Options struct {
	// OutDir is where the files are written, one file per product
	OutDir string
	// Workers bounds the number of concurrent downloads (default 4)
	Workers int
	// Force re-downloads files that are already complete on disk
	Force bool
	// Retry drives the retry of transient download failures
	Retry service.Policy
}

// ProcessRequests downloads every request of the batch and reports the outcome
// of each one. Requests already failed upstream are only accounted for.
// The only returned error is the cancellation of ctx.
func ProcessRequests(ctx context.Context, fetcher provider.Fetcher, requests []common.DownloadRequest, opts Options) (common.Report, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if err := os.MkdirAll(opts.OutDir, 0766); err != nil {
		return common.Report{}, fmt.Errorf("ProcessRequests: make directory %s: %w", opts.OutDir, err)
	}

	// Already-downloaded files, for idempotent re-runs
	existing, err := service.ListDir(opts.OutDir)
	if err != nil {
		return common.Report{}, fmt.Errorf("ProcessRequests.%w", err)
	}

	wg, wctx := errgroup.WithContext(ctx)
	jobChan := make(chan *common.DownloadRequest, len(requests))

	for i := 0; i < opts.Workers && i < len(requests); i++ {
		wg.Go(func() error {
			return worker(wctx, fetcher, jobChan, existing, opts)
		})
	}

	for i := range requests {
		if requests[i].Status == common.StatusPENDING {
			jobChan <- &requests[i]
		}
	}
	close(jobChan)

	werr := wg.Wait()
	return makeReport(requests), werr
}

// worker processes jobs until the channel is closed or the run is canceled
func worker(ctx context.Context, fetcher provider.Fetcher, jobChan <-chan *common.DownloadRequest, existing service.StringSet, opts Options) error {
	for req := range jobChan {
		// Stop issuing new requests once the run is canceled
		if err := ctx.Err(); err != nil {
			return err
		}

		name := common.ProductFileName(req.Product)
		req.LocalFile = common.ProductFilePath(opts.OutDir, req.Product)
		if !opts.Force && existing.Exists(name) {
			req.Status = common.StatusDONE
			req.Message = "already downloaded"
			log.Logger(ctx).Sugar().Debugf("skipping %s: already downloaded", name)
			continue
		}

		req.Status = common.StatusINPROGRESS
		log.Logger(ctx).Sugar().Infof("downloading %s from %s", name, fetcher.Name())
		err := opts.Retry.Do(ctx, func() error {
			return fetcher.Fetch(ctx, req)
		})
		if err != nil {
			req.Status = common.StatusFAILED
			req.Message = err.Error()
			log.Logger(ctx).Warn("download failed", zap.String("file", name), zap.Error(err))
			continue
		}
		req.Status = common.StatusDONE
		log.Logger(ctx).Sugar().Infof("successfully downloaded %s", name)
	}
	return nil
}

func makeReport(requests []common.DownloadRequest) common.Report {
	report := common.Report{Attempted: len(requests)}
	for _, req := range requests {
		switch req.Status {
		case common.StatusDONE:
			if req.Message == "already downloaded" {
				report.Skipped++
			} else {
				report.Succeeded++
			}
		default:
			// pending and in-progress requests of a canceled run count as failed
			report.Failed++
			reason := req.Message
			if reason == "" {
				reason = "canceled"
			}
			report.Failures = append(report.Failures, common.Failure{
				EntityID:  req.Product.EntityID,
				ProductID: req.Product.ProductID,
				Reason:    reason,
			})
		}
	}
	return report
}
