package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/araddon/dateparse"
	"github.com/avalanchegeo/eros-ingester/common"
	"github.com/avalanchegeo/eros-ingester/config"
	"github.com/avalanchegeo/eros-ingester/downloader"
	"github.com/avalanchegeo/eros-ingester/eros"
	"github.com/avalanchegeo/eros-ingester/interface/provider"
	"github.com/avalanchegeo/eros-ingester/service"
	"github.com/avalanchegeo/eros-ingester/service/log"
	"github.com/go-spatial/geom"
	"go.uber.org/zap"
)

type appConfig struct {
	ServiceURL   string
	EnvFile      string
	DatasetsFile string
	OutDir       string
	ReportDir    string

	KMLFile string
	BBox    *geom.Extent
	Point   *geom.Point

	Start time.Time
	End   time.Time

	PageSize     int
	Workers      int
	Retries      int
	RetryDelay   time.Duration
	PollInterval time.Duration
	Force        bool
	Extract      bool
}

func newAppConfig() (*appConfig, error) {
	config := appConfig{}
	flag.StringVar(&config.ServiceURL, "service-url", eros.DefaultServiceURL, "M2M service url")
	flag.StringVar(&config.EnvFile, "env-file", "", "path of the .env file with EROS_USER/EROS_PASSWORD (default: .env in the working directory)")
	flag.StringVar(&config.DatasetsFile, "datasets", "", "path of the yaml file listing the datasets to query (default: WORLDVIEW-1/2/3)")
	flag.StringVar(&config.OutDir, "outdir", "", "output directory for the downloaded products")
	flag.StringVar(&config.ReportDir, "report-dir", "", "directory where the run report is written as json (optional)")

	flag.StringVar(&config.KMLFile, "kml", "", "path of a kml file; its bounding box is the area of interest")
	bbox := flag.String("bbox", "", "area of interest as minLon,minLat,maxLon,maxLat")
	point := flag.String("point", "", "area of interest as lat,lon")

	startDate := flag.String("start-date", "", "start of the date range (any common format)")
	endDate := flag.String("end-date", "", "end of the date range (any common format, default: today)")
	days := flag.Int("days", 0, "relative date range: the last N days (alternative to -start-date)")

	flag.IntVar(&config.PageSize, "page-size", 100, "number of scenes per search page")
	flag.IntVar(&config.Workers, "workers", 4, "number of concurrent downloads")
	flag.IntVar(&config.Retries, "retries", 3, "number of retries of a transient failure")
	flag.DurationVar(&config.RetryDelay, "retry-delay", time.Second, "base delay of the exponential backoff between retries")
	flag.DurationVar(&config.PollInterval, "poll-interval", 30*time.Second, "wait between two download-retrieve calls")
	flag.BoolVar(&config.Force, "force", false, "re-download files that are already complete on disk")
	flag.BoolVar(&config.Extract, "extract", false, "unarchive the downloaded zip products")

	flag.Parse()

	if config.OutDir == "" {
		return nil, fmt.Errorf("missing outdir config flag")
	}

	// Area of interest
	nbAOI := 0
	if config.KMLFile != "" {
		nbAOI++
		extent, err := service.BoundingBoxFromKMLFile(config.KMLFile)
		if err != nil {
			return nil, err
		}
		config.BBox = extent
	}
	if *bbox != "" {
		nbAOI++
		extent, err := parseBBox(*bbox)
		if err != nil {
			return nil, err
		}
		config.BBox = extent
	}
	if *point != "" {
		nbAOI++
		p, err := parsePoint(*point)
		if err != nil {
			return nil, err
		}
		config.Point = p
	}
	if nbAOI != 1 {
		return nil, fmt.Errorf("exactly one of -kml, -bbox and -point must be given")
	}

	// Date range
	var err error
	config.End = time.Now()
	if *endDate != "" {
		if config.End, err = dateparse.ParseAny(*endDate); err != nil {
			return nil, fmt.Errorf("invalid end-date: %w", err)
		}
	}
	switch {
	case *startDate != "":
		if config.Start, err = dateparse.ParseAny(*startDate); err != nil {
			return nil, fmt.Errorf("invalid start-date: %w", err)
		}
	case *days > 0:
		config.Start = config.End.AddDate(0, 0, -*days)
	default:
		return nil, fmt.Errorf("missing date range: use -start-date or -days")
	}

	return &config, nil
}

func parseBBox(s string) (*geom.Extent, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed bbox %q: expecting minLon,minLat,maxLon,maxLat", s)
	}
	var values [4]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed bbox %q: %w", s, err)
		}
		values[i] = v
	}
	return geom.NewExtent([2]float64{values[0], values[1]}, [2]float64{values[2], values[3]}), nil
}

func parsePoint(s string) (*geom.Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed point %q: expecting lat,lon", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, fmt.Errorf("malformed point %q: %w", s, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("malformed point %q: %w", s, err)
	}
	return &geom.Point{lon, lat}, nil
}

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		log.Fatal("error", zap.Error(err))
	}
}

func run(ctx context.Context) error {
	appConfig, err := newAppConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds, err := config.LoadCredentials(appConfig.EnvFile)
	if err != nil {
		return err
	}
	datasets, err := config.LoadDatasets(appConfig.DatasetsFile)
	if err != nil {
		return err
	}

	retry := service.Policy{
		MaxAttempts: appConfig.Retries + 1,
		BaseDelay:   appConfig.RetryDelay,
		Jitter:      true,
	}
	client := eros.NewClient(appConfig.ServiceURL,
		eros.WithRetryPolicy(retry),
		eros.WithPollInterval(appConfig.PollInterval),
	)

	if err := client.Login(ctx, creds); err != nil {
		return err
	}
	defer func() {
		if err := client.Logout(ctx); err != nil {
			log.Logger(ctx).Warn("logout failed", zap.Error(err))
		}
	}()

	scenesFound := 0
	var requests []common.DownloadRequest
	var datasetErrs []common.Failure
	for _, dataset := range datasets {
		dctx := log.With(ctx, "dataset", dataset)
		query := eros.Query{
			Dataset:  dataset,
			Extent:   appConfig.BBox,
			Point:    appConfig.Point,
			Start:    appConfig.Start,
			End:      appConfig.End,
			PageSize: appConfig.PageSize,
		}

		scenes, err := searchDataset(dctx, client, query)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var notFound eros.ErrDatasetNotFound
			if errors.As(err, &notFound) {
				log.Logger(dctx).Warn(notFound.Error())
				continue
			}
			log.Logger(dctx).Warn("search failed", zap.Error(err))
			datasetErrs = append(datasetErrs, common.Failure{EntityID: dataset, Reason: err.Error()})
			continue
		}
		scenesFound += len(scenes)
		if len(scenes) == 0 {
			log.Logger(dctx).Info("search found no results")
			continue
		}
		log.Logger(dctx).Sugar().Infof("found %d scenes", len(scenes))

		reqs, err := client.RequestDownloads(dctx, scenes[0].Dataset, scenes)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Logger(dctx).Warn("download request failed", zap.Error(err))
			datasetErrs = append(datasetErrs, common.Failure{EntityID: dataset, Reason: err.Error()})
		}
		requests = append(requests, reqs...)
	}

	fetcher := provider.NewURLFetcher()
	fetcher.Extract = appConfig.Extract
	report, derr := downloader.ProcessRequests(ctx, fetcher, requests, downloader.Options{
		OutDir:  appConfig.OutDir,
		Workers: appConfig.Workers,
		Force:   appConfig.Force,
		Retry:   retry,
	})
	report.ScenesFound = scenesFound
	report.Failed += len(datasetErrs)
	report.Failures = append(report.Failures, datasetErrs...)

	log.Logger(ctx).Info(report.String())
	for _, failure := range report.Failures {
		log.Logger(ctx).Sugar().Warnf("failed %s/%s: %s", failure.EntityID, failure.ProductID, failure.Reason)
	}
	if err := service.ToJSON(report, appConfig.ReportDir, "report.json"); err != nil {
		log.Logger(ctx).Warn("report not written", zap.Error(err))
	}

	if derr != nil {
		return fmt.Errorf("run canceled: %w", derr)
	}
	if !report.Ok() {
		return fmt.Errorf("%d of %d downloads failed", report.Failed, report.Attempted)
	}
	return nil
}

// searchDataset resolves the dataset alias and drains the scene iterator
func searchDataset(ctx context.Context, client *eros.Client, query eros.Query) ([]common.Scene, error) {
	dataset, err := client.FindDataset(ctx, query)
	if err != nil {
		return nil, err
	}
	query.Dataset = dataset.Alias

	it, err := client.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	var scenes []common.Scene
	for {
		scene, err := it.Next(ctx)
		if err == eros.Done {
			return scenes, nil
		}
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, *scene)
	}
}
