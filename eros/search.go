package eros

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/avalanchegeo/eros-ingester/common"
	"github.com/avalanchegeo/eros-ingester/service/log"
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/go-spatial/geom/encoding/wkt"
)

// QueryError is an invalid set of search parameters, detected before any network call
type QueryError struct {
	Reason string
}

func (e QueryError) Error() string { return "invalid query: " + e.Reason }

// ErrDatasetNotFound is returned when dataset-search yields no dataset
type ErrDatasetNotFound struct {
	Name string
}

func (e ErrDatasetNotFound) Error() string { return "dataset not found: " + e.Name }

// Done is returned by SceneIterator.Next when the sequence is exhausted
var Done = errors.New("no more scenes")

// Query selects the scenes of one dataset over an area and a date range.
// Exactly one of Extent and Point must be set.
type Query struct {
	Dataset  string
	Extent   *geom.Extent
	Point    *geom.Point
	Start    time.Time
	End      time.Time
	PageSize int
}

func (q Query) validate() error {
	if q.Dataset == "" {
		return QueryError{Reason: "missing dataset"}
	}
	if (q.Extent == nil) == (q.Point == nil) {
		return QueryError{Reason: "exactly one of bounding box and point must be set"}
	}
	if q.Start.IsZero() || q.End.IsZero() {
		return QueryError{Reason: "missing date range"}
	}
	if q.End.Before(q.Start) {
		return QueryError{Reason: fmt.Sprintf("end date %s before start date %s",
			q.End.Format("2006-01-02"), q.Start.Format("2006-01-02"))}
	}
	return nil
}

// coordinate is a spatial filter corner
type coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// spatialFilter returns the M2M spatialFilter payload for the query
func (q Query) spatialFilter() interface{} {
	if q.Extent != nil {
		return struct {
			FilterType string     `json:"filterType"`
			LowerLeft  coordinate `json:"lowerLeft"`
			UpperRight coordinate `json:"upperRight"`
		}{
			FilterType: "mbr",
			LowerLeft:  coordinate{Latitude: q.Extent.MinY(), Longitude: q.Extent.MinX()},
			UpperRight: coordinate{Latitude: q.Extent.MaxY(), Longitude: q.Extent.MaxX()},
		}
	}
	return struct {
		FilterType string           `json:"filterType"`
		GeoJson    geojson.Geometry `json:"geoJson"`
	}{
		FilterType: "geojson",
		GeoJson:    geojson.Geometry{Geometry: *q.Point},
	}
}

// acquisitionFilter returns the M2M temporal payload for the query
func (q Query) acquisitionFilter() interface{} {
	return struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}{
		Start: q.Start.Format("2006-01-02"),
		End:   q.End.Format("2006-01-02"),
	}
}

// Dataset is one collection known to the service
type Dataset struct {
	Alias          string `json:"datasetAlias"`
	CollectionName string `json:"collectionName"`
	DatasetID      string `json:"datasetId"`
}

// FindDataset resolves the dataset named by the query via dataset-search,
// scoped by the query's spatial and temporal filters.
func (c *Client) FindDataset(ctx context.Context, q Query) (*Dataset, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	payload := map[string]interface{}{
		"datasetName":    q.Dataset,
		"spatialFilter":  q.spatialFilter(),
		"temporalFilter": q.acquisitionFilter(),
	}
	data, err := c.sendRequest(ctx, "dataset-search", payload)
	if err != nil {
		return nil, fmt.Errorf("FindDataset.%w", err)
	}
	var datasets []Dataset
	if err := json.Unmarshal(data, &datasets); err != nil {
		return nil, fmt.Errorf("FindDataset.Unmarshal: %w (response: %s)", err, data)
	}
	if len(datasets) == 0 {
		return nil, ErrDatasetNotFound{Name: q.Dataset}
	}
	log.Logger(ctx).Sugar().Debugf("dataset %s resolved to %s", q.Dataset, datasets[0].Alias)
	return &datasets[0], nil
}

// Search validates the query and returns a lazy scene iterator. Pages are
// fetched sequentially as the iterator advances; the sequence cannot be
// rewound, only a new Search can.
func (c *Client) Search(ctx context.Context, q Query) (*SceneIterator, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if q.PageSize <= 0 {
		q.PageSize = 100
	}
	return &SceneIterator{c: c, q: q, next: 1}, nil
}

// SceneIterator is a finite, non-restartable sequence of scenes, in service page order
type SceneIterator struct {
	c     *Client
	q     Query
	buf   []common.Scene
	next  int // startingNumber of the next page, 0 when exhausted
	total int
}

// Next returns the next scene, or Done when the sequence is exhausted
func (it *SceneIterator) Next(ctx context.Context) (*common.Scene, error) {
	for len(it.buf) == 0 {
		if it.next == 0 {
			return nil, Done
		}
		if err := it.fetchPage(ctx); err != nil {
			it.next = 0
			return nil, err
		}
	}
	scene := it.buf[0]
	it.buf = it.buf[1:]
	return &scene, nil
}

// TotalHits returns the number of matches reported by the service (known after the first page)
func (it *SceneIterator) TotalHits() int {
	return it.total
}

// sceneResult is one scene-search hit; unknown additive fields are ignored
type sceneResult struct {
	EntityID         string            `json:"entityId"`
	DisplayID        string            `json:"displayId"`
	CloudCover       json.Number       `json:"cloudCover"`
	SpatialCoverage  *geojson.Geometry `json:"spatialCoverage"`
	TemporalCoverage struct {
		StartDate string `json:"startDate"`
		EndDate   string `json:"endDate"`
	} `json:"temporalCoverage"`
	PublishDate string `json:"publishDate"`
}

func (it *SceneIterator) fetchPage(ctx context.Context) error {
	totalPages := "?"
	if it.total > 0 {
		totalPages = strconv.Itoa((it.total-1)/it.q.PageSize + 1)
	}
	log.Logger(ctx).Sugar().Debugf("[%s] search page %d/%s", it.q.Dataset, (it.next-1)/it.q.PageSize+1, totalPages)

	payload := map[string]interface{}{
		"datasetName":    it.q.Dataset,
		"maxResults":     it.q.PageSize,
		"startingNumber": it.next,
		"sceneFilter": map[string]interface{}{
			"spatialFilter":     it.q.spatialFilter(),
			"acquisitionFilter": it.q.acquisitionFilter(),
		},
	}
	data, err := it.c.sendRequest(ctx, "scene-search", payload)
	if err != nil {
		return fmt.Errorf("Search.%w", err)
	}

	results := struct {
		Results         []sceneResult `json:"results"`
		RecordsReturned int           `json:"recordsReturned"`
		TotalHits       int           `json:"totalHits"`
		NextRecord      int           `json:"nextRecord"`
	}{}
	if err := json.Unmarshal(data, &results); err != nil {
		return fmt.Errorf("Search.Unmarshal: %w (response: %s)", err, data)
	}

	it.total = results.TotalHits
	for _, raw := range results.Results {
		scene, err := it.parseScene(ctx, raw)
		if err != nil {
			return fmt.Errorf("Search.%w", err)
		}
		if scene != nil {
			it.buf = append(it.buf, *scene)
		}
	}

	// The service signals the end of the sequence with nextRecord = 0 or a
	// cursor that no longer advances.
	if results.RecordsReturned <= 0 || results.NextRecord <= it.next || results.NextRecord > results.TotalHits {
		it.next = 0
	} else {
		it.next = results.NextRecord
	}
	return nil
}

func (it *SceneIterator) parseScene(ctx context.Context, raw sceneResult) (*common.Scene, error) {
	if raw.EntityID == "" {
		return nil, fmt.Errorf("parseScene: missing entityId")
	}
	dateStr := raw.TemporalCoverage.StartDate
	if dateStr == "" {
		dateStr = raw.PublishDate
	}
	date, err := dateparse.ParseAny(dateStr)
	if err != nil {
		return nil, fmt.Errorf("parseScene[%s].ParseAny: %w", raw.EntityID, err)
	}
	// Keep only scenes acquired within the requested range, whatever slack the
	// service filter allows around day boundaries.
	if day := date.Truncate(24 * time.Hour); day.Before(it.q.Start.Truncate(24*time.Hour)) || day.After(it.q.End) {
		log.Logger(ctx).Sugar().Debugf("skipping %s acquired %s, out of range", raw.EntityID, date.Format("2006-01-02"))
		return nil, nil
	}

	scene := common.Scene{
		EntityID:  raw.EntityID,
		DisplayID: raw.DisplayID,
		Dataset:   it.q.Dataset,
		Date:      date,
	}
	if cc, err := raw.CloudCover.Float64(); err == nil {
		scene.CloudCover = cc
	}
	if raw.SpatialCoverage != nil && raw.SpatialCoverage.Geometry != nil {
		scene.FootprintWKT = wkt.MustEncode(raw.SpatialCoverage.Geometry)
	}
	return &scene, nil
}
