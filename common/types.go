package common

import (
	"fmt"
	"time"
)

// Scene is one acquisition record returned by a scene-search.
// It is owned by the remote service and only cached for the duration of a run.
type Scene struct {
	EntityID     string    `json:"entity_id"`
	DisplayID    string    `json:"display_id,omitempty"`
	Dataset      string    `json:"dataset"`
	Date         time.Time `json:"date"`
	CloudCover   float64   `json:"cloud_cover,omitempty"`
	FootprintWKT string    `json:"footprint,omitempty"`
}

// Product is one downloadable product of a scene.
type Product struct {
	EntityID  string `json:"entity_id"`
	ProductID string `json:"product_id"`
	Dataset   string `json:"dataset"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// DownloadRequest tracks one product download from URL resolution to the local file.
type DownloadRequest struct {
	DownloadID string  `json:"download_id,omitempty"`
	Product    Product `json:"product"`
	URL        string  `json:"url,omitempty"`
	LocalFile  string  `json:"local_file,omitempty"`
	Status     Status  `json:"status"`
	Message    string  `json:"message,omitempty"`
}

// Failure describes one failed download of a run.
type Failure struct {
	EntityID  string `json:"entity_id"`
	ProductID string `json:"product_id"`
	Reason    string `json:"reason"`
}

// Report summarizes a run. Skipped counts files that were already on disk.
type Report struct {
	ScenesFound int       `json:"scenes_found"`
	Attempted   int       `json:"attempted"`
	Succeeded   int       `json:"succeeded"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	Failures    []Failure `json:"failures,omitempty"`
}

// Ok returns whether the run completed without any failure
func (r Report) Ok() bool {
	return r.Failed == 0
}

func (r Report) String() string {
	return fmt.Sprintf("%d scenes found, %d downloads attempted, %d succeeded, %d skipped, %d failed",
		r.ScenesFound, r.Attempted, r.Succeeded, r.Skipped, r.Failed)
}
