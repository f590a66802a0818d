package provider

import (
	"context"

	"github.com/avalanchegeo/eros-ingester/common"
)

// Fetcher is the interface of a file retrieval backend
type Fetcher interface {
	// Fetch streams the content of req.URL to req.LocalFile
	Fetch(ctx context.Context, req *common.DownloadRequest) error

	// Name of the fetcher
	Name() string
}
