package eros

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avalanchegeo/eros-ingester/common"
	"github.com/avalanchegeo/eros-ingester/service/log"
	"github.com/google/uuid"
)

// downloadOption is one download-options entry; additive fields are ignored
type downloadOption struct {
	ID           string `json:"id"`
	EntityID     string `json:"entityId"`
	Available    bool   `json:"available"`
	ProductName  string `json:"productName"`
	FilesizeByte int64  `json:"filesize"`
}

// readyDownload is one entry of download-request/download-retrieve results
type readyDownload struct {
	DownloadID json.Number `json:"downloadId"`
	EntityID   string      `json:"entityId"`
	ProductID  string      `json:"productId"`
	URL        string      `json:"url"`
}

// RequestDownloads asks the service for a signed URL for every available
// product of the scenes. The request is queued remotely and the URLs are
// polled until all of them are ready. Products rejected by the service are
// returned as failed requests; they do not abort the batch.
func (c *Client) RequestDownloads(ctx context.Context, dataset string, scenes []common.Scene) ([]common.DownloadRequest, error) {
	if len(scenes) == 0 {
		return nil, nil
	}

	products, err := c.downloadOptions(ctx, dataset, scenes)
	if err != nil {
		return nil, fmt.Errorf("RequestDownloads.%w", err)
	}
	if len(products) == 0 {
		log.Logger(ctx).Sugar().Warnf("[%s] no downloadable product among %d scenes", dataset, len(scenes))
		return nil, nil
	}

	// Tag the batch so that download-retrieve only returns our own queue entries.
	label := "eros-ingester-" + uuid.New().String()[:8]
	requests, err := c.downloadRequest(ctx, label, products)
	if err != nil {
		return nil, fmt.Errorf("RequestDownloads.%w", err)
	}

	if err := c.retrieveDownloads(ctx, label, requests); err != nil {
		return requests, fmt.Errorf("RequestDownloads.%w", err)
	}
	return requests, nil
}

// downloadOptions returns the available products for the scenes
func (c *Client) downloadOptions(ctx context.Context, dataset string, scenes []common.Scene) ([]common.Product, error) {
	entityIds := make([]string, len(scenes))
	for i, scene := range scenes {
		entityIds[i] = scene.EntityID
	}

	payload := map[string]interface{}{
		"datasetName": dataset,
		"entityIds":   entityIds,
	}
	data, err := c.sendRequest(ctx, "download-options", payload)
	if err != nil {
		return nil, err
	}
	var options []downloadOption
	if err := json.Unmarshal(data, &options); err != nil {
		return nil, fmt.Errorf("downloadOptions.Unmarshal: %w (response: %s)", err, data)
	}

	var products []common.Product
	for _, option := range options {
		if !option.Available {
			log.Logger(ctx).Sugar().Debugf("[%s] product %s of %s is not available", dataset, option.ID, option.EntityID)
			continue
		}
		products = append(products, common.Product{
			EntityID:  option.EntityID,
			ProductID: option.ID,
			Dataset:   dataset,
			SizeBytes: option.FilesizeByte,
		})
	}
	return products, nil
}

// downloadRequest queues the products for download and returns one request per
// product: pending ones (URL possibly still empty) and the remotely rejected
// ones already marked failed.
func (c *Client) downloadRequest(ctx context.Context, label string, products []common.Product) ([]common.DownloadRequest, error) {
	downloads := make([]map[string]string, len(products))
	byProduct := map[string]*common.DownloadRequest{}
	requests := make([]common.DownloadRequest, len(products))
	for i, product := range products {
		downloads[i] = map[string]string{"entityId": product.EntityID, "productId": product.ProductID}
		requests[i] = common.DownloadRequest{Product: product, Status: common.StatusPENDING}
		byProduct[product.EntityID+"/"+product.ProductID] = &requests[i]
	}

	payload := map[string]interface{}{
		"downloads": downloads,
		"label":     label,
	}
	data, err := c.sendRequest(ctx, "download-request", payload)
	if err != nil {
		return nil, err
	}

	results := struct {
		AvailableDownloads []readyDownload `json:"availableDownloads"`
		PreparingDownloads []readyDownload `json:"preparingDownloads"`
		FailedDownloads    []struct {
			EntityID     string `json:"entityId"`
			ProductID    string `json:"productId"`
			ErrorMessage string `json:"errorMessage"`
		} `json:"failed"`
	}{}
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("downloadRequest.Unmarshal: %w (response: %s)", err, data)
	}

	for _, failed := range results.FailedDownloads {
		req, ok := byProduct[failed.EntityID+"/"+failed.ProductID]
		if !ok {
			continue
		}
		req.Status = common.StatusFAILED
		if req.Message = failed.ErrorMessage; req.Message == "" {
			req.Message = "rejected by the service"
		}
		log.Logger(ctx).Sugar().Warnf("download of %s/%s rejected: %s", failed.EntityID, failed.ProductID, req.Message)
	}
	for _, available := range results.AvailableDownloads {
		fillRequest(requests, available)
	}
	return requests, nil
}

// retrieveDownloads polls download-retrieve until every pending request has a URL
func (c *Client) retrieveDownloads(ctx context.Context, label string, requests []common.DownloadRequest) error {
	payload := map[string]string{"label": label}
	for {
		missing := 0
		for _, req := range requests {
			if req.Status == common.StatusPENDING && req.URL == "" {
				missing++
			}
		}
		if missing == 0 {
			return nil
		}

		data, err := c.sendRequest(ctx, "download-retrieve", payload)
		if err != nil {
			return fmt.Errorf("retrieveDownloads.%w", err)
		}
		results := struct {
			Available []readyDownload `json:"available"`
			Requested []readyDownload `json:"requested"`
		}{}
		if err := json.Unmarshal(data, &results); err != nil {
			return fmt.Errorf("retrieveDownloads.Unmarshal: %w (response: %s)", err, data)
		}
		for _, available := range results.Available {
			fillRequest(requests, available)
		}
		// Some services report immediately usable entries under "requested"
		for _, available := range results.Requested {
			if available.URL != "" {
				fillRequest(requests, available)
			}
		}

		missing = 0
		for _, req := range requests {
			if req.Status == common.StatusPENDING && req.URL == "" {
				missing++
			}
		}
		if missing == 0 {
			return nil
		}

		log.Logger(ctx).Sugar().Infof("%d downloads are not ready, retrying in %s", missing, c.pollInterval)
		t := time.NewTimer(c.pollInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// fillRequest attaches the resolved URL to the matching request. The service
// does not always echo the productId, so the entityId is matched as a fallback.
func fillRequest(requests []common.DownloadRequest, ready readyDownload) {
	for i := range requests {
		req := &requests[i]
		if req.Status != common.StatusPENDING || req.URL != "" {
			continue
		}
		if req.Product.EntityID != ready.EntityID {
			continue
		}
		if ready.ProductID != "" && req.Product.ProductID != ready.ProductID {
			continue
		}
		req.DownloadID = ready.DownloadID.String()
		req.URL = ready.URL
		return
	}
}
