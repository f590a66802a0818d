package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/avalanchegeo/eros-ingester/common"
	"github.com/avalanchegeo/eros-ingester/interface/provider"
	"github.com/avalanchegeo/eros-ingester/service"
)

func pendingRequest(entityID, url string) common.DownloadRequest {
	return common.DownloadRequest{
		Product: common.Product{EntityID: entityID, ProductID: "BUNDLE", Dataset: "wv3_band"},
		URL:     url,
		Status:  common.StatusPENDING,
	}
}

// stubFetcher writes a small file, with a programmable failure per attempt
type stubFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(entityID string, attempt int) error
}

func newStubFetcher(fail func(entityID string, attempt int) error) *stubFetcher {
	return &stubFetcher{calls: map[string]int{}, fail: fail}
}

func (f *stubFetcher) Fetch(ctx context.Context, req *common.DownloadRequest) error {
	f.mu.Lock()
	f.calls[req.Product.EntityID]++
	attempt := f.calls[req.Product.EntityID]
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(req.Product.EntityID, attempt); err != nil {
			return err
		}
	}
	return os.WriteFile(req.LocalFile, []byte("content"), 0644)
}

func (f *stubFetcher) Name() string { return "stub" }

func (f *stubFetcher) count(entityID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[entityID]
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		OutDir: t.TempDir(),
		Retry:  service.Policy{MaxAttempts: 3},
	}
}

func TestProcessRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("zip content of " + r.URL.Path))
	}))
	defer srv.Close()

	requests := []common.DownloadRequest{
		pendingRequest("WV000001", srv.URL+"/WV000001.zip"),
		pendingRequest("WV000002", srv.URL+"/WV000002.zip"),
	}
	opts := testOptions(t)
	report, err := ProcessRequests(context.Background(), provider.NewURLFetcher(), requests, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Ok() || report.Succeeded != 2 || report.Attempted != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for _, req := range requests {
		if req.Status != common.StatusDONE {
			t.Errorf("%s: status %s (%s)", req.Product.EntityID, req.Status, req.Message)
		}
		content, err := os.ReadFile(req.LocalFile)
		if err != nil {
			t.Fatal(err)
		}
		if want := "zip content of /" + req.Product.EntityID + ".zip"; string(content) != want {
			t.Errorf("%s: content %q", req.Product.EntityID, content)
		}
	}
	// no partial file must survive a successful run
	leftovers, _ := filepath.Glob(filepath.Join(opts.OutDir, "*.part"))
	if len(leftovers) != 0 {
		t.Errorf("leftover partial files: %v", leftovers)
	}
}

func TestProcessRequestsPartialFailure(t *testing.T) {
	fetcher := newStubFetcher(func(entityID string, attempt int) error {
		if entityID == "WV000002" {
			return service.MakeTemporary(fmt.Errorf("connection reset"))
		}
		return nil
	})
	requests := []common.DownloadRequest{
		pendingRequest("WV000001", "https://dds.example.com/WV000001.zip"),
		pendingRequest("WV000002", "https://dds.example.com/WV000002.zip"),
	}
	report, err := ProcessRequests(context.Background(), fetcher, requests, testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	if report.Ok() {
		t.Error("report must not be ok")
	}
	if report.Succeeded != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Failures) != 1 || report.Failures[0].EntityID != "WV000002" {
		t.Fatalf("unexpected failures: %+v", report.Failures)
	}
	// transient failures are retried up to the policy before giving up
	if n := fetcher.count("WV000002"); n != 3 {
		t.Errorf("expected 3 attempts on the failing download, got %d", n)
	}
}

func TestProcessRequestsRetriesThenSucceeds(t *testing.T) {
	fetcher := newStubFetcher(func(entityID string, attempt int) error {
		if attempt < 3 {
			return service.MakeTemporary(fmt.Errorf("HTTP 500"))
		}
		return nil
	})
	requests := []common.DownloadRequest{pendingRequest("WV000001", "https://dds.example.com/WV000001.zip")}
	report, err := ProcessRequests(context.Background(), fetcher, requests, testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if n := fetcher.count("WV000001"); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestProcessRequestsPermanentFailureNotRetried(t *testing.T) {
	fetcher := newStubFetcher(func(entityID string, attempt int) error {
		return fmt.Errorf("HTTP 404")
	})
	requests := []common.DownloadRequest{pendingRequest("WV000001", "https://dds.example.com/WV000001.zip")}
	report, err := ProcessRequests(context.Background(), fetcher, requests, testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if n := fetcher.count("WV000001"); n != 1 {
		t.Errorf("permanent failure must not be retried, got %d attempts", n)
	}
}

func TestProcessRequestsSkipsExisting(t *testing.T) {
	opts := testOptions(t)
	requests := []common.DownloadRequest{
		pendingRequest("WV000001", "https://dds.example.com/WV000001.zip"),
		pendingRequest("WV000002", "https://dds.example.com/WV000002.zip"),
	}
	existing := common.ProductFilePath(opts.OutDir, requests[0].Product)
	if err := os.WriteFile(existing, []byte("previous run"), 0644); err != nil {
		t.Fatal(err)
	}

	fetcher := newStubFetcher(nil)
	report, err := ProcessRequests(context.Background(), fetcher, requests, opts)
	if err != nil {
		t.Fatal(err)
	}
	if report.Skipped != 1 || report.Succeeded != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if n := fetcher.count("WV000001"); n != 0 {
		t.Error("existing file must not be re-downloaded")
	}
	content, _ := os.ReadFile(existing)
	if string(content) != "previous run" {
		t.Error("existing file was overwritten")
	}
}

func TestProcessRequestsForce(t *testing.T) {
	opts := testOptions(t)
	opts.Force = true
	requests := []common.DownloadRequest{pendingRequest("WV000001", "https://dds.example.com/WV000001.zip")}
	existing := common.ProductFilePath(opts.OutDir, requests[0].Product)
	if err := os.WriteFile(existing, []byte("previous run"), 0644); err != nil {
		t.Fatal(err)
	}

	fetcher := newStubFetcher(nil)
	report, err := ProcessRequests(context.Background(), fetcher, requests, opts)
	if err != nil {
		t.Fatal(err)
	}
	if report.Succeeded != 1 || report.Skipped != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if n := fetcher.count("WV000001"); n != 1 {
		t.Errorf("expected 1 forced re-download, got %d", n)
	}
}

func TestProcessRequestsUpstreamFailureAccounted(t *testing.T) {
	rejected := pendingRequest("WV000002", "")
	rejected.Status = common.StatusFAILED
	rejected.Message = "scene is offline"
	requests := []common.DownloadRequest{
		pendingRequest("WV000001", "https://dds.example.com/WV000001.zip"),
		rejected,
	}

	fetcher := newStubFetcher(nil)
	report, err := ProcessRequests(context.Background(), fetcher, requests, testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	if report.Succeeded != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if n := fetcher.count("WV000002"); n != 0 {
		t.Error("a request rejected upstream must not be fetched")
	}
	if len(report.Failures) != 1 || report.Failures[0].Reason != "scene is offline" {
		t.Fatalf("unexpected failures: %+v", report.Failures)
	}
}
