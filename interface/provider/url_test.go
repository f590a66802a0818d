package provider

import (
	"archive/zip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/avalanchegeo/eros-ingester/common"
	"github.com/avalanchegeo/eros-ingester/service"
)

func fetchRequest(dir, url string) *common.DownloadRequest {
	product := common.Product{EntityID: "WV000001", ProductID: "BUNDLE"}
	return &common.DownloadRequest{
		Product:   product,
		URL:       url,
		LocalFile: common.ProductFilePath(dir, product),
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("imagery"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	req := fetchRequest(dir, srv.URL+"/WV000001.zip")
	if err := NewURLFetcher().Fetch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(req.LocalFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "imagery" {
		t.Errorf("content %q", content)
	}
	if _, err := os.Stat(req.LocalFile + ".part"); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestFetchMissingURL(t *testing.T) {
	req := fetchRequest(t.TempDir(), "")
	if err := NewURLFetcher().Fetch(context.Background(), req); err == nil {
		t.Fatal("expected an error")
	}
}

func TestFetchErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		temporary bool
	}{
		{"not found is permanent", http.StatusNotFound, false},
		{"forbidden is permanent", http.StatusForbidden, false},
		{"unavailable is temporary", http.StatusServiceUnavailable, true},
		{"too many requests is temporary", http.StatusTooManyRequests, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			req := fetchRequest(t.TempDir(), srv.URL+"/WV000001.zip")
			err := NewURLFetcher().Fetch(context.Background(), req)
			if err == nil {
				t.Fatal("expected an error")
			}
			if service.Temporary(err) != tt.temporary {
				t.Errorf("Temporary(%v) = %v, want %v", err, !tt.temporary, tt.temporary)
			}
		})
	}
}

func TestFetchExtract(t *testing.T) {
	archive := makeZip(t, map[string]string{
		"WV000001/image.tif":    "raster",
		"WV000001/metadata.xml": "<meta/>",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	dir := t.TempDir()
	req := fetchRequest(dir, srv.URL+"/WV000001.zip")
	fetcher := NewURLFetcher()
	fetcher.Extract = true
	if err := fetcher.Fetch(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "WV000001", "image.tif"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "raster" {
		t.Errorf("content %q", content)
	}
	// the archive itself stays for the idempotence check of the next run
	if _, err := os.Stat(req.LocalFile); err != nil {
		t.Error(err)
	}
}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
