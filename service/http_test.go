package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCheckStatus(t *testing.T) {
	statuses := map[int]struct {
		err       bool
		temporary bool
	}{
		200: {false, false},
		201: {false, false},
		400: {true, false},
		401: {true, false},
		404: {true, false},
		408: {true, true},
		429: {true, true},
		500: {true, true},
		503: {true, true},
	}
	for code, expected := range statuses {
		resp := httptest.NewRecorder()
		resp.WriteHeader(code)
		err := CheckStatus(resp.Result())
		if (err != nil) != expected.err {
			t.Errorf("status %d: expected err=%v, got %v", code, expected.err, err)
		}
		if Temporary(err) != expected.temporary {
			t.Errorf("status %d: expected temporary=%v", code, expected.temporary)
		}
	}
}

func TestHTTPPostJSON(t *testing.T) {
	var gotContentType, gotToken, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotToken = r.Header.Get("X-Auth-Token")
		b := make([]byte, r.ContentLength)
		r.Body.Read(b)
		gotBody = string(b)
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("X-Auth-Token", "secret-key")
	resp, err := HTTPPostJSON(context.Background(), srv.URL, strings.NewReader(`{"a":1}`), header)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if gotContentType != "application/json" {
		t.Errorf("expected json content-type, got %s", gotContentType)
	}
	if gotToken != "secret-key" {
		t.Errorf("expected auth header, got %q", gotToken)
	}
	if gotBody != `{"a":1}` {
		t.Errorf("unexpected body %q", gotBody)
	}
}
