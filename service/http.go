package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPPostJSON posts a JSON body, adding the given headers
func HTTPPostJSON(ctx context.Context, url string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPPostJSON: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	client := http.Client{}
	return client.Do(req)
}

// HTTPError is a non-2xx response from a remote service
type HTTPError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Body)
}

// CheckStatus maps a response status to an error, marking retriable statuses as temporary
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	err := error(HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: body})
	switch resp.StatusCode {
	case 408, 429, 500, 501, 502, 503, 504:
		return MakeTemporary(err)
	}
	return err
}
