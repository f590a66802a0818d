// Package eros is a client for the USGS/EROS Inventory Service (M2M) JSON API.
// https://m2m.cr.usgs.gov/api/docs/json/
package eros

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avalanchegeo/eros-ingester/config"
	"github.com/avalanchegeo/eros-ingester/service"
	"github.com/avalanchegeo/eros-ingester/service/log"
)

// DefaultServiceURL is the stable M2M endpoint
const DefaultServiceURL = "https://m2m.cr.usgs.gov/api/api/json/stable/"

const authHeader = "X-Auth-Token"

// AuthError is a rejected login or an invalidated session
type AuthError struct {
	Err error
}

func (e AuthError) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }
func (e AuthError) Unwrap() error { return e.Err }

// ApiError propagates an error code/message returned by the service
type ApiError struct {
	Endpoint string
	Code     string
	Message  string
}

func (e ApiError) Error() string {
	return fmt.Sprintf("%s: %s - %s", e.Endpoint, e.Code, e.Message)
}

// Client is an M2M session. It is not safe to call Login/Logout concurrently
// with other operations; the session key is read-only between the two.
type Client struct {
	serviceURL   string
	retry        service.Policy
	pollInterval time.Duration
	apiKey       string
}

// Option configures a Client
type Option func(*Client)

// WithRetryPolicy sets the retry policy for transient failures
func WithRetryPolicy(p service.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// WithPollInterval sets the wait between two download-retrieve calls
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// NewClient creates an M2M client for the given service URL (DefaultServiceURL if empty)
func NewClient(serviceURL string, opts ...Option) *Client {
	if serviceURL == "" {
		serviceURL = DefaultServiceURL
	}
	if !strings.HasSuffix(serviceURL, "/") {
		serviceURL += "/"
	}
	c := &Client{
		serviceURL:   serviceURL,
		retry:        service.DefaultPolicy(),
		pollInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges the credentials for a session key.
// Every subsequent call uses the key until Logout.
func (c *Client) Login(ctx context.Context, creds config.Credentials) error {
	payload := map[string]string{"username": creds.Username, "password": creds.Password}
	data, err := c.sendRequest(ctx, "login", payload)
	if err != nil {
		var aerr AuthError
		if errors.As(err, &aerr) {
			return err
		}
		return AuthError{Err: err}
	}
	var key string
	if err := json.Unmarshal(data, &key); err != nil || key == "" {
		return AuthError{Err: fmt.Errorf("no api key in login response")}
	}
	c.apiKey = key
	log.Logger(ctx).Info("logged into " + c.serviceURL)
	return nil
}

// LoggedIn returns whether the client holds a session key
func (c *Client) LoggedIn() bool {
	return c.apiKey != ""
}

// Logout invalidates the session key. It must be called exactly once per
// successful Login, including on error paths; calling it without a session is
// a no-op. A canceled run context is replaced so that the key is always revoked.
func (c *Client) Logout(ctx context.Context) error {
	if c.apiKey == "" {
		return nil
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}
	_, err := c.sendRequest(ctx, "logout", nil)
	c.apiKey = ""
	if err != nil {
		return fmt.Errorf("Logout.%w", err)
	}
	log.Logger(ctx).Info("logged out")
	return nil
}

// envelope wraps every M2M response
type envelope struct {
	ErrorCode    *string         `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
	Data         json.RawMessage `json:"data"`
}

// sendRequest posts the payload to the endpoint and unwraps the response
// envelope, retrying transient failures with the client policy.
func (c *Client) sendRequest(ctx context.Context, endpoint string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("sendRequest.Marshal: %w", err)
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set(authHeader, c.apiKey)
	}

	url := c.serviceURL + endpoint
	var data json.RawMessage
	err = c.retry.Do(ctx, func() error {
		resp, err := service.HTTPPostJSON(ctx, url, bytes.NewReader(body), header)
		if err != nil {
			return service.MakeTemporary(fmt.Errorf("sendRequest[%s]: %w", endpoint, err))
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			b, _ := io.ReadAll(resp.Body)
			return AuthError{Err: fmt.Errorf("%s: %s", resp.Status, b)}
		}
		if err := service.CheckStatus(resp); err != nil {
			return fmt.Errorf("sendRequest[%s].%w", endpoint, err)
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return service.MakeTemporary(fmt.Errorf("sendRequest[%s].ReadAll: %w", endpoint, err))
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("sendRequest[%s].Unmarshal: %w (response: %s)", endpoint, err, raw)
		}
		if env.ErrorCode != nil && *env.ErrorCode != "" {
			return apiError(endpoint, *env.ErrorCode, env.ErrorMessage)
		}
		data = env.Data
		return nil
	})
	return data, err
}

// apiError maps a service error code to the error taxonomy
func apiError(endpoint, code, message string) error {
	err := ApiError{Endpoint: endpoint, Code: code, Message: message}
	switch code {
	case "AUTH_INVALID", "AUTH_UNAUTHORIZED", "AUTH_KEY_INVALID":
		return AuthError{Err: err}
	case "RATE_LIMIT", "RATE_LIMIT_USER", "SERVER_ERROR":
		return service.MakeTemporary(err)
	}
	return err
}
