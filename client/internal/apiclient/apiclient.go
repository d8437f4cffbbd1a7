package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	internal_errors "github.com/itchan-dev/chatsync/shared/errors"
	"github.com/itchan-dev/chatsync/shared/metrics"
	"github.com/itchan-dev/chatsync/shared/utils"
)

// APIClient handles all communication with the chat REST API.
type APIClient struct {
	BaseURL    string
	HttpClient *http.Client
	token      string
	sanitizer  *utils.Sanitizer
}

// New creates a client authenticating with a bearer token. An empty token
// sends unauthenticated requests.
func New(baseURL, token string) *APIClient {
	return &APIClient{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HttpClient: &http.Client{},
		token:      token,
	}
}

// WithSanitizer makes the client strip markup from every message body it
// returns.
func (c *APIClient) WithSanitizer(s *utils.Sanitizer) *APIClient {
	c.sanitizer = s
	return c
}

// do is the single helper for making API requests. op names the request in
// metrics.
func (c *APIClient) do(ctx context.Context, op, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create API request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.HttpClient.Do(req)
	if err != nil {
		metrics.ObserveRequest(op, "error", start)
		return nil, fmt.Errorf("backend unavailable: %w", err)
	}
	metrics.ObserveRequest(op, strconv.Itoa(resp.StatusCode), start)
	return resp, nil
}

func (c *APIClient) doJSON(ctx context.Context, op, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, op, method, path, body, contentType)
}

// readResponse closes resp and decodes its body into out (nil to discard).
// Non-2xx statuses become *ErrorWithStatusCode.
func readResponse(resp *http.Response, op string, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(bodyBytes))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &internal_errors.ErrorWithStatusCode{
			Message:    fmt.Sprintf("%s failed: %s", op, msg),
			StatusCode: resp.StatusCode,
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cannot decode %s response: %w", op, err)
	}
	return nil
}
