// -----------------------------------------------------------------------
// Coordinator client - typed facade over the coordinator REST API
// -----------------------------------------------------------------------

package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/gleanr/gleaner/internal/common"
	"github.com/gleanr/gleaner/internal/models"
)

// LeaseTimeoutHeader carries the worker's effective lease timeout on claim
// updates so the coordinator hook evaluates staleness with the same window.
const LeaseTimeoutHeader = "X-Lease-Timeout-Ms"

// APIError is a non-2xx response from the coordinator after retries
type APIError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// IsNotFound reports whether err is a coordinator 404
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusNotFound
}

// ListResult is the coordinator's list envelope
type ListResult struct {
	Docs      []json.RawMessage `json:"docs"`
	TotalDocs int               `json:"totalDocs"`
}

// DecodeDocs unmarshals every doc of a list result into T
func DecodeDocs[T any](list *ListResult) ([]T, error) {
	out := make([]T, 0, len(list.Docs))
	for i, raw := range list.Docs {
		var doc T
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode doc %d: %w", i, err)
		}
		out = append(out, doc)
	}
	return out, nil
}

// Client talks to the coordinator over HTTP with an API-key header.
// Transient failures (network errors, 5xx, 429) are retried with
// doubling backoff up to maxRetries.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     arbor.ILogger
}

// New creates a coordinator client from configuration
func New(cfg *common.CoordinatorConfig, logger arbor.ILogger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff(),
		logger:     logger,
	}
}

// Find lists documents of a collection filtered by params
func (c *Client) Find(ctx context.Context, collection string, params FindParams) (*ListResult, error) {
	vals, err := params.encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode query for %s: %w", collection, err)
	}

	var result ListResult
	if err := c.do(ctx, http.MethodGet, "/api/"+collection, vals, nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FindByID fetches a single document by id into out
func (c *Client) FindByID(ctx context.Context, collection, id string, out interface{}) error {
	vals := url.Values{"depth": {"0"}}
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/api/%s/%s", collection, id), vals, nil, nil, out)
}

// Create inserts a document and decodes the created record into out (may be nil)
func (c *Client) Create(ctx context.Context, collection string, data interface{}, out interface{}) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal create body for %s: %w", collection, err)
	}
	headers := http.Header{"Content-Type": {"application/json"}}
	return c.do(ctx, http.MethodPost, "/api/"+collection, nil, headers, bytes.NewReader(body), out)
}

// quoteEscaper mirrors multipart's own filename escaping
var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// CreateWithFile inserts a document with an attached binary blob using a
// multipart body. The document fields travel in a "_payload" JSON part,
// the blob in a "file" part carrying its own Content-Type.
func (c *Client) CreateWithFile(ctx context.Context, collection string, data interface{}, filename, mimeType string, blob []byte, out interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal multipart payload for %s: %w", collection, err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("_payload", string(payload)); err != nil {
		return fmt.Errorf("failed to write multipart payload field: %w", err)
	}
	partHeader := textproto.MIMEHeader{}
	partHeader.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
	if mimeType != "" {
		partHeader.Set("Content-Type", mimeType)
	}
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		return fmt.Errorf("failed to create multipart file part: %w", err)
	}
	if _, err := part.Write(blob); err != nil {
		return fmt.Errorf("failed to write multipart file content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	headers := http.Header{"Content-Type": {writer.FormDataContentType()}}
	return c.do(ctx, http.MethodPost, "/api/"+collection, nil, headers, &buf, out)
}

// UpdateByID patches a document by id. Extra headers carry out-of-band
// hints such as the effective lease timeout on claim updates.
func (c *Client) UpdateByID(ctx context.Context, collection, id string, patch interface{}, extraHeaders http.Header, out interface{}) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal patch for %s/%s: %w", collection, id, err)
	}
	headers := http.Header{"Content-Type": {"application/json"}}
	for key, values := range extraHeaders {
		for _, v := range values {
			headers.Add(key, v)
		}
	}
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/%s/%s", collection, id), nil, headers, bytes.NewReader(body), out)
}

// UpdateWhere patches the documents matching where and returns the raw response
func (c *Client) UpdateWhere(ctx context.Context, collection string, where Where, patch interface{}) error {
	vals := url.Values{}
	if err := where.Encode(vals); err != nil {
		return fmt.Errorf("failed to encode where for %s update: %w", collection, err)
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal patch for %s: %w", collection, err)
	}
	headers := http.Header{"Content-Type": {"application/json"}}
	return c.do(ctx, http.MethodPatch, "/api/"+collection, vals, headers, bytes.NewReader(body), nil)
}

// Delete removes the documents matching where
func (c *Client) Delete(ctx context.Context, collection string, where Where) error {
	vals := url.Values{}
	if err := where.Encode(vals); err != nil {
		return fmt.Errorf("failed to encode where for %s delete: %w", collection, err)
	}
	return c.do(ctx, http.MethodDelete, "/api/"+collection, vals, nil, nil, nil)
}

// Count returns the number of documents matching where
func (c *Client) Count(ctx context.Context, collection string, where *Where) (int, error) {
	vals := url.Values{}
	if where != nil && !where.IsZero() {
		if err := where.Encode(vals); err != nil {
			return 0, fmt.Errorf("failed to encode where for %s count: %w", collection, err)
		}
	}
	var result struct {
		TotalDocs int `json:"totalDocs"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/%s/count", collection), vals, nil, nil, &result); err != nil {
		return 0, err
	}
	return result.TotalDocs, nil
}

// Me authenticates the API key and returns the worker record, or nil when
// the coordinator does not recognize the key.
func (c *Client) Me(ctx context.Context) (*models.Worker, error) {
	var result struct {
		User *models.Worker `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/workers/me", nil, nil, nil, &result); err != nil {
		return nil, err
	}
	return result.User, nil
}

// do executes one request with retry on transient failures. The request
// body is buffered up front so it can be replayed across attempts.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, headers http.Header, body io.Reader, out interface{}) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("failed to buffer request body: %w", err)
		}
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	backoff := c.backoff
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(bodyBytes))
		if err != nil {
			return fmt.Errorf("failed to build request %s %s: %w", method, path, err)
		}
		req.Header.Set("Authorization", "workers API-Key "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		for key, values := range headers {
			for _, v := range values {
				req.Header.Set(key, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("coordinator request %s %s failed: %w", method, path, err)
			c.logger.Debug().Err(err).Str("method", method).Str("path", path).Int("attempt", attempt+1).Msg("Coordinator request failed, will retry")
			continue
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("failed to read coordinator response: %w", readErr)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to decode coordinator response for %s %s: %w", method, path, err)
			}
			return nil
		}

		apiErr := &APIError{
			Status: resp.StatusCode,
			Method: method,
			Path:   path,
			Body:   truncate(string(respBody), 512),
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = apiErr
			c.logger.Debug().Int("status", resp.StatusCode).Str("method", method).Str("path", path).Int("attempt", attempt+1).Msg("Transient coordinator error, will retry")
			continue
		}
		return apiErr
	}

	return lastErr
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
