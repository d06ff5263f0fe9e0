package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
	"golang.org/x/text/unicode/norm"
)

// Client defaults.
const (
	defaultRequestTimeout = 30 * time.Second
	baseBackoff           = 500 * time.Millisecond
	maxBackoff            = 30 * time.Second
	maxRetries            = 4
	jitterPercent         = 25
	userAgent             = "fotosync/0.1"

	// subscribePollInterval drives the document subscription fallback loop.
	subscribePollInterval = 10 * time.Second
)

// Client is a REST client for the photo-AI backend. It implements
// DocumentStore, BlobStore, and InferenceService. Transient failures are
// retried in-flight with exponential backoff and jitter; whatever still
// fails surfaces as a classified *APIError for the sync engine to route.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      oauth2.TokenSource // nil = unauthenticated (tests, local stacks)
	logger     *slog.Logger
}

// NewClient creates a backend client. baseURL is the API root, e.g.
// "https://api.example.com". A nil httpClient gets a default with the
// request timeout applied.
func NewClient(baseURL string, httpClient *http.Client, token oauth2.TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
	}
}

// StaticTokenSource wraps a raw API token from the config file into an
// oauth2.TokenSource.
func StaticTokenSource(token string) oauth2.TokenSource {
	if token == "" {
		return nil
	}

	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
}

// backoff builds the retry strategy for one logical operation.
func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(baseBackoff)
	b = retry.WithJitterPercent(jitterPercent, b)
	b = retry.WithCappedDuration(maxBackoff, b)
	b = retry.WithMaxRetries(maxRetries, b)

	return b
}

// do executes one HTTP request with retry on transient failures. On a
// non-2xx final response it returns a classified *APIError. The caller owns
// the response body on success.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	endpoint := c.baseURL + path

	var resp *http.Response

	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("remote: building %s %s: %w", method, path, err)
		}

		c.setHeaders(req, body != nil)

		r, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("remote: request canceled: %w", ctx.Err())
			}

			// Network-level failure: retryable.
			c.logger.Warn("request failed, will retry",
				slog.String("method", method),
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			return retry.RetryableError(err)
		}

		if r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices {
			resp = r
			return nil
		}

		apiErr := newAPIError(r)
		r.Body.Close()

		if isRetryableStatus(r.StatusCode) {
			c.logger.Warn("retryable HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", r.StatusCode),
			)

			return retry.RetryableError(apiErr)
		}

		return apiErr
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// setHeaders applies auth, user agent, and content type.
func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	req.Header.Set("User-Agent", userAgent)

	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != nil {
		if tok, err := c.token.Token(); err == nil {
			tok.SetAuthHeader(req)
		}
	}
}

// newAPIError builds an *APIError from a non-2xx response.
func newAPIError(r *http.Response) *APIError {
	body, readErr := io.ReadAll(io.LimitReader(r.Body, 4096))
	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	return &APIError{
		StatusCode: r.StatusCode,
		RequestID:  r.Header.Get("X-Request-Id"),
		Message:    string(bytes.TrimSpace(body)),
		Err:        classifyStatus(r.StatusCode),
	}
}

// decodeJSON reads and closes the body into v.
func decodeJSON(r *http.Response, v any) error {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("remote: decoding response: %w", err)
	}

	return nil
}

// documentPath builds the REST path for a document, NFC-normalizing the
// caller-supplied segments so the same logical name always maps to the
// same remote key regardless of how the filesystem composed it.
func documentPath(collection, docID string) string {
	return "/v1/collections/" + url.PathEscape(norm.NFC.String(collection)) +
		"/documents/" + url.PathEscape(norm.NFC.String(docID))
}

// --- DocumentStore ---

// documentEnvelope is the wire shape for document responses.
type documentEnvelope struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (e *documentEnvelope) toDocument() *Document {
	return &Document{
		Collection: e.Collection,
		ID:         e.ID,
		Data:       e.Data,
		UpdatedAt:  e.UpdatedAt,
	}
}

// Get fetches a single document.
func (c *Client) Get(ctx context.Context, collection, docID string) (*Document, error) {
	resp, err := c.do(ctx, http.MethodGet, documentPath(collection, docID), nil)
	if err != nil {
		return nil, err
	}

	var env documentEnvelope
	if err := decodeJSON(resp, &env); err != nil {
		return nil, err
	}

	return env.toDocument(), nil
}

// Set creates or replaces a document.
func (c *Client) Set(ctx context.Context, collection, docID string, data json.RawMessage) (*Document, error) {
	return c.writeDocument(ctx, http.MethodPut, collection, docID, data)
}

// Update merges fields into an existing document.
func (c *Client) Update(ctx context.Context, collection, docID string, data json.RawMessage) (*Document, error) {
	return c.writeDocument(ctx, http.MethodPatch, collection, docID, data)
}

func (c *Client) writeDocument(ctx context.Context, method, collection, docID string, data json.RawMessage) (*Document, error) {
	resp, err := c.do(ctx, method, documentPath(collection, docID), data)
	if err != nil {
		return nil, err
	}

	var env documentEnvelope
	if err := decodeJSON(resp, &env); err != nil {
		return nil, err
	}

	return env.toDocument(), nil
}

// Delete removes a document. Deleting a missing document is not an error.
func (c *Client) Delete(ctx context.Context, collection, docID string) error {
	resp, err := c.do(ctx, http.MethodDelete, documentPath(collection, docID), nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}

		return err
	}

	resp.Body.Close()

	return nil
}

// List fetches every document in a collection.
func (c *Client) List(ctx context.Context, collection string) ([]Document, error) {
	path := "/v1/collections/" + url.PathEscape(norm.NFC.String(collection)) + "/documents"

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var envs []documentEnvelope
	if err := decodeJSON(resp, &envs); err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(envs))
	for i := range envs {
		docs = append(docs, *envs[i].toDocument())
	}

	return docs, nil
}

// Subscribe polls the collection and delivers full snapshots on the
// returned channel until ctx is canceled. The channel closes on cancel.
func (c *Client) Subscribe(ctx context.Context, collection string) (<-chan []Document, error) {
	out := make(chan []Document, 1)

	go func() {
		defer close(out)

		ticker := time.NewTicker(subscribePollInterval)
		defer ticker.Stop()

		for {
			docs, err := c.List(ctx, collection)
			if err != nil {
				c.logger.Warn("collection subscription poll failed",
					slog.String("collection", collection),
					slog.String("error", err.Error()),
				)
			} else {
				select {
				case out <- docs:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// --- BlobStore ---

// progressReader invokes a ProgressFunc as bytes pass through.
type progressReader struct {
	r        io.Reader
	total    int64
	sent     int64
	progress ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.sent += int64(n)
		if p.progress != nil {
			p.progress(p.sent, p.total)
		}
	}

	return n, err
}

// Upload streams a blob to the backend and returns its public URL.
// Progress callbacks fire on the uploading goroutine.
func (c *Client) Upload(
	ctx context.Context, path string, r io.Reader, size int64, meta BlobMetadata, progress ProgressFunc,
) (string, error) {
	endpoint := c.baseURL + "/v1/blobs/" + url.PathEscape(norm.NFC.String(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &progressReader{
		r:        r,
		total:    size,
		progress: progress,
	})
	if err != nil {
		return "", fmt.Errorf("remote: building upload request: %w", err)
	}

	req.ContentLength = size
	req.Header.Set("User-Agent", userAgent)

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req.Header.Set("Content-Type", contentType)

	if meta.Compressed {
		req.Header.Set("X-Fotosync-Compressed", "1")
	}

	if c.token != nil {
		if tok, tokenErr := c.token.Token(); tokenErr == nil {
			tok.SetAuthHeader(req)
		}
	}

	// Uploads are not retried in-flight: the body reader is not replayable
	// and the queue layer already provides retry semantics.
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("remote: upload canceled: %w", ctx.Err())
		}

		return "", fmt.Errorf("remote: uploading %s: %w", path, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := newAPIError(resp)
		resp.Body.Close()

		return "", apiErr
	}

	var result struct {
		URL string `json:"url"`
	}

	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}

	c.logger.Info("blob uploaded",
		slog.String("path", path),
		slog.Int64("size", size),
	)

	return result.URL, nil
}

// --- InferenceService ---

// jobSubmitResponse is the wire shape for job submission.
type jobSubmitResponse struct {
	JobID string `json:"job_id"`
}

// SubmitTraining starts a fine-tuning job and returns its id.
func (c *Client) SubmitTraining(ctx context.Context, params TrainingParams) (string, error) {
	return c.submitJob(ctx, "/v1/jobs/training", params)
}

// SubmitGeneration starts a generation job and returns its id.
func (c *Client) SubmitGeneration(ctx context.Context, params GenerationParams) (string, error) {
	return c.submitJob(ctx, "/v1/jobs/generation", params)
}

func (c *Client) submitJob(ctx context.Context, path string, params any) (string, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("remote: encoding job params: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", err
	}

	var result jobSubmitResponse
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}

	c.logger.Info("job submitted", slog.String("job_id", result.JobID), slog.String("path", path))

	return result.JobID, nil
}

// PollStatus fetches the current state of a job.
func (c *Client) PollStatus(ctx context.Context, jobID string) (*JobState, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}

	var state JobState
	if err := decodeJSON(resp, &state); err != nil {
		return nil, err
	}

	return &state, nil
}

// Compile-time interface checks.
var (
	_ DocumentStore    = (*Client)(nil)
	_ BlobStore        = (*Client)(nil)
	_ InferenceService = (*Client)(nil)
)
