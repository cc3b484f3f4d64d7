// Package protocol implements the object-store REST protocol: request
// dispatch with retries, the XML wire documents, and typed operations
// for objects, listings, and multipart uploads.
package protocol

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/OSGeo/gdal-sub056/internal/credential"
	"github.com/OSGeo/gdal-sub056/internal/metrics"
	"github.com/OSGeo/gdal-sub056/internal/sign"
	vfserrors "github.com/OSGeo/gdal-sub056/pkg/errors"
	"github.com/OSGeo/gdal-sub056/pkg/retry"
)

// Client issues signed requests against one bucket. All operations
// retry transient failures per the configured policy; wrong-region
// responses restart the operation against the corrected endpoint
// without consuming the retry budget.
type Client struct {
	helper         sign.RequestHelper
	creds          *credential.Provider
	httpClient     *http.Client
	retryCfg       retry.Config
	requestTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Collector
}

// ClientOptions configures a protocol client.
type ClientOptions struct {
	Helper         sign.RequestHelper
	Credentials    *credential.Provider
	HTTPClient     *http.Client
	Retry          retry.Config
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Collector
}

// NewClient builds a client for the helper's bucket.
func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		helper:         opts.Helper,
		creds:          opts.Credentials,
		httpClient:     httpClient,
		retryCfg:       opts.Retry,
		requestTimeout: opts.RequestTimeout,
		logger:         logger.With("component", "protocol", "bucket", opts.Helper.Bucket()),
		metrics:        opts.Metrics,
	}
}

// Bucket returns the bucket this client addresses.
func (c *Client) Bucket() string { return c.helper.Bucket() }

// ForBucket returns a client against another bucket sharing this
// client's transport, credentials, and policy.
func (c *Client) ForBucket(bucket string) *Client {
	clone := *c
	clone.helper = c.helper.Clone(bucket)
	clone.logger = c.logger.With("bucket", bucket)
	return &clone
}

// Helper exposes the request helper for presigning.
func (c *Client) Helper() sign.RequestHelper { return c.helper }

// request describes one logical operation. The body, when present, must
// be fully buffered so the request can be re-sent on retry.
type request struct {
	method  string
	key     string
	query   string
	headers http.Header
	body    []byte
}

// response is a fully drained response.
type response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// do runs the request until success, a non-retryable failure, or retry
// exhaustion. Success means any status below 400 or one listed in
// okStatuses (pre-drain checks such as 416 handling sit in the callers).
func (c *Client) do(ctx context.Context, req request, okStatuses ...int) (*response, error) {
	policy := retry.NewPolicy(c.retryCfg)
	var lastErr error

	for {
		resp, err := c.attempt(ctx, req)
		if err == nil && c.accepted(resp.StatusCode, okStatuses) {
			return resp, nil
		}

		if err == nil {
			// Wrong region or endpoint redirect: fix addressing and go
			// again without touching the retry budget.
			if c.helper.CanRestartOnError(resp.StatusCode, resp.Body) {
				c.logger.Debug("restarting request after redirect",
					"verb", req.method, "key", req.key, "status", resp.StatusCode)
				continue
			}
			lastErr = c.errorFromResponse(req, resp)
		} else {
			lastErr = err
		}

		var httpResp *http.Response
		if err == nil {
			httpResp = &http.Response{StatusCode: resp.StatusCode, Header: resp.Header}
		}
		if !policy.CanRetry(httpResp, err) {
			return nil, lastErr
		}
		c.metrics.RecordRetry(req.method)
		c.logger.Warn("retrying request",
			"verb", req.method, "key", req.key,
			"attempt", policy.Attempts(), "delay", policy.CurrentDelay(),
			"error", lastErr)
		if err := policy.Sleep(ctx); err != nil {
			return nil, vfserrors.Wrap(vfserrors.ErrCodeOperationCanceled,
				"request canceled during retry backoff", err)
		}
	}
}

func (c *Client) accepted(status int, okStatuses []int) bool {
	if status < 400 {
		return true
	}
	for _, s := range okStatuses {
		if status == s {
			return true
		}
	}
	return false
}

// attempt sends the request once and drains the response.
func (c *Client) attempt(ctx context.Context, req request) (*response, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	u := c.helper.URL(req.key, req.query)
	var bodyReader io.Reader
	if req.body != nil {
		bodyReader = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), bodyReader)
	if err != nil {
		return nil, vfserrors.Wrap(vfserrors.ErrCodeInternalError, "failed to build request", err)
	}
	for name, vals := range req.headers {
		for _, v := range vals {
			httpReq.Header.Add(name, v)
		}
	}
	if name, value := c.helper.RequestPayerHeader(); name != "" {
		httpReq.Header.Set(name, value)
	}
	if req.body != nil {
		httpReq.ContentLength = int64(len(req.body))
	}

	payloadSHA := ""
	if req.body != nil {
		payloadSHA = sign.PayloadSHA256(req.body)
	}
	creds, err := c.creds.Get(ctx, c.helper.Bucket())
	if err != nil {
		return nil, err
	}
	c.helper.SignRequest(httpReq, creds, payloadSHA)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.RecordRequest(req.method, "transport_error")
		return nil, vfserrors.Wrap(vfserrors.ErrCodeNetworkError, "request failed", err).
			WithOperation(req.method).
			WithContext("key", req.key).
			WithRetryable(true)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.metrics.RecordRequest(req.method, "transport_error")
		return nil, vfserrors.Wrap(vfserrors.ErrCodeNetworkError, "failed to read response body", err).
			WithOperation(req.method).
			WithContext("key", req.key).
			WithRetryable(true)
	}
	c.metrics.RecordRequest(req.method, fmt.Sprintf("%d", httpResp.StatusCode))
	if req.method == http.MethodGet && httpResp.StatusCode < 300 {
		c.metrics.AddBytesDown(int64(len(body)))
	}
	if req.body != nil && httpResp.StatusCode < 300 {
		c.metrics.AddBytesUp(int64(len(req.body)))
	}
	return &response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

// errorFromResponse maps a failed response to a structured error.
func (c *Client) errorFromResponse(req request, resp *response) error {
	var doc ErrorDocument
	_ = xml.Unmarshal(resp.Body, &doc)

	code := vfserrors.ErrCodeOperationFailed
	switch {
	case resp.StatusCode == http.StatusNotFound && doc.Code == "NoSuchBucket":
		code = vfserrors.ErrCodeBucketNotFound
	case resp.StatusCode == http.StatusNotFound:
		code = vfserrors.ErrCodeObjectNotFound
	case resp.StatusCode == http.StatusForbidden:
		code = vfserrors.ErrCodeAccessDenied
	}

	msg := doc.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	e := vfserrors.New(code, fmt.Sprintf("%s %s: %s", req.method, req.key, msg)).
		WithOperation(req.method).
		WithContext("key", req.key).
		WithContext("status", fmt.Sprintf("%d", resp.StatusCode))
	if doc.Code != "" {
		e = e.WithContext("server_code", doc.Code)
	}
	if retry.RetryableStatus(resp.StatusCode) {
		e = e.WithRetryable(true)
	}
	return e
}

func decodeXML(body []byte, out interface{}) error {
	if err := xml.Unmarshal(body, out); err != nil {
		return vfserrors.Wrap(vfserrors.ErrCodeInvalidResponse,
			"failed to decode response document", err)
	}
	return nil
}
