// Package backend talks to the plain HTTP endpoints of the analysis service:
// document upload and health.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/logchat/pkg/config"
)

var (
	ErrUploadFailed = errors.New("upload failed")
	ErrHealthFailed = errors.New("health check failed")
)

// UploadResult is the service's answer to a successful upload.
type UploadResult struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Chunks   int    `json:"chunks"`
	FileType string `json:"file_type"`
	Status   string `json:"status"`
}

// HealthStatus is the service's self report. Services maps a service name to
// "healthy" or a failure description.
type HealthStatus struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

func (h HealthStatus) Healthy() bool {
	return h.Status == "healthy"
}

type Client struct {
	uploadURL string
	healthURL string
	http      *retryablehttp.Client
	logger    zerolog.Logger
}

type Option func(*Client)

// WithRetryMax sets how many times a failed request is retried.
func WithRetryMax(n int) Option {
	return func(c *Client) {
		c.http.RetryMax = n
	}
}

func WithRetryWait(min, max time.Duration) Option {
	return func(c *Client) {
		c.http.RetryWaitMin = min
		c.http.RetryWaitMax = max
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http.HTTPClient = hc
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func New(settings config.Settings, options ...Option) (*Client, error) {
	uploadURL, err := settings.APIURL("upload")
	if err != nil {
		return nil, err
	}
	healthURL, err := settings.APIURL("health")
	if err != nil {
		return nil, err
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	// hand the last response back so status codes can be reported
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		uploadURL: uploadURL,
		healthURL: healthURL,
		http:      rc,
		logger:    log.With().Str("component", "backend").Logger(),
	}
	for _, opt := range options {
		opt(c)
	}
	rc.Logger = leveledLogger{c.logger}
	return c, nil
}

// Upload posts the document as the multipart field "file".
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (*UploadResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, errors.Wrap(err, "create form file")
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, errors.Wrapf(err, "read %s", filename)
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "finish multipart body")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, body.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "build upload request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	c.logger.Debug().Str("file", filename).Int("bytes", body.Len()).Msg("uploading document")
	resp, err := c.do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrUploadFailed, "post %s: %v", c.uploadURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Wrapf(ErrUploadFailed, "%s: %s", resp.Status, readDetail(resp.Body))
	}

	var res UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, errors.Wrapf(ErrUploadFailed, "decode response: %v", err)
	}
	if res.FileID == "" {
		return nil, errors.Wrap(ErrUploadFailed, "response carries no file_id")
	}
	c.logger.Info().Str("file_id", res.FileID).Int("chunks", res.Chunks).Msg("document uploaded")
	return &res, nil
}

func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build health request")
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrHealthFailed, "get %s: %v", c.healthURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Wrapf(ErrHealthFailed, "%s: %s", resp.Status, readDetail(resp.Body))
	}
	var hs HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return nil, errors.Wrapf(ErrHealthFailed, "decode response: %v", err)
	}
	return &hs, nil
}

func (c *Client) do(req *retryablehttp.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return resp, nil
}

// readDetail returns the FastAPI style {"detail": ...} message, or the start
// of the raw body.
func readDetail(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var payload struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(b, &payload) == nil && payload.Detail != "" {
		return payload.Detail
	}
	return string(bytes.TrimSpace(b))
}

// leveledLogger routes retryablehttp's logging into zerolog.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) {
	withFields(l.logger.Error(), kv).Msg(msg)
}

func (l leveledLogger) Warn(msg string, kv ...interface{}) {
	withFields(l.logger.Warn(), kv).Msg(msg)
}

func (l leveledLogger) Info(msg string, kv ...interface{}) {
	withFields(l.logger.Debug(), kv).Msg(msg)
}

func (l leveledLogger) Debug(msg string, kv ...interface{}) {
	withFields(l.logger.Trace(), kv).Msg(msg)
}

func withFields(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		switch v := kv[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case string:
			e = e.Str(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}
