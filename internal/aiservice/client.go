// Package aiservice is the HTTP client for the Python AI indexing service.
package aiservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/nomoretears/backend/config"
	"github.com/nomoretears/backend/internal/metrics"
	"github.com/nomoretears/backend/pkg/apperr"
)

// maxErrorBody bounds how much of an error response is kept for logs.
const maxErrorBody = 2048

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: ai service returned %d: %s", e.Op, e.Status, e.Body)
}

// IndexResult is the response of POST index-video.
type IndexResult struct {
	TaskID string
	Status string
}

// SegmentRequest is the body of POST segment-video.
type SegmentRequest struct {
	VideoURL      string `json:"videoUrl"`
	LectureID     string `json:"lectureId"`
	VideoID       string `json:"videoId,omitempty"`
	TaskID        string `json:"taskId,omitempty"`
	CallbackURL   string `json:"callbackUrl,omitempty"`
	CallbackToken string `json:"callbackToken,omitempty"`
}

// SegmentResult is the response of POST segment-video. Segments are left raw; field naming
// varies between service versions and is normalized by the segments package.
type SegmentResult struct {
	Status        string           `json:"status"`
	LectureID     string           `json:"lectureId"`
	Segments      []map[string]any `json:"segments"`
	RawAIMetaData map[string]any   `json:"rawAiMetaData"`
	VideoID       string           `json:"-"`
}

// TaskStatus is the response of GET task-status.
type TaskStatus struct {
	TaskID  string `json:"taskId"`
	Status  string `json:"status"`
	AssetID string `json:"assetId"`
}

// Client calls the AI service. Short calls (health, index-video, task-status) share one timeout;
// segment-video has its own, much longer one and is never retried.
type Client struct {
	cfg    config.AIConfig
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates an AI service client.
func NewClient(cfg config.AIConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.SegmentTimeout <= 0 {
		cfg.SegmentTimeout = 20 * time.Minute
	}
	if cfg.HealthRetries < 0 {
		cfg.HealthRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{}, // per-call deadlines come from the context
		logger: logger,
	}
}

func (c *Client) apiURL(path string) string {
	prefix := "/" + strings.Trim(c.cfg.APIPrefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	return c.cfg.BaseURL + prefix + path
}

// Health performs one liveness check against GET /health.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	err := c.do(ctx, "health", http.MethodGet, c.cfg.BaseURL+"/health", nil, nil)
	observe("health", err)
	return err
}

// WaitHealthy checks health with the configured retries and constant delay. It returns an
// UpstreamUnavailable error when every attempt fails.
func (c *Client) WaitHealthy(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.Health(ctx)
	}, c.retryOptions("health")...)
	if err != nil {
		return apperr.Upstream("ai service unreachable", err)
	}
	return nil
}

// IndexVideo asks the service to index videoURL. A 4xx response is not retried.
func (c *Client) IndexVideo(ctx context.Context, videoURL, lectureID string) (IndexResult, error) {
	body := map[string]string{"videoUrl": videoURL, "lectureId": lectureID}
	res, err := backoff.Retry(ctx, func() (IndexResult, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
		var out struct {
			TaskID      string `json:"task_id"`
			TaskIDCamel string `json:"taskId"`
			Status      string `json:"status"`
		}
		err := c.do(attemptCtx, "index-video", http.MethodPost, c.apiURL("/index-video"), body, &out)
		observe("index-video", err)
		if err != nil {
			return IndexResult{}, permanentIfClientError(err)
		}
		taskID := out.TaskID
		if taskID == "" {
			taskID = out.TaskIDCamel
		}
		return IndexResult{TaskID: taskID, Status: out.Status}, nil
	}, c.retryOptions("index-video")...)
	if err != nil {
		return IndexResult{}, apperr.Upstream("index video", err)
	}
	return res, nil
}

// SegmentVideo runs segmentation and waits for the result. This can take many minutes.
func (c *Client) SegmentVideo(ctx context.Context, req SegmentRequest) (*SegmentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SegmentTimeout)
	defer cancel()
	var out struct {
		SegmentResult
		VideoIDSnake string `json:"video_id"`
		VideoIDCamel string `json:"videoId"`
	}
	start := time.Now()
	err := c.do(ctx, "segment-video", http.MethodPost, c.apiURL("/segment-video"), req, &out)
	metrics.SegmentationDuration.Observe(time.Since(start).Seconds())
	observe("segment-video", err)
	if err != nil {
		return nil, err
	}
	res := out.SegmentResult
	res.VideoID = out.VideoIDSnake
	if res.VideoID == "" {
		res.VideoID = out.VideoIDCamel
	}
	return &res, nil
}

// TaskStatus reads the state of an AI task (started, ready, failed).
func (c *Client) TaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	var out TaskStatus
	u := c.apiURL("/task-status") + "?taskId=" + url.QueryEscape(taskID)
	err := c.do(ctx, "task-status", http.MethodGet, u, nil, &out)
	observe("task-status", err)
	return out, err
}

func (c *Client) retryOptions(op string) []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(c.cfg.HealthRetries + 1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("ai service call failed, retrying",
				zap.String("op", op), zap.Duration("retry_in", next), zap.Error(err))
		}),
	}
}

func (c *Client) do(ctx context.Context, op, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func permanentIfClientError(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
		return backoff.Permanent(err)
	}
	return err
}

func observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.AIRequests.WithLabelValues(op, outcome).Inc()
}
