package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"invoiceingest/internal/config"
	"invoiceingest/internal/logging"
	"invoiceingest/internal/model"
)

// Wire statuses reported by the service.
const (
	statusSubmitted      = "SUBMITTED"
	statusInProgress     = "IN_PROGRESS"
	statusSucceeded      = "SUCCEEDED"
	statusPartialSuccess = "PARTIAL_SUCCESS"
	statusFailed         = "FAILED"
)

const jobStatusSchema = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "job_id": {"type": "string"},
    "status": {"enum": ["SUBMITTED", "IN_PROGRESS", "SUCCEEDED", "PARTIAL_SUCCESS", "FAILED"]},
    "error": {"type": "string"},
    "result": {
      "type": "object",
      "properties": {
        "fields": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["key", "value", "confidence"],
            "properties": {
              "key": {"type": "string"},
              "value": {"type": "string"},
              "confidence": {"type": "number", "minimum": 0, "maximum": 100}
            }
          }
        },
        "tables": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["cells"],
            "properties": {
              "cells": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["row", "column", "text"],
                  "properties": {
                    "row": {"type": "integer", "minimum": 0},
                    "column": {"type": "integer", "minimum": 0},
                    "text": {"type": "string"},
                    "confidence": {"type": "number", "minimum": 0, "maximum": 100}
                  }
                }
              }
            }
          }
        },
        "lines": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["text"],
            "properties": {
              "text": {"type": "string"},
              "confidence": {"type": "number", "minimum": 0, "maximum": 100}
            }
          }
        }
      }
    }
  },
  "if": {"properties": {"status": {"enum": ["SUCCEEDED", "PARTIAL_SUCCESS"]}}},
  "then": {"required": ["result"]}
}`

type submitRequest struct {
	Document DocumentRef `json:"document"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type statusResponse struct {
	JobID  string                   `json:"job_id"`
	Status string                   `json:"status"`
	Error  string                   `json:"error"`
	Result *model.ExtractionPayload `json:"result"`
}

// HTTPClient is the JSON-over-HTTP job client.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	http        *http.Client
	limiter     *rate.Limiter
	callTimeout time.Duration
	schema      *jsonschema.Schema
	log         *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client with an instrumented transport and an outbound rate limit.
func NewHTTPClient(cfg config.ExtractionConfig, log *slog.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("extraction base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("extraction base url: %w", err)
	}
	schema, err := jsonschema.CompileString("job_status.json", jobStatusSchema)
	if err != nil {
		return nil, fmt.Errorf("compile status schema: %w", err)
	}

	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter:     rate.NewLimiter(limit, burst),
		callTimeout: timeout,
		schema:      schema,
		log:         logging.Component(log, "extraction"),
	}, nil
}

// Submit posts the document reference and returns the job handle.
func (c *HTTPClient) Submit(ctx context.Context, ref DocumentRef) (string, error) {
	if err := ref.validate(); err != nil {
		return "", &SubmissionError{Detail: err.Error(), Err: err}
	}

	body, err := json.Marshal(submitRequest{Document: ref})
	if err != nil {
		return "", &SubmissionError{Err: fmt.Errorf("encode json: %w", err)}
	}

	raw, status, err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/jobs", body)
	if err != nil {
		// Transport faults and exhausted waits are transient from the caller's view.
		return "", &SubmissionError{Retryable: true, Err: err}
	}
	if status/100 != 2 {
		return "", &SubmissionError{
			StatusCode: status,
			Retryable:  retryableStatus(status),
			Detail:     errorDetail(raw),
		}
	}

	var resp submitResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.JobID == "" {
		return "", &SubmissionError{StatusCode: status, Detail: "response carried no job id"}
	}
	c.log.Info("job_submitted", "event", "extraction_submit", "key", ref.Key, "job_handle", resp.JobID)
	return resp.JobID, nil
}

// PollOnce fetches the job status. A 404 is reported as a failed job; other
// transport or server errors are returned so the caller can poll again.
func (c *HTTPClient) PollOnce(ctx context.Context, handle string) (PollResult, error) {
	raw, status, err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+url.PathEscape(handle), nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("poll %s: %w", handle, err)
	}
	switch {
	case status == http.StatusNotFound:
		return PollResult{Status: model.JobFailed, FailureDetail: "job not found: " + handle}, nil
	case status/100 != 2:
		return PollResult{}, fmt.Errorf("poll %s: unexpected status %d", handle, status)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return PollResult{}, fmt.Errorf("poll %s: decode: %w", handle, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return PollResult{}, fmt.Errorf("poll %s: response does not match schema: %w", handle, err)
	}
	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return PollResult{}, fmt.Errorf("poll %s: decode: %w", handle, err)
	}

	switch resp.Status {
	case statusSubmitted, statusInProgress:
		return PollResult{Status: model.JobRunning}, nil
	case statusSucceeded:
		return PollResult{Status: model.JobSucceeded, Payload: resp.Result}, nil
	case statusPartialSuccess:
		resp.Result.Partial = true
		return PollResult{Status: model.JobSucceeded, Payload: resp.Result}, nil
	default:
		return PollResult{Status: model.JobFailed, FailureDetail: resp.Error}, nil
	}
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body []byte) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("rate limit wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("extraction_call_failed", "method", method, "url", target, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	c.log.Debug("extraction_call", "method", method, "url", target, "status", resp.StatusCode,
		"bytes", len(raw), "elapsed_ms", time.Since(start).Milliseconds())
	return raw, resp.StatusCode, nil
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func errorDetail(raw []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
