package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vietddude/healer/internal/core/domain"
)

// Config holds the HTTP executor settings.
type Config struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPExecutor talks JSON to a job runner:
//
//	POST   /runs       {pipeline_id, schema_hint} -> {id}
//	GET    /runs/{id}  -> RunStatus
//	DELETE /runs/{id}
type HTTPExecutor struct {
	base       string
	token      string
	httpClient *http.Client
}

// NewHTTPExecutor creates an executor for cfg.URL.
func NewHTTPExecutor(cfg Config) (*HTTPExecutor, error) {
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid executor url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExecutor{
		base:  strings.TrimRight(cfg.URL, "/"),
		token: cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

type submitRequest struct {
	PipelineID string                 `json:"pipeline_id"`
	SchemaHint *domain.SchemaSnapshot `json:"schema_hint,omitempty"`
}

// errorBody is what the runner returns on a rejected request.
type errorBody struct {
	Failure *domain.FailureSignal `json:"failure"`
	Error   string                `json:"error"`
}

func (e *HTTPExecutor) Submit(
	ctx context.Context,
	pipelineID string,
	schemaHint *domain.SchemaSnapshot,
) (RunHandle, error) {
	var handle RunHandle
	err := e.do(ctx, http.MethodPost, "/runs", submitRequest{PipelineID: pipelineID, SchemaHint: schemaHint}, &handle)
	if err != nil {
		return RunHandle{}, err
	}
	if handle.ID == "" {
		return RunHandle{}, fmt.Errorf("executor returned empty run id")
	}
	return handle, nil
}

func (e *HTTPExecutor) Status(ctx context.Context, handle RunHandle) (RunStatus, error) {
	var status RunStatus
	if err := e.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(handle.ID), nil, &status); err != nil {
		return RunStatus{}, err
	}
	return status, nil
}

func (e *HTTPExecutor) Cancel(ctx context.Context, handle RunHandle) error {
	return e.do(ctx, http.MethodDelete, "/runs/"+url.PathEscape(handle.ID), nil, nil)
}

func (e *HTTPExecutor) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executor %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil && eb.Failure != nil {
			return &FailureError{Signal: *eb.Failure}
		}
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
