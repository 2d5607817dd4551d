// Package llm talks to the section processing service.
package llm

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
)

// Response statuses returned by the processor.
const (
	StatusCompleted = "completed"
	StatusPaused    = "paused"
)

var ErrMalformedResponse = errors.New("malformed processor response")

type ProcessRequest struct {
	DocID string `json:"doc_id"`
	ParID string `json:"par_id"`
	Audio string `json:"audio"`
	OCR   string `json:"ocr"`
	Notes string `json:"notes"`
}

type ResumeRequest struct {
	DocID  string `json:"doc_id"`
	ParID  string `json:"par_id"`
	Answer string `json:"answer"`
}

type RewriteRequest struct {
	DocID       string `json:"doc_id"`
	ParID       string `json:"par_id"`
	Instruction string `json:"instruction"`
}

// Result is the shared response shape of every processor endpoint.
type Result struct {
	Status    string `json:"status"`
	Markdown  string `json:"markdown,omitempty"`
	Interrupt string `json:"interrupt,omitempty"`
}

// Validate reports whether the result is one the engine can act on.
func (r Result) Validate() error {
	switch r.Status {
	case StatusCompleted:
		if strings.TrimSpace(r.Markdown) == "" {
			return fmt.Errorf("completed without content: %w", ErrMalformedResponse)
		}
	case StatusPaused:
		if strings.TrimSpace(r.Interrupt) == "" {
			return fmt.Errorf("paused without a question: %w", ErrMalformedResponse)
		}
	default:
		return fmt.Errorf("unknown status %q: %w", r.Status, ErrMalformedResponse)
	}
	return nil
}

// UpstreamError is a non-2xx answer from the processor.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("processor upstream %d: %s", e.Status, e.Message)
}

func (e *UpstreamError) Timeout() bool   { return e.Status == http.StatusRequestTimeout }
func (e *UpstreamError) Temporary() bool { return e.Status/100 == 5 || e.Timeout() }

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Process(ctx context.Context, req ProcessRequest) (Result, error) {
	return c.post(ctx, "/llm/process", req)
}

func (c *Client) Resume(ctx context.Context, req ResumeRequest) (Result, error) {
	return c.post(ctx, "/llm/resume", req)
}

func (c *Client) Rewrite(ctx context.Context, req RewriteRequest) (Result, error) {
	return c.post(ctx, "/llm/request", req)
}

func (c *Client) post(ctx context.Context, path string, payload any) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("new request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, &UpstreamError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode %s: %v: %w", path, err, ErrMalformedResponse)
	}
	if err := out.Validate(); err != nil {
		return Result{}, err
	}
	return out, nil
}
