// Package docclient reads and writes documents held by an external
// document storage service.
package docclient

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

	"scribe/api/internal/store"
)

// StatusError is an unexpected answer from the storage service.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: storage returned %d: %s", e.Op, e.Status, e.Body)
}

func (e *StatusError) Temporary() bool { return e.Status/100 == 5 }

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type contentBody struct {
	Content string `json:"content"`
}

// Load fetches a document's content. A missing document is store.ErrNotFound.
func (c *Client) Load(ctx context.Context, id string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.docURL(id), nil)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", id, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("load %s: %w", id, store.ErrNotFound)
	}
	if resp.StatusCode/100 != 2 {
		return "", statusError("load "+id, resp)
	}
	var body contentBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode %s: %w", id, err)
	}
	return body.Content, nil
}

// Save stores content. Cancelling ctx aborts the request.
func (c *Client) Save(ctx context.Context, id, content string) error {
	raw, err := json.Marshal(contentBody{Content: content})
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.docURL(id), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("save %s: %w", id, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("save %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError("save "+id, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) docURL(id string) string {
	return c.baseURL + "/docs/" + url.PathEscape(id)
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}
