package main

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
)

type apiClient struct {
	baseURL string
	userID  string
	http    *http.Client
}

type jobInput struct {
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

type jobResult struct {
	ImageURL  string   `json:"image_url"`
	Model     string   `json:"model,omitempty"`
	InputURLs []string `json:"input_urls,omitempty"`
	Text      string   `json:"text,omitempty"`
}

type job struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Prompt        string     `json:"prompt"`
	Progress      int        `json:"progress"`
	Result        *jobResult `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	ErrorReason   string     `json:"error_reason,omitempty"`
	CreatedAt     time.Time  `json:"timestamp"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ThumbnailURLs []string   `json:"thumbnail_urls,omitempty"`
}

type submitted struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	SourceJobID string `json:"source_job_id,omitempty"`
}

type stats struct {
	Pending    int `json:"pending"`
	Uploading  int `json:"uploading"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Active     int `json:"active"`
	Total      int `json:"total"`
}

func newAPIClient(baseURL, userID string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *apiClient) Enqueue(ctx context.Context, prompt string, inputs []jobInput) (submitted, error) {
	var out submitted
	body := map[string]any{"prompt": prompt, "inputs": inputs}
	err := c.do(ctx, http.MethodPost, "/v1/jobs", body, &out)
	return out, err
}

func (c *apiClient) List(ctx context.Context, status string) ([]job, error) {
	path := "/v1/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out struct {
		Jobs []job `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Jobs, err
}

func (c *apiClient) Get(ctx context.Context, id string) (job, error) {
	var out job
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *apiClient) Retry(ctx context.Context, id string) (submitted, error) {
	var out submitted
	err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/retry", nil, &out)
	return out, err
}

func (c *apiClient) RunAgain(ctx context.Context, id string) (submitted, error) {
	var out submitted
	err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/run-again", nil, &out)
	return out, err
}

func (c *apiClient) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(id), nil, nil)
}

func (c *apiClient) Clear(ctx context.Context, status string) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, "/v1/jobs?status="+url.QueryEscape(status), nil, &out)
	return out.Removed, err
}

func (c *apiClient) Stats(ctx context.Context) (stats, error) {
	var out stats
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &out)
	return out, err
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
