// Package inspection hands finished orthomosaics to the AI defect-inspection
// service.
package inspection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrDisabled is returned by a client built with Enabled=false.
var ErrDisabled = errors.New("inspection hand-off is disabled")

type Config struct {
	Enabled bool
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Request is the body of POST /v1/inspections.
type Request struct {
	TaskID    string `json:"taskId"`
	ProjectID string `json:"projectId"`
	RasterURL string `json:"rasterUrl"`
}

type Response struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Client submits inspection requests over HTTP.
type Client struct {
	enabled bool
	http    *resty.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		c.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &Client{enabled: cfg.Enabled && cfg.BaseURL != "", http: c}
}

// Enabled reports whether Submit will contact the service.
func (c *Client) Enabled() bool { return c.enabled }

// Submit queues an inspection of the task's raster.
func (c *Client) Submit(ctx context.Context, req Request) (*Response, error) {
	if !c.enabled {
		return nil, ErrDisabled
	}
	var out Response
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/inspections")
	if err != nil {
		return nil, fmt.Errorf("submit inspection for task %s: %w", req.TaskID, err)
	}
	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = apiErr.Message
		}
		if msg == "" {
			msg = resp.Status()
		}
		return nil, fmt.Errorf("submit inspection for task %s: HTTP %d: %s", req.TaskID, resp.StatusCode(), msg)
	}
	return &out, nil
}
