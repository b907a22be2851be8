// Package engine talks to a NodeODM-compatible photogrammetry engine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"drospect/internal/models"
)

// Config configures the engine client and upload pipeline.
type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds regular API calls.
	Timeout time.Duration
	// TransferTimeout bounds image uploads and result downloads.
	TransferTimeout time.Duration

	BatchSize       int
	BatchAttempts   int
	BatchRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = 30 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchAttempts <= 0 {
		c.BatchAttempts = 3
	}
	if c.BatchRetryDelay < 0 {
		c.BatchRetryDelay = 0
	}
	return c
}

// Client is a NodeODM HTTP client.
type Client struct {
	cfg Config
	// api serves short idempotent calls and retries GETs on 5xx.
	api *resty.Client
	// transfer streams request and response bodies and never retries.
	transfer *resty.Client
	// fetch reads remote source images; it carries no engine token.
	fetch *resty.Client
}

// NewClient builds a client for cfg.BaseURL.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	base := strings.TrimRight(cfg.BaseURL, "/")

	api := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	transfer := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.TransferTimeout)
	if cfg.Token != "" {
		api.SetQueryParam("token", cfg.Token)
		transfer.SetQueryParam("token", cfg.Token)
	}

	return &Client{
		cfg:      cfg,
		api:      api,
		transfer: transfer,
		fetch:    resty.New().SetTimeout(cfg.TransferTimeout),
	}
}

// InitRequest holds the init form fields.
type InitRequest struct {
	Name    string
	Options []models.EngineOption
	Webhook string
	// ZipURL makes the engine fetch the images itself; no uploads follow.
	ZipURL string
}

type uuidResponse struct {
	UUID  string `json:"uuid"`
	Error string `json:"error"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Init registers taskID with the engine.
func (c *Client) Init(ctx context.Context, taskID string, req InitRequest) error {
	opts, err := json.Marshal(req.Options)
	if err != nil {
		return fmt.Errorf("encode engine options: %w", err)
	}
	form := map[string]string{
		"name":    req.Name,
		"options": string(opts),
	}
	if req.Webhook != "" {
		form["webhook"] = req.Webhook
	}
	if req.ZipURL != "" {
		form["zipurl"] = req.ZipURL
	}

	var out uuidResponse
	resp, err := c.api.R().
		SetContext(ctx).
		SetHeader("set-uuid", taskID).
		SetMultipartFormData(form).
		SetResult(&out).
		SetError(&out).
		Post("/task/new/init")
	if err := check("init", resp, err, out.Error); err != nil {
		return err
	}
	if out.UUID != taskID {
		return &APIError{Op: "init", StatusCode: resp.StatusCode(), Message: fmt.Sprintf("engine assigned uuid %q, expected %q", out.UUID, taskID)}
	}
	return nil
}

// Commit starts processing of an initialized task.
func (c *Client) Commit(ctx context.Context, taskID string) error {
	var out uuidResponse
	resp, err := c.api.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		Post("/task/new/commit/" + taskID)
	return check("commit", resp, err, out.Error)
}

// TaskInfo fetches the engine's status for taskID.
func (c *Client) TaskInfo(ctx context.Context, taskID string) (*TaskInfo, error) {
	var out TaskInfo
	var apiErr struct {
		Error string `json:"error"`
	}
	resp, err := c.api.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/task/" + taskID + "/info")
	if err := check("info", resp, err, apiErr.Error); err != nil {
		return nil, err
	}
	if out.Status == 0 {
		// 200 responses can still carry {"error": "..."}
		var body struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(resp.Body(), &body)
		if body.Error != "" {
			return nil, classifyMessage("info", resp.StatusCode(), body.Error)
		}
	}
	return &out, nil
}

// Cancel asks the engine to stop taskID.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	var out successResponse
	resp, err := c.api.R().
		SetContext(ctx).
		SetFormData(map[string]string{"uuid": taskID}).
		SetResult(&out).
		SetError(&out).
		Post("/task/cancel")
	return check("cancel", resp, err, out.Error)
}

// Info returns the node description.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var out Info
	resp, err := c.api.R().SetContext(ctx).SetResult(&out).Get("/info")
	if err := check("node info", resp, err, ""); err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadAll writes the task's all.zip archive to path.
func (c *Client) DownloadAll(ctx context.Context, taskID, path string) error {
	resp, err := c.transfer.R().
		SetContext(ctx).
		SetOutput(path).
		Get("/task/" + taskID + "/download/all.zip")
	if err == nil && resp.IsError() {
		_ = os.Remove(path)
	}
	return check("download", resp, err, "")
}

// check turns a resty outcome into the package's error types.
func check(op string, resp *resty.Response, err error, bodyError string) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &TransientError{Op: op, Err: err}
	}
	code := resp.StatusCode()
	switch {
	case code >= 500:
		return &TransientError{Op: op, StatusCode: code, Err: errors.New(errorText(resp, bodyError))}
	case code == http.StatusTooManyRequests:
		return &TransientError{Op: op, StatusCode: code, Err: errors.New(errorText(resp, bodyError))}
	case code == http.StatusNotFound:
		return fmt.Errorf("engine %s: %w", op, ErrTaskNotFound)
	case code >= 400:
		return classifyMessage(op, code, errorText(resp, bodyError))
	case bodyError != "":
		return classifyMessage(op, code, bodyError)
	}
	return nil
}

func classifyMessage(op string, code int, msg string) error {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "not found") || strings.Contains(lower, "invalid uuid") {
		return fmt.Errorf("engine %s: %s: %w", op, msg, ErrTaskNotFound)
	}
	return &APIError{Op: op, StatusCode: code, Message: msg}
}

func errorText(resp *resty.Response, bodyError string) string {
	if bodyError != "" {
		return bodyError
	}
	if s := strings.TrimSpace(string(resp.Body())); s != "" && len(s) < 512 {
		return s
	}
	return resp.Status()
}
