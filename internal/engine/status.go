package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"drospect/internal/models"
)

// StatusCode is the engine's numeric task status.
type StatusCode int

const (
	StatusQueued    StatusCode = 10
	StatusRunning   StatusCode = 20
	StatusFailed    StatusCode = 30
	StatusCompleted StatusCode = 40
	StatusCanceled  StatusCode = 50
)

func (c StatusCode) String() string {
	switch c {
	case StatusQueued:
		return "QUEUED"
	case StatusRunning:
		return "RUNNING"
	case StatusFailed:
		return "FAILED"
	case StatusCompleted:
		return "COMPLETED"
	case StatusCanceled:
		return "CANCELED"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(c))
}

// TaskStatus maps the code onto the orchestrator's lifecycle. ok is false for
// codes with no mapping; callers keep the current status in that case.
func (c StatusCode) TaskStatus() (status models.TaskStatus, ok bool) {
	switch c {
	case StatusQueued:
		return models.TaskStatusPending, true
	case StatusRunning:
		return models.TaskStatusProcessing, true
	case StatusCompleted:
		return models.TaskStatusCompleted, true
	case StatusFailed, StatusCanceled:
		return models.TaskStatusFailed, true
	}
	return "", false
}

// TaskInfo is the engine's view of a task, as returned by /task/{uuid}/info
// and posted to webhooks.
type TaskInfo struct {
	UUID           string                `json:"uuid"`
	Name           string                `json:"name"`
	DateCreated    int64                 `json:"dateCreated"`
	ProcessingTime int64                 `json:"processingTime"`
	Status         StatusCode            `json:"-"`
	ErrorMessage   string                `json:"-"`
	Options        []models.EngineOption `json:"options"`
	ImagesCount    int                   `json:"imagesCount"`
	Progress       float64               `json:"progress"`
}

// ProgressPercent rounds progress to an integer percentage in 0..100.
func (ti *TaskInfo) ProgressPercent() int {
	p := int(math.Round(ti.Progress))
	return min(max(p, 0), 100)
}

// UnmarshalJSON accepts status either as {"code": 20, "errorMessage": ""} or
// as a bare code.
func (ti *TaskInfo) UnmarshalJSON(data []byte) error {
	type plain TaskInfo
	aux := struct {
		*plain
		Status json.RawMessage `json:"status"`
	}{plain: (*plain)(ti)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	raw := bytes.TrimSpace(aux.Status)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '{':
		var obj struct {
			Code         StatusCode `json:"code"`
			ErrorMessage string     `json:"errorMessage"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return fmt.Errorf("task status: %w", err)
		}
		ti.Status, ti.ErrorMessage = obj.Code, obj.ErrorMessage
	default:
		if err := json.Unmarshal(raw, &ti.Status); err != nil {
			return fmt.Errorf("task status: %w", err)
		}
	}
	return nil
}

// ParseTaskInfo decodes a webhook body. ok is false when the body carries no
// status code.
func ParseTaskInfo(body []byte) (info *TaskInfo, ok bool) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, false
	}
	var ti TaskInfo
	if err := json.Unmarshal(body, &ti); err != nil || ti.Status == 0 {
		return nil, false
	}
	return &ti, true
}

// Info is the engine node description from /info.
type Info struct {
	Version        string `json:"version"`
	TaskQueueCount int    `json:"taskQueueCount"`
	MaxImages      *int   `json:"maxImages"`
	Engine         string `json:"engine"`
	EngineVersion  string `json:"engineVersion"`
}
