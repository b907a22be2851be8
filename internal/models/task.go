package models

import (
	"fmt"
	"strings"
	"time"
)

// FlightModel is the capture-altitude band of a flight.
type FlightModel string

const (
	FlightModelLow  FlightModel = "LOW"
	FlightModelHigh FlightModel = "HIGH"
	FlightModelRoof FlightModel = "ROOF"
)

// ParseFlightModel accepts the band name in any case.
func ParseFlightModel(s string) (FlightModel, error) {
	switch m := FlightModel(strings.ToUpper(strings.TrimSpace(s))); m {
	case FlightModelLow, FlightModelHigh, FlightModelRoof:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q (expected LOW, HIGH or ROOF)", ErrUnknownModel, s)
}

// SplitPlan is the chunking decision handed to the engine.
type SplitPlan struct {
	Chunks         int     `json:"chunks"`
	ImagesPerChunk int     `json:"imagesPerChunk"`
	OverlapMeters  float64 `json:"overlapMeters"`
}

// Task is the persisted record of one orthomosaic run. ID is shared verbatim
// with the engine.
type Task struct {
	ID          string            `db:"id"`
	ProjectID   string            `db:"project_id"`
	AccountID   string            `db:"account_id"`
	ImagesCount int               `db:"images_count"`
	Model       FlightModel       `db:"model"`
	Options     ProcessingOptions `db:"engine_options"`
	Split       SplitPlan         `db:"split_plan"`

	Status   TaskStatus `db:"status"`
	Progress int        `db:"progress"`

	ResultURL      string      `db:"result_url"`
	RasterURL      string      `db:"raster_url"`
	TileServiceURL string      `db:"tile_service_url"`
	Bounds         *[4]float64 `db:"bounds"`     // [minLng, minLat, maxLng, maxLat]
	ZoomRange      *[2]int     `db:"zoom_range"` // [min, max]

	ErrorMessage string `db:"error_message"`
	Warning      string `db:"warning"`
	WebhookURL   string `db:"webhook_url"`

	RefundedAt      *time.Time `db:"refunded_at"`
	ResultClaimedAt *time.Time `db:"result_claimed_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Refunded reports whether the refund marker has been stamped.
func (t *Task) Refunded() bool {
	return t.RefundedAt != nil
}

// TaskUpdate is a guarded partial update. Status, when set, restricts the write
// to rows whose current status is in AllowedFrom(*Status); without it the write
// only applies to non-terminal rows.
type TaskUpdate struct {
	Status       *TaskStatus
	Progress     *int
	ErrorMessage *string
	ResultURL    *string
	ClearResult  bool
}

// Transition builds an update that moves a task to status.
func Transition(status TaskStatus) TaskUpdate {
	return TaskUpdate{Status: &status}
}

// WithProgress sets a progress value, clamped to 0..100.
func (u TaskUpdate) WithProgress(p int) TaskUpdate {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	u.Progress = &p
	return u
}

// WithError sets the error message.
func (u TaskUpdate) WithError(msg string) TaskUpdate {
	u.ErrorMessage = &msg
	return u
}

// WithResultURL sets the preview artifact URL.
func (u TaskUpdate) WithResultURL(url string) TaskUpdate {
	u.ResultURL = &url
	return u
}

// AllowedFrom returns the source statuses the update is conditioned on.
func (u TaskUpdate) AllowedFrom() []TaskStatus {
	if u.Status == nil {
		return NonTerminalStatuses
	}
	return AllowedFrom(*u.Status)
}

// TaskResults carries the artifacts written after completion. Empty strings
// and nil pointers leave the stored value untouched.
type TaskResults struct {
	RasterURL      string
	TileServiceURL string
	Bounds         *[4]float64
	ZoomRange      *[2]int
	Warning        string
}

// Project is the read-only view of a project owned by an account.
type Project struct {
	ID      string `db:"id"`
	OwnerID string `db:"owner_id"`
	Name    string `db:"name"`
}

// Image is a source image reference. Either StoragePath (object store key)
// or URL (remote reference) is set.
type Image struct {
	ID          string `db:"id"`
	ProjectID   string `db:"project_id"`
	FileName    string `db:"file_name"`
	StoragePath string `db:"storage_path"`
	URL         string `db:"url"`
}
