package tasks

import (
	"encoding/json"
	"fmt"
)

// Asynq task types.
const (
	// TypeZipBuild builds a project's image bundle.
	TypeZipBuild = "zip:build"
	// TypeResultProcessing downloads and publishes a completed task's artifacts.
	TypeResultProcessing = "orthomosaic:results"
	// TypeInspection hands a finished raster to the AI inspection service.
	TypeInspection = "inspection:analyze"
)

// Queue names.
const (
	QueueDefault = "default"
	QueueResults = "results"
	QueueZip     = "zip"
)

type ZipBuildPayload struct {
	ProjectID string `json:"project_id"`
}

type ResultPayload struct {
	TaskID string `json:"task_id"`
}

type InspectionPayload struct {
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	RasterURL string `json:"raster_url"`
}

// Encode marshals a payload. The payload types above cannot fail to marshal.
func Encode(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// Decode unmarshals a task payload into v.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode task payload: %w", err)
	}
	return nil
}
