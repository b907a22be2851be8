package services

import (
	"context"
	"fmt"

	"drospect/internal/engine"
	"drospect/internal/models"
	"drospect/internal/objectstore"
)

// Engine is the part of the engine client the orchestrator drives.
type Engine interface {
	Upload(ctx context.Context, taskID string, req engine.InitRequest, images []engine.ImageSource) error
	StartFromArchive(ctx context.Context, taskID string, req engine.InitRequest, zipURL string) error
	TaskInfo(ctx context.Context, taskID string) (*engine.TaskInfo, error)
	Cancel(ctx context.Context, taskID string) error
	DownloadAll(ctx context.Context, taskID, path string) error
	URLSource(name, url string) engine.ImageSource
}

var _ Engine = (*engine.Client)(nil)

// imageSources turns project images into upload sources: stored objects are
// read from the object store, remote references are streamed from their URL.
func imageSources(objects objectstore.Store, eng Engine, images []*models.Image) ([]engine.ImageSource, error) {
	out := make([]engine.ImageSource, 0, len(images))
	for _, img := range images {
		name := img.FileName
		if name == "" {
			name = img.ID + ".jpg"
		}
		switch {
		case img.StoragePath != "":
			out = append(out, &objectstore.Source{Store: objects, Key: img.StoragePath, FileName: name})
		case img.URL != "":
			out = append(out, eng.URLSource(name, img.URL))
		default:
			return nil, fmt.Errorf("image %s has neither a storage path nor a url", img.ID)
		}
	}
	return out, nil
}

func initRequest(task *models.Task) engine.InitRequest {
	return engine.InitRequest{
		Name:    fmt.Sprintf("%s-%s", task.ProjectID, task.ID),
		Options: task.Options.EngineOptions(task.Model, task.Split),
		Webhook: task.WebhookURL,
	}
}
