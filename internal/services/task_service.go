package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"drospect/internal/metrics"
	"drospect/internal/models"
	"drospect/internal/split"
	"drospect/internal/store"
)

// DefaultStreamMaxImages is the largest unbundled set streamed at start.
const DefaultStreamMaxImages = 500

type TaskServiceConfig struct {
	StreamMaxImages int
	// PublicBaseURL is the webhook base when a request carries none.
	PublicBaseURL string
	Split         split.Options
	CancelTimeout time.Duration
}

// StartRequest is a client's request to process a project's images.
type StartRequest struct {
	FlightModel       string         `json:"flightModel"`
	ProcessingOptions map[string]any `json:"processingOptions"`
	WebhookBaseURL    string         `json:"webhookBaseUrl"`
}

// TaskView is the client-facing task representation.
type TaskView struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"projectId"`
	Status         models.TaskStatus `json:"status"`
	Progress       int               `json:"progress"`
	ImagesCount    int               `json:"imagesCount"`
	Model          string            `json:"model,omitempty"`
	Split          *models.SplitPlan `json:"split,omitempty"`
	ResultURL      string            `json:"resultUrl,omitempty"`
	RasterURL      string            `json:"rasterUrl,omitempty"`
	TileServiceURL string            `json:"tileServiceUrl,omitempty"`
	Bounds         *[4]float64       `json:"bounds,omitempty"`
	ZoomRange      *[2]int           `json:"zoomRange,omitempty"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`
	Warning        string            `json:"warning,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

func newTaskView(t *models.Task) *TaskView {
	v := &TaskView{
		ID:             t.ID,
		ProjectID:      t.ProjectID,
		Status:         t.Status,
		Progress:       t.Progress,
		ImagesCount:    t.ImagesCount,
		Model:          string(t.Model),
		ResultURL:      t.ResultURL,
		RasterURL:      t.RasterURL,
		TileServiceURL: t.TileServiceURL,
		Bounds:         t.Bounds,
		ZoomRange:      t.ZoomRange,
		ErrorMessage:   t.ErrorMessage,
		Warning:        t.Warning,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if t.Split.Chunks > 1 {
		plan := t.Split
		v.Split = &plan
	}
	return v
}

// TaskService is the entry point for the HTTP API.
type TaskService struct {
	cfg        TaskServiceConfig
	store      store.Store
	engine     Engine
	zips       *ZipCoordinator
	launcher   *Launcher
	reconciler *Reconciler
	refunds    *RefundCoordinator

	background sync.WaitGroup
}

func NewTaskService(cfg TaskServiceConfig, st store.Store, eng Engine, zips *ZipCoordinator, launcher *Launcher, rec *Reconciler, refunds *RefundCoordinator) *TaskService {
	if cfg.StreamMaxImages <= 0 {
		cfg.StreamMaxImages = DefaultStreamMaxImages
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 10 * time.Second
	}
	return &TaskService{cfg: cfg, store: st, engine: eng, zips: zips, launcher: launcher, reconciler: rec, refunds: refunds}
}

// Start validates the request, charges the account and creates the task.
// Validation and credit errors are returned before anything is written.
func (s *TaskService) Start(ctx context.Context, projectID string, req StartRequest) (*TaskView, error) {
	model, err := models.ParseFlightModel(req.FlightModel)
	if err != nil {
		return nil, invalid("flightModel", "%v", err)
	}
	opts, err := models.ParseProcessingOptions(req.ProcessingOptions)
	if err != nil {
		return nil, invalid("processingOptions", "%v", err)
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	count, err := s.store.CountImages(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("count images for project %s: %w", projectID, err)
	}
	if count == 0 {
		return nil, invalid("images", "project %s has no images", projectID)
	}
	bundle, err := s.zips.State(ctx, projectID)
	if err != nil {
		return nil, err
	}

	splitOpts := s.cfg.Split
	splitOpts.Force = opts.SplitForced()
	task := &models.Task{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		AccountID:   project.OwnerID,
		ImagesCount: count,
		Model:       model,
		Options:     opts,
		Split:       split.Calculate(count, model, splitOpts),
		Status:      models.TaskStatusQueued,
	}
	task.WebhookURL = s.webhookURL(req.WebhookBaseURL, task.ID)

	streaming := bundle != ZipCompleted && count <= s.cfg.StreamMaxImages
	if bundle == ZipCompleted || streaming {
		task.Status = models.TaskStatusStarting
	}
	if err := s.store.CreateTask(ctx, task, s.refunds.Charge(count)); err != nil {
		return nil, err
	}
	logger := log.WithFields(log.Fields{"task_id": task.ID, "project_id": projectID, "images": count, "chunks": task.Split.Chunks})
	logger.WithField("status", task.Status).Info("task created")

	// the engine hand-off must not be tied to the request's lifetime
	bg := context.WithoutCancel(ctx)
	switch {
	case bundle == ZipCompleted:
		metrics.TasksStarted.WithLabelValues(metrics.PathBundle).Inc()
		if err := s.launcher.FromBundle(bg, task); err != nil {
			failTask(bg, s.store, s.refunds, task, err.Error())
		}
	case streaming:
		metrics.TasksStarted.WithLabelValues(metrics.PathStream).Inc()
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			defer func() {
				if p := recover(); p != nil {
					logger.WithField("panic", p).Error("streaming start panicked")
					failTask(bg, s.store, s.refunds, task, fmt.Sprintf("upload aborted: %v", p))
				}
			}()
			if err := s.launcher.Stream(bg, task); err != nil {
				failTask(bg, s.store, s.refunds, task, err.Error())
			}
		}()
	default:
		metrics.TasksStarted.WithLabelValues(metrics.PathQueued).Inc()
		if _, err := s.zips.EnsureBundle(ctx, projectID); err != nil {
			logger.WithError(err).Warn("bundle build not triggered, the scheduler will retry")
		}
	}

	return s.view(ctx, task.ID)
}

// Wait blocks until background uploads started by Start have finished.
func (s *TaskService) Wait() {
	s.background.Wait()
}

// Get returns the task view. Active tasks are refreshed from the engine.
func (s *TaskService) Get(ctx context.Context, id string) (*TaskView, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task = s.reconciler.Refresh(ctx, task)
	return s.present(ctx, task, nil), nil
}

// ListByProject returns the project's tasks, newest first.
func (s *TaskService) ListByProject(ctx context.Context, projectID string) ([]*TaskView, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	list, err := s.store.ListTasksByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	states := map[string]ZipState{}
	out := make([]*TaskView, 0, len(list))
	for _, t := range list {
		out = append(out, s.present(ctx, t, states))
	}
	return out, nil
}

// Cancel stops the task locally and on the engine and refunds it.
func (s *TaskService) Cancel(ctx context.Context, id string) (*TaskView, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("task %s is already %s: %w", id, task.Status, store.ErrConflict)
	}

	if task.Status != models.TaskStatusQueued {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CancelTimeout)
		if err := s.engine.Cancel(cctx, id); err != nil {
			log.WithError(err).WithField("task_id", id).Debug("engine cancel failed, cancelling locally")
		}
		cancel()
	}

	u := models.Transition(models.TaskStatusCancelled)
	u.ClearResult = true
	written, err := s.store.UpdateTask(ctx, id, u)
	if err != nil {
		return nil, err
	}
	if !written {
		current, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("task %s is already %s: %w", id, current.Status, store.ErrConflict)
	}
	s.reconciler.Stop(id)
	metrics.TasksFinished.WithLabelValues(string(models.TaskStatusCancelled)).Inc()
	s.refunds.Refund(ctx, task, "cancelled by user")
	log.WithFields(log.Fields{"task_id": id, "project_id": task.ProjectID}).Info("task cancelled")
	return s.view(ctx, id)
}

// HandleWebhook applies an engine completion push.
func (s *TaskService) HandleWebhook(ctx context.Context, id string, body []byte) error {
	return s.reconciler.HandleWebhook(ctx, id, body)
}

func (s *TaskService) view(ctx context.Context, id string) (*TaskView, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.present(ctx, task, nil), nil
}

// present renders a task; queued tasks waiting on their bundle show as zipping.
func (s *TaskService) present(ctx context.Context, task *models.Task, states map[string]ZipState) *TaskView {
	v := newTaskView(task)
	if task.Status != models.TaskStatusQueued {
		return v
	}
	state, ok := states[task.ProjectID]
	if !ok {
		var err error
		state, err = s.zips.State(ctx, task.ProjectID)
		if err != nil {
			log.WithError(err).WithField("task_id", task.ID).Warn("bundle state unavailable")
			return v
		}
		if states != nil {
			states[task.ProjectID] = state
		}
	}
	if state != ZipCompleted {
		v.Status = models.TaskStatusZipping
	}
	return v
}

func (s *TaskService) webhookURL(base, taskID string) string {
	if base == "" {
		base = s.cfg.PublicBaseURL
	}
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/webhook/" + taskID + "/end"
}

// IsValidation reports whether err rejects the request itself.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
