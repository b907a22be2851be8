package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"drospect/internal/tasks"
)

// enqueuer is the subset of *asynq.Client the job client needs.
type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// AsynqJobClient enqueues background work on Redis through asynq.
type AsynqJobClient struct {
	client        enqueuer
	resultTimeout time.Duration
}

var _ JobClient = (*AsynqJobClient)(nil)

// NewAsynqJobClient connects to Redis with the given options.
func NewAsynqJobClient(opt asynq.RedisClientOpt, resultTimeout time.Duration) *AsynqJobClient {
	return newJobClient(asynq.NewClient(opt), resultTimeout)
}

func newJobClient(c enqueuer, resultTimeout time.Duration) *AsynqJobClient {
	if resultTimeout <= 0 {
		resultTimeout = 45 * time.Minute
	}
	return &AsynqJobClient{client: c, resultTimeout: resultTimeout}
}

func (jc *AsynqJobClient) Close() error {
	return jc.client.Close()
}

func (jc *AsynqJobClient) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	info, err := jc.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		log.WithField("type", task.Type()).Debug("job already enqueued, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"type": task.Type(), "id": info.ID, "queue": info.Queue}).Debug("job enqueued")
	return nil
}

func (jc *AsynqJobClient) EnqueueZipBuild(ctx context.Context, projectID string) error {
	task := asynq.NewTask(tasks.TypeZipBuild, tasks.Encode(tasks.ZipBuildPayload{ProjectID: projectID}))
	err := jc.enqueue(ctx, task,
		asynq.TaskID("zip:"+projectID),
		asynq.Queue(tasks.QueueZip),
		asynq.MaxRetry(2),
		asynq.Timeout(2*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("enqueue zip build for project %s: %w", projectID, err)
	}
	return nil
}

// EnqueueResultProcessing sets no TaskID. One job is enqueued per result
// claim, and a stale claim is re-enqueued while the archived job is retained.
func (jc *AsynqJobClient) EnqueueResultProcessing(ctx context.Context, taskID string) error {
	task := asynq.NewTask(tasks.TypeResultProcessing, tasks.Encode(tasks.ResultPayload{TaskID: taskID}))
	err := jc.enqueue(ctx, task,
		asynq.Queue(tasks.QueueResults),
		asynq.MaxRetry(0),
		asynq.Timeout(jc.resultTimeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue result processing for task %s: %w", taskID, err)
	}
	return nil
}

func (jc *AsynqJobClient) EnqueueInspection(ctx context.Context, p tasks.InspectionPayload) error {
	task := asynq.NewTask(tasks.TypeInspection, tasks.Encode(p))
	err := jc.enqueue(ctx, task, asynq.Queue(tasks.QueueDefault), asynq.MaxRetry(3))
	if err != nil {
		return fmt.Errorf("enqueue inspection for task %s: %w", p.TaskID, err)
	}
	return nil
}
