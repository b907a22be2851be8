package store

import (
	"context"
	"time"

	"drospect/internal/models"
	"drospect/internal/tasks"
)

// --- Task Store ---

type TaskStore interface {
	// CreateTask inserts the task and debits charge credits from its account in
	// one transaction. Returns ErrInsufficientCredits when the wallet is short.
	CreateTask(ctx context.Context, task *models.Task, charge int) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasksByProject(ctx context.Context, projectID string) ([]*models.Task, error)
	ListTasks(ctx context.Context, limit, offset int, statuses []models.TaskStatus) ([]*models.Task, error)
	// ListActiveTasks returns pending and processing tasks.
	ListActiveTasks(ctx context.Context) ([]*models.Task, error)
	// NextQueuedTask returns the queued task that was least recently touched,
	// or ErrNotFound. Releasing a claim bumps updated_at, so a task that cannot
	// start yet moves to the back of the queue.
	NextQueuedTask(ctx context.Context) (*models.Task, error)
	// ListStaleTasks returns tasks in status whose last write is before the cutoff.
	ListStaleTasks(ctx context.Context, status models.TaskStatus, before time.Time) ([]*models.Task, error)

	// UpdateTask applies u only if the task's current status is in
	// u.AllowedFrom(). It reports whether a row was written.
	UpdateTask(ctx context.Context, id string, u models.TaskUpdate) (bool, error)
	// ClaimResult stamps result_claimed_at for a pending or processing task
	// that has no claim, or whose claim is older than staleAfter. A zero
	// staleAfter never takes over an existing claim.
	ClaimResult(ctx context.Context, id string, staleAfter time.Duration) (bool, error)
	// SaveResults records post-completion artifacts on a completed task.
	SaveResults(ctx context.Context, id string, r models.TaskResults) error
}

// --- Wallet Store ---

type WalletStore interface {
	// RefundTask stamps the task's refund marker, credits amount to its account
	// and records the ledger entry atomically. It is a no-op returning false
	// when the marker is already set.
	RefundTask(ctx context.Context, taskID string, amount int, reason string) (bool, error)
	Balance(ctx context.Context, accountID string) (int, error)
	Deposit(ctx context.Context, accountID string, amount int, reason string) error
}

// --- Project Store ---

// ProjectStore is read only; projects and images are managed elsewhere.
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListImages(ctx context.Context, projectID string) ([]*models.Image, error)
	CountImages(ctx context.Context, projectID string) (int, error)
}

// Store is the persistence surface the services depend on.
type Store interface {
	TaskStore
	WalletStore
	ProjectStore

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// --- Job Client ---

type JobClient interface {
	// EnqueueZipBuild is de-duplicated per project while a build is queued or running.
	EnqueueZipBuild(ctx context.Context, projectID string) error
	EnqueueResultProcessing(ctx context.Context, taskID string) error
	EnqueueInspection(ctx context.Context, p tasks.InspectionPayload) error
	Close() error
}

// --- Zip Locker ---

// ZipLocker is the cross-process marker for an in-flight bundle build.
type ZipLocker interface {
	Acquire(ctx context.Context, projectID string, ttl time.Duration) (bool, error)
	Held(ctx context.Context, projectID string) (bool, error)
	Release(ctx context.Context, projectID string) error
}
