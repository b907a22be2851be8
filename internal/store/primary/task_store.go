package primary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"drospect/internal/models"
	"drospect/internal/store"
)

// --- Task Store Implementation ---

// CreateTask debits the account and inserts the task in one transaction.
func (s *StoreImpl) CreateTask(ctx context.Context, t *models.Task, charge int) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create task %s: %w", t.ID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if charge > 0 {
		tag, err := tx.Exec(ctx,
			`UPDATE wallets SET credits = credits - $1, updated_at = now()
			 WHERE account_id = $2 AND credits >= $1`, charge, t.AccountID)
		if err != nil {
			return fmt.Errorf("debit account %s: %w", t.AccountID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("account %s cannot cover %d credits: %w", t.AccountID, charge, store.ErrInsufficientCredits)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO credit_transactions (account_id, task_id, amount, kind, reason)
			 VALUES ($1, $2, $3, 'debit', 'orthomosaic start')`, t.AccountID, t.ID, -charge); err != nil {
			return fmt.Errorf("record debit for task %s: %w", t.ID, err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orthomosaic_tasks (id, project_id, account_id, images_count, model, engine_options,
			split_plan, status, progress, webhook_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.ProjectID, t.AccountID, t.ImagesCount, string(t.Model), t.Options,
		t.Split, string(t.Status), t.Progress, t.WebhookURL, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %s: %w", t.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create task %s: %w", t.ID, err)
	}
	return nil
}

func (s *StoreImpl) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM orthomosaic_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *StoreImpl) ListTasksByProject(ctx context.Context, projectID string) ([]*models.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+` FROM orthomosaic_tasks WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for project %s: %w", projectID, err)
	}
	return scanTasks(rows)
}

func (s *StoreImpl) ListTasks(ctx context.Context, limit, offset int, statuses []models.TaskStatus) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM orthomosaic_tasks`
	args := []any{}
	if len(statuses) > 0 {
		query += ` WHERE status = ANY($1)`
		args = append(args, models.StatusStrings(statuses))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return scanTasks(rows)
}

func (s *StoreImpl) ListStaleTasks(ctx context.Context, status models.TaskStatus, before time.Time) ([]*models.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+` FROM orthomosaic_tasks WHERE status = $1 AND updated_at < $2 ORDER BY updated_at, id`,
		string(status), before)
	if err != nil {
		return nil, fmt.Errorf("list stale %s tasks: %w", status, err)
	}
	return scanTasks(rows)
}

func (s *StoreImpl) ListActiveTasks(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+` FROM orthomosaic_tasks WHERE status = ANY($1) ORDER BY created_at`,
		models.StatusStrings([]models.TaskStatus{models.TaskStatusPending, models.TaskStatusProcessing}))
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	return scanTasks(rows)
}

func (s *StoreImpl) NextQueuedTask(ctx context.Context) (*models.Task, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM orthomosaic_tasks WHERE status = $1 ORDER BY updated_at, id LIMIT 1`,
		string(models.TaskStatusQueued))
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next queued task: %w", err)
	}
	return t, nil
}

// UpdateTask is a compare-and-swap on the task's status.
func (s *StoreImpl) UpdateTask(ctx context.Context, id string, u models.TaskUpdate) (bool, error) {
	sets := []string{"updated_at = now()"}
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if u.Status != nil {
		sets = append(sets, "status = "+next(string(*u.Status)))
	}
	if u.Progress != nil {
		sets = append(sets, "progress = GREATEST(progress, "+next(*u.Progress)+")")
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message = "+next(*u.ErrorMessage))
	}
	switch {
	case u.ResultURL != nil:
		sets = append(sets, "result_url = "+next(*u.ResultURL))
	case u.ClearResult:
		sets = append(sets, "result_url = ''")
	}

	query := fmt.Sprintf(`UPDATE orthomosaic_tasks SET %s WHERE id = %s AND status = ANY(%s)`,
		strings.Join(sets, ", "), next(id), next(models.StatusStrings(u.AllowedFrom())))

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *StoreImpl) ClaimResult(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	// a NULL age never matches, so only unclaimed rows qualify
	var staleSecs *float64
	if staleAfter > 0 {
		secs := staleAfter.Seconds()
		staleSecs = &secs
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE orthomosaic_tasks SET result_claimed_at = now(), updated_at = now()
		WHERE id = $1 AND status = ANY($2)
		  AND (result_claimed_at IS NULL OR result_claimed_at < now() - make_interval(secs => $3::float8))`,
		id, models.StatusStrings([]models.TaskStatus{models.TaskStatusPending, models.TaskStatusProcessing}), staleSecs)
	if err != nil {
		return false, fmt.Errorf("claim result for task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *StoreImpl) SaveResults(ctx context.Context, id string, r models.TaskResults) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE orthomosaic_tasks SET
			raster_url       = CASE WHEN $2 <> '' THEN $2 ELSE raster_url END,
			tile_service_url = CASE WHEN $3 <> '' THEN $3 ELSE tile_service_url END,
			bounds           = COALESCE($4::jsonb, bounds),
			zoom_range       = COALESCE($5::jsonb, zoom_range),
			warning          = CASE WHEN $6 <> '' THEN $6 ELSE warning END,
			updated_at       = now()
		WHERE id = $1 AND status = $7`,
		id, r.RasterURL, r.TileServiceURL, r.Bounds, r.ZoomRange, r.Warning, string(models.TaskStatusCompleted))
	if err != nil {
		return fmt.Errorf("save results for task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s is not completed: %w", id, store.ErrConflict)
	}
	return nil
}
