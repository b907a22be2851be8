package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"drospect/internal/models"
	"drospect/internal/store"
)

var activeStatuses = models.StatusStrings([]models.TaskStatus{models.TaskStatusPending, models.TaskStatusProcessing})

func (s *Store) CreateTask(ctx context.Context, t *models.Task, charge int) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	row, err := newTaskRow(t)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if charge > 0 {
			res := tx.Model(&walletRow{}).
				Where("account_id = ? AND credits >= ?", t.AccountID, charge).
				Updates(map[string]any{"credits": gorm.Expr("credits - ?", charge), "updated_at": now})
			if res.Error != nil {
				return fmt.Errorf("debit account %s: %w", t.AccountID, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("account %s cannot cover %d credits: %w", t.AccountID, charge, store.ErrInsufficientCredits)
			}
			taskID := t.ID
			if err := tx.Create(&creditTxRow{
				AccountID: t.AccountID, TaskID: &taskID, Amount: -charge, Kind: "debit", Reason: "orthomosaic start",
			}).Error; err != nil {
				return fmt.Errorf("record debit for task %s: %w", t.ID, err)
			}
		}
		if err := tx.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("task %s: %w", t.ID, store.ErrDuplicate)
			}
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
		return nil
	})
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var row taskRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return row.toModel()
}

func (s *Store) ListTasksByProject(ctx context.Context, projectID string) ([]*models.Task, error) {
	var rows []taskRow
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks for project %s: %w", projectID, err)
	}
	return toModels(rows)
}

func (s *Store) ListTasks(ctx context.Context, limit, offset int, statuses []models.TaskStatus) ([]*models.Task, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit).Offset(offset)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", models.StatusStrings(statuses))
	}
	var rows []taskRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return toModels(rows)
}

func (s *Store) ListStaleTasks(ctx context.Context, status models.TaskStatus, before time.Time) ([]*models.Task, error) {
	var rows []taskRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(status), before.UTC()).
		Order("updated_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list stale %s tasks: %w", status, err)
	}
	return toModels(rows)
}

func (s *Store) ListActiveTasks(ctx context.Context) ([]*models.Task, error) {
	var rows []taskRow
	err := s.db.WithContext(ctx).
		Where("status IN ?", activeStatuses).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	return toModels(rows)
}

func (s *Store) NextQueuedTask(ctx context.Context) (*models.Task, error) {
	var row taskRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(models.TaskStatusQueued)).
		Order("updated_at, id").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next queued task: %w", err)
	}
	return row.toModel()
}

// UpdateTask is a compare-and-swap on the task's status.
func (s *Store) UpdateTask(ctx context.Context, id string, u models.TaskUpdate) (bool, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if u.Status != nil {
		updates["status"] = string(*u.Status)
	}
	if u.Progress != nil {
		updates["progress"] = gorm.Expr(s.greatest+"(progress, ?)", *u.Progress)
	}
	if u.ErrorMessage != nil {
		updates["error_message"] = *u.ErrorMessage
	}
	switch {
	case u.ResultURL != nil:
		updates["result_url"] = *u.ResultURL
	case u.ClearResult:
		updates["result_url"] = ""
	}

	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status IN ?", id, models.StatusStrings(u.AllowedFrom())).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update task %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ClaimResult(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	now := time.Now().UTC()
	q := s.db.WithContext(ctx).Model(&taskRow{}).Where("id = ? AND status IN ?", id, activeStatuses)
	if staleAfter > 0 {
		q = q.Where("(result_claimed_at IS NULL OR result_claimed_at < ?)", now.Add(-staleAfter))
	} else {
		q = q.Where("result_claimed_at IS NULL")
	}
	res := q.Updates(map[string]any{"result_claimed_at": now, "updated_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("claim result for task %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) SaveResults(ctx context.Context, id string, r models.TaskResults) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if r.RasterURL != "" {
		updates["raster_url"] = r.RasterURL
	}
	if r.TileServiceURL != "" {
		updates["tile_service_url"] = r.TileServiceURL
	}
	if r.Warning != "" {
		updates["warning"] = r.Warning
	}
	if r.Bounds != nil {
		b, err := jsonString(r.Bounds)
		if err != nil {
			return fmt.Errorf("encode bounds: %w", err)
		}
		updates["bounds"] = b
	}
	if r.ZoomRange != nil {
		z, err := jsonString(r.ZoomRange)
		if err != nil {
			return fmt.Errorf("encode zoom range: %w", err)
		}
		updates["zoom_range"] = z
	}

	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status = ?", id, string(models.TaskStatusCompleted)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("save results for task %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task %s is not completed: %w", id, store.ErrConflict)
	}
	return nil
}
