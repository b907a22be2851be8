package primary

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"drospect/internal/models"
	"drospect/internal/store"
)

// --- Project Store Implementation ---

func (s *StoreImpl) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	err := s.db.QueryRow(ctx, `SELECT id, owner_id, name FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.OwnerID, &p.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

func (s *StoreImpl) ListImages(ctx context.Context, projectID string) ([]*models.Image, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, project_id, file_name, storage_path, url FROM images WHERE project_id = $1 ORDER BY file_name, id`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list images for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []*models.Image
	for rows.Next() {
		var img models.Image
		if err := rows.Scan(&img.ID, &img.ProjectID, &img.FileName, &img.StoragePath, &img.URL); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		out = append(out, &img)
	}
	return out, rows.Err()
}

func (s *StoreImpl) CountImages(ctx context.Context, projectID string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM images WHERE project_id = $1`, projectID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count images for project %s: %w", projectID, err)
	}
	return n, nil
}
