package gormstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"drospect/internal/models"
	"drospect/internal/store"
)

func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var row projectRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("project %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &models.Project{ID: row.ID, OwnerID: row.OwnerID, Name: row.Name}, nil
}

func (s *Store) ListImages(ctx context.Context, projectID string) ([]*models.Image, error) {
	var rows []imageRow
	err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Order("file_name, id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list images for project %s: %w", projectID, err)
	}
	out := make([]*models.Image, 0, len(rows))
	for _, r := range rows {
		out = append(out, &models.Image{
			ID: r.ID, ProjectID: r.ProjectID, FileName: r.FileName, StoragePath: r.StoragePath, URL: r.URL,
		})
	}
	return out, nil
}

func (s *Store) CountImages(ctx context.Context, projectID string) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&imageRow{}).Where("project_id = ?", projectID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count images for project %s: %w", projectID, err)
	}
	return int(n), nil
}

// CreateProject inserts a project. Projects are owned by another service;
// this exists for local setups and tests.
func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	row := projectRow{ID: p.ID, OwnerID: p.OwnerID, Name: p.Name}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create project %s: %w", p.ID, err)
	}
	return nil
}

// AddImages inserts image references for local setups and tests.
func (s *Store) AddImages(ctx context.Context, images []*models.Image) error {
	if len(images) == 0 {
		return nil
	}
	rows := make([]imageRow, 0, len(images))
	for _, img := range images {
		rows = append(rows, imageRow{
			ID: img.ID, ProjectID: img.ProjectID, FileName: img.FileName, StoragePath: img.StoragePath, URL: img.URL,
		})
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, 500).Error; err != nil {
		return fmt.Errorf("add images: %w", err)
	}
	return nil
}
