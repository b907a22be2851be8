package gormstore

import (
	"encoding/json"
	"fmt"
	"time"

	"drospect/internal/models"
)

type projectRow struct {
	ID      string `gorm:"primaryKey"`
	OwnerID string `gorm:"not null"`
	Name    string `gorm:"not null;default:''"`
}

func (projectRow) TableName() string { return "projects" }

type imageRow struct {
	ID          string `gorm:"primaryKey"`
	ProjectID   string `gorm:"not null;index:idx_images_project"`
	FileName    string `gorm:"not null"`
	StoragePath string `gorm:"not null;default:''"`
	URL         string `gorm:"column:url;not null;default:''"`
}

func (imageRow) TableName() string { return "images" }

type walletRow struct {
	AccountID string `gorm:"primaryKey"`
	Credits   int    `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (walletRow) TableName() string { return "wallets" }

type creditTxRow struct {
	ID        uint    `gorm:"primaryKey;autoIncrement"`
	AccountID string  `gorm:"not null;index"`
	TaskID    *string `gorm:"index"`
	Amount    int     `gorm:"not null"`
	Kind      string  `gorm:"not null"`
	Reason    string  `gorm:"not null;default:''"`
	CreatedAt time.Time
}

func (creditTxRow) TableName() string { return "credit_transactions" }

type taskRow struct {
	ID              string `gorm:"primaryKey"`
	ProjectID       string `gorm:"not null;index:idx_orthomosaic_tasks_project"`
	AccountID       string `gorm:"not null"`
	ImagesCount     int    `gorm:"not null"`
	Model           string `gorm:"not null"`
	EngineOptions   string `gorm:"type:text;not null"`
	SplitPlan       string `gorm:"type:text;not null"`
	Status          string `gorm:"not null;index:idx_orthomosaic_tasks_status"`
	Progress        int    `gorm:"not null;default:0"`
	ResultURL       string `gorm:"column:result_url;not null;default:''"`
	RasterURL       string `gorm:"column:raster_url;not null;default:''"`
	TileServiceURL  string `gorm:"column:tile_service_url;not null;default:''"`
	Bounds          *string
	ZoomRange       *string
	ErrorMessage    string `gorm:"not null;default:''"`
	Warning         string `gorm:"not null;default:''"`
	WebhookURL      string `gorm:"column:webhook_url;not null;default:''"`
	RefundedAt      *time.Time
	ResultClaimedAt *time.Time
	CreatedAt       time.Time `gorm:"index:idx_orthomosaic_tasks_project;index:idx_orthomosaic_tasks_status"`
	UpdatedAt       time.Time
}

func (taskRow) TableName() string { return "orthomosaic_tasks" }

func newTaskRow(t *models.Task) (*taskRow, error) {
	opts, err := json.Marshal(t.Options)
	if err != nil {
		return nil, fmt.Errorf("encode engine options: %w", err)
	}
	plan, err := json.Marshal(t.Split)
	if err != nil {
		return nil, fmt.Errorf("encode split plan: %w", err)
	}
	return &taskRow{
		ID:            t.ID,
		ProjectID:     t.ProjectID,
		AccountID:     t.AccountID,
		ImagesCount:   t.ImagesCount,
		Model:         string(t.Model),
		EngineOptions: string(opts),
		SplitPlan:     string(plan),
		Status:        string(t.Status),
		Progress:      t.Progress,
		WebhookURL:    t.WebhookURL,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}, nil
}

func (r *taskRow) toModel() (*models.Task, error) {
	t := &models.Task{
		ID:              r.ID,
		ProjectID:       r.ProjectID,
		AccountID:       r.AccountID,
		ImagesCount:     r.ImagesCount,
		Model:           models.FlightModel(r.Model),
		Status:          models.TaskStatus(r.Status),
		Progress:        r.Progress,
		ResultURL:       r.ResultURL,
		RasterURL:       r.RasterURL,
		TileServiceURL:  r.TileServiceURL,
		ErrorMessage:    r.ErrorMessage,
		Warning:         r.Warning,
		WebhookURL:      r.WebhookURL,
		RefundedAt:      r.RefundedAt,
		ResultClaimedAt: r.ResultClaimedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.EngineOptions), &t.Options); err != nil {
		return nil, fmt.Errorf("task %s engine options: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.SplitPlan), &t.Split); err != nil {
		return nil, fmt.Errorf("task %s split plan: %w", r.ID, err)
	}
	if r.Bounds != nil {
		if err := json.Unmarshal([]byte(*r.Bounds), &t.Bounds); err != nil {
			return nil, fmt.Errorf("task %s bounds: %w", r.ID, err)
		}
	}
	if r.ZoomRange != nil {
		if err := json.Unmarshal([]byte(*r.ZoomRange), &t.ZoomRange); err != nil {
			return nil, fmt.Errorf("task %s zoom range: %w", r.ID, err)
		}
	}
	return t, nil
}

func toModels(rows []taskRow) ([]*models.Task, error) {
	out := make([]*models.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func jsonString(v any) (*string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
