package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"drospect/internal/models"
	"drospect/internal/store"
)

// StoreImpl implements store.Store using PostgreSQL.
type StoreImpl struct {
	db *pgxpool.Pool
}

var _ store.Store = (*StoreImpl)(nil)

// NewPrimaryStore creates a new PostgreSQL store.
func NewPrimaryStore(ctx context.Context, dsn string) (*StoreImpl, error) {
	if dsn == "" {
		return nil, errors.New("database DSN cannot be empty")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database DSN: %w", err)
	}

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &StoreImpl{db: dbpool}, nil
}

// Ping checks the database connection.
func (s *StoreImpl) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the connection pool.
func (s *StoreImpl) Close() error {
	s.db.Close()
	return nil
}

// Migrate applies the schema. Every statement is idempotent.
func (s *StoreImpl) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

// --- Helper Functions ---

const taskColumns = `id, project_id, account_id, images_count, model, engine_options, split_plan,
	status, progress, result_url, raster_url, tile_service_url, bounds, zoom_range,
	error_message, warning, webhook_url, refunded_at, result_claimed_at, created_at, updated_at`

// scanTask reads one row selected with taskColumns.
func scanTask(row pgx.Row) (*models.Task, error) {
	var (
		t                              models.Task
		options, plan, bounds, zoomRng []byte
	)
	err := row.Scan(
		&t.ID,
		&t.ProjectID,
		&t.AccountID,
		&t.ImagesCount,
		&t.Model,
		&options,
		&plan,
		&t.Status,
		&t.Progress,
		&t.ResultURL,
		&t.RasterURL,
		&t.TileServiceURL,
		&bounds,
		&zoomRng,
		&t.ErrorMessage,
		&t.Warning,
		&t.WebhookURL,
		&t.RefundedAt,
		&t.ResultClaimedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(options, &t.Options); err != nil {
		return nil, fmt.Errorf("task %s engine_options: %w", t.ID, err)
	}
	if err := decodeJSON(plan, &t.Split); err != nil {
		return nil, fmt.Errorf("task %s split_plan: %w", t.ID, err)
	}
	if err := decodeJSON(bounds, &t.Bounds); err != nil {
		return nil, fmt.Errorf("task %s bounds: %w", t.ID, err)
	}
	if err := decodeJSON(zoomRng, &t.ZoomRange); err != nil {
		return nil, fmt.Errorf("task %s zoom_range: %w", t.ID, err)
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*models.Task, error) {
	defer rows.Close()
	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func decodeJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
