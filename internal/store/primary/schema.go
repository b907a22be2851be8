package primary

// schema is applied statement by statement by Migrate.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id       TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS images (
		id           TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		file_name    TEXT NOT NULL,
		storage_path TEXT NOT NULL DEFAULT '',
		url          TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_images_project ON images (project_id)`,
	`CREATE TABLE IF NOT EXISTS wallets (
		account_id TEXT PRIMARY KEY,
		credits    INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS orthomosaic_tasks (
		id                TEXT PRIMARY KEY,
		project_id        TEXT NOT NULL,
		account_id        TEXT NOT NULL,
		images_count      INTEGER NOT NULL,
		model             TEXT NOT NULL,
		engine_options    JSONB NOT NULL DEFAULT '{}',
		split_plan        JSONB NOT NULL DEFAULT '{}',
		status            TEXT NOT NULL,
		progress          INTEGER NOT NULL DEFAULT 0,
		result_url        TEXT NOT NULL DEFAULT '',
		raster_url        TEXT NOT NULL DEFAULT '',
		tile_service_url  TEXT NOT NULL DEFAULT '',
		bounds            JSONB,
		zoom_range        JSONB,
		error_message     TEXT NOT NULL DEFAULT '',
		warning           TEXT NOT NULL DEFAULT '',
		webhook_url       TEXT NOT NULL DEFAULT '',
		refunded_at       TIMESTAMPTZ,
		result_claimed_at TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orthomosaic_tasks_project ON orthomosaic_tasks (project_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_orthomosaic_tasks_status_updated ON orthomosaic_tasks (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id         BIGSERIAL PRIMARY KEY,
		account_id TEXT NOT NULL,
		task_id    TEXT,
		amount     INTEGER NOT NULL,
		kind       TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_refund ON credit_transactions (task_id) WHERE kind = 'refund'`,
}
