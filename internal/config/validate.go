package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
)

/*
Validation covers the settings the orchestrator cannot run without:
- the primary database and its driver
- Redis and the worker queues
- the engine endpoint and transfer tuning
- the object store for the selected driver
- the enabled inspection hand-off
- split and credit policy ranges
*/

func (c *Config) Validate() error {
	// Database config
	dsn := c.Database.Primary.DSN
	if dsn == "" {
		return errors.New("database.primary.dsn is required")
	}
	switch c.Database.Primary.Driver {
	case "", "gorm":
	case "pgx":
		if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
			return errors.New("database.primary.driver pgx needs a postgres:// dsn")
		}
	default:
		return fmt.Errorf("database.primary.driver %q is not one of pgx, gorm", c.Database.Primary.Driver)
	}

	// Redis config
	if c.Redis.Address == "" {
		return errors.New("redis.address is required")
	}

	// Worker config
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be a positive integer")
	}
	if len(c.Worker.Queues) == 0 {
		return errors.New("worker.queues must define at least one queue")
	}
	for name, priority := range c.Worker.Queues {
		if name == "" {
			return errors.New("worker.queues contains an empty queue name")
		}
		if priority <= 0 {
			return fmt.Errorf("worker.queues priority for queue '%s' must be positive", name)
		}
	}

	// Engine config
	if c.Engine.BaseURL == "" {
		return errors.New("engine.base_url is required")
	}
	if u, err := url.Parse(c.Engine.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("engine.base_url %q is not an absolute URL", c.Engine.BaseURL)
	}
	if c.Engine.BatchSize <= 0 {
		return errors.New("engine.batch_size must be positive")
	}
	if c.Engine.BatchAttempts <= 0 {
		return errors.New("engine.batch_attempts must be positive")
	}

	// Poller config
	if c.Poller.MaxConsecutiveErrors <= 0 {
		return errors.New("poller.max_consecutive_errors must be positive")
	}
	if jobTimeout := c.Engine.TransferTimeout + c.Raster.Timeout; c.Poller.ResultClaimTTL <= jobTimeout {
		return fmt.Errorf("poller.result_claim_ttl must exceed the result job timeout of %s", jobTimeout)
	}
	if c.Poller.SweepInterval <= 0 {
		return errors.New("poller.sweep_interval must be positive")
	}
	if c.Poller.StaleStartAfter <= c.Engine.TransferTimeout {
		return errors.New("poller.stale_start_after must exceed engine.transfer_timeout")
	}

	// Storage config
	switch c.Storage.Driver {
	case "minio":
		if c.Storage.Endpoint == "" {
			return errors.New("storage.endpoint is required for the minio driver")
		}
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the minio driver")
		}
	case "memory":
		log.Warn("storage.driver is memory; bundles and results do not survive a restart")
	default:
		return fmt.Errorf("storage.driver %q is not one of minio, memory", c.Storage.Driver)
	}

	// Inspection config
	if c.Inspection.Enabled && c.Inspection.BaseURL == "" {
		return errors.New("inspection.base_url is required when inspection is enabled")
	}

	// Policy config
	if c.Credits.PerImage <= 0 {
		return errors.New("credits.per_image must be positive")
	}
	if c.Split.MaxImagesPerChunk <= 0 {
		return errors.New("split.max_images_per_chunk must be positive")
	}
	if c.Split.OverlapRatio < 0 || c.Split.OverlapRatio >= 1 {
		return fmt.Errorf("split.overlap_ratio (%g) must be in [0, 1)", c.Split.OverlapRatio)
	}
	if c.Orchestrator.StreamMaxImages < 0 {
		return errors.New("orchestrator.stream_max_images must not be negative")
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}
	return nil
}
