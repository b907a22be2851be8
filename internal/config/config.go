package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: server.port -> DROSPECT_SERVER_PORT.
const EnvPrefix = "DROSPECT"

type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
		Port int    `mapstructure:"port"`
		// PublicBaseURL is where the engine reaches the webhook.
		PublicBaseURL string `mapstructure:"public_base_url"`
	} `mapstructure:"server"`

	Database struct {
		Primary struct {
			DSN string `mapstructure:"dsn"`
			// Driver is "pgx" or "gorm". Empty picks pgx for postgres URLs
			// and gorm for everything else.
			Driver string `mapstructure:"driver"`
		} `mapstructure:"primary"`
	} `mapstructure:"database"`

	Redis struct {
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Worker struct {
		Concurrency int            `mapstructure:"concurrency"`
		Queues      map[string]int `mapstructure:"queues"`
		// Embedded runs the job worker inside serve.
		Embedded bool `mapstructure:"embedded"`
	} `mapstructure:"worker"`

	Engine struct {
		BaseURL         string        `mapstructure:"base_url"`
		Token           string        `mapstructure:"token"`
		Timeout         time.Duration `mapstructure:"timeout"`
		TransferTimeout time.Duration `mapstructure:"transfer_timeout"`
		BatchSize       int           `mapstructure:"batch_size"`
		BatchAttempts   int           `mapstructure:"batch_attempts"`
		BatchRetryDelay time.Duration `mapstructure:"batch_retry_delay"`
	} `mapstructure:"engine"`

	Poller struct {
		Interval             time.Duration `mapstructure:"interval"`
		ErrorInterval        time.Duration `mapstructure:"error_interval"`
		MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
		// ResultClaimTTL must exceed the result job timeout
		// (engine.transfer_timeout + raster.timeout).
		ResultClaimTTL  time.Duration `mapstructure:"result_claim_ttl"`
		SweepInterval   time.Duration `mapstructure:"sweep_interval"`
		StaleStartAfter time.Duration `mapstructure:"stale_start_after"`
	} `mapstructure:"poller"`

	Scheduler struct {
		Enabled  bool          `mapstructure:"enabled"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"scheduler"`

	Storage struct {
		// Driver is "minio" or "memory".
		Driver          string `mapstructure:"driver"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		Bucket          string `mapstructure:"bucket"`
		Region          string `mapstructure:"region"`
		UseSSL          bool   `mapstructure:"use_ssl"`
		PublicBaseURL   string `mapstructure:"public_base_url"`
	} `mapstructure:"storage"`

	Zip struct {
		LockTTL    time.Duration `mapstructure:"lock_ttl"`
		BundleName string        `mapstructure:"bundle_name"`
	} `mapstructure:"zip"`

	Raster struct {
		GDALTranslate   string        `mapstructure:"gdal_translate"`
		GDALInfo        string        `mapstructure:"gdalinfo"`
		WorkDir         string        `mapstructure:"work_dir"`
		BlockSize       int           `mapstructure:"block_size"`
		Compression     string        `mapstructure:"compression"`
		Resampling      string        `mapstructure:"resampling"`
		Timeout         time.Duration `mapstructure:"timeout"`
		TileURLTemplate string        `mapstructure:"tile_url_template"`
	} `mapstructure:"raster"`

	Inspection struct {
		Enabled bool          `mapstructure:"enabled"`
		BaseURL string        `mapstructure:"base_url"`
		APIKey  string        `mapstructure:"api_key"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"inspection"`

	Credits struct {
		PerImage int `mapstructure:"per_image"`
	} `mapstructure:"credits"`

	Split struct {
		AvailableRAMMB    float64 `mapstructure:"available_ram_mb"`
		RAMPerImageMB     float64 `mapstructure:"ram_per_image_mb"`
		MaxImagesPerChunk int     `mapstructure:"max_images_per_chunk"`
		OverlapRatio      float64 `mapstructure:"overlap_ratio"`
		FootprintFactor   float64 `mapstructure:"footprint_factor"`
		MaxOverlapMeters  float64 `mapstructure:"max_overlap_meters"`
	} `mapstructure:"split"`

	Orchestrator struct {
		StreamMaxImages int `mapstructure:"stream_max_images"`
	} `mapstructure:"orchestrator"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// setDefaults registers every key; AutomaticEnv only overrides keys viper
// already knows.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_base_url", "")

	v.SetDefault("database.primary.dsn", "sqlite://drospect.db")
	v.SetDefault("database.primary.driver", "")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queues", map[string]int{"results": 6, "zip": 3, "default": 1})
	v.SetDefault("worker.embedded", true)

	v.SetDefault("engine.base_url", "http://localhost:3000")
	v.SetDefault("engine.token", "")
	v.SetDefault("engine.timeout", 60*time.Second)
	v.SetDefault("engine.transfer_timeout", 30*time.Minute)
	v.SetDefault("engine.batch_size", 50)
	v.SetDefault("engine.batch_attempts", 3)
	v.SetDefault("engine.batch_retry_delay", 5*time.Second)

	v.SetDefault("poller.interval", 20*time.Second)
	v.SetDefault("poller.error_interval", 40*time.Second)
	v.SetDefault("poller.max_consecutive_errors", 5)
	v.SetDefault("poller.result_claim_ttl", 90*time.Minute)
	v.SetDefault("poller.sweep_interval", 5*time.Minute)
	v.SetDefault("poller.stale_start_after", 2*time.Hour)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", 30*time.Second)

	v.SetDefault("storage.driver", "minio")
	v.SetDefault("storage.bucket", "drospect")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key_id", "")
	v.SetDefault("storage.secret_access_key", "")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.public_base_url", "")

	v.SetDefault("zip.lock_ttl", 2*time.Hour)
	v.SetDefault("zip.bundle_name", "images.zip")

	v.SetDefault("raster.gdal_translate", "gdal_translate")
	v.SetDefault("raster.gdalinfo", "gdalinfo")
	v.SetDefault("raster.block_size", 256)
	v.SetDefault("raster.compression", "DEFLATE")
	v.SetDefault("raster.resampling", "NEAREST")
	v.SetDefault("raster.timeout", 30*time.Minute)
	v.SetDefault("raster.work_dir", "")
	v.SetDefault("raster.tile_url_template", "")

	v.SetDefault("inspection.enabled", false)
	v.SetDefault("inspection.base_url", "")
	v.SetDefault("inspection.api_key", "")
	v.SetDefault("inspection.timeout", 30*time.Second)

	v.SetDefault("credits.per_image", 2)

	v.SetDefault("split.available_ram_mb", 61440)
	v.SetDefault("split.ram_per_image_mb", 48)
	v.SetDefault("split.max_images_per_chunk", 1500)
	v.SetDefault("split.overlap_ratio", 0.1)
	v.SetDefault("split.footprint_factor", 0.9)
	v.SetDefault("split.max_overlap_meters", 100)

	v.SetDefault("orchestrator.stream_max_images", 500)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig reads config.yaml from path, or from . and /etc/drospect when
// path is empty. A missing file is fine; defaults and the environment apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/drospect")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	return &cfg, nil
}

// ListenAddr is the serve command's host:port.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Addr, c.Server.Port)
}

// UsesPGX reports whether the primary store runs on pgx.
func (c *Config) UsesPGX() bool {
	switch c.Database.Primary.Driver {
	case "pgx":
		return true
	case "gorm":
		return false
	}
	dsn := c.Database.Primary.DSN
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
