package config

import (
	"fmt"
	"net/url"

	"github.com/adhocore/gronx"
)

// ValidateConfig fails fast on values gotchatd cannot start with.
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return fmt.Errorf("effective config is nil")
	}
	switch cfg.Storage.Backend {
	case BackendLocal:
		if eff.DBPath == "" {
			return fmt.Errorf("database path is empty: set -db, GOTCHAT_DB_PATH or server.db_path")
		}
	case BackendRedis:
		if cfg.Redis.URL == "" && cfg.Redis.Addr == "" {
			return fmt.Errorf("redis backend needs redis.url or redis.addr")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q (want %q or %q)", cfg.Storage.Backend, BackendLocal, BackendRedis)
	}

	switch cfg.Upload.Mode {
	case UploadOff:
	case UploadDir:
		if cfg.Upload.BaseURL != "" {
			if _, err := url.ParseRequestURI(cfg.Upload.BaseURL); err != nil {
				return fmt.Errorf("invalid upload.base_url: %w", err)
			}
		}
	case UploadS3:
		if cfg.Upload.S3.Bucket == "" || cfg.Upload.S3.Region == "" {
			return fmt.Errorf("s3 uploads need upload.s3.bucket and upload.s3.region")
		}
	default:
		return fmt.Errorf("unknown upload.mode %q", cfg.Upload.Mode)
	}
	if cfg.Upload.MaxSize < 0 {
		return fmt.Errorf("upload.max_size must not be negative")
	}
	if cfg.Server.RateLimit.RPS < 0 {
		return fmt.Errorf("server.rate_limit.rps must not be negative")
	}

	if cfg.Maintenance.Enabled && !gronx.New().IsValid(cfg.Maintenance.Cron) {
		return fmt.Errorf("invalid maintenance.cron: %q is not a valid cron expression", cfg.Maintenance.Cron)
	}
	return nil
}
