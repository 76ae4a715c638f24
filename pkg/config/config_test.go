package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSizeAndDurationYAML(t *testing.T) {
	var v struct {
		Size SizeBytes `yaml:"size"`
		Raw  SizeBytes `yaml:"raw"`
		Dur  Duration  `yaml:"dur"`
		Secs Duration  `yaml:"secs"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("size: 8MB\nraw: 1024\ndur: 150ms\nsecs: 2\n"), &v))
	assert.Equal(t, int64(8_000_000), v.Size.Int64())
	assert.Equal(t, int64(1024), v.Raw.Int64())
	assert.Equal(t, 150*time.Millisecond, v.Dur.Duration())
	assert.Equal(t, 2*time.Second, v.Secs.Duration())

	assert.Error(t, yaml.Unmarshal([]byte("size: lots\n"), &v))
	assert.Error(t, yaml.Unmarshal([]byte("dur: soon\n"), &v))
}

func TestParseConfigFlags(t *testing.T) {
	f, err := ParseConfigFlags([]string{"-addr", "127.0.0.1:9000", "-db", "/tmp/x"})
	require.NoError(t, err)
	assert.True(t, f.Set["addr"])
	assert.True(t, f.Set["db"])
	assert.False(t, f.Set["config"])
	assert.Equal(t, "/tmp/x", f.DB)

	_, err = ParseConfigFlags([]string{"-bogus"})
	assert.Error(t, err)
}

func TestParseConfigFileMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	cfg, found, err := ParseConfigFile(Flags{Config: missing, Set: map[string]bool{}})
	require.NoError(t, err)
	assert.False(t, found)
	assert.NotNil(t, cfg)

	_, _, err = ParseConfigFile(Flags{Config: missing, Set: map[string]bool{"config": true}})
	assert.Error(t, err)
}

func TestParseEnvs(t *testing.T) {
	env := map[string]string{
		"GOTCHAT_ADDR":            "127.0.0.1:7000",
		"GOTCHAT_BACKEND":         "redis",
		"GOTCHAT_REDIS_ADDR":      "localhost:6379",
		"GOTCHAT_UPLOAD_MAX_SIZE": "2MiB",
		"GOTCHAT_CORS_ORIGINS":    "https://a.example, https://b.example",
		"GOTCHAT_S3_PATH_STYLE":   "yes",
	}
	cfg, res, err := parseEnvs(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	require.NoError(t, err)
	assert.Len(t, res.Used, len(env))
	assert.Equal(t, "127.0.0.1", cfg.Server.Address)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, int64(2<<20), cfg.Upload.MaxSize.Int64())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.True(t, cfg.Upload.S3.PathStyle)

	_, _, err = parseEnvs(func(k string) (string, bool) {
		if k == "GOTCHAT_RATE_BURST" {
			return "many", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestLoadEffectiveConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gotchat.yaml")
	body := strings.Join([]string{
		"server:",
		"  address: 10.0.0.1",
		"  port: 9000",
		"  db_path: /from/file",
		"  admin_key: file-key",
		"logging:",
		"  level: debug",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	flags, err := ParseConfigFlags([]string{"-config", path, "-db", "/from/flag"})
	require.NoError(t, err)
	fileCfg, found, err := ParseConfigFile(flags)
	require.NoError(t, err)
	require.True(t, found)
	envCfg := &Config{}
	envCfg.Server.AdminKey = "env-key"
	envCfg.Server.Port = 9100

	eff, err := LoadEffectiveConfig(flags, fileCfg, found, envCfg, EnvResult{Used: []string{"GOTCHAT_ADMIN_KEY"}})
	require.NoError(t, err)
	assert.Equal(t, "config+env+flags", eff.Source)
	assert.Equal(t, "/from/flag", eff.DBPath)
	assert.Equal(t, "10.0.0.1:9100", eff.Addr)
	assert.Equal(t, "env-key", eff.Config.Server.AdminKey)
	assert.Equal(t, "debug", eff.Config.Logging.Level)
	assert.Equal(t, BackendLocal, eff.Config.Storage.Backend)
	require.NoError(t, ValidateConfig(eff))
}

func TestDefaultsOnly(t *testing.T) {
	eff, err := LoadEffectiveConfig(Flags{Set: map[string]bool{}}, &Config{}, false, &Config{}, EnvResult{})
	require.NoError(t, err)
	assert.Equal(t, "defaults", eff.Source)
	assert.Equal(t, "0.0.0.0:8080", eff.Addr)
	assert.Equal(t, defaultPushAddress, eff.PushAddr)
	assert.Equal(t, defaultDBPath, eff.DBPath)
	assert.Equal(t, UploadDir, eff.Config.Upload.Mode)
	assert.Equal(t, int64(defaultUploadMaxSize), eff.Config.Upload.MaxSize.Int64())
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mysql" }, false},
		{"redis without address", func(c *Config) { c.Storage.Backend = BackendRedis }, false},
		{"redis url", func(c *Config) { c.Storage.Backend = BackendRedis; c.Redis.URL = "redis://localhost:6379/0" }, true},
		{"s3 without bucket", func(c *Config) { c.Upload.Mode = UploadS3 }, false},
		{"s3", func(c *Config) { c.Upload.Mode = UploadS3; c.Upload.S3.Bucket = "b"; c.Upload.S3.Region = "eu-west-1" }, true},
		{"bad cron", func(c *Config) { c.Maintenance.Enabled = true; c.Maintenance.Cron = "every day" }, false},
		{"disabled bad cron", func(c *Config) { c.Maintenance.Cron = "every day" }, true},
		{"unknown upload mode", func(c *Config) { c.Upload.Mode = "ftp" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			tt.mutate(cfg)
			cfg.ApplyDefaults()
			err := ValidateConfig(EffectiveConfigResult{Config: cfg, DBPath: cfg.Server.DBPath})
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
