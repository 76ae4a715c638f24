package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAddress        = "0.0.0.0"
	defaultPort           = 8080
	defaultPushAddress    = "0.0.0.0:8081"
	defaultDBPath         = "./.gotchat"
	defaultRequestTimeout = 10 * time.Second
	defaultRateRPS        = 50
	defaultRateBurst      = 100
	defaultRedisPrefix    = "gotchat"
	defaultUploadMaxSize  = 8 << 20
	// compact once a day at 03:30
	defaultMaintenanceCron = "30 3 * * *"

	BackendLocal = "local"
	BackendRedis = "redis"

	UploadDir = "dir"
	UploadS3  = "s3"
	UploadOff = "off"
)

// Addr returns the API listen address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = defaultAddress
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// PushAddr returns the websocket listen address.
func (c *Config) PushAddr() string {
	if c.Server.PushAddress == "" {
		return defaultPushAddress
	}
	return c.Server.PushAddress
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	if c.Server.DBPath == "" {
		c.Server.DBPath = defaultDBPath
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = Duration(defaultRequestTimeout)
	}
	if c.Server.RateLimit.RPS == 0 {
		c.Server.RateLimit.RPS = defaultRateRPS
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = defaultRateBurst
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendLocal
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = defaultRedisPrefix
	}
	if c.Upload.Mode == "" {
		c.Upload.Mode = UploadDir
	}
	if c.Upload.MaxSize == 0 {
		c.Upload.MaxSize = defaultUploadMaxSize
	}
	if c.Maintenance.Cron == "" {
		c.Maintenance.Cron = defaultMaintenanceCron
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// ResolveConfigPath returns the config file path, preferring flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("GOTCHAT_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
