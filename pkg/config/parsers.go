package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
)

// Flags holds parsed command-line values and which of them were set.
type Flags struct {
	Addr     string
	PushAddr string
	DB       string
	Config   string
	Set      map[string]bool
}

// EnvResult reports which GOTCHAT_* variables were present.
type EnvResult struct {
	Used []string
}

// EffectiveConfigResult is the merged config and where it came from.
type EffectiveConfigResult struct {
	Config   *Config
	Addr     string
	PushAddr string
	DBPath   string
	Source   string // e.g. "config+env+flags"
}

// ParseConfigFlags parses gotchatd flags from args.
func ParseConfigFlags(args []string) (Flags, error) {
	fs := flag.NewFlagSet("gotchatd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addr := fs.String("addr", ":8080", "HTTP API listen address")
	pushAddr := fs.String("push-addr", ":8081", "websocket push listen address")
	db := fs.String("db", defaultDBPath, "Pebble DB path")
	cfgPath := fs.String("config", "./gotchat.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Addr: *addr, PushAddr: *pushAddr, DB: *db, Config: *cfgPath, Set: set}, nil
}

// ParseConfigFile loads the config file. A missing file is only an error
// when its path was given explicitly.
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	path := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := LoadConfigFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !flags.Set["config"] {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// ParseConfigEnvs reads GOTCHAT_* variables into a sparse Config.
func ParseConfigEnvs() (*Config, EnvResult, error) {
	return parseEnvs(os.LookupEnv)
}

func parseEnvs(lookup func(string) (string, bool)) (*Config, EnvResult, error) {
	cfg := &Config{}
	var res EnvResult
	var errs []error

	get := func(name string) (string, bool) {
		v, ok := lookup("GOTCHAT_" + name)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return "", false
		}
		res.Used = append(res.Used, "GOTCHAT_"+name)
		return v, true
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("GOTCHAT_%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := get(name); ok {
			*dst = parseBool(v)
		}
	}

	if v, ok := get("ADDR"); ok {
		host, port, err := net.SplitHostPort(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("GOTCHAT_ADDR: %w", err))
		} else {
			cfg.Server.Address = host
			cfg.Server.Port, _ = strconv.Atoi(port)
		}
	}
	str("PUSH_ADDR", &cfg.Server.PushAddress)
	str("DB_PATH", &cfg.Server.DBPath)
	str("ADMIN_KEY", &cfg.Server.AdminKey)
	if v, ok := get("CORS_ORIGINS"); ok {
		cfg.Server.AllowedOrigins = parseList(v)
	}
	if v, ok := get("REQUEST_TIMEOUT"); ok {
		d, err := ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("GOTCHAT_REQUEST_TIMEOUT: %w", err))
		}
		cfg.Server.RequestTimeout = d
	}
	if v, ok := get("RATE_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("GOTCHAT_RATE_RPS: %w", err))
		}
		cfg.Server.RateLimit.RPS = f
	}
	num("RATE_BURST", &cfg.Server.RateLimit.Burst)

	str("BACKEND", &cfg.Storage.Backend)
	boolean("SYNC_WRITES", &cfg.Storage.Sync)
	str("REDIS_URL", &cfg.Redis.URL)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PREFIX", &cfg.Redis.Prefix)

	str("UPLOAD_MODE", &cfg.Upload.Mode)
	str("UPLOAD_DIR", &cfg.Upload.Dir)
	str("UPLOAD_BASE_URL", &cfg.Upload.BaseURL)
	if v, ok := get("UPLOAD_MAX_SIZE"); ok {
		s, err := ParseSize(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("GOTCHAT_UPLOAD_MAX_SIZE: %w", err))
		}
		cfg.Upload.MaxSize = s
	}
	str("S3_REGION", &cfg.Upload.S3.Region)
	str("S3_BUCKET", &cfg.Upload.S3.Bucket)
	str("S3_PREFIX", &cfg.Upload.S3.Prefix)
	str("S3_ENDPOINT", &cfg.Upload.S3.Endpoint)
	boolean("S3_PATH_STYLE", &cfg.Upload.S3.PathStyle)
	str("S3_ACCESS_KEY", &cfg.Upload.S3.AccessKey)
	str("S3_SECRET_KEY", &cfg.Upload.S3.SecretKey)

	boolean("MAINTENANCE_ENABLED", &cfg.Maintenance.Enabled)
	str("MAINTENANCE_CRON", &cfg.Maintenance.Cron)
	str("LOG_LEVEL", &cfg.Logging.Level)

	return cfg, res, errors.Join(errs...)
}

func parseList(v string) []string {
	var parts []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// LoadEffectiveConfig layers the sources: defaults < file < env < flags.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envRes EnvResult) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult
	out := &Config{}
	var sources []string
	if fileExists && fileCfg != nil {
		*out = *fileCfg
		sources = append(sources, "config")
	}
	if len(envRes.Used) > 0 && envCfg != nil {
		overlay(out, envCfg)
		sources = append(sources, "env")
	}
	if flags.Set["addr"] {
		host, port, err := net.SplitHostPort(flags.Addr)
		if err != nil {
			return res, fmt.Errorf("invalid -addr %q: %w", flags.Addr, err)
		}
		out.Server.Address = host
		out.Server.Port, _ = strconv.Atoi(port)
	}
	if flags.Set["push-addr"] {
		out.Server.PushAddress = flags.PushAddr
	}
	if flags.Set["db"] {
		out.Server.DBPath = flags.DB
	}
	if flags.Set["addr"] || flags.Set["push-addr"] || flags.Set["db"] {
		sources = append(sources, "flags")
	}
	if len(sources) == 0 {
		sources = append(sources, "defaults")
	}
	out.ApplyDefaults()

	res.Config = out
	res.Addr = out.Addr()
	res.PushAddr = out.PushAddr()
	res.DBPath = out.Server.DBPath
	res.Source = strings.Join(sources, "+")
	return res, nil
}

// overlay copies every non-zero field of src onto dst.
func overlay(dst, src *Config) {
	setStr := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	setStr(&dst.Server.Address, src.Server.Address)
	if src.Server.Port != 0 {
		dst.Server.Port = src.Server.Port
	}
	setStr(&dst.Server.PushAddress, src.Server.PushAddress)
	setStr(&dst.Server.DBPath, src.Server.DBPath)
	setStr(&dst.Server.AdminKey, src.Server.AdminKey)
	if src.Server.RequestTimeout != 0 {
		dst.Server.RequestTimeout = src.Server.RequestTimeout
	}
	if len(src.Server.AllowedOrigins) > 0 {
		dst.Server.AllowedOrigins = src.Server.AllowedOrigins
	}
	if src.Server.RateLimit.RPS != 0 {
		dst.Server.RateLimit.RPS = src.Server.RateLimit.RPS
	}
	if src.Server.RateLimit.Burst != 0 {
		dst.Server.RateLimit.Burst = src.Server.RateLimit.Burst
	}

	setStr(&dst.Storage.Backend, src.Storage.Backend)
	dst.Storage.Sync = dst.Storage.Sync || src.Storage.Sync
	setStr(&dst.Redis.URL, src.Redis.URL)
	setStr(&dst.Redis.Addr, src.Redis.Addr)
	setStr(&dst.Redis.Prefix, src.Redis.Prefix)

	setStr(&dst.Upload.Mode, src.Upload.Mode)
	setStr(&dst.Upload.Dir, src.Upload.Dir)
	setStr(&dst.Upload.BaseURL, src.Upload.BaseURL)
	if src.Upload.MaxSize != 0 {
		dst.Upload.MaxSize = src.Upload.MaxSize
	}
	setStr(&dst.Upload.S3.Region, src.Upload.S3.Region)
	setStr(&dst.Upload.S3.Bucket, src.Upload.S3.Bucket)
	setStr(&dst.Upload.S3.Prefix, src.Upload.S3.Prefix)
	setStr(&dst.Upload.S3.Endpoint, src.Upload.S3.Endpoint)
	dst.Upload.S3.PathStyle = dst.Upload.S3.PathStyle || src.Upload.S3.PathStyle
	setStr(&dst.Upload.S3.AccessKey, src.Upload.S3.AccessKey)
	setStr(&dst.Upload.S3.SecretKey, src.Upload.S3.SecretKey)

	dst.Maintenance.Enabled = dst.Maintenance.Enabled || src.Maintenance.Enabled
	setStr(&dst.Maintenance.Cron, src.Maintenance.Cron)
	setStr(&dst.Logging.Level, src.Logging.Level)
}
