// Package app wires gotchatd: a room store, the HTTP API, the websocket
// push gateway and scheduled maintenance.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/valyala/fasthttp"

	"github.com/antonitor/gotchat/internal/maintenance"
	"github.com/antonitor/gotchat/pkg/api"
	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/backend/local"
	"github.com/antonitor/gotchat/pkg/backend/redisdb"
	"github.com/antonitor/gotchat/pkg/config"
	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/push"
	"github.com/antonitor/gotchat/pkg/sensor"
	"github.com/antonitor/gotchat/pkg/state"
	"github.com/antonitor/gotchat/pkg/upload"
)

// roomStore is what both storage backends offer the server.
type roomStore interface {
	api.Store
	backend.Subscriber
	Close() error
}

// App groups server state and components.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	store   roomStore
	ready   func() bool
	photos  api.Photos
	api     *api.Server
	gateway *push.Gateway
	maint   *maintenance.Manager
	sensor  *sensor.Sensor

	srvFast *fasthttp.Server
	srvPush *http.Server
	apiLn   net.Listener
	pushLn  net.Listener

	state atomic.Value // string
}

// New opens the store and photo storage. Nothing listens until Run.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	if err := validateConfig(eff); err != nil {
		return nil, err
	}
	cfg := eff.Config
	a := &App{eff: eff, version: version, commit: commit, buildDate: buildDate}
	a.state.Store("starting")

	switch cfg.Storage.Backend {
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rb, err := redisdb.New(ctx, redisdb.Options{URL: cfg.Redis.URL, Addr: cfg.Redis.Addr, Prefix: cfg.Redis.Prefix})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.store = rb
		a.ready = func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return rb.Ready(ctx)
		}
	default:
		if err := state.EnsureStateDirs(eff.DBPath); err != nil {
			return nil, err
		}
		lb, err := local.Open(local.Options{Path: state.StorePath(eff.DBPath), Sync: cfg.Storage.Sync})
		if err != nil {
			return nil, fmt.Errorf("failed to open pebble at %s: %w", state.StorePath(eff.DBPath), err)
		}
		a.store = lb
		a.sensor = sensor.New(sensor.DefaultConfig(state.StorePath(eff.DBPath)))
		// a nearly full disk fails readiness before pebble starts failing writes
		a.ready = func() bool { return lb.Ready() && !a.sensor.DiskAlert() }
		if cfg.Maintenance.Enabled {
			m, err := maintenance.New(lb, cfg.Maintenance.Cron)
			if err != nil {
				_ = lb.Close()
				return nil, err
			}
			a.maint = m
		}
	}

	photos, err := openPhotos(eff)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.photos = photos

	a.api = api.New(a.store, a.photos, a.ready, api.Config{
		AdminKey:       cfg.Server.AdminKey,
		RateLimitRPS:   cfg.Server.RateLimit.RPS,
		RateLimitBurst: cfg.Server.RateLimit.Burst,
		RequestTimeout: cfg.Server.RequestTimeout.Duration(),
	})
	a.gateway = push.New(a.store, push.Options{AllowedOrigins: cfg.Server.AllowedOrigins})

	logger.LogConfigSummary("config_summary", []string{
		"source: " + eff.Source,
		"backend: " + cfg.Storage.Backend,
		"upload: " + cfg.Upload.Mode + " (max " + humanize.IBytes(uint64(cfg.Upload.MaxSize.Int64())) + ")",
		"rate_limit: " + strconv.FormatFloat(cfg.Server.RateLimit.RPS, 'f', -1, 64) + " rps, burst " + humanize.Comma(int64(cfg.Server.RateLimit.Burst)),
	})
	return a, nil
}

// openPhotos returns nil when uploads are off, which disables the photo routes.
func openPhotos(eff config.EffectiveConfigResult) (api.Photos, error) {
	u := eff.Config.Upload
	switch u.Mode {
	case config.UploadOff:
		return nil, nil
	case config.UploadS3:
		s3, err := upload.NewS3(upload.S3Options{
			Region:    u.S3.Region,
			Bucket:    u.S3.Bucket,
			Prefix:    u.S3.Prefix,
			Endpoint:  u.S3.Endpoint,
			PathStyle: u.S3.PathStyle,
			AccessKey: u.S3.AccessKey,
			SecretKey: u.S3.SecretKey,
			MaxSize:   u.MaxSize.Int64(),
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	default:
		dir := u.Dir
		if dir == "" {
			dir = state.PhotosPath(eff.DBPath)
		}
		base := u.BaseURL
		if base == "" {
			base = "http://" + advertised(eff.Addr) + "/v1/photos"
		}
		d, err := upload.NewDir(dir, base, u.MaxSize.Int64())
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// advertised turns a wildcard listen address into one clients can dial.
func advertised(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

// Run starts every listener and blocks until ctx is done or one fails.
func (a *App) Run(ctx context.Context) error {
	if a.maint != nil {
		a.maint.Start(ctx)
	}
	if a.sensor != nil {
		a.sensor.Start(ctx)
	}
	errCh := make(chan error, 2)
	if err := a.startHTTP(errCh); err != nil {
		return err
	}
	if err := a.startPush(errCh); err != nil {
		return err
	}
	a.state.Store("running")
	logger.Info("gotchatd_started", "api", a.apiLn.Addr().String(), "push", a.pushLn.Addr().String(), "version", a.version)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// State reports the lifecycle phase: starting, running, shutting_down or stopped.
func (a *App) State() string { return a.state.Load().(string) }

// APIAddr and PushAddr are the bound listener addresses once Run started.
func (a *App) APIAddr() string {
	if a.apiLn == nil {
		return ""
	}
	return a.apiLn.Addr().String()
}

func (a *App) PushAddr() string {
	if a.pushLn == nil {
		return ""
	}
	return a.pushLn.Addr().String()
}
