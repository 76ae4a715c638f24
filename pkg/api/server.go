// Package api serves the gotchatd HTTP API on fasthttp.
package api

import (
	"context"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/metrics"
	"github.com/antonitor/gotchat/pkg/models"
	"github.com/antonitor/gotchat/pkg/ratelimit"
	"github.com/antonitor/gotchat/pkg/router"
)

const (
	AuthorHeader   = "X-Gotchat-Author"
	AdminKeyHeader = "X-Gotchat-Admin-Key"

	DefaultRequestTimeout = 10 * time.Second
)

var (
	heapAlloc = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "gotchat_heap_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		},
		func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapAlloc)
		},
	)

	gcPauseTotal = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "gotchat_gc_pause_total_ns",
			Help: "Total GC pause time in nanoseconds.",
		},
		func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.PauseTotalNs)
		},
	)
)

func init() {
	prometheus.MustRegister(heapAlloc)
	prometheus.MustRegister(gcPauseTotal)
}

// Store is the room storage the API serves. Both the pebble and the redis
// backends implement it.
type Store interface {
	backend.Persister
	Snapshot(ctx context.Context, room string) (backend.Snapshot, error)
	Rooms(ctx context.Context) ([]models.Room, error)
	SetTitle(ctx context.Context, room, title string) (models.Room, error)
	Revoke(ctx context.Context, room string) error
}

// Photos stores uploaded photo bytes.
type Photos interface {
	Put(ctx context.Context, name string, r io.Reader) (string, error)
	Open(name string) (io.ReadCloser, int64, error)
	ContentType(name string) string
}

type Config struct {
	// AdminKey enables the admin routes when set.
	AdminKey       string
	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
}

type Server struct {
	store   Store
	photos  Photos
	ready   func() bool
	cfg     Config
	limiter *ratelimit.Pool
}

// New builds the API. photos may be nil, which disables the photo routes.
func New(store Store, photos Photos, ready func() bool, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{
		store:   store,
		photos:  photos,
		ready:   ready,
		cfg:     cfg,
		limiter: ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
}

// Close stops background work of the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

// wrapHTTPHandler adapts a net/http handler to fasthttp.
func wrapHTTPHandler(h http.Handler) fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(h)
}

// RegisterRoutes wires every API route onto r.
func (s *Server) RegisterRoutes(r *router.Router) {
	r.GET("/healthz", s.health)
	r.GET("/readyz", s.readiness)
	r.GET("/metrics", wrapHTTPHandler(promhttp.Handler()))

	r.GET("/v1/rooms", s.listRooms)
	r.PUT("/v1/rooms/{room}", s.putRoom)
	r.GET("/v1/rooms/{room}/messages", s.readMessages)
	r.POST("/v1/rooms/{room}/messages", s.persistMessage)
	r.PUT("/v1/rooms/{room}/messages/{id}/photo", s.attachPhoto)
	r.POST("/v1/rooms/{room}/revoke", s.revokeRoom)

	r.POST("/v1/photos", s.uploadPhoto)
	r.GET("/v1/photos/{name}", s.readPhoto)
}

// Handler returns the API with logging, rate limiting and request metrics.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	s.RegisterRoutes(r)
	return s.middleware(r.Handler)
}

func (s *Server) middleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		logger.LogRequestFast(ctx)
		if !exempt(ctx) && !s.limiter.Allow(clientKey(ctx)) {
			metrics.RateLimited.Inc()
			logger.Warn("request_rate_limited", "key", clientKey(ctx), "path", string(ctx.Path()))
			router.WriteJSONError(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
		} else {
			next(ctx)
		}
		metrics.HTTPRequests.WithLabelValues(string(ctx.Method()), strconv.Itoa(ctx.Response.StatusCode())).Inc()
	}
}

func exempt(ctx *fasthttp.RequestCtx) bool {
	switch string(ctx.Path()) {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}

// clientKey identifies the caller for rate limiting.
func clientKey(ctx *fasthttp.RequestCtx) string {
	if a := ctx.Request.Header.Peek(AuthorHeader); len(a) > 0 {
		return "author:" + string(a)
	}
	return "ip:" + ctx.RemoteIP().String()
}

func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
}

func (s *Server) health(ctx *fasthttp.RequestCtx) {
	_ = router.WriteJSON(ctx, map[string]string{"status": "ok"})
}

func (s *Server) readiness(ctx *fasthttp.RequestCtx) {
	if !s.ready() {
		router.WriteJSONError(ctx, fasthttp.StatusServiceUnavailable, "not ready")
		return
	}
	_ = router.WriteJSON(ctx, map[string]string{"status": "ready"})
}
