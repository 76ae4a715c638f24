// Package sensor watches the filesystem holding the store and raises an
// alert while it is nearly full.
package sensor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/metrics"
)

type Config struct {
	// Path is any path on the watched filesystem.
	Path         string
	PollInterval time.Duration
	// DiskHighPct raises the alert, DiskLowPct clears it once usage stayed
	// below it for RecoveryWindow.
	DiskHighPct    int
	DiskLowPct     int
	RecoveryWindow time.Duration
}

func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		PollInterval:   30 * time.Second,
		DiskHighPct:    95,
		DiskLowPct:     90,
		RecoveryWindow: 2 * time.Minute,
	}
}

type Sensor struct {
	cfg      Config
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	diskAlert bool
	lowSince  time.Time
}

// statfs returns the used and total bytes of the filesystem holding path.
var statfs = func(path string) (used, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	total = st.Blocks * uint64(st.Bsize)
	avail := st.Bavail * uint64(st.Bsize)
	return total - avail, total, nil
}

func New(cfg Config) *Sensor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig(cfg.Path).PollInterval
	}
	return &Sensor{cfg: cfg, now: time.Now, stopCh: make(chan struct{})}
}

// Start checks once and then polls until ctx is done or Stop.
func (s *Sensor) Start(ctx context.Context) {
	s.check()
	go s.run(ctx)
}

func (s *Sensor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Sensor) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.check()
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// DiskAlert reports whether the disk is considered full.
func (s *Sensor) DiskAlert() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diskAlert
}

func (s *Sensor) check() {
	used, total, err := statfs(s.cfg.Path)
	if err != nil || total == 0 {
		logger.Warn("disk_stat_failed", "path", s.cfg.Path, "error", err)
		return
	}
	pct := float64(used) / float64(total) * 100
	metrics.DiskUsedRatio.Set(pct / 100)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case pct > float64(s.cfg.DiskHighPct):
		s.lowSince = time.Time{}
		if !s.diskAlert {
			logger.Warn("disk_usage_high", "path", s.cfg.Path, "used_pct", pct, "threshold", s.cfg.DiskHighPct)
			s.diskAlert = true
		}
	case pct < float64(s.cfg.DiskLowPct) && s.diskAlert:
		if s.lowSince.IsZero() {
			s.lowSince = now
		}
		if now.Sub(s.lowSince) >= s.cfg.RecoveryWindow {
			logger.Info("disk_usage_recovered", "path", s.cfg.Path, "used_pct", pct, "window", s.cfg.RecoveryWindow.String())
			s.diskAlert = false
			s.lowSince = time.Time{}
		}
	default:
		s.lowSince = time.Time{}
	}
}
