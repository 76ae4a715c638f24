// Package maintenance runs store compaction on a cron schedule.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/metrics"
)

// ErrRunning is returned by RunNow while a compaction is in progress.
var ErrRunning = errors.New("maintenance: compaction already running")

// Compactor is a store that can reclaim space.
type Compactor interface {
	Compact(ctx context.Context) error
}

type Manager struct {
	store Compactor
	cron  string
	now   func() time.Time

	mu      sync.Mutex
	running bool
	runs    int
}

// New validates cron and returns a manager; Start begins the schedule.
func New(store Compactor, cron string) (*Manager, error) {
	if !gronx.New().IsValid(cron) {
		return nil, fmt.Errorf("maintenance: invalid cron expression %q", cron)
	}
	return &Manager{store: store, cron: cron, now: time.Now}, nil
}

// Start runs the schedule until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	logger.Info("maintenance_enabled", "cron", m.cron)
	go m.scheduleLoop(ctx)
}

func (m *Manager) scheduleLoop(ctx context.Context) {
	for {
		next, err := m.Next()
		if err != nil {
			logger.Error("maintenance_nexttick_failed", "cron", m.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := next.Sub(m.now())
		if wait <= 0 {
			m.runJob(ctx)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			m.runJob(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Next is the next scheduled run after now.
func (m *Manager) Next() (time.Time, error) {
	return gronx.NextTickAfter(m.cron, m.now(), false)
}

func (m *Manager) runJob(ctx context.Context) {
	if err := m.RunNow(ctx); err != nil && !errors.Is(err, ErrRunning) {
		logger.Error("maintenance_run_error", "error", err)
	}
}

// RunNow compacts immediately unless a run is already in progress.
func (m *Manager) RunNow(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrRunning
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.runs++
		m.mu.Unlock()
	}()

	start := m.now()
	logger.Info("maintenance_run_start")
	if err := m.store.Compact(ctx); err != nil {
		metrics.Compactions.WithLabelValues("error").Inc()
		return fmt.Errorf("compact: %w", err)
	}
	metrics.Compactions.WithLabelValues("ok").Inc()
	logger.Info("maintenance_run_done", "took", m.now().Sub(start).String())
	return nil
}

// Runs reports how many compactions have finished.
func (m *Manager) Runs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs
}
