package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonitor/gotchat/pkg/backend/local"
)

type blockingStore struct {
	entered chan struct{}
	release chan struct{}
	err     error
}

func (s *blockingStore) Compact(ctx context.Context) error {
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.err
}

func TestNewRejectsBadCron(t *testing.T) {
	_, err := New(&blockingStore{}, "sometimes")
	assert.Error(t, err)
}

func TestNext(t *testing.T) {
	m, err := New(&blockingStore{}, "30 3 * * *")
	require.NoError(t, err)
	m.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }
	next, err := m.Next()
	require.NoError(t, err)
	want := time.Date(2026, 5, 2, 3, 30, 0, 0, time.UTC)
	assert.True(t, want.Equal(next), "next = %v", next)
}

func TestRunNowIsExclusive(t *testing.T) {
	s := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	m, err := New(s, "@daily")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.RunNow(context.Background()) }()
	<-s.entered
	assert.ErrorIs(t, m.RunNow(context.Background()), ErrRunning)
	close(s.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, m.Runs())
}

func TestRunNowReportsError(t *testing.T) {
	m, err := New(&blockingStore{err: errors.New("disk full")}, "@daily")
	require.NoError(t, err)
	assert.ErrorContains(t, m.RunNow(context.Background()), "disk full")
}

func TestCompactsLocalStore(t *testing.T) {
	store, err := local.Open(local.Options{InMemory: true})
	require.NoError(t, err)
	defer store.Close()
	m, err := New(store, "* * * * *")
	require.NoError(t, err)
	require.NoError(t, m.RunNow(context.Background()))
}

func TestScheduleFiresAndStops(t *testing.T) {
	store, err := local.Open(local.Options{InMemory: true})
	require.NoError(t, err)
	defer store.Close()
	m, err := New(store, "* * * * *")
	require.NoError(t, err)
	// pretend the next minute boundary is 50ms away
	base := time.Date(2026, 5, 1, 12, 0, 59, 950_000_000, time.UTC)
	started := time.Now()
	m.now = func() time.Time { return base.Add(time.Since(started)) }

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	require.Eventually(t, func() bool { return m.Runs() >= 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
}
