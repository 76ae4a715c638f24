package local

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/models"
)

func openMem(t *testing.T, clock func() time.Time) *Backend {
	t.Helper()
	b, err := Open(Options{InMemory: true, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func text(t *testing.T, room, body string) models.Message {
	t.Helper()
	m, err := models.NewText(room, "ana", body)
	require.NoError(t, err)
	return m
}

type sinkRecorder struct {
	mu    sync.Mutex
	snaps []backend.Snapshot
	errs  []error
}

func (r *sinkRecorder) sink(s backend.Snapshot, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.snaps = append(r.snaps, s)
}

func (r *sinkRecorder) latest() (backend.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return backend.Snapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

func TestPersistAssignsIDAndMonotonicTS(t *testing.T) {
	frozen := time.UnixMilli(1_700_000_000_000)
	b := openMem(t, func() time.Time { return frozen })
	ctx := context.Background()

	rc1, err := b.Persist(ctx, backend.PersistRequest{Room: "lobby", Token: "t1", Message: text(t, "lobby", "one")})
	require.NoError(t, err)
	rc2, err := b.Persist(ctx, backend.PersistRequest{Room: "lobby", Token: "t2", Message: text(t, "lobby", "two")})
	require.NoError(t, err)

	assert.NotEqual(t, rc1.ID, rc2.ID)
	assert.Equal(t, frozen.UnixMilli(), rc1.TS)
	assert.Greater(t, rc2.TS, rc1.TS)

	snap, err := b.Snapshot(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "one", snap.Messages[0].Text)
	assert.Equal(t, "t2", snap.Origins[rc2.ID])
	assert.Equal(t, uint64(2), snap.Version)
}

func TestPersistDeduplicatesToken(t *testing.T) {
	b := openMem(t, nil)
	ctx := context.Background()
	req := backend.PersistRequest{Room: "lobby", Token: "t1", Message: text(t, "lobby", "one")}

	rc1, err := b.Persist(ctx, req)
	require.NoError(t, err)
	rc2, err := b.Persist(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, rc1, rc2)

	snap, err := b.Snapshot(ctx, "lobby")
	require.NoError(t, err)
	assert.Len(t, snap.Messages, 1)
}

func TestPersistRejectsInvalidInput(t *testing.T) {
	b := openMem(t, nil)
	ctx := context.Background()

	_, err := b.Persist(ctx, backend.PersistRequest{Room: "bad:room", Message: text(t, "bad:room", "x")})
	assert.ErrorIs(t, err, backend.ErrRejected)
	assert.ErrorIs(t, err, ErrInvalidRoom)

	_, err = b.Persist(ctx, backend.PersistRequest{Room: "lobby", Message: models.Message{Room: "lobby", Author: "ana"}})
	assert.ErrorIs(t, err, backend.ErrRejected)

	_, err = b.Persist(ctx, backend.PersistRequest{Room: "lobby", Message: text(t, "other", "x")})
	assert.ErrorIs(t, err, backend.ErrRejected)
}

func TestAttachPhoto(t *testing.T) {
	b := openMem(t, nil)
	ctx := context.Background()
	photo, err := models.NewPhoto("lobby", "ana", "file:///tmp/cat.jpg")
	require.NoError(t, err)
	rc, err := b.Persist(ctx, backend.PersistRequest{Room: "lobby", Token: "p1", Message: photo})
	require.NoError(t, err)

	require.NoError(t, b.AttachPhoto(ctx, "lobby", rc.ID, "https://cdn.example/cat.jpg"))
	snap, err := b.Snapshot(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/cat.jpg", snap.Messages[0].RemotePhoto)
	assert.Equal(t, "file:///tmp/cat.jpg", snap.Messages[0].LocalPhoto)

	assert.ErrorIs(t, b.AttachPhoto(ctx, "lobby", "m404", "https://x"), backend.ErrNotFound)
	assert.ErrorIs(t, b.AttachPhoto(ctx, "lobby", rc.ID, ""), backend.ErrRejected)

	trc, err := b.Persist(ctx, backend.PersistRequest{Room: "lobby", Message: text(t, "lobby", "plain")})
	require.NoError(t, err)
	assert.ErrorIs(t, b.AttachPhoto(ctx, "lobby", trc.ID, "https://x"), backend.ErrRejected)
}

func TestSubscribeDeliversInitialAndLaterSnapshots(t *testing.T) {
	b := openMem(t, nil)
	ctx := context.Background()
	_, err := b.Persist(ctx, backend.PersistRequest{Room: "lobby", Token: "t1", Message: text(t, "lobby", "one")})
	require.NoError(t, err)

	rec := &sinkRecorder{}
	sub, err := b.Subscribe("lobby", rec.sink)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := rec.latest()
		return ok && len(s.Messages) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = b.Persist(ctx, backend.PersistRequest{Room: "lobby", Token: "t2", Message: text(t, "lobby", "two")})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := rec.latest()
		return ok && len(s.Messages) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, b.Subscribers("lobby"))
	sub.Close()
	assert.Equal(t, 0, b.Subscribers("lobby"))
}

func TestRevokeTerminatesSubscribersAndRejectsWrites(t *testing.T) {
	b := openMem(t, nil)
	ctx := context.Background()
	rec := &sinkRecorder{}
	_, err := b.Subscribe("lobby", rec.sink)
	require.NoError(t, err)

	require.NoError(t, b.Revoke(ctx, "lobby"))
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.errs) == 1
	}, 2*time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.ErrorIs(t, rec.errs[0], backend.ErrRevoked)
	rec.mu.Unlock()
	assert.Eventually(t, func() bool { return b.Subscribers("lobby") == 0 }, 2*time.Second, 5*time.Millisecond)

	_, err = b.Persist(ctx, backend.PersistRequest{Room: "lobby", Message: text(t, "lobby", "late")})
	assert.ErrorIs(t, err, backend.ErrRejected)
	assert.ErrorIs(t, err, backend.ErrRevoked)
}

func TestRoomsAndTitles(t *testing.T) {
	b := openMem(t, nil)
	ctx := context.Background()
	_, err := b.SetTitle(ctx, "lobby", "  Lobby  ")
	require.NoError(t, err)
	_, err = b.Persist(ctx, backend.PersistRequest{Room: "kitchen", Message: text(t, "kitchen", "hi")})
	require.NoError(t, err)

	rooms, err := b.Rooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "kitchen", rooms[0].ID)
	assert.Equal(t, "lobby", rooms[1].ID)
	assert.Equal(t, "Lobby", rooms[1].Title)
}

func TestClockSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	frozen := time.UnixMilli(5_000)
	b, err := Open(Options{Path: dir, Clock: func() time.Time { return frozen }})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = b.Persist(ctx, backend.PersistRequest{Room: "lobby", Message: text(t, "lobby", "one")})
	require.NoError(t, err)
	rc, err := b.Persist(ctx, backend.PersistRequest{Room: "lobby", Message: text(t, "lobby", "two")})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = Open(Options{Path: dir, Clock: func() time.Time { return frozen }})
	require.NoError(t, err)
	defer b.Close()
	rc3, err := b.Persist(ctx, backend.PersistRequest{Room: "lobby", Message: text(t, "lobby", "three")})
	require.NoError(t, err)
	assert.Greater(t, rc3.TS, rc.TS)
	require.NoError(t, b.Compact(ctx))
}

func TestClosedBackend(t *testing.T) {
	b, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.False(t, b.Ready())
	_, err = b.Persist(context.Background(), backend.PersistRequest{Room: "lobby", Message: text(t, "lobby", "x")})
	assert.ErrorIs(t, err, backend.ErrClosed)
	_, err = b.Subscribe("lobby", func(backend.Snapshot, error) {})
	assert.ErrorIs(t, err, backend.ErrClosed)
}
