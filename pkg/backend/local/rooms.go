package local

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/pebble"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/models"
)

// Rooms lists every known room, revoked ones included.
func (b *Backend) Rooms(ctx context.Context) ([]models.Room, error) {
	release, err := b.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	lower, upper := roomBounds()
	iter, err := b.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Room
	for iter.First(); iter.Valid(); iter.Next() {
		var meta roomMeta
		if err := json.Unmarshal(iter.Value(), &meta); err != nil {
			logger.Warn("room_decode_failed", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, models.Room{
			ID:        strings.TrimPrefix(string(iter.Key()), roomPrefix),
			Title:     meta.Title,
			CreatedTS: meta.CreatedTS,
			Revoked:   meta.Revoked,
		})
	}
	return out, iter.Error()
}

// SetTitle creates room if needed and sets its title.
func (b *Backend) SetTitle(ctx context.Context, room, title string) (models.Room, error) {
	release, err := b.enter(ctx)
	if err != nil {
		return models.Room{}, err
	}
	defer release()
	if err := ValidateRoom(room); err != nil {
		return models.Room{}, backend.Rejected(err)
	}
	l := b.roomLock(room)
	l.Lock()
	defer l.Unlock()
	meta, _, err := b.loadMeta(b.db, room)
	if err != nil {
		return models.Room{}, err
	}
	if meta.CreatedTS == 0 {
		meta.CreatedTS = b.nextTS()
	}
	meta.Title = strings.TrimSpace(title)
	if err := b.writeMeta(room, meta); err != nil {
		return models.Room{}, err
	}
	return models.Room{ID: room, Title: meta.Title, CreatedTS: meta.CreatedTS, Revoked: meta.Revoked}, nil
}

// Revoke closes room: live subscribers get backend.ErrRevoked and later
// writes are rejected.
func (b *Backend) Revoke(ctx context.Context, room string) error {
	release, err := b.enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := ValidateRoom(room); err != nil {
		return backend.Rejected(err)
	}
	l := b.roomLock(room)
	l.Lock()
	meta, _, err := b.loadMeta(b.db, room)
	if err != nil {
		l.Unlock()
		return err
	}
	meta.Revoked = true
	meta.Version++
	err = b.writeMeta(room, meta)
	l.Unlock()
	if err != nil {
		return err
	}
	logger.Warn("room_revoked", "room", room)
	b.notify(room)
	return nil
}

func (b *Backend) writeMeta(room string, meta roomMeta) error {
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := b.putMeta(batch, room, meta); err != nil {
		return err
	}
	return b.db.Apply(batch, b.wopts)
}
