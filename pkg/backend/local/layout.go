package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/antonitor/gotchat/pkg/logger"
)

const (
	LayoutKey    = "sys:layout"
	MigratingKey = "sys:migrating"
	// CurrentLayout is the on-disk layout this build writes.
	CurrentLayout = 2
)

var ErrLayoutTooNew = errors.New("store layout is newer than this build")

// migrations[v] upgrades a store from layout v to v+1.
var migrations = map[int]func(b *Backend, ctx context.Context) error{
	1: (*Backend).backfillRoomSeq,
}

// storedLayout reads the layout marker. Stores written before the marker
// existed are layout 1; an empty store is fresh.
func (b *Backend) storedLayout() (layout int, fresh bool, err error) {
	v, err := b.get(b.db, []byte(LayoutKey))
	if err == nil {
		n, perr := strconv.Atoi(string(v))
		if perr != nil {
			return 0, false, fmt.Errorf("decode %s: %w", LayoutKey, perr)
		}
		return n, false, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return 0, false, err
	}
	iter, err := b.db.NewIter(nil)
	if err != nil {
		return 0, false, err
	}
	defer iter.Close()
	return 1, !iter.First(), nil
}

// migrate brings the store up to CurrentLayout and reports whether any
// migration ran.
func (b *Backend) migrate(ctx context.Context) (bool, error) {
	stored, fresh, err := b.storedLayout()
	if err != nil {
		logger.Error("layout_read_failed", "error", err)
		return false, err
	}
	if fresh {
		return false, b.setLayout(CurrentLayout)
	}
	if stored > CurrentLayout {
		return false, fmt.Errorf("%w: %d > %d", ErrLayoutTooNew, stored, CurrentLayout)
	}
	if stored == CurrentLayout {
		return false, nil
	}
	for v := stored; v < CurrentLayout; v++ {
		step, ok := migrations[v]
		if !ok {
			return true, fmt.Errorf("no migration from layout %d", v)
		}
		if err := b.startMigration(v, v+1); err != nil {
			return true, err
		}
		if err := step(b, ctx); err != nil {
			logger.Error("layout_migration_failed", "from", v, "to", v+1, "error", err)
			return true, err
		}
		if err := b.finishMigration(v + 1); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (b *Backend) startMigration(from, to int) error {
	marker, _ := json.Marshal(map[string]any{"from": from, "to": to, "started_at": time.Now().UTC().Format(time.RFC3339)})
	if err := b.db.Set([]byte(MigratingKey), marker, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write migration marker: %w", err)
	}
	logger.Info("layout_migration_start", "from", from, "to", to)
	return nil
}

func (b *Backend) finishMigration(to int) error {
	if err := b.setLayout(to); err != nil {
		return err
	}
	if err := b.db.Delete([]byte(MigratingKey), pebble.Sync); err != nil {
		logger.Error("layout_marker_delete_failed", "error", err)
	}
	logger.Info("layout_migration_done", "layout", to)
	return nil
}

func (b *Backend) setLayout(v int) error {
	if err := b.db.Set([]byte(LayoutKey), []byte(strconv.Itoa(v)), pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist layout %d: %w", v, err)
	}
	return nil
}

// backfillRoomSeq sets the sequence of rooms written before the room
// record carried one, from their last message key.
func (b *Backend) backfillRoomSeq(ctx context.Context) error {
	lower, upper := roomBounds()
	iter, err := b.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	var rooms []string
	for iter.First(); iter.Valid(); iter.Next() {
		rooms = append(rooms, strings.TrimPrefix(string(iter.Key()), roomPrefix))
	}
	if err := iter.Close(); err != nil {
		return err
	}

	for _, room := range rooms {
		if err := ctx.Err(); err != nil {
			return err
		}
		meta, ok, err := b.loadMeta(b.db, room)
		if err != nil || !ok || meta.Seq != 0 {
			if err != nil {
				logger.Error("layout_room_decode_failed", "room", room, "error", err)
			}
			continue
		}
		last, err := b.lastSeq(room)
		if err != nil {
			return err
		}
		if last == 0 {
			continue
		}
		meta.Seq = last
		if meta.Version < last {
			meta.Version = last
		}
		batch := b.db.NewBatch()
		err = b.putMeta(batch, room, meta)
		if err == nil {
			err = b.db.Apply(batch, pebble.Sync)
		}
		batch.Close()
		if err != nil {
			return err
		}
		logger.Info("layout_room_seq_initialized", "room", room, "seq", last)
	}
	return nil
}

// lastSeq returns the sequence of the newest message of room, 0 if none.
func (b *Backend) lastSeq(room string) (uint64, error) {
	lower, upper := messageBounds(room)
	iter, err := b.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, nil
	}
	key := string(iter.Key())
	seq, err := strconv.ParseUint(key[strings.LastIndexByte(key, ':')+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode message key %q: %w", key, err)
	}
	return seq, nil
}
