// Package local is a single-node backend that keeps rooms in pebble and
// pushes snapshots to in-process subscribers.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/metrics"
	"github.com/antonitor/gotchat/pkg/models"
)

type Options struct {
	// Path is the pebble directory. With InMemory it only names the store.
	Path     string
	InMemory bool
	// Sync fsyncs every write.
	Sync  bool
	Clock func() time.Time
}

// record is the stored form of a message.
type record struct {
	Message models.Message `json:"message"`
	Token   string         `json:"token,omitempty"`
}

type roomMeta struct {
	Title     string `json:"title,omitempty"`
	CreatedTS int64  `json:"created_ts"`
	Revoked   bool   `json:"revoked,omitempty"`
	Seq       uint64 `json:"seq"`
	Version   uint64 `json:"version"`
}

type Backend struct {
	db    *pebble.DB
	opts  Options
	wopts *pebble.WriteOptions

	clockMu sync.Mutex
	lastTS  int64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	subsMu  sync.Mutex
	subs    map[string]map[uint64]*subscriber
	nextSub uint64

	life   sync.RWMutex
	closed atomic.Bool
}

// Open opens or creates the store.
func Open(opts Options) (*Backend, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	path := opts.Path
	popts := &pebble.Options{}
	if opts.InMemory {
		popts.FS = vfs.NewMem()
		if path == "" {
			path = "gotchat"
		}
	}
	if path == "" {
		return nil, errors.New("local: path is required")
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	b := &Backend{
		db:    db,
		opts:  opts,
		wopts: pebble.NoSync,
		locks: make(map[string]*sync.Mutex),
		subs:  make(map[string]map[uint64]*subscriber),
	}
	if opts.Sync {
		b.wopts = pebble.Sync
	}
	if v, err := b.get(db, []byte(ClockKey)); err == nil {
		b.lastTS, _ = strconv.ParseInt(string(v), 10, 64)
	} else if !errors.Is(err, pebble.ErrNotFound) {
		_ = db.Close()
		return nil, err
	}
	migrated, err := b.migrate(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("local_backend_opened", "layout", CurrentLayout, "migrated", migrated, "path", path, "in_memory", opts.InMemory, "sync", opts.Sync)
	return b, nil
}

// Ready reports whether the store accepts requests.
func (b *Backend) Ready() bool {
	return b != nil && !b.closed.Load()
}

// Close stops every subscriber and closes the store.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.subsMu.Lock()
	var all []*subscriber
	for _, m := range b.subs {
		for _, s := range m {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[uint64]*subscriber)
	b.subsMu.Unlock()
	for _, s := range all {
		s.stop()
	}
	b.life.Lock()
	defer b.life.Unlock()
	return b.db.Close()
}

func (b *Backend) roomLock(room string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	if l, ok := b.locks[room]; ok {
		return l
	}
	l := &sync.Mutex{}
	b.locks[room] = l
	return l
}

// nextTS hands out strictly increasing millisecond timestamps.
func (b *Backend) nextTS() int64 {
	b.clockMu.Lock()
	defer b.clockMu.Unlock()
	ts := b.opts.Clock().UnixMilli()
	if ts <= b.lastTS {
		ts = b.lastTS + 1
	}
	b.lastTS = ts
	return ts
}

type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

// get copies the value out of pebble.
func (b *Backend) get(r reader, key []byte) ([]byte, error) {
	v, closer, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, nil
}

func (b *Backend) loadMeta(r reader, room string) (roomMeta, bool, error) {
	var meta roomMeta
	v, err := b.get(r, roomKey(room))
	if errors.Is(err, pebble.ErrNotFound) {
		return meta, false, nil
	}
	if err != nil {
		return meta, false, err
	}
	if err := json.Unmarshal(v, &meta); err != nil {
		return meta, false, fmt.Errorf("decode room %s: %w", room, err)
	}
	return meta, true, nil
}

// enter guards a call against a concurrent Close.
func (b *Backend) enter(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.life.RLock()
	if b.closed.Load() {
		b.life.RUnlock()
		return nil, backend.ErrClosed
	}
	return b.life.RUnlock, nil
}

// Persist stores req.Message once per token and assigns its id and timestamp.
func (b *Backend) Persist(ctx context.Context, req backend.PersistRequest) (backend.Receipt, error) {
	release, err := b.enter(ctx)
	if err != nil {
		return backend.Receipt{}, err
	}
	defer release()
	if err := ValidateRoom(req.Room); err != nil {
		return backend.Receipt{}, backend.Rejected(err)
	}
	msg := req.Message
	if msg.Room == "" {
		msg.Room = req.Room
	}
	if msg.Room != req.Room {
		return backend.Receipt{}, backend.Rejected(fmt.Errorf("message room %q does not match %q", msg.Room, req.Room))
	}
	if err := msg.Validate(); err != nil {
		return backend.Receipt{}, backend.Rejected(err)
	}

	l := b.roomLock(req.Room)
	l.Lock()
	defer l.Unlock()

	meta, _, err := b.loadMeta(b.db, req.Room)
	if err != nil {
		return backend.Receipt{}, backend.Transient(err)
	}
	if meta.Revoked {
		return backend.Receipt{}, backend.Rejected(backend.ErrRevoked)
	}
	if req.Token != "" {
		if rc, ok, err := b.receiptFor(req.Room, req.Token); err != nil {
			return backend.Receipt{}, backend.Transient(err)
		} else if ok {
			logger.Debug("persist_deduplicated", "room", req.Room, "token", req.Token, "id", rc.ID)
			return rc, nil
		}
	}

	ts := b.nextTS()
	if meta.CreatedTS == 0 {
		meta.CreatedTS = ts
	}
	meta.Seq++
	meta.Version++
	msg.ID = fmt.Sprintf(IDFormat, meta.Seq)
	msg.TS = ts

	data, err := json.Marshal(record{Message: msg, Token: req.Token})
	if err != nil {
		return backend.Receipt{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	mk := messageKey(req.Room, meta.Seq)
	batch := b.db.NewBatch()
	defer batch.Close()
	_ = batch.Set(mk, data, nil)
	_ = batch.Set(idKey(req.Room, msg.ID), mk, nil)
	if req.Token != "" {
		_ = batch.Set(tokenKey(req.Room, req.Token), []byte(msg.ID), nil)
	}
	if err := b.putMeta(batch, req.Room, meta); err != nil {
		return backend.Receipt{}, err
	}
	_ = batch.Set([]byte(ClockKey), []byte(strconv.FormatInt(ts, 10)), nil)
	if err := b.db.Apply(batch, b.wopts); err != nil {
		logger.Error("pebble_apply_batch_failed", "room", req.Room, "error", err)
		return backend.Receipt{}, backend.Transient(err)
	}
	metrics.PersistedMessages.WithLabelValues("local").Inc()
	logger.Debug("message_persisted", "room", req.Room, "id", msg.ID, "ts", ts)
	b.notify(req.Room)
	return backend.Receipt{ID: msg.ID, TS: ts}, nil
}

func (b *Backend) receiptFor(room, token string) (backend.Receipt, bool, error) {
	id, err := b.get(b.db, tokenKey(room, token))
	if errors.Is(err, pebble.ErrNotFound) {
		return backend.Receipt{}, false, nil
	}
	if err != nil {
		return backend.Receipt{}, false, err
	}
	rec, _, err := b.loadRecord(room, string(id))
	if err != nil {
		return backend.Receipt{}, false, err
	}
	return backend.Receipt{ID: rec.Message.ID, TS: rec.Message.TS}, true, nil
}

func (b *Backend) loadRecord(room, id string) (record, []byte, error) {
	var rec record
	mk, err := b.get(b.db, idKey(room, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return rec, nil, backend.ErrNotFound
	}
	if err != nil {
		return rec, nil, err
	}
	v, err := b.get(b.db, mk)
	if err != nil {
		return rec, nil, err
	}
	if err := json.Unmarshal(v, &rec); err != nil {
		return rec, nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return rec, mk, nil
}

func (b *Backend) putMeta(batch *pebble.Batch, room string, meta roomMeta) error {
	v, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return batch.Set(roomKey(room), v, nil)
}

// AttachPhoto sets the remote photo ref of a persisted message.
func (b *Backend) AttachPhoto(ctx context.Context, room, id, remoteRef string) error {
	release, err := b.enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := ValidateRoom(room); err != nil {
		return backend.Rejected(err)
	}
	if remoteRef == "" {
		return backend.Rejected(models.ErrNoPhoto)
	}
	l := b.roomLock(room)
	l.Lock()
	defer l.Unlock()

	rec, mk, err := b.loadRecord(room, id)
	if err != nil {
		return err
	}
	if !rec.Message.IsPhoto() {
		return backend.Rejected(fmt.Errorf("message %s has no photo", id))
	}
	if rec.Message.RemotePhoto == remoteRef {
		return nil
	}
	meta, _, err := b.loadMeta(b.db, room)
	if err != nil {
		return backend.Transient(err)
	}
	rec.Message.RemotePhoto = remoteRef
	meta.Version++
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	batch := b.db.NewBatch()
	defer batch.Close()
	_ = batch.Set(mk, data, nil)
	if err := b.putMeta(batch, room, meta); err != nil {
		return err
	}
	if err := b.db.Apply(batch, b.wopts); err != nil {
		return backend.Transient(err)
	}
	logger.Debug("photo_attached", "room", room, "id", id)
	b.notify(room)
	return nil
}

// Snapshot reads the confirmed history of room from a consistent view.
func (b *Backend) Snapshot(ctx context.Context, room string) (backend.Snapshot, error) {
	release, err := b.enter(ctx)
	if err != nil {
		return backend.Snapshot{}, err
	}
	defer release()
	if err := ValidateRoom(room); err != nil {
		return backend.Snapshot{}, backend.Rejected(err)
	}
	snap := b.db.NewSnapshot()
	defer snap.Close()

	meta, _, err := b.loadMeta(snap, room)
	if err != nil {
		return backend.Snapshot{}, err
	}
	if meta.Revoked {
		return backend.Snapshot{}, backend.ErrRevoked
	}
	out := backend.Snapshot{Room: room, Version: meta.Version, Origins: make(map[string]string)}
	lower, upper := messageBounds(room)
	iter, err := snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return backend.Snapshot{}, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			logger.Warn("message_decode_failed", "key", string(iter.Key()), "error", err)
			continue
		}
		out.Messages = append(out.Messages, rec.Message)
		if rec.Token != "" {
			out.Origins[rec.Message.ID] = rec.Token
		}
	}
	if err := iter.Error(); err != nil {
		return backend.Snapshot{}, err
	}
	models.Sort(out.Messages)
	return out, nil
}

// Compact compacts the whole keyspace.
func (b *Backend) Compact(ctx context.Context) error {
	release, err := b.enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	start := time.Now()
	if err := b.db.Compact([]byte{0x00}, []byte{0xff}, true); err != nil {
		return err
	}
	logger.Info("pebble_compacted", "took", time.Since(start).String())
	return nil
}
