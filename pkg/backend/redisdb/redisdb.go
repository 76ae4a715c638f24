// Package redisdb is a backend shared by several gotchatd nodes through
// redis. Writes go through a Lua allocation script and MULTI blocks; rooms
// fan out over redis pub/sub.
package redisdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/metrics"
	"github.com/antonitor/gotchat/pkg/models"
)

const (
	DefaultPrefix = "gotchat"
	revokedEvent  = "revoked"
	pingTimeout   = 3 * time.Second
)

type Options struct {
	// URL takes precedence over Addr, e.g. redis://:secret@localhost:6379/0.
	URL    string
	Addr   string
	Prefix string
	Clock  func() time.Time
}

type record struct {
	Message models.Message `json:"message"`
	Token   string         `json:"token,omitempty"`
}

type Backend struct {
	rdb    *redis.Client
	prefix string
	clock  func() time.Time
}

// allocate reserves an id sequence and timestamp for a token, or returns
// the reservation made by an earlier call with the same token.
// KEYS: clock, room seq, room tokens, room meta. ARGV: now ms, token.
var allocate = redis.NewScript(`
if redis.call('HGET', KEYS[4], 'revoked') == '1' then
  return {-1, ''}
end
if ARGV[2] ~= '' then
  local prev = redis.call('HGET', KEYS[3], ARGV[2])
  if prev then
    return {0, prev}
  end
end
local now = tonumber(ARGV[1])
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
if now <= last then
  now = last + 1
end
redis.call('SET', KEYS[1], now)
local seq = redis.call('INCR', KEYS[2])
local rc = seq .. '|' .. now
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[3], ARGV[2], rc)
end
return {1, rc}
`)

// New connects and pings redis.
func New(ctx context.Context, opts Options) (*Backend, error) {
	var ropts *redis.Options
	if opts.URL != "" {
		var err error
		ropts, err = redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
	} else {
		if opts.Addr == "" {
			return nil, errors.New("redis: addr or url is required")
		}
		ropts = &redis.Options{Addr: opts.Addr}
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	rdb := redis.NewClient(ropts)
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	logger.Info("redis_backend_connected", "addr", ropts.Addr, "prefix", opts.Prefix)
	return &Backend{rdb: rdb, prefix: opts.Prefix, clock: opts.Clock}, nil
}

func (b *Backend) Close() error {
	return b.rdb.Close()
}

// Ready pings redis.
func (b *Backend) Ready(ctx context.Context) bool {
	return b.rdb.Ping(ctx).Err() == nil
}

func (b *Backend) clockKey() string { return b.prefix + ":clock" }

func (b *Backend) roomsKey() string { return b.prefix + ":rooms" }

func (b *Backend) roomKey(room, s string) string {
	return b.prefix + ":room:" + room + ":" + s
}

func (b *Backend) channel(room string) string { return b.roomKey(room, "events") }

func sortRooms(rooms []models.Room) {
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
}

func validRoom(room string) error {
	if room == "" || strings.ContainsAny(room, ": \t\r\n") {
		return fmt.Errorf("invalid room id %q", room)
	}
	return nil
}

func parseReceipt(v string) (seq, ts int64, err error) {
	a, c, ok := strings.Cut(v, "|")
	if !ok {
		return 0, 0, fmt.Errorf("malformed receipt %q", v)
	}
	if seq, err = strconv.ParseInt(a, 10, 64); err != nil {
		return 0, 0, err
	}
	ts, err = strconv.ParseInt(c, 10, 64)
	return seq, ts, err
}

func messageID(seq int64) string { return fmt.Sprintf("m%020d", seq) }

// Persist stores req.Message once per token.
func (b *Backend) Persist(ctx context.Context, req backend.PersistRequest) (backend.Receipt, error) {
	if err := validRoom(req.Room); err != nil {
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

	keys := []string{b.clockKey(), b.roomKey(req.Room, "seq"), b.roomKey(req.Room, "tokens"), b.roomKey(req.Room, "meta")}
	res, err := allocate.Run(ctx, b.rdb, keys, b.clock().UnixMilli(), req.Token).Slice()
	if err != nil {
		return backend.Receipt{}, backend.Transient(err)
	}
	if len(res) != 2 {
		return backend.Receipt{}, backend.Transient(fmt.Errorf("unexpected allocate reply %v", res))
	}
	state, _ := res[0].(int64)
	if state < 0 {
		return backend.Receipt{}, backend.Rejected(backend.ErrRevoked)
	}
	raw, _ := res[1].(string)
	seq, ts, err := parseReceipt(raw)
	if err != nil {
		return backend.Receipt{}, backend.Transient(err)
	}
	rc := backend.Receipt{ID: messageID(seq), TS: ts}

	if state == 0 {
		// an earlier attempt may have died between allocation and write
		ok, err := b.rdb.HExists(ctx, b.roomKey(req.Room, "msgs"), rc.ID).Result()
		if err != nil {
			return backend.Receipt{}, backend.Transient(err)
		}
		if ok {
			logger.Debug("persist_deduplicated", "room", req.Room, "token", req.Token, "id", rc.ID)
			return rc, nil
		}
	}

	msg.ID, msg.TS = rc.ID, rc.TS
	data, err := json.Marshal(record{Message: msg, Token: req.Token})
	if err != nil {
		return backend.Receipt{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	meta := b.roomKey(req.Room, "meta")
	var version *redis.IntCmd
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.roomKey(req.Room, "msgs"), rc.ID, data)
		pipe.HSetNX(ctx, meta, "created_ts", rc.TS)
		pipe.SAdd(ctx, b.roomsKey(), req.Room)
		version = pipe.HIncrBy(ctx, meta, "version", 1)
		return nil
	})
	if err != nil {
		return backend.Receipt{}, backend.Transient(err)
	}
	metrics.PersistedMessages.WithLabelValues("redis").Inc()
	b.publish(ctx, req.Room, strconv.FormatInt(version.Val(), 10))
	return rc, nil
}

func (b *Backend) publish(ctx context.Context, room, payload string) {
	if err := b.rdb.Publish(ctx, b.channel(room), payload).Err(); err != nil {
		// subscribers catch up on their next event or reconnect
		logger.Warn("redis_publish_failed", "room", room, "error", err)
	}
}

// AttachPhoto sets the remote photo ref of a persisted photo message.
func (b *Backend) AttachPhoto(ctx context.Context, room, id, remoteRef string) error {
	if err := validRoom(room); err != nil {
		return backend.Rejected(err)
	}
	if remoteRef == "" {
		return backend.Rejected(models.ErrNoPhoto)
	}
	msgs := b.roomKey(room, "msgs")
	meta := b.roomKey(room, "meta")
	var changed bool
	err := b.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, msgs, id).Result()
		if errors.Is(err, redis.Nil) {
			return backend.ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("decode message %s: %w", id, err)
		}
		if !rec.Message.IsPhoto() {
			return backend.Rejected(fmt.Errorf("message %s has no photo", id))
		}
		if rec.Message.RemotePhoto == remoteRef {
			return nil
		}
		rec.Message.RemotePhoto = remoteRef
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, msgs, id, data)
			pipe.HIncrBy(ctx, meta, "version", 1)
			return nil
		})
		changed = err == nil
		return err
	}, msgs)
	switch {
	case err == nil:
	case errors.Is(err, backend.ErrNotFound), errors.Is(err, backend.ErrRejected):
		return err
	default:
		return backend.Transient(err)
	}
	if changed {
		b.publish(ctx, room, "photo")
	}
	return nil
}

// Snapshot reads the confirmed history of room inside one MULTI block.
func (b *Backend) Snapshot(ctx context.Context, room string) (backend.Snapshot, error) {
	if err := validRoom(room); err != nil {
		return backend.Snapshot{}, backend.Rejected(err)
	}
	var meta *redis.MapStringStringCmd
	var msgs *redis.MapStringStringCmd
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		meta = pipe.HGetAll(ctx, b.roomKey(room, "meta"))
		msgs = pipe.HGetAll(ctx, b.roomKey(room, "msgs"))
		return nil
	})
	if err != nil {
		return backend.Snapshot{}, backend.Transient(err)
	}
	m := meta.Val()
	if m["revoked"] == "1" {
		return backend.Snapshot{}, backend.ErrRevoked
	}
	version, _ := strconv.ParseUint(m["version"], 10, 64)
	out := backend.Snapshot{Room: room, Version: version, Origins: make(map[string]string)}
	for id, raw := range msgs.Val() {
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			logger.Warn("message_decode_failed", "room", room, "id", id, "error", err)
			continue
		}
		out.Messages = append(out.Messages, rec.Message)
		if rec.Token != "" {
			out.Origins[rec.Message.ID] = rec.Token
		}
	}
	models.Sort(out.Messages)
	return out, nil
}

// Revoke marks room revoked and terminates its subscribers.
func (b *Backend) Revoke(ctx context.Context, room string) error {
	if err := validRoom(room); err != nil {
		return backend.Rejected(err)
	}
	meta := b.roomKey(room, "meta")
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, meta, "revoked", "1")
		pipe.HIncrBy(ctx, meta, "version", 1)
		pipe.SAdd(ctx, b.roomsKey(), room)
		return nil
	})
	if err != nil {
		return backend.Transient(err)
	}
	logger.Warn("room_revoked", "room", room)
	b.publish(ctx, room, revokedEvent)
	return nil
}

// Rooms lists every known room sorted by id.
func (b *Backend) Rooms(ctx context.Context) ([]models.Room, error) {
	ids, err := b.rdb.SMembers(ctx, b.roomsKey()).Result()
	if err != nil {
		return nil, backend.Transient(err)
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, b.roomKey(id, "meta"))
		}
		return nil
	})
	if err != nil {
		return nil, backend.Transient(err)
	}
	out := make([]models.Room, 0, len(ids))
	for i, id := range ids {
		m := cmds[i].Val()
		created, _ := strconv.ParseInt(m["created_ts"], 10, 64)
		out = append(out, models.Room{ID: id, Title: m["title"], CreatedTS: created, Revoked: m["revoked"] == "1"})
	}
	sortRooms(out)
	return out, nil
}

// SetTitle creates room if needed and sets its title.
func (b *Backend) SetTitle(ctx context.Context, room, title string) (models.Room, error) {
	if err := validRoom(room); err != nil {
		return models.Room{}, backend.Rejected(err)
	}
	meta := b.roomKey(room, "meta")
	title = strings.TrimSpace(title)
	var all *redis.MapStringStringCmd
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, meta, "title", title)
		pipe.HSetNX(ctx, meta, "created_ts", b.clock().UnixMilli())
		pipe.SAdd(ctx, b.roomsKey(), room)
		all = pipe.HGetAll(ctx, meta)
		return nil
	})
	if err != nil {
		return models.Room{}, backend.Transient(err)
	}
	m := all.Val()
	created, _ := strconv.ParseInt(m["created_ts"], 10, 64)
	return models.Room{ID: room, Title: title, CreatedTS: created, Revoked: m["revoked"] == "1"}, nil
}
