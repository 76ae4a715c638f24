package redisdb

import (
	"context"
	"errors"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/logger"
)

// Subscribe listens on the room channel and answers every event, and every
// resubscription after a dropped connection, with a fresh snapshot.
func (b *Backend) Subscribe(room string, sink backend.Sink) (backend.Subscription, error) {
	if err := validRoom(room); err != nil {
		return nil, backend.Rejected(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ps := b.rdb.Subscribe(ctx, b.channel(room))
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, backend.Transient(err)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
		})
	}
	go func() {
		defer stop()
		b.pump(ctx, room, ps.ChannelWithSubscriptions(), sink)
	}()
	return backend.SubscriptionFunc(stop), nil
}

func (b *Backend) pump(ctx context.Context, room string, events <-chan interface{}, sink backend.Sink) {
	if !b.emit(ctx, room, sink) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if m, isMsg := ev.(*redis.Message); isMsg && m.Payload == revokedEvent {
				sink(backend.Snapshot{}, backend.ErrRevoked)
				return
			}
			// collapse a burst of events into one read
			drain(events)
			if !b.emit(ctx, room, sink) {
				return
			}
		}
	}
}

func drain(events <-chan interface{}) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// emit reads and delivers one snapshot. It returns false once the
// subscription is over.
func (b *Backend) emit(ctx context.Context, room string, sink backend.Sink) bool {
	snap, err := b.Snapshot(ctx, room)
	if ctx.Err() != nil {
		return false
	}
	switch {
	case err == nil:
		sink(snap, nil)
	case errors.Is(err, backend.ErrRevoked):
		sink(backend.Snapshot{}, err)
		return false
	default:
		logger.Warn("redis_snapshot_failed", "room", room, "error", err)
		sink(backend.Snapshot{}, backend.Transient(err))
	}
	return true
}
