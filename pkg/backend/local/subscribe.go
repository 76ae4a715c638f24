package local

import (
	"context"
	"errors"
	"sync"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/logger"
)

// subscriber pushes the latest snapshot of a room to one sink. Writes only
// wake it; a burst of writes is read back as a single snapshot.
type subscriber struct {
	id   uint64
	room string
	sink backend.Sink
	wake chan struct{}
	quit chan struct{}
	once sync.Once
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.quit) })
}

// Subscribe delivers the current snapshot of room and then one per write.
func (b *Backend) Subscribe(room string, sink backend.Sink) (backend.Subscription, error) {
	if b.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ValidateRoom(room); err != nil {
		return nil, backend.Rejected(err)
	}
	b.subsMu.Lock()
	b.nextSub++
	s := &subscriber{
		id:   b.nextSub,
		room: room,
		sink: sink,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	if b.subs[room] == nil {
		b.subs[room] = make(map[uint64]*subscriber)
	}
	b.subs[room][s.id] = s
	b.subsMu.Unlock()

	s.signal()
	go b.run(s)
	return backend.SubscriptionFunc(func() { b.unsubscribe(s) }), nil
}

func (b *Backend) unsubscribe(s *subscriber) {
	b.subsMu.Lock()
	if m := b.subs[s.room]; m != nil {
		delete(m, s.id)
		if len(m) == 0 {
			delete(b.subs, s.room)
		}
	}
	b.subsMu.Unlock()
	s.stop()
}

// Subscribers returns the number of live subscribers of room.
func (b *Backend) Subscribers(room string) int {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	return len(b.subs[room])
}

func (b *Backend) notify(room string) {
	b.subsMu.Lock()
	for _, s := range b.subs[room] {
		s.signal()
	}
	b.subsMu.Unlock()
}

func (b *Backend) run(s *subscriber) {
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}
		snap, err := b.Snapshot(context.Background(), s.room)
		select {
		case <-s.quit:
			return
		default:
		}
		switch {
		case err == nil:
			s.sink(snap, nil)
		case errors.Is(err, backend.ErrRevoked), errors.Is(err, backend.ErrClosed):
			logger.Info("room_subscriber_terminated", "room", s.room, "error", err)
			s.sink(backend.Snapshot{}, err)
			b.unsubscribe(s)
			return
		default:
			s.sink(backend.Snapshot{}, backend.Transient(err))
		}
	}
}
