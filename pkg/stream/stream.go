// Package stream binds a backend room subscription to serialized,
// ordered snapshot delivery with scoped release.
package stream

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/metrics"
	"github.com/antonitor/gotchat/pkg/models"
)

var ErrNoObserver = errors.New("stream: OnUpdate is required")

// Observer receives the confirmed history of a room. OnError is called at
// most once, with a terminal error, after which nothing else is delivered.
type Observer struct {
	OnUpdate func(backend.Snapshot)
	OnError  func(error)
}

// Handle owns one live subscription. Release it with Unsubscribe on every
// exit path.
type Handle struct {
	room string
	obs  Observer

	mu       sync.Mutex
	latest   *backend.Snapshot
	version  uint64
	accepted bool
	termErr  error
	closed   bool
	released bool
	sub      backend.Subscription

	// cbMu is held by the delivery goroutine from the closed check until
	// the callback returns. inCallback is set while a callback runs.
	cbMu       sync.Mutex
	inCallback atomic.Bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// beforeCallback runs between the closed check and a callback. Tests use it.
var beforeCallback func()

// Subscribe starts delivering snapshots of room from src to obs.
func Subscribe(src backend.Subscriber, room string, obs Observer) (*Handle, error) {
	if obs.OnUpdate == nil {
		return nil, ErrNoObserver
	}
	h := &Handle{
		room: room,
		obs:  obs,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go h.deliver()

	sub, err := src.Subscribe(room, h.receive)
	if err != nil {
		h.Unsubscribe()
		return nil, err
	}
	h.attach(sub)
	logger.Debug("room_stream_subscribed", "room", room)
	return h, nil
}

func (h *Handle) Room() string { return h.room }

// Done is closed once delivery has stopped for good.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Active reports whether snapshots may still be delivered.
func (h *Handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && h.termErr == nil
}

// Err returns the terminal error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.termErr
}

// Unsubscribe stops delivery and releases the backend listener. It is safe
// to call repeatedly and from inside a callback. No callback starts after it
// returns.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.latest = nil
		h.mu.Unlock()
		close(h.quit)
		// Outside a callback, wait out a delivery that passed its closed
		// check. Inside one, the callback has already started.
		if !h.inCallback.Load() {
			h.cbMu.Lock()
			h.cbMu.Unlock()
		}
		h.release()
		logger.Debug("room_stream_unsubscribed", "room", h.room)
	})
}

// receive is the backend sink. It never blocks on the observer.
func (h *Handle) receive(snap backend.Snapshot, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.termErr != nil {
		return
	}
	if err != nil {
		if backend.IsTransient(err) {
			metrics.StreamErrors.WithLabelValues("transient").Inc()
			logger.Warn("room_stream_transient", "room", h.room, "error", err)
			return
		}
		metrics.StreamErrors.WithLabelValues(backend.Kind(err)).Inc()
		h.termErr = err
		h.signal()
		return
	}
	if h.accepted && snap.Version != 0 && snap.Version < h.version {
		metrics.Snapshots.WithLabelValues("stale").Inc()
		logger.Debug("room_stream_stale_snapshot", "room", h.room, "version", snap.Version, "current", h.version)
		return
	}
	if snap.Version > h.version {
		h.version = snap.Version
	}
	h.accepted = true
	if h.latest != nil {
		metrics.Snapshots.WithLabelValues("coalesced").Inc()
	}
	snap.Messages = models.Sorted(snap.Messages)
	h.latest = &snap
	h.signal()
}

func (h *Handle) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Handle) deliver() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			return
		case <-h.wake:
		}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		snap := h.latest
		h.latest = nil
		termErr := h.termErr
		h.mu.Unlock()

		if snap != nil {
			if !h.invoke(func() { h.obs.OnUpdate(*snap) }) {
				return
			}
			metrics.Snapshots.WithLabelValues("applied").Inc()
		}
		if termErr != nil {
			logger.Error("room_stream_terminated", "room", h.room, "error", termErr)
			if h.obs.OnError != nil {
				h.invoke(func() { h.obs.OnError(termErr) })
			}
			h.release()
			return
		}
	}
}

// invoke runs cb unless the handle has been closed. It reports whether cb ran.
func (h *Handle) invoke(cb func()) bool {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	if h.isClosed() {
		return false
	}
	if beforeCallback != nil {
		beforeCallback()
	}
	h.inCallback.Store(true)
	defer h.inCallback.Store(false)
	cb()
	return true
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) attach(sub backend.Subscription) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		sub.Close()
		return
	}
	h.sub = sub
	h.mu.Unlock()
}

func (h *Handle) release() {
	h.mu.Lock()
	h.released = true
	sub := h.sub
	h.sub = nil
	h.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}
