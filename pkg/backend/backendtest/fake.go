// Package backendtest provides an in-memory scriptable backend for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/models"
)

type room struct {
	version uint64
	msgs    []models.Message
	origins map[string]string
	tokens  map[string]backend.Receipt
}

// Fake implements backend.Backend. Writes publish a snapshot to every
// subscriber of the room unless manual publishing is enabled.
type Fake struct {
	mu      sync.Mutex
	rooms   map[string]*room
	subs    map[string]map[int]backend.Sink
	nextSub int
	clock   int64
	seq     int
	manual  bool

	// PersistHook runs before a persist is applied; a non-nil error is returned as is.
	PersistHook func(ctx context.Context, req backend.PersistRequest) error
	AttachHook  func(ctx context.Context, room, id, ref string) error

	Persists int
	Attaches int
}

func NewFake() *Fake {
	return &Fake{rooms: make(map[string]*room), subs: make(map[string]map[int]backend.Sink), clock: 100}
}

// SetManual disables automatic snapshot delivery after writes.
func (f *Fake) SetManual(manual bool) {
	f.mu.Lock()
	f.manual = manual
	f.mu.Unlock()
}

func (f *Fake) roomLocked(id string) *room {
	r, ok := f.rooms[id]
	if !ok {
		r = &room{origins: make(map[string]string), tokens: make(map[string]backend.Receipt)}
		f.rooms[id] = r
	}
	return r
}

func (f *Fake) Persist(ctx context.Context, req backend.PersistRequest) (backend.Receipt, error) {
	if f.PersistHook != nil {
		if err := f.PersistHook(ctx, req); err != nil {
			return backend.Receipt{}, err
		}
	}
	if err := req.Message.Validate(); err != nil {
		return backend.Receipt{}, backend.Rejected(err)
	}
	f.mu.Lock()
	r := f.roomLocked(req.Room)
	if req.Token != "" {
		if rc, ok := r.tokens[req.Token]; ok {
			f.mu.Unlock()
			return rc, nil
		}
	}
	f.seq++
	f.clock += 100
	f.Persists++
	msg := req.Message
	msg.ID = fmt.Sprintf("m%04d", f.seq)
	msg.TS = f.clock
	rc := backend.Receipt{ID: msg.ID, TS: msg.TS}
	r.msgs = append(r.msgs, msg)
	if req.Token != "" {
		r.origins[msg.ID] = req.Token
		r.tokens[req.Token] = rc
	}
	r.version++
	publish := !f.manual
	f.mu.Unlock()
	if publish {
		f.Publish(req.Room)
	}
	return rc, nil
}

func (f *Fake) AttachPhoto(ctx context.Context, roomID, id, ref string) error {
	if f.AttachHook != nil {
		if err := f.AttachHook(ctx, roomID, id, ref); err != nil {
			return err
		}
	}
	f.mu.Lock()
	r := f.roomLocked(roomID)
	found := false
	for i := range r.msgs {
		if r.msgs[i].ID == id {
			r.msgs[i].RemotePhoto = ref
			found = true
		}
	}
	if !found {
		f.mu.Unlock()
		return backend.ErrNotFound
	}
	f.Attaches++
	r.version++
	publish := !f.manual
	f.mu.Unlock()
	if publish {
		f.Publish(roomID)
	}
	return nil
}

func (f *Fake) Subscribe(roomID string, sink backend.Sink) (backend.Subscription, error) {
	f.mu.Lock()
	f.nextSub++
	id := f.nextSub
	if f.subs[roomID] == nil {
		f.subs[roomID] = make(map[int]backend.Sink)
	}
	f.subs[roomID][id] = sink
	snap := f.snapshotLocked(roomID)
	f.mu.Unlock()

	sink(snap, nil)
	return backend.SubscriptionFunc(func() {
		f.mu.Lock()
		delete(f.subs[roomID], id)
		f.mu.Unlock()
	}), nil
}

// Snapshot returns the current confirmed state of a room.
func (f *Fake) Snapshot(roomID string) backend.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked(roomID)
}

func (f *Fake) snapshotLocked(roomID string) backend.Snapshot {
	r := f.roomLocked(roomID)
	snap := backend.Snapshot{Room: roomID, Version: r.version, Origins: make(map[string]string, len(r.origins))}
	snap.Messages = append([]models.Message(nil), r.msgs...)
	for k, v := range r.origins {
		snap.Origins[k] = v
	}
	return snap
}

// Publish pushes the current snapshot of a room to its subscribers.
func (f *Fake) Publish(roomID string) {
	f.Emit(roomID, f.Snapshot(roomID), nil)
}

// Emit pushes an arbitrary snapshot or error to the subscribers of a room.
func (f *Fake) Emit(roomID string, snap backend.Snapshot, err error) {
	f.mu.Lock()
	sinks := make([]backend.Sink, 0, len(f.subs[roomID]))
	for _, s := range f.subs[roomID] {
		sinks = append(sinks, s)
	}
	f.mu.Unlock()
	for _, s := range sinks {
		s(snap, err)
	}
}

func (f *Fake) Subscribers(roomID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[roomID])
}

// Uploader is a scriptable backend.Uploader.
type Uploader struct {
	mu    sync.Mutex
	Fn    func(ctx context.Context, localRef string) (string, error)
	Calls int
}

func (u *Uploader) Upload(ctx context.Context, localRef string) (string, error) {
	u.mu.Lock()
	u.Calls++
	fn := u.Fn
	u.mu.Unlock()
	if fn == nil {
		return "https://photos.example/" + localRef, nil
	}
	return fn(ctx, localRef)
}

func (u *Uploader) CallCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Calls
}

// Counts returns how many persists and photo attaches were applied.
func (f *Fake) Counts() (persists, attaches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Persists, f.Attaches
}
