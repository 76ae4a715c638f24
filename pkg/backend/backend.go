// Package backend defines the narrow surface a room session needs from a
// persistence and push service. Implementations live in subpackages.
package backend

import (
	"context"

	"github.com/antonitor/gotchat/pkg/models"
)

// PersistRequest carries a message and the client token used to dedupe retries.
type PersistRequest struct {
	Room    string         `json:"room"`
	Token   string         `json:"token"`
	Message models.Message `json:"message"`
}

// Receipt is what the backend assigned on first persistence.
type Receipt struct {
	ID string `json:"id"`
	TS int64  `json:"ts"`
}

// Snapshot is the full confirmed history of a room at Version.
type Snapshot struct {
	Room     string           `json:"room"`
	Version  uint64           `json:"version"`
	Messages []models.Message `json:"messages"`
	// Origins maps message id to the correlation token that created it.
	Origins map[string]string `json:"origins,omitempty"`
}

// Sink receives snapshots or errors. A non-transient error is the last call.
type Sink func(Snapshot, error)

type Subscription interface {
	Close()
}

type Persister interface {
	Persist(ctx context.Context, req PersistRequest) (Receipt, error)
	AttachPhoto(ctx context.Context, room, id, remoteRef string) error
}

type Subscriber interface {
	Subscribe(room string, sink Sink) (Subscription, error)
}

// Backend is what a room session talks to.
type Backend interface {
	Persister
	Subscriber
}

// Uploader turns a device-local photo reference into a resolvable one.
type Uploader interface {
	Upload(ctx context.Context, localRef string) (string, error)
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Close() { f() }
