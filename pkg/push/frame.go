// Package push streams room snapshots to clients over websockets.
package push

import "github.com/antonitor/gotchat/pkg/backend"

const (
	FrameSnapshot = "snapshot"

	// CloseRevoked is the close code sent when room access is revoked.
	CloseRevoked = 4403
)

// Frame is one server to client websocket message.
type Frame struct {
	Type     string            `json:"type"`
	Snapshot *backend.Snapshot `json:"snapshot,omitempty"`
}

// StreamPath returns the stream path of room.
func StreamPath(room string) string {
	return "/v1/rooms/" + room + "/stream"
}
