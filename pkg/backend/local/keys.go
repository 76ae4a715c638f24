package local

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// notation:
	// room = room metadata
	// r    = room scoped data
	// m    = message record, keyed by padded sequence
	// tok  = correlation token index
	// id   = message id index
	// All segments are separated by ":".

	RoomKey    = "room:%s"      // room:<room>
	MessageKey = "r:%s:m:%020d" // r:<room>:m:<seq>
	TokenKey   = "r:%s:tok:%s"  // r:<room>:tok:<token>
	IDKey      = "r:%s:id:%s"   // r:<room>:id:<msg_id>
	IDFormat   = "m%020d"       // message ids follow the room sequence
	ClockKey   = "sys:clock"
	roomPrefix = "room:"
	maxRoomLen = 128
)

var ErrInvalidRoom = errors.New("invalid room id")

// ValidateRoom checks that room can be embedded in a key.
func ValidateRoom(room string) error {
	switch {
	case room == "":
		return fmt.Errorf("%w: empty", ErrInvalidRoom)
	case len(room) > maxRoomLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidRoom, maxRoomLen)
	case strings.ContainsAny(room, ": \t\r\n/"):
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidRoom, room)
	}
	return nil
}

func roomKey(room string) []byte { return []byte(fmt.Sprintf(RoomKey, room)) }

func messageKey(room string, seq uint64) []byte {
	return []byte(fmt.Sprintf(MessageKey, room, seq))
}

func tokenKey(room, token string) []byte { return []byte(fmt.Sprintf(TokenKey, room, token)) }

func idKey(room, id string) []byte { return []byte(fmt.Sprintf(IDKey, room, id)) }

// messageBounds returns the iterator bounds covering every message of room.
func messageBounds(room string) (lower, upper []byte) {
	p := fmt.Sprintf("r:%s:m:", room)
	return []byte(p), []byte(p[:len(p)-1] + ";")
}

func roomBounds() (lower, upper []byte) {
	return []byte(roomPrefix), []byte("room;")
}
