package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// PendingTS is the placeholder timestamp carried by a message the backend
// has not ordered yet. Backends replace it with a positive millisecond value.
const PendingTS int64 = 0

var (
	ErrEmptyMessage   = errors.New("message text is empty")
	ErrNoPhoto        = errors.New("photo reference is empty")
	ErrInvalidMessage = errors.New("invalid message")
)

// Message is one chat entry in a room. ID and TS are owned by the backend.
type Message struct {
	ID     string `json:"id,omitempty"`
	Room   string `json:"room"`
	Author string `json:"author"`
	Text   string `json:"text,omitempty"`
	// LocalPhoto is only resolvable on the sending device.
	LocalPhoto string `json:"local_photo,omitempty"`
	// RemotePhoto is attached once the upload completes.
	RemotePhoto string `json:"remote_photo,omitempty"`
	TS          int64  `json:"ts"`
}

// NewText builds an outgoing text message. Surrounding whitespace is trimmed.
func NewText(room, author, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	m := Message{Room: room, Author: author, Text: text, TS: PendingTS}
	return m, m.Validate()
}

// NewPhoto builds an outgoing photo message that only references the device copy.
func NewPhoto(room, author, localRef string) (Message, error) {
	localRef = strings.TrimSpace(localRef)
	if localRef == "" {
		return Message{}, ErrNoPhoto
	}
	m := Message{Room: room, Author: author, LocalPhoto: localRef, TS: PendingTS}
	return m, m.Validate()
}

// Hydrate builds a message as delivered by a backend.
func Hydrate(id, room, author, text, localPhoto, remotePhoto string, ts int64) Message {
	return Message{
		ID:          id,
		Room:        room,
		Author:      author,
		Text:        text,
		LocalPhoto:  localPhoto,
		RemotePhoto: remotePhoto,
		TS:          ts,
	}
}

// Validate checks the structural rules shared by clients and backends.
func (m Message) Validate() error {
	switch {
	case m.Room == "":
		return fmtInvalid("room is required")
	case m.Author == "":
		return fmtInvalid("author is required")
	case m.Text == "" && !m.IsPhoto():
		return fmtInvalid("either text or a photo is required")
	case m.Text != "" && m.IsPhoto():
		return fmtInvalid("text and photo are mutually exclusive")
	case m.ID != "" && m.TS <= PendingTS:
		return fmtInvalid("confirmed message without timestamp")
	}
	return nil
}

func fmtInvalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, reason)
}

func (m Message) IsPhoto() bool {
	return m.LocalPhoto != "" || m.RemotePhoto != ""
}

// Pending reports whether the message still carries the placeholder timestamp.
func (m Message) Pending() bool {
	return m.TS <= PendingTS
}

func (m Message) Confirmed() bool {
	return m.ID != "" && !m.Pending()
}

// DisplayPhoto prefers the uploaded copy and falls back to the device copy.
func (m Message) DisplayPhoto() string {
	if m.RemotePhoto != "" {
		return m.RemotePhoto
	}
	return m.LocalPhoto
}

// Less orders by timestamp, breaking ties by id.
func Less(a, b Message) bool {
	if a.TS != b.TS {
		return a.TS < b.TS
	}
	return a.ID < b.ID
}

// Sort orders msgs in place, oldest first.
func Sort(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return Less(msgs[i], msgs[j]) })
}

// Sorted returns an ordered copy of msgs.
func Sorted(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	Sort(out)
	return out
}
