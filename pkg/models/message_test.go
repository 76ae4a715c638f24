package models

import (
	"errors"
	"testing"
)

func TestNewTextTrims(t *testing.T) {
	m, err := NewText("room-1", "alice", "  hello there \n")
	if err != nil {
		t.Fatalf("NewText: %v", err)
	}
	if m.Text != "hello there" {
		t.Fatalf("text not trimmed: %q", m.Text)
	}
	if !m.Pending() || m.ID != "" {
		t.Fatalf("outgoing message should be pending without id: %+v", m)
	}

	if _, err := NewText("room-1", "alice", " \t "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestNewPhoto(t *testing.T) {
	m, err := NewPhoto("room-1", "alice", "file:///tmp/cat.jpg")
	if err != nil {
		t.Fatalf("NewPhoto: %v", err)
	}
	if !m.IsPhoto() || m.Text != "" || m.RemotePhoto != "" {
		t.Fatalf("unexpected photo message: %+v", m)
	}
	if m.DisplayPhoto() != "file:///tmp/cat.jpg" {
		t.Fatalf("display should fall back to local ref, got %q", m.DisplayPhoto())
	}
	m.RemotePhoto = "https://cdn/cat.jpg"
	if m.DisplayPhoto() != "https://cdn/cat.jpg" {
		t.Fatalf("display should prefer remote ref, got %q", m.DisplayPhoto())
	}

	if _, err := NewPhoto("room-1", "alice", ""); !errors.Is(err, ErrNoPhoto) {
		t.Fatalf("expected ErrNoPhoto, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"text", Message{Room: "r", Author: "a", Text: "x"}, true},
		{"photo", Message{Room: "r", Author: "a", LocalPhoto: "l"}, true},
		{"both refs", Message{Room: "r", Author: "a", LocalPhoto: "l", RemotePhoto: "r"}, true},
		{"no room", Message{Author: "a", Text: "x"}, false},
		{"no author", Message{Room: "r", Text: "x"}, false},
		{"empty", Message{Room: "r", Author: "a"}, false},
		{"text and photo", Message{Room: "r", Author: "a", Text: "x", RemotePhoto: "p"}, false},
		{"id without ts", Message{ID: "1", Room: "r", Author: "a", Text: "x"}, false},
		{"hydrated", Hydrate("1", "r", "a", "x", "", "", 10), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.msg.Validate()
			if c.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !c.ok && !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}

func TestSortTimestampThenID(t *testing.T) {
	msgs := []Message{
		{ID: "c", TS: 200},
		{ID: "b", TS: 100},
		{ID: "a", TS: 100},
		{ID: "d", TS: 50},
	}
	got := Sorted(msgs)
	want := []string{"d", "a", "b", "c"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: got %s want %s (%v)", i, got[i].ID, id, got)
		}
	}
	if msgs[0].ID != "c" {
		t.Fatalf("Sorted must not reorder its input")
	}
}
