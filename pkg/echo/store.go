// Package echo tracks messages sent from this device that the room stream
// has not reported back yet.
package echo

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/antonitor/gotchat/pkg/models"
)

var (
	ErrDuplicateToken = errors.New("correlation token already tracked")
	ErrUnknownToken   = errors.New("correlation token not tracked")
)

// Token correlates a local echo with its confirmed counterpart.
type Token string

func NewToken() Token {
	return Token(uuid.NewString())
}

type Status int

const (
	Sending Status = iota
	// Acknowledged entries have a backend receipt but the stream has not
	// delivered them yet.
	Acknowledged
	Failed
)

func (s Status) String() string {
	switch s {
	case Sending:
		return "sending"
	case Acknowledged:
		return "acknowledged"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is a copy of one tracked echo.
type Entry struct {
	Token   Token
	Message models.Message
	Status  Status
	Err     error
	seq     uint64
}

// Store is safe for concurrent use. One Store belongs to one room session.
type Store struct {
	mu      sync.RWMutex
	entries map[Token]*Entry
	next    uint64
}

func New() *Store {
	return &Store{entries: make(map[Token]*Entry)}
}

// Add tracks msg under tok. The store is left untouched when tok is already tracked.
func (s *Store) Add(tok Token, msg models.Message) error {
	if tok == "" {
		return fmt.Errorf("%w: empty token", ErrUnknownToken)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[tok]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateToken, tok)
	}
	s.next++
	s.entries[tok] = &Entry{Token: tok, Message: msg, Status: Sending, seq: s.next}
	return nil
}

// Retire drops tok. Retiring an unknown or already retired token is a no-op.
func (s *Store) Retire(tok Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[tok]; !ok {
		return false
	}
	delete(s.entries, tok)
	return true
}

// Pending returns the tracked entries oldest first.
func (s *Store) Pending() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *Store) Lookup(tok Token) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[tok]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Acknowledge records the id and timestamp the backend assigned.
func (s *Store) Acknowledge(tok Token, id string, ts int64) error {
	return s.mutate(tok, func(e *Entry) {
		e.Message.ID = id
		e.Message.TS = ts
		e.Status = Acknowledged
		e.Err = nil
	})
}

// Fail marks the entry failed. It stays pending until retried or dismissed.
func (s *Store) Fail(tok Token, err error) error {
	return s.mutate(tok, func(e *Entry) {
		if e.Status != Acknowledged {
			e.Status = Failed
		}
		e.Err = err
	})
}

// Resend moves a failed entry back to sending and returns its message.
func (s *Store) Resend(tok Token) (models.Message, error) {
	var msg models.Message
	err := s.mutate(tok, func(e *Entry) {
		if e.Status == Failed {
			e.Status = Sending
		}
		e.Err = nil
		msg = e.Message
	})
	return msg, err
}

// Update applies fn to the tracked message.
func (s *Store) Update(tok Token, fn func(*models.Message)) error {
	return s.mutate(tok, func(e *Entry) { fn(&e.Message) })
}

// TokenFor returns the token whose acknowledged id matches.
func (s *Store) TokenFor(id string) (Token, bool) {
	if id == "" {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for tok, e := range s.entries {
		if e.Message.ID == id {
			return tok, true
		}
	}
	return "", false
}

func (s *Store) mutate(tok Token, fn func(*Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[tok]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, tok)
	}
	fn(e)
	return nil
}
