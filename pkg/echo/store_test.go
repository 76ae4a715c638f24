package echo

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonitor/gotchat/pkg/models"
)

func textMsg(t *testing.T, text string) models.Message {
	t.Helper()
	m, err := models.NewText("room", "alice", text)
	require.NoError(t, err)
	return m
}

func TestAddRejectsDuplicateToken(t *testing.T) {
	s := New()
	require.NoError(t, s.Add("t1", textMsg(t, "one")))

	err := s.Add("t1", textMsg(t, "two"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateToken))

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "one", pending[0].Message.Text, "failed add must leave the store unchanged")
}

func TestRetireIsIdempotent(t *testing.T) {
	s := New()
	require.NoError(t, s.Add("t1", textMsg(t, "one")))
	require.NoError(t, s.Add("t2", textMsg(t, "two")))

	assert.True(t, s.Retire("t1"))
	assert.False(t, s.Retire("t1"))
	assert.False(t, s.Retire("never-added"))

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, Token("t2"), pending[0].Token)
}

func TestPendingCreationOrder(t *testing.T) {
	s := New()
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Add(Token(fmt.Sprintf("tok-%02d", 19-i)), textMsg(t, fmt.Sprint(i))))
	}
	pending := s.Pending()
	require.Len(t, pending, 20)
	for i, e := range pending {
		assert.Equal(t, fmt.Sprint(i), e.Message.Text)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := New()
	require.NoError(t, s.Add("t1", textMsg(t, "one")))

	boom := errors.New("boom")
	require.NoError(t, s.Fail("t1", boom))
	e, ok := s.Lookup("t1")
	require.True(t, ok)
	assert.Equal(t, Failed, e.Status)
	assert.Same(t, boom, e.Err)

	msg, err := s.Resend("t1")
	require.NoError(t, err)
	assert.Equal(t, "one", msg.Text)
	e, _ = s.Lookup("t1")
	assert.Equal(t, Sending, e.Status)
	assert.NoError(t, e.Err)

	require.NoError(t, s.Acknowledge("t1", "m-1", 100))
	e, _ = s.Lookup("t1")
	assert.Equal(t, Acknowledged, e.Status)
	assert.Equal(t, "m-1", e.Message.ID)
	assert.Equal(t, int64(100), e.Message.TS)

	tok, ok := s.TokenFor("m-1")
	assert.True(t, ok)
	assert.Equal(t, Token("t1"), tok)

	// a late failure (e.g. photo attach) never downgrades an acknowledged entry
	require.NoError(t, s.Fail("t1", boom))
	e, _ = s.Lookup("t1")
	assert.Equal(t, Acknowledged, e.Status)

	assert.ErrorIs(t, s.Fail("nope", boom), ErrUnknownToken)
}

func TestConcurrentAddRetirePending(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				tok := Token(fmt.Sprintf("w%d-%d", w, i))
				_ = s.Add(tok, models.Message{Room: "r", Author: "a", Text: "x"})
				for _, e := range s.Pending() {
					if e.Token == "" {
						t.Errorf("observed half-applied entry")
					}
				}
				s.Retire(tok)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 0, s.Len())
}
