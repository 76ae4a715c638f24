package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/backend/backendtest"
	"github.com/antonitor/gotchat/pkg/echo"
	"github.com/antonitor/gotchat/pkg/feed"
	"github.com/antonitor/gotchat/pkg/models"
	"github.com/antonitor/gotchat/pkg/session"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func confirmed(n int) []feed.Item {
	items := make([]feed.Item, n)
	for i := range items {
		items[i] = feed.Item{
			Message: models.Hydrate(fmt.Sprintf("m%02d", i), "lobby", "bob", fmt.Sprintf("msg %d", i), "", "", int64(1000*(i+1))),
			State:   feed.Confirmed,
		}
	}
	return items
}

func render(c *Console, prev, next []feed.Item) {
	c.OnFeedChanged(next, feed.Diff(prev, next))
}

func TestFirstRenderPrintsEverything(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, Options{Location: time.UTC})
	items := confirmed(3)
	render(c, nil, items)
	assert.Equal(t, 3, c.Shown())
	assert.Equal(t, 3, strings.Count(out.String(), "bob: msg"))
}

func TestSingleAppendScrolls(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, Options{Location: time.UTC})
	items := confirmed(3)
	render(c, nil, items[:2])
	render(c, items[:2], items)
	assert.Equal(t, 3, c.Shown())
	assert.Contains(t, out.String(), "bob: msg 2")
}

func TestBatchIsHeldBackUntilEnter(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, Options{Location: time.UTC})
	c.Attach(&fakeSession{})
	items := confirmed(4)
	render(c, nil, items[:2])
	render(c, items[:2], items)

	assert.Equal(t, 2, c.Shown())
	assert.Contains(t, out.String(), "2 new messages below")
	assert.NotContains(t, out.String(), "msg 3")

	require.NoError(t, c.Handle(""))
	assert.Equal(t, 4, c.Shown())
	assert.Contains(t, out.String(), "bob: msg 3")
}

func TestRemovalRedraws(t *testing.T) {
	var out bytes.Buffer
	c := New(&out, Options{Location: time.UTC, Title: "Lobby"})
	items := confirmed(3)
	render(c, nil, items)
	out.Reset()

	next := []feed.Item{items[0], items[2]}
	render(c, items, next)
	assert.Equal(t, 2, c.Shown())
	assert.Contains(t, out.String(), "== Lobby ")
	assert.NotContains(t, out.String(), "msg 1")
}

func TestFormatItem(t *testing.T) {
	photo := models.Message{Author: "ana", LocalPhoto: "/tmp/cat.jpg"}
	assert.Equal(t, "--:-- ana: [photo] /tmp/cat.jpg  (sending)", FormatItem(feed.Item{Message: photo, State: feed.Sending}, time.UTC))
	photo.RemotePhoto = "https://cdn/cat.jpg"
	photo.TS = time.Date(2026, 1, 2, 9, 5, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, "09:05 ana: [photo] https://cdn/cat.jpg", FormatItem(feed.Item{Message: photo, State: feed.Confirmed}, time.UTC))
	failed := feed.Item{Message: models.Message{Author: "ana", Text: "hi"}, State: feed.Failed, Err: errors.New("boom")}
	assert.Contains(t, FormatItem(failed, time.UTC), "(failed: boom")
}

type fakeSession struct {
	mu         sync.Mutex
	sent       []string
	photos     []string
	retried    []echo.Token
	uploads    []echo.Token
	dismissed  []echo.Token
	items      []feed.Item
	photoErrOf map[echo.Token]error
}

func (f *fakeSession) Send(text string) (echo.Token, *session.Future, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil, models.ErrEmptyMessage
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return echo.NewToken(), nil, nil
}

func (f *fakeSession) SendPhoto(ref string) (echo.Token, *session.Future, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, ref)
	return echo.NewToken(), nil, nil
}

func (f *fakeSession) Retry(tok echo.Token) (*session.Future, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, tok)
	return nil, nil
}

func (f *fakeSession) RetryUpload(tok echo.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, tok)
	return nil
}

func (f *fakeSession) PhotoErr(tok echo.Token) error { return f.photoErrOf[tok] }

func (f *fakeSession) Dismiss(tok echo.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed = append(f.dismissed, tok)
	return nil
}

func (f *fakeSession) Feed() []feed.Item { return f.items }

func TestCommands(t *testing.T) {
	var out bytes.Buffer
	s := &fakeSession{
		items: []feed.Item{
			{Message: models.Message{Text: "ok"}, State: feed.Confirmed},
			{Message: models.Message{Text: "bad"}, Token: "t-failed", State: feed.Failed},
			{Message: models.Message{LocalPhoto: "/p.jpg"}, Token: "t-photo", State: feed.Acknowledged},
		},
		photoErrOf: map[echo.Token]error{"t-photo": backend.ErrUploadFailed},
	}
	c := New(&out, Options{})
	c.Attach(s)

	require.NoError(t, c.Handle("hello there"))
	assert.Equal(t, []string{"hello there"}, s.sent)

	require.NoError(t, c.Handle("/photo cat.jpg"))
	require.Len(t, s.photos, 1)
	assert.True(t, filepath.IsAbs(s.photos[0]))

	assert.Error(t, c.Handle("/photo"))
	assert.Error(t, c.Handle("/frobnicate"))
	assert.ErrorIs(t, c.Handle("/quit"), ErrQuit)

	require.NoError(t, c.Handle("/retry"))
	assert.Equal(t, []echo.Token{"t-failed"}, s.retried)
	assert.Equal(t, []echo.Token{"t-photo"}, s.uploads)
	assert.Contains(t, out.String(), "retrying 2 messages")

	require.NoError(t, c.Handle("/dismiss"))
	assert.Equal(t, []echo.Token{"t-failed"}, s.dismissed)
}

func TestRunWithSession(t *testing.T) {
	fake := backendtest.NewFake()
	var rejecting atomic.Bool
	rejecting.Store(true)
	fake.PersistHook = func(ctx context.Context, req backend.PersistRequest) error {
		if rejecting.Load() {
			return backend.Transient(errors.New("offline"))
		}
		return nil
	}

	out := &syncBuffer{}
	c := New(out, Options{Location: time.UTC})
	sess, err := session.New(session.Options{
		Room:          "lobby",
		Author:        "ana",
		Backend:       fake,
		OnFeedChanged: c.OnFeedChanged,
		OnFailure:     c.OnFailure,
		OnStreamError: c.OnStreamError,
	})
	require.NoError(t, err)
	c.Attach(sess)
	require.NoError(t, sess.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sess.Close(ctx)
	}()

	require.NoError(t, c.Handle("hello"))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "message not sent yet")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "ana: hello")

	rejecting.Store(false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Run(ctx, strings.NewReader("/retry\n/quit\n")))
	require.Eventually(t, func() bool {
		items := sess.Feed()
		return len(items) == 1 && items[0].State == feed.Confirmed
	}, 2*time.Second, 10*time.Millisecond)
}
