package push

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/backend/backendtest"
	"github.com/antonitor/gotchat/pkg/models"
)

func dial(t *testing.T, srv *httptest.Server, room string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + StreamPath(room)
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func persist(t *testing.T, f *backendtest.Fake, text string) {
	t.Helper()
	msg, err := models.NewText("lobby", "ana", text)
	require.NoError(t, err)
	_, err = f.Persist(context.Background(), backend.PersistRequest{Room: "lobby", Message: msg})
	require.NoError(t, err)
}

func TestStreamDeliversSnapshots(t *testing.T) {
	fake := backendtest.NewFake()
	persist(t, fake, "first")
	g := New(fake, Options{})
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()
	defer g.Close()

	ws := dial(t, srv, "lobby")
	f := readFrame(t, ws)
	assert.Equal(t, FrameSnapshot, f.Type)
	require.NotNil(t, f.Snapshot)
	assert.Len(t, f.Snapshot.Messages, 1)

	persist(t, fake, "second")
	f = readFrame(t, ws)
	assert.Len(t, f.Snapshot.Messages, 2)
	assert.Equal(t, 1, g.Connections())
}

func TestRevokedRoomClosesWithCode(t *testing.T) {
	fake := backendtest.NewFake()
	g := New(fake, Options{})
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()
	defer g.Close()

	ws := dial(t, srv, "lobby")
	readFrame(t, ws)

	fake.Emit("lobby", backend.Snapshot{}, backend.ErrRevoked)
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, CloseRevoked), "got %v", err)
	assert.Eventually(t, func() bool { return fake.Subscribers("lobby") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseSendsGoingAway(t *testing.T) {
	fake := backendtest.NewFake()
	g := New(fake, Options{})
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	ws := dial(t, srv, "lobby")
	readFrame(t, ws)
	go g.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestOriginCheck(t *testing.T) {
	g := New(backendtest.NewFake(), Options{AllowedOrigins: []string{"https://chat.example"}})
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()
	defer g.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + StreamPath("lobby")
	_, resp, err := websocket.DefaultDialer.Dial(u, map[string][]string{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
}
