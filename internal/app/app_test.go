package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/config"
	"github.com/antonitor/gotchat/pkg/push"
)

func testConfig(t *testing.T) config.EffectiveConfigResult {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.DBPath = t.TempDir()
	cfg.Server.AdminKey = "secret"
	cfg.Maintenance.Enabled = true
	cfg.ApplyDefaults()
	return config.EffectiveConfigResult{
		Config:   cfg,
		Addr:     "127.0.0.1:0",
		PushAddr: "127.0.0.1:0",
		DBPath:   cfg.Server.DBPath,
		Source:   "test",
	}
}

func startApp(t *testing.T) *App {
	t.Helper()
	a, err := New(testConfig(t), "test", "none", "unknown")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.Eventually(t, func() bool { return a.State() == "running" }, 3*time.Second, 10*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-done
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = a.Shutdown(sctx)
	})
	return a
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	eff := testConfig(t)
	eff.Config.Storage.Backend = "etcd"
	_, err := New(eff, "test", "", "")
	assert.Error(t, err)
}

func TestServesAPIAndPush(t *testing.T) {
	a := startApp(t)
	base := "http://" + a.APIAddr()
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}

	resp, err := client.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+a.PushAddr()+push.StreamPath("lobby"), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f push.Frame
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, push.FrameSnapshot, f.Type)

	body := `{"token":"t1","message":{"author":"ana","text":"hi"}}`
	resp, err = client.Post(base+"/v1/rooms/lobby/messages", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var rc backend.Receipt
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rc))
	resp.Body.Close()
	assert.NotEmpty(t, rc.ID)

	for {
		require.NoError(t, ws.ReadJSON(&f))
		if f.Snapshot != nil && len(f.Snapshot.Messages) == 1 {
			assert.Equal(t, rc.ID, f.Snapshot.Messages[0].ID)
			break
		}
	}
	require.NoError(t, a.maint.RunNow(context.Background()))
}

func TestShutdownClosesStore(t *testing.T) {
	a, err := New(testConfig(t), "test", "", "")
	require.NoError(t, err)
	require.NoError(t, a.Shutdown(context.Background()))
	assert.Equal(t, "stopped", a.State())
	assert.False(t, a.ready())
}

func TestAdvertised(t *testing.T) {
	assert.Equal(t, "localhost:8080", advertised("0.0.0.0:8080"))
	assert.Equal(t, "chat.example:80", advertised("chat.example:80"))
}
