package api

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/backend/local"
	"github.com/antonitor/gotchat/pkg/upload"
)

type harness struct {
	t       *testing.T
	handler fasthttp.RequestHandler
	store   *local.Backend
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := local.Open(local.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	photos, err := upload.NewDir(t.TempDir(), "http://chat.test/v1/photos", 1024)
	require.NoError(t, err)
	srv := New(store, photos, store.Ready, cfg)
	t.Cleanup(srv.Close)
	return &harness{t: t, handler: srv.Handler(), store: store}
}

func (h *harness) do(method, uri, body string, headers ...string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	if body != "" {
		req.SetBodyString(body)
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000}, nil)
	h.handler(ctx)
	return ctx
}

func decode(t *testing.T, ctx *fasthttp.RequestCtx, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), v), string(ctx.Response.Body()))
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Equal(t, fasthttp.StatusOK, h.do("GET", "/healthz", "").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusOK, h.do("GET", "/readyz", "").Response.StatusCode())
	require.NoError(t, h.store.Close())
	assert.Equal(t, fasthttp.StatusServiceUnavailable, h.do("GET", "/readyz", "").Response.StatusCode())
}

func TestPersistAndReadMessages(t *testing.T) {
	h := newHarness(t, Config{})
	body := `{"token":"tok-1","message":{"text":"hello"}}`

	ctx := h.do("POST", "/v1/rooms/lobby/messages", body, AuthorHeader, "ana")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode(), string(ctx.Response.Body()))
	var rc backend.Receipt
	decode(t, ctx, &rc)
	assert.NotEmpty(t, rc.ID)

	// same token, same receipt
	again := h.do("POST", "/v1/rooms/lobby/messages", body, AuthorHeader, "ana")
	var rc2 backend.Receipt
	decode(t, again, &rc2)
	assert.Equal(t, rc, rc2)

	ctx = h.do("GET", "/v1/rooms/lobby/messages", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var snap backend.Snapshot
	decode(t, ctx, &snap)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "ana", snap.Messages[0].Author)
	assert.Equal(t, "tok-1", snap.Origins[rc.ID])
}

func TestPersistRejectionsAre4xx(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Equal(t, fasthttp.StatusBadRequest, h.do("POST", "/v1/rooms/lobby/messages", `{"message":{"author":"ana"}}`).Response.StatusCode())
	assert.Equal(t, fasthttp.StatusBadRequest, h.do("POST", "/v1/rooms/lobby/messages", `not json`).Response.StatusCode())
	assert.Equal(t, fasthttp.StatusNotFound, h.do("PUT", "/v1/rooms/lobby/messages/m404/photo", `{"remote_photo":"x"}`).Response.StatusCode())
}

func TestRoomsAndRevoke(t *testing.T) {
	h := newHarness(t, Config{AdminKey: "s3cret"})
	ctx := h.do("PUT", "/v1/rooms/lobby", `{"title":"Lobby"}`)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var rooms RoomsResponse
	decode(t, h.do("GET", "/v1/rooms", ""), &rooms)
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, "Lobby", rooms.Rooms[0].Title)

	assert.Equal(t, fasthttp.StatusUnauthorized, h.do("POST", "/v1/rooms/lobby/revoke", "", AdminKeyHeader, "nope").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusNoContent, h.do("POST", "/v1/rooms/lobby/revoke", "", AdminKeyHeader, "s3cret").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusForbidden, h.do("GET", "/v1/rooms/lobby/messages", "").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusForbidden,
		h.do("POST", "/v1/rooms/lobby/messages", `{"message":{"text":"late"}}`, AuthorHeader, "ana").Response.StatusCode())
}

func TestRevokeDisabledWithoutAdminKey(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Equal(t, fasthttp.StatusForbidden, h.do("POST", "/v1/rooms/lobby/revoke", "", AdminKeyHeader, "").Response.StatusCode())
}

func TestPhotoRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := h.do("POST", "/v1/photos?name=cat.png", "\x89PNG-bytes")
	require.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode(), string(ctx.Response.Body()))
	var out PhotoResponse
	decode(t, ctx, &out)
	require.Contains(t, out.Ref, "http://chat.test/v1/photos/")

	name := out.Ref[len("http://chat.test/v1/photos/"):]
	ctx = h.do("GET", "/v1/photos/"+name, "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "image/png", string(ctx.Response.Header.ContentType()))

	assert.Equal(t, fasthttp.StatusNotFound, h.do("GET", "/v1/photos/missing.png", "").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusRequestEntityTooLarge, h.do("POST", "/v1/photos?name=big.png", string(make([]byte, 2048))).Response.StatusCode())
}

func TestRateLimitByAuthor(t *testing.T) {
	h := newHarness(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 2})
	for i := 0; i < 2; i++ {
		assert.Equal(t, fasthttp.StatusOK, h.do("GET", "/v1/rooms", "", AuthorHeader, "ana").Response.StatusCode())
	}
	assert.Equal(t, fasthttp.StatusTooManyRequests, h.do("GET", "/v1/rooms", "", AuthorHeader, "ana").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusOK, h.do("GET", "/v1/rooms", "", AuthorHeader, "bob").Response.StatusCode())
	assert.Equal(t, fasthttp.StatusOK, h.do("GET", "/healthz", "", AuthorHeader, "ana").Response.StatusCode())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, fasthttp.StatusForbidden, StatusFor(backend.Rejected(backend.ErrRevoked)))
	assert.Equal(t, fasthttp.StatusServiceUnavailable, StatusFor(backend.Transient(assert.AnError)))
	assert.Equal(t, fasthttp.StatusInternalServerError, StatusFor(assert.AnError))
}
