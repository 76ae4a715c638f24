package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func request(method, uri string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	return ctx
}

func TestRouterParams(t *testing.T) {
	r := New()
	var room, id string
	r.PUT("/v1/rooms/{room}/messages/{id}/photo", func(ctx *fasthttp.RequestCtx) {
		room, id = Param(ctx, "room"), Param(ctx, "id")
	})
	ctx := request("PUT", "/v1/rooms/lobby/messages/m1/photo")
	r.Handler(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "lobby", room)
	assert.Equal(t, "m1", id)
}

func TestRouterTrailingSlashAndRoot(t *testing.T) {
	r := New()
	hits := 0
	r.GET("/", func(*fasthttp.RequestCtx) { hits++ })
	r.GET("/healthz", func(*fasthttp.RequestCtx) { hits++ })
	r.Handler(request("GET", "/"))
	r.Handler(request("GET", "/healthz/"))
	assert.Equal(t, 2, hits)
}

func TestRouterMethodNotAllowed(t *testing.T) {
	r := New()
	r.GET("/v1/rooms", func(*fasthttp.RequestCtx) {})
	r.POST("/v1/rooms", func(*fasthttp.RequestCtx) {})
	ctx := request("DELETE", "/v1/rooms")
	r.Handler(ctx)
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())
	assert.Equal(t, "GET, POST", string(ctx.Response.Header.Peek("Allow")))
}

func TestRouterNotFound(t *testing.T) {
	r := New()
	r.GET("/v1/rooms/{room}", func(*fasthttp.RequestCtx) {})
	ctx := request("GET", "/v1/rooms/lobby/extra")
	r.Handler(ctx)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	called := false
	r.NotFound(func(ctx *fasthttp.RequestCtx) { called = true })
	r.Handler(request("GET", "/nope"))
	assert.True(t, called)
}

func TestDecodeJSON(t *testing.T) {
	ctx := request("POST", "/")
	var v struct{ Title string }
	assert.Error(t, DecodeJSON(ctx, &v))
	ctx.Request.SetBodyString(`{"Title":"x"}`)
	assert.NoError(t, DecodeJSON(ctx, &v))
	assert.Equal(t, "x", v.Title)
}
