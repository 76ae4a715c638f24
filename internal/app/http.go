package app

import (
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/antonitor/gotchat/pkg/config/banner"
	"github.com/antonitor/gotchat/pkg/logger"
)

// PrintBanner prints the startup banner and build info.
func (a *App) PrintBanner() {
	ver := a.version
	if a.commit != "" && a.commit != "none" {
		ver += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		ver += " @ " + a.buildDate
	}
	banner.Print(os.Stdout, a.eff, ver)
}

// startHTTP binds the API listener and serves it with fasthttp.
func (a *App) startHTTP(errCh chan<- error) error {
	const (
		readBufferSize       = 64 * 1024        // 64 KiB read buffer per connection
		readTimeout          = 30 * time.Second // photo uploads can be slow
		writeTimeout         = 30 * time.Second
		idleTimeout          = 60 * time.Second // max keep-alive idle duration per connection
		maxKeepaliveDuration = 5 * time.Minute
	)
	// photo bodies plus JSON framing
	maxBody := int(a.eff.Config.Upload.MaxSize.Int64()) + 64*1024
	a.srvFast = &fasthttp.Server{
		Name:                 "gotchatd",
		Handler:              a.api.Handler(),
		ReadBufferSize:       readBufferSize,
		MaxRequestBodySize:   maxBody,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		MaxKeepaliveDuration: maxKeepaliveDuration,
		ReduceMemoryUsage:    true,
	}
	ln, err := net.Listen("tcp", a.eff.Addr)
	if err != nil {
		return err
	}
	a.apiLn = ln
	go func() {
		if err := a.srvFast.Serve(ln); err != nil {
			logger.Error("api_server_failed", "error", err)
			errCh <- err
		}
	}()
	return nil
}

// startPush binds the websocket listener. gorilla/websocket needs net/http.
func (a *App) startPush(errCh chan<- error) error {
	a.srvPush = &http.Server{
		Handler:           a.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", a.eff.PushAddr)
	if err != nil {
		return err
	}
	a.pushLn = ln
	go func() {
		if err := a.srvPush.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("push_server_failed", "error", err)
			errCh <- err
		}
	}()
	return nil
}
