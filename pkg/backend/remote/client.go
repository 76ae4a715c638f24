// Package remote is the client side backend: HTTP calls to gotchatd for
// writes, a websocket to its push gateway for snapshots.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fasthttp"

	"github.com/antonitor/gotchat/pkg/api"
	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/models"
	"github.com/antonitor/gotchat/pkg/upload"
)

const (
	DefaultTimeout        = 10 * time.Second
	DefaultReconnectEvery = 2 * time.Second
)

type Options struct {
	// BaseURL of the gotchatd API, e.g. http://localhost:8080.
	BaseURL string
	// PushURL of the push gateway, e.g. ws://localhost:8081.
	PushURL string
	Author  string
	Timeout time.Duration
	// ReconnectEvery paces stream reconnect attempts.
	ReconnectEvery time.Duration
	// MaxPhotoSize bounds uploads; 0 means unbounded.
	MaxPhotoSize int64
}

type Client struct {
	opts   Options
	http   *fasthttp.Client
	dialer *websocket.Dialer
}

func New(opts Options) (*Client, error) {
	if _, err := url.ParseRequestURI(opts.BaseURL); err != nil || opts.BaseURL == "" {
		return nil, fmt.Errorf("remote: invalid base url %q", opts.BaseURL)
	}
	if opts.PushURL == "" {
		return nil, errors.New("remote: push url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ReconnectEvery <= 0 {
		opts.ReconnectEvery = DefaultReconnectEvery
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	opts.PushURL = strings.TrimRight(opts.PushURL, "/")
	return &Client{
		opts: opts,
		http: &fasthttp.Client{
			Name:                      "gotchat",
			MaxIdemponentCallAttempts: 1,
			ReadTimeout:               opts.Timeout,
			WriteTimeout:              opts.Timeout,
		},
		dialer: &websocket.Dialer{HandshakeTimeout: opts.Timeout},
	}, nil
}

// classify maps an API status to the backend error taxonomy.
func classify(status int, body []byte) error {
	if status < 300 {
		return nil
	}
	var e struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &e)
	msg := fmt.Errorf("gotchatd answered %d: %s", status, e.Error)
	switch {
	case status == fasthttp.StatusForbidden:
		return backend.Rejected(fmt.Errorf("%w: %w", backend.ErrRevoked, msg))
	case status == fasthttp.StatusNotFound:
		return fmt.Errorf("%w: %w", backend.ErrNotFound, msg)
	case status == fasthttp.StatusTooManyRequests, status >= 500:
		return backend.Transient(msg)
	default:
		return backend.Rejected(msg)
	}
}

// do sends one request and decodes a JSON answer into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return backend.Transient(err)
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(c.opts.BaseURL + path)
	if c.opts.Author != "" {
		req.Header.Set(api.AuthorHeader, c.opts.Author)
	}
	if body != nil {
		req.Header.SetContentType(contentType)
		req.SetBody(body)
	}
	deadline := time.Now().Add(c.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return backend.Transient(err)
	}
	if err := classify(resp.StatusCode(), resp.Body()); err != nil {
		return err
	}
	if out != nil && resp.StatusCode() != fasthttp.StatusNoContent {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return backend.Transient(fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	return c.do(ctx, method, path, body, "application/json", out)
}

func roomPath(room string) string {
	return "/v1/rooms/" + url.PathEscape(room)
}

func (c *Client) Persist(ctx context.Context, req backend.PersistRequest) (backend.Receipt, error) {
	var rc backend.Receipt
	err := c.doJSON(ctx, fasthttp.MethodPost, roomPath(req.Room)+"/messages", api.PersistBody{Token: req.Token, Message: req.Message}, &rc)
	return rc, err
}

func (c *Client) AttachPhoto(ctx context.Context, room, id, remoteRef string) error {
	path := roomPath(room) + "/messages/" + url.PathEscape(id) + "/photo"
	return c.doJSON(ctx, fasthttp.MethodPut, path, api.AttachBody{RemotePhoto: remoteRef}, nil)
}

// Snapshot fetches the confirmed history of room once.
func (c *Client) Snapshot(ctx context.Context, room string) (backend.Snapshot, error) {
	var snap backend.Snapshot
	err := c.doJSON(ctx, fasthttp.MethodGet, roomPath(room)+"/messages", nil, &snap)
	return snap, err
}

func (c *Client) Rooms(ctx context.Context) ([]models.Room, error) {
	var out api.RoomsResponse
	err := c.doJSON(ctx, fasthttp.MethodGet, "/v1/rooms", nil, &out)
	return out.Rooms, err
}

func (c *Client) SetTitle(ctx context.Context, room, title string) (models.Room, error) {
	var out models.Room
	err := c.doJSON(ctx, fasthttp.MethodPut, roomPath(room), api.RoomRequest{Title: title}, &out)
	return out, err
}

// Upload sends a local photo to the gotchatd photo store.
func (c *Client) Upload(ctx context.Context, localRef string) (string, error) {
	p, err := upload.LocalPath(localRef)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if c.opts.MaxPhotoSize > 0 && st.Size() > c.opts.MaxPhotoSize {
		return "", fmt.Errorf("%w: %d > %d bytes", upload.ErrTooLarge, st.Size(), c.opts.MaxPhotoSize)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	var out api.PhotoResponse
	path := "/v1/photos?name=" + url.QueryEscape(filepath.Base(p))
	if err := c.do(ctx, fasthttp.MethodPost, path, data, "application/octet-stream", &out); err != nil {
		return "", err
	}
	return out.Ref, nil
}
