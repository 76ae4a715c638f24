package remote

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/antonitor/gotchat/pkg/api"
	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/push"
)

// Subscribe keeps a websocket to the push gateway open, reconnecting after
// drops. Drops are reported as transient errors; a revoked room ends the
// subscription.
func (c *Client) Subscribe(room string, sink backend.Sink) (backend.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &wsStream{
		client:  c,
		room:    room,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(c.opts.ReconnectEvery), 1),
		cancel:  cancel,
	}
	go s.run(ctx)
	return backend.SubscriptionFunc(s.close), nil
}

type wsStream struct {
	client  *Client
	room    string
	sink    backend.Sink
	limiter *rate.Limiter
	cancel  context.CancelFunc

	mu sync.Mutex
	ws *websocket.Conn
}

func (s *wsStream) close() {
	s.cancel()
	s.mu.Lock()
	if s.ws != nil {
		_ = s.ws.Close()
	}
	s.mu.Unlock()
}

func (s *wsStream) run(ctx context.Context) {
	u := s.client.opts.PushURL + push.StreamPath(url.PathEscape(s.room))
	header := http.Header{}
	if s.client.opts.Author != "" {
		header.Set(api.AuthorHeader, s.client.opts.Author)
	}
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		ws, resp, err := s.client.dialer.DialContext(ctx, u, header)
		if ctx.Err() != nil {
			if ws != nil {
				_ = ws.Close()
			}
			return
		}
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				s.sink(backend.Snapshot{}, classify(resp.StatusCode, nil))
				return
			}
			s.sink(backend.Snapshot{}, backend.Transient(err))
			continue
		}
		s.mu.Lock()
		s.ws = ws
		s.mu.Unlock()
		logger.Debug("remote_stream_connected", "room", s.room)

		err = s.read(ws)
		_ = ws.Close()
		if ctx.Err() != nil {
			return
		}
		if websocket.IsCloseError(err, push.CloseRevoked) {
			s.sink(backend.Snapshot{}, backend.ErrRevoked)
			return
		}
		logger.Warn("remote_stream_dropped", "room", s.room, "error", err)
		s.sink(backend.Snapshot{}, backend.Transient(err))
	}
}

func (s *wsStream) read(ws *websocket.Conn) error {
	for {
		var f push.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return err
		}
		if f.Type != push.FrameSnapshot || f.Snapshot == nil {
			continue
		}
		s.sink(*f.Snapshot, nil)
	}
}
