// Package session wires one room's stream, local echoes and submission
// outbox into a single reconciled feed for a presenter.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/echo"
	"github.com/antonitor/gotchat/pkg/feed"
	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/metrics"
	"github.com/antonitor/gotchat/pkg/models"
	"github.com/antonitor/gotchat/pkg/outbox"
	"github.com/antonitor/gotchat/pkg/stream"
)

var (
	ErrClosed     = errors.New("session closed")
	ErrNotFailed  = errors.New("entry has not failed")
	ErrNoUploader = errors.New("session has no photo uploader")
	ErrNoBackend  = errors.New("session requires a backend")
)

const (
	DefaultQueueSize      = 256
	DefaultUploadWorkers  = 2
	DefaultPersistTimeout = 15 * time.Second
	DefaultUploadTimeout  = 2 * time.Minute
)

type Options struct {
	Room     string
	Author   string
	Backend  backend.Backend
	Uploader backend.Uploader

	// OnFeedChanged is called serially with each new render.
	OnFeedChanged func(items []feed.Item, change feed.Change)
	// OnFailure reports persist, upload and attach failures.
	OnFailure func(tok echo.Token, err error)
	// OnStreamError reports a terminal stream error.
	OnStreamError func(err error)

	QueueSize      int
	UploadWorkers  int
	PersistTimeout time.Duration
	UploadTimeout  time.Duration
}

type Session struct {
	opts   Options
	echoes *echo.Store

	mu        sync.Mutex
	confirmed []models.Message
	origins   map[string]echo.Token
	photos    map[echo.Token]*photoState
	handle    *stream.Handle
	streamErr error
	closed    bool

	persistQ *outbox.Queue
	uploadQ  *outbox.Queue
	work     context.Context
	stopWork context.CancelFunc

	dirty     chan struct{}
	stopPub   chan struct{}
	pubDone   chan struct{}
	last      []feed.Item
	published bool
}

// New starts the submission workers. Call Start to begin streaming and
// Close to release everything.
func New(opts Options) (*Session, error) {
	if opts.Backend == nil {
		return nil, ErrNoBackend
	}
	if opts.Room == "" {
		return nil, fmt.Errorf("%w: room is required", models.ErrInvalidMessage)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.UploadWorkers <= 0 {
		opts.UploadWorkers = DefaultUploadWorkers
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = DefaultUploadTimeout
	}
	work, stop := context.WithCancel(context.Background())
	s := &Session{
		opts:     opts,
		echoes:   echo.New(),
		origins:  make(map[string]echo.Token),
		photos:   make(map[echo.Token]*photoState),
		persistQ: outbox.New(opts.QueueSize),
		uploadQ:  outbox.New(opts.QueueSize),
		work:     work,
		stopWork: stop,
		dirty:    make(chan struct{}, 1),
		stopPub:  make(chan struct{}),
		pubDone:  make(chan struct{}),
	}
	// a single persist worker keeps the send order of this device
	s.persistQ.Start(work, 1, s.runJob)
	s.uploadQ.Start(work, opts.UploadWorkers, s.runJob)
	go s.publishLoop()
	return s, nil
}

func (s *Session) Room() string { return s.opts.Room }

// Echoes exposes the local echo store of the session.
func (s *Session) Echoes() *echo.Store { return s.echoes }

// Start subscribes to the room. Calling it again after a terminal stream
// error resubscribes.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.handle != nil && s.handle.Active() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	h, err := stream.Subscribe(s.opts.Backend, s.opts.Room, stream.Observer{
		OnUpdate: s.onSnapshot,
		OnError:  s.onStreamError,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		h.Unsubscribe()
		return ErrClosed
	}
	old := s.handle
	s.handle = h
	s.streamErr = nil
	s.mu.Unlock()
	if old != nil {
		old.Unsubscribe()
	}
	logger.Info("session_stream_started", "room", s.opts.Room)
	return nil
}

// StreamErr returns the terminal stream error, if any.
func (s *Session) StreamErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}

// Submit tracks msg as a local echo and queues it for persistence.
func (s *Session) Submit(msg models.Message) (echo.Token, *Future, error) {
	tok := echo.NewToken()
	fut, err := s.SubmitWithToken(tok, msg)
	if err != nil {
		return "", nil, err
	}
	return tok, fut, nil
}

// SubmitWithToken is Submit with a caller-chosen correlation token. Reusing
// a tracked token fails with echo.ErrDuplicateToken.
func (s *Session) SubmitWithToken(tok echo.Token, msg models.Message) (*Future, error) {
	return s.submit(tok, msg, nil)
}

func (s *Session) submit(tok echo.Token, msg models.Message, photo *photoState) (*Future, error) {
	if msg.Room == "" {
		msg.Room = s.opts.Room
	}
	if msg.Author == "" {
		msg.Author = s.opts.Author
	}
	if msg.Room != s.opts.Room {
		return nil, fmt.Errorf("%w: message for room %q submitted to %q", models.ErrInvalidMessage, msg.Room, s.opts.Room)
	}
	msg.ID = ""
	msg.TS = models.PendingTS
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if err := s.echoes.Add(tok, msg); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if photo != nil {
		s.photos[tok] = photo
	}
	s.mu.Unlock()
	metrics.EchoPending.Inc()

	fut := newFuture()
	s.enqueuePersist(tok, fut)
	s.markDirty()
	return fut, nil
}

// Send submits a text message. Surrounding whitespace is trimmed and blank
// input is refused with models.ErrEmptyMessage.
func (s *Session) Send(text string) (echo.Token, *Future, error) {
	msg, err := models.NewText(s.opts.Room, s.opts.Author, text)
	if err != nil {
		return "", nil, err
	}
	return s.Submit(msg)
}

// Retry resubmits a failed entry under its original token.
func (s *Session) Retry(tok echo.Token) (*Future, error) {
	e, ok := s.echoes.Lookup(tok)
	if !ok {
		return nil, fmt.Errorf("%w: %s", echo.ErrUnknownToken, tok)
	}
	if e.Status != echo.Failed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, tok, e.Status)
	}
	if _, err := s.echoes.Resend(tok); err != nil {
		return nil, err
	}
	fut := newFuture()
	s.enqueuePersist(tok, fut)
	s.markDirty()
	return fut, nil
}

// Dismiss drops a failed entry from the feed.
func (s *Session) Dismiss(tok echo.Token) error {
	e, ok := s.echoes.Lookup(tok)
	if !ok {
		return fmt.Errorf("%w: %s", echo.ErrUnknownToken, tok)
	}
	if e.Status != echo.Failed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, tok, e.Status)
	}
	s.mu.Lock()
	delete(s.photos, tok)
	s.retireLocked(tok)
	s.mu.Unlock()
	s.markDirty()
	return nil
}

func (s *Session) enqueuePersist(tok echo.Token, fut *Future) {
	job := &outbox.Job{
		Kind:  outbox.KindPersist,
		Room:  s.opts.Room,
		Token: string(tok),
		Run:   func(ctx context.Context) error { return s.persist(ctx, tok, fut) },
	}
	if err := s.persistQ.Enqueue(job); err != nil {
		if errors.Is(err, outbox.ErrQueueClosed) {
			err = ErrClosed
		}
		s.fail(tok, err)
		fut.resolve(backend.Receipt{}, err)
	}
}

func (s *Session) runJob(ctx context.Context, job *outbox.Job) {
	if err := job.Run(ctx); err != nil {
		logger.Debug("outbox_job_failed", "kind", string(job.Kind), "room", job.Room, "token", job.Token, "seq", job.EnqSeq, "error", err)
	}
}

func (s *Session) persist(ctx context.Context, tok echo.Token, fut *Future) error {
	e, ok := s.echoes.Lookup(tok)
	if !ok {
		err := fmt.Errorf("%w: %s", echo.ErrUnknownToken, tok)
		fut.resolve(backend.Receipt{}, err)
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, s.opts.PersistTimeout)
	defer cancel()
	sent := e.Message
	rc, err := s.opts.Backend.Persist(pctx, backend.PersistRequest{Room: s.opts.Room, Token: string(tok), Message: sent})
	if err != nil {
		if !errors.Is(err, backend.ErrRejected) {
			err = backend.Transient(err)
		}
		metrics.Submissions.WithLabelValues(backend.Kind(err)).Inc()
		logger.Warn("persist_failed", "room", s.opts.Room, "token", string(tok), "kind", backend.Kind(err), "error", err)
		s.fail(tok, err)
		fut.resolve(backend.Receipt{}, err)
		return err
	}
	metrics.Submissions.WithLabelValues("ok").Inc()

	_ = s.echoes.Acknowledge(tok, rc.ID, rc.TS)
	s.mu.Lock()
	s.origins[rc.ID] = tok
	inConfirmed := false
	for _, m := range s.confirmed {
		if m.ID == rc.ID {
			inConfirmed = true
			break
		}
	}
	// Without a live stream no snapshot will confirm the entry.
	streaming := s.handle != nil && s.handle.Active()
	if inConfirmed || s.closed || !streaming {
		s.retireLocked(tok)
	}
	ref := s.photoPersistedLocked(tok, rc.ID, sent.RemotePhoto)
	s.mu.Unlock()

	logger.Debug("persist_acknowledged", "room", s.opts.Room, "token", string(tok), "id", rc.ID, "ts", rc.TS)
	fut.resolve(rc, nil)
	s.markDirty()
	if ref != "" {
		s.attach(ctx, tok, rc.ID, ref)
	}
	return nil
}

func (s *Session) fail(tok echo.Token, err error) {
	if s.echoes.Fail(tok, err) != nil {
		return
	}
	s.report(tok, err)
	s.markDirty()
}

func (s *Session) report(tok echo.Token, err error) {
	if cb := s.opts.OnFailure; cb != nil {
		cb(tok, err)
	}
}

// retireLocked requires s.mu.
func (s *Session) retireLocked(tok echo.Token) {
	if s.echoes.Retire(tok) {
		metrics.EchoPending.Dec()
	}
}

func (s *Session) onSnapshot(snap backend.Snapshot) {
	var attaches []pendingAttach

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.confirmed = snap.Messages
	byID := make(map[string]models.Message, len(snap.Messages))
	for _, m := range snap.Messages {
		byID[m.ID] = m
	}
	byToken := make(map[echo.Token]string, len(snap.Origins))
	for id, t := range snap.Origins {
		if _, ok := byID[id]; !ok {
			continue
		}
		s.origins[id] = echo.Token(t)
		byToken[echo.Token(t)] = id
	}
	confirm := func(tok echo.Token, id string) {
		s.retireLocked(tok)
		if ref := s.photoPersistedLocked(tok, id, byID[id].RemotePhoto); ref != "" {
			attaches = append(attaches, pendingAttach{tok: tok, id: id, ref: ref})
		}
	}
	for _, e := range s.echoes.Pending() {
		if id, ok := byToken[e.Token]; ok {
			confirm(e.Token, id)
		}
	}
	// Acknowledged entries whose id arrived without a matching origin.
	if s.echoes.Len() > 0 {
		for _, m := range snap.Messages {
			if tok, ok := s.echoes.TokenFor(m.ID); ok {
				confirm(tok, m.ID)
			}
		}
	}
	s.mu.Unlock()

	for _, a := range attaches {
		s.enqueueAttach(a)
	}
	s.markDirty()
}

func (s *Session) onStreamError(err error) {
	s.mu.Lock()
	s.streamErr = err
	s.mu.Unlock()
	logger.Error("session_stream_failed", "room", s.opts.Room, "kind", backend.Kind(err), "error", err)
	if cb := s.opts.OnStreamError; cb != nil {
		cb(err)
	}
	s.markDirty()
}

// Feed returns the current reconciled render.
func (s *Session) Feed() []feed.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedLocked()
}

func (s *Session) feedLocked() []feed.Item {
	items := feed.Reconcile(s.confirmed, s.echoes.Pending())
	return feed.Annotate(items, s.origins)
}

func (s *Session) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Session) publishLoop() {
	defer close(s.pubDone)
	for {
		select {
		case <-s.stopPub:
			return
		case <-s.dirty:
		}
		s.publish()
	}
}

func (s *Session) publish() {
	start := time.Now()
	items := s.Feed()
	change := feed.Diff(s.last, items)
	if change.Empty() && s.published {
		return
	}
	s.last = items
	s.published = true
	metrics.ObserveSince(metrics.ReconcileSeconds, start)
	if cb := s.opts.OnFeedChanged; cb != nil {
		cb(items, change)
	}
}

// Close stops streaming, lets queued submissions finish until ctx is done
// and stops publishing. Submissions acknowledged by then leave the echo store.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h != nil {
		h.Unsubscribe()
	}
	s.persistQ.Close()
	s.uploadQ.Close()
	err := s.persistQ.Wait(ctx)
	if werr := s.uploadQ.Wait(ctx); err == nil {
		err = werr
	}
	s.stopWork()

	s.mu.Lock()
	for _, e := range s.echoes.Pending() {
		if e.Status == echo.Acknowledged {
			s.retireLocked(e.Token)
		}
	}
	s.mu.Unlock()

	close(s.stopPub)
	<-s.pubDone
	logger.Info("session_closed", "room", s.opts.Room, "pending", s.echoes.Len())
	return err
}
