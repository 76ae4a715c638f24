package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/echo"
	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/metrics"
	"github.com/antonitor/gotchat/pkg/models"
	"github.com/antonitor/gotchat/pkg/outbox"
)

var ErrUploadInProgress = errors.New("photo upload in progress")

// photoState follows one photo message from submit until the remote ref
// is attached to its persisted record. Guarded by Session.mu.
type photoState struct {
	localRef  string
	id        string
	remoteRef string
	uploading bool
	attaching bool
	uploadErr error
}

type pendingAttach struct {
	tok echo.Token
	id  string
	ref string
}

// SendPhoto submits a photo message that shows localRef right away and
// uploads the photo in the background.
func (s *Session) SendPhoto(localRef string) (echo.Token, *Future, error) {
	if s.opts.Uploader == nil {
		return "", nil, ErrNoUploader
	}
	msg, err := models.NewPhoto(s.opts.Room, s.opts.Author, localRef)
	if err != nil {
		return "", nil, err
	}
	tok := echo.NewToken()
	ps := &photoState{localRef: localRef, uploading: true}
	fut, err := s.submit(tok, msg, ps)
	if err != nil {
		return "", nil, err
	}
	s.enqueueUpload(tok, localRef)
	return tok, fut, nil
}

// RetryUpload restarts a failed photo upload, or a failed attach of a
// finished one.
func (s *Session) RetryUpload(tok echo.Token) error {
	s.mu.Lock()
	ps, ok := s.photos[tok]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", echo.ErrUnknownToken, tok)
	}
	if ps.uploading || ps.attaching {
		s.mu.Unlock()
		return ErrUploadInProgress
	}
	if ps.remoteRef != "" && ps.id != "" {
		ps.attaching = true
		a := pendingAttach{tok: tok, id: ps.id, ref: ps.remoteRef}
		s.mu.Unlock()
		s.enqueueAttach(a)
		return nil
	}
	if ps.uploadErr == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: upload of %s", ErrNotFailed, tok)
	}
	ps.uploading = true
	ps.uploadErr = nil
	local := ps.localRef
	s.mu.Unlock()
	s.enqueueUpload(tok, local)
	return nil
}

func (s *Session) enqueueUpload(tok echo.Token, localRef string) {
	job := &outbox.Job{
		Kind:  outbox.KindUpload,
		Room:  s.opts.Room,
		Token: string(tok),
		Run:   func(ctx context.Context) error { return s.upload(ctx, tok, localRef) },
	}
	if err := s.uploadQ.Enqueue(job); err != nil {
		s.uploadFailed(tok, backend.UploadFailed(err))
	}
}

func (s *Session) upload(ctx context.Context, tok echo.Token, localRef string) error {
	uctx, cancel := context.WithTimeout(ctx, s.opts.UploadTimeout)
	defer cancel()
	remote, err := s.opts.Uploader.Upload(uctx, localRef)
	if err == nil && remote == "" {
		err = errors.New("uploader returned an empty reference")
	}
	if err != nil {
		err = backend.UploadFailed(err)
		s.uploadFailed(tok, err)
		return err
	}
	metrics.PhotoUploads.WithLabelValues("ok").Inc()
	logger.Debug("photo_uploaded", "room", s.opts.Room, "token", string(tok), "remote", remote)

	_ = s.echoes.Update(tok, func(m *models.Message) { m.RemotePhoto = remote })
	s.mu.Lock()
	var id string
	if ps, ok := s.photos[tok]; ok {
		ps.uploading = false
		ps.remoteRef = remote
		if ps.id != "" && !ps.attaching {
			ps.attaching = true
			id = ps.id
		}
	}
	s.mu.Unlock()
	s.markDirty()
	if id != "" {
		s.attach(ctx, tok, id, remote)
	}
	return nil
}

func (s *Session) uploadFailed(tok echo.Token, err error) {
	metrics.PhotoUploads.WithLabelValues("failed").Inc()
	logger.Warn("photo_upload_failed", "room", s.opts.Room, "token", string(tok), "error", err)
	s.mu.Lock()
	if ps, ok := s.photos[tok]; ok {
		ps.uploading = false
		ps.uploadErr = err
	}
	s.mu.Unlock()
	s.report(tok, err)
}

// photoPersistedLocked records the persisted id of a photo message and
// returns the remote ref to attach when the upload already finished.
func (s *Session) photoPersistedLocked(tok echo.Token, id, storedRemote string) string {
	ps, ok := s.photos[tok]
	if !ok {
		return ""
	}
	ps.id = id
	if ps.remoteRef == "" || ps.attaching {
		return ""
	}
	if storedRemote == ps.remoteRef {
		delete(s.photos, tok)
		return ""
	}
	ps.attaching = true
	return ps.remoteRef
}

func (s *Session) enqueueAttach(a pendingAttach) {
	job := &outbox.Job{
		Kind:  outbox.KindAttach,
		Room:  s.opts.Room,
		Token: string(a.tok),
		Run: func(ctx context.Context) error {
			s.attach(ctx, a.tok, a.id, a.ref)
			return nil
		},
	}
	if err := s.persistQ.Enqueue(job); err != nil {
		s.mu.Lock()
		if ps, ok := s.photos[a.tok]; ok {
			ps.attaching = false
		}
		s.mu.Unlock()
		s.report(a.tok, err)
	}
}

func (s *Session) attach(ctx context.Context, tok echo.Token, id, ref string) {
	actx, cancel := context.WithTimeout(ctx, s.opts.PersistTimeout)
	defer cancel()
	err := s.opts.Backend.AttachPhoto(actx, s.opts.Room, id, ref)
	if err != nil && !errors.Is(err, backend.ErrRejected) && !errors.Is(err, backend.ErrNotFound) {
		err = backend.Transient(err)
	}

	s.mu.Lock()
	if ps, ok := s.photos[tok]; ok {
		ps.attaching = false
		if err == nil {
			delete(s.photos, tok)
		}
	}
	s.mu.Unlock()

	if err != nil {
		logger.Warn("photo_attach_failed", "room", s.opts.Room, "token", string(tok), "id", id, "kind", backend.Kind(err), "error", err)
		s.report(tok, err)
		return
	}
	logger.Debug("photo_attached", "room", s.opts.Room, "token", string(tok), "id", id)
}

// PhotoErr returns the last upload error recorded for tok.
func (s *Session) PhotoErr(tok echo.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.photos[tok]; ok {
		return ps.uploadErr
	}
	return nil
}
