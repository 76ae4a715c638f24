package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/antonitor/gotchat/pkg/logger"
)

// Dir stores photos as files under a directory. gotchatd serves it on
// /v1/photos; clients use it directly when they share a filesystem.
type Dir struct {
	root    string
	baseURL string
	maxSize int64
}

// NewDir creates root if needed. With an empty baseURL refs are file:// URLs.
func NewDir(root, baseURL string, maxSize int64) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create photo dir: %w", err)
	}
	return &Dir{root: abs, baseURL: strings.TrimRight(baseURL, "/"), maxSize: maxSize}, nil
}

func (d *Dir) Root() string { return d.root }

func (d *Dir) MaxSize() int64 { return d.maxSize }

// Upload copies the local photo into the directory.
func (d *Dir) Upload(ctx context.Context, localRef string) (string, error) {
	f, _, err := openLocal(localRef, d.maxSize)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return d.Put(ctx, NameFor(f.Name()), f)
}

// Put stores r as name and returns its ref.
func (d *Dir) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ValidName(name); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(d.root, ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	src := r
	if d.maxSize > 0 {
		src = io.LimitReader(r, d.maxSize+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	if d.maxSize > 0 && n > d.maxSize {
		return "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, d.maxSize)
	}
	dst := filepath.Join(d.root, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	logger.Debug("photo_stored", "name", name, "bytes", n)
	return d.ref(name, dst), nil
}

func (d *Dir) ref(name, path string) string {
	if d.baseURL != "" {
		return d.baseURL + "/" + name
	}
	return "file://" + path
}

// Open returns a stored photo and its size.
func (d *Dir) Open(name string) (io.ReadCloser, int64, error) {
	if err := ValidName(name); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(filepath.Join(d.root, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

// ContentType guesses the media type of a stored photo from its name.
func (d *Dir) ContentType(name string) string { return contentType(name) }
