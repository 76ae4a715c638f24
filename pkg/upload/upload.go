// Package upload moves device-local photos to storage that other room
// members can resolve.
package upload

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrTooLarge    = errors.New("photo exceeds the size limit")
	ErrInvalidName = errors.New("invalid photo name")
	ErrNotFound    = errors.New("photo not found")
)

// LocalPath resolves a local photo ref, a plain path or a file:// URL.
func LocalPath(ref string) (string, error) {
	p := strings.TrimPrefix(ref, "file://")
	if p == "" {
		return "", fmt.Errorf("%w: empty reference", ErrInvalidName)
	}
	return filepath.Clean(p), nil
}

// NameFor returns a fresh object name that keeps the extension of src.
func NameFor(src string) string {
	ext := strings.ToLower(filepath.Ext(src))
	if len(ext) > 8 {
		ext = ""
	}
	return uuid.NewString() + ext
}

// ValidName reports whether name is a single safe path segment.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || len(name) > 128 {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// openLocal opens a local photo and checks it against maxSize.
func openLocal(ref string, maxSize int64) (*os.File, int64, error) {
	p, err := LocalPath(ref)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if st.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %s is a directory", ErrInvalidName, p)
	}
	if maxSize > 0 && st.Size() > maxSize {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, st.Size(), maxSize)
	}
	return f, st.Size(), nil
}
