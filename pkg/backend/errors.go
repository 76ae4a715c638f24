package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures expected to heal on their own.
	ErrTransient = errors.New("transient sync failure")
	// ErrRejected marks a persist the backend refused.
	ErrRejected     = errors.New("persist rejected")
	ErrUploadFailed = errors.New("photo upload failed")
	// ErrRevoked terminates a subscription.
	ErrRevoked  = errors.New("room access revoked")
	ErrNotFound = errors.New("message not found")
	ErrClosed   = errors.New("backend closed")
)

func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func Rejected(err error) error {
	if err == nil || errors.Is(err, ErrRejected) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

func UploadFailed(err error) error {
	if err == nil || errors.Is(err, ErrUploadFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUploadFailed, err)
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Kind names the category of err for logs and metrics labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrUploadFailed):
		return "upload_failed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
