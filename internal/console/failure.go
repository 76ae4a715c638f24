package console

import (
	"errors"

	"github.com/antonitor/gotchat/pkg/backend"
)

func describeFailure(err error) string {
	switch {
	case errors.Is(err, backend.ErrUploadFailed):
		return "photo upload failed, the message keeps its local copy (/retry)"
	case errors.Is(err, backend.ErrRevoked):
		return "access to this room was revoked"
	case errors.Is(err, backend.ErrRejected):
		return "message rejected"
	case errors.Is(err, backend.ErrTransient):
		return "message not sent yet (/retry)"
	default:
		return "message failed"
	}
}
