package api

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/models"
	"github.com/antonitor/gotchat/pkg/router"
	"github.com/antonitor/gotchat/pkg/upload"
)

// StatusFor maps a storage error to the status clients classify by:
// 4xx is a rejection, 429 and 5xx are transient.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, backend.ErrRevoked):
		return fasthttp.StatusForbidden
	case errors.Is(err, backend.ErrNotFound), errors.Is(err, upload.ErrNotFound):
		return fasthttp.StatusNotFound
	case errors.Is(err, upload.ErrTooLarge):
		return fasthttp.StatusRequestEntityTooLarge
	case errors.Is(err, backend.ErrRejected), errors.Is(err, upload.ErrInvalidName), errors.Is(err, models.ErrInvalidMessage):
		return fasthttp.StatusBadRequest
	case errors.Is(err, backend.ErrClosed), backend.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}

func writeError(ctx *fasthttp.RequestCtx, op string, err error) {
	status := StatusFor(err)
	if status >= fasthttp.StatusInternalServerError {
		logger.Error("request_failed", "op", op, "path", string(ctx.Path()), "error", err)
	} else {
		logger.Debug("request_refused", "op", op, "path", string(ctx.Path()), "status", status, "error", err)
	}
	router.WriteJSONError(ctx, status, err.Error())
}
