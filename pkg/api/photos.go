package api

import (
	"bytes"

	"github.com/valyala/fasthttp"

	"github.com/antonitor/gotchat/pkg/router"
	"github.com/antonitor/gotchat/pkg/upload"
)

type PhotoResponse struct {
	Ref string `json:"ref"`
}

func (s *Server) uploadPhoto(ctx *fasthttp.RequestCtx) {
	if s.photos == nil {
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, "photo storage disabled")
		return
	}
	body := ctx.PostBody()
	if len(body) == 0 {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "empty photo")
		return
	}
	name := upload.NameFor(string(ctx.QueryArgs().Peek("name")))
	rctx, cancel := s.requestContext()
	defer cancel()
	ref, err := s.photos.Put(rctx, name, bytes.NewReader(body))
	if err != nil {
		writeError(ctx, "upload_photo", err)
		return
	}
	_ = router.WriteJSONStatus(ctx, fasthttp.StatusCreated, PhotoResponse{Ref: ref})
}

func (s *Server) readPhoto(ctx *fasthttp.RequestCtx) {
	if s.photos == nil {
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, "photo storage disabled")
		return
	}
	name := router.Param(ctx, "name")
	rc, size, err := s.photos.Open(name)
	if err != nil {
		writeError(ctx, "read_photo", err)
		return
	}
	ctx.SetContentType(s.photos.ContentType(name))
	ctx.SetBodyStream(rc, int(size))
}
