package api

import (
	"crypto/subtle"

	"github.com/valyala/fasthttp"

	"github.com/antonitor/gotchat/pkg/backend"
	"github.com/antonitor/gotchat/pkg/logger"
	"github.com/antonitor/gotchat/pkg/models"
	"github.com/antonitor/gotchat/pkg/router"
)

type RoomsResponse struct {
	Rooms []models.Room `json:"rooms"`
}

type RoomRequest struct {
	Title string `json:"title"`
}

// PersistBody is the body of POST /v1/rooms/{room}/messages.
type PersistBody struct {
	Token   string         `json:"token,omitempty"`
	Message models.Message `json:"message"`
}

// AttachBody is the body of PUT /v1/rooms/{room}/messages/{id}/photo.
type AttachBody struct {
	RemotePhoto string `json:"remote_photo"`
}

func (s *Server) listRooms(ctx *fasthttp.RequestCtx) {
	rctx, cancel := s.requestContext()
	defer cancel()
	rooms, err := s.store.Rooms(rctx)
	if err != nil {
		writeError(ctx, "list_rooms", err)
		return
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	_ = router.WriteJSON(ctx, RoomsResponse{Rooms: rooms})
}

func (s *Server) putRoom(ctx *fasthttp.RequestCtx) {
	var body RoomRequest
	if len(ctx.PostBody()) > 0 {
		if err := router.DecodeJSON(ctx, &body); err != nil {
			router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
			return
		}
	}
	rctx, cancel := s.requestContext()
	defer cancel()
	room, err := s.store.SetTitle(rctx, router.Param(ctx, "room"), body.Title)
	if err != nil {
		writeError(ctx, "put_room", err)
		return
	}
	_ = router.WriteJSON(ctx, room)
}

func (s *Server) readMessages(ctx *fasthttp.RequestCtx) {
	rctx, cancel := s.requestContext()
	defer cancel()
	snap, err := s.store.Snapshot(rctx, router.Param(ctx, "room"))
	if err != nil {
		writeError(ctx, "read_messages", err)
		return
	}
	if snap.Messages == nil {
		snap.Messages = []models.Message{}
	}
	_ = router.WriteJSON(ctx, snap)
}

func (s *Server) persistMessage(ctx *fasthttp.RequestCtx) {
	var body PersistBody
	if err := router.DecodeJSON(ctx, &body); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	room := router.Param(ctx, "room")
	if body.Message.Room == "" {
		body.Message.Room = room
	}
	if a := ctx.Request.Header.Peek(AuthorHeader); len(a) > 0 && body.Message.Author == "" {
		body.Message.Author = string(a)
	}
	rctx, cancel := s.requestContext()
	defer cancel()
	rc, err := s.store.Persist(rctx, backend.PersistRequest{Room: room, Token: body.Token, Message: body.Message})
	if err != nil {
		writeError(ctx, "persist_message", err)
		return
	}
	_ = router.WriteJSON(ctx, rc)
}

func (s *Server) attachPhoto(ctx *fasthttp.RequestCtx) {
	var body AttachBody
	if err := router.DecodeJSON(ctx, &body); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	rctx, cancel := s.requestContext()
	defer cancel()
	err := s.store.AttachPhoto(rctx, router.Param(ctx, "room"), router.Param(ctx, "id"), body.RemotePhoto)
	if err != nil {
		writeError(ctx, "attach_photo", err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) revokeRoom(ctx *fasthttp.RequestCtx) {
	if !s.admin(ctx) {
		return
	}
	room := router.Param(ctx, "room")
	rctx, cancel := s.requestContext()
	defer cancel()
	if err := s.store.Revoke(rctx, room); err != nil {
		writeError(ctx, "revoke_room", err)
		return
	}
	logger.Info("room_revoked_by_admin", "room", room, "remote", ctx.RemoteIP().String())
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// admin checks the admin key header and writes the refusal itself.
func (s *Server) admin(ctx *fasthttp.RequestCtx) bool {
	if s.cfg.AdminKey == "" {
		router.WriteJSONError(ctx, fasthttp.StatusForbidden, "admin routes disabled")
		return false
	}
	key := ctx.Request.Header.Peek(AdminKeyHeader)
	if subtle.ConstantTimeCompare(key, []byte(s.cfg.AdminKey)) != 1 {
		logger.Warn("request_unauthorized", "path", string(ctx.Path()), "remote", ctx.RemoteIP().String())
		router.WriteJSONError(ctx, fasthttp.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}
