package controller

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sharetube/lockstep/internal/service/room"
	"github.com/sharetube/lockstep/pkg/rest"
)

type createRoomInput struct {
	HostUsername string `json:"hostUsername" validate:"max=32"`
	InitialMedia string `json:"initialMedia" validate:"omitempty,url"`
}

type createRoomOutput struct {
	RoomId   string `json:"roomId"`
	HostId   string `json:"hostId"`
	Username string `json:"username"`
	JoinLink string `json:"joinLink"`
}

func (c controller) createRoom(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var input createRoomInput
	if err := rest.ReadJSON(r, &input); err != nil {
		c.logger.InfoContext(ctx, "failed to read json", "error", err)
		rest.WriteJSON(w, http.StatusUnprocessableEntity, rest.Envelope{"error": err.Error()})
		return
	}

	if validationErrors, ok := c.validate.Validate(input); !ok {
		c.logger.InfoContext(ctx, "validation failed", "errors", validationErrors)
		rest.WriteJSON(w, http.StatusBadRequest, rest.Envelope{"errors": validationErrors})
		return
	}

	createRoomResp, err := c.roomService.CreateRoom(ctx, &room.CreateRoomParams{
		HostUsername: input.HostUsername,
		InitialUrl:   input.InitialMedia,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "failed to create room", "error", err)
		rest.WriteJSON(w, http.StatusInternalServerError, rest.Envelope{"error": "failed to create room"})
		return
	}

	rest.WriteJSON(w, http.StatusCreated, createRoomOutput{
		RoomId:   createRoomResp.RoomId,
		HostId:   createRoomResp.HostId,
		Username: createRoomResp.Username,
		JoinLink: createRoomResp.JoinLink,
	})
}

func (c controller) getRoom(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	roomId := chi.URLParam(r, "room-id")

	view, err := c.roomService.GetRoom(ctx, roomId)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			rest.WriteJSON(w, http.StatusNotFound, rest.Envelope{"error": "room not found"})
			return
		}
		c.logger.WarnContext(ctx, "failed to get room", "error", err)
		rest.WriteJSON(w, http.StatusInternalServerError, rest.Envelope{"error": "failed to get room"})
		return
	}

	rest.WriteJSON(w, http.StatusOK, view)
}
