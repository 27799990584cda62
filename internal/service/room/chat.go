package room

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sharetube/lockstep/internal/protocol"
)

type SendChatParams struct {
	RoomId   string
	SenderId string
	Text     string
}

type SendChatResponse struct {
	Message protocol.ChatMessage
	Conns   []*websocket.Conn
}

func (s *service) SendChat(ctx context.Context, params *SendChatParams) (SendChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, m, err := s.lookupLocked(params.RoomId, params.SenderId)
	if err != nil {
		return SendChatResponse{}, err
	}

	now := s.cfg.Now()
	msg := protocol.ChatMessage{
		Id:            uuid.NewString(),
		Kind:          protocol.ChatKindUser,
		ParticipantId: m.id,
		Username:      m.username,
		Text:          strings.TrimSpace(params.Text),
		At:            now.UnixMilli(),
	}
	r.history.add(msg)
	r.lastActivity = now

	return SendChatResponse{
		Message: msg,
		Conns:   s.getConnsLocked(ctx, r, ""),
	}, nil
}
