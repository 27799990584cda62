package room

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sharetube/lockstep/internal/protocol"
	"github.com/sharetube/lockstep/internal/repository/room"
)

// getConnsLocked returns the connections of present members except
// exceptId. Members whose connection is gone are skipped.
func (s *service) getConnsLocked(ctx context.Context, r *liveRoom, exceptId string) []*websocket.Conn {
	present := r.present()
	conns := make([]*websocket.Conn, 0, len(present))
	for _, m := range present {
		if m.id == exceptId {
			continue
		}

		conn, err := s.connRepo.GetConn(ctx, r.id, m.id)
		if err != nil {
			s.logger.InfoContext(ctx, "failed to get conn", "member_id", m.id, "error", err)
			continue
		}

		conns = append(conns, conn)
	}

	return conns
}

func (s *service) getHostConnLocked(ctx context.Context, r *liveRoom) *websocket.Conn {
	if r.hostId == "" {
		return nil
	}

	conn, err := s.connRepo.GetConn(ctx, r.id, r.hostId)
	if err != nil {
		s.logger.InfoContext(ctx, "failed to get host conn", "error", err)
		return nil
	}

	return conn
}

// lookupLocked returns the room and checks that senderId is present in it.
func (s *service) lookupLocked(roomId, senderId string) (*liveRoom, *member, error) {
	r, ok := s.rooms[roomId]
	if !ok {
		return nil, nil, ErrRoomNotFound
	}

	m, ok := r.members[senderId]
	if !ok || !m.present {
		return nil, nil, ErrMemberNotFound
	}

	return r, m, nil
}

// hostLocked is lookupLocked restricted to the current host.
func (s *service) hostLocked(roomId, senderId string) (*liveRoom, *member, error) {
	r, m, err := s.lookupLocked(roomId, senderId)
	if err != nil {
		return nil, nil, err
	}

	if r.hostId != senderId {
		return nil, nil, ErrPermissionDenied
	}

	return r, m, nil
}

func (r *liveRoom) record() room.Room {
	return room.Room{
		HostId:               r.hostId,
		CurrentUrl:           r.currentUrl,
		CurrentTitle:         r.currentTitle,
		CurrentPlatform:      r.platform,
		SyncProfile:          r.syncProfile,
		ReferenceTimeSeconds: r.refTime,
		ReferenceUpdatedAt:   r.refUpdatedAt,
		IsPlaying:            r.isPlaying,
		CreatedAt:            r.createdAt.UnixMilli(),
		LastActivity:         r.lastActivity.UnixMilli(),
	}
}

// persist mirrors the room, and optionally one member, to the repository.
// Failures are logged; the live room stays authoritative.
func (s *service) persist(ctx context.Context, r *liveRoom, m *room.SetMemberParams) {
	err := s.roomRepo.UpdatePlayback(ctx, &room.UpdatePlaybackParams{
		RoomId:               r.id,
		HostId:               r.hostId,
		CurrentUrl:           r.currentUrl,
		CurrentTitle:         r.currentTitle,
		CurrentPlatform:      r.platform,
		SyncProfile:          r.syncProfile,
		ReferenceTimeSeconds: r.refTime,
		ReferenceUpdatedAt:   r.refUpdatedAt,
		IsPlaying:            r.isPlaying,
		LastActivity:         r.lastActivity.UnixMilli(),
	})
	if errors.Is(err, room.ErrRoomNotFound) {
		err = s.roomRepo.SetRoom(ctx, &room.SetRoomParams{RoomId: r.id, Room: r.record()})
	}
	if err != nil {
		s.logger.InfoContext(ctx, "failed to persist room", "room_id", r.id, "error", err)
	}

	if m == nil {
		return
	}

	if err := s.roomRepo.SetMember(ctx, m); err != nil {
		s.logger.InfoContext(ctx, "failed to persist member", "room_id", r.id, "error", err)
	}
}

// systemEvent builds a timeline event and appends it to the room history.
func (s *service) systemEvent(r *liveRoom, now time.Time, kind, text, participantId, username string, at float64) protocol.SystemEvent {
	ev := protocol.SystemEvent{
		Id:            uuid.NewString(),
		Kind:          kind,
		Text:          text,
		ParticipantId: participantId,
		Username:      username,
		TimeSeconds:   at,
		At:            now.UnixMilli(),
	}

	r.history.add(protocol.ChatMessage{
		Id:            ev.Id,
		Kind:          protocol.ChatKindSystem,
		ParticipantId: participantId,
		Username:      username,
		Text:          text,
		At:            ev.At,
		Event:         &ev,
	})

	return ev
}

// platformOf names the streaming site of a media url.
func platformOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "youtu.be" || strings.HasSuffix(host, "youtube.com"):
		return "youtube"
	case strings.HasSuffix(host, "netflix.com"):
		return "netflix"
	}

	if i := strings.Index(host, "."); i > 0 {
		return host[:i]
	}

	return host
}

// resolveTitle is best effort and must not be called with s.mu held.
func (s *service) resolveTitle(ctx context.Context, url, title string) string {
	if title != "" || url == "" || s.cfg.Titles == nil {
		return title
	}

	resolved, err := s.cfg.Titles.Title(ctx, url)
	if err != nil {
		s.logger.DebugContext(ctx, "failed to resolve title", "url", url, "error", err)
		return ""
	}

	return resolved
}
