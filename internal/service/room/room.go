package room

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sharetube/lockstep/internal/metrics"
	"github.com/sharetube/lockstep/internal/protocol"
	"github.com/sharetube/lockstep/internal/repository/room"
	"github.com/sharetube/lockstep/internal/tuning"
)

const defaultUsername = "guest"

type CreateRoomParams struct {
	HostUsername string
	InitialUrl   string
}

type CreateRoomResponse struct {
	RoomId   string
	HostId   string
	Username string
	JoinLink string
}

// CreateRoom registers a room and reserves the creator's participant id, so
// that the creator becomes host as soon as it connects.
func (s *service) CreateRoom(ctx context.Context, params *CreateRoomParams) (CreateRoomResponse, error) {
	now := s.cfg.Now()
	roomId := uuid.NewString()
	hostId := uuid.NewString()

	username := params.HostUsername
	if username == "" {
		username = defaultUsername
	}

	r := newLiveRoom(roomId, now, s.cfg.ChatHistorySize)
	r.members[hostId] = &member{id: hostId, username: username, joinedAt: now.UnixMilli()}
	if params.InitialUrl != "" {
		r.currentUrl = params.InitialUrl
		r.currentTitle = s.resolveTitle(ctx, params.InitialUrl, "")
		r.platform = platformOf(params.InitialUrl)
		r.syncProfile = string(tuning.ProfileFor(r.platform))
		r.refUpdatedAt = now.UnixMilli()
	}

	if err := s.roomRepo.SetRoom(ctx, &room.SetRoomParams{
		RoomId: roomId,
		Room:   r.record(),
	}); err != nil {
		s.logger.InfoContext(ctx, "failed to set room", "error", err)
		return CreateRoomResponse{}, fmt.Errorf("failed to create room: %w", err)
	}

	if err := s.roomRepo.SetMember(ctx, &room.SetMemberParams{
		RoomId:   roomId,
		MemberId: hostId,
		Username: username,
		JoinedAt: now.UnixMilli(),
	}); err != nil {
		s.logger.InfoContext(ctx, "failed to set member", "error", err)
		return CreateRoomResponse{}, fmt.Errorf("failed to create room: %w", err)
	}

	s.mu.Lock()
	s.rooms[roomId] = r
	metrics.RoomsActive.Set(float64(len(s.rooms)))
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "room created", "room_id", roomId, "host_id", hostId)

	return CreateRoomResponse{
		RoomId:   roomId,
		HostId:   hostId,
		Username: username,
		JoinLink: s.joinLink(roomId),
	}, nil
}

func (s *service) joinLink(roomId string) string {
	if s.cfg.PublicUrl == "" {
		return "/join/" + roomId
	}

	link, err := url.JoinPath(s.cfg.PublicUrl, "join", roomId)
	if err != nil {
		return s.cfg.PublicUrl + "/join/" + roomId
	}

	return link
}

// GetRoom returns the live view of a room, falling back to the stored mirror
// for rooms this relay does not hold in memory.
func (s *service) GetRoom(ctx context.Context, roomId string) (protocol.Room, error) {
	s.mu.Lock()
	r, ok := s.rooms[roomId]
	if ok {
		view := r.view()
		s.mu.Unlock()
		return view, nil
	}
	s.mu.Unlock()

	rec, err := s.roomRepo.GetRoom(ctx, roomId)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			return protocol.Room{}, ErrRoomNotFound
		}
		s.logger.InfoContext(ctx, "failed to get room", "error", err)
		return protocol.Room{}, err
	}

	return protocol.Room{
		Id:                   roomId,
		HostId:               rec.HostId,
		Participants:         []protocol.Participant{},
		CurrentUrl:           rec.CurrentUrl,
		CurrentPlatform:      rec.CurrentPlatform,
		SyncProfile:          rec.SyncProfile,
		ReferenceTimeSeconds: rec.ReferenceTimeSeconds,
		ReferenceUpdatedAt:   rec.ReferenceUpdatedAt,
		IsPlaying:            rec.IsPlaying,
		LastActivity:         rec.LastActivity,
	}, nil
}

type JoinRoomParams struct {
	Conn          *websocket.Conn
	RoomId        string
	ParticipantId string
	Username      string
}

type JoinRoomResponse struct {
	Self        protocol.Participant
	Room        protocol.Room
	History     []protocol.ChatMessage
	HostChanged bool
	Event       *protocol.SystemEvent
	// Replaced is an older connection of the same participant. The caller
	// closes it.
	Replaced *websocket.Conn
	// Conns are the connections of every present participant, the joiner
	// included.
	Conns []*websocket.Conn
}

func (s *service) JoinRoom(ctx context.Context, params *JoinRoomParams) (JoinRoomResponse, error) {
	r, err := s.loadRoom(ctx, params.RoomId)
	if err != nil {
		return JoinRoomResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The room may have been collected while it was being loaded.
	if cur, ok := s.rooms[params.RoomId]; ok {
		r = cur
	} else {
		s.rooms[params.RoomId] = r
		metrics.RoomsActive.Set(float64(len(s.rooms)))
	}

	now := s.cfg.Now()

	memberId := params.ParticipantId
	if memberId == "" {
		memberId = uuid.NewString()
	}

	m, known := r.members[memberId]
	if !known {
		username := params.Username
		if username == "" {
			username = defaultUsername
		}
		m = &member{id: memberId, username: username, joinedAt: now.UnixMilli()}
		r.members[memberId] = m
	} else if params.Username != "" {
		m.username = params.Username
	}

	var replaced *websocket.Conn
	if old, err := s.connRepo.GetConn(ctx, r.id, memberId); err == nil && old != params.Conn {
		if err := s.connRepo.RemoveByConn(ctx, old); err != nil {
			s.logger.InfoContext(ctx, "failed to remove replaced conn", "error", err)
		}
		replaced = old
	}

	if err := s.connRepo.Add(ctx, params.Conn, r.id, memberId); err != nil {
		s.logger.InfoContext(ctx, "failed to add conn", "error", err)
		return JoinRoomResponse{}, fmt.Errorf("failed to join room: %w", err)
	}
	metrics.ConnectionsActive.Set(float64(s.connRepo.Count()))

	wasPresent := m.present
	m.present = true
	r.emptySince = time.Time{}
	r.lastActivity = now

	hostChanged := r.electHost()
	if hostChanged {
		metrics.HostMigrations.Inc()
		// A new host starts its own counters.
		r.seq.Clear()
	}

	history := r.history.list()

	var event *protocol.SystemEvent
	if !wasPresent {
		ev := s.systemEvent(r, now, protocol.SystemEventJoined, m.username+" joined", m.id, m.username, 0)
		event = &ev
	}

	s.persist(ctx, r, &room.SetMemberParams{
		RoomId:   r.id,
		MemberId: m.id,
		Username: m.username,
		JoinedAt: m.joinedAt,
	})

	role := protocol.RoleViewer
	if r.hostId == m.id {
		role = protocol.RoleHost
	}

	return JoinRoomResponse{
		Self: protocol.Participant{
			Id:       m.id,
			Username: m.username,
			Role:     role,
			JoinedAt: m.joinedAt,
		},
		Room:        r.view(),
		History:     history,
		HostChanged: hostChanged,
		Event:       event,
		Replaced:    replaced,
		Conns:       s.getConnsLocked(ctx, r, ""),
	}, nil
}

// loadRoom returns the live room, rebuilding it from the stored mirror when
// the relay restarted within the room's lifetime.
func (s *service) loadRoom(ctx context.Context, roomId string) (*liveRoom, error) {
	s.mu.Lock()
	r, ok := s.rooms[roomId]
	s.mu.Unlock()
	if ok {
		return r, nil
	}

	rec, err := s.roomRepo.GetRoom(ctx, roomId)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			s.logger.InfoContext(ctx, "room not found", "room_id", roomId)
			return nil, ErrRoomNotFound
		}
		s.logger.InfoContext(ctx, "failed to get room", "error", err)
		return nil, err
	}

	members, err := s.roomRepo.GetMembers(ctx, roomId)
	if err != nil {
		s.logger.InfoContext(ctx, "failed to get members", "error", err)
		return nil, err
	}

	now := s.cfg.Now()
	r = newLiveRoom(roomId, now, s.cfg.ChatHistorySize)
	r.currentUrl = rec.CurrentUrl
	r.currentTitle = rec.CurrentTitle
	r.platform = rec.CurrentPlatform
	r.syncProfile = rec.SyncProfile
	r.refTime = rec.ReferenceTimeSeconds
	r.refUpdatedAt = rec.ReferenceUpdatedAt
	r.isPlaying = rec.IsPlaying
	if rec.CreatedAt > 0 {
		r.createdAt = time.UnixMilli(rec.CreatedAt)
	}
	for _, m := range members {
		r.members[m.Id] = &member{id: m.Id, username: m.Username, joinedAt: m.JoinedAt}
	}

	s.logger.InfoContext(ctx, "room restored", "room_id", roomId, "members", len(members))

	return r, nil
}

type LeaveRoomParams struct {
	Conn *websocket.Conn
}

type LeaveRoomResponse struct {
	RoomId      string
	MemberId    string
	Room        protocol.Room
	HostChanged bool
	Event       *protocol.SystemEvent
	IsEmpty     bool
	Conns       []*websocket.Conn
}

// LeaveRoom detaches conn from its room. A connection that was already
// replaced by a newer one of the same participant leaves nothing behind.
func (s *service) LeaveRoom(ctx context.Context, params *LeaveRoomParams) (LeaveRoomResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomId, memberId, err := s.connRepo.GetMember(ctx, params.Conn)
	if err != nil {
		return LeaveRoomResponse{}, ErrMemberNotFound
	}

	if err := s.connRepo.RemoveByConn(ctx, params.Conn); err != nil {
		s.logger.InfoContext(ctx, "failed to remove conn", "error", err)
	}
	metrics.ConnectionsActive.Set(float64(s.connRepo.Count()))

	r, ok := s.rooms[roomId]
	if !ok {
		return LeaveRoomResponse{}, ErrRoomNotFound
	}

	m, ok := r.members[memberId]
	if !ok {
		return LeaveRoomResponse{}, ErrMemberNotFound
	}

	now := s.cfg.Now()
	m.present = false
	r.lastActivity = now

	hostChanged := r.electHost()
	if hostChanged {
		r.seq.Clear()
		if r.hostId != "" {
			metrics.HostMigrations.Inc()
		}
	}

	ev := s.systemEvent(r, now, protocol.SystemEventLeft, m.username+" left", m.id, m.username, 0)

	isEmpty := r.hostId == ""
	if isEmpty {
		r.emptySince = now
		if err := s.roomRepo.ExpireRoom(ctx, &room.ExpireRoomParams{
			RoomId:   r.id,
			ExpireAt: now.Add(s.cfg.GracePeriod),
		}); err != nil {
			s.logger.InfoContext(ctx, "failed to expire room", "error", err)
		}
	} else {
		s.persist(ctx, r, nil)
	}

	s.logger.InfoContext(ctx, "member left", "room_id", roomId, "member_id", memberId, "host_changed", hostChanged)

	return LeaveRoomResponse{
		RoomId:      roomId,
		MemberId:    memberId,
		Room:        r.view(),
		HostChanged: hostChanged,
		Event:       &ev,
		IsEmpty:     isEmpty,
		Conns:       s.getConnsLocked(ctx, r, ""),
	}, nil
}

// CollectGarbage removes rooms that have had nobody connected for at least
// the grace period and returns their ids.
func (s *service) CollectGarbage(ctx context.Context) []string {
	s.mu.Lock()
	now := s.cfg.Now()
	var removed []string
	for id, r := range s.rooms {
		if r.emptySince.IsZero() || now.Sub(r.emptySince) < s.cfg.GracePeriod {
			continue
		}
		delete(s.rooms, id)
		removed = append(removed, id)
	}
	metrics.RoomsActive.Set(float64(len(s.rooms)))
	s.mu.Unlock()

	for _, id := range removed {
		if err := s.roomRepo.RemoveRoom(ctx, id); err != nil && !errors.Is(err, room.ErrRoomNotFound) {
			s.logger.InfoContext(ctx, "failed to remove room", "room_id", id, "error", err)
		}
		metrics.RoomsCollected.Inc()
		s.logger.InfoContext(ctx, "room collected", "room_id", id)
	}

	return removed
}

// RunJanitor collects empty rooms every JanitorInterval until ctx is done.
func (s *service) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CollectGarbage(ctx)
		}
	}
}
