package inmemory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sharetube/lockstep/internal/repository/room"
)

type roomEntry struct {
	room     room.Room
	members  map[string]room.Member
	expireAt time.Time
}

// repo keeps the room mirror in process memory. Used when redis is disabled
// and in tests.
type repo struct {
	mu             sync.RWMutex
	rooms          map[string]*roomEntry
	expireDuration time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

func NewRepo(expireDuration time.Duration, logger *slog.Logger) *repo {
	return &repo{
		rooms:          make(map[string]*roomEntry),
		expireDuration: expireDuration,
		now:            time.Now,
		logger:         logger,
	}
}

// get returns a live entry and drops it when expired. Callers hold the write
// lock.
func (r *repo) get(roomId string) (*roomEntry, bool) {
	e, ok := r.rooms[roomId]
	if !ok {
		return nil, false
	}
	if !e.expireAt.IsZero() && !r.now().Before(e.expireAt) {
		delete(r.rooms, roomId)
		return nil, false
	}

	return e, true
}

func (r *repo) touch(e *roomEntry) {
	e.expireAt = r.now().Add(r.expireDuration)
}

func (r *repo) SetRoom(ctx context.Context, params *room.SetRoomParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.get(params.RoomId)
	if !ok {
		e = &roomEntry{members: make(map[string]room.Member)}
		r.rooms[params.RoomId] = e
	}
	e.room = params.Room
	r.touch(e)

	return nil
}

func (r *repo) GetRoom(ctx context.Context, roomId string) (room.Room, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId)
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.get(roomId)
	if !ok {
		r.logger.DebugContext(ctx, "returned", "error", room.ErrRoomNotFound)
		return room.Room{}, room.ErrRoomNotFound
	}

	return e.room, nil
}

func (r *repo) UpdatePlayback(ctx context.Context, params *room.UpdatePlaybackParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.get(params.RoomId)
	if !ok {
		r.logger.DebugContext(ctx, "returned", "error", room.ErrRoomNotFound)
		return room.ErrRoomNotFound
	}

	e.room.HostId = params.HostId
	e.room.CurrentUrl = params.CurrentUrl
	e.room.CurrentTitle = params.CurrentTitle
	e.room.CurrentPlatform = params.CurrentPlatform
	e.room.SyncProfile = params.SyncProfile
	e.room.ReferenceTimeSeconds = params.ReferenceTimeSeconds
	e.room.ReferenceUpdatedAt = params.ReferenceUpdatedAt
	e.room.IsPlaying = params.IsPlaying
	e.room.LastActivity = params.LastActivity
	r.touch(e)

	return nil
}

func (r *repo) ExpireRoom(ctx context.Context, params *room.ExpireRoomParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.get(params.RoomId)
	if !ok {
		return nil
	}
	e.expireAt = params.ExpireAt

	return nil
}

func (r *repo) RemoveRoom(ctx context.Context, roomId string) error {
	r.logger.DebugContext(ctx, "called", "room_id", roomId)
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.get(roomId); !ok {
		r.logger.DebugContext(ctx, "returned", "error", room.ErrRoomNotFound)
		return room.ErrRoomNotFound
	}
	delete(r.rooms, roomId)

	return nil
}

func (r *repo) SetMember(ctx context.Context, params *room.SetMemberParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.get(params.RoomId)
	if !ok {
		e = &roomEntry{members: make(map[string]room.Member)}
		r.rooms[params.RoomId] = e
	}

	member, known := e.members[params.MemberId]
	if !known {
		member = room.Member{Id: params.MemberId, JoinedAt: params.JoinedAt}
	}
	member.Username = params.Username
	e.members[params.MemberId] = member
	r.touch(e)

	return nil
}

func (r *repo) GetMember(ctx context.Context, params *room.GetMemberParams) (room.Member, error) {
	r.logger.DebugContext(ctx, "called", "params", params)
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.get(params.RoomId)
	if !ok {
		return room.Member{}, room.ErrMemberNotFound
	}

	member, ok := e.members[params.MemberId]
	if !ok {
		r.logger.DebugContext(ctx, "returned", "error", room.ErrMemberNotFound)
		return room.Member{}, room.ErrMemberNotFound
	}

	return member, nil
}

func (r *repo) GetMembers(ctx context.Context, roomId string) ([]room.Member, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId)
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.get(roomId)
	if !ok {
		return []room.Member{}, nil
	}

	members := make([]room.Member, 0, len(e.members))
	for _, m := range e.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt == members[j].JoinedAt {
			return members[i].Id < members[j].Id
		}
		return members[i].JoinedAt < members[j].JoinedAt
	})

	return members, nil
}
