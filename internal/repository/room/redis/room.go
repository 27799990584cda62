package redis

import (
	"context"
	"fmt"

	"github.com/sharetube/lockstep/internal/repository/room"
)

func (r repo) SetRoom(ctx context.Context, params *room.SetRoomParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)
	pipe := r.rc.TxPipeline()

	roomKey := r.getRoomKey(params.RoomId)
	r.hSetStruct(ctx, pipe, roomKey, params.Room)
	pipe.Expire(ctx, roomKey, r.expireDuration)

	if err := r.executePipe(ctx, pipe); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return fmt.Errorf("failed to set room: %w", err)
	}

	return nil
}

func (r repo) GetRoom(ctx context.Context, roomId string) (room.Room, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId)
	roomKey := r.getRoomKey(roomId)

	res := r.rc.HGetAll(ctx, roomKey)
	if err := res.Err(); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return room.Room{}, fmt.Errorf("failed to get room: %w", err)
	}

	if len(res.Val()) == 0 {
		r.logger.DebugContext(ctx, "returned", "error", room.ErrRoomNotFound)
		return room.Room{}, room.ErrRoomNotFound
	}

	var rm room.Room
	if err := res.Scan(&rm); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return room.Room{}, fmt.Errorf("failed to scan room: %w", err)
	}

	r.logger.DebugContext(ctx, "returned", "room", rm)
	return rm, nil
}

func (r repo) UpdatePlayback(ctx context.Context, params *room.UpdatePlaybackParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)
	roomKey := r.getRoomKey(params.RoomId)

	exists, err := r.rc.Exists(ctx, roomKey).Result()
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return fmt.Errorf("failed to check room: %w", err)
	}
	if exists == 0 {
		r.logger.DebugContext(ctx, "returned", "error", room.ErrRoomNotFound)
		return room.ErrRoomNotFound
	}

	pipe := r.rc.TxPipeline()
	pipe.HSet(ctx, roomKey,
		"host_id", params.HostId,
		"current_url", params.CurrentUrl,
		"current_title", params.CurrentTitle,
		"current_platform", params.CurrentPlatform,
		"sync_profile", params.SyncProfile,
		"reference_time", params.ReferenceTimeSeconds,
		"reference_updated_at", params.ReferenceUpdatedAt,
		"is_playing", params.IsPlaying,
		"last_activity", params.LastActivity,
	)
	pipe.Expire(ctx, roomKey, r.expireDuration)

	if err := r.executePipe(ctx, pipe); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return fmt.Errorf("failed to update playback: %w", err)
	}

	return nil
}

// ExpireRoom moves the expiry of every key of the room to params.ExpireAt.
func (r repo) ExpireRoom(ctx context.Context, params *room.ExpireRoomParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)
	keys, err := r.roomKeys(ctx, params.RoomId)
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return err
	}

	pipe := r.rc.TxPipeline()
	for _, key := range keys {
		pipe.ExpireAt(ctx, key, params.ExpireAt)
	}

	if err := r.executePipe(ctx, pipe); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return fmt.Errorf("failed to expire room: %w", err)
	}

	return nil
}

func (r repo) RemoveRoom(ctx context.Context, roomId string) error {
	r.logger.DebugContext(ctx, "called", "room_id", roomId)
	keys, err := r.roomKeys(ctx, roomId)
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return err
	}

	res, err := r.rc.Del(ctx, keys...).Result()
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return fmt.Errorf("failed to remove room: %w", err)
	}

	if res == 0 {
		r.logger.DebugContext(ctx, "returned", "error", room.ErrRoomNotFound)
		return room.ErrRoomNotFound
	}

	return nil
}

func (r repo) roomKeys(ctx context.Context, roomId string) ([]string, error) {
	memberIds, err := r.rc.ZRange(ctx, r.getMemberListKey(roomId), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get member ids: %w", err)
	}

	keys := make([]string, 0, len(memberIds)+2)
	keys = append(keys, r.getRoomKey(roomId), r.getMemberListKey(roomId))
	for _, memberId := range memberIds {
		keys = append(keys, r.getMemberKey(roomId, memberId))
	}

	return keys, nil
}
