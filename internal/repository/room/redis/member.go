package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sharetube/lockstep/internal/repository/room"
)

// SetMember records a member. A member that is already known keeps its
// original join time; only the username is updated.
func (r repo) SetMember(ctx context.Context, params *room.SetMemberParams) error {
	r.logger.DebugContext(ctx, "called", "params", params)
	pipe := r.rc.TxPipeline()

	memberKey := r.getMemberKey(params.RoomId, params.MemberId)
	pipe.HSet(ctx, memberKey, "username", params.Username)
	pipe.HSetNX(ctx, memberKey, "joined_at", params.JoinedAt)
	pipe.Expire(ctx, memberKey, r.expireDuration)

	memberListKey := r.getMemberListKey(params.RoomId)
	pipe.ZAddNX(ctx, memberListKey, redis.Z{
		Score:  float64(params.JoinedAt),
		Member: params.MemberId,
	})
	pipe.Expire(ctx, memberListKey, r.expireDuration)

	if err := r.executePipe(ctx, pipe); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return fmt.Errorf("failed to set member: %w", err)
	}

	return nil
}

func (r repo) GetMember(ctx context.Context, params *room.GetMemberParams) (room.Member, error) {
	r.logger.DebugContext(ctx, "called", "params", params)

	res := r.rc.HGetAll(ctx, r.getMemberKey(params.RoomId, params.MemberId))
	if err := res.Err(); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return room.Member{}, fmt.Errorf("failed to get member: %w", err)
	}

	if len(res.Val()) == 0 {
		r.logger.DebugContext(ctx, "returned", "error", room.ErrMemberNotFound)
		return room.Member{}, room.ErrMemberNotFound
	}

	var member room.Member
	if err := res.Scan(&member); err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return room.Member{}, fmt.Errorf("failed to scan member: %w", err)
	}
	member.Id = params.MemberId

	r.logger.DebugContext(ctx, "returned", "member", member)
	return member, nil
}

// GetMembers returns every known member of the room ordered by join time.
func (r repo) GetMembers(ctx context.Context, roomId string) ([]room.Member, error) {
	r.logger.DebugContext(ctx, "called", "room_id", roomId)

	entries, err := r.rc.ZRangeWithScores(ctx, r.getMemberListKey(roomId), 0, -1).Result()
	if err != nil {
		r.logger.DebugContext(ctx, "returned", "error", err)
		return nil, fmt.Errorf("failed to get member list: %w", err)
	}

	members := make([]room.Member, 0, len(entries))
	for _, entry := range entries {
		memberId, _ := entry.Member.(string)
		username, err := r.rc.HGet(ctx, r.getMemberKey(roomId, memberId), "username").Result()
		if err != nil && err != redis.Nil {
			r.logger.DebugContext(ctx, "returned", "error", err)
			return nil, fmt.Errorf("failed to get member: %w", err)
		}

		members = append(members, room.Member{
			Id:       memberId,
			Username: username,
			JoinedAt: int64(entry.Score),
		})
	}

	r.logger.DebugContext(ctx, "returned", "members", members)
	return members, nil
}
