package room

import "time"

type SetRoomParams struct {
	RoomId string
	Room   Room
}

type UpdatePlaybackParams struct {
	RoomId               string
	HostId               string
	CurrentUrl           string
	CurrentTitle         string
	CurrentPlatform      string
	SyncProfile          string
	ReferenceTimeSeconds float64
	ReferenceUpdatedAt   int64
	IsPlaying            bool
	LastActivity         int64
}

type SetMemberParams struct {
	RoomId   string
	MemberId string
	Username string
	JoinedAt int64
}

type GetMemberParams struct {
	RoomId   string
	MemberId string
}

type ExpireRoomParams struct {
	RoomId   string
	ExpireAt time.Time
}
