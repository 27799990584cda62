package room

import "context"

// Repo is the durable room mirror. The redis and inmemory packages implement
// it.
type Repo interface {
	SetRoom(context.Context, *SetRoomParams) error
	GetRoom(context.Context, string) (Room, error)
	UpdatePlayback(context.Context, *UpdatePlaybackParams) error
	ExpireRoom(context.Context, *ExpireRoomParams) error
	RemoveRoom(context.Context, string) error
	SetMember(context.Context, *SetMemberParams) error
	GetMembers(context.Context, string) ([]Member, error)
}
