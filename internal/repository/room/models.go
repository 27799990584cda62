package room

// Room is the persisted mirror of a relay room. Live membership is held in
// memory by the relay; only what must survive a relay restart is stored.
type Room struct {
	HostId               string  `redis:"host_id"`
	CurrentUrl           string  `redis:"current_url"`
	CurrentTitle         string  `redis:"current_title"`
	CurrentPlatform      string  `redis:"current_platform"`
	SyncProfile          string  `redis:"sync_profile"`
	ReferenceTimeSeconds float64 `redis:"reference_time"`
	ReferenceUpdatedAt   int64   `redis:"reference_updated_at"`
	IsPlaying            bool    `redis:"is_playing"`
	CreatedAt            int64   `redis:"created_at"`
	LastActivity         int64   `redis:"last_activity"`
}

// Member is a participant the room has seen. JoinedAt is fixed by the first
// join and decides host order.
type Member struct {
	Id       string `redis:"-"`
	Username string `redis:"username"`
	JoinedAt int64  `redis:"joined_at"`
}
