package protocol

const (
	TypeRoomJoin          = "room.join"
	TypeRoomState         = "room.state"
	TypeRoomUpdateUrl     = "room.update_url"
	TypeHostSnapshot      = "sync.host_snapshot"
	TypeForceSnapshot     = "sync.force_snapshot"
	TypeNavigate          = "sync.navigate"
	TypePlayIntent        = "sync.play_intent"
	TypePauseIntent       = "sync.pause_intent"
	TypeSetReferenceTime  = "sync.set_reference_time"
	TypeViewerStatus      = "sync.viewer_status"
	TypeViewerRequestSync = "sync.viewer_request_sync"
	TypeSystemEvent       = "sync.system_event"
	TypeChatSend          = "chat.send"
	TypeChatMessage       = "chat.message"
	TypeError             = "error"
)

// HostOnly reports whether only the current host may send messages of type t.
func HostOnly(t string) bool {
	switch t {
	case TypeHostSnapshot, TypeForceSnapshot, TypeNavigate,
		TypePlayIntent, TypePauseIntent, TypeSetReferenceTime,
		TypeRoomUpdateUrl:
		return true
	}
	return false
}

const (
	RoleHost   = "host"
	RoleViewer = "viewer"
)

const (
	ReferenceSourceSeek    = "seek"
	ReferenceSourceTick    = "tick"
	ReferenceSourceInitial = "initial"
)

const (
	ErrorCodeRoomNotFound   = "ROOM_NOT_FOUND"
	ErrorCodeInvalidMessage = "INVALID_MESSAGE"
	ErrorCodeRoomFull       = "ROOM_FULL"
	ErrorCodeInternal       = "INTERNAL"
)

const (
	SystemEventPlay        = "play"
	SystemEventPause       = "pause"
	SystemEventSeek        = "seek"
	SystemEventMediaChange = "media_change"
	SystemEventForcedSync  = "forced_sync"
	SystemEventOutOfSync   = "out_of_sync"
	SystemEventJoined      = "member_joined"
	SystemEventLeft        = "member_left"
	SystemEventHostChanged = "host_changed"
)

const (
	ChatKindUser   = "user"
	ChatKindSystem = "system"
)

// Message is implemented by every payload type carried in an Envelope.
type Message interface {
	Type() string
}

type RoomJoin struct {
	RoomId        string `json:"roomId" validate:"required,max=64"`
	ParticipantId string `json:"participantId,omitempty" validate:"max=64"`
	Username      string `json:"username,omitempty" validate:"max=32"`
}

type Participant struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	JoinedAt int64  `json:"joinedAt"`
}

// Room is the relay-owned room view sent in room.state and by GET /rooms/:id.
type Room struct {
	Id                   string        `json:"id"`
	HostId               string        `json:"hostId"`
	Participants         []Participant `json:"participants"`
	CurrentUrl           string        `json:"currentUrl"`
	CurrentPlatform      string        `json:"currentPlatform"`
	SyncProfile          string        `json:"syncProfile"`
	ReferenceTimeSeconds float64       `json:"referenceTimeSeconds"`
	ReferenceUpdatedAt   int64         `json:"referenceUpdatedAt"`
	IsPlaying            bool          `json:"isPlaying"`
	LastActivity         int64         `json:"lastActivity"`
}

type RoomState struct {
	Room
	SelfId string `json:"selfId,omitempty"`
}

type RoomUpdateUrl struct {
	Url      string `json:"url" validate:"required,url"`
	Title    string `json:"title,omitempty" validate:"max=512"`
	Platform string `json:"platform,omitempty" validate:"max=32"`
}

// HostSnapshot is an authoritative playback fact emitted by the host. It is
// never mutated after creation.
type HostSnapshot struct {
	Seq            uint64  `json:"seq" validate:"required"`
	MediaId        string  `json:"mediaId" validate:"max=256"`
	Url            string  `json:"url" validate:"required"`
	Title          string  `json:"title,omitempty" validate:"max=512"`
	Platform       string  `json:"platform" validate:"max=32"`
	SyncProfile    string  `json:"syncProfile" validate:"omitempty,oneof=youtube netflix generic"`
	TimeSeconds    float64 `json:"timeSeconds" validate:"gte=0"`
	IsPlaying      bool    `json:"isPlaying"`
	PlaybackRate   float64 `json:"playbackRate" validate:"gte=0.25,lte=4"`
	InAd           bool    `json:"inAd"`
	SyncAggression int     `json:"syncAggression" validate:"gte=0,lte=100"`
	CapturedAt     int64   `json:"capturedAt" validate:"required"`
	Username       string  `json:"username,omitempty" validate:"max=32"`
}

// ForceSnapshot carries the same fields as a host snapshot but asks viewers to
// correct unconditionally.
type ForceSnapshot struct {
	HostSnapshot
}

type Navigate struct {
	Seq      uint64 `json:"seq" validate:"required"`
	Url      string `json:"url" validate:"required"`
	Title    string `json:"title,omitempty" validate:"max=512"`
	MediaId  string `json:"mediaId,omitempty" validate:"max=256"`
	Platform string `json:"platform,omitempty" validate:"max=32"`
}

type PlayIntent struct {
	TimeSeconds float64 `json:"timeSeconds" validate:"gte=0"`
	Seq         uint64  `json:"seq" validate:"required"`
}

type PauseIntent struct {
	TimeSeconds float64 `json:"timeSeconds" validate:"gte=0"`
	Seq         uint64  `json:"seq" validate:"required"`
}

type SetReferenceTime struct {
	TimeSeconds float64 `json:"timeSeconds" validate:"gte=0"`
	Source      string  `json:"source" validate:"required,oneof=seek tick initial"`
	Seq         uint64  `json:"seq" validate:"required"`
}

type ViewerStatus struct {
	TimeSeconds  float64 `json:"timeSeconds" validate:"gte=0"`
	IsPlaying    bool    `json:"isPlaying"`
	DriftSeconds float64 `json:"driftSeconds"`
	MediaId      string  `json:"mediaId,omitempty" validate:"max=256"`
	Url          string  `json:"url,omitempty"`
}

type ViewerRequestSync struct {
	ParticipantId string `json:"participantId,omitempty"`
	Reason        string `json:"reason,omitempty" validate:"max=128"`
}

type SystemEvent struct {
	Id            string  `json:"id"`
	Kind          string  `json:"kind"`
	Text          string  `json:"text"`
	ParticipantId string  `json:"participantId,omitempty"`
	Username      string  `json:"username,omitempty"`
	TimeSeconds   float64 `json:"timeSeconds,omitempty"`
	At            int64   `json:"at"`
}

type ChatSend struct {
	Text string `json:"text" validate:"required,max=500"`
}

type ChatMessage struct {
	Id            string       `json:"id"`
	Kind          string       `json:"kind"`
	ParticipantId string       `json:"participantId,omitempty"`
	Username      string       `json:"username,omitempty"`
	Text          string       `json:"text"`
	At            int64        `json:"at"`
	Event         *SystemEvent `json:"event,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (RoomJoin) Type() string          { return TypeRoomJoin }
func (RoomState) Type() string         { return TypeRoomState }
func (RoomUpdateUrl) Type() string     { return TypeRoomUpdateUrl }
func (HostSnapshot) Type() string      { return TypeHostSnapshot }
func (ForceSnapshot) Type() string     { return TypeForceSnapshot }
func (Navigate) Type() string          { return TypeNavigate }
func (PlayIntent) Type() string        { return TypePlayIntent }
func (PauseIntent) Type() string       { return TypePauseIntent }
func (SetReferenceTime) Type() string  { return TypeSetReferenceTime }
func (ViewerStatus) Type() string      { return TypeViewerStatus }
func (ViewerRequestSync) Type() string { return TypeViewerRequestSync }
func (SystemEvent) Type() string       { return TypeSystemEvent }
func (ChatSend) Type() string          { return TypeChatSend }
func (ChatMessage) Type() string       { return TypeChatMessage }
func (Error) Type() string             { return TypeError }
