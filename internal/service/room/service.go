package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/lockstep/internal/repository/room"
	"github.com/sharetube/lockstep/internal/telemetry"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrRoomNotFound     = errors.New("room not found")
	ErrMemberNotFound   = errors.New("member not found")
	ErrStaleUpdate      = errors.New("stale update")
)

type iRoomRepo interface {
	// room
	SetRoom(context.Context, *room.SetRoomParams) error
	GetRoom(context.Context, string) (room.Room, error)
	UpdatePlayback(context.Context, *room.UpdatePlaybackParams) error
	ExpireRoom(context.Context, *room.ExpireRoomParams) error
	RemoveRoom(context.Context, string) error
	// member
	SetMember(context.Context, *room.SetMemberParams) error
	GetMembers(context.Context, string) ([]room.Member, error)
}

type iConnRepo interface {
	Add(ctx context.Context, conn *websocket.Conn, roomId, memberId string) error
	RemoveByConn(context.Context, *websocket.Conn) error
	GetMember(context.Context, *websocket.Conn) (string, string, error)
	GetConn(ctx context.Context, roomId, memberId string) (*websocket.Conn, error)
	Count() int
}

// TitleResolver looks up a media title when the host did not send one.
type TitleResolver interface {
	Title(ctx context.Context, url string) (string, error)
}

type Config struct {
	// GracePeriod is how long an empty room is kept before it is collected.
	GracePeriod       time.Duration
	JanitorInterval   time.Duration
	ChatHistorySize   int
	OutOfSyncSeconds  float64
	OutOfSyncDebounce time.Duration
	// SeekEventSeconds is the jump between consecutive snapshots that is
	// reported as a seek on the timeline.
	SeekEventSeconds float64
	PublicUrl        string
	// Titles is optional.
	Titles TitleResolver
	Now    func() time.Time
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:       5 * time.Minute,
		JanitorInterval:   30 * time.Second,
		ChatHistorySize:   200,
		OutOfSyncSeconds:  2.2,
		OutOfSyncDebounce: 8 * time.Second,
		SeekEventSeconds:  1.6,
		Now:               time.Now,
	}
}

type service struct {
	roomRepo iRoomRepo
	connRepo iConnRepo
	cfg      Config
	ring     *telemetry.Ring
	logger   *slog.Logger

	mu    sync.Mutex
	rooms map[string]*liveRoom
}

func NewService(roomRepo iRoomRepo, connRepo iConnRepo, cfg Config, ring *telemetry.Ring, logger *slog.Logger) *service {
	def := DefaultConfig()
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = def.JanitorInterval
	}
	if cfg.ChatHistorySize <= 0 {
		cfg.ChatHistorySize = def.ChatHistorySize
	}
	if cfg.OutOfSyncSeconds <= 0 {
		cfg.OutOfSyncSeconds = def.OutOfSyncSeconds
	}
	if cfg.OutOfSyncDebounce <= 0 {
		cfg.OutOfSyncDebounce = def.OutOfSyncDebounce
	}
	if cfg.SeekEventSeconds <= 0 {
		cfg.SeekEventSeconds = def.SeekEventSeconds
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if ring == nil {
		ring = telemetry.NewRing(telemetry.DefaultCapacity)
	}

	return &service{
		roomRepo: roomRepo,
		connRepo: connRepo,
		cfg:      cfg,
		ring:     ring,
		logger:   logger,
		rooms:    make(map[string]*liveRoom),
	}
}

func (s *service) Telemetry() *telemetry.Ring {
	return s.ring
}
