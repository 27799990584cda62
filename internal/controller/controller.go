package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/lockstep/internal/protocol"
	"github.com/sharetube/lockstep/internal/service/room"
	"github.com/sharetube/lockstep/pkg/validator"
	"github.com/sharetube/lockstep/pkg/wsrouter"
	"golang.org/x/time/rate"
)

type iRoomService interface {
	CreateRoom(context.Context, *room.CreateRoomParams) (room.CreateRoomResponse, error)
	GetRoom(context.Context, string) (protocol.Room, error)
	JoinRoom(context.Context, *room.JoinRoomParams) (room.JoinRoomResponse, error)
	LeaveRoom(context.Context, *room.LeaveRoomParams) (room.LeaveRoomResponse, error)
	RelaySnapshot(context.Context, *room.RelaySnapshotParams) (room.RelayResponse, error)
	RelayNavigate(context.Context, *room.RelayNavigateParams) (room.RelayResponse, error)
	RelayIntent(context.Context, *room.RelayIntentParams) (room.RelayResponse, error)
	UpdateUrl(context.Context, *room.UpdateUrlParams) (room.UpdateUrlResponse, error)
	ViewerStatus(context.Context, *room.ViewerStatusParams) (room.ViewerStatusResponse, error)
	RequestSync(context.Context, *room.RequestSyncParams) (room.RequestSyncResponse, error)
	SendChat(context.Context, *room.SendChatParams) (room.SendChatResponse, error)
}

type Config struct {
	// WsRateLimit is the sustained number of messages per second a single
	// connection may send.
	WsRateLimit rate.Limit
	WsRateBurst int
	JoinTimeout time.Duration
	WriteWait   time.Duration
}

func DefaultConfig() Config {
	return Config{
		WsRateLimit: 20,
		WsRateBurst: 40,
		JoinTimeout: 10 * time.Second,
		WriteWait:   5 * time.Second,
	}
}

type controller struct {
	roomService iRoomService
	upgrader    websocket.Upgrader
	validate    *validator.Validator
	wsmux       *wsrouter.WSRouter
	writers     *connWriters
	cfg         Config
	logger      *slog.Logger
}

func NewController(roomService iRoomService, cfg Config, logger *slog.Logger) *controller {
	def := DefaultConfig()
	if cfg.WsRateLimit <= 0 {
		cfg.WsRateLimit = def.WsRateLimit
	}
	if cfg.WsRateBurst <= 0 {
		cfg.WsRateBurst = def.WsRateBurst
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}

	c := &controller{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		roomService: roomService,
		validate:    validator.NewValidator(),
		writers:     newConnWriters(),
		cfg:         cfg,
		logger:      logger,
	}
	c.wsmux = c.getWSRouter()

	return c
}
