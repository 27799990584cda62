package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sharetube/lockstep/internal/controller"
	conninmemory "github.com/sharetube/lockstep/internal/repository/connection/inmemory"
	roomrepo "github.com/sharetube/lockstep/internal/repository/room"
	roominmemory "github.com/sharetube/lockstep/internal/repository/room/inmemory"
	roomredis "github.com/sharetube/lockstep/internal/repository/room/redis"
	"github.com/sharetube/lockstep/internal/service/room"
	"github.com/sharetube/lockstep/internal/telemetry"
	"github.com/sharetube/lockstep/pkg/ctxlogger"
	"github.com/sharetube/lockstep/pkg/mediameta"
	"github.com/sharetube/lockstep/pkg/redisclient"
	"golang.org/x/time/rate"
)

type AppConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	LogLevel        string        `json:"log_level"`
	PublicUrl       string        `json:"public_url"`
	RoomGrace       time.Duration `json:"room_grace"`
	RoomTTL         time.Duration `json:"room_ttl"`
	ChatHistorySize int           `json:"chat_history_size"`
	WsRateLimit     float64       `json:"ws_rate_limit"`
	WsRateBurst     int           `json:"ws_rate_burst"`
	ResolveTitles   bool          `json:"resolve_titles"`
	RedisEnabled    bool          `json:"redis_enabled"`
	RedisPort       int           `json:"redis_port"`
	RedisHost       string        `json:"redis_host"`
	RedisPassword   string        `json:"-"`
}

func (cfg *AppConfig) Validate() error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if cfg.RoomGrace <= 0 {
		return fmt.Errorf("room grace must be greater than 0")
	}
	if cfg.RoomTTL < cfg.RoomGrace {
		return fmt.Errorf("room ttl must not be less than room grace")
	}
	if cfg.ChatHistorySize < 1 {
		return fmt.Errorf("chat history size must be greater than 0")
	}
	if cfg.WsRateLimit <= 0 || cfg.WsRateBurst < 1 {
		return fmt.Errorf("ws rate limit and burst must be greater than 0")
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

func newLogger(cfg *AppConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	_ = logLevel.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel)))

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}),
	}

	return slog.New(&h)
}

// NewHandler builds the relay with its repositories. The returned cleanup
// releases the redis client, if any.
func NewHandler(ctx context.Context, cfg *AppConfig, logger *slog.Logger) (http.Handler, func(), error) {
	var (
		roomRepo roomrepo.Repo
		cleanup  = func() {}
	)
	if cfg.RedisEnabled {
		rc, err := redisclient.NewRedisClient(ctx, &redisclient.Config{
			Port:     cfg.RedisPort,
			Host:     cfg.RedisHost,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		cleanup = func() { rc.Close() }
		roomRepo = roomredis.NewRepo(rc, cfg.RoomTTL, logger)
	} else {
		roomRepo = roominmemory.NewRepo(cfg.RoomTTL, logger)
	}

	roomCfg := room.DefaultConfig()
	roomCfg.GracePeriod = cfg.RoomGrace
	roomCfg.ChatHistorySize = cfg.ChatHistorySize
	roomCfg.PublicUrl = cfg.PublicUrl
	if cfg.ResolveTitles {
		roomCfg.Titles = mediameta.NewResolver(mediameta.DefaultConfig(), nil)
	}

	roomService := room.NewService(
		roomRepo,
		conninmemory.NewRepo(logger),
		roomCfg,
		telemetry.NewRing(telemetry.DefaultCapacity),
		logger,
	)

	janitorCtx, stopJanitor := context.WithCancel(context.WithoutCancel(ctx))
	go roomService.RunJanitor(janitorCtx)

	controllerCfg := controller.DefaultConfig()
	controllerCfg.WsRateLimit = rate.Limit(cfg.WsRateLimit)
	controllerCfg.WsRateBurst = cfg.WsRateBurst

	stop := func() {
		stopJanitor()
		cleanup()
	}

	return controller.NewController(roomService, controllerCfg, logger).GetMux(), stop, nil
}

func Run(ctx context.Context, cfg *AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg)

	handler, stop, err := NewHandler(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stop()

	server := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: handler}

	// graceful shutdown
	serverCtx, serverStopCtx := context.WithCancel(ctx)
	defer serverStopCtx()

	shutdownErr := make(chan error, 1)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sig)
	go func() {
		select {
		case <-sig:
		case <-serverCtx.Done():
		}

		shutdownCtx, c := context.WithTimeout(context.WithoutCancel(serverCtx), 30*time.Second)
		defer c()

		shutdownErr <- server.Shutdown(shutdownCtx)
	}()

	logger.InfoContext(serverCtx, "starting server", "address", server.Addr, "redis", cfg.RedisEnabled)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	if err := <-shutdownErr; err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.InfoContext(ctx, "server stopped")

	return nil
}
