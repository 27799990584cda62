package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sharetube/lockstep/internal/app"
)

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
}

var (
	port = configVar[int]{
		envKey:       "SERVER_PORT",
		flagKey:      "port",
		defaultValue: 80,
	}
	host = configVar[string]{
		envKey:       "SERVER_HOST",
		flagKey:      "host",
		defaultValue: "0.0.0.0",
	}
	logLevel = configVar[string]{
		envKey:       "SERVER_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "INFO",
	}
	publicUrl = configVar[string]{
		envKey:       "SERVER_PUBLIC_URL",
		flagKey:      "public-url",
		defaultValue: "",
	}
	roomGrace = configVar[time.Duration]{
		envKey:       "SERVER_ROOM_GRACE",
		flagKey:      "room-grace",
		defaultValue: 5 * time.Minute,
	}
	roomTTL = configVar[time.Duration]{
		envKey:       "SERVER_ROOM_TTL",
		flagKey:      "room-ttl",
		defaultValue: 24 * time.Hour,
	}
	chatHistorySize = configVar[int]{
		envKey:       "SERVER_CHAT_HISTORY_SIZE",
		flagKey:      "chat-history-size",
		defaultValue: 200,
	}
	wsRateLimit = configVar[float64]{
		envKey:       "SERVER_WS_RATE_LIMIT",
		flagKey:      "ws-rate-limit",
		defaultValue: 20,
	}
	wsRateBurst = configVar[int]{
		envKey:       "SERVER_WS_RATE_BURST",
		flagKey:      "ws-rate-burst",
		defaultValue: 40,
	}
	resolveTitles = configVar[bool]{
		envKey:       "SERVER_RESOLVE_TITLES",
		flagKey:      "resolve-titles",
		defaultValue: false,
	}
	redisEnabled = configVar[bool]{
		envKey:       "REDIS_ENABLED",
		flagKey:      "redis-enabled",
		defaultValue: false,
	}
	redisPort = configVar[int]{
		envKey:       "REDIS_PORT",
		flagKey:      "redis-port",
		defaultValue: 6379,
	}
	redisHost = configVar[string]{
		envKey:       "REDIS_HOST",
		flagKey:      "redis-host",
		defaultValue: "localhost",
	}
	redisPassword = configVar[string]{
		envKey:       "REDIS_PASSWORD",
		flagKey:      "redis-password",
		defaultValue: "",
	}
)

func loadAppConfig() *app.AppConfig {
	pflag.Int(port.flagKey, port.defaultValue, "Server port")
	pflag.String(host.flagKey, host.defaultValue, "Server host")
	pflag.String(logLevel.flagKey, logLevel.defaultValue, "Logging level")
	pflag.String(publicUrl.flagKey, publicUrl.defaultValue, "Public base url used in join links")
	pflag.Duration(roomGrace.flagKey, roomGrace.defaultValue, "How long an empty room is kept")
	pflag.Duration(roomTTL.flagKey, roomTTL.defaultValue, "Expiry of the persisted room mirror")
	pflag.Int(chatHistorySize.flagKey, chatHistorySize.defaultValue, "Chat messages replayed to joining members")
	pflag.Float64(wsRateLimit.flagKey, wsRateLimit.defaultValue, "Websocket messages per second per connection")
	pflag.Int(wsRateBurst.flagKey, wsRateBurst.defaultValue, "Websocket message burst per connection")
	pflag.Bool(resolveTitles.flagKey, resolveTitles.defaultValue, "Look up missing youtube titles")
	pflag.Bool(redisEnabled.flagKey, redisEnabled.defaultValue, "Persist rooms in redis")
	pflag.Int(redisPort.flagKey, redisPort.defaultValue, "Redis port")
	pflag.String(redisHost.flagKey, redisHost.defaultValue, "Redis host")
	pflag.String(redisPassword.flagKey, redisPassword.defaultValue, "Redis password")
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)

	viper.BindEnv(port.flagKey, port.envKey)
	viper.BindEnv(host.flagKey, host.envKey)
	viper.BindEnv(logLevel.flagKey, logLevel.envKey)
	viper.BindEnv(publicUrl.flagKey, publicUrl.envKey)
	viper.BindEnv(roomGrace.flagKey, roomGrace.envKey)
	viper.BindEnv(roomTTL.flagKey, roomTTL.envKey)
	viper.BindEnv(chatHistorySize.flagKey, chatHistorySize.envKey)
	viper.BindEnv(wsRateLimit.flagKey, wsRateLimit.envKey)
	viper.BindEnv(wsRateBurst.flagKey, wsRateBurst.envKey)
	viper.BindEnv(resolveTitles.flagKey, resolveTitles.envKey)
	viper.BindEnv(redisEnabled.flagKey, redisEnabled.envKey)
	viper.BindEnv(redisPort.flagKey, redisPort.envKey)
	viper.BindEnv(redisHost.flagKey, redisHost.envKey)
	viper.BindEnv(redisPassword.flagKey, redisPassword.envKey)

	viper.SetDefault(port.flagKey, port.defaultValue)
	viper.SetDefault(host.flagKey, host.defaultValue)
	viper.SetDefault(logLevel.flagKey, logLevel.defaultValue)
	viper.SetDefault(publicUrl.flagKey, publicUrl.defaultValue)
	viper.SetDefault(roomGrace.flagKey, roomGrace.defaultValue)
	viper.SetDefault(roomTTL.flagKey, roomTTL.defaultValue)
	viper.SetDefault(chatHistorySize.flagKey, chatHistorySize.defaultValue)
	viper.SetDefault(wsRateLimit.flagKey, wsRateLimit.defaultValue)
	viper.SetDefault(wsRateBurst.flagKey, wsRateBurst.defaultValue)
	viper.SetDefault(resolveTitles.flagKey, resolveTitles.defaultValue)
	viper.SetDefault(redisEnabled.flagKey, redisEnabled.defaultValue)
	viper.SetDefault(redisPort.flagKey, redisPort.defaultValue)
	viper.SetDefault(redisHost.flagKey, redisHost.defaultValue)
	viper.SetDefault(redisPassword.flagKey, redisPassword.defaultValue)

	config := &app.AppConfig{
		Host:            viper.GetString(host.flagKey),
		Port:            viper.GetInt(port.flagKey),
		LogLevel:        viper.GetString(logLevel.flagKey),
		PublicUrl:       viper.GetString(publicUrl.flagKey),
		RoomGrace:       viper.GetDuration(roomGrace.flagKey),
		RoomTTL:         viper.GetDuration(roomTTL.flagKey),
		ChatHistorySize: viper.GetInt(chatHistorySize.flagKey),
		WsRateLimit:     viper.GetFloat64(wsRateLimit.flagKey),
		WsRateBurst:     viper.GetInt(wsRateBurst.flagKey),
		ResolveTitles:   viper.GetBool(resolveTitles.flagKey),
		RedisEnabled:    viper.GetBool(redisEnabled.flagKey),
		RedisPort:       viper.GetInt(redisPort.flagKey),
		RedisHost:       viper.GetString(redisHost.flagKey),
		RedisPassword:   viper.GetString(redisPassword.flagKey),
	}

	return config
}

func main() {
	ctx := context.Background()

	appConfig := loadAppConfig()
	if err := appConfig.Validate(); err != nil {
		log.Fatal(err)
	}

	jsonConfig, _ := json.MarshalIndent(appConfig, "", "  ")
	fmt.Printf("starting app with config: %s\n", jsonConfig)

	if err := app.Run(ctx, appConfig); err != nil {
		log.Fatal(err)
	}
}
