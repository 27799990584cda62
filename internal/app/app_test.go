package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *AppConfig {
	return &AppConfig{
		Host:            "127.0.0.1",
		Port:            8080,
		LogLevel:        "debug",
		PublicUrl:       "https://watch.example.com",
		RoomGrace:       5 * time.Minute,
		RoomTTL:         time.Hour,
		ChatHistorySize: 50,
		WsRateLimit:     20,
		WsRateBurst:     40,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	tests := []struct {
		name   string
		modify func(*AppConfig)
	}{
		{"port", func(c *AppConfig) { c.Port = 0 }},
		{"grace", func(c *AppConfig) { c.RoomGrace = 0 }},
		{"ttl below grace", func(c *AppConfig) { c.RoomTTL = time.Minute }},
		{"history", func(c *AppConfig) { c.ChatHistorySize = 0 }},
		{"rate", func(c *AppConfig) { c.WsRateBurst = 0 }},
		{"log level", func(c *AppConfig) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func createAndFetch(t *testing.T, handler http.Handler) {
	t.Helper()

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/rooms", "application/json",
		strings.NewReader(`{"hostUsername":"alice","initialMedia":"https://www.youtube.com/watch?v=abc"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		RoomId   string `json:"roomId"`
		JoinLink string `json:"joinLink"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "https://watch.example.com/join/"+created.RoomId, created.JoinLink)

	resp, err = http.Get(srv.URL + "/api/v1/rooms/" + created.RoomId)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewHandlerInMemory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	handler, stop, err := NewHandler(context.Background(), testConfig(), logger)
	require.NoError(t, err)
	defer stop()

	createAndFetch(t, handler)
}

func TestNewHandlerRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := testConfig()
	cfg.RedisEnabled = true
	cfg.RedisHost = mr.Host()
	cfg.RedisPort = mustPort(t, mr.Port())

	handler, stop, err := NewHandler(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer stop()

	createAndFetch(t, handler)
	assert.NotEmpty(t, mr.Keys())
}

func TestNewHandlerRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisEnabled = true
	cfg.RedisHost = mr.Host()
	cfg.RedisPort = mustPort(t, mr.Port())
	mr.Close()

	_, _, err := NewHandler(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func mustPort(t *testing.T, port string) int {
	t.Helper()

	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return p
}
