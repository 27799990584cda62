// Package client runs one participant of a watch-together room: it keeps a
// relay connection open and drives the host emitter or the viewer reconciler
// depending on the role the relay assigns.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sharetube/lockstep/internal/emitter"
	"github.com/sharetube/lockstep/internal/probe"
	"github.com/sharetube/lockstep/internal/protocol"
	"github.com/sharetube/lockstep/internal/reconciler"
	"github.com/sharetube/lockstep/internal/telemetry"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotConnected = errors.New("not connected")
	ErrNotHost      = errors.New("not host")
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

type Config struct {
	// ServerUrl is the relay websocket endpoint, e.g. ws://host/api/v1/ws.
	ServerUrl     string
	RoomId        string
	ParticipantId string
	Username      string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	StatusInterval   time.Duration
	WriteWait        time.Duration

	Emitter    emitter.Config
	Reconciler reconciler.Config
	Dispatcher probe.DispatcherConfig

	// OnStatus is called on every connection status change. err is set for
	// reconnecting and error.
	OnStatus func(status Status, err error)
	// OnMessage receives chat, system events and room state for display.
	OnMessage func(msg protocol.Message)
}

func DefaultConfig() Config {
	return Config{
		ReconnectInitial: 500 * time.Millisecond,
		ReconnectMax:     10 * time.Second,
		StatusInterval:   5 * time.Second,
		WriteWait:        5 * time.Second,
		Emitter:          emitter.DefaultConfig(),
		Reconciler:       reconciler.DefaultConfig(),
		Dispatcher:       probe.DefaultDispatcherConfig(),
	}
}

// Session owns all per-participant state. Several sessions can live in one
// process.
type Session struct {
	cfg        Config
	probe      probe.Probe
	dialer     *websocket.Dialer
	emitter    *emitter.Emitter
	reconciler *reconciler.Reconciler
	dispatcher *probe.Dispatcher
	ring       *telemetry.Ring
	logger     *slog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	status      Status
	established bool
	selfId      string
	hostId      string
	room        protocol.Room
	stopHosting context.CancelFunc
	hostEvents  chan probe.Event
}

func New(cfg Config, p probe.Probe, navigator reconciler.Navigator, ring *telemetry.Ring, logger *slog.Logger) *Session {
	def := DefaultConfig()
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = def.ReconnectInitial
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.Emitter.HeartbeatInterval <= 0 {
		cfg.Emitter = def.Emitter
	}
	if cfg.Reconciler.OverrideThresholds == nil {
		cfg.Reconciler = def.Reconciler
	}
	if cfg.Emitter.Username == "" {
		cfg.Emitter.Username = cfg.Username
	}
	if ring == nil {
		ring = telemetry.NewRing(telemetry.DefaultCapacity)
	}

	s := &Session{
		cfg:    cfg,
		probe:  p,
		dialer: websocket.DefaultDialer,
		ring:   ring,
		logger: logger,
		selfId: cfg.ParticipantId,
	}

	s.dispatcher = probe.NewDispatcher(p, cfg.Dispatcher, logger)
	s.emitter = emitter.New(s, cfg.Emitter, ring, logger)
	s.reconciler = reconciler.New(cfg.Reconciler, s.dispatcher, navigator, nil, ring, logger)

	return s
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

func (s *Session) SelfId() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selfId
}

func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selfId != "" && s.selfId == s.hostId
}

func (s *Session) Room() protocol.Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.room
}

func (s *Session) Telemetry() *telemetry.Ring {
	return s.ring
}

func (s *Session) setStatus(status Status, err error) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()

	if changed && s.cfg.OnStatus != nil {
		s.cfg.OnStatus(status, err)
	}
}

// Run keeps the session connected until ctx is done. Local player events are
// read from events. It returns ErrRoomNotFound when the room never existed.
func (s *Session) Run(ctx context.Context, events <-chan probe.Event) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.localLoop(ctx, events)
	}()
	defer s.setHosting(ctx, false)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectInitial
	bo.MaxInterval = s.cfg.ReconnectMax
	bo.MaxElapsedTime = 0

	s.setStatus(StatusConnecting, nil)
	for {
		connected, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, ErrRoomNotFound) && !s.wasEstablished() {
			s.setStatus(StatusError, err)
			return err
		}

		if connected {
			bo.Reset()
		}

		s.logger.InfoContext(ctx, "relay connection lost", "error", err)
		s.setStatus(StatusReconnecting, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (s *Session) wasEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.established
}

// runOnce dials, joins and serves one connection. connected reports whether
// the relay accepted the join.
func (s *Session) runOnce(ctx context.Context) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.ServerUrl, http.Header{})
	if err != nil {
		return false, fmt.Errorf("failed to dial relay: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	s.mu.Lock()
	s.conn = conn
	participantId := s.selfId
	s.mu.Unlock()

	if err := s.write(conn, protocol.RoomJoin{
		RoomId:        s.cfg.RoomId,
		ParticipantId: participantId,
		Username:      s.cfg.Username,
	}); err != nil {
		return false, err
	}

	connected := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return connected, fmt.Errorf("failed to read: %w", err)
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.InfoContext(ctx, "dropped invalid message", "error", err)
			continue
		}

		if e, ok := msg.(protocol.Error); ok && e.Code == protocol.ErrorCodeRoomNotFound {
			return connected, ErrRoomNotFound
		}

		if state, ok := msg.(protocol.RoomState); ok && !connected {
			connected = true
			s.onJoined(ctx, state)
			continue
		}

		s.handle(ctx, msg)
	}
}

func (s *Session) write(conn *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.cfg.WriteWait > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
			return err
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", msg.Type(), err)
	}

	return nil
}

// Publish sends msg on the current connection. It implements
// emitter.Publisher.
func (s *Session) Publish(_ context.Context, msg protocol.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	return s.write(conn, msg)
}

func (s *Session) SendChat(ctx context.Context, text string) error {
	return s.Publish(ctx, protocol.ChatSend{Text: text})
}

// RequestSync asks the host for a forced snapshot.
func (s *Session) RequestSync(ctx context.Context, reason string) error {
	return s.Publish(ctx, protocol.ViewerRequestSync{Reason: reason})
}

// ForceSync makes every viewer correct to this host's player now.
func (s *Session) ForceSync(ctx context.Context) error {
	if !s.IsHost() {
		return ErrNotHost
	}

	return s.emitter.ForceSync(ctx, s.probe)
}

func (s *Session) SetAggression(aggression int) {
	s.emitter.SetAggression(aggression)
}

// onJoined handles the first room.state of a connection. Every (re)join
// starts the engine from a clean slate.
func (s *Session) onJoined(ctx context.Context, state protocol.RoomState) {
	s.mu.Lock()
	s.established = true
	if state.SelfId != "" {
		s.selfId = state.SelfId
	}
	s.room = state.Room
	s.hostId = state.HostId
	isHost := s.selfId == s.hostId
	s.mu.Unlock()

	s.setStatus(StatusConnected, nil)
	s.logger.InfoContext(ctx, "joined room", "room_id", state.Id, "host", isHost)

	s.reconciler.Reset()
	s.dispatcher.Forget()
	s.emitter.Reset()
	s.setHosting(ctx, isHost)

	if isHost {
		if err := s.ForceSync(ctx); err != nil {
			s.logger.InfoContext(ctx, "failed to force sync", "error", err)
		}
	} else if err := s.RequestSync(ctx, "joined"); err != nil {
		s.logger.InfoContext(ctx, "failed to request sync", "error", err)
	}

	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(state)
	}
}

func (s *Session) handle(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.RoomState:
		s.onRoomState(ctx, m)
		return
	case protocol.HostSnapshot:
		s.onSnapshot(ctx, m, false)
	case protocol.ForceSnapshot:
		s.onSnapshot(ctx, m.HostSnapshot, true)
	case protocol.PlayIntent, protocol.PauseIntent, protocol.SetReferenceTime:
		s.onIntent(ctx, msg)
	case protocol.Navigate:
		s.onNavigate(ctx, m)
	case protocol.ViewerRequestSync:
		if err := s.ForceSync(ctx); err != nil {
			s.logger.InfoContext(ctx, "failed to answer sync request", "error", err)
		}
	}

	if s.cfg.OnMessage != nil {
		switch msg.(type) {
		case protocol.ChatMessage, protocol.SystemEvent, protocol.Error:
			s.cfg.OnMessage(msg)
		}
	}
}

func (s *Session) onRoomState(ctx context.Context, state protocol.RoomState) {
	s.mu.Lock()
	s.room = state.Room
	hostChanged := s.hostId != state.HostId
	s.hostId = state.HostId
	isHost := s.selfId == s.hostId
	s.mu.Unlock()

	if hostChanged {
		s.logger.InfoContext(ctx, "host changed", "host_id", state.HostId, "self", isHost)
		s.reconciler.Reset()
		s.dispatcher.Forget()
		s.emitter.Reset()
		s.setHosting(ctx, isHost)

		if isHost {
			if err := s.ForceSync(ctx); err != nil {
				s.logger.InfoContext(ctx, "failed to force sync", "error", err)
			}
		}
	}

	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(state)
	}
}

func (s *Session) onSnapshot(ctx context.Context, snap protocol.HostSnapshot, forced bool) {
	if s.IsHost() {
		return
	}

	local, err := s.probe.State(ctx)
	if err != nil {
		s.logger.InfoContext(ctx, "failed to read probe", "error", err)
		return
	}

	s.reconciler.HandleSnapshot(ctx, snap, forced, local)
}

func (s *Session) onIntent(ctx context.Context, intent protocol.Message) {
	if s.IsHost() {
		return
	}

	local, err := s.probe.State(ctx)
	if err != nil {
		s.logger.InfoContext(ctx, "failed to read probe", "error", err)
		return
	}

	s.reconciler.HandleIntent(ctx, intent, local)
}

func (s *Session) onNavigate(ctx context.Context, nav protocol.Navigate) {
	if s.IsHost() {
		return
	}

	// An unreadable probe is treated as a different page.
	local, _ := s.probe.State(ctx)
	s.reconciler.HandleNavigate(ctx, nav, local)
}

// setHosting starts or stops the emitter loop.
func (s *Session) setHosting(ctx context.Context, hosting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !hosting {
		if s.stopHosting != nil {
			s.stopHosting()
			s.stopHosting = nil
			s.hostEvents = nil
		}
		return
	}

	if s.stopHosting != nil {
		return
	}

	hostCtx, cancel := context.WithCancel(ctx)
	events := make(chan probe.Event, 16)
	s.stopHosting = cancel
	s.hostEvents = events

	go func() {
		if err := s.emitter.Run(hostCtx, s.probe, events); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.InfoContext(ctx, "emitter stopped", "error", err)
		}
	}()
}

// localLoop routes local player events and reports viewer status.
func (s *Session) localLoop(ctx context.Context, events <-chan probe.Event) {
	interval := s.cfg.StatusInterval
	if interval <= 0 {
		interval = DefaultConfig().StatusInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.onLocalEvent(ctx, ev)
		case <-ticker.C:
			s.reportStatus(ctx)
		}
	}
}

func (s *Session) onLocalEvent(ctx context.Context, ev probe.Event) {
	s.mu.Lock()
	hostEvents := s.hostEvents
	s.mu.Unlock()

	if hostEvents != nil {
		select {
		case hostEvents <- ev:
		default:
			s.logger.DebugContext(ctx, "host event dropped", "reason", ev.Reason)
		}
		return
	}

	s.reconciler.HandleLocalEvent(ctx, ev)
}

func (s *Session) reportStatus(ctx context.Context) {
	if s.IsHost() {
		return
	}

	latest := s.reconciler.Latest()
	if latest == nil {
		return
	}

	local, err := s.probe.State(ctx)
	if err != nil {
		return
	}

	drift := 0.0
	if protocol.SameMedia(local.Url, latest.Url) {
		drift = local.Time - protocol.ProjectedTime(*latest, time.Now())
	}

	if err := s.Publish(ctx, protocol.ViewerStatus{
		TimeSeconds:  math.Max(local.Time, 0),
		IsPlaying:    local.IsPlaying,
		DriftSeconds: drift,
		MediaId:      local.MediaId,
		Url:          local.Url,
	}); err != nil {
		s.logger.DebugContext(ctx, "failed to report status", "error", err)
	}
}
