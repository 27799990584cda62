package room

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sharetube/lockstep/internal/protocol"
	conninmemory "github.com/sharetube/lockstep/internal/repository/connection/inmemory"
	roominmemory "github.com/sharetube/lockstep/internal/repository/room/inmemory"
	roomredis "github.com/sharetube/lockstep/internal/repository/room/redis"
	"github.com/sharetube/lockstep/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, roomRepo iRoomRepo) (*service, *clock) {
	t.Helper()

	logger := discardLogger()
	if roomRepo == nil {
		roomRepo = roominmemory.NewRepo(time.Hour, logger)
	}

	c := &clock{now: time.Now()}
	cfg := DefaultConfig()
	cfg.Now = c.Now
	cfg.ChatHistorySize = 5
	cfg.PublicUrl = "https://watch.example.com"

	s := NewService(roomRepo, conninmemory.NewRepo(logger), cfg, telemetry.NewRing(16), logger)
	return s, c
}

func join(t *testing.T, s *service, roomId, participantId string) (JoinRoomResponse, *websocket.Conn) {
	t.Helper()

	conn := &websocket.Conn{}
	resp, err := s.JoinRoom(context.Background(), &JoinRoomParams{
		Conn:          conn,
		RoomId:        roomId,
		ParticipantId: participantId,
		Username:      participantId,
	})
	require.NoError(t, err)

	return resp, conn
}

func snapshot(seq uint64, at time.Time, seconds float64, playing bool) protocol.HostSnapshot {
	return protocol.HostSnapshot{
		Seq:          seq,
		Url:          "https://www.youtube.com/watch?v=abc",
		Platform:     "youtube",
		TimeSeconds:  seconds,
		IsPlaying:    playing,
		PlaybackRate: 1,
		CapturedAt:   at.UnixMilli(),
	}
}

func kinds(events []protocol.SystemEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestCreateRoomReservesHost(t *testing.T) {
	s, c := newTestService(t, nil)
	ctx := context.Background()

	created, err := s.CreateRoom(ctx, &CreateRoomParams{
		HostUsername: "alice",
		InitialUrl:   "https://www.netflix.com/watch/81",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.RoomId)
	assert.NotEmpty(t, created.HostId)
	assert.Equal(t, "alice", created.Username)
	assert.Equal(t, "https://watch.example.com/join/"+created.RoomId, created.JoinLink)

	// A viewer arriving first holds the room until the creator connects.
	c.Advance(time.Millisecond)
	viewer, _ := join(t, s, created.RoomId, "bob")
	assert.Equal(t, protocol.RoleHost, viewer.Self.Role)

	host, _ := join(t, s, created.RoomId, created.HostId)
	assert.Equal(t, protocol.RoleHost, host.Self.Role)
	assert.True(t, host.HostChanged)
	assert.Equal(t, created.HostId, host.Room.HostId)
	assert.Equal(t, "netflix", host.Room.CurrentPlatform)
	assert.Equal(t, "netflix", host.Room.SyncProfile)
	assert.Len(t, host.Room.Participants, 2)
	assert.Len(t, host.Conns, 2)
	require.NotNil(t, host.Event)
	assert.Equal(t, protocol.SystemEventJoined, host.Event.Kind)

	view, err := s.GetRoom(ctx, created.RoomId)
	require.NoError(t, err)
	assert.Equal(t, created.HostId, view.HostId)
}

func TestJoinUnknownRoom(t *testing.T) {
	s, _ := newTestService(t, nil)

	_, err := s.JoinRoom(context.Background(), &JoinRoomParams{
		Conn:   &websocket.Conn{},
		RoomId: "missing",
	})
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = s.GetRoom(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestHostMigrationIsDeterministic(t *testing.T) {
	s, c := newTestService(t, nil)
	ctx := context.Background()

	created, err := s.CreateRoom(ctx, &CreateRoomParams{HostUsername: "h"})
	require.NoError(t, err)
	_, hostConn := join(t, s, created.RoomId, created.HostId)

	c.Advance(5 * time.Millisecond)
	join(t, s, created.RoomId, "B")
	c.Advance(5 * time.Millisecond)
	join(t, s, created.RoomId, "A")

	left, err := s.LeaveRoom(ctx, &LeaveRoomParams{Conn: hostConn})
	require.NoError(t, err)
	assert.True(t, left.HostChanged)
	assert.Equal(t, "B", left.Room.HostId)
	assert.Len(t, left.Conns, 2)
	assert.Equal(t, protocol.SystemEventLeft, left.Event.Kind)

	// The original host keeps its join time and takes the room back.
	back, _ := join(t, s, created.RoomId, created.HostId)
	assert.True(t, back.HostChanged)
	assert.Equal(t, created.HostId, back.Room.HostId)
	assert.Equal(t, protocol.RoleHost, back.Self.Role)
}

func TestJoinTiesBrokenById(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	created, err := s.CreateRoom(ctx, &CreateRoomParams{})
	require.NoError(t, err)

	join(t, s, created.RoomId, "zed")
	resp, _ := join(t, s, created.RoomId, "amy")

	// Same join time for both, so the lower id wins.
	assert.Equal(t, "amy", resp.Room.HostId)
}

func TestReconnectReplacesConnection(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	created, err := s.CreateRoom(ctx, &CreateRoomParams{})
	require.NoError(t, err)
	_, first := join(t, s, created.RoomId, created.HostId)

	second, _ := join(t, s, created.RoomId, created.HostId)
	assert.Same(t, first, second.Replaced)
	assert.False(t, second.HostChanged)
	assert.Nil(t, second.Event)
	assert.Len(t, second.Conns, 1)

	// The stale connection closing must not evict the participant.
	_, err = s.LeaveRoom(ctx, &LeaveRoomParams{Conn: first})
	assert.ErrorIs(t, err, ErrMemberNotFound)

	view, err := s.GetRoom(ctx, created.RoomId)
	require.NoError(t, err)
	assert.Equal(t, created.HostId, view.HostId)
}

func TestRelaySnapshotPermissionAndSequencing(t *testing.T) {
	s, c := newTestService(t, nil)
	ctx := context.Background()

	created, err := s.CreateRoom(ctx, &CreateRoomParams{})
	require.NoError(t, err)
	join(t, s, created.RoomId, created.HostId)
	_, viewerConn := join(t, s, created.RoomId, "viewer")

	_, err = s.RelaySnapshot(ctx, &RelaySnapshotParams{
		RoomId:   created.RoomId,
		SenderId: "viewer",
		Snapshot: snapshot(1, c.Now(), 10, true),
	})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	resp, err := s.RelaySnapshot(ctx, &RelaySnapshotParams{
		RoomId:   created.RoomId,
		SenderId: created.HostId,
		Snapshot: snapshot(10, c.Now(), 10, true),
	})
	require.NoError(t, err)
	assert.Equal(t, []*websocket.Conn{viewerConn}, resp.ViewerConns)
	assert.Len(t, resp.Conns, 2)
	assert.True(t, resp.StateChanged)
	assert.Equal(t, protocol.TypeHostSnapshot, resp.Message.Type())
	assert.Equal(t, "https://www.youtube.com/watch?v=abc", resp.Room.CurrentUrl)
	assert.True(t, resp.Room.IsPlaying)

	for _, seq := range []uint64{10, 9} {
		_, err = s.RelaySnapshot(ctx, &RelaySnapshotParams{
			RoomId:   created.RoomId,
			SenderId: created.HostId,
			Snapshot: snapshot(seq, c.Now(), 11, true),
		})
		assert.ErrorIs(t, err, ErrStaleUpdate)
	}

	// A restarted host counter is accepted.
	_, err = s.RelaySnapshot(ctx, &RelaySnapshotParams{
		RoomId:   created.RoomId,
		SenderId: created.HostId,
		Snapshot: snapshot(1, c.Now(), 11, true),
	})
	assert.NoError(t, err)

	reasons := map[string]int{}
	for _, e := range s.Telemetry().Snapshot() {
		reasons[e.Reason]++
	}
	assert.Equal(t, 2, reasons["stale_snapshot"])
	assert.Equal(t, 1, reasons["not_host"])
}

func TestRelaySnapshotSystemEvents(t *testing.T) {
	s, c := newTestService(t, nil)
	ctx := context.Background()

	created, err := s.CreateRoom(ctx, &CreateRoomParams{})
	require.NoError(t, err)
	join(t, s, created.RoomId, created.HostId)

	relay := func(snap protocol.HostSnapshot, forced bool) RelayResponse {
		t.Helper()
		resp, err := s.RelaySnapshot(ctx, &RelaySnapshotParams{
			RoomId:   created.RoomId,
			SenderId: created.HostId,
			Snapshot: snap,
			Forced:   forced,
		})
		require.NoError(t, err)
		return resp
	}

	first := relay(snapshot(1, c.Now(), 100, true), false)
	assert.Empty(t, first.Events)

	// Organic progress is not an event.
	c.Advance(2 * time.Second)
	steady := relay(snapshot(2, c.Now(), 102, true), false)
	assert.Empty(t, steady.Events)
	assert.False(t, steady.StateChanged)

	c.Advance(time.Second)
	paused := relay(snapshot(3, c.Now(), 103, false), false)
	assert.Equal(t, []string{protocol.SystemEventPause}, kinds(paused.Events))
	assert.True(t, paused.StateChanged)

	c.Advance(time.Second)
	seeked := relay(snapshot(4, c.Now(), 140, false), false)
	assert.Equal(t, []string{protocol.SystemEventSeek}, kinds(seeked.Events))
	assert.Contains(t, seeked.Events[0].Text, "2:20")

	forced := relay(snapshot(5, c.Now(), 140, false), true)
	assert.Equal(t, []string{protocol.SystemEventForcedSync}, kinds(forced.Events))
	assert.Equal(t, protocol.TypeForceSnapshot, forced.Message.Type())

	other := snapshot(6, c.Now(), 0, false)
	other.Url = "https://www.youtube.com/watch?v=xyz"
	other.Title = "Other"
	changed := relay(other, false)
	assert.Equal(t, []string{protocol.SystemEventMediaChange}, kinds(changed.Events))
	assert.Equal(t, other.Url, changed.Room.CurrentUrl)
}

func TestRelayNavigateAndIntents(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	created, err := s.CreateRoom(ctx, &CreateRoomParams{InitialUrl: "https://www.youtube.com/watch?v=abc"})
	require.NoError(t, err)
	join(t, s, created.RoomId, created.HostId)
	join(t, s, created.RoomId, "viewer")

	nav := protocol.Navigate{Seq: 3, Url: "https://www.netflix.com/watch/81", Title: "Film"}
	resp, err := s.RelayNavigate(ctx, &RelayNavigateParams{RoomId: created.RoomId, SenderId: created.HostId, Navigate: nav})
	require.NoError(t, err)
	assert.Equal(t, "netflix", resp.Room.SyncProfile)
	assert.Equal(t, []string{protocol.SystemEventMediaChange}, kinds(resp.Events))
	assert.Len(t, resp.ViewerConns, 1)

	_, err = s.RelayNavigate(ctx, &RelayNavigateParams{RoomId: created.RoomId, SenderId: created.HostId, Navigate: nav})
	assert.ErrorIs(t, err, ErrStaleUpdate)

	_, err = s.RelayIntent(ctx, &RelayIntentParams{
		RoomId:   created.RoomId,
		SenderId: "viewer",
		Intent:   protocol.PlayIntent{TimeSeconds: 5, Seq: 1},
	})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	played, err := s.RelayIntent(ctx, &RelayIntentParams{
		RoomId:   created.RoomId,
		SenderId: created.HostId,
		Intent:   protocol.PlayIntent{TimeSeconds: 5, Seq: 1},
	})
	require.NoError(t, err)
	assert.True(t, played.StateChanged)
	assert.True(t, played.Room.IsPlaying)
	assert.Equal(t, 5.0, played.Room.ReferenceTimeSeconds)

	tick, err := s.RelayIntent(ctx, &RelayIntentParams{
		RoomId:   created.RoomId,
		SenderId: created.HostId,
		Intent:   protocol.SetReferenceTime{TimeSeconds: 9, Source: protocol.ReferenceSourceTick, Seq: 2},
	})
	require.NoError(t, err)
	assert.False(t, tick.StateChanged)
	assert.Equal(t, protocol.TypeSetReferenceTime, tick.Message.Type())
}

func TestUpdateUrlIsHostOnly(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	created, err := s.CreateRoom(ctx, &CreateRoomParams{})
	require.NoError(t, err)
	join(t, s, created.RoomId, created.HostId)
	join(t, s, created.RoomId, "viewer")

	_, err = s.UpdateUrl(ctx, &UpdateUrlParams{RoomId: created.RoomId, SenderId: "viewer", Url: "https://youtu.be/abc"})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	resp, err := s.UpdateUrl(ctx, &UpdateUrlParams{RoomId: created.RoomId, SenderId: created.HostId, Url: "https://youtu.be/abc"})
	require.NoError(t, err)
	assert.Nil(t, resp.Event)
	assert.Equal(t, "youtube", resp.Room.CurrentPlatform)
	assert.Len(t, resp.Conns, 2)
}

type stubTitles map[string]string

func (s stubTitles) Title(_ context.Context, url string) (string, error) {
	title, ok := s[url]
	if !ok {
		return "", errors.New("unknown")
	}
	return title, nil
}

func TestUpdateUrlResolvesMissingTitle(t *testing.T) {
	s, _ := newTestService(t, nil)
	s.cfg.Titles = stubTitles{"https://youtu.be/xyz": "Resolved title"}
	ctx := context.Background()

	created, err := s.CreateRoom(ctx, &CreateRoomParams{HostUsername: "alice", InitialUrl: "https://youtu.be/abc"})
	require.NoError(t, err)
	join(t, s, created.RoomId, created.HostId)

	resp, err := s.UpdateUrl(ctx, &UpdateUrlParams{RoomId: created.RoomId, SenderId: created.HostId, Url: "https://youtu.be/xyz"})
	require.NoError(t, err)
	require.NotNil(t, resp.Event)
	assert.True(t, strings.HasSuffix(resp.Event.Text, " switched to Resolved title"))

	resp, err = s.UpdateUrl(ctx, &UpdateUrlParams{RoomId: created.RoomId, SenderId: created.HostId, Url: "https://youtu.be/other"})
	require.NoError(t, err)
	require.NotNil(t, resp.Event)
	assert.True(t, strings.HasSuffix(resp.Event.Text, " switched to https://youtu.be/other"))
}

func TestViewerStatusOutOfSyncDebounce(t *testing.T) {
	s, c := newTestService(t, nil)
	ctx := context.Background()

	created, err := s.CreateRoom(ctx, &CreateRoomParams{})
	require.NoError(t, err)
	join(t, s, created.RoomId, created.HostId)
	join(t, s, created.RoomId, "viewer")

	report := func(id string, drift float64) *protocol.SystemEvent {
		t.Helper()
		resp, err := s.ViewerStatus(ctx, &ViewerStatusParams{
			RoomId:   created.RoomId,
			SenderId: id,
			Status:   protocol.ViewerStatus{TimeSeconds: 50, IsPlaying: true, DriftSeconds: drift},
		})
		require.NoError(t, err)
		return resp.Event
	}

	assert.Nil(t, report("viewer", 2.2))
	assert.NotNil(t, report("viewer", -3))
	c.Advance(7 * time.Second)
	assert.Nil(t, report("viewer", 5))
	c.Advance(time.Second)
	assert.NotNil(t, report("viewer", 5))
	assert.Nil(t, report(created.HostId, 10))
}

func TestRequestSyncGoesToHost(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	created, err := s.CreateRoom(ctx, &CreateRoomParams{})
	require.NoError(t, err)
	_, hostConn := join(t, s, created.RoomId, created.HostId)
	join(t, s, created.RoomId, "viewer")

	resp, err := s.RequestSync(ctx, &RequestSyncParams{RoomId: created.RoomId, SenderId: "viewer", Reason: "lost"})
	require.NoError(t, err)
	assert.Same(t, hostConn, resp.HostConn)
	assert.Equal(t, "viewer", resp.Request.ParticipantId)

	resp, err = s.RequestSync(ctx, &RequestSyncParams{RoomId: created.RoomId, SenderId: created.HostId})
	require.NoError(t, err)
	assert.Nil(t, resp.HostConn)
}

func TestChatHistoryIsBoundedAndReplayed(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	created, err := s.CreateRoom(ctx, &CreateRoomParams{})
	require.NoError(t, err)
	join(t, s, created.RoomId, created.HostId)

	texts := []string{"one", "two", "three", "four", "five", "six"}
	for _, text := range texts {
		resp, err := s.SendChat(ctx, &SendChatParams{RoomId: created.RoomId, SenderId: created.HostId, Text: text})
		require.NoError(t, err)
		assert.Equal(t, protocol.ChatKindUser, resp.Message.Kind)
		assert.Len(t, resp.Conns, 1)
	}

	joined, _ := join(t, s, created.RoomId, "late")
	require.Len(t, joined.History, 5)
	got := make([]string, 0, 5)
	for _, msg := range joined.History {
		got = append(got, msg.Text)
	}
	assert.Equal(t, []string{"two", "three", "four", "five", "six"}, got)

	_, err = s.SendChat(ctx, &SendChatParams{RoomId: created.RoomId, SenderId: "nobody", Text: "hi"})
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestEmptyRoomGracePeriod(t *testing.T) {
	s, c := newTestService(t, nil)
	ctx := context.Background()

	created, err := s.CreateRoom(ctx, &CreateRoomParams{})
	require.NoError(t, err)
	_, conn := join(t, s, created.RoomId, created.HostId)

	left, err := s.LeaveRoom(ctx, &LeaveRoomParams{Conn: conn})
	require.NoError(t, err)
	assert.True(t, left.IsEmpty)
	assert.Empty(t, left.Room.HostId)

	c.Advance(4 * time.Minute)
	assert.Empty(t, s.CollectGarbage(ctx))

	// Rejoining within the grace period uses the same room.
	_, conn = join(t, s, created.RoomId, created.HostId)
	c.Advance(10 * time.Minute)
	assert.Empty(t, s.CollectGarbage(ctx))

	_, err = s.LeaveRoom(ctx, &LeaveRoomParams{Conn: conn})
	require.NoError(t, err)
	c.Advance(5 * time.Minute)
	assert.Equal(t, []string{created.RoomId}, s.CollectGarbage(ctx))

	_, err = s.JoinRoom(ctx, &JoinRoomParams{Conn: &websocket.Conn{}, RoomId: created.RoomId})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRoomRestoredFromRedisMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	repo := roomredis.NewRepo(rc, time.Hour, discardLogger())
	ctx := context.Background()

	first, _ := newTestService(t, repo)
	created, err := first.CreateRoom(ctx, &CreateRoomParams{
		HostUsername: "alice",
		InitialUrl:   "https://www.youtube.com/watch?v=abc",
	})
	require.NoError(t, err)

	// A fresh relay process sees the same room through the mirror.
	second, c := newTestService(t, repo)
	view, err := second.GetRoom(ctx, created.RoomId)
	require.NoError(t, err)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc", view.CurrentUrl)

	c.Advance(time.Minute)
	join(t, second, created.RoomId, "bob")
	resp, err := second.JoinRoom(ctx, &JoinRoomParams{
		Conn:          &websocket.Conn{},
		RoomId:        created.RoomId,
		ParticipantId: created.HostId,
	})
	require.NoError(t, err)
	assert.True(t, resp.HostChanged)
	assert.Equal(t, created.HostId, resp.Room.HostId)
	assert.Equal(t, "alice", resp.Self.Username)
}
