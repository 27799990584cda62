package room

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/lockstep/internal/metrics"
	"github.com/sharetube/lockstep/internal/protocol"
	"github.com/sharetube/lockstep/internal/sequencer"
	"github.com/sharetube/lockstep/internal/telemetry"
	"github.com/sharetube/lockstep/internal/tuning"
)

type RelaySnapshotParams struct {
	RoomId   string
	SenderId string
	Snapshot protocol.HostSnapshot
	Forced   bool
}

type RelayResponse struct {
	// Message is what gets forwarded to ViewerConns.
	Message     protocol.Message
	ViewerConns []*websocket.Conn
	Events      []protocol.SystemEvent
	// StateChanged means the playback reference moved and room.state should
	// be broadcast to Conns.
	StateChanged bool
	Room         protocol.Room
	Conns        []*websocket.Conn
}

// RelaySnapshot sequences a host snapshot, derives timeline events from it and
// returns who it must be forwarded to.
func (s *service) RelaySnapshot(ctx context.Context, params *RelaySnapshotParams) (RelayResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, host, err := s.hostLocked(params.RoomId, params.SenderId)
	if err != nil {
		s.dropLocked(ctx, err, "snapshot")
		return RelayResponse{}, err
	}

	snap := params.Snapshot
	prev := r.seq.Latest()

	verdict := r.seq.AcceptSnapshot(snap)
	if !verdict.Accepted() {
		metrics.MessagesDropped.WithLabelValues("stale").Inc()
		s.ring.Record(telemetry.Entry{
			At:        s.cfg.Now(),
			Component: "relay",
			Kind:      telemetry.KindDrop,
			Reason:    "stale_snapshot",
			Detail:    fmt.Sprintf("seq=%d last=%d", snap.Seq, r.seq.LastSnapshotSeq()),
		})
		return RelayResponse{}, ErrStaleUpdate
	}
	if verdict == sequencer.Reset {
		prev = nil
	}

	now := s.cfg.Now()
	username := host.username
	if snap.Username != "" {
		username = snap.Username
	}

	var events []protocol.SystemEvent
	changed := params.Forced

	if params.Forced {
		events = append(events, s.systemEvent(r, now, protocol.SystemEventForcedSync,
			username+" synced everyone", host.id, username, snap.TimeSeconds))
	}

	mediaChanged := !protocol.SameMedia(r.currentUrl, snap.Url)
	if mediaChanged {
		changed = true
		if r.currentUrl != "" {
			events = append(events, s.mediaChangeEvent(r, now, host.id, username, snap.Title, snap.Url))
		}
	}

	if snap.IsPlaying != r.isPlaying {
		changed = true
	}

	if prev != nil && !mediaChanged && protocol.SameMedia(prev.Url, snap.Url) {
		if prev.IsPlaying != snap.IsPlaying && !snap.InAd && !prev.InAd {
			kind, verb := protocol.SystemEventPause, " paused"
			if snap.IsPlaying {
				kind, verb = protocol.SystemEventPlay, " played"
			}
			events = append(events, s.systemEvent(r, now, kind, username+verb, host.id, username, snap.TimeSeconds))
		}

		jump := math.Abs(snap.TimeSeconds - protocol.ProjectedTime(*prev, protocol.CapturedAt(snap)))
		if !params.Forced && !snap.InAd && !prev.InAd && jump >= s.cfg.SeekEventSeconds {
			changed = true
			events = append(events, s.systemEvent(r, now, protocol.SystemEventSeek,
				fmt.Sprintf("%s jumped to %s", username, formatClock(snap.TimeSeconds)), host.id, username, snap.TimeSeconds))
		}
	}

	r.currentUrl = snap.Url
	if snap.Title != "" || mediaChanged {
		r.currentTitle = snap.Title
	}
	if snap.Platform != "" {
		r.platform = snap.Platform
	} else if mediaChanged {
		r.platform = platformOf(snap.Url)
	}
	r.syncProfile = string(tuning.ParseProfile(snap.SyncProfile, r.platform))
	r.refTime = snap.TimeSeconds
	r.refUpdatedAt = snap.CapturedAt
	r.isPlaying = snap.IsPlaying
	r.lastActivity = now

	if changed {
		s.persist(ctx, r, nil)
	}

	var msg protocol.Message = snap
	if params.Forced {
		msg = protocol.ForceSnapshot{HostSnapshot: snap}
	}

	return RelayResponse{
		Message:      msg,
		ViewerConns:  s.getConnsLocked(ctx, r, host.id),
		Events:       events,
		StateChanged: changed,
		Room:         r.view(),
		Conns:        s.getConnsLocked(ctx, r, ""),
	}, nil
}

type RelayNavigateParams struct {
	RoomId   string
	SenderId string
	Navigate protocol.Navigate
}

func (s *service) RelayNavigate(ctx context.Context, params *RelayNavigateParams) (RelayResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, host, err := s.hostLocked(params.RoomId, params.SenderId)
	if err != nil {
		s.dropLocked(ctx, err, "navigate")
		return RelayResponse{}, err
	}

	nav := params.Navigate
	if !r.seq.AcceptNavigation(nav.Seq).Accepted() {
		metrics.MessagesDropped.WithLabelValues("stale").Inc()
		s.ring.Record(telemetry.Entry{
			At:        s.cfg.Now(),
			Component: "relay",
			Kind:      telemetry.KindDrop,
			Reason:    "stale_navigation",
			Detail:    fmt.Sprintf("seq=%d", nav.Seq),
		})
		return RelayResponse{}, ErrStaleUpdate
	}

	now := s.cfg.Now()

	var events []protocol.SystemEvent
	if r.currentUrl != "" && !protocol.SameMedia(r.currentUrl, nav.Url) {
		events = append(events, s.mediaChangeEvent(r, now, host.id, host.username, nav.Title, nav.Url))
	}

	s.setMediaLocked(r, now, nav.Url, nav.Title, nav.Platform)
	s.persist(ctx, r, nil)

	return RelayResponse{
		Message:      nav,
		ViewerConns:  s.getConnsLocked(ctx, r, host.id),
		Events:       events,
		StateChanged: true,
		Room:         r.view(),
		Conns:        s.getConnsLocked(ctx, r, ""),
	}, nil
}

type RelayIntentParams struct {
	RoomId   string
	SenderId string
	// Intent is a PlayIntent, PauseIntent or SetReferenceTime.
	Intent protocol.Message
}

// RelayIntent forwards an explicit host action. Intents are not sequenced
// here; each viewer tracks the intent channel itself.
func (s *service) RelayIntent(ctx context.Context, params *RelayIntentParams) (RelayResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, host, err := s.hostLocked(params.RoomId, params.SenderId)
	if err != nil {
		s.dropLocked(ctx, err, "intent")
		return RelayResponse{}, err
	}

	now := s.cfg.Now()
	changed := false

	switch intent := params.Intent.(type) {
	case protocol.PlayIntent:
		changed = !r.isPlaying
		r.isPlaying = true
		r.refTime = intent.TimeSeconds
	case protocol.PauseIntent:
		changed = r.isPlaying
		r.isPlaying = false
		r.refTime = intent.TimeSeconds
	case protocol.SetReferenceTime:
		changed = intent.Source != protocol.ReferenceSourceTick
		r.refTime = intent.TimeSeconds
	default:
		return RelayResponse{}, fmt.Errorf("%w: %s is not an intent", protocol.ErrInvalidMessage, params.Intent.Type())
	}
	r.refUpdatedAt = now.UnixMilli()
	r.lastActivity = now

	if changed {
		s.persist(ctx, r, nil)
	}

	return RelayResponse{
		Message:      params.Intent,
		ViewerConns:  s.getConnsLocked(ctx, r, host.id),
		StateChanged: changed,
		Room:         r.view(),
		Conns:        s.getConnsLocked(ctx, r, ""),
	}, nil
}

type UpdateUrlParams struct {
	RoomId   string
	SenderId string
	Url      string
	Title    string
	Platform string
}

type UpdateUrlResponse struct {
	Room  protocol.Room
	Event *protocol.SystemEvent
	Conns []*websocket.Conn
}

func (s *service) UpdateUrl(ctx context.Context, params *UpdateUrlParams) (UpdateUrlResponse, error) {
	title := s.resolveTitle(ctx, params.Url, params.Title)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, host, err := s.hostLocked(params.RoomId, params.SenderId)
	if err != nil {
		s.dropLocked(ctx, err, "update_url")
		return UpdateUrlResponse{}, err
	}

	now := s.cfg.Now()

	var event *protocol.SystemEvent
	if r.currentUrl != "" && !protocol.SameMedia(r.currentUrl, params.Url) {
		ev := s.mediaChangeEvent(r, now, host.id, host.username, title, params.Url)
		event = &ev
	}

	s.setMediaLocked(r, now, params.Url, title, params.Platform)
	s.persist(ctx, r, nil)

	return UpdateUrlResponse{
		Room:  r.view(),
		Event: event,
		Conns: s.getConnsLocked(ctx, r, ""),
	}, nil
}

type ViewerStatusParams struct {
	RoomId   string
	SenderId string
	Status   protocol.ViewerStatus
}

type ViewerStatusResponse struct {
	// Event is set when the viewer is reported out of sync.
	Event *protocol.SystemEvent
	Conns []*websocket.Conn
}

// ViewerStatus turns viewer reports into debounced out-of-sync events.
func (s *service) ViewerStatus(ctx context.Context, params *ViewerStatusParams) (ViewerStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, m, err := s.lookupLocked(params.RoomId, params.SenderId)
	if err != nil {
		return ViewerStatusResponse{}, err
	}

	if r.hostId == m.id || math.Abs(params.Status.DriftSeconds) <= s.cfg.OutOfSyncSeconds {
		return ViewerStatusResponse{}, nil
	}

	now := s.cfg.Now()
	if !m.lastOutOfSyncAt.IsZero() && now.Sub(m.lastOutOfSyncAt) < s.cfg.OutOfSyncDebounce {
		return ViewerStatusResponse{}, nil
	}
	m.lastOutOfSyncAt = now

	ev := s.systemEvent(r, now, protocol.SystemEventOutOfSync,
		fmt.Sprintf("%s is %.1fs out of sync", m.username, math.Abs(params.Status.DriftSeconds)),
		m.id, m.username, params.Status.TimeSeconds)

	return ViewerStatusResponse{
		Event: &ev,
		Conns: s.getConnsLocked(ctx, r, ""),
	}, nil
}

type RequestSyncParams struct {
	RoomId   string
	SenderId string
	Reason   string
}

type RequestSyncResponse struct {
	Request  protocol.ViewerRequestSync
	HostConn *websocket.Conn
}

// RequestSync routes a viewer's resync request to the host only.
func (s *service) RequestSync(ctx context.Context, params *RequestSyncParams) (RequestSyncResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, m, err := s.lookupLocked(params.RoomId, params.SenderId)
	if err != nil {
		return RequestSyncResponse{}, err
	}

	if r.hostId == m.id {
		return RequestSyncResponse{}, nil
	}

	return RequestSyncResponse{
		Request: protocol.ViewerRequestSync{
			ParticipantId: m.id,
			Reason:        params.Reason,
		},
		HostConn: s.getHostConnLocked(ctx, r),
	}, nil
}

func (s *service) setMediaLocked(r *liveRoom, now time.Time, rawUrl, title, platform string) {
	if platform == "" {
		platform = platformOf(rawUrl)
	}

	if !protocol.SameMedia(r.currentUrl, rawUrl) {
		r.refTime = 0
		r.refUpdatedAt = now.UnixMilli()
	}

	r.currentUrl = rawUrl
	r.currentTitle = title
	r.platform = platform
	r.syncProfile = string(tuning.ProfileFor(platform))
	r.lastActivity = now
}

func (s *service) mediaChangeEvent(r *liveRoom, now time.Time, hostId, username, title, rawUrl string) protocol.SystemEvent {
	name := title
	if name == "" {
		name = rawUrl
	}

	return s.systemEvent(r, now, protocol.SystemEventMediaChange, username+" switched to "+name, hostId, username, 0)
}

// dropLocked accounts for a host-only message that was not accepted.
func (s *service) dropLocked(ctx context.Context, err error, what string) {
	if !errors.Is(err, ErrPermissionDenied) {
		return
	}

	metrics.MessagesDropped.WithLabelValues("not_host").Inc()
	s.ring.Record(telemetry.Entry{
		At:        s.cfg.Now(),
		Component: "relay",
		Kind:      telemetry.KindDrop,
		Reason:    "not_host",
		Detail:    what,
	})
	s.logger.DebugContext(ctx, "dropped host-only message from non-host", "message", what)
}

func formatClock(seconds float64) string {
	total := int(seconds)
	h, m, sec := total/3600, total%3600/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}

	return fmt.Sprintf("%d:%02d", m, sec)
}
