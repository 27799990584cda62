// Package emitter turns the host's local player events into snapshots and
// explicit intents for the relay.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sharetube/lockstep/internal/probe"
	"github.com/sharetube/lockstep/internal/protocol"
	"github.com/sharetube/lockstep/internal/sequencer"
	"github.com/sharetube/lockstep/internal/telemetry"
	"github.com/sharetube/lockstep/internal/tuning"
)

const component = "emitter"

type Publisher interface {
	Publish(ctx context.Context, msg protocol.Message) error
}

type Config struct {
	HeartbeatInterval time.Duration
	// HeartbeatFallback suppresses a heartbeat that follows another
	// emission too closely.
	HeartbeatFallback time.Duration
	// NoiseTolerance is how far time may run backwards between two playing
	// reports without a seek event before the report is treated as a player
	// glitch and dropped.
	NoiseTolerance map[tuning.Profile]float64
	// NoiseDuringAds enables backward-noise suppression while an ad plays.
	NoiseDuringAds map[tuning.Profile]bool

	PlayingMinInterval time.Duration
	PlayingMinDelta    float64
	PausedMinInterval  time.Duration
	PausedMinDelta     float64
	RateEpsilon        float64

	Aggression int
	Username   string
	Now        func() time.Time
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 1800 * time.Millisecond,
		HeartbeatFallback: 1500 * time.Millisecond,
		NoiseTolerance: map[tuning.Profile]float64{
			tuning.ProfileA:     1.5,
			tuning.ProfileB:     3,
			tuning.ProfileOther: 2,
		},
		NoiseDuringAds: map[tuning.Profile]bool{
			tuning.ProfileA:     false,
			tuning.ProfileB:     true,
			tuning.ProfileOther: false,
		},
		PlayingMinInterval: 600 * time.Millisecond,
		PlayingMinDelta:    0.9,
		PausedMinInterval:  1500 * time.Millisecond,
		PausedMinDelta:     0.3,
		RateEpsilon:        0.02,
		Aggression:         tuning.DefaultAggression,
		Now:                time.Now,
	}
}

// Emission describes what one Observe call produced. Messages are in publish
// order; Skipped is set when nothing was emitted.
type Emission struct {
	Snapshot *protocol.HostSnapshot
	Messages []protocol.Message
	Skipped  string
}

type Emitter struct {
	publisher Publisher
	ring      *telemetry.Ring
	logger    *slog.Logger

	mu         sync.Mutex
	cfg        Config
	snapshots  sequencer.Counter
	intents    sequencer.Counter
	navigation sequencer.Counter
	last       *protocol.HostSnapshot
	lastAt     time.Time
}

func New(publisher Publisher, cfg Config, ring *telemetry.Ring, logger *slog.Logger) *Emitter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if ring == nil {
		ring = telemetry.NewRing(telemetry.DefaultCapacity)
	}

	return &Emitter{
		publisher: publisher,
		ring:      ring,
		logger:    logger,
		cfg:       cfg,
	}
}

func (e *Emitter) SetAggression(aggression int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cfg.Aggression = aggression
}

// Reset forgets the previous snapshot and restarts every sequence at 1, so
// viewers treat the next emission as a fresh host.
func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.last = nil
	e.lastAt = time.Time{}
	e.snapshots.Reset()
	e.intents.Reset()
	e.navigation.Reset()
}

// Observe decides whether state is worth a snapshot and publishes the
// resulting messages.
func (e *Emitter) Observe(ctx context.Context, reason probe.Reason, state probe.State, force bool) (Emission, error) {
	emission := e.decide(reason, state, force)
	if emission.Skipped != "" {
		e.ring.Record(telemetry.Entry{
			At:        e.cfg.Now(),
			Component: component,
			Kind:      telemetry.KindSkip,
			Reason:    emission.Skipped,
			Detail:    string(reason),
		})
		return emission, nil
	}

	e.ring.Record(telemetry.Entry{
		At:        e.cfg.Now(),
		Component: component,
		Kind:      telemetry.KindEmit,
		Reason:    string(reason),
		Detail:    fmt.Sprintf("seq=%d messages=%d force=%t", emission.Snapshot.Seq, len(emission.Messages), force),
	})

	for _, msg := range emission.Messages {
		if err := e.publisher.Publish(ctx, msg); err != nil {
			e.logger.InfoContext(ctx, "failed to publish", "type", msg.Type(), "error", err)
			return emission, fmt.Errorf("failed to publish %s: %w", msg.Type(), err)
		}
	}

	return emission, nil
}

func (e *Emitter) decide(reason probe.Reason, state probe.State, force bool) Emission {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.cfg.Now()
	profile := tuning.ProfileFor(state.Platform)
	prev := e.last
	mediaChanged := prev != nil && !sameMedia(prev, state)

	if !force && prev != nil && !mediaChanged {
		if reason == probe.ReasonTick && now.Sub(e.lastAt) < e.cfg.HeartbeatFallback {
			return Emission{Skipped: "heartbeat_fallback"}
		}
		if e.isBackwardNoise(prev, state, reason, profile) {
			return Emission{Skipped: "backward_noise"}
		}
		if e.isRateLimited(prev, state, now) {
			return Emission{Skipped: "rate_limited"}
		}
	}

	snap := protocol.HostSnapshot{
		Seq:            e.snapshots.Next(),
		MediaId:        state.MediaId,
		Url:            state.Url,
		Title:          state.Title,
		Platform:       state.Platform,
		SyncProfile:    string(profile),
		TimeSeconds:    math.Max(state.Time, 0),
		IsPlaying:      state.IsPlaying,
		PlaybackRate:   rateOrDefault(state.PlaybackRate),
		InAd:           state.InAd,
		SyncAggression: e.cfg.Aggression,
		CapturedAt:     now.UnixMilli(),
		Username:       e.cfg.Username,
	}

	msgs := make([]protocol.Message, 0, 4)
	if mediaChanged {
		msgs = append(msgs, protocol.Navigate{
			Seq:      e.navigation.Next(),
			Url:      state.Url,
			Title:    state.Title,
			MediaId:  state.MediaId,
			Platform: state.Platform,
		})
	}

	if force {
		msgs = append(msgs, protocol.ForceSnapshot{HostSnapshot: snap})
	} else {
		msgs = append(msgs, snap)
	}

	// Play state around an ad belongs to the ad, so no intents go out until
	// the host is back on the content.
	inAd := state.InAd || (prev != nil && prev.InAd) ||
		reason == probe.ReasonAdStart || reason == probe.ReasonAdEnd

	switch {
	case mediaChanged:
		msgs = append(msgs,
			protocol.SetReferenceTime{
				TimeSeconds: 0,
				Source:      protocol.ReferenceSourceInitial,
				Seq:         e.intents.Next(),
			},
			protocol.PauseIntent{TimeSeconds: 0, Seq: e.intents.Next()},
		)
	case inAd:
	case force:
		msgs = append(msgs,
			protocol.SetReferenceTime{
				TimeSeconds: snap.TimeSeconds,
				Source:      protocol.ReferenceSourceInitial,
				Seq:         e.intents.Next(),
			},
			e.intentFor(snap),
		)
	default:
		if reason == probe.ReasonSeek {
			msgs = append(msgs, protocol.SetReferenceTime{
				TimeSeconds: snap.TimeSeconds,
				Source:      protocol.ReferenceSourceSeek,
				Seq:         e.intents.Next(),
			})
		}
		if prev != nil && prev.IsPlaying != state.IsPlaying {
			msgs = append(msgs, e.intentFor(snap))
		}
	}

	e.last = &snap
	e.lastAt = now

	return Emission{Snapshot: &snap, Messages: msgs}
}

func (e *Emitter) intentFor(snap protocol.HostSnapshot) protocol.Message {
	if snap.IsPlaying {
		return protocol.PlayIntent{TimeSeconds: snap.TimeSeconds, Seq: e.intents.Next()}
	}
	return protocol.PauseIntent{TimeSeconds: snap.TimeSeconds, Seq: e.intents.Next()}
}

func (e *Emitter) isBackwardNoise(prev *protocol.HostSnapshot, state probe.State, reason probe.Reason, profile tuning.Profile) bool {
	if reason == probe.ReasonSeek || reason == probe.ReasonNavigation {
		return false
	}
	if !prev.IsPlaying || !state.IsPlaying {
		return false
	}
	if (prev.InAd || state.InAd) && !e.cfg.NoiseDuringAds[profile] {
		return false
	}

	tolerance, ok := e.cfg.NoiseTolerance[profile]
	if !ok {
		tolerance = e.cfg.NoiseTolerance[tuning.ProfileOther]
	}

	back := prev.TimeSeconds - state.Time
	return back > tolerance
}

func (e *Emitter) isRateLimited(prev *protocol.HostSnapshot, state probe.State, now time.Time) bool {
	if prev.IsPlaying != state.IsPlaying || prev.InAd != state.InAd {
		return false
	}
	if math.Abs(prev.PlaybackRate-rateOrDefault(state.PlaybackRate)) > e.cfg.RateEpsilon {
		return false
	}

	interval, delta := e.cfg.PausedMinInterval, e.cfg.PausedMinDelta
	if state.IsPlaying {
		interval, delta = e.cfg.PlayingMinInterval, e.cfg.PlayingMinDelta
	}

	moved := math.Abs(state.Time - protocol.ProjectedTime(*prev, now))
	return now.Sub(e.lastAt) < interval && moved < delta
}

func sameMedia(prev *protocol.HostSnapshot, state probe.State) bool {
	if prev.MediaId != "" && state.MediaId != "" {
		return prev.MediaId == state.MediaId
	}
	return protocol.SameMedia(prev.Url, state.Url)
}

func rateOrDefault(rate float64) float64 {
	if rate <= 0 {
		return 1
	}
	return rate
}

// Run observes probe events as they arrive and emits a heartbeat every
// HeartbeatInterval until ctx is done.
func (e *Emitter) Run(ctx context.Context, p probe.Probe, events <-chan probe.Event) error {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if _, err := e.Observe(ctx, ev.Reason, ev.State, false); err != nil {
				e.logger.DebugContext(ctx, "event not emitted", "reason", ev.Reason, "error", err)
			}
		case <-ticker.C:
			state, err := p.State(ctx)
			if err != nil {
				e.logger.DebugContext(ctx, "heartbeat skipped", "error", err)
				continue
			}
			if _, err := e.Observe(ctx, probe.ReasonTick, state, false); err != nil {
				e.logger.DebugContext(ctx, "heartbeat not emitted", "error", err)
			}
		}
	}
}

// ForceSync reads the player and emits a forced snapshot, e.g. on a manual
// "sync now" or a viewer's sync request.
func (e *Emitter) ForceSync(ctx context.Context, p probe.Probe) error {
	state, err := p.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to read probe state: %w", err)
	}

	_, err = e.Observe(ctx, probe.ReasonTick, state, true)
	return err
}
