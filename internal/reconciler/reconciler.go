// Package reconciler steers a viewer's player towards the host's playback
// state. Each handler decides under one lock and dispatches afterwards, so
// cooldown bookkeeping is never interleaved with another decision.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sharetube/lockstep/internal/probe"
	"github.com/sharetube/lockstep/internal/protocol"
	"github.com/sharetube/lockstep/internal/scheduler"
	"github.com/sharetube/lockstep/internal/sequencer"
	"github.com/sharetube/lockstep/internal/telemetry"
	"github.com/sharetube/lockstep/internal/tuning"
)

const component = "reconciler"

// Commander delivers correction commands to the player. probe.Dispatcher
// implements it.
type Commander interface {
	Send(ctx context.Context, cmd probe.Command) (probe.Outcome, error)
}

// Navigator redirects the viewer's tab to the host's media.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

type Action string

const (
	ActionNone     Action = "none"
	ActionCommand  Action = "command"
	ActionDeferred Action = "deferred"
	ActionNavigate Action = "navigate"
	ActionSkip     Action = "skip"
	ActionDrop     Action = "drop"
)

// Decision is the outcome of one handler call. Command is dispatched right
// away; FollowUp is scheduled after Delay and re-validated before it fires.
type Decision struct {
	Action   Action
	Reason   string
	Command  *probe.Command
	FollowUp *probe.Command
	Delay    time.Duration
	Url      string
}

type deferred struct {
	cmd         probe.Command
	delay       time.Duration
	checkTarget bool
	target      float64
}

type Reconciler struct {
	cfg       Config
	commander Commander
	navigator Navigator
	sched     scheduler.Scheduler
	ring      *telemetry.Ring
	logger    *slog.Logger

	mu        sync.Mutex
	store     *sequencer.Store
	cooldowns Cooldowns
	epoch     uint64
	pending   scheduler.Task
}

func New(
	cfg Config,
	commander Commander,
	navigator Navigator,
	sched scheduler.Scheduler,
	ring *telemetry.Ring,
	logger *slog.Logger,
) *Reconciler {
	if sched == nil {
		sched = scheduler.Real()
	}
	if ring == nil {
		ring = telemetry.NewRing(telemetry.DefaultCapacity)
	}

	return &Reconciler{
		cfg:       cfg,
		commander: commander,
		navigator: navigator,
		sched:     sched,
		ring:      ring,
		logger:    logger,
		store:     sequencer.New(),
	}
}

// Reset drops every piece of per-session state. Called on join, rejoin and
// host change.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.store.Clear()
	r.resetLocked()
	r.record(telemetry.KindDrop, "reset", "")
}

func (r *Reconciler) resetLocked() {
	r.cooldowns = Cooldowns{}
	r.supersedeLocked()
}

// supersedeLocked invalidates any deferred action still in flight.
func (r *Reconciler) supersedeLocked() {
	r.epoch++
	if r.pending != nil {
		r.pending.Stop()
		r.pending = nil
	}
}

func (r *Reconciler) Cooldowns() Cooldowns {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cooldowns
}

// Latest returns the newest accepted host snapshot.
func (r *Reconciler) Latest() *protocol.HostSnapshot {
	return r.store.Latest()
}

func (r *Reconciler) record(kind telemetry.Kind, reason, detail string) {
	r.ring.Record(telemetry.Entry{
		At:        r.sched.Now(),
		Component: component,
		Kind:      kind,
		Reason:    reason,
		Detail:    detail,
	})
}

func (r *Reconciler) skip(reason string) Decision {
	r.record(telemetry.KindSkip, reason, "")
	return Decision{Action: ActionSkip, Reason: reason}
}

func (r *Reconciler) drop(reason string) Decision {
	r.record(telemetry.KindDrop, reason, "")
	return Decision{Action: ActionDrop, Reason: reason}
}

func (r *Reconciler) tuningLocked(local probe.State) (tuning.SyncTuning, PlatformStrategy) {
	aggression := tuning.DefaultAggression
	profile := tuning.ProfileFor(local.Platform)
	if latest := r.store.Latest(); latest != nil {
		aggression = latest.SyncAggression
		profile = tuning.ParseProfile(latest.SyncProfile, latest.Platform)
	}

	return tuning.Resolve(aggression, profile), StrategyFor(profile, r.cfg)
}

// HandleSnapshot reconciles the local player against a host snapshot.
func (r *Reconciler) HandleSnapshot(ctx context.Context, snap protocol.HostSnapshot, forced bool, local probe.State) Decision {
	r.mu.Lock()
	decision, next := r.decideSnapshotLocked(snap, forced, local)
	if next != nil {
		r.scheduleLocked(ctx, *next)
	}
	r.mu.Unlock()

	r.execute(ctx, decision)
	return decision
}

func (r *Reconciler) decideSnapshotLocked(snap protocol.HostSnapshot, forced bool, local probe.State) (Decision, *deferred) {
	switch r.store.AcceptSnapshot(snap) {
	case sequencer.Stale:
		return r.drop("stale_snapshot"), nil
	case sequencer.Reset:
		r.resetLocked()
		r.record(telemetry.KindDrop, "sequence_reset", fmt.Sprintf("seq=%d", snap.Seq))
	}
	prev := r.store.Previous()

	if !protocol.SameMedia(local.Url, snap.Url) {
		r.supersedeLocked()
		r.record(telemetry.KindNavigate, "media_mismatch", snap.Url)
		return Decision{Action: ActionNavigate, Reason: "media_mismatch", Url: snap.Url}, nil
	}
	if snap.InAd {
		return r.skip("host_in_ad"), nil
	}
	if local.InAd {
		return r.skip("local_in_ad"), nil
	}

	profile := tuning.ParseProfile(snap.SyncProfile, snap.Platform)
	tune := tuning.Resolve(snap.SyncAggression, profile)
	strategy := StrategyFor(profile, r.cfg)
	th := strategy.DriftThresholds(tune)

	now := r.sched.Now()
	target := protocol.ProjectedTime(snap, now)
	drift := math.Abs(local.Time - target)
	mismatch := local.IsPlaying != snap.IsPlaying
	jump := strategy.ClassifySeekJump(prev, &snap, forced)
	huge := strategy.SequencesPlayback() && drift >= r.cfg.ProfileBHugeDriftSeconds
	cd := &r.cooldowns

	if !forced {
		if drift <= th.SoftSeconds && !mismatch {
			return r.skip("within_soft_trigger"), nil
		}
		if mismatch && drift <= th.HardSeconds && cd.LastIntent != nil &&
			cd.LastIntent.IsPlaying == snap.IsPlaying && within(now, cd.LastIntent.At, r.cfg.IntentRecency) {
			return r.skip("recent_intent"), nil
		}
		if !jump && within(now, cd.LastFastSeekAt, r.cfg.SettleWindow) && drift <= th.SettleHoldSeconds {
			return r.skip("settling"), nil
		}

		var required time.Duration
		switch {
		case huge:
		case jump:
			required = tune.SeekJumpCooldown
		case mismatch && drift < th.HardSeconds:
			required = r.cfg.PlayPauseMismatchCooldown
		case drift >= th.HardSeconds:
			required = tune.HardCooldown
		default:
			required = tune.SoftCooldown
		}
		if within(now, cd.LastAutoSyncAt, required) {
			return r.skip("cooldown"), nil
		}
	}

	sequenced := strategy.SequencesPlayback() && (jump || mismatch || drift >= th.HardSeconds)
	seeking := false
	if sequenced {
		seeking = (jump || drift >= th.HardSeconds) &&
			(huge || forced || !within(now, cd.LastSeekCommandAt, r.cfg.ProfileBSeekCooldown))
		if !seeking && !mismatch {
			return r.skip("seek_cooldown"), nil
		}
	}

	r.supersedeLocked()

	var (
		decision Decision
		next     *deferred
	)
	switch {
	case sequenced:
		decision, next = r.sequencePlaybackLocked(snap.IsPlaying, target, seeking, now)
	case jump && !forced:
		cmd := probe.Seek(target)
		decision = Decision{Action: ActionCommand, Reason: "host_seek_jump", Command: &cmd}
		cd.LastFastSeekAt = now
		cd.LastFastSeekTarget = target
		cd.LastSeekCommandAt = now
		if strategy.FollowUpAfterSeek(snap.IsPlaying) {
			next = &deferred{
				cmd:         probe.PlayState(snap.IsPlaying),
				delay:       r.cfg.FollowPlaybackDelay,
				checkTarget: true,
				target:      target,
			}
		}
	default:
		cmd := probe.SyncAll(probe.SyncAllParams{
			Time:             target,
			IsPlaying:        snap.IsPlaying,
			PlaybackRate:     snap.PlaybackRate,
			ToleranceSeconds: th.HardSeconds,
			NudgePercent:     tune.NudgePercent,
			Force:            forced,
			Profile:          profile,
		})
		reason := "drift"
		if forced {
			reason = "forced"
		} else if mismatch {
			reason = "play_state_mismatch"
		}
		decision = Decision{Action: ActionCommand, Reason: reason, Command: &cmd}
	}

	if next != nil {
		decision.FollowUp = &next.cmd
		decision.Delay = next.delay
	}

	cd.LastAutoSyncAt = now
	cd.LastCommandAt = now
	cd.LastIntent = &ObservedIntent{IsPlaying: snap.IsPlaying, Time: target, At: now}
	r.recordDecision(decision, drift)

	return decision, next
}

// sequencePlaybackLocked issues an optional seek followed by a play-state
// change delayed past the player's command cooldown and settle window.
func (r *Reconciler) sequencePlaybackLocked(wantPlaying bool, target float64, seeking bool, now time.Time) (Decision, *deferred) {
	cd := &r.cooldowns
	decision := Decision{Action: ActionCommand, Reason: "sequenced_playback"}

	if seeking {
		cmd := probe.Seek(target)
		decision.Command = &cmd
		cd.LastSeekCommandAt = now
		cd.LastFastSeekAt = now
		cd.LastFastSeekTarget = target
	}

	playback := probe.PlayState(wantPlaying)
	delay := r.playbackDelayLocked(now)
	if seeking && delay < r.cfg.FollowPlaybackDelay {
		delay = r.cfg.FollowPlaybackDelay
	}

	if delay == 0 {
		decision.Command = &playback
		cd.LastPlayPauseAt = now
		return decision, nil
	}

	if decision.Command == nil {
		decision.Action = ActionDeferred
	}
	return decision, &deferred{cmd: playback, delay: delay, checkTarget: seeking, target: target}
}

func (r *Reconciler) playbackDelayLocked(now time.Time) time.Duration {
	cd := &r.cooldowns

	var delay time.Duration
	if within(now, cd.LastPlayPauseAt, r.cfg.ProfileBPlayPauseCooldown) {
		delay = r.cfg.ProfileBPlayPauseCooldown - now.Sub(cd.LastPlayPauseAt)
	}
	if within(now, cd.LastFastSeekAt, r.cfg.SettleWindow) {
		delay = max(delay, r.cfg.SettleWindow-now.Sub(cd.LastFastSeekAt))
	}

	return min(delay, r.cfg.ProfileBMaxPlaybackDelay)
}

// HandleIntent applies an explicit host action: play, pause or a reference
// time.
func (r *Reconciler) HandleIntent(ctx context.Context, intent protocol.Message, local probe.State) Decision {
	r.mu.Lock()
	decision, next := r.decideIntentLocked(intent, local)
	if next != nil {
		r.scheduleLocked(ctx, *next)
	}
	r.mu.Unlock()

	r.execute(ctx, decision)
	return decision
}

func (r *Reconciler) decideIntentLocked(intent protocol.Message, local probe.State) (Decision, *deferred) {
	var (
		seq         uint64
		t           float64
		wantPlaying bool
		reference   *protocol.SetReferenceTime
	)
	switch in := intent.(type) {
	case protocol.PlayIntent:
		seq, t, wantPlaying = in.Seq, in.TimeSeconds, true
	case protocol.PauseIntent:
		seq, t, wantPlaying = in.Seq, in.TimeSeconds, false
	case protocol.SetReferenceTime:
		seq, t = in.Seq, in.TimeSeconds
		reference = &in
	default:
		return r.drop("not_an_intent"), nil
	}

	cd := &r.cooldowns
	cd.LastAutoSyncAt = time.Time{}

	switch r.store.AcceptIntent(seq) {
	case sequencer.Stale:
		return r.drop("stale_intent"), nil
	case sequencer.Reset:
		r.resetLocked()
		r.record(telemetry.KindDrop, "sequence_reset", fmt.Sprintf("intent seq=%d", seq))
	}

	if local.InAd {
		return r.skip("local_in_ad"), nil
	}
	if host := r.store.Latest(); reference == nil && host != nil && host.InAd {
		return r.skip("host_in_ad"), nil
	}

	now := r.sched.Now()
	tune, strategy := r.tuningLocked(local)

	if reference != nil {
		if math.Abs(local.Time-t) <= tune.IntentToleranceSeconds {
			return r.skip("within_intent_tolerance"), nil
		}

		r.supersedeLocked()
		cmd := probe.Seek(t)
		cd.LastSeekCommandAt = now
		cd.LastCommandAt = now
		if reference.Source == protocol.ReferenceSourceSeek {
			cd.LastFastSeekAt = now
			cd.LastFastSeekTarget = t
		}
		decision := Decision{Action: ActionCommand, Reason: "reference_time_" + reference.Source, Command: &cmd}
		r.recordDecision(decision, math.Abs(local.Time-t))
		return decision, nil
	}

	if within(now, cd.LastFastSeekAt, r.cfg.SeekIntentSuppress) {
		return r.drop("seek_in_flight"), nil
	}
	if last := cd.LastIntent; last != nil && last.IsPlaying == wantPlaying &&
		within(now, last.At, r.cfg.DuplicateIntentWindow) && math.Abs(last.Time-t) < r.cfg.DuplicateIntentSeconds {
		return r.drop("duplicate_intent"), nil
	}

	r.supersedeLocked()

	var (
		decision Decision
		next     *deferred
	)
	if strategy.SequencesPlayback() {
		playback := probe.PlayState(wantPlaying)
		if delay := r.playbackDelayLocked(now); delay > 0 {
			decision = Decision{Action: ActionDeferred, Reason: "sequenced_intent", FollowUp: &playback, Delay: delay}
			next = &deferred{cmd: playback, delay: delay}
		} else {
			decision = Decision{Action: ActionCommand, Reason: "sequenced_intent", Command: &playback}
			cd.LastPlayPauseAt = now
		}
	} else {
		rate := 1.0
		if latest := r.store.Latest(); latest != nil {
			rate = latest.PlaybackRate
		}
		cmd := probe.SyncAll(probe.SyncAllParams{
			Time:             t,
			IsPlaying:        wantPlaying,
			PlaybackRate:     rate,
			ToleranceSeconds: tune.IntentToleranceSeconds,
			NudgePercent:     tune.NudgePercent,
			Force:            true,
			Profile:          strategy.Profile(),
		})
		decision = Decision{Action: ActionCommand, Reason: "intent", Command: &cmd}
		cd.LastPlayPauseAt = now
	}

	cd.LastCommandAt = now
	cd.LastIntent = &ObservedIntent{IsPlaying: wantPlaying, Time: t, At: now}
	r.recordDecision(decision, math.Abs(local.Time-t))

	return decision, next
}

// HandleNavigate follows the host to another media. Stale or same-media
// navigations are dropped.
func (r *Reconciler) HandleNavigate(ctx context.Context, nav protocol.Navigate, local probe.State) Decision {
	r.mu.Lock()
	decision := r.decideNavigateLocked(nav, local)
	r.mu.Unlock()

	r.execute(ctx, decision)
	return decision
}

func (r *Reconciler) decideNavigateLocked(nav protocol.Navigate, local probe.State) Decision {
	if !r.store.AcceptNavigation(nav.Seq).Accepted() {
		return r.drop("stale_navigation")
	}
	if protocol.SameMedia(local.Url, nav.Url) {
		return Decision{Action: ActionNone}
	}

	r.supersedeLocked()
	r.record(telemetry.KindNavigate, "host_navigated", nav.Url)
	return Decision{Action: ActionNavigate, Reason: "host_navigated", Url: nav.Url}
}

// HandleLocalEvent recovers from the viewer operating their own player: a
// play, pause or seek that leaves the viewer far from the host is undone.
func (r *Reconciler) HandleLocalEvent(ctx context.Context, ev probe.Event) Decision {
	r.mu.Lock()
	decision := r.decideLocalEventLocked(ev)
	r.mu.Unlock()

	r.execute(ctx, decision)
	return decision
}

func (r *Reconciler) decideLocalEventLocked(ev probe.Event) Decision {
	switch ev.Reason {
	case probe.ReasonPlay, probe.ReasonPause, probe.ReasonSeek:
	default:
		return Decision{Action: ActionNone}
	}

	host := r.store.Latest()
	if host == nil || host.InAd || ev.State.InAd {
		return Decision{Action: ActionNone}
	}
	if !protocol.SameMedia(ev.State.Url, host.Url) {
		return Decision{Action: ActionNone}
	}

	now := r.sched.Now()
	cd := &r.cooldowns
	// Events echoing our own commands are not overrides.
	if within(now, cd.LastCommandAt, r.cfg.OverrideRecoveryCooldown) {
		return r.skip("own_command_echo")
	}
	if within(now, cd.LastOverrideRecoveryAt, r.cfg.OverrideRecoveryCooldown) {
		return r.skip("override_cooldown")
	}

	profile := tuning.ParseProfile(host.SyncProfile, host.Platform)
	tune := tuning.Resolve(host.SyncAggression, profile)
	th := StrategyFor(profile, r.cfg).DriftThresholds(tune)

	target := protocol.ProjectedTime(*host, now)
	drift := math.Abs(ev.State.Time - target)
	if drift <= th.OverrideSeconds && ev.State.IsPlaying == host.IsPlaying {
		return Decision{Action: ActionNone}
	}

	r.supersedeLocked()
	cmd := probe.SyncAll(probe.SyncAllParams{
		Time:             target,
		IsPlaying:        host.IsPlaying,
		PlaybackRate:     host.PlaybackRate,
		ToleranceSeconds: th.HardSeconds,
		NudgePercent:     tune.NudgePercent,
		Force:            true,
		Profile:          profile,
	})
	cd.LastOverrideRecoveryAt = now
	cd.LastAutoSyncAt = now
	cd.LastCommandAt = now

	decision := Decision{Action: ActionCommand, Reason: "viewer_override", Command: &cmd}
	r.recordDecision(decision, drift)
	return decision
}

func (r *Reconciler) recordDecision(d Decision, drift float64) {
	detail := fmt.Sprintf("drift=%.2f", drift)
	if d.Command != nil {
		detail += " cmd=" + d.Command.String()
	}
	if d.FollowUp != nil {
		detail += fmt.Sprintf(" then=%s after=%s", d.FollowUp.String(), d.Delay)
	}
	r.record(telemetry.KindCommand, d.Reason, detail)
}

func (r *Reconciler) execute(ctx context.Context, d Decision) {
	switch {
	case d.Action == ActionNavigate && r.navigator != nil:
		if err := r.navigator.Navigate(ctx, d.Url); err != nil {
			r.logger.InfoContext(ctx, "failed to navigate", "url", d.Url, "error", err)
		}
	case d.Command != nil:
		r.send(ctx, *d.Command)
	}
}

func (r *Reconciler) send(ctx context.Context, cmd probe.Command) {
	outcome, err := r.commander.Send(ctx, cmd)
	if err != nil {
		r.logger.InfoContext(ctx, "failed to send command", "command", cmd.String(), "error", err)
		return
	}
	r.logger.DebugContext(ctx, "command sent", "command", cmd.String(), "outcome", outcome)
}

// scheduleLocked arms next for the current epoch. Anything that supersedes
// the epoch before it fires turns it into a no-op.
func (r *Reconciler) scheduleLocked(ctx context.Context, next deferred) {
	ctx = context.WithoutCancel(ctx)
	epoch := r.epoch
	r.pending = r.sched.AfterFunc(next.delay, func() {
		r.mu.Lock()
		if r.epoch != epoch {
			r.mu.Unlock()
			r.record(telemetry.KindDrop, "follow_up_superseded", next.cmd.String())
			return
		}
		if next.checkTarget && r.cooldowns.LastFastSeekTarget != next.target {
			r.mu.Unlock()
			r.record(telemetry.KindDrop, "follow_up_target_moved", next.cmd.String())
			return
		}
		now := r.sched.Now()
		r.cooldowns.LastPlayPauseAt = now
		r.cooldowns.LastCommandAt = now
		r.pending = nil
		r.mu.Unlock()

		r.record(telemetry.KindCommand, "follow_up", next.cmd.String())
		r.send(ctx, next.cmd)
	})
}
