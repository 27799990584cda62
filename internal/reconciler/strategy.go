package reconciler

import (
	"math"

	"github.com/sharetube/lockstep/internal/protocol"
	"github.com/sharetube/lockstep/internal/tuning"
)

type Thresholds struct {
	SoftSeconds       float64
	HardSeconds       float64
	SettleHoldSeconds float64
	OverrideSeconds   float64
}

// PlatformStrategy captures how a player class differs from the others.
type PlatformStrategy interface {
	Profile() tuning.Profile
	// ClassifySeekJump reports whether cur, following prev, is a deliberate
	// host seek rather than organic drift.
	ClassifySeekJump(prev, cur *protocol.HostSnapshot, forced bool) bool
	// FollowUpAfterSeek reports whether a play-state command must follow a
	// seek towards the given state.
	FollowUpAfterSeek(targetPlaying bool) bool
	DriftThresholds(t tuning.SyncTuning) Thresholds
	// SequencesPlayback is set for players that reject rapid consecutive
	// commands of different types.
	SequencesPlayback() bool
}

type baseStrategy struct {
	profile tuning.Profile
	cfg     Config
}

func (s baseStrategy) Profile() tuning.Profile {
	return s.profile
}

func (s baseStrategy) ClassifySeekJump(prev, cur *protocol.HostSnapshot, forced bool) bool {
	if forced || prev == nil || cur == nil {
		return false
	}
	if cur.Seq <= prev.Seq || prev.InAd || cur.InAd {
		return false
	}
	if !protocol.SameMedia(prev.Url, cur.Url) {
		return false
	}

	expected := protocol.ProjectedTime(*prev, protocol.CapturedAt(*cur))
	return math.Abs(cur.TimeSeconds-expected) >= s.cfg.SeekJumpThresholdSeconds
}

func (s baseStrategy) FollowUpAfterSeek(bool) bool {
	return true
}

func (s baseStrategy) DriftThresholds(t tuning.SyncTuning) Thresholds {
	override, ok := s.cfg.OverrideThresholds[s.profile]
	if !ok {
		override = s.cfg.OverrideThresholds[tuning.ProfileOther]
	}

	return Thresholds{
		SoftSeconds:       t.SoftTriggerSeconds,
		HardSeconds:       t.HardToleranceSeconds,
		SettleHoldSeconds: math.Max(t.HardToleranceSeconds*s.cfg.SettleHoldMultiplier, s.cfg.SettleHoldFloorSeconds),
		OverrideSeconds:   override,
	}
}

func (s baseStrategy) SequencesPlayback() bool {
	return false
}

// profileAStrategy: a seek on this player resumes playback by itself.
type profileAStrategy struct {
	baseStrategy
}

func (s profileAStrategy) FollowUpAfterSeek(targetPlaying bool) bool {
	return !targetPlaying
}

type profileBStrategy struct {
	baseStrategy
}

func (s profileBStrategy) SequencesPlayback() bool {
	return true
}

func StrategyFor(profile tuning.Profile, cfg Config) PlatformStrategy {
	base := baseStrategy{profile: profile, cfg: cfg}

	switch profile {
	case tuning.ProfileA:
		return profileAStrategy{base}
	case tuning.ProfileB:
		return profileBStrategy{base}
	}

	base.profile = tuning.ProfileOther
	return base
}
