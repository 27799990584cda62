// Package tuning maps a room's sync aggression and player profile to the
// tolerances and cooldowns used by the reconciler. Everything here is pure.
package tuning

import (
	"strings"
	"time"

	"golang.org/x/exp/constraints"
)

type Profile string

const (
	// ProfileA is the youtube-class player: fast seeks that resume playback.
	ProfileA Profile = "youtube"
	// ProfileB is the netflix-class player: slow to settle, rejects rapid
	// consecutive commands.
	ProfileB     Profile = "netflix"
	ProfileOther Profile = "generic"
)

func ProfileFor(platform string) Profile {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case "youtube", "youtube-music", "ytm":
		return ProfileA
	case "netflix":
		return ProfileB
	}
	return ProfileOther
}

// ParseProfile accepts a declared sync profile and falls back to the platform
// when the profile is empty or unknown.
func ParseProfile(profile, platform string) Profile {
	switch Profile(profile) {
	case ProfileA, ProfileB, ProfileOther:
		return Profile(profile)
	}
	return ProfileFor(platform)
}

type SyncTuning struct {
	HardToleranceSeconds   float64
	SoftTriggerSeconds     float64
	HardCooldown           time.Duration
	SoftCooldown           time.Duration
	IntentToleranceSeconds float64
	NudgePercent           float64
	SeekJumpCooldown       time.Duration
}

type endpoint struct {
	hardTolerance   float64
	softTrigger     float64
	hardCooldownMs  float64
	softCooldownMs  float64
	intentTolerance float64
	nudgePercent    float64
	seekJumpMs      float64
}

var (
	flexible = endpoint{
		hardTolerance:   2.5,
		softTrigger:     0.9,
		hardCooldownMs:  4000,
		softCooldownMs:  7000,
		intentTolerance: 1.2,
		nudgePercent:    4,
		seekJumpMs:      900,
	}
	tight = endpoint{
		hardTolerance:   0.6,
		softTrigger:     0.25,
		hardCooldownMs:  1200,
		softCooldownMs:  2500,
		intentTolerance: 0.35,
		nudgePercent:    10,
		seekJumpMs:      400,
	}
)

type modifier struct {
	ToleranceMul    float64
	TriggerMul      float64
	HardCooldownMul float64
	SoftCooldownMul float64
	NudgeMul        float64
}

var modifiers = map[Profile]modifier{
	ProfileA:     {ToleranceMul: 1, TriggerMul: 1, HardCooldownMul: 1, SoftCooldownMul: 1, NudgeMul: 1},
	ProfileB:     {ToleranceMul: 1.6, TriggerMul: 1.5, HardCooldownMul: 1.5, SoftCooldownMul: 1.4, NudgeMul: 0.6},
	ProfileOther: {ToleranceMul: 1.25, TriggerMul: 1.2, HardCooldownMul: 1.2, SoftCooldownMul: 1.2, NudgeMul: 0.8},
}

const DefaultAggression = 50

// Resolve returns the tuning for an aggression level in [0,100] (0 is
// flexible, 100 is tight) and a player profile.
func Resolve(aggression int, profile Profile) SyncTuning {
	t := float64(clamp(aggression, 0, 100)) / 100

	mod, ok := modifiers[profile]
	if !ok {
		mod = modifiers[ProfileOther]
	}

	return SyncTuning{
		HardToleranceSeconds:   lerp(flexible.hardTolerance, tight.hardTolerance, t) * mod.ToleranceMul,
		SoftTriggerSeconds:     lerp(flexible.softTrigger, tight.softTrigger, t) * mod.TriggerMul,
		HardCooldown:           millis(lerp(flexible.hardCooldownMs, tight.hardCooldownMs, t) * mod.HardCooldownMul),
		SoftCooldown:           millis(lerp(flexible.softCooldownMs, tight.softCooldownMs, t) * mod.SoftCooldownMul),
		IntentToleranceSeconds: lerp(flexible.intentTolerance, tight.intentTolerance, t) * mod.ToleranceMul,
		NudgePercent:           lerp(flexible.nudgePercent, tight.nudgePercent, t) * mod.NudgeMul,
		SeekJumpCooldown:       millis(lerp(flexible.seekJumpMs, tight.seekJumpMs, t) * mod.HardCooldownMul),
	}
}

func lerp[T constraints.Float](from, to, t T) T {
	return from + (to-from)*t
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
