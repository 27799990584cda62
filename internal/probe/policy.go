package probe

import (
	"math"
	"time"

	"github.com/sharetube/lockstep/internal/tuning"
)

// MinSeekDeltaSeconds is the smallest jump worth a SEEK; smaller ones stutter.
const MinSeekDeltaSeconds = 0.35

// Policy is the probe-local interpretation of SYNC_ALL.
type Policy struct {
	NudgeThresholdSeconds float64
	SeekCooldown          time.Duration
	Floors                map[tuning.Profile]float64
}

func DefaultPolicy() Policy {
	return Policy{
		NudgeThresholdSeconds: 0.2,
		SeekCooldown:          1200 * time.Millisecond,
		Floors: map[tuning.Profile]float64{
			tuning.ProfileA:     0.5,
			tuning.ProfileB:     1.0,
			tuning.ProfileOther: 0.75,
		},
	}
}

func (p Policy) floor(profile tuning.Profile) float64 {
	if f, ok := p.Floors[profile]; ok {
		return f
	}
	return p.Floors[tuning.ProfileOther]
}

type ResolutionKind string

const (
	ResolveNone     ResolutionKind = "none"
	ResolveSeek     ResolutionKind = "seek"
	ResolvePlayback ResolutionKind = "playback"
	ResolveNudge    ResolutionKind = "nudge"
)

// Resolution is what a probe does with one SYNC_ALL.
type Resolution struct {
	Kind ResolutionKind
	// SeekTo is set for ResolveSeek.
	SeekTo float64
	// SetPlaying is non-nil when the play state must change.
	SetPlaying *bool
	// Rate is the playback rate to apply.
	Rate float64
}

// ResolveSyncAll decides between a hard seek, a play-state fix and a rate
// nudge for cmd against the current player state. lastSeekAt is the last hard
// seek this probe performed.
func ResolveSyncAll(cmd Command, state State, policy Policy, lastSeekAt, now time.Time) Resolution {
	base := cmd.PlaybackRate
	if base <= 0 {
		base = 1
	}

	res := Resolution{Kind: ResolveNone, Rate: base}
	if state.IsPlaying != cmd.IsPlaying {
		playing := cmd.IsPlaying
		res.SetPlaying = &playing
		res.Kind = ResolvePlayback
	}

	drift := cmd.Time - state.Time
	abs := math.Abs(drift)
	// The profile floor overrides a tighter tolerance: players of that class
	// stutter on seeks smaller than it.
	hard := math.Max(cmd.ToleranceSeconds, policy.floor(cmd.Profile))

	switch {
	case abs >= hard:
		if lastSeekAt.IsZero() || now.Sub(lastSeekAt) >= policy.SeekCooldown {
			res.Kind = ResolveSeek
			res.SeekTo = cmd.Time
		}
	case cmd.Force || !state.IsPlaying || !cmd.IsPlaying:
		// play state and base rate only
	case abs > policy.NudgeThresholdSeconds:
		res.Kind = ResolveNudge
		res.Rate = base * (1 + math.Copysign(cmd.NudgePercent/100, drift))
	}

	return res
}
