package reconciler

import (
	"time"

	"github.com/sharetube/lockstep/internal/tuning"
)

// Config holds the empirically tuned levers of the reconciler. Zero values
// are not meaningful; start from DefaultConfig.
type Config struct {
	// SeekIntentSuppress drops play/pause intents racing a fast seek.
	SeekIntentSuppress time.Duration
	// An intent with the same play state as the last one, applied less than
	// DuplicateIntentWindow ago and within DuplicateIntentSeconds of its time,
	// is a re-broadcast.
	DuplicateIntentWindow  time.Duration
	DuplicateIntentSeconds float64
	// IntentRecency is how long a local intent explains a play-state mismatch.
	IntentRecency time.Duration

	SettleWindow           time.Duration
	SettleHoldMultiplier   float64
	SettleHoldFloorSeconds float64

	FollowPlaybackDelay time.Duration

	ProfileBPlayPauseCooldown time.Duration
	ProfileBMaxPlaybackDelay  time.Duration
	ProfileBSeekCooldown      time.Duration
	// ProfileBHugeDriftSeconds bypasses every cooldown.
	ProfileBHugeDriftSeconds float64

	PlayPauseMismatchCooldown time.Duration
	SeekJumpThresholdSeconds  float64

	OverrideRecoveryCooldown time.Duration
	OverrideThresholds       map[tuning.Profile]float64
}

func DefaultConfig() Config {
	return Config{
		SeekIntentSuppress:        850 * time.Millisecond,
		DuplicateIntentWindow:     1100 * time.Millisecond,
		DuplicateIntentSeconds:    0.9,
		IntentRecency:             1300 * time.Millisecond,
		SettleWindow:              1400 * time.Millisecond,
		SettleHoldMultiplier:      1.5,
		SettleHoldFloorSeconds:    1.2,
		FollowPlaybackDelay:       350 * time.Millisecond,
		ProfileBPlayPauseCooldown: 280 * time.Millisecond,
		ProfileBMaxPlaybackDelay:  1200 * time.Millisecond,
		ProfileBSeekCooldown:      1500 * time.Millisecond,
		ProfileBHugeDriftSeconds:  12,
		PlayPauseMismatchCooldown: 600 * time.Millisecond,
		SeekJumpThresholdSeconds:  1.6,
		OverrideRecoveryCooldown:  2500 * time.Millisecond,
		OverrideThresholds: map[tuning.Profile]float64{
			tuning.ProfileA:     1.0,
			tuning.ProfileB:     2.0,
			tuning.ProfileOther: 1.5,
		},
	}
}

// ObservedIntent is the last play state the viewer was driven towards.
type ObservedIntent struct {
	IsPlaying bool
	Time      float64
	At        time.Time
}

// Cooldowns is every timestamp the reconciler gates on. It is replaced as a
// whole on join, host change and sequence reset.
type Cooldowns struct {
	LastAutoSyncAt         time.Time
	LastFastSeekAt         time.Time
	LastFastSeekTarget     float64
	LastIntent             *ObservedIntent
	LastSeekCommandAt      time.Time
	LastPlayPauseAt        time.Time
	LastCommandAt          time.Time
	LastOverrideRecoveryAt time.Time
}

func within(now, at time.Time, d time.Duration) bool {
	return !at.IsZero() && now.Sub(at) < d
}
