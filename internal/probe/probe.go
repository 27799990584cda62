// Package probe is the contract between the sync engine and the
// platform-specific player adapter running in the page.
package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/sharetube/lockstep/internal/tuning"
)

// ErrProbeUnavailable is returned by adapters while the page bridge is not
// reachable, e.g. during a navigation. Delivery of such commands is retried.
var ErrProbeUnavailable = errors.New("probe unavailable")

type State struct {
	Url          string  `json:"url"`
	Title        string  `json:"title,omitempty"`
	MediaId      string  `json:"mediaId,omitempty"`
	Platform     string  `json:"platform"`
	Time         float64 `json:"time"`
	IsPlaying    bool    `json:"isPlaying"`
	PlaybackRate float64 `json:"playbackRate"`
	InAd         bool    `json:"inAd"`
}

type Probe interface {
	State(ctx context.Context) (State, error)
	// Apply is fire-and-forget from the engine's point of view; adapters
	// debounce at the DOM level themselves.
	Apply(ctx context.Context, cmd Command) error
}

type Reason string

const (
	ReasonPlay       Reason = "play"
	ReasonPause      Reason = "pause"
	ReasonSeek       Reason = "seek"
	ReasonTick       Reason = "tick"
	ReasonNavigation Reason = "navigation"
	ReasonAdStart    Reason = "ad_start"
	ReasonAdEnd      Reason = "ad_end"
)

// Event is a local playback event reported by the probe.
type Event struct {
	Reason Reason
	State  State
}

type CommandKind string

const (
	KindSeek    CommandKind = "SEEK"
	KindPlay    CommandKind = "PLAY"
	KindPause   CommandKind = "PAUSE"
	KindSyncAll CommandKind = "SYNC_ALL"
)

type Command struct {
	Kind             CommandKind    `json:"kind"`
	Time             float64        `json:"time,omitempty"`
	IsPlaying        bool           `json:"isPlaying,omitempty"`
	PlaybackRate     float64        `json:"playbackRate,omitempty"`
	ToleranceSeconds float64        `json:"toleranceSeconds,omitempty"`
	NudgePercent     float64        `json:"nudgePercent,omitempty"`
	Force            bool           `json:"force,omitempty"`
	Profile          tuning.Profile `json:"profile,omitempty"`
}

func (c Command) String() string {
	switch c.Kind {
	case KindSeek:
		return fmt.Sprintf("SEEK(%.2f)", c.Time)
	case KindSyncAll:
		return fmt.Sprintf("SYNC_ALL(t=%.2f playing=%t rate=%.2f tol=%.2f nudge=%.1f%% force=%t)",
			c.Time, c.IsPlaying, c.PlaybackRate, c.ToleranceSeconds, c.NudgePercent, c.Force)
	}
	return string(c.Kind)
}

func Seek(t float64) Command {
	return Command{Kind: KindSeek, Time: t}
}

func Play() Command {
	return Command{Kind: KindPlay, IsPlaying: true}
}

func Pause() Command {
	return Command{Kind: KindPause}
}

// PlayState returns PLAY or PAUSE for the wanted state.
func PlayState(playing bool) Command {
	if playing {
		return Play()
	}
	return Pause()
}

type SyncAllParams struct {
	Time             float64
	IsPlaying        bool
	PlaybackRate     float64
	ToleranceSeconds float64
	NudgePercent     float64
	Force            bool
	Profile          tuning.Profile
}

func SyncAll(p SyncAllParams) Command {
	rate := p.PlaybackRate
	if rate <= 0 {
		rate = 1
	}

	return Command{
		Kind:             KindSyncAll,
		Time:             p.Time,
		IsPlaying:        p.IsPlaying,
		PlaybackRate:     rate,
		ToleranceSeconds: p.ToleranceSeconds,
		NudgePercent:     p.NudgePercent,
		Force:            p.Force,
		Profile:          p.Profile,
	}
}
