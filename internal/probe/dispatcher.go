package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sharetube/lockstep/internal/metrics"
)

type Outcome string

const (
	Dispatched Outcome = "dispatched"
	// Duplicate means the same command was sent moments ago.
	Duplicate Outcome = "duplicate"
	// Redundant means the player is already in the commanded state.
	Redundant Outcome = "redundant"
)

type DispatcherConfig struct {
	RepeatWindow  time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
	Now           func() time.Time
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		RepeatWindow:  400 * time.Millisecond,
		MaxAttempts:   4,
		RetryInterval: 100 * time.Millisecond,
		Now:           time.Now,
	}
}

// Dispatcher delivers commands to a Probe at most once per effect.
type Dispatcher struct {
	probe  Probe
	cfg    DispatcherConfig
	logger *slog.Logger

	mu     sync.Mutex
	last   *Command
	lastAt time.Time
}

func NewDispatcher(p Probe, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	return &Dispatcher{
		probe:  p,
		cfg:    cfg,
		logger: logger,
	}
}

func sameCommand(a, b Command) bool {
	return a.Kind == b.Kind &&
		a.IsPlaying == b.IsPlaying &&
		math.Abs(a.Time-b.Time) < 0.25 &&
		math.Abs(a.PlaybackRate-b.PlaybackRate) < 0.01
}

// Send applies cmd unless it repeats the previous command or the player
// already satisfies it.
func (d *Dispatcher) Send(ctx context.Context, cmd Command) (Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.cfg.Now()
	if d.last != nil && sameCommand(*d.last, cmd) && now.Sub(d.lastAt) < d.cfg.RepeatWindow {
		d.logger.DebugContext(ctx, "duplicate command suppressed", "command", cmd.String())
		return Duplicate, nil
	}

	if cmd.Kind != KindSyncAll {
		var state State
		if err := d.retry(ctx, func() error {
			var err error
			state, err = d.probe.State(ctx)
			return err
		}); err != nil {
			return "", fmt.Errorf("failed to read probe state: %w", err)
		}

		if satisfied(cmd, state) {
			d.logger.DebugContext(ctx, "command already satisfied", "command", cmd.String())
			return Redundant, nil
		}
	}

	if err := d.retry(ctx, func() error {
		return d.probe.Apply(ctx, cmd)
	}); err != nil {
		return "", fmt.Errorf("failed to apply %s: %w", cmd.Kind, err)
	}

	d.last = &cmd
	d.lastAt = now
	return Dispatched, nil
}

// Forget drops the duplicate memory, e.g. after a reconnect.
func (d *Dispatcher) Forget() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.last = nil
	d.lastAt = time.Time{}
}

func satisfied(cmd Command, state State) bool {
	switch cmd.Kind {
	case KindPlay:
		return state.IsPlaying
	case KindPause:
		return !state.IsPlaying
	case KindSeek:
		return math.Abs(state.Time-cmd.Time) <= MinSeekDeltaSeconds
	}
	return false
}

func (d *Dispatcher) retry(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.cfg.RetryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.cfg.MaxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrProbeUnavailable) {
			metrics.ProbeCommandRetries.Inc()
			return err
		}
		return backoff.Permanent(err)
	}, b)
}
