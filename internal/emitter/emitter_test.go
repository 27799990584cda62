package emitter

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sharetube/lockstep/internal/probe"
	"github.com/sharetube/lockstep/internal/protocol"
	"github.com/sharetube/lockstep/internal/sequencer"
	"github.com/sharetube/lockstep/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	messages []protocol.Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg protocol.Message) error {
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingPublisher) types() []string {
	types := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		types = append(types, m.Type())
	}
	return types
}

func (p *recordingPublisher) reset() {
	p.messages = nil
}

type testEmitter struct {
	*Emitter
	pub *recordingPublisher
	now time.Time
}

func newTestEmitter() *testEmitter {
	te := &testEmitter{pub: &recordingPublisher{}, now: time.UnixMilli(1_700_000_000_000)}
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return te.now }
	te.Emitter = New(te.pub, cfg, telemetry.NewRing(16), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return te
}

func (te *testEmitter) advance(d time.Duration) {
	te.now = te.now.Add(d)
}

func playing(t float64) probe.State {
	return probe.State{
		Url:          "https://www.youtube.com/watch?v=abc",
		MediaId:      "abc",
		Platform:     "youtube",
		Time:         t,
		IsPlaying:    true,
		PlaybackRate: 1,
	}
}

func paused(t float64) probe.State {
	s := playing(t)
	s.IsPlaying = false
	return s
}

func TestFirstObservationEmitsSnapshot(t *testing.T) {
	te := newTestEmitter()

	em, err := te.Observe(context.Background(), probe.ReasonPlay, playing(10), false)
	require.NoError(t, err)
	require.NotNil(t, em.Snapshot)
	assert.Equal(t, uint64(1), em.Snapshot.Seq)
	assert.Equal(t, "youtube", em.Snapshot.SyncProfile)
	assert.Equal(t, te.now.UnixMilli(), em.Snapshot.CapturedAt)
	assert.Equal(t, []string{protocol.TypeHostSnapshot}, te.pub.types())
}

func TestForceEmitsAnchors(t *testing.T) {
	te := newTestEmitter()
	_, err := te.Observe(context.Background(), probe.ReasonPlay, playing(10), false)
	require.NoError(t, err)
	te.pub.reset()

	te.advance(100 * time.Millisecond)
	em, err := te.Observe(context.Background(), probe.ReasonTick, playing(10.1), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), em.Snapshot.Seq)
	assert.Equal(t, []string{
		protocol.TypeForceSnapshot,
		protocol.TypeSetReferenceTime,
		protocol.TypePlayIntent,
	}, te.pub.types())

	ref := te.pub.messages[1].(protocol.SetReferenceTime)
	assert.Equal(t, protocol.ReferenceSourceInitial, ref.Source)
	assert.Equal(t, 10.1, ref.TimeSeconds)
	intent := te.pub.messages[2].(protocol.PlayIntent)
	assert.Greater(t, intent.Seq, ref.Seq)
}

func TestHeartbeatFallback(t *testing.T) {
	te := newTestEmitter()
	_, err := te.Observe(context.Background(), probe.ReasonPlay, playing(10), false)
	require.NoError(t, err)

	te.advance(time.Second)
	em, err := te.Observe(context.Background(), probe.ReasonTick, playing(11), false)
	require.NoError(t, err)
	assert.Equal(t, "heartbeat_fallback", em.Skipped)

	te.advance(600 * time.Millisecond)
	em, err = te.Observe(context.Background(), probe.ReasonTick, playing(11.6), false)
	require.NoError(t, err)
	assert.Empty(t, em.Skipped)
	assert.Equal(t, uint64(2), em.Snapshot.Seq)
}

func TestRateLimiterWhilePlaying(t *testing.T) {
	te := newTestEmitter()
	_, err := te.Observe(context.Background(), probe.ReasonPlay, playing(10), false)
	require.NoError(t, err)

	te.advance(300 * time.Millisecond)
	em, err := te.Observe(context.Background(), probe.ReasonSeek, playing(10.5), false)
	require.NoError(t, err)
	assert.Equal(t, "rate_limited", em.Skipped)

	te.pub.reset()
	em, err = te.Observe(context.Background(), probe.ReasonSeek, playing(42), false)
	require.NoError(t, err)
	assert.Empty(t, em.Skipped)
	assert.Equal(t, []string{protocol.TypeHostSnapshot, protocol.TypeSetReferenceTime}, te.pub.types())
	assert.Equal(t, protocol.ReferenceSourceSeek, te.pub.messages[1].(protocol.SetReferenceTime).Source)
}

func TestRateLimiterWhilePaused(t *testing.T) {
	te := newTestEmitter()
	_, err := te.Observe(context.Background(), probe.ReasonPause, paused(10), false)
	require.NoError(t, err)

	te.advance(time.Second)
	em, err := te.Observe(context.Background(), probe.ReasonSeek, paused(10.2), false)
	require.NoError(t, err)
	assert.Equal(t, "rate_limited", em.Skipped)

	em, err = te.Observe(context.Background(), probe.ReasonSeek, paused(10.5), false)
	require.NoError(t, err)
	assert.Empty(t, em.Skipped)
}

func TestPlayStateFlipEmitsIntent(t *testing.T) {
	te := newTestEmitter()
	_, err := te.Observe(context.Background(), probe.ReasonPlay, playing(10), false)
	require.NoError(t, err)
	te.pub.reset()

	te.advance(100 * time.Millisecond)
	_, err = te.Observe(context.Background(), probe.ReasonPause, paused(10.1), false)
	require.NoError(t, err)
	require.Equal(t, []string{protocol.TypeHostSnapshot, protocol.TypePauseIntent}, te.pub.types())
	first := te.pub.messages[1].(protocol.PauseIntent)
	assert.Equal(t, uint64(1), first.Seq)

	te.pub.reset()
	te.advance(100 * time.Millisecond)
	_, err = te.Observe(context.Background(), probe.ReasonPlay, playing(10.1), false)
	require.NoError(t, err)
	require.Equal(t, []string{protocol.TypeHostSnapshot, protocol.TypePlayIntent}, te.pub.types())
	assert.Equal(t, uint64(2), te.pub.messages[1].(protocol.PlayIntent).Seq)
}

func TestMediaChangeNavigates(t *testing.T) {
	te := newTestEmitter()
	_, err := te.Observe(context.Background(), probe.ReasonPlay, playing(300), false)
	require.NoError(t, err)
	te.pub.reset()

	next := playing(0.4)
	next.Url = "https://www.youtube.com/watch?v=xyz"
	next.MediaId = "xyz"
	te.advance(50 * time.Millisecond)
	_, err = te.Observe(context.Background(), probe.ReasonNavigation, next, false)
	require.NoError(t, err)

	require.Equal(t, []string{
		protocol.TypeNavigate,
		protocol.TypeHostSnapshot,
		protocol.TypeSetReferenceTime,
		protocol.TypePauseIntent,
	}, te.pub.types())
	nav := te.pub.messages[0].(protocol.Navigate)
	assert.Equal(t, uint64(1), nav.Seq)
	assert.Equal(t, "xyz", nav.MediaId)
	assert.Equal(t, 0.0, te.pub.messages[2].(protocol.SetReferenceTime).TimeSeconds)
	assert.Equal(t, 0.0, te.pub.messages[3].(protocol.PauseIntent).TimeSeconds)
}

func TestForcedMediaChangeAnchorsNewMedia(t *testing.T) {
	te := newTestEmitter()
	_, err := te.Observe(context.Background(), probe.ReasonPlay, playing(300), false)
	require.NoError(t, err)
	te.pub.reset()

	next := playing(12)
	next.Url = "https://www.youtube.com/watch?v=xyz"
	next.MediaId = "xyz"
	te.advance(50 * time.Millisecond)
	_, err = te.Observe(context.Background(), probe.ReasonNavigation, next, true)
	require.NoError(t, err)

	require.Equal(t, []string{
		protocol.TypeNavigate,
		protocol.TypeForceSnapshot,
		protocol.TypeSetReferenceTime,
		protocol.TypePauseIntent,
	}, te.pub.types())
	ref := te.pub.messages[2].(protocol.SetReferenceTime)
	assert.Equal(t, 0.0, ref.TimeSeconds)
	assert.Equal(t, protocol.ReferenceSourceInitial, ref.Source)
	intent := te.pub.messages[3].(protocol.PauseIntent)
	assert.Equal(t, 0.0, intent.TimeSeconds)
	assert.Greater(t, intent.Seq, ref.Seq)
}

func TestAdTransitionsEmitNoIntents(t *testing.T) {
	te := newTestEmitter()
	ctx := context.Background()

	inAd := func(s probe.State) probe.State {
		s.InAd = true
		return s
	}

	steps := []struct {
		name    string
		advance time.Duration
		reason  probe.Reason
		state   probe.State
		force   bool
		want    []string
	}{
		{"content plays", 0, probe.ReasonPlay, playing(100), false, []string{protocol.TypeHostSnapshot}},
		{"ad starts paused", 2 * time.Second, probe.ReasonAdStart, inAd(paused(0)), false, []string{protocol.TypeHostSnapshot}},
		{"ad plays", 2 * time.Second, probe.ReasonPlay, inAd(playing(0)), false, []string{protocol.TypeHostSnapshot}},
		{"forced during ad", 500 * time.Millisecond, probe.ReasonTick, inAd(playing(0.5)), true, []string{protocol.TypeForceSnapshot}},
		{"ad ends", 2 * time.Second, probe.ReasonAdEnd, playing(100), false, []string{protocol.TypeHostSnapshot}},
		{"content pauses", 2 * time.Second, probe.ReasonPause, paused(102), false, []string{protocol.TypeHostSnapshot, protocol.TypePauseIntent}},
	}

	for _, step := range steps {
		te.pub.reset()
		te.advance(step.advance)

		em, err := te.Observe(ctx, step.reason, step.state, step.force)
		require.NoError(t, err, step.name)
		assert.Empty(t, em.Skipped, step.name)
		assert.Equal(t, step.want, te.pub.types(), step.name)
	}
}

func TestResetRestartsSequences(t *testing.T) {
	te := newTestEmitter()
	ctx := context.Background()
	viewer := sequencer.New()

	for i := 0; i < 4; i++ {
		em, err := te.Observe(ctx, probe.ReasonTick, playing(float64(10+2*i)), true)
		require.NoError(t, err)
		viewer.AcceptSnapshot(*em.Snapshot)
		te.advance(2 * time.Second)
	}
	require.Equal(t, uint64(4), viewer.LastSnapshotSeq())

	te.Reset()
	te.pub.reset()

	em, err := te.Observe(ctx, probe.ReasonTick, playing(40), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), em.Snapshot.Seq)
	assert.Equal(t, uint64(1), te.pub.messages[1].(protocol.SetReferenceTime).Seq)
	assert.Equal(t, uint64(2), te.pub.messages[2].(protocol.PlayIntent).Seq)
	assert.Equal(t, sequencer.Reset, viewer.AcceptSnapshot(*em.Snapshot))
}

func TestBackwardNoiseSuppressed(t *testing.T) {
	te := newTestEmitter()
	_, err := te.Observe(context.Background(), probe.ReasonPlay, playing(100), false)
	require.NoError(t, err)

	te.advance(2 * time.Second)
	em, err := te.Observe(context.Background(), probe.ReasonTick, playing(95), false)
	require.NoError(t, err)
	assert.Equal(t, "backward_noise", em.Skipped)

	// The same jump reported as a seek is real.
	em, err = te.Observe(context.Background(), probe.ReasonSeek, playing(95), false)
	require.NoError(t, err)
	assert.Empty(t, em.Skipped)
}

func TestBackwardNoiseGatedDuringAds(t *testing.T) {
	te := newTestEmitter()
	_, err := te.Observe(context.Background(), probe.ReasonPlay, playing(100), false)
	require.NoError(t, err)

	ad := playing(3)
	ad.InAd = true
	te.advance(2 * time.Second)
	em, err := te.Observe(context.Background(), probe.ReasonAdStart, ad, false)
	require.NoError(t, err)
	assert.Empty(t, em.Skipped)
	assert.True(t, em.Snapshot.InAd)
}

func TestSkipsAreRecorded(t *testing.T) {
	te := newTestEmitter()
	_, err := te.Observe(context.Background(), probe.ReasonPlay, playing(10), false)
	require.NoError(t, err)
	te.advance(100 * time.Millisecond)
	_, err = te.Observe(context.Background(), probe.ReasonTick, playing(10.1), false)
	require.NoError(t, err)

	entries := te.ring.Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, telemetry.KindEmit, entries[0].Kind)
	assert.Equal(t, telemetry.KindSkip, entries[1].Kind)
}
