package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeFiresInOrder(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	var fired []string

	f.AfterFunc(300*time.Millisecond, func() { fired = append(fired, "b") })
	f.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "a") })
	stopped := f.AfterFunc(200*time.Millisecond, func() { fired = append(fired, "x") })

	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	f.Advance(150 * time.Millisecond)
	assert.Equal(t, []string{"a"}, fired)
	assert.Equal(t, 1, f.Pending())

	f.Advance(time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 0, f.Pending())
	assert.Equal(t, time.Unix(0, 0).Add(1150*time.Millisecond), f.Now())
}

func TestFakeRunsChainedTasks(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	var at []time.Duration

	f.AfterFunc(100*time.Millisecond, func() {
		at = append(at, f.Now().Sub(time.Unix(0, 0)))
		f.AfterFunc(100*time.Millisecond, func() {
			at = append(at, f.Now().Sub(time.Unix(0, 0)))
		})
	})

	f.Advance(250 * time.Millisecond)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, at)
}

func TestRealSchedulerStop(t *testing.T) {
	task := Real().AfterFunc(time.Hour, func() {})
	assert.True(t, task.Stop())
}
