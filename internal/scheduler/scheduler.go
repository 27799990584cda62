// Package scheduler runs deferred engine actions. The fake implementation
// lets engine tests drive time by hand.
package scheduler

import (
	"sort"
	"sync"
	"time"
)

type Task interface {
	// Stop cancels the task and reports whether it was still pending.
	Stop() bool
}

type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Task
}

type realScheduler struct{}

func Real() Scheduler {
	return realScheduler{}
}

func (realScheduler) Now() time.Time {
	return time.Now()
}

func (realScheduler) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}

type fakeTask struct {
	fake    *Fake
	at      time.Time
	order   int
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTask) Stop() bool {
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Fake is a manually advanced Scheduler. Tasks fire synchronously inside
// Advance, in due order.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	tasks []*fakeTask
	order int
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Task {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.order++
	t := &fakeTask{fake: f, at: f.now.Add(d), order: f.order, f: fn}
	f.tasks = append(f.tasks, t)
	return t
}

// Pending returns the number of tasks that have neither fired nor stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, t := range f.tasks {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing due tasks along the way.
// Tasks scheduled by fired tasks run too if they fall due within d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDue(target)
		if next == nil {
			f.now = target
			f.compact()
			f.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(f.now) {
			f.now = next.at
		}
		f.mu.Unlock()

		next.f()
	}
}

func (f *Fake) nextDue(target time.Time) *fakeTask {
	due := make([]*fakeTask, 0)
	for _, t := range f.tasks {
		if !t.stopped && !t.fired && !t.at.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].order < due[j].order
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

func (f *Fake) compact() {
	live := f.tasks[:0]
	for _, t := range f.tasks {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	f.tasks = live
}
