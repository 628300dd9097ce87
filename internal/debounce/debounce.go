// Package debounce coalesces bursts of triggers into a single callback after
// a quiet period.
package debounce

import (
	"sync"
	"time"
)

// afterFunc is swapped out by tests to control timer firing.
var afterFunc = time.AfterFunc

type Debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
	gen   uint64
	fn    func()
}

func New(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

// Trigger schedules the callback after the delay, replacing any pending
// schedule. A callback from a superseded schedule never runs.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = afterFunc(d.delay, func() {
		d.mu.Lock()
		stale := gen != d.gen || d.timer == nil
		d.mu.Unlock()
		if !stale {
			d.fn()
		}
	})
}

// Stop cancels any pending schedule.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

// Ensure lazily initializes *d and returns it. An already-initialized
// debouncer keeps its original callback.
func Ensure(d **Debouncer, delay time.Duration, fn func()) *Debouncer {
	if *d == nil {
		*d = New(delay, fn)
	}
	return *d
}
