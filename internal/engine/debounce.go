package engine

import (
	"sync"
	"time"
)

// Debouncer schedules a function after a quiet period. A newer Trigger
// replaces a pending one.
type Debouncer interface {
	Trigger(fn func())
	Stop()
}

// TimerDebouncer debounces with time.AfterFunc.
type TimerDebouncer struct {
	delay   time.Duration
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewTimerDebouncer creates a debouncer with the given quiet period.
func NewTimerDebouncer(delay time.Duration) *TimerDebouncer {
	return &TimerDebouncer{delay: delay}
}

// Trigger schedules fn, cancelling any pending call.
func (d *TimerDebouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, fn)
}

// Stop cancels the pending call and ignores later triggers.
func (d *TimerDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// ManualDebouncer holds the latest triggered function until Fire is called.
// Hosts that drive their own frame loop use it instead of a timer.
type ManualDebouncer struct {
	mu      sync.Mutex
	pending func()
	stopped bool
}

// Trigger replaces the pending function.
func (d *ManualDebouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.stopped {
		d.pending = fn
	}
}

// Fire runs the pending function, if any, and reports whether one ran.
func (d *ManualDebouncer) Fire() bool {
	d.mu.Lock()
	fn := d.pending
	d.pending = nil
	d.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

// Pending reports whether a function is waiting.
func (d *ManualDebouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// Stop drops the pending function and ignores later triggers.
func (d *ManualDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = nil
}
