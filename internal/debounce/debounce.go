// Package debounce provides a keyed, cancellable delayed-task scheduler.
// Scheduling a task for a key replaces whatever was pending for that key,
// so a burst of requests collapses into a single run of the newest task.
package debounce

import (
	"sync"
	"time"
)

type task struct {
	timer *time.Timer
	fn    func()
	gen   uint64
}

// Keyed schedules at most one pending task per key.
// It is safe for concurrent use.
type Keyed[K comparable] struct {
	mu      sync.Mutex
	tasks   map[K]*task
	gen     uint64
	stopped bool
}

// New creates an empty Keyed scheduler.
func New[K comparable]() *Keyed[K] {
	return &Keyed[K]{
		tasks: make(map[K]*task),
	}
}

// Schedule runs fn after delay unless another Schedule, Cancel or Flush for
// the same key happens first. A pending task for key is cancelled and replaced.
// It reports false, leaving fn unscheduled, after Stop.
func (d *Keyed[K]) Schedule(key K, delay time.Duration, fn func()) bool {
	if fn == nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}

	if prev, ok := d.tasks[key]; ok {
		prev.timer.Stop()
	}

	d.gen++
	t := &task{fn: fn, gen: d.gen}
	gen := d.gen
	t.timer = time.AfterFunc(delay, func() {
		d.fire(key, gen)
	})
	d.tasks[key] = t
	return true
}

// fire runs the task for key if it is still the one scheduled under gen.
// A timer that lost the race against a replacement finds a newer gen and exits.
func (d *Keyed[K]) fire(key K, gen uint64) {
	d.mu.Lock()
	t, ok := d.tasks[key]
	if !ok || t.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.tasks, key)
	d.mu.Unlock()

	t.fn()
}

// Cancel drops the pending task for key. It reports whether one was pending.
func (d *Keyed[K]) Cancel(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(d.tasks, key)
	return true
}

// CancelAll drops every pending task and returns how many were dropped.
func (d *Keyed[K]) CancelAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.tasks)
	for key, t := range d.tasks {
		t.timer.Stop()
		delete(d.tasks, key)
	}
	return n
}

// FlushKey runs the pending task for key immediately, on the caller's goroutine.
func (d *Keyed[K]) FlushKey(key K) bool {
	d.mu.Lock()
	t, ok := d.tasks[key]
	if ok {
		t.timer.Stop()
		delete(d.tasks, key)
	}
	d.mu.Unlock()

	if ok {
		t.fn()
	}
	return ok
}

// Flush runs every pending task immediately, on the caller's goroutine,
// and returns how many ran.
func (d *Keyed[K]) Flush() int {
	d.mu.Lock()
	pending := make([]*task, 0, len(d.tasks))
	for key, t := range d.tasks {
		t.timer.Stop()
		pending = append(pending, t)
		delete(d.tasks, key)
	}
	d.mu.Unlock()

	for _, t := range pending {
		t.fn()
	}
	return len(pending)
}

// Pending returns the number of scheduled tasks.
func (d *Keyed[K]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// IsPending reports whether a task is scheduled for key.
func (d *Keyed[K]) IsPending(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tasks[key]
	return ok
}

// Stop cancels every pending task and rejects further scheduling.
// Safe to call multiple times.
func (d *Keyed[K]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for key, t := range d.tasks {
		t.timer.Stop()
		delete(d.tasks, key)
	}
}
