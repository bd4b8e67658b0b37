package service

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of Trigger calls: the supplied function
// runs once, after the calls have been quiet for the configured
// interval. A new Trigger during the quiet period restarts the clock
// and replaces the pending function.
type Debouncer struct {
	mu    sync.Mutex
	d     time.Duration
	timer *time.Timer
}

func NewDebouncer(d time.Duration) *Debouncer {
	if d <= 0 {
		d = 300 * time.Millisecond
	}
	return &Debouncer{d: d}
}

func (b *Debouncer) Trigger(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.d, fn)
}

// Stop cancels any pending run.
func (b *Debouncer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
