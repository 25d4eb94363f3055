package streamutil

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxCheckInterval = 30 * time.Second
	minCheckInterval = time.Millisecond
)

// Watchdog aborts one stream after a period without activity. The timeout
// callback runs at most once, after which the watchdog stops itself.
type Watchdog struct {
	timeout      time.Duration
	lastActivity atomic.Int64
	onTimeout    func()
	fired        atomic.Bool
	stopOnce     sync.Once
	stopCh       chan struct{}
	done         chan struct{}
}

// CheckInterval returns how often a watchdog with timeout polls:
// min(timeout/4, 30s), never below 1ms.
func CheckInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval > maxCheckInterval {
		interval = maxCheckInterval
	}
	if interval < minCheckInterval {
		interval = minCheckInterval
	}
	return interval
}

// NewWatchdog starts watching. A non-positive timeout yields a watchdog that
// never fires.
func NewWatchdog(timeout time.Duration, onTimeout func()) *Watchdog {
	w := &Watchdog{
		timeout:   timeout,
		onTimeout: onTimeout,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	w.Touch()
	if timeout <= 0 {
		close(w.done)
		return w
	}
	go w.loop(CheckInterval(timeout))
	return w
}

// Touch records activity.
func (w *Watchdog) Touch() {
	w.lastActivity.Store(time.Now().UnixNano())
}

// Fired reports whether the timeout callback ran.
func (w *Watchdog) Fired() bool {
	return w.fired.Load()
}

// Stop releases the ticker. Safe to call more than once and from the
// timeout callback.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Done is closed once the watchdog goroutine has exited.
func (w *Watchdog) Done() <-chan struct{} {
	return w.done
}

func (w *Watchdog) loop(interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case now := <-ticker.C:
			idle := time.Duration(now.UnixNano() - w.lastActivity.Load())
			if idle <= w.timeout {
				continue
			}
			if w.fired.CompareAndSwap(false, true) && w.onTimeout != nil {
				w.onTimeout()
			}
			w.Stop()
			return
		}
	}
}
