package streamutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestCheckInterval(t *testing.T) {
	cases := []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{4 * time.Second, time.Second},
		{10 * time.Minute, 30 * time.Second},
		{2 * time.Millisecond, time.Millisecond},
		{0, time.Millisecond},
	}
	for _, c := range cases {
		if got := CheckInterval(c.timeout); got != c.want {
			t.Errorf("CheckInterval(%v) = %v, want %v", c.timeout, got, c.want)
		}
	}
}

func TestWatchdogFiresOnce(t *testing.T) {
	var calls atomic.Int32
	w := NewWatchdog(20*time.Millisecond, func() { calls.Add(1) })

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	time.Sleep(60 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Fatalf("fired %d times", got)
	}
	if !w.Fired() {
		t.Error("Fired() = false")
	}
	w.Stop()
}

func TestWatchdogTouchDefersTimeout(t *testing.T) {
	var calls atomic.Int32
	w := NewWatchdog(80*time.Millisecond, func() { calls.Add(1) })
	defer w.Stop()

	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		w.Touch()
	}
	if calls.Load() != 0 {
		t.Fatal("fired while active")
	}
}

func TestWatchdogStopIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	w := NewWatchdog(10*time.Millisecond, func() { calls.Add(1) })
	w.Stop()
	w.Stop()
	<-w.Done()
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("stopped watchdog fired %d times", calls.Load())
	}
}

func TestWatchdogDisabled(t *testing.T) {
	w := NewWatchdog(0, func() { t.Error("disabled watchdog fired") })
	<-w.Done()
	w.Stop()
}
