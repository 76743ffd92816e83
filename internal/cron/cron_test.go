package cron

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerFiresEveryInterval(t *testing.T) {
	var count int64
	r := NewRunner()
	if err := r.Every(20*time.Millisecond, func() { atomic.AddInt64(&count, 1) }); err != nil {
		t.Fatalf("Every: %v", err)
	}
	r.Start()
	time.Sleep(70 * time.Millisecond)
	r.Stop()

	if atomic.LoadInt64(&count) < 2 {
		t.Errorf("expected at least 2 firings in 70ms at a 20ms interval, got %d", count)
	}
}

func TestRunnerStopWaitsForInFlightJob(t *testing.T) {
	var finished int32
	r := NewRunner()
	if err := r.Every(10*time.Millisecond, func() {
		time.Sleep(30 * time.Millisecond)
		atomic.StoreInt32(&finished, 1)
	}); err != nil {
		t.Fatalf("Every: %v", err)
	}
	r.Start()
	time.Sleep(15 * time.Millisecond)
	r.Stop()

	if atomic.LoadInt32(&finished) != 1 {
		t.Errorf("expected Stop to block until the in-flight job finished")
	}
}
