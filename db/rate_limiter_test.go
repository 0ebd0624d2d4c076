package db

import "testing"

func TestGenericRateLimiterRequestTracksTotals(t *testing.T) {
	rl := NewGenericRateLimiter(1 << 30) // 1 GiB/s, fast enough not to block the test

	rl.Request(100, IOPriorityHigh)
	rl.Request(50, IOPriorityLow)

	if got := rl.GetTotalBytesThrough(IOPriorityHigh); got != 100 {
		t.Errorf("GetTotalBytesThrough(High) = %d, want 100", got)
	}
	if got := rl.GetTotalBytesThrough(IOPriorityLow); got != 50 {
		t.Errorf("GetTotalBytesThrough(Low) = %d, want 50", got)
	}
	if got := rl.GetTotalRequests(IOPriorityHigh); got != 1 {
		t.Errorf("GetTotalRequests(High) = %d, want 1", got)
	}
}

func TestGenericRateLimiterSetBytesPerSecond(t *testing.T) {
	rl := NewGenericRateLimiter(1000)
	if got := rl.GetBytesPerSecond(); got != 1000 {
		t.Errorf("GetBytesPerSecond = %d, want 1000", got)
	}

	rl.SetBytesPerSecond(2000)
	if got := rl.GetBytesPerSecond(); got != 2000 {
		t.Errorf("GetBytesPerSecond after SetBytesPerSecond = %d, want 2000", got)
	}
}

func TestWriteThroughRateLimiter(t *testing.T) {
	opts := DefaultOptions()
	opts.RateLimiter = NewRateLimiter(RateLimiterOptions{BytesPerSecond: 1 << 30})
	d := openTestDB(t, opts)

	if err := d.Put(DefaultWriteOptions(), []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	limiter := opts.RateLimiter.(*GenericRateLimiter)
	if limiter.GetTotalRequests(IOPriorityHigh) == 0 {
		t.Error("expected the WAL append to have gone through the configured rate limiter")
	}
}
