package peer

import (
	"sync"
	"time"
)

// RateMeter tracks bytes downloaded since the last sample and reports a
// windowed bytes-per-second rate on read, unlike the teacher's exponential
// moving average: the tit-for-tat reselection tick wants the exact rate
// observed during its own interval, not a smoothed trend across ticks.
type RateMeter struct {
	mu          sync.Mutex
	bytes       int64
	sampleEpoch time.Time
}

// AddDownloaded records n freshly-written bytes against the current window.
func (r *RateMeter) AddDownloaded(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sampleEpoch.IsZero() {
		r.sampleEpoch = time.Now()
	}
	r.bytes += int64(n)
}

// GetAndReset returns bytes_downloaded / (now - sample_epoch) in bytes per
// second, then resets the counter and epoch to 0/now.
func (r *RateMeter) GetAndReset() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if r.sampleEpoch.IsZero() {
		r.sampleEpoch = now
		return 0
	}

	elapsed := now.Sub(r.sampleEpoch).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(r.bytes) / elapsed
	}

	r.bytes = 0
	r.sampleEpoch = now
	return rate
}
