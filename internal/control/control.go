package control

import (
	"context"
	"time"
)

// RetryBackoffSeconds computes exponential backoff with a fixed cap.
func RetryBackoffSeconds(attempt int) int {
	if attempt <= 0 {
		return 0
	}
	if attempt > 6 {
		return 30
	}
	seconds := 1 << (attempt - 1)
	if seconds > 30 {
		return 30
	}
	return seconds
}

// Backoff is RetryBackoffSeconds as a duration, never shorter than floor.
func Backoff(attempt int, floor time.Duration) time.Duration {
	d := time.Duration(RetryBackoffSeconds(attempt)) * time.Second
	if d < floor {
		return floor
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first. It reports
// whether the full duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
