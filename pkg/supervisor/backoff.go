package supervisor

import "time"

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second

	// crashWindow is the rolling window over which automatic restarts are
	// counted against MaxRetries.
	crashWindow = 5 * time.Minute

	// stableAfter is how long an instance must stay Running before its
	// restart budget resets.
	stableAfter = 5 * time.Minute
)

// restartDelay returns the exponential backoff delay before automatic
// restart attempt n (1-based).
func restartDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return backoffBase
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// pruneWindow drops timestamps older than the crash window.
func pruneWindow(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-crashWindow)
	out := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	return out
}
