package policy

import "time"

// windowSeconds is the span of the sliding request window.
const windowSeconds = 60

// slidingWindow counts events over a rolling minute using per-second buckets.
// Not safe for concurrent use; the engine serializes access per definition.
type slidingWindow struct {
	limit   int
	buckets [windowSeconds]int
	seconds [windowSeconds]int64
}

func newSlidingWindow(limit int) *slidingWindow {
	return &slidingWindow{limit: limit}
}

// allow records one event at now if the rolling-minute count is below the
// limit. Returns false without recording when the window is full.
func (w *slidingWindow) allow(now time.Time) bool {
	if w.limit <= 0 {
		return true
	}
	sec := now.Unix()
	idx := int(sec % windowSeconds)
	if w.seconds[idx] != sec {
		w.buckets[idx] = 0
		w.seconds[idx] = sec
	}
	if w.count(sec) >= w.limit {
		return false
	}
	w.buckets[idx]++
	return true
}

// count sums buckets still inside the window ending at sec.
func (w *slidingWindow) count(sec int64) int {
	total := 0
	for i := 0; i < windowSeconds; i++ {
		if sec-w.seconds[i] < windowSeconds {
			total += w.buckets[i]
		}
	}
	return total
}
