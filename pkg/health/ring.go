package health

import (
	"sync"
	"time"
)

// Record is the outcome of one health probe.
type Record struct {
	Timestamp time.Time     `json:"timestamp"`
	Latency   time.Duration `json:"latencyMs"`
	OK        bool          `json:"ok"`
	Reason    string        `json:"reason,omitempty"`
}

// ring is a fixed-size probe history. Oldest records fall off the end.
type ring struct {
	mu    sync.Mutex
	buf   []Record
	next  int
	count int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1
	}
	return &ring{buf: make([]Record, size)}
}

func (r *ring) add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// list returns records oldest first.
func (r *ring) list() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
