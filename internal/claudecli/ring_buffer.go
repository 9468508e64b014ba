package claudecli

import "sync"

// LineRing is a fixed-capacity buffer of output lines drained from the
// CLI subprocess. When full, the oldest lines are overwritten so the
// drain goroutine never blocks and memory stays bounded, even when no
// exchange is in flight to consume the output. Safe for concurrent use.
type LineRing struct {
	mu    sync.Mutex
	lines []string
	cap   int
	start int
	count int
}

// NewLineRing allocates a ring holding at most capacity lines.
func NewLineRing(capacity int) *LineRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &LineRing{
		lines: make([]string, capacity),
		cap:   capacity,
	}
}

// Append adds a line, evicting the oldest when the ring is full.
func (r *LineRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < r.cap {
		r.lines[(r.start+r.count)%r.cap] = line
		r.count++
		return
	}
	r.lines[r.start] = line
	r.start = (r.start + 1) % r.cap
}

// Drain returns all buffered lines oldest first and clears the ring.
func (r *LineRing) Drain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	out := make([]string, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.lines[(r.start+i)%r.cap]
	}
	r.start = 0
	r.count = 0
	return out
}

// Len returns the number of buffered lines.
func (r *LineRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Reset clears the ring without returning its contents.
func (r *LineRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = 0
	r.count = 0
}
