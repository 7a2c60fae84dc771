package agent

import "sync"

// RingBuffer is a bounded byte buffer that evicts its oldest bytes on
// overflow. Eviction is reported once per overflow burst so the supervisor
// can emit a single outputTruncated marker rather than one per write.
type RingBuffer struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	evicted int64
	inBurst bool
}

// NewRingBuffer returns a ring bounded at max bytes.
func NewRingBuffer(max int) *RingBuffer {
	if max < 1 {
		max = 1
	}
	return &RingBuffer{max: max}
}

// Write appends p, evicting from the front when the bound is exceeded.
// It reports true exactly once per contiguous run of evicting writes.
func (r *RingBuffer) Write(p []byte) (truncated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, p...)
	if len(r.buf) <= r.max {
		r.inBurst = false
		return false
	}

	drop := len(r.buf) - r.max
	r.evicted += int64(drop)
	r.buf = append(r.buf[:0:0], r.buf[drop:]...)

	first := !r.inBurst
	r.inBurst = true
	return first
}

// Bytes returns a copy of the retained window.
func (r *RingBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.buf...)
}

// String returns the retained window as a string.
func (r *RingBuffer) String() string {
	return string(r.Bytes())
}

// Evicted returns the total bytes dropped so far.
func (r *RingBuffer) Evicted() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}
