package audio

import (
	"sync"
)

// Chunk is one enqueued block of mono float32 samples
type Chunk struct {
	Seq     uint64    // Assigned at enqueue, strictly increasing
	Samples []float32 // Owned by the ring consumer after dequeue
}

// RingStats represents ring statistics for monitoring
type RingStats struct {
	Capacity  int    `json:"capacity"`
	Queued    int    `json:"queued"`
	Enqueued  uint64 `json:"enqueued"`
	Dequeued  uint64 `json:"dequeued"`
	Dropped   uint64 `json:"dropped"`
	HighWater int    `json:"high_water"`
}

// Ring is a bounded FIFO of audio chunks. Producers never wait: when the ring
// is full TryEnqueue reports false and the chunk is dropped.
type Ring struct {
	slots []Chunk
	mask  int
	head  int // next slot to dequeue
	count int

	nextSeq   uint64
	enqueued  uint64
	dequeued  uint64
	dropped   uint64
	highWater int
	closed    bool

	mu sync.Mutex
}

// NewRing creates a ring holding at least capacity chunks. The capacity is
// rounded up to the next power of two.
func NewRing(capacity int) *Ring {
	size := 2
	for size < capacity {
		size <<= 1
	}

	return &Ring{
		slots: make([]Chunk, size),
		mask:  size - 1,
	}
}

// TryEnqueue copies samples into the ring. It returns false without blocking
// when the ring is full or closed.
func (r *Ring) TryEnqueue(samples []float32) bool {
	_, ok := r.Enqueue(samples)
	return ok
}

// Enqueue is TryEnqueue that also reports the sequence number given to the
// chunk.
func (r *Ring) Enqueue(samples []float32) (seq uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.count == len(r.slots) {
		r.dropped++
		return 0, false
	}

	buf := make([]float32, len(samples))
	copy(buf, samples)

	seq = r.nextSeq
	tail := (r.head + r.count) & r.mask
	r.slots[tail] = Chunk{Seq: seq, Samples: buf}
	r.nextSeq++
	r.count++
	r.enqueued++
	if r.count > r.highWater {
		r.highWater = r.count
	}

	return seq, true
}

// TryDequeue removes the oldest chunk. ok is false when the ring is empty.
func (r *Ring) TryDequeue() (chunk Chunk, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return Chunk{}, false
	}

	chunk = r.slots[r.head]
	r.slots[r.head] = Chunk{}
	r.head = (r.head + 1) & r.mask
	r.count--
	r.dequeued++

	return chunk, true
}

// Len returns the number of queued chunks
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the ring capacity in chunks
func (r *Ring) Cap() int {
	return len(r.slots)
}

// Close rejects further enqueues and releases queued chunks
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for i := range r.slots {
		r.slots[i] = Chunk{}
	}
	r.count = 0
}

// GetStats returns current ring statistics
func (r *Ring) GetStats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RingStats{
		Capacity:  len(r.slots),
		Queued:    r.count,
		Enqueued:  r.enqueued,
		Dequeued:  r.dequeued,
		Dropped:   r.dropped,
		HighWater: r.highWater,
	}
}
