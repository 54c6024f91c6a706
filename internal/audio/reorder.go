package audio

import (
	"fmt"
	"sync"
	"time"
)

// Reorderer restores sequence order for audio packets arriving over an
// unordered transport. Packets are released only in sequence order; a gap wider
// than maxGap is declared lost so the stream keeps moving.
type Reorderer struct {
	streamID uint32

	lastSeq     uint32               // Last released sequence number
	expectedSeq uint32               // Next sequence number to release
	pending     map[uint32][]float32 // Out-of-order packets awaiting release
	started     bool

	maxGap uint32 // Maximum sequence gap to wait for

	lastUpdate   time.Time
	totalPackets uint32
	lostCount    uint32
	duplicates   uint32

	mu sync.Mutex
}

// ReorderStats represents reordering statistics for monitoring
type ReorderStats struct {
	StreamID     uint32  `json:"stream_id"`
	TotalPackets uint32  `json:"total_packets"`
	LostPackets  uint32  `json:"lost_packets"`
	Duplicates   uint32  `json:"duplicates"`
	LossRate     float64 `json:"loss_rate"`
	PendingSeqs  int     `json:"pending_sequences"`
	LastSequence uint32  `json:"last_sequence"`
}

// NewReorderer creates a reorderer for one stream
func NewReorderer(streamID uint32, maxGap uint32) *Reorderer {
	if maxGap == 0 {
		maxGap = 20
	}

	return &Reorderer{
		streamID:   streamID,
		pending:    make(map[uint32][]float32),
		maxGap:     maxGap,
		lastUpdate: time.Now(),
	}
}

// Add accepts one packet and returns the packets now releasable, in order.
// Old or duplicate packets are rejected with an error and release nothing.
func (r *Reorderer) Add(sequence uint32, samples []float32) ([][]float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastUpdate = time.Now()
	r.totalPackets++

	if !r.started {
		r.started = true
		r.expectedSeq = sequence
		r.lastSeq = sequence - 1
	}

	switch {
	case sequence == r.expectedSeq:
		ready := [][]float32{samples}
		r.lastSeq = sequence
		r.expectedSeq = sequence + 1
		return r.drainPending(ready), nil

	case sequence > r.expectedSeq:
		if _, dup := r.pending[sequence]; dup {
			r.duplicates++
			return nil, fmt.Errorf("duplicate packet: seq=%d", sequence)
		}
		r.pending[sequence] = samples

		if sequence-r.expectedSeq > r.maxGap {
			r.skipTo(r.lowestPending())
			return r.drainPending(nil), nil
		}
		return nil, nil

	default:
		r.duplicates++
		return nil, fmt.Errorf("ignoring old/duplicate packet: seq=%d, lastSeq=%d", sequence, r.lastSeq)
	}
}

// Flush releases every pending packet in sequence order, counting the holes
// between them as lost. Used when the stream ends.
func (r *Reorderer) Flush() [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ready [][]float32
	for len(r.pending) > 0 {
		r.skipTo(r.lowestPending())
		ready = r.drainPending(ready)
	}
	return ready
}

// skipTo declares everything before seq lost
func (r *Reorderer) skipTo(seq uint32) {
	if seq > r.expectedSeq {
		r.lostCount += seq - r.expectedSeq
		r.expectedSeq = seq
	}
}

func (r *Reorderer) lowestPending() uint32 {
	first := true
	var lowest uint32
	for seq := range r.pending {
		if first || seq < lowest {
			lowest = seq
			first = false
		}
	}
	return lowest
}

// drainPending appends consecutive buffered packets to ready
func (r *Reorderer) drainPending(ready [][]float32) [][]float32 {
	for {
		samples, ok := r.pending[r.expectedSeq]
		if !ok {
			return ready
		}
		ready = append(ready, samples)
		delete(r.pending, r.expectedSeq)
		r.lastSeq = r.expectedSeq
		r.expectedSeq++
	}
}

// GetStats returns current reordering statistics
func (r *Reorderer) GetStats() ReorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	lossRate := float64(0)
	if r.totalPackets > 0 {
		lossRate = float64(r.lostCount) / float64(r.totalPackets+r.lostCount) * 100
	}

	return ReorderStats{
		StreamID:     r.streamID,
		TotalPackets: r.totalPackets,
		LostPackets:  r.lostCount,
		Duplicates:   r.duplicates,
		LossRate:     lossRate,
		PendingSeqs:  len(r.pending),
		LastSequence: r.lastSeq,
	}
}

// GetLastUpdate returns the time of the last packet
func (r *Reorderer) GetLastUpdate() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUpdate
}
