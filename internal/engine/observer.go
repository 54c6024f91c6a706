package engine

import (
	"context"
	"time"
)

// DropReason says why a chunk was refused.
type DropReason string

const (
	DropRingFull  DropReason = "ring_full"
	DropAudioCap  DropReason = "audio_cap"
	DropFinalized DropReason = "finalized"
)

// Observer receives engine events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	SessionCreated()
	SessionDestroyed(lifetime time.Duration)
	MasterLoaded(status Status, d time.Duration)
	ChunkProcessed(samples, frames int, d time.Duration)
	ChunkDropped(reason DropReason)
	SessionFinalized(m FinalMetrics, d time.Duration)
	SessionFailed()
}

type nopObserver struct{}

func (nopObserver) SessionCreated() {}
func (nopObserver) SessionDestroyed(time.Duration) {}
func (nopObserver) MasterLoaded(Status, time.Duration) {}
func (nopObserver) ChunkProcessed(int, int, time.Duration) {}
func (nopObserver) ChunkDropped(DropReason) {}
func (nopObserver) SessionFinalized(FinalMetrics, time.Duration) {}
func (nopObserver) SessionFailed() {}

// FinalReport is passed to the finalize hook once per session.
type FinalReport struct {
	SessionID  SessionID
	MasterID   string
	SampleRate int
	Metrics    FinalMetrics
	FinishedAt time.Time
}

// FinalizeHook runs after a session's first successful finalize, outside
// the session lock.
type FinalizeHook func(ctx context.Context, report FinalReport)
