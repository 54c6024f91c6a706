// Package engine owns analysis sessions and exposes the similarity
// operations used by the ingest server and the CLI.
//
// An Engine is an explicit instance; there is no package-level registry.
// Each session has its own ring, extractor, feature sequence and streaming
// alignment, guarded by a per-session mutex. Operations on different sessions
// never contend beyond a read lock on the session map.
//
// Audio flows through a session as follows:
//
//	ProcessAudioChunk -> audio.Ring -> mfcc.Extractor -> dtw.Incremental
//
// A producer enqueues its chunk and then drains the ring only if the session
// lock is free, so it never waits on another producer. Readers see a snapshot
// published after every frame and never take the session lock.
//
// FinalizeSessionAnalysis trims the retained audio with the endpointer,
// re-extracts features and runs a batch alignment. The result is cached and
// returned unchanged by later calls. A chunk that races finalize either made
// it into the scored features or is refused with StatusInvalidParams.
//
// Until finalize, ResetSession discards the attempt so a new one can be
// recorded against the same master, and UnloadMasterCall detaches the master
// while keeping the features.
//
// Every operation returns a Status or a Result; expected failures are never
// panics or bare errors.
package engine
