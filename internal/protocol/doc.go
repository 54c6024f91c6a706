// Package protocol implements the binary packet format of the UDP ingest path.
// Every packet starts with an 8-byte header followed by a typed payload:
// Start opens a session, Audio carries float32 samples, Finalize requests the
// final analysis, End tears the session down and Result carries the reply.
package protocol
