// Package audio handles audio ingestion and format conversion.
// It provides the bounded chunk ring used between producers and the feature
// pipeline, sequence reordering for datagram transports, and WAV encoding and
// decoding to mono float32 PCM.
package audio
