// Package template manages master-call templates: the immutable MFCC
// sequences a session compares against. It provides the binary feature cache
// codec, pluggable byte stores (directory, badger, remote HTTP), a builder that
// turns reference audio into features, and a load-once Library shared by all
// sessions.
package template
