// Package vad provides energy-based endpoint detection. It locates the sample
// range of a fully buffered recording that holds signal so that scoring can
// ignore leading and trailing silence.
package vad
