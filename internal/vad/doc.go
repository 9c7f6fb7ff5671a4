// Package vad provides an energy-based voice activity detector used to trim
// silence from recorded caller audio before it is replayed upstream. Live
// sessions rely on the realtime API's server-side VAD instead.
package vad
