// Package audio handles PCM16 audio conversion and response reassembly.
// It converts between base64 PCM16 fragments and normalized float samples,
// accumulates streamed fragments in arrival order, and reads/writes WAV files.
package audio
