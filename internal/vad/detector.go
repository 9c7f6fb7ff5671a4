package vad

import (
	"fmt"
	"math"
)

// Energy that maps to probability 1.0
const fullScaleRMS = 10000.0

// Detector scores fixed-size windows of PCM16 audio by RMS energy
type Detector struct {
	threshold  float64
	windowSize int
}

// Span is a half-open range of sample indexes [Start, End)
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of samples in the span
func (s Span) Len() int {
	return s.End - s.Start
}

// Stats summarizes a detection pass
type Stats struct {
	Windows         int     `json:"windows"`
	VoiceWindows    int     `json:"voice_windows"`
	VoicePercentage float64 `json:"voice_percentage"`
}

// NewDetector creates a detector. threshold is a probability in [0, 1];
// windowSize is in samples.
func NewDetector(threshold float64, windowSize int) (*Detector, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	return &Detector{threshold: threshold, windowSize: windowSize}, nil
}

// WindowFor returns the window size in samples for ms of audio at sampleRate
func WindowFor(sampleRate, ms int) int {
	n := sampleRate * ms / 1000
	if n < 1 {
		return 1
	}
	return n
}

// Probability returns the normalized RMS energy of samples in [0, 1]
func Probability(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	rms := math.Sqrt(energy / float64(len(samples)))
	return math.Min(rms/fullScaleRMS, 1)
}

// HasVoice reports whether a window crosses the threshold
func (d *Detector) HasVoice(samples []int16) bool {
	return len(samples) > 0 && Probability(samples) >= d.threshold
}

// SpeechSpan finds the range from the first to the last voiced window,
// widened by padding samples on both sides and clamped to the input.
// ok is false when no window is voiced.
func (d *Detector) SpeechSpan(samples []int16, padding int) (span Span, stats Stats, ok bool) {
	first, last := -1, -1

	for start := 0; start < len(samples); start += d.windowSize {
		end := min(start+d.windowSize, len(samples))
		stats.Windows++
		if d.HasVoice(samples[start:end]) {
			stats.VoiceWindows++
			if first < 0 {
				first = start
			}
			last = end
		}
	}

	if stats.Windows > 0 {
		stats.VoicePercentage = float64(stats.VoiceWindows) / float64(stats.Windows) * 100
	}
	if first < 0 {
		return Span{}, stats, false
	}

	span = Span{
		Start: max(first-padding, 0),
		End:   min(last+padding, len(samples)),
	}
	return span, stats, true
}
