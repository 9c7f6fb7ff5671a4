package vad

import (
	"testing"
)

func tone(n int, amplitude int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = amplitude
		} else {
			out[i] = -amplitude
		}
	}
	return out
}

func TestNewDetectorValidation(t *testing.T) {
	tests := []struct {
		name       string
		threshold  float64
		windowSize int
		expectErr  bool
	}{
		{"valid parameters", 0.5, 480, false},
		{"threshold too low", -0.1, 480, true},
		{"threshold too high", 1.1, 480, true},
		{"zero window", 0.5, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDetector(tt.threshold, tt.windowSize)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestProbability(t *testing.T) {
	if p := Probability(nil); p != 0 {
		t.Errorf("Expected 0 for empty input, got %f", p)
	}
	if p := Probability(make([]int16, 100)); p != 0 {
		t.Errorf("Expected 0 for silence, got %f", p)
	}
	if p := Probability(tone(100, 5000)); p < 0.49 || p > 0.51 {
		t.Errorf("Expected about 0.5 for half-scale tone, got %f", p)
	}
	if p := Probability(tone(100, 32767)); p != 1 {
		t.Errorf("Expected clamp to 1, got %f", p)
	}
}

func TestSpeechSpan(t *testing.T) {
	d, err := NewDetector(0.2, 100)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	// 300 silent, 200 voiced, 500 silent
	samples := append(make([]int16, 300), tone(200, 8000)...)
	samples = append(samples, make([]int16, 500)...)

	span, stats, ok := d.SpeechSpan(samples, 50)
	if !ok {
		t.Fatal("Expected speech to be found")
	}
	if span.Start != 250 || span.End != 550 {
		t.Errorf("Expected span [250, 550), got [%d, %d)", span.Start, span.End)
	}
	if span.Len() != 300 {
		t.Errorf("Expected length 300, got %d", span.Len())
	}
	if stats.Windows != 10 || stats.VoiceWindows != 2 {
		t.Errorf("Expected 2 of 10 windows voiced, got %d of %d", stats.VoiceWindows, stats.Windows)
	}
	if stats.VoicePercentage != 20 {
		t.Errorf("Expected 20%% voiced, got %f", stats.VoicePercentage)
	}
}

func TestSpeechSpanClampsPadding(t *testing.T) {
	d, _ := NewDetector(0.2, 100)
	samples := tone(250, 8000)

	span, _, ok := d.SpeechSpan(samples, 1000)
	if !ok {
		t.Fatal("Expected speech to be found")
	}
	if span.Start != 0 || span.End != 250 {
		t.Errorf("Expected full span, got [%d, %d)", span.Start, span.End)
	}
}

func TestSpeechSpanSilence(t *testing.T) {
	d, _ := NewDetector(0.2, 100)

	if _, stats, ok := d.SpeechSpan(make([]int16, 1000), 0); ok {
		t.Error("Expected no speech in silence")
	} else if stats.VoiceWindows != 0 {
		t.Errorf("Expected no voiced windows, got %d", stats.VoiceWindows)
	}

	if _, _, ok := d.SpeechSpan(nil, 0); ok {
		t.Error("Expected no speech for empty input")
	}
}

func TestWindowFor(t *testing.T) {
	if got := WindowFor(24000, 20); got != 480 {
		t.Errorf("Expected 480 samples, got %d", got)
	}
	if got := WindowFor(8000, 0); got != 1 {
		t.Errorf("Expected minimum of 1, got %d", got)
	}
}
