package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestEncodeWAV(t *testing.T) {
	// 440Hz sine wave for 0.1 seconds at the realtime API rate
	sampleRate := 24000
	duration := 0.1
	frequency := 440.0

	numSamples := int(float64(sampleRate) * duration)
	samples := make([]int16, numSamples)
	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(16383.0 * math.Sin(2*math.Pi*frequency*t))
	}

	wavData, err := EncodeWAV(samples, sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	expectedSize := 44 + len(samples)*2
	if len(wavData) != expectedSize {
		t.Errorf("Expected WAV size %d, got %d", expectedSize, len(wavData))
	}

	decoded, info, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if info.SampleRate != uint32(sampleRate) {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, info.SampleRate)
	}

	if info.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", info.Channels)
	}

	if math.Abs(info.Duration-duration) > 0.001 {
		t.Errorf("Expected duration %.3f, got %.3f", duration, info.Duration)
	}

	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("Sample %d mismatch: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestEncodeWAVErrors(t *testing.T) {
	if _, err := EncodeWAV(nil, 24000); err == nil {
		t.Error("Expected error for empty samples")
	}

	if _, err := EncodeWAV([]int16{1}, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
}

func TestDecodeWAVSkipsUnknownChunks(t *testing.T) {
	original := []int16{100, -200, 300}
	wavData, err := EncodeWAV(original, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	// Splice a LIST chunk (odd length, so padded) between fmt and data
	list := []byte{'L', 'I', 'S', 'T', 0, 0, 0, 0, 'a', 'b', 'c', 0}
	binary.LittleEndian.PutUint32(list[4:8], 3)

	spliced := make([]byte, 0, len(wavData)+len(list))
	spliced = append(spliced, wavData[:36]...)
	spliced = append(spliced, list...)
	spliced = append(spliced, wavData[36:]...)

	decoded, info, err := DecodeWAV(spliced)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if info.SampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", info.SampleRate)
	}

	if len(decoded) != len(original) {
		t.Fatalf("Expected %d samples, got %d", len(original), len(decoded))
	}
	for i := range original {
		if decoded[i] != original[i] {
			t.Errorf("Sample %d mismatch: expected %d, got %d", i, original[i], decoded[i])
		}
	}
}

func TestDecodeWAVErrors(t *testing.T) {
	valid, err := EncodeWAV([]int16{1, 2, 3, 4}, 24000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	stereo := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint16(stereo[22:24], 2)

	eightBit := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint16(eightBit[34:36], 8)

	noRIFF := append([]byte(nil), valid...)
	copy(noRIFF[0:4], "JUNK")

	tests := []struct {
		name     string
		data     []byte
		errorMsg string
	}{
		{"too short", []byte("RIFF"), "too short"},
		{"missing RIFF", noRIFF, "missing RIFF"},
		{"stereo", stereo, "only mono"},
		{"8-bit", eightBit, "only 16-bit"},
		{"header only", valid[:36], "missing data chunk"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeWAV(tt.data)
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
