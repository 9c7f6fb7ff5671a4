package audio

import (
	"encoding/base64"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		fragment string
		expected []float32
	}{
		{
			name:     "empty fragment",
			fragment: "",
			expected: []float32{},
		},
		{
			name:     "odd byte count",
			fragment: "AAAA", // 3 bytes
			expected: []float32{},
		},
		{
			name:     "two silent samples",
			fragment: "AAAAAA==",
			expected: []float32{0, 0},
		},
		{
			name:     "full scale positive and negative",
			fragment: base64.StdEncoding.EncodeToString([]byte{0xFF, 0x7F, 0x01, 0x80}),
			expected: []float32{1.0, -1.0},
		},
		{
			name:     "most negative sample exceeds -1 slightly",
			fragment: base64.StdEncoding.EncodeToString([]byte{0x00, 0x80}),
			expected: []float32{float32(-32768.0 / 32767.0)},
		},
		{
			name:     "invalid base64",
			fragment: "!!not-base64!!",
			expected: []float32{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Decode(tt.fragment)
			require.NotNil(t, result)
			require.Len(t, result, len(tt.expected))
			for i := range result {
				assert.InDelta(t, tt.expected[i], result[i], 1e-6, "index %d", i)
			}
		})
	}
}

func TestDecodeStrictErrors(t *testing.T) {
	_, err := DecodeStrict("!!")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid base64")

	// 3 bytes is not a whole number of samples
	_, err = DecodeStrict(base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be even")
}

func TestEncode(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		assert.Equal(t, "", Encode(nil))
		assert.Equal(t, "", Encode([]float32{}))
	})

	t.Run("clips out of range samples", func(t *testing.T) {
		encoded := Encode([]float32{2.5, -7, 0})
		raw, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xFF, 0x7F, 0x01, 0x80, 0x00, 0x00}, raw)
	})

	t.Run("rounds to nearest", func(t *testing.T) {
		pcm := EncodePCM16([]float32{0.5, -0.5})
		assert.Equal(t, []int16{16384, -16384}, pcm)
	})

	t.Run("NaN becomes silence", func(t *testing.T) {
		pcm := EncodePCM16([]float32{float32(math.NaN())})
		assert.Equal(t, []int16{0}, pcm)
	})
}

func TestSilentSamplesRoundTrip(t *testing.T) {
	silence := base64.StdEncoding.EncodeToString(make([]byte, 20))

	samples := Decode(silence)
	require.Len(t, samples, 10)

	reencoded := Encode(samples)
	assert.Equal(t, silence, reencoded)
}

func TestCodecRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		samples := rapid.SliceOfN(rapid.Float32Range(-1.0, 1.0), 1, 512).Draw(t, "samples")

		decoded := Decode(Encode(samples))
		if len(decoded) != len(samples) {
			t.Fatalf("length mismatch: got %d, want %d", len(decoded), len(samples))
		}

		for i := range samples {
			if diff := math.Abs(float64(decoded[i] - samples[i])); diff > 1.0/32767.0 {
				t.Fatalf("sample %d: |%f - %f| = %g exceeds quantization error", i, decoded[i], samples[i], diff)
			}
		}
	})
}

func TestDecodeNeverPanicsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fragment := rapid.String().Draw(t, "fragment")
		samples := Decode(fragment)
		if samples == nil {
			t.Fatalf("Decode returned nil for %q", fragment)
		}
	})
}
