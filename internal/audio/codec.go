package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// pcm16Scale is the divisor used to normalize signed 16-bit samples into [-1.0, 1.0]
const pcm16Scale = 32767.0

// DecodeStrict decodes a base64 PCM16 (little-endian) fragment into normalized float samples
func DecodeStrict(fragment string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(fragment)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio fragment: %w", err)
	}

	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("audio data length must be even (got %d bytes)", len(raw))
	}

	samples := make([]float32, len(raw)/2)
	for i := range samples {
		sample := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		samples[i] = float32(float64(sample) / pcm16Scale)
	}

	return samples, nil
}

// Decode is DecodeStrict without the error: malformed input yields an empty sequence
func Decode(fragment string) []float32 {
	samples, err := DecodeStrict(fragment)
	if err != nil {
		return []float32{}
	}
	return samples
}

// EncodePCM16 clips samples to [-1.0, 1.0], scales them by 32767 and rounds to int16
func EncodePCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) {
			v = 0
		}
		v = math.Max(-1.0, math.Min(1.0, v))
		out[i] = int16(math.Round(v * pcm16Scale))
	}
	return out
}

// PCM16Bytes serializes int16 samples as little-endian bytes
func PCM16Bytes(samples []int16) []byte {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	return raw
}

// Encode converts normalized samples into a base64 PCM16 fragment.
// An empty input returns an empty string.
func Encode(samples []float32) string {
	if len(samples) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(PCM16Bytes(EncodePCM16(samples)))
}
