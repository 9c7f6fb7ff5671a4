package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WAVHeader represents the canonical 44-byte header of a PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo describes a decoded WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	NumSamples    uint32  `json:"num_samples"`
}

// EncodeWAV wraps mono PCM-16 samples in a WAV container
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * 2)
	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeWAV reads mono PCM-16 samples from a WAV file.
// Chunks other than "fmt " and "data" (LIST, fact, ...) are skipped.
func DecodeWAV(data []byte) ([]int16, *WAVInfo, error) {
	if len(data) < 12 {
		return nil, nil, fmt.Errorf("WAV data too short: need at least 12 bytes, got %d", len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return nil, nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var (
		info    *WAVInfo
		pcm     []byte
		offset  = 12
		gotData bool
	)

	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		end := body + size
		if end > len(data) {
			// Truncated trailing chunk; take what is there for data.
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, nil, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", end-body)
			}
			format := binary.LittleEndian.Uint16(data[body:])
			if format != 1 {
				return nil, nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", format)
			}
			info = &WAVInfo{
				Channels:      binary.LittleEndian.Uint16(data[body+2:]),
				SampleRate:    binary.LittleEndian.Uint32(data[body+4:]),
				BitsPerSample: binary.LittleEndian.Uint16(data[body+14:]),
			}
		case "data":
			pcm = data[body:end]
			gotData = true
		}

		// Chunks are word aligned.
		offset = body + size + size%2
	}

	if info == nil {
		return nil, nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if !gotData {
		return nil, nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}
	if info.BitsPerSample != 16 {
		return nil, nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", info.BitsPerSample)
	}
	if info.Channels != 1 {
		return nil, nil, fmt.Errorf("unsupported channel count: %d (only mono is supported)", info.Channels)
	}
	if info.SampleRate == 0 {
		return nil, nil, fmt.Errorf("invalid sample rate: 0")
	}

	numSamples := len(pcm) / 2
	if numSamples == 0 {
		return nil, nil, fmt.Errorf("no audio data found")
	}

	samples := make([]int16, numSamples)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}

	info.NumSamples = uint32(numSamples)
	info.Duration = float64(numSamples) / float64(info.SampleRate)

	return samples, info, nil
}
