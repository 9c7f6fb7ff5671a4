package audio

import (
	"sync"
	"time"
)

// Assembler accumulates streamed audio fragments for one response in arrival order
// and reassembles them into a single sample sequence on flush
type Assembler struct {
	fragments []string

	// Timing and metadata
	firstAppend time.Time
	lastAppend  time.Time

	// Lifetime counters for monitoring
	totalFragments uint64
	totalFlushes   uint64
	totalSkipped   uint64

	mu sync.Mutex
}

// Flushed is the result of draining an Assembler
type Flushed struct {
	Samples   []float32     // Decoded samples in arrival order
	Fragments int           // Fragments drained by this flush
	Skipped   int           // Fragments that failed to decode
	Span      time.Duration // Time between the first and last append
}

// AssemblerStats represents assembler statistics for monitoring
type AssemblerStats struct {
	Pending        int    `json:"pending_fragments"`
	TotalFragments uint64 `json:"total_fragments"`
	TotalFlushes   uint64 `json:"total_flushes"`
	TotalSkipped   uint64 `json:"total_skipped"`
}

// NewAssembler creates an empty assembler
func NewAssembler() *Assembler {
	return &Assembler{
		fragments: make([]string, 0, 64),
	}
}

// Append stores a fragment. Fragments that cannot be decoded are kept
// and skipped during Flush.
func (a *Assembler) Append(fragment string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if len(a.fragments) == 0 {
		a.firstAppend = now
	}
	a.lastAppend = now
	a.fragments = append(a.fragments, fragment)
	a.totalFragments++
}

// Flush decodes and concatenates all buffered fragments in order and clears the buffer.
// The returned Samples slice is empty (never nil) when nothing decoded.
func (a *Assembler) Flush() Flushed {
	a.mu.Lock()
	fragments := a.fragments
	span := a.lastAppend.Sub(a.firstAppend)
	a.fragments = make([]string, 0, cap(fragments))
	a.totalFlushes++
	a.mu.Unlock()

	result := Flushed{
		Samples:   []float32{},
		Fragments: len(fragments),
	}
	if len(fragments) > 0 {
		result.Span = span
	}

	decoded := make([][]float32, 0, len(fragments))
	total := 0
	for _, fragment := range fragments {
		samples, err := DecodeStrict(fragment)
		if err != nil {
			result.Skipped++
			continue
		}
		if len(samples) == 0 {
			continue
		}
		decoded = append(decoded, samples)
		total += len(samples)
	}

	if total > 0 {
		result.Samples = make([]float32, 0, total)
		for _, samples := range decoded {
			result.Samples = append(result.Samples, samples...)
		}
	}

	if result.Skipped > 0 {
		a.mu.Lock()
		a.totalSkipped += uint64(result.Skipped)
		a.mu.Unlock()
	}

	return result
}

// Reset discards buffered fragments without decoding them
func (a *Assembler) Reset() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := len(a.fragments)
	a.fragments = a.fragments[:0]
	return dropped
}

// Len returns the number of buffered fragments
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.fragments)
}

// GetStats returns current assembler statistics
func (a *Assembler) GetStats() AssemblerStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return AssemblerStats{
		Pending:        len(a.fragments),
		TotalFragments: a.totalFragments,
		TotalFlushes:   a.totalFlushes,
		TotalSkipped:   a.totalSkipped,
	}
}
