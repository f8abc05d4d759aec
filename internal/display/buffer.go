package display

import "sync"

const defaultBufferCapacity = 1000

// Chunk is one appended piece of text with its sequence number.
type Chunk struct {
	Seq  uint64 `json:"seq"`
	Text string `json:"text"`
}

// Buffer keeps the most recent appended chunks in a ring so remote clients can
// follow the log area. It is safe for concurrent use.
type Buffer struct {
	mu       sync.RWMutex
	chunks   []Chunk
	capacity int
	next     uint64
}

// NewBuffer returns a Buffer retaining up to capacity chunks (default 1000).
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}
	return &Buffer{capacity: capacity, next: 1}
}

func (b *Buffer) Append(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, Chunk{Seq: b.next, Text: text})
	b.next++
	if over := len(b.chunks) - b.capacity; over > 0 {
		b.chunks = append(b.chunks[:0], b.chunks[over:]...)
	}
}

// SetControlsEnabled is a no-op; remote clients read worker state from status.
func (b *Buffer) SetControlsEnabled(bool) {}

// Since returns retained chunks with Seq > seq and the sequence number to pass
// on the next call.
func (b *Buffer) Since(seq uint64) ([]Chunk, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Chunk, 0)
	for _, c := range b.chunks {
		if c.Seq > seq {
			out = append(out, c)
		}
	}
	return out, b.next - 1
}
