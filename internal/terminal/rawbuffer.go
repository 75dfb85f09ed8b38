package terminal

// RawBuffer accumulates undecoded bytes up to a fixed capacity. Readers look at the
// unconsumed window with Bytes and release it with Consume. When a write does not fit,
// the oldest unconsumed bytes are discarded.
type RawBuffer struct {
	data  []byte
	start int
	end   int
}

// NewRawBuffer allocates a buffer holding at most capacity bytes.
func NewRawBuffer(capacity int) *RawBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RawBuffer{data: make([]byte, capacity)}
}

// Write appends p and returns the number of older bytes discarded to make room.
func (b *RawBuffer) Write(p []byte) (dropped int) {
	capacity := len(b.data)
	if len(p) >= capacity {
		dropped = b.Len() + len(p) - capacity
		copy(b.data, p[len(p)-capacity:])
		b.start, b.end = 0, capacity
		return dropped
	}

	if b.end+len(p) > capacity {
		b.compact()
	}
	if overflow := b.end + len(p) - capacity; overflow > 0 {
		b.start += overflow
		dropped = overflow
		b.compact()
	}

	b.end += copy(b.data[b.end:], p)
	return dropped
}

// Bytes returns the unconsumed bytes. The slice is only valid until the next Write.
func (b *RawBuffer) Bytes() []byte {
	return b.data[b.start:b.end]
}

// Consume releases the first n unconsumed bytes.
func (b *RawBuffer) Consume(n int) {
	if n <= 0 {
		return
	}
	b.start += n
	if b.start >= b.end {
		b.start, b.end = 0, 0
	}
}

// Len returns the number of unconsumed bytes.
func (b *RawBuffer) Len() int {
	return b.end - b.start
}

// Reset discards everything.
func (b *RawBuffer) Reset() {
	b.start, b.end = 0, 0
}

func (b *RawBuffer) compact() {
	if b.start == 0 {
		return
	}
	n := copy(b.data, b.data[b.start:b.end])
	b.start, b.end = 0, n
}
