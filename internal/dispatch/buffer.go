package dispatch

import "sync"

// GrowableBuffer is a thread-safe FIFO ring buffer that doubles its
// capacity when it reaches 70% full. It never drops or reorders items.
type GrowableBuffer[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	sealed   bool

	// Stats
	totalPushed    int64
	totalDrained   int64
	totalDiscarded int64
	resizeCount    int
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count          int
	Capacity       int
	TotalPushed    int64
	TotalDrained   int64
	TotalDiscarded int64
	ResizeCount    int
}

// NewGrowableBuffer creates a new buffer with the given initial capacity.
func NewGrowableBuffer[T any](initialCapacity int) *GrowableBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &GrowableBuffer[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
	}
}

// Push appends an item. Returns false if the buffer is sealed.
func (b *GrowableBuffer[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return false
	}

	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold {
		b.grow()
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalPushed++

	return true
}

// DrainTo removes up to max items (all when max <= 0) in FIFO order.
func (b *GrowableBuffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = b.take()
	}
	b.totalDrained += int64(n)

	return result
}

// Discard drops every buffered item and returns how many were dropped.
func (b *GrowableBuffer[T]) Discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	for b.count > 0 {
		b.take()
	}
	b.head, b.tail = 0, 0
	b.totalDiscarded += int64(n)

	return n
}

// Seal discards buffered items and rejects further pushes.
func (b *GrowableBuffer[T]) Seal() int {
	n := b.Discard()

	b.mu.Lock()
	b.sealed = true
	b.mu.Unlock()

	return n
}

// Len returns the current number of items in the buffer.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:          b.count,
		Capacity:       b.capacity,
		TotalPushed:    b.totalPushed,
		TotalDrained:   b.totalDrained,
		TotalDiscarded: b.totalDiscarded,
		ResizeCount:    b.resizeCount,
	}
}

// take pops the head item. Must be called with lock held and count > 0.
func (b *GrowableBuffer[T]) take() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % b.capacity
	b.count--
	return item
}

// grow doubles the buffer capacity. Must be called with lock held.
func (b *GrowableBuffer[T]) grow() {
	newCapacity := b.capacity * 2
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			// Contiguous: [head...tail)
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizeCount++
}
