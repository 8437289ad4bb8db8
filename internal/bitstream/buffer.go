package bitstream

import (
	"errors"
	"fmt"
)

var (
	// ErrAllocation is returned when a buffer cannot be created with the requested capacity
	ErrAllocation = errors.New("bitstream: allocation failed")

	// ErrUnsupported is returned when Extend is asked to shrink or keep the capacity
	ErrUnsupported = errors.New("bitstream: unsupported capacity change")

	// ErrNotEnoughBuffer is returned when appended data would overflow the buffer
	ErrNotEnoughBuffer = errors.New("bitstream: not enough buffer")
)

// Buffer holds one task's encoded output segment.
//
// The valid region is [offset, offset+length) inside a backing array of
// capacity maxLength. Growth only happens through Extend, which reallocates
// and moves the valid region to offset 0.
type Buffer struct {
	data      []byte
	offset    int
	length    int
	maxLength int
}

// New allocates a buffer with the given capacity
func New(capacity int) (*Buffer, error) {
	b := &Buffer{}
	if err := b.Init(capacity); err != nil {
		return nil, err
	}
	return b, nil
}

// Init (re)allocates the backing storage, discarding any previous contents.
func (b *Buffer) Init(capacity int) error {
	b.Wipe()

	if capacity <= 0 {
		return fmt.Errorf("%w: capacity %d", ErrAllocation, capacity)
	}

	b.data = make([]byte, capacity)
	b.maxLength = capacity
	return nil
}

// Extend grows the buffer to newCapacity, keeping the valid bytes.
// Slices previously returned by Bytes are stale after this call.
func (b *Buffer) Extend(newCapacity int) error {
	if newCapacity <= b.maxLength {
		return fmt.Errorf("%w: %d <= current %d", ErrUnsupported, newCapacity, b.maxLength)
	}

	data := make([]byte, newCapacity)
	copy(data, b.data[b.offset:b.offset+b.length])

	b.data = data
	b.offset = 0
	b.maxLength = newCapacity
	return nil
}

// Reset empties the buffer without releasing storage
func (b *Buffer) Reset() {
	b.offset = 0
	b.length = 0
}

// Wipe releases the backing storage
func (b *Buffer) Wipe() {
	b.data = nil
	b.offset = 0
	b.length = 0
	b.maxLength = 0
}

// Append writes p after the valid region.
func (b *Buffer) Append(p []byte) error {
	end := b.offset + b.length
	if end+len(p) > b.maxLength {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrNotEnoughBuffer, end+len(p), b.maxLength)
	}

	copy(b.data[end:], p)
	b.length += len(p)
	return nil
}

// Bytes returns the valid region. The slice aliases the buffer until the
// next Extend, Init or Wipe.
func (b *Buffer) Bytes() []byte {
	if b.data == nil {
		return nil
	}
	return b.data[b.offset : b.offset+b.length]
}

// Consume drops n bytes from the front of the valid region
func (b *Buffer) Consume(n int) {
	if n > b.length {
		n = b.length
	}
	b.offset += n
	b.length -= n
	if b.length == 0 {
		b.offset = 0
	}
}

// Offset returns the start of the valid region
func (b *Buffer) Offset() int { return b.offset }

// Len returns the number of valid bytes
func (b *Buffer) Len() int { return b.length }

// Cap returns the allocated capacity (maxLength)
func (b *Buffer) Cap() int { return b.maxLength }
