package hdasim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/ihda"
)

const pageSize = 4096

// Memory is a DMA allocator backed by ordinary Go memory. Each buffer is
// given a fake, page aligned physical address so that the simulated
// controller can find it again.
type Memory struct {
	mu          sync.Mutex
	next        uint64
	bufs        map[*Buffer]struct{}
	allocs      int
	failOn      int
	frees       int
	doubleFrees int
}

// NewMemory creates an allocator handing out addresses from physBase up.
func NewMemory(physBase uint64) *Memory {
	return &Memory{
		next: physBase &^ (pageSize - 1),
		bufs: make(map[*Buffer]struct{}),
	}
}

// FailOnAlloc makes the n-th allocation (counted from 1 over the lifetime of
// the allocator) fail with ihda.ErrNoMemory. Zero disables the fault.
func (m *Memory) FailOnAlloc(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failOn = n
}

// Alloc implements ihda.DMAAllocator.
func (m *Memory) Alloc(size int) (ihda.DMABuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocation of %d bytes: %w", size, ihda.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.allocs++
	if m.allocs == m.failOn {
		return nil, fmt.Errorf("simulated allocation failure: %w", ihda.ErrNoMemory)
	}

	pages := uint64(size+pageSize-1) &^ (pageSize - 1)
	b := &Buffer{
		m:    m,
		buf:  make([]byte, pages),
		size: size,
		phys: m.next,
	}
	m.next += pages
	m.bufs[b] = struct{}{}

	return b, nil
}

// Allocs returns the number of Alloc calls, failed ones included.
func (m *Memory) Allocs() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.allocs
}

// Live returns the number of buffers not yet closed.
func (m *Memory) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.bufs)
}

// Frees returns the number of buffers closed.
func (m *Memory) Frees() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.frees
}

// DoubleFrees returns how many times a buffer was closed again.
func (m *Memory) DoubleFrees() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.doubleFrees
}

// resolve returns the n bytes at phys, or nil when no live buffer covers them.
func (m *Memory) resolve(phys uint64, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	for b := range m.bufs {
		if phys < b.phys || phys+uint64(n) > b.phys+uint64(len(b.buf)) {
			continue
		}

		off := phys - b.phys
		return b.buf[off : off+uint64(n)]
	}

	return nil
}

var errFreed = errors.New("hdasim: buffer already freed")

// Buffer is one allocation from Memory.
type Buffer struct {
	m      *Memory
	buf    []byte
	size   int
	phys   uint64
	closed bool
}

// Bytes implements ihda.DMABuffer.
func (b *Buffer) Bytes() []byte { return b.buf[:b.size] }

// PhysAddr implements ihda.DMABuffer.
func (b *Buffer) PhysAddr() uint64 { return b.phys }

// Close implements ihda.DMABuffer.
func (b *Buffer) Close() error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()

	if b.closed {
		b.m.doubleFrees++
		return errFreed
	}

	b.closed = true
	b.m.frees++
	delete(b.m.bufs, b)

	return nil
}
