package uio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/gen2brain/ihda"
)

const hugePageSize = 2 << 20

// Allocator hands out locked anonymous memory and resolves its physical
// address through /proc/self/pagemap. It implements ihda.DMAAllocator.
type Allocator struct {
	pageSize int

	// HugePages backs allocations larger than a page with 2MB hugetlb pages,
	// the only way to get physically contiguous multi-page memory from
	// userspace.
	HugePages bool
}

// NewAllocator returns an allocator using hugetlb pages for multi-page buffers.
func NewAllocator() *Allocator {
	return &Allocator{pageSize: unix.Getpagesize(), HugePages: true}
}

// Alloc implements ihda.DMAAllocator.
func (a *Allocator) Alloc(size int) (ihda.DMABuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("bad DMA size %d: %w", size, ihda.ErrInvalidArgument)
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_LOCKED | unix.MAP_POPULATE
	pageSize := a.pageSize
	if size > a.pageSize {
		if !a.HugePages || size > hugePageSize {
			return nil, fmt.Errorf("%d byte buffer cannot be physically contiguous: %w", size, ihda.ErrNoMemory)
		}
		flags |= unix.MAP_HUGETLB
		pageSize = hugePageSize
	}

	length := (size + pageSize - 1) &^ (pageSize - 1)
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes failed: %v: %w", length, err, ihda.ErrNoMemory)
	}

	phys, err := a.physAddr(mem)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}

	glog.V(2).Infof("uio: DMA buffer %d bytes at phys %#x", length, phys)

	return &Buffer{mem: mem, size: size, phys: phys}, nil
}

// physAddr returns the physical address of mem, checking that every base
// page behind it is consecutive.
func (a *Allocator) physAddr(mem []byte) (uint64, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, fmt.Errorf("open pagemap: %w", err)
	}
	defer f.Close()

	vaddr := uint64(uintptr(unsafe.Pointer(&mem[0])))
	pages := len(mem) / a.pageSize
	buf := make([]byte, 8*pages)

	if _, err := f.ReadAt(buf, int64(vaddr/uint64(a.pageSize)*8)); err != nil {
		return 0, fmt.Errorf("read pagemap: %w", err)
	}

	pfns := make([]uint64, pages)
	for i := range pfns {
		pfn, present := PagemapFrame(binary.LittleEndian.Uint64(buf[i*8:]))
		if !present {
			return 0, fmt.Errorf("page %d of DMA buffer not resident: %w", i, ihda.ErrNoMemory)
		}
		if pfn == 0 {
			return 0, fmt.Errorf("physical addresses hidden, CAP_SYS_ADMIN required: %w", ihda.ErrNotSupported)
		}
		pfns[i] = pfn
	}

	if !contiguous(pfns) {
		return 0, fmt.Errorf("DMA buffer is not physically contiguous: %w", ihda.ErrNoMemory)
	}

	return pfns[0]*uint64(a.pageSize) + vaddr%uint64(a.pageSize), nil
}

// Buffer is a locked DMA buffer. It implements ihda.DMABuffer.
type Buffer struct {
	mem  []byte
	size int
	phys uint64

	mu     sync.Mutex
	closed bool
}

// Bytes implements ihda.DMABuffer.
func (b *Buffer) Bytes() []byte { return b.mem[:b.size] }

// PhysAddr implements ihda.DMABuffer.
func (b *Buffer) PhysAddr() uint64 { return b.phys }

// Close implements ihda.DMABuffer.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("uio: DMA buffer already freed")
	}
	b.closed = true

	return unix.Munmap(b.mem)
}
