package uio

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Window is an mmapped PCI BAR. It implements ihda.RegisterWindow.
type Window struct {
	mem []byte

	mu     sync.Mutex
	closed bool
}

var fence uint32

func mapResource(path string) (*Window, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, fmt.Errorf("fstat %s: %w", path, err)
	}

	if st.Size <= 0 {
		return nil, fmt.Errorf("%s is not a memory BAR", path)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s failed: %w", path, err)
	}

	return &Window{mem: mem}, nil
}

// Size implements ihda.RegisterWindow.
func (w *Window) Size() int { return len(w.mem) }

func (w *Window) ptr(off uint32, width uint32) unsafe.Pointer {
	if off%width != 0 || uint64(off)+uint64(width) > uint64(len(w.mem)) {
		panic(fmt.Sprintf("uio: bad register access %#x/%d", off, width))
	}

	return unsafe.Pointer(&w.mem[off])
}

// Read8 implements ihda.RegisterWindow.
func (w *Window) Read8(off uint32) uint8 { return load8((*uint8)(w.ptr(off, 1))) }

// Read16 implements ihda.RegisterWindow.
func (w *Window) Read16(off uint32) uint16 { return load16((*uint16)(w.ptr(off, 2))) }

// Read32 implements ihda.RegisterWindow.
func (w *Window) Read32(off uint32) uint32 { return atomic.LoadUint32((*uint32)(w.ptr(off, 4))) }

// Write8 implements ihda.RegisterWindow.
func (w *Window) Write8(off uint32, v uint8) { store8((*uint8)(w.ptr(off, 1)), v) }

// Write16 implements ihda.RegisterWindow.
func (w *Window) Write16(off uint32, v uint16) { store16((*uint16)(w.ptr(off, 2)), v) }

// Write32 implements ihda.RegisterWindow.
func (w *Window) Write32(off uint32, v uint32) { atomic.StoreUint32((*uint32)(w.ptr(off, 4)), v) }

// Barrier implements ihda.RegisterWindow. Go atomics are sequentially
// consistent, a locked add is a full fence on amd64.
func (w *Window) Barrier() { atomic.AddUint32(&fence, 1) }

// Close implements ihda.RegisterWindow.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("uio: window already closed")
	}
	w.closed = true

	return unix.Munmap(w.mem)
}

// Narrow accesses must reach the device at their exact width, so they are
// kept out of line where the compiler cannot merge or elide them.

//go:noinline
func load8(p *uint8) uint8 { return *p }

//go:noinline
func load16(p *uint16) uint16 { return *p }

//go:noinline
func store8(p *uint8, v uint8) { *p = v }

//go:noinline
func store16(p *uint16, v uint16) { *p = v }
