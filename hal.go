package ihda

import "io"

// IRQMode selects how the PCI function delivers interrupts.
type IRQMode int

const (
	IRQModeLegacy IRQMode = iota // INTx
	IRQModeMSI                   // Message signaled interrupts
)

// String returns the name of the interrupt mode.
func (m IRQMode) String() string {
	switch m {
	case IRQModeLegacy:
		return "legacy"
	case IRQModeMSI:
		return "msi"
	default:
		return "unknown"
	}
}

// PCIDevice is the PCI function the controller drives.
//
// Implementations own capability negotiation and resource mapping; the
// controller only sequences the calls and releases what it acquired.
type PCIDevice interface {
	// Claim takes exclusive ownership of the function.
	Claim() error

	// SetIRQMode configures the interrupt delivery mode with n vectors.
	SetIRQMode(mode IRQMode, n int) error

	// MapInterrupt returns a waitable handle for interrupt vector i.
	MapInterrupt(i int) (Interrupt, error)

	// MapMMIO maps the register window behind the given BAR.
	MapMMIO(bar int) (RegisterWindow, error)

	// EnableBusMaster enables or disables bus mastering for DMA and MSI.
	EnableBusMaster(enable bool) error

	// BDF returns the bus/device/function address, if known.
	BDF() (bus, dev, fn uint8, ok bool)

	// Release gives up ownership taken by Claim.
	Release() error
}

// Interrupt is a waitable interrupt handle.
type Interrupt interface {
	// Wait blocks until the interrupt fires or Signal is called.
	Wait() error

	// Ack re-arms the interrupt after it has been serviced.
	Ack() error

	// Signal wakes a goroutine blocked in Wait without a hardware interrupt.
	Signal() error

	// Close releases the handle. A blocked Wait returns an error.
	Close() error
}

// RegisterWindow is a mapped MMIO register window.
//
// Offsets are byte offsets from the start of the window. Accesses are
// naturally aligned and issued at exactly the requested width.
type RegisterWindow interface {
	io.Closer

	Size() int
	Read8(off uint32) uint8
	Read16(off uint32) uint16
	Read32(off uint32) uint32
	Write8(off uint32, v uint8)
	Write16(off uint32, v uint16)
	Write32(off uint32, v uint32)

	// Barrier orders all previous register and shared memory accesses
	// before any that follow.
	Barrier()
}

// DMABuffer is physically contiguous memory usable by the controller's DMA engines.
//
// Since this is physically allocated memory, it must be closed before the
// owner goes away.
type DMABuffer interface {
	io.Closer

	// Bytes returns the mapped view of the buffer.
	Bytes() []byte

	// PhysAddr is the bus address of the first byte.
	PhysAddr() uint64
}

// DMAAllocator hands out physically contiguous buffers.
type DMAAllocator interface {
	Alloc(size int) (DMABuffer, error)
}
