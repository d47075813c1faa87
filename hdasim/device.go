// Package hdasim simulates an Intel HDA controller behind the ihda
// collaborator interfaces.
//
// The simulation covers the register file, the controller and stream reset
// handshakes, the CORB/RIRB DMA engines with a scripted codec on the far
// side, and interrupt delivery. Every resource handed to the driver counts
// its releases so tests can check that nothing leaks or is freed twice.
package hdasim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/ihda"
)

// Config describes the simulated controller and the faults it injects.
type Config struct {
	Inputs, Outputs, Bidir int
	Supports64Bit          bool
	VersionMajor           uint8
	VersionMinor           uint8

	// RingCaps holds the size capability bits reported in both CORBSIZE and RIRBSIZE.
	RingCaps uint8

	// Codecs is the STATESTS mask of codecs present on the link.
	Codecs   uint16
	VendorID uint32

	// PhysBase is the first fake physical address handed out by Memory.
	PhysBase uint64

	Bus, Dev, Fn uint8

	// ManualResponses holds fetched commands until Flush is called.
	ManualResponses bool

	// Responder computes the codec response to a command. When nil
	// DefaultResponder is used.
	Responder func(cmd uint32) uint32

	// Faults.
	ClaimErr         error
	MSIErr           error
	LegacyErr        error
	MapInterruptErr  error
	MapMMIOErr       error
	BusMasterErr     error
	WindowSize       int // reported BAR size, zero for the real one
	StuckReset       bool
	StuckCORBReset   bool
	StuckStreamReset bool
}

// DefaultConfig returns an ICH6 like controller with one codec.
func DefaultConfig() Config {
	return Config{
		Inputs:        4,
		Outputs:       4,
		Supports64Bit: true,
		VersionMajor:  1,
		VersionMinor:  0,
		RingCaps:      ihda.HDA_RINGSIZE_CAP_2ENT | ihda.HDA_RINGSIZE_CAP_16ENT | ihda.HDA_RINGSIZE_CAP_256ENT,
		Codecs:        0x1,
		VendorID:      0x10EC0269,
		PhysBase:      0x10000000,
		Bus:           0x00,
		Dev:           0x1B,
		Fn:            0,
	}
}

// DefaultResponder answers the root node vendor id parameter with
// vendorID and echoes every other command back as its response data.
func DefaultResponder(vendorID uint32) func(cmd uint32) uint32 {
	return func(cmd uint32) uint32 {
		// GET_PARAMETER(VENDOR_ID) on node 0
		if cmd&0x0FFFFFFF == 0x000F0000 {
			return vendorID
		}

		return cmd
	}
}

var errReleased = errors.New("hdasim: device not claimed")

// Device is a simulated PCI function hosting an HDA controller. It
// implements ihda.PCIDevice.
type Device struct {
	cfg Config
	mem *Memory
	irq *IRQ
	hw  *hardware

	mu          sync.Mutex
	claimed     bool
	claims      int
	mode        ihda.IRQMode
	irqMapped   bool
	window      *Window
	busMaster   bool
	doubleFrees int
}

// New creates a device and the DMA memory it can reach.
func New(cfg Config) *Device {
	d := &Device{
		cfg: cfg,
		mem: NewMemory(cfg.PhysBase),
		irq: newIRQ(),
	}
	d.hw = newHardware(&d.cfg, d.mem, d.irq)

	return d
}

// Memory returns the allocator whose buffers the device can DMA to.
func (d *Device) Memory() *Memory { return d.mem }

// IRQ returns the interrupt line.
func (d *Device) IRQ() *IRQ { return d.irq }

// Claim implements ihda.PCIDevice.
func (d *Device) Claim() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.ClaimErr != nil {
		return d.cfg.ClaimErr
	}

	if d.claimed {
		return fmt.Errorf("device already claimed: %w", ihda.ErrBadState)
	}
	d.claimed = true
	d.claims++

	return nil
}

// SetIRQMode implements ihda.PCIDevice.
func (d *Device) SetIRQMode(mode ihda.IRQMode, n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n != 1 {
		return fmt.Errorf("%d vectors: %w", n, ihda.ErrNotSupported)
	}

	switch mode {
	case ihda.IRQModeMSI:
		if d.cfg.MSIErr != nil {
			return d.cfg.MSIErr
		}
	case ihda.IRQModeLegacy:
		if d.cfg.LegacyErr != nil {
			return d.cfg.LegacyErr
		}
	default:
		return fmt.Errorf("irq mode %v: %w", mode, ihda.ErrNotSupported)
	}
	d.mode = mode

	return nil
}

// IRQMode returns the interrupt mode last configured.
func (d *Device) IRQMode() ihda.IRQMode {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.mode
}

// MapInterrupt implements ihda.PCIDevice.
func (d *Device) MapInterrupt(i int) (ihda.Interrupt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.MapInterruptErr != nil {
		return nil, d.cfg.MapInterruptErr
	}

	if i != 0 {
		return nil, fmt.Errorf("interrupt %d: %w", i, ihda.ErrInvalidArgument)
	}
	d.irqMapped = true

	return d.irq, nil
}

// MapMMIO implements ihda.PCIDevice.
func (d *Device) MapMMIO(bar int) (ihda.RegisterWindow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.MapMMIOErr != nil {
		return nil, d.cfg.MapMMIOErr
	}

	if bar != 0 {
		return nil, fmt.Errorf("BAR %d: %w", bar, ihda.ErrInvalidArgument)
	}

	size := ihda.RegisterWindowSize
	if d.cfg.WindowSize != 0 {
		size = d.cfg.WindowSize
	}
	d.window = &Window{d: d, hw: d.hw, size: size}

	return d.window, nil
}

// EnableBusMaster implements ihda.PCIDevice.
func (d *Device) EnableBusMaster(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if enable && d.cfg.BusMasterErr != nil {
		return d.cfg.BusMasterErr
	}
	d.busMaster = enable

	return nil
}

// BDF implements ihda.PCIDevice.
func (d *Device) BDF() (bus, dev, fn uint8, ok bool) {
	return d.cfg.Bus, d.cfg.Dev, d.cfg.Fn, true
}

// Release implements ihda.PCIDevice.
func (d *Device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.claimed {
		d.doubleFrees++
		return errReleased
	}
	d.claimed = false

	return nil
}

// Claimed reports whether the device is currently claimed.
func (d *Device) Claimed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.claimed
}

// BusMaster reports whether bus mastering is enabled.
func (d *Device) BusMaster() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.busMaster
}

// Mapped reports whether the register window is mapped.
func (d *Device) Mapped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.window != nil && !d.window.closed
}

// DoubleFrees returns how many resources were released more than once,
// across the device, its interrupt and its memory.
func (d *Device) DoubleFrees() int {
	d.mu.Lock()
	n := d.doubleFrees
	d.mu.Unlock()

	d.irq.mu.Lock()
	n += d.irq.doubleClose
	d.irq.mu.Unlock()

	return n + d.mem.DoubleFrees()
}

// Leaks returns how many resources handed to the driver are still held.
func (d *Device) Leaks() int {
	n := d.mem.Live()

	d.mu.Lock()
	if d.claimed {
		n++
	}
	if d.window != nil && !d.window.closed {
		n++
	}
	if d.busMaster {
		n++
	}
	irqMapped := d.irqMapped
	d.mu.Unlock()

	if irqMapped && !d.irq.Closed() {
		n++
	}

	return n
}

// Flush answers up to n held commands, all of them when n is negative, and
// returns how many were answered. It only matters with ManualResponses.
func (d *Device) Flush(n int) int { return d.hw.flush(n) }

// Held returns the number of fetched commands waiting for Flush.
func (d *Device) Held() int { return d.hw.pending() }

// InjectUnsolicited writes an unsolicited response from codec to the RIRB.
func (d *Device) InjectUnsolicited(codec uint8, data uint32) { d.hw.unsolicited(codec, data) }

// CodecStateChange reports codecs in mask as having changed state.
func (d *Device) CodecStateChange(mask uint16) { d.hw.codecStateChange(mask) }

// StreamStatus raises status bits on stream descriptor i.
func (d *Device) StreamStatus(i int, bits uint8) { d.hw.streamStatus(i, bits) }

// Register reads a register directly, bypassing the driver.
func (d *Device) Register(off uint32, width int) uint32 { return d.hw.read(off, width) }

// SetRegister writes a register directly, bypassing the driver.
func (d *Device) SetRegister(off uint32, width int, v uint32) { d.hw.write(off, width, v) }

// Window is the mapped register window of a Device.
type Window struct {
	d      *Device
	hw     *hardware
	size   int
	closed bool
}

// Size implements ihda.RegisterWindow.
func (w *Window) Size() int { return w.size }

// Read8 implements ihda.RegisterWindow.
func (w *Window) Read8(off uint32) uint8 { return uint8(w.hw.read(off, 1)) }

// Read16 implements ihda.RegisterWindow.
func (w *Window) Read16(off uint32) uint16 { return uint16(w.hw.read(off, 2)) }

// Read32 implements ihda.RegisterWindow.
func (w *Window) Read32(off uint32) uint32 { return w.hw.read(off, 4) }

// Write8 implements ihda.RegisterWindow.
func (w *Window) Write8(off uint32, v uint8) { w.hw.write(off, 1, uint32(v)) }

// Write16 implements ihda.RegisterWindow.
func (w *Window) Write16(off uint32, v uint16) { w.hw.write(off, 2, uint32(v)) }

// Write32 implements ihda.RegisterWindow.
func (w *Window) Write32(off uint32, v uint32) { w.hw.write(off, 4, v) }

// Barrier implements ihda.RegisterWindow. Register accesses are serialized
// by the model already.
func (w *Window) Barrier() {}

// Close implements ihda.RegisterWindow.
func (w *Window) Close() error {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()

	if w.closed {
		w.d.doubleFrees++
		return errors.New("hdasim: window already closed")
	}
	w.closed = true

	return nil
}
