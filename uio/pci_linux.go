package uio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/gen2brain/ihda"
)

// PCI configuration space.
const (
	PCI_COMMAND              = 0x04
	PCI_COMMAND_MEMORY       = 1 << 1
	PCI_COMMAND_MASTER       = 1 << 2
	PCI_COMMAND_INTX_DISABLE = 1 << 10
)

// Device is a PCI function bound to uio_pci_generic. It implements
// ihda.PCIDevice.
type Device struct {
	addr string
	dir  string
	uio  int

	bus, dev, fn uint8

	mu     sync.Mutex
	config *os.File // open while claimed
	mode   ihda.IRQMode
}

// Open looks up the PCI function at addr. The function is not touched until
// Claim.
func Open(addr string) (*Device, error) {
	canonical, err := CanonicalAddress(addr)
	if err != nil {
		return nil, err
	}

	_, bus, dev, fn, _ := ParseAddress(canonical)
	dir := filepath.Join(SysfsRoot, "bus", "pci", "devices", canonical)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("PCI function %s: %w", canonical, err)
	}

	minor := uioMinor(dir)
	if minor < 0 {
		return nil, fmt.Errorf("PCI function %s is not bound to a uio driver: %w", canonical, ihda.ErrNotSupported)
	}

	return &Device{
		addr: canonical,
		dir:  dir,
		uio:  minor,
		bus:  bus,
		dev:  dev,
		fn:   fn,
	}, nil
}

// Address returns the canonical PCI address.
func (d *Device) Address() string { return d.addr }

// Claim implements ihda.PCIDevice. It takes an exclusive lock on the config
// space file so that a second process cannot drive the same function.
func (d *Device) Claim() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.config != nil {
		return fmt.Errorf("%s already claimed: %w", d.addr, ihda.ErrBadState)
	}

	f, err := os.OpenFile(filepath.Join(d.dir, "config"), os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open config space: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%s is claimed by another process: %w", d.addr, ihda.ErrBusy)
		}

		return fmt.Errorf("flock failed: %w", err)
	}

	d.config = f
	glog.V(1).Infof("uio: claimed %s (/dev/uio%d)", d.addr, d.uio)

	return nil
}

// SetIRQMode implements ihda.PCIDevice. uio_pci_generic only forwards the
// legacy INTx line.
func (d *Device) SetIRQMode(mode ihda.IRQMode, n int) error {
	if mode != ihda.IRQModeLegacy || n != 1 {
		return fmt.Errorf("irq mode %v with %d vectors: %w", mode, n, ihda.ErrNotSupported)
	}

	d.mu.Lock()
	d.mode = mode
	d.mu.Unlock()

	return nil
}

// MapInterrupt implements ihda.PCIDevice.
func (d *Device) MapInterrupt(i int) (ihda.Interrupt, error) {
	if i != 0 {
		return nil, fmt.Errorf("interrupt %d: %w", i, ihda.ErrInvalidArgument)
	}

	return openInterrupt(fmt.Sprintf("/dev/uio%d", d.uio))
}

// MapMMIO implements ihda.PCIDevice.
func (d *Device) MapMMIO(bar int) (ihda.RegisterWindow, error) {
	if bar < 0 || bar > 5 {
		return nil, fmt.Errorf("BAR %d: %w", bar, ihda.ErrInvalidArgument)
	}

	return mapResource(filepath.Join(d.dir, fmt.Sprintf("resource%d", bar)))
}

// EnableBusMaster implements ihda.PCIDevice.
func (d *Device) EnableBusMaster(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.config == nil {
		return fmt.Errorf("%s not claimed: %w", d.addr, ihda.ErrBadState)
	}

	cmd, err := d.readConfig16(PCI_COMMAND)
	if err != nil {
		return err
	}

	if enable {
		cmd |= PCI_COMMAND_MASTER | PCI_COMMAND_MEMORY
	} else {
		cmd &^= PCI_COMMAND_MASTER
	}

	return d.writeConfig16(PCI_COMMAND, cmd)
}

// BDF implements ihda.PCIDevice.
func (d *Device) BDF() (bus, dev, fn uint8, ok bool) {
	return d.bus, d.dev, d.fn, true
}

// Release implements ihda.PCIDevice.
func (d *Device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.config == nil {
		return fmt.Errorf("%s not claimed: %w", d.addr, ihda.ErrBadState)
	}

	_ = unix.Flock(int(d.config.Fd()), unix.LOCK_UN)
	err := d.config.Close()
	d.config = nil

	return err
}

func (d *Device) readConfig16(off int64) (uint16, error) {
	var b [2]byte
	if _, err := unix.Pread(int(d.config.Fd()), b[:], off); err != nil {
		return 0, fmt.Errorf("config read at %#x failed: %w", off, err)
	}

	return uint16(b[0]) | uint16(b[1])<<8, nil
}

func (d *Device) writeConfig16(off int64, v uint16) error {
	b := [2]byte{byte(v), byte(v >> 8)}
	if _, err := unix.Pwrite(int(d.config.Fd()), b[:], off); err != nil {
		return fmt.Errorf("config write at %#x failed: %w", off, err)
	}

	return nil
}
