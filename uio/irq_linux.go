package uio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

var errInterruptClosed = errors.New("uio: interrupt closed")

// Interrupt waits on a uio device node. Signal wakes the waiter through an
// eventfd polled alongside the device.
type Interrupt struct {
	fd  int
	efd int

	mu     sync.Mutex
	closed bool
	count  uint32
}

func openInterrupt(path string) (*Interrupt, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd failed: %w", err)
	}

	irq := &Interrupt{fd: fd, efd: efd}

	// Interrupts start masked until the first Ack.
	if err := irq.Ack(); err != nil {
		irq.Close()
		return nil, err
	}

	return irq, nil
}

// Wait implements ihda.Interrupt.
func (irq *Interrupt) Wait() error {
	irq.mu.Lock()
	if irq.closed {
		irq.mu.Unlock()
		return errInterruptClosed
	}
	fd, efd := irq.fd, irq.efd
	irq.mu.Unlock()

	pfd := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN},
		{Fd: int32(efd), Events: unix.POLLIN},
	}

	var err error

	// Loop to handle EINTR (interrupted system call)
	for {
		_, err = unix.Poll(pfd, -1)
		if !errors.Is(err, syscall.EINTR) {
			break
		}
	}

	if err != nil {
		return fmt.Errorf("poll failed: %w", err)
	}

	if pfd[1].Revents&unix.POLLIN != 0 {
		var b [8]byte
		_, _ = unix.Read(efd, b[:])
	}

	if pfd[0].Revents&unix.POLLIN != 0 {
		var b [4]byte
		if _, err := unix.Read(fd, b[:]); err != nil {
			return fmt.Errorf("read interrupt count: %w", err)
		}

		irq.mu.Lock()
		irq.count = binary.NativeEndian.Uint32(b[:])
		irq.mu.Unlock()
	}

	if pfd[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return fmt.Errorf("uio device error: %w", syscall.ENODEV)
	}

	return nil
}

// Count returns the interrupt count last reported by the kernel.
func (irq *Interrupt) Count() uint32 {
	irq.mu.Lock()
	defer irq.mu.Unlock()

	return irq.count
}

// Ack implements ihda.Interrupt. uio_pci_generic masks INTx after each
// interrupt; writing 1 unmasks it.
func (irq *Interrupt) Ack() error {
	irq.mu.Lock()
	defer irq.mu.Unlock()

	if irq.closed {
		return errInterruptClosed
	}

	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], 1)
	if _, err := unix.Write(irq.fd, b[:]); err != nil {
		return fmt.Errorf("unmask interrupt: %w", err)
	}

	return nil
}

// Signal implements ihda.Interrupt.
func (irq *Interrupt) Signal() error {
	irq.mu.Lock()
	defer irq.mu.Unlock()

	if irq.closed {
		return errInterruptClosed
	}

	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	if _, err := unix.Write(irq.efd, b[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}

	return nil
}

// Close implements ihda.Interrupt.
func (irq *Interrupt) Close() error {
	irq.mu.Lock()
	defer irq.mu.Unlock()

	if irq.closed {
		return errInterruptClosed
	}
	irq.closed = true

	return errors.Join(unix.Close(irq.fd), unix.Close(irq.efd))
}
