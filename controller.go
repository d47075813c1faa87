// Package ihda drives Intel High Definition Audio controllers.
//
// It brings a controller out of reset, runs the CORB/RIRB command rings to
// the attached codecs and hands out stream descriptors with their buffer
// descriptor lists. The PCI function, DMA memory and device registration are
// reached through the interfaces in hal.go and registry.go; package hdasim
// simulates them and package uio provides them on Linux.
package ihda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a controller.
type State int

const (
	StateUninitialized State = iota
	StateOperating
	StateShuttingDown
	StateShutDown
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateOperating:
		return "operating"
	case StateShuttingDown:
		return "shutting down"
	case StateShutDown:
		return "shut down"
	default:
		return "invalid"
	}
}

// Controller drives one Intel HDA controller.
//
// A controller is initialized once and shut down once. Shutdown may be
// called at any time from any goroutine, including while Init is running.
type Controller struct {
	platform *Platform
	cfg      Config
	name     string

	// lifeMu serializes Init and teardown and guards the fields below it.
	lifeMu    sync.Mutex
	tag       string
	pci       PCIDevice
	claimed   bool
	busMaster bool
	irq       Interrupt
	window    RegisterWindow
	regs      *Registers
	pool      *StreamPool
	cmds      *CommandChannel
	group     *errgroup.Group
	handle    Handle
	published bool

	// stateMu guards the state. notify is closed and replaced on every
	// transition. Lock order is lifeMu, stateMu, then the device registry.
	stateMu sync.Mutex
	state   State
	notify  chan struct{}

	codecMu sync.Mutex
	codecs  uint16
}

// NewController creates an uninitialized controller on platform p.
func NewController(p *Platform, cfg Config) (*Controller, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	return &Controller{
		platform: p,
		cfg:      cfg.withDefaults(),
		name:     fmt.Sprintf("intel-hda-%03d", p.nextID()),
		tag:      "IHDA Controller (unknown BDF)",
		notify:   make(chan struct{}),
	}, nil
}

// Name returns the device node name.
func (c *Controller) Name() string { return c.name }

// ProtocolID returns ProtocolIHDA.
func (c *Controller) ProtocolID() ProtocolID { return ProtocolIHDA }

// Unbind shuts the controller down.
func (c *Controller) Unbind() { c.Shutdown() }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	return c.state
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}

	c.state = s
	close(c.notify)
	c.notify = make(chan struct{})
}

func (c *Controller) setState(s State) {
	c.stateMu.Lock()
	c.setStateLocked(s)
	c.stateMu.Unlock()
}

// WaitForState blocks until the controller reaches s. States only move
// forward, so it fails with ErrBadState once s can no longer be reached.
func (c *Controller) WaitForState(ctx context.Context, s State) error {
	for {
		c.stateMu.Lock()
		cur, ch := c.state, c.notify
		c.stateMu.Unlock()

		if cur == s {
			return nil
		}

		if cur > s {
			return fmt.Errorf("controller is %v, waiting for %v: %w", cur, s, ErrBadState)
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Init brings the controller up on pci and publishes it. On failure
// everything acquired so far is released and the controller ends up shut
// down. Calling Init on a controller that is not uninitialized fails with
// ErrBadState and leaves it untouched.
func (c *Controller) Init(pci PCIDevice) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if st := c.State(); st != StateUninitialized || c.pci != nil {
		return fmt.Errorf("init of a controller that is %v: %w", st, ErrBadState)
	}

	if pci == nil {
		c.teardownLocked()
		return fmt.Errorf("nil PCI device: %w", ErrInvalidArgument)
	}

	c.pci = pci
	if bus, dev, fn, ok := pci.BDF(); ok {
		c.tag = fmt.Sprintf("IHDA Controller %02x:%02x.%01x", bus, dev, fn)
	}

	if err := c.initLocked(); err != nil {
		c.teardownLocked()
		return err
	}

	return nil
}

func (c *Controller) initLocked() error {
	if err := c.setupPCIDevice(); err != nil {
		return err
	}

	major, minor := c.regs.Version()
	if major != SupportedVersionMajor || minor != SupportedVersionMinor {
		glog.Errorf("%s: unexpected HW revision %d.%d", c.tag, major, minor)
		return fmt.Errorf("hardware revision %d.%d: %w", major, minor, ErrNotSupported)
	}

	if err := ResetControllerHardware(c.regs, &c.cfg, c.tag); err != nil {
		return fmt.Errorf("resetting controller: %w", err)
	}

	c.pool = NewStreamPool(c.regs, &c.cfg, c.tag)
	if err := c.pool.Setup(c.platform.DMA); err != nil {
		return fmt.Errorf("setting up stream descriptors: %w", err)
	}

	c.cmds = NewCommandChannel(c.regs, &c.cfg, c.tag, c.cfg.OnUnsolicited)
	if err := c.cmds.Setup(c.platform.DMA); err != nil {
		return fmt.Errorf("setting up command buffer: %w", err)
	}

	// From here on log under the device node name.
	c.tag = c.name

	irq, regs, cmds, tag := c.irq, c.regs, c.cmds, c.tag
	c.group = new(errgroup.Group)
	c.group.Go(func() error {
		return c.serviceLoop(irq, regs, cmds, tag)
	})

	regs.SetBits32(HDA_INTCTL, HDA_INTCTL_GIE|HDA_INTCTL_CIE)

	if err := c.publish(); err != nil {
		return err
	}

	// Wake the service goroutine so it discovers codecs now that we are operating.
	if err := irq.Signal(); err != nil {
		glog.Warningf("%s: failed to wake service goroutine: %v", tag, err)
	}

	glog.Infof("%s: operating (%v)", tag, regs.GlobalCaps())

	return nil
}

// setupPCIDevice claims the function, configures interrupts, maps the
// registers and enables bus mastering.
func (c *Controller) setupPCIDevice() error {
	pci := c.pci

	if err := pci.Claim(); err != nil {
		glog.Errorf("%s: failed to claim PCI device: %v", c.tag, err)
		return fmt.Errorf("claiming PCI device: %w", err)
	}
	c.claimed = true

	if err := pci.SetIRQMode(IRQModeMSI, 1); err != nil {
		glog.V(1).Infof("%s: MSI unavailable (%v), using legacy IRQ", c.tag, err)
		if err := pci.SetIRQMode(IRQModeLegacy, 1); err != nil {
			glog.Errorf("%s: failed to set IRQ mode: %v", c.tag, err)
			return fmt.Errorf("setting IRQ mode: %w", err)
		}
	}

	irq, err := pci.MapInterrupt(0)
	if err != nil {
		glog.Errorf("%s: failed to map IRQ: %v", c.tag, err)
		return fmt.Errorf("mapping interrupt: %w", err)
	}
	c.irq = irq

	w, err := pci.MapMMIO(0)
	if err != nil {
		glog.Errorf("%s: failed to map registers: %v", c.tag, err)
		return fmt.Errorf("mapping registers: %w", err)
	}
	c.window = w

	regs, err := NewRegisters(w)
	if err != nil {
		glog.Errorf("%s: %v", c.tag, err)
		return err
	}
	c.regs = regs

	if err := pci.EnableBusMaster(true); err != nil {
		glog.Errorf("%s: failed to enable PCI bus mastering: %v", c.tag, err)
		return fmt.Errorf("enabling bus mastering: %w", err)
	}
	c.busMaster = true

	return nil
}

// publish makes the controller visible and moves it to operating, unless
// a shutdown got there first.
func (c *Controller) publish() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.state != StateUninitialized {
		return fmt.Errorf("controller became %v during init: %w", c.state, ErrBadState)
	}

	h, err := c.platform.Devices.Publish(c)
	if err != nil {
		glog.Errorf("%s: failed to publish device node: %v", c.tag, err)
		return fmt.Errorf("publishing device node: %w", err)
	}
	c.handle = h
	c.published = true

	c.setStateLocked(StateOperating)

	return nil
}

// Shutdown stops the controller and releases everything it holds. It
// never fails and may be called more than once.
func (c *Controller) Shutdown() {
	c.stateMu.Lock()
	if c.state == StateUninitialized || c.state == StateOperating {
		c.setStateLocked(StateShuttingDown)
	}
	c.stateMu.Unlock()

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.teardownLocked()
}

func (c *Controller) teardownLocked() {
	if c.State() == StateShutDown {
		return
	}
	c.setState(StateShuttingDown)

	if c.group != nil {
		if err := c.irq.Signal(); err != nil {
			glog.Warningf("%s: failed to wake service goroutine: %v", c.tag, err)
		}
		if err := c.group.Wait(); err != nil {
			glog.Warningf("%s: service goroutine exited: %v", c.tag, err)
		}
		c.group = nil
	}

	if c.regs != nil {
		c.regs.Write32(HDA_INTCTL, 0)
		c.regs.Write8(HDA_CORBCTL, 0)
		c.regs.Write8(HDA_RIRBCTL, 0)
		c.regs.ClearBits32(HDA_GCTL, HDA_GCTL_CRST)
	}

	if c.cmds != nil {
		if err := c.cmds.Close(); err != nil {
			glog.Warningf("%s: failed to free command buffer: %v", c.tag, err)
		}
	}

	if c.pool != nil {
		if err := c.pool.Close(); err != nil {
			glog.Warningf("%s: failed to free BDL memory: %v", c.tag, err)
		}
	}

	if c.published {
		if err := c.platform.Devices.Remove(c.handle); err != nil {
			glog.Warningf("%s: failed to remove device node: %v", c.tag, err)
		}
		c.published = false
	}

	if c.window != nil {
		if err := c.window.Close(); err != nil {
			glog.Warningf("%s: failed to unmap registers: %v", c.tag, err)
		}
		c.window = nil
	}

	if c.irq != nil {
		if err := c.irq.Close(); err != nil {
			glog.Warningf("%s: failed to close IRQ: %v", c.tag, err)
		}
		c.irq = nil
	}

	if c.busMaster {
		if err := c.pci.EnableBusMaster(false); err != nil {
			glog.Warningf("%s: failed to disable bus mastering: %v", c.tag, err)
		}
		c.busMaster = false
	}

	if c.claimed {
		if err := c.pci.Release(); err != nil {
			glog.Warningf("%s: failed to release PCI device: %v", c.tag, err)
		}
		c.claimed = false
	}

	c.setState(StateShutDown)
	glog.V(1).Infof("%s: shut down", c.tag)
}

// Interrupt failures tolerated in a row before the controller gives up and
// shuts itself down.
const (
	maxInterruptErrors   = 8
	maxInterruptBackoff  = 10 * time.Millisecond
	interruptBackoffBase = 100 * time.Microsecond
)

// serviceLoop runs on its own goroutine until the controller shuts down,
// servicing every interrupt. Wait and Ack failures are retried with backoff;
// after maxInterruptErrors in a row the controller is shut down.
func (c *Controller) serviceLoop(irq Interrupt, regs *Registers, cmds *CommandChannel, tag string) error {
	discovered := false
	errs := 0

	fail := func(err error) error {
		errs++
		if errs >= maxInterruptErrors {
			glog.Errorf("%s: %v, giving up after %d failures", tag, err, errs)
			go c.Shutdown()
			return err
		}

		glog.Warningf("%s: %v (%d/%d)", tag, err, errs, maxInterruptErrors)
		time.Sleep(min(interruptBackoffBase<<errs, maxInterruptBackoff))

		return nil
	}

	for {
		waitErr := irq.Wait()

		st := c.State()
		if st == StateShuttingDown || st == StateShutDown {
			return nil
		}

		// A failed wait may have lost an interrupt, so service anyway.
		if waitErr != nil {
			if err := fail(fmt.Errorf("waiting for interrupt: %w", waitErr)); err != nil {
				return err
			}
		}

		// STATESTS is left alone until the first wake in Operating, so codecs
		// announcing themselves before that are picked up by discovery.
		if st == StateOperating && !discovered {
			discovered = true
			c.discoverCodecs(regs, tag)
		}

		c.serviceInterrupt(regs, cmds, tag, discovered)

		if err := irq.Ack(); err != nil {
			if err := fail(fmt.Errorf("acking interrupt: %w", err)); err != nil {
				return err
			}
			continue
		}

		if waitErr == nil {
			errs = 0
		}
	}
}

func (c *Controller) discoverCodecs(regs *Registers, tag string) {
	mask := regs.Read16(HDA_STATESTS) & HDA_STATESTS_MASK
	regs.Write16(HDA_STATESTS, mask)

	c.codecMu.Lock()
	c.codecs = mask
	c.codecMu.Unlock()

	codecs := codecList(mask)
	glog.Infof("%s: found %d codec(s) %v", tag, len(codecs), codecs)

	if c.cfg.OnCodecs != nil {
		c.cfg.OnCodecs(codecs)
	}
}

func (c *Controller) serviceInterrupt(regs *Registers, cmds *CommandChannel, tag string, discovered bool) {
	intsts := regs.Read32(HDA_INTSTS)

	if sts := regs.Read8(HDA_RIRBSTS) & (HDA_RIRBSTS_INTFL | HDA_RIRBSTS_OIS); sts != 0 {
		regs.Write8(HDA_RIRBSTS, sts)
		if sts&HDA_RIRBSTS_OIS != 0 {
			glog.Warningf("%s: RIRB overrun", tag)
		}
	}
	if n := cmds.ProcessResponses(); n > 0 {
		glog.V(2).Infof("%s: processed %d responses", tag, n)
	}

	if regs.Read8(HDA_CORBSTS)&HDA_CORBSTS_MEI != 0 {
		glog.Errorf("%s: CORB memory error", tag)
		regs.Write8(HDA_CORBSTS, HDA_CORBSTS_MEI)
	}

	if sis := intsts & HDA_INTSTS_SIS; sis != 0 {
		total := min(regs.GlobalCaps().TotalStreams(), MaxStreamsPerController)
		for i := 0; i < total; i++ {
			if sis&(1<<i) == 0 {
				continue
			}

			sd := regs.Stream(i)
			if sts := sd.Status() & HDA_SD_STS_MASK; sts != 0 {
				sd.AckStatus(sts)
				glog.V(2).Infof("%s: stream %d status %#02x", tag, i+1, sts)
			}
		}
	}

	if !discovered {
		return
	}

	if change := regs.Read16(HDA_STATESTS) & HDA_STATESTS_MASK; change != 0 {
		regs.Write16(HDA_STATESTS, change)

		c.codecMu.Lock()
		c.codecs |= change
		c.codecMu.Unlock()

		glog.Infof("%s: codec state change %v", tag, codecList(change))
		if c.cfg.OnCodecs != nil {
			c.cfg.OnCodecs(c.Codecs())
		}
	}
}

func codecList(mask uint16) []uint8 {
	var codecs []uint8
	for i := uint8(0); i < 15; i++ {
		if mask&(1<<i) != 0 {
			codecs = append(codecs, i)
		}
	}

	return codecs
}

// Codecs returns the addresses of the codecs that answered after reset.
func (c *Controller) Codecs() []uint8 {
	c.codecMu.Lock()
	defer c.codecMu.Unlock()

	return codecList(c.codecs)
}

// operating returns the running components, or ErrBadState when the
// controller is not operating.
func (c *Controller) operating() (*Registers, *CommandChannel, *StreamPool, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.state != StateOperating {
		return nil, nil, nil, fmt.Errorf("controller is %v: %w", c.state, ErrBadState)
	}

	return c.regs, c.cmds, c.pool, nil
}

// SendCommand queues cmd for its codec.
func (c *Controller) SendCommand(cmd CodecCommand) (*PendingCommand, error) {
	_, cmds, _, err := c.operating()
	if err != nil {
		return nil, err
	}

	return cmds.EnqueueCommand(cmd)
}

// Transact sends cmd and waits for its response.
func (c *Controller) Transact(ctx context.Context, cmd CodecCommand) (CodecResponse, error) {
	p, err := c.SendCommand(cmd)
	if err != nil {
		return CodecResponse{}, err
	}

	resp, err := p.Wait(ctx)
	if err != nil && !errors.Is(err, ErrShutdown) {
		return resp, fmt.Errorf("command %v: %w", cmd, err)
	}

	return resp, err
}

// AcquireStream takes a free stream descriptor of type t.
func (c *Controller) AcquireStream(t StreamType) (*Stream, error) {
	_, _, pool, err := c.operating()
	if err != nil {
		return nil, err
	}

	return pool.Acquire(t)
}

// ReleaseStream hands s back to the pool.
func (c *Controller) ReleaseStream(s *Stream) error {
	_, _, pool, err := c.operating()
	if err != nil {
		return err
	}

	return pool.Release(s)
}

// Commands returns the command channel of an operating controller.
func (c *Controller) Commands() (*CommandChannel, error) {
	_, cmds, _, err := c.operating()
	return cmds, err
}

// Streams returns the stream pool of an operating controller.
func (c *Controller) Streams() (*StreamPool, error) {
	_, _, pool, err := c.operating()
	return pool, err
}

// GlobalCaps returns the capabilities of an operating controller.
func (c *Controller) GlobalCaps() (GlobalCaps, error) {
	regs, _, _, err := c.operating()
	if err != nil {
		return 0, err
	}

	return regs.GlobalCaps(), nil
}
