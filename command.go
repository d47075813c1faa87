package ihda

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// SelectRingSize picks the largest ring size advertised in a CORBSIZE or
// RIRBSIZE capability field and returns the entry count together with the
// configuration code to write back.
func SelectRingSize(caps uint8) (entries uint32, cfg uint8, err error) {
	switch {
	case caps&HDA_RINGSIZE_CAP_256ENT != 0:
		return 256, HDA_RINGSIZE_CFG_256ENT, nil
	case caps&HDA_RINGSIZE_CAP_16ENT != 0:
		return 16, HDA_RINGSIZE_CFG_16ENT, nil
	case caps&HDA_RINGSIZE_CAP_2ENT != 0:
		return 2, HDA_RINGSIZE_CFG_2ENT, nil
	default:
		return 0, 0, fmt.Errorf("invalid ring buffer capabilities %#02x: %w", caps, ErrBadState)
	}
}

// ComputeMaxInFlight returns how many commands may be outstanding so that
// the RIRB cannot overflow before the driver services it.
func ComputeMaxInFlight(corbMask, rirbMask uint32) uint32 {
	limit := uint32(1)
	if rirbMask > ReservedResponseSlots {
		limit = rirbMask - ReservedResponseSlots
	}

	return min(limit, corbMask)
}

// ResponseThreshold returns the RINTCNT value for a RIRB of the given size.
// It batches responses while leaving reserved slots for the hardware to
// write into during interrupt latency.
func ResponseThreshold(rirbEntries uint32) uint16 {
	thresh := rirbEntries - 1
	if thresh > ReservedResponseSlots {
		thresh -= ReservedResponseSlots
	}

	return uint16(thresh)
}

// CommandChannel owns the CORB and RIRB rings.
//
// The CORB and RIRB sides are guarded by independent locks. Paths that
// need both take the RIRB lock first.
type CommandChannel struct {
	regs          *Registers
	cfg           *Config
	tag           string
	onUnsolicited UnsolicitedHandler

	corbMu      sync.Mutex
	mem         DMABuffer
	corb        []byte
	corbEntries uint32
	corbMask    uint32
	corbWP      uint32
	maxInFlight uint32
	inFlight    uint32
	pending     []*PendingCommand
	closed      bool

	rirbMu      sync.Mutex
	rirb        []byte
	rirbEntries uint32
	rirbMask    uint32
	rirbRP      uint32 // shadow read pointer, the hardware has none
}

// NewCommandChannel creates a command channel on top of regs. Setup must be
// called before commands can be sent.
func NewCommandChannel(regs *Registers, cfg *Config, tag string, onUnsolicited UnsolicitedHandler) *CommandChannel {
	return &CommandChannel{
		regs:          regs,
		cfg:           cfg,
		tag:           tag,
		onUnsolicited: onUnsolicited,
	}
}

// Setup allocates the ring memory and programs both rings.
func (c *CommandChannel) Setup(alloc DMAAllocator) error {
	if alloc == nil {
		return fmt.Errorf("nil DMA allocator: %w", ErrInvalidArgument)
	}

	c.rirbMu.Lock()
	defer c.rirbMu.Unlock()
	c.corbMu.Lock()
	defer c.corbMu.Unlock()

	if c.mem != nil || c.closed {
		return fmt.Errorf("command buffer already set up: %w", ErrBadState)
	}

	mem, err := alloc.Alloc(CommandBufferSize)
	if err != nil {
		glog.Errorf("%s: failed to allocate %d bytes for CORB/RIRB command buffers: %v", c.tag, CommandBufferSize, err)
		return fmt.Errorf("allocating command buffer: %w", err)
	}
	c.mem = mem

	buf := mem.Bytes()
	if len(buf) < CommandBufferSize {
		return fmt.Errorf("command buffer is %d bytes, need %d: %w", len(buf), CommandBufferSize, ErrNoMemory)
	}
	clear(buf[:CommandBufferSize])

	regs := c.regs

	// Hold both engines stopped while reprogramming.
	regs.Write8(HDA_CORBCTL, 0)
	regs.Write8(HDA_RIRBCTL, 0)
	regs.Barrier()

	regs.Write16(HDA_CORBWP, 0)
	c.corbWP = 0
	if err := ResetCORBReadPointer(regs, c.cfg); err != nil {
		glog.Errorf("%s: %v", c.tag, err)
		return err
	}

	c.rirbRP = 0
	regs.Write16(HDA_RIRBWP, HDA_RIRBWP_RST)

	c.corbEntries, err = c.setupRingSize(HDA_CORBSIZE)
	if err != nil {
		return err
	}

	c.rirbEntries, err = c.setupRingSize(HDA_RIRBSIZE)
	if err != nil {
		return err
	}

	c.corbMask = c.corbEntries - 1
	c.rirbMask = c.rirbEntries - 1
	c.maxInFlight = ComputeMaxInFlight(c.corbMask, c.rirbMask)

	phys := mem.PhysAddr()
	if phys>>32 != 0 && !regs.GlobalCaps().Supports64Bit() {
		glog.Errorf("%s: controller does not support 64-bit physical addressing (buffer at %#x)", c.tag, phys)
		return fmt.Errorf("command buffer at %#x needs 64-bit addressing: %w", phys, ErrNotSupported)
	}

	corbPhys := phys
	rirbPhys := phys + CORBMaxBytes
	if corbPhys%RingBaseAlign != 0 || rirbPhys%RingBaseAlign != 0 {
		return fmt.Errorf("command buffer at %#x is not %d byte aligned: %w", phys, RingBaseAlign, ErrInternal)
	}

	regs.Write32(HDA_CORBLBASE, uint32(corbPhys&0xFFFFFFFF))
	regs.Write32(HDA_CORBUBASE, uint32(corbPhys>>32))
	regs.Write32(HDA_RIRBLBASE, uint32(rirbPhys&0xFFFFFFFF))
	regs.Write32(HDA_RIRBUBASE, uint32(rirbPhys>>32))
	c.corb = buf[:CORBMaxBytes]
	c.rirb = buf[CORBMaxBytes : CORBMaxBytes+RIRBMaxBytes]

	regs.Write16(HDA_RINTCNT, ResponseThreshold(c.rirbEntries))

	// Clear lingering status, then start both engines with their interrupts.
	regs.Write8(HDA_CORBSTS, HDA_CORBSTS_MEI)
	regs.Write8(HDA_RIRBSTS, HDA_RIRBSTS_INTFL|HDA_RIRBSTS_OIS)
	regs.Barrier()
	regs.Write8(HDA_CORBCTL, HDA_CORBCTL_MEIE|HDA_CORBCTL_RUN)
	regs.Write8(HDA_RIRBCTL, HDA_RIRBCTL_RINTCTL|HDA_RIRBCTL_RUN|HDA_RIRBCTL_OIC)
	regs.Barrier()

	glog.V(1).Infof("%s: CORB %d entries, RIRB %d entries, %d commands in flight max",
		c.tag, c.corbEntries, c.rirbEntries, c.maxInFlight)

	return nil
}

// setupRingSize selects and programs the size of one ring. CORBSIZE and
// RIRBSIZE share their bit layout.
func (c *CommandChannel) setupRingSize(reg Reg8) (uint32, error) {
	caps := c.regs.Read8(reg)
	entries, cfg, err := SelectRingSize(caps)
	if err != nil {
		glog.Errorf("%s: %v", c.tag, err)
		return 0, err
	}

	c.regs.Write8(reg, (caps&^HDA_RINGSIZE_CFG_MASK)|cfg)

	return entries, nil
}

// EnqueueCommand writes cmd to the CORB and returns a handle to its response.
// It fails with ErrBusy, changing nothing, when the in-flight limit is reached.
func (c *CommandChannel) EnqueueCommand(cmd CodecCommand) (*PendingCommand, error) {
	c.corbMu.Lock()
	defer c.corbMu.Unlock()

	if c.corb == nil {
		return nil, fmt.Errorf("command channel not running: %w", ErrBadState)
	}

	if c.inFlight >= c.maxInFlight {
		return nil, fmt.Errorf("%d commands in flight: %w", c.inFlight, ErrBusy)
	}

	wp := (c.corbWP + 1) & c.corbMask
	store32(c.corb, int(wp)*corbEntrySize, uint32(cmd))

	p := newPendingCommand(cmd)
	c.pending = append(c.pending, p)
	c.corbWP = wp
	c.inFlight++

	c.regs.Barrier()
	c.regs.Write16(HDA_CORBWP, uint16(wp))

	glog.V(2).Infof("%s: sent %v (wp %d, in flight %d)", c.tag, cmd, wp, c.inFlight)

	return p, nil
}

// ProcessResponses drains every RIRB entry the hardware has written since
// the last call and returns how many were consumed.
func (c *CommandChannel) ProcessResponses() int {
	c.rirbMu.Lock()
	defer c.rirbMu.Unlock()

	if c.rirb == nil {
		return 0
	}

	wp := uint32(c.regs.Read16(HDA_RIRBWP)) & c.rirbMask
	c.regs.Barrier()

	n := 0
	for c.rirbRP != wp {
		rp := (c.rirbRP + 1) & c.rirbMask
		off := int(rp) * rirbEntrySize
		resp := CodecResponse{
			Data: load32(c.rirb, off),
			Ex:   load32(c.rirb, off+4),
		}
		c.rirbRP = rp
		n++

		if resp.Unsolicited() {
			glog.V(2).Infof("%s: unsolicited response %v", c.tag, resp)
			if c.onUnsolicited != nil {
				c.onUnsolicited(resp)
			}
			continue
		}

		p := c.popPending()
		if p == nil {
			glog.Warningf("%s: dropping response with no command in flight (%v)", c.tag, resp)
			continue
		}

		if p.cmd.CodecAddr() != resp.CodecAddr() {
			glog.Warningf("%s: response from codec %d for command %v sent to codec %d",
				c.tag, resp.CodecAddr(), p.cmd, p.cmd.CodecAddr())
		}
		p.complete(resp, nil)
	}

	return n
}

func (c *CommandChannel) popPending() *PendingCommand {
	c.corbMu.Lock()
	defer c.corbMu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}

	p := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	c.inFlight--

	return p
}

// Close stops both rings, cancels pending commands with ErrShutdown and
// frees the ring memory. It is safe to call more than once.
func (c *CommandChannel) Close() error {
	c.rirbMu.Lock()
	c.corbMu.Lock()

	mem := c.mem
	pending := c.pending
	if mem != nil {
		c.regs.Write8(HDA_CORBCTL, 0)
		c.regs.Write8(HDA_RIRBCTL, 0)
		c.regs.Barrier()
	}
	c.mem = nil
	c.corb = nil
	c.rirb = nil
	c.pending = nil
	c.inFlight = 0
	c.closed = true

	c.corbMu.Unlock()
	c.rirbMu.Unlock()

	for _, p := range pending {
		p.complete(CodecResponse{}, ErrShutdown)
	}

	if mem == nil {
		return nil
	}

	return mem.Close()
}

// InFlight returns the number of commands awaiting a response.
func (c *CommandChannel) InFlight() uint32 {
	c.corbMu.Lock()
	defer c.corbMu.Unlock()
	return c.inFlight
}

// MaxInFlight returns the in-flight command limit.
func (c *CommandChannel) MaxInFlight() uint32 {
	c.corbMu.Lock()
	defer c.corbMu.Unlock()
	return c.maxInFlight
}

// WritePointer returns the index of the last CORB entry written.
func (c *CommandChannel) WritePointer() uint32 {
	c.corbMu.Lock()
	defer c.corbMu.Unlock()
	return c.corbWP
}

// ReadPointer returns the index of the last RIRB entry consumed.
func (c *CommandChannel) ReadPointer() uint32 {
	c.rirbMu.Lock()
	defer c.rirbMu.Unlock()
	return c.rirbRP
}

// CORBEntries returns the selected CORB size.
func (c *CommandChannel) CORBEntries() uint32 {
	c.corbMu.Lock()
	defer c.corbMu.Unlock()
	return c.corbEntries
}

// RIRBEntries returns the selected RIRB size.
func (c *CommandChannel) RIRBEntries() uint32 {
	c.rirbMu.Lock()
	defer c.rirbMu.Unlock()
	return c.rirbEntries
}
