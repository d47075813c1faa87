package hdasim

import (
	"encoding/binary"
	"sync"

	"github.com/gen2brain/ihda"
)

const (
	regGCAP     = uint32(ihda.HDA_GCAP)
	regVMIN     = uint32(ihda.HDA_VMIN)
	regVMAJ     = uint32(ihda.HDA_VMAJ)
	regGCTL     = uint32(ihda.HDA_GCTL)
	regSTATESTS = uint32(ihda.HDA_STATESTS)
	regINTCTL   = uint32(ihda.HDA_INTCTL)
	regINTSTS   = uint32(ihda.HDA_INTSTS)
	regCORBLBAS = uint32(ihda.HDA_CORBLBASE)
	regCORBUBAS = uint32(ihda.HDA_CORBUBASE)
	regCORBWP   = uint32(ihda.HDA_CORBWP)
	regCORBRP   = uint32(ihda.HDA_CORBRP)
	regCORBCTL  = uint32(ihda.HDA_CORBCTL)
	regCORBSTS  = uint32(ihda.HDA_CORBSTS)
	regCORBSIZE = uint32(ihda.HDA_CORBSIZE)
	regRIRBLBAS = uint32(ihda.HDA_RIRBLBASE)
	regRIRBUBAS = uint32(ihda.HDA_RIRBUBASE)
	regRIRBWP   = uint32(ihda.HDA_RIRBWP)
	regRIRBCTL  = uint32(ihda.HDA_RIRBCTL)
	regRIRBSTS  = uint32(ihda.HDA_RIRBSTS)
	regRIRBSIZE = uint32(ihda.HDA_RIRBSIZE)

	sdEnd = ihda.HDA_SD_BASE + ihda.MaxStreamsPerController*ihda.HDA_SD_STRIDE
)

// hardware models the register file and the CORB/RIRB DMA engines.
type hardware struct {
	cfg *Config
	mem *Memory
	irq *IRQ

	mu     sync.Mutex
	regs   [ihda.RegisterWindowSize]byte
	rirbWP uint32
	held   []uint32
}

func newHardware(cfg *Config, mem *Memory, irq *IRQ) *hardware {
	hw := &hardware{cfg: cfg, mem: mem, irq: irq}

	var gcap uint16
	if cfg.Supports64Bit {
		gcap |= 1
	}
	gcap |= uint16(cfg.Bidir&0x1F) << 3
	gcap |= uint16(cfg.Inputs&0xF) << 8
	gcap |= uint16(cfg.Outputs&0xF) << 12
	hw.put16(regGCAP, gcap)
	hw.put8(regVMAJ, cfg.VersionMajor)
	hw.put8(regVMIN, cfg.VersionMinor)

	// Controllers come out of firmware running.
	hw.put32(regGCTL, ihda.HDA_GCTL_CRST)
	hw.put16(regSTATESTS, cfg.Codecs&ihda.HDA_STATESTS_MASK)
	hw.put8(regCORBSIZE, cfg.RingCaps&0xF0)
	hw.put8(regRIRBSIZE, cfg.RingCaps&0xF0)

	return hw
}

func (hw *hardware) get8(off uint32) uint8   { return hw.regs[off] }
func (hw *hardware) get16(off uint32) uint16 { return binary.LittleEndian.Uint16(hw.regs[off:]) }
func (hw *hardware) get32(off uint32) uint32 { return binary.LittleEndian.Uint32(hw.regs[off:]) }

func (hw *hardware) put8(off uint32, v uint8)   { hw.regs[off] = v }
func (hw *hardware) put16(off uint32, v uint16) { binary.LittleEndian.PutUint16(hw.regs[off:], v) }
func (hw *hardware) put32(off uint32, v uint32) { binary.LittleEndian.PutUint32(hw.regs[off:], v) }

func (hw *hardware) read(off uint32, width int) uint32 {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	if off == regINTSTS && width == 4 {
		return hw.intsts()
	}

	switch width {
	case 1:
		return uint32(hw.get8(off))
	case 2:
		return uint32(hw.get16(off))
	default:
		return hw.get32(off)
	}
}

func (hw *hardware) write(off uint32, width int, v uint32) {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	switch {
	case off == regGCAP || off == regVMAJ || off == regVMIN || off == regINTSTS:
		// read only
	case off == regGCTL:
		hw.writeGCTL(v)
	case off == regSTATESTS:
		hw.put16(off, hw.get16(off)&^uint16(v))
	case off == regINTCTL:
		hw.put32(off, v)
		hw.raise()
	case off == regCORBWP:
		hw.put16(off, uint16(v)&ihda.HDA_CORBWP_MASK)
		hw.runCORB()
	case off == regCORBRP:
		hw.writeCORBRP(uint16(v))
	case off == regCORBCTL:
		hw.put8(off, uint8(v))
		hw.runCORB()
	case off == regCORBSTS || off == regRIRBSTS:
		hw.put8(off, hw.get8(off)&^uint8(v))
	case off == regCORBSIZE || off == regRIRBSIZE:
		hw.put8(off, hw.get8(off)&^ihda.HDA_RINGSIZE_CFG_MASK|uint8(v)&ihda.HDA_RINGSIZE_CFG_MASK)
	case off == regRIRBWP:
		if v&ihda.HDA_RIRBWP_RST != 0 {
			hw.rirbWP = 0
			hw.put16(off, 0)
		}
	case off >= ihda.HDA_SD_BASE && off < sdEnd:
		hw.writeStream(off, width, v)
	default:
		hw.store(off, width, v)
	}
}

func (hw *hardware) store(off uint32, width int, v uint32) {
	switch width {
	case 1:
		hw.put8(off, uint8(v))
	case 2:
		hw.put16(off, uint16(v))
	default:
		hw.put32(off, v)
	}
}

func (hw *hardware) writeGCTL(v uint32) {
	if hw.cfg.StuckReset {
		// CRST never follows the driver.
		v = v&^ihda.HDA_GCTL_CRST | hw.get32(regGCTL)&ihda.HDA_GCTL_CRST
	}

	was := hw.get32(regGCTL)&ihda.HDA_GCTL_CRST != 0
	now := v&ihda.HDA_GCTL_CRST != 0

	switch {
	case was && !now:
		hw.enterReset()
	case !was && now:
		// Codecs announce themselves when the link comes up.
		hw.put16(regSTATESTS, hw.cfg.Codecs&ihda.HDA_STATESTS_MASK)
	}
	hw.put32(regGCTL, v)
}

// enterReset returns every register but the capabilities to its default.
func (hw *hardware) enterReset() {
	keep := map[uint32]uint8{}
	for _, off := range []uint32{regGCAP, regGCAP + 1, regVMIN, regVMAJ} {
		keep[off] = hw.regs[off]
	}

	hw.regs = [ihda.RegisterWindowSize]byte{}
	for off, v := range keep {
		hw.regs[off] = v
	}
	hw.put8(regCORBSIZE, hw.cfg.RingCaps&0xF0)
	hw.put8(regRIRBSIZE, hw.cfg.RingCaps&0xF0)
	hw.rirbWP = 0
	hw.held = nil
}

func (hw *hardware) writeCORBRP(v uint16) {
	if v&ihda.HDA_CORBRP_RST != 0 {
		if hw.cfg.StuckCORBReset {
			return
		}
		hw.put16(regCORBRP, ihda.HDA_CORBRP_RST)
		return
	}

	hw.put16(regCORBRP, 0)
}

func (hw *hardware) writeStream(off uint32, width int, v uint32) {
	rel := (off - ihda.HDA_SD_BASE) % ihda.HDA_SD_STRIDE
	base := off - rel

	switch {
	case rel == uint32(ihda.HDA_SD_CTL) && width == 4:
		ctl := v & 0xFFFFFF
		if ctl&ihda.HDA_SD_CTL_SRST != 0 {
			if hw.cfg.StuckStreamReset {
				ctl &^= ihda.HDA_SD_CTL_SRST
			}
			ctl &^= ihda.HDA_SD_CTL_RUN
		}
		sts := hw.get8(base+uint32(ihda.HDA_SD_STS)) &^ uint8(v>>24)
		hw.put32(base, ctl|uint32(sts)<<24)
	case rel == uint32(ihda.HDA_SD_STS) && width == 1:
		hw.put8(off, hw.get8(off)&^uint8(v))
	default:
		hw.store(off, width, v)
	}
}

func ringEntries(size uint8) uint32 {
	switch size & ihda.HDA_RINGSIZE_CFG_MASK {
	case ihda.HDA_RINGSIZE_CFG_256ENT:
		return 256
	case ihda.HDA_RINGSIZE_CFG_16ENT:
		return 16
	default:
		return 2
	}
}

func (hw *hardware) corbBase() uint64 {
	return uint64(hw.get32(regCORBUBAS))<<32 | uint64(hw.get32(regCORBLBAS))
}

func (hw *hardware) rirbBase() uint64 {
	return uint64(hw.get32(regRIRBUBAS))<<32 | uint64(hw.get32(regRIRBLBAS))
}

// runCORB fetches every command between the read and write pointers.
func (hw *hardware) runCORB() {
	if hw.get8(regCORBCTL)&ihda.HDA_CORBCTL_RUN == 0 {
		return
	}

	mask := ringEntries(hw.get8(regCORBSIZE)) - 1
	wp := uint32(hw.get16(regCORBWP)) & mask
	rp := uint32(hw.get16(regCORBRP)) & mask

	for rp != wp {
		rp = (rp + 1) & mask
		b := hw.mem.resolve(hw.corbBase()+uint64(rp)*4, 4)
		if b == nil {
			hw.memoryError()
			break
		}
		cmd := binary.LittleEndian.Uint32(b)

		if hw.cfg.ManualResponses {
			hw.held = append(hw.held, cmd)
		} else {
			hw.respond(cmd)
		}
	}
	hw.put16(regCORBRP, uint16(rp))
	hw.raise()
}

func (hw *hardware) memoryError() {
	if hw.get8(regCORBCTL)&ihda.HDA_CORBCTL_MEIE != 0 {
		hw.put8(regCORBSTS, hw.get8(regCORBSTS)|ihda.HDA_CORBSTS_MEI)
	}
}

func (hw *hardware) respond(cmd uint32) {
	var data uint32
	if hw.cfg.Responder != nil {
		data = hw.cfg.Responder(cmd)
	} else {
		data = DefaultResponder(hw.cfg.VendorID)(cmd)
	}

	hw.writeResponse(data, cmd>>28)
}

// writeResponse appends one entry to the RIRB and updates the interrupt
// count.
func (hw *hardware) writeResponse(data, ex uint32) {
	if hw.get8(regRIRBCTL)&ihda.HDA_RIRBCTL_RUN == 0 {
		return
	}

	mask := ringEntries(hw.get8(regRIRBSIZE)) - 1
	wp := (hw.rirbWP + 1) & mask
	b := hw.mem.resolve(hw.rirbBase()+uint64(wp)*8, 8)
	if b == nil {
		return
	}
	binary.LittleEndian.PutUint32(b[0:], data)
	binary.LittleEndian.PutUint32(b[4:], ex)

	hw.rirbWP = wp
	hw.put16(regRIRBWP, uint16(wp))

	// Real controllers also interrupt once the CORB runs dry, so every
	// batch is flagged regardless of RINTCNT.
	if hw.get8(regRIRBCTL)&ihda.HDA_RIRBCTL_RINTCTL != 0 {
		hw.put8(regRIRBSTS, hw.get8(regRIRBSTS)|ihda.HDA_RIRBSTS_INTFL)
	}
}

// intsts computes INTSTS from the individual status registers.
func (hw *hardware) intsts() uint32 {
	var v uint32

	if hw.get8(regRIRBSTS)&(ihda.HDA_RIRBSTS_INTFL|ihda.HDA_RIRBSTS_OIS) != 0 ||
		hw.get8(regCORBSTS)&ihda.HDA_CORBSTS_MEI != 0 ||
		hw.get16(regSTATESTS)&ihda.HDA_STATESTS_MASK != 0 {
		v |= ihda.HDA_INTSTS_CIS
	}

	for i := 0; i < ihda.MaxStreamsPerController; i++ {
		base := uint32(ihda.HDA_SD_BASE + i*ihda.HDA_SD_STRIDE)
		if hw.get8(base+uint32(ihda.HDA_SD_STS))&ihda.HDA_SD_STS_MASK != 0 {
			v |= 1 << i
		}
	}

	if v != 0 {
		v |= ihda.HDA_INTSTS_GIS
	}

	return v
}

// raise fires the interrupt line when an enabled source is pending.
func (hw *hardware) raise() {
	ctl := hw.get32(regINTCTL)
	if ctl&ihda.HDA_INTCTL_GIE == 0 {
		return
	}

	sts := hw.intsts()
	if sts&ihda.HDA_INTSTS_CIS != 0 && ctl&ihda.HDA_INTCTL_CIE != 0 || sts&ctl&ihda.HDA_INTSTS_SIS != 0 {
		hw.irq.fire()
	}
}

func (hw *hardware) flush(n int) int {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	if n < 0 || n > len(hw.held) {
		n = len(hw.held)
	}

	for _, cmd := range hw.held[:n] {
		hw.respond(cmd)
	}
	hw.held = hw.held[n:]
	hw.raise()

	return n
}

func (hw *hardware) pending() int {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	return len(hw.held)
}

func (hw *hardware) unsolicited(codec uint8, data uint32) {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	hw.writeResponse(data, uint32(codec&0xF)|1<<4)
	hw.raise()
}

func (hw *hardware) codecStateChange(mask uint16) {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	hw.put16(regSTATESTS, hw.get16(regSTATESTS)|mask&ihda.HDA_STATESTS_MASK)
	hw.raise()
}

func (hw *hardware) streamStatus(i int, bits uint8) {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	off := uint32(ihda.HDA_SD_BASE+i*ihda.HDA_SD_STRIDE) + uint32(ihda.HDA_SD_STS)
	hw.put8(off, hw.get8(off)|bits&ihda.HDA_SD_STS_MASK)
	hw.raise()
}
