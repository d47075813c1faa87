package ihda

import (
	"fmt"
)

// Reg8, Reg16 and Reg32 are byte offsets of controller registers of the
// corresponding width within BAR 0.
type (
	Reg8  uint32
	Reg16 uint32
	Reg32 uint32
)

// Global and ring buffer registers (HDA 1.0a, section 3.3).
const (
	HDA_GCAP      Reg16 = 0x00 // global capabilities
	HDA_VMIN      Reg8  = 0x02 // minor version
	HDA_VMAJ      Reg8  = 0x03 // major version
	HDA_OUTPAY    Reg16 = 0x04 // output payload capability
	HDA_INPAY     Reg16 = 0x06 // input payload capability
	HDA_GCTL      Reg32 = 0x08 // global control
	HDA_WAKEEN    Reg16 = 0x0C // wake enable
	HDA_STATESTS  Reg16 = 0x0E // state change status
	HDA_GSTS      Reg16 = 0x10 // global status
	HDA_INTCTL    Reg32 = 0x20 // interrupt control
	HDA_INTSTS    Reg32 = 0x24 // interrupt status
	HDA_WALCLK    Reg32 = 0x30 // wall clock counter
	HDA_SSYNC     Reg32 = 0x38 // stream synchronization
	HDA_CORBLBASE Reg32 = 0x40 // CORB lower base address
	HDA_CORBUBASE Reg32 = 0x44 // CORB upper base address
	HDA_CORBWP    Reg16 = 0x48 // CORB write pointer
	HDA_CORBRP    Reg16 = 0x4A // CORB read pointer
	HDA_CORBCTL   Reg8  = 0x4C // CORB control
	HDA_CORBSTS   Reg8  = 0x4D // CORB status
	HDA_CORBSIZE  Reg8  = 0x4E // CORB size
	HDA_RIRBLBASE Reg32 = 0x50 // RIRB lower base address
	HDA_RIRBUBASE Reg32 = 0x54 // RIRB upper base address
	HDA_RIRBWP    Reg16 = 0x58 // RIRB write pointer
	HDA_RINTCNT   Reg16 = 0x5A // response interrupt count
	HDA_RIRBCTL   Reg8  = 0x5C // RIRB control
	HDA_RIRBSTS   Reg8  = 0x5D // RIRB status
	HDA_RIRBSIZE  Reg8  = 0x5E // RIRB size
	HDA_DPLBASE   Reg32 = 0x70 // DMA position lower base address
	HDA_DPUBASE   Reg32 = 0x74 // DMA position upper base address
)

// Register bit fields.
const (
	HDA_GCTL_CRST   = 1 << 0 // controller reset, 0 holds the link in reset
	HDA_GCTL_FCNTRL = 1 << 1
	HDA_GCTL_UNSOL  = 1 << 8 // accept unsolicited responses

	HDA_INTCTL_GIE = 1 << 31 // global interrupt enable
	HDA_INTCTL_CIE = 1 << 30 // controller interrupt enable
	HDA_INTCTL_SIE = 0x3FFFFFFF

	HDA_INTSTS_GIS = 1 << 31
	HDA_INTSTS_CIS = 1 << 30
	HDA_INTSTS_SIS = 0x3FFFFFFF

	HDA_CORBRP_RST  = 1 << 15 // CORB read pointer reset
	HDA_CORBWP_MASK = 0xFF

	HDA_CORBCTL_MEIE = 1 << 0 // memory error interrupt enable
	HDA_CORBCTL_RUN  = 1 << 1 // CORB DMA engine run
	HDA_CORBSTS_MEI  = 1 << 0 // memory error indication

	HDA_RIRBWP_RST  = 1 << 15 // RIRB write pointer reset
	HDA_RIRBWP_MASK = 0xFF

	HDA_RIRBCTL_RINTCTL = 1 << 0 // response interrupt control
	HDA_RIRBCTL_RUN     = 1 << 1 // RIRB DMA engine run
	HDA_RIRBCTL_OIC     = 1 << 2 // overrun interrupt control
	HDA_RIRBSTS_INTFL   = 1 << 0 // response interrupt flag
	HDA_RIRBSTS_OIS     = 1 << 2 // response overrun interrupt status

	// Ring size register, identical layout for CORBSIZE and RIRBSIZE.
	HDA_RINGSIZE_CAP_2ENT   = 1 << 4
	HDA_RINGSIZE_CAP_16ENT  = 1 << 5
	HDA_RINGSIZE_CAP_256ENT = 1 << 6
	HDA_RINGSIZE_CFG_2ENT   = 0x0
	HDA_RINGSIZE_CFG_16ENT  = 0x1
	HDA_RINGSIZE_CFG_256ENT = 0x2
	HDA_RINGSIZE_CFG_MASK   = 0x3

	HDA_STATESTS_MASK = 0x7FFF
)

// Stream descriptor registers, relative to the start of a descriptor block.
const (
	HDA_SD_BASE   = 0x80 // first stream descriptor
	HDA_SD_STRIDE = 0x20 // size of one descriptor block

	HDA_SD_CTL   Reg32 = 0x00 // control, low 24 bits (shares the word with STS)
	HDA_SD_STS   Reg8  = 0x03 // status
	HDA_SD_LPIB  Reg32 = 0x04 // link position in buffer
	HDA_SD_CBL   Reg32 = 0x08 // cyclic buffer length
	HDA_SD_LVI   Reg16 = 0x0C // last valid index
	HDA_SD_FIFOD Reg16 = 0x10 // FIFO size
	HDA_SD_FMT   Reg16 = 0x12 // format
	HDA_SD_BDPL  Reg32 = 0x18 // BDL pointer lower base address
	HDA_SD_BDPU  Reg32 = 0x1C // BDL pointer upper base address

	HDA_SD_CTL_SRST = 1 << 0 // stream reset
	HDA_SD_CTL_RUN  = 1 << 1
	HDA_SD_CTL_IOCE = 1 << 2 // interrupt on completion enable
	HDA_SD_CTL_FEIE = 1 << 3 // FIFO error interrupt enable
	HDA_SD_CTL_DEIE = 1 << 4 // descriptor error interrupt enable

	HDA_SD_STS_BCIS  = 1 << 2 // buffer completion interrupt status
	HDA_SD_STS_FIFOE = 1 << 3
	HDA_SD_STS_DESE  = 1 << 4
	HDA_SD_STS_MASK  = HDA_SD_STS_BCIS | HDA_SD_STS_FIFOE | HDA_SD_STS_DESE
)

const (
	// RegisterWindowSize is the exact BAR 0 size of an HDA controller,
	// including the stream descriptor alias region.
	RegisterWindowSize = 0x4000

	// MaxStreamsPerController is the number of stream descriptor blocks in
	// the register map.
	MaxStreamsPerController = 30

	// SupportedVersionMajor and SupportedVersionMinor name the only
	// hardware revision the driver accepts.
	SupportedVersionMajor = 1
	SupportedVersionMinor = 0

	// RingBaseAlign is the required alignment of the CORB and RIRB base
	// addresses (sections 4.4.1.1 and 4.4.2.2).
	RingBaseAlign = 128
)

// GlobalCaps is the decoded GCAP register.
type GlobalCaps uint16

// Supports64Bit reports whether the controller can DMA above 4GB.
func (g GlobalCaps) Supports64Bit() bool { return g&0x1 != 0 }

// SerialDataOutLines returns the number of SDO lines supported.
func (g GlobalCaps) SerialDataOutLines() int {
	switch (g >> 1) & 0x3 {
	case 0:
		return 1
	case 1:
		return 2
	default:
		return 4
	}
}

// BidirStreams returns the number of bidirectional stream descriptors.
func (g GlobalCaps) BidirStreams() int { return int((g >> 3) & 0x1F) }

// InputStreams returns the number of input stream descriptors.
func (g GlobalCaps) InputStreams() int { return int((g >> 8) & 0xF) }

// OutputStreams returns the number of output stream descriptors.
func (g GlobalCaps) OutputStreams() int { return int((g >> 12) & 0xF) }

// TotalStreams returns the sum of all stream descriptor counts.
func (g GlobalCaps) TotalStreams() int {
	return g.InputStreams() + g.OutputStreams() + g.BidirStreams()
}

// String returns a human-readable summary of the capabilities.
func (g GlobalCaps) String() string {
	return fmt.Sprintf("in %d, out %d, bidir %d, sdo %d, 64bit %t",
		g.InputStreams(), g.OutputStreams(), g.BidirStreams(), g.SerialDataOutLines(), g.Supports64Bit())
}

// Registers is a typed view of the controller register window.
type Registers struct {
	w RegisterWindow
}

// NewRegisters checks that w has the exact size of an HDA register map and
// wraps it.
func NewRegisters(w RegisterWindow) (*Registers, error) {
	if w == nil {
		return nil, fmt.Errorf("nil register window: %w", ErrInvalidArgument)
	}

	if w.Size() != RegisterWindowSize {
		return nil, fmt.Errorf("bad register window size (expected %#x got %#x): %w",
			RegisterWindowSize, w.Size(), ErrInvalidArgument)
	}

	return &Registers{w: w}, nil
}

// Window returns the underlying register window.
func (r *Registers) Window() RegisterWindow { return r.w }

// Read8 reads an 8-bit register.
func (r *Registers) Read8(reg Reg8) uint8 { return r.w.Read8(uint32(reg)) }

// Read16 reads a 16-bit register.
func (r *Registers) Read16(reg Reg16) uint16 { return r.w.Read16(uint32(reg)) }

// Read32 reads a 32-bit register.
func (r *Registers) Read32(reg Reg32) uint32 { return r.w.Read32(uint32(reg)) }

// Write8 writes an 8-bit register.
func (r *Registers) Write8(reg Reg8, v uint8) { r.w.Write8(uint32(reg), v) }

// Write16 writes a 16-bit register.
func (r *Registers) Write16(reg Reg16, v uint16) { r.w.Write16(uint32(reg), v) }

// Write32 writes a 32-bit register.
func (r *Registers) Write32(reg Reg32, v uint32) { r.w.Write32(uint32(reg), v) }

// Barrier orders register and shared memory accesses.
func (r *Registers) Barrier() { r.w.Barrier() }

// SetBits32 performs a read-modify-write setting bits, bracketed by barriers.
func (r *Registers) SetBits32(reg Reg32, bits uint32) {
	r.w.Barrier()
	r.w.Write32(uint32(reg), r.w.Read32(uint32(reg))|bits)
	r.w.Barrier()
}

// ClearBits32 performs a read-modify-write clearing bits, bracketed by barriers.
func (r *Registers) ClearBits32(reg Reg32, bits uint32) {
	r.w.Barrier()
	r.w.Write32(uint32(reg), r.w.Read32(uint32(reg))&^bits)
	r.w.Barrier()
}

// GlobalCaps decodes the GCAP register.
func (r *Registers) GlobalCaps() GlobalCaps { return GlobalCaps(r.Read16(HDA_GCAP)) }

// Version returns the major and minor hardware revision.
func (r *Registers) Version() (major, minor uint8) {
	return r.Read8(HDA_VMAJ), r.Read8(HDA_VMIN)
}

// Stream returns the register block of stream descriptor i.
func (r *Registers) Stream(i int) *StreamRegisters {
	if i < 0 || i >= MaxStreamsPerController {
		panic(fmt.Sprintf("ihda: stream descriptor index %d out of range", i))
	}

	return &StreamRegisters{r: r, base: uint32(HDA_SD_BASE + i*HDA_SD_STRIDE)}
}

// StreamRegisters addresses one stream descriptor register block.
type StreamRegisters struct {
	r    *Registers
	base uint32
}

// Base returns the byte offset of the block within the register window.
func (s *StreamRegisters) Base() uint32 { return s.base }

// Control reads the 24-bit control field.
func (s *StreamRegisters) Control() uint32 {
	return s.r.w.Read32(s.base+uint32(HDA_SD_CTL)) & 0xFFFFFF
}

// SetControl writes the 24-bit control field without touching the status byte.
func (s *StreamRegisters) SetControl(v uint32) {
	// STS is write-one-to-clear and shares the word, so keep it zero.
	s.r.w.Write32(s.base+uint32(HDA_SD_CTL), v&0xFFFFFF)
}

// Status reads the stream status byte.
func (s *StreamRegisters) Status() uint8 { return s.r.w.Read8(s.base + uint32(HDA_SD_STS)) }

// AckStatus clears the given write-one-to-clear status bits.
func (s *StreamRegisters) AckStatus(bits uint8) { s.r.w.Write8(s.base+uint32(HDA_SD_STS), bits) }

// SetFormat writes the stream format word.
func (s *StreamRegisters) SetFormat(v uint16) { s.r.w.Write16(s.base+uint32(HDA_SD_FMT), v) }

// Format reads the stream format word.
func (s *StreamRegisters) Format() uint16 { return s.r.w.Read16(s.base + uint32(HDA_SD_FMT)) }

// SetBDL programs the BDL base address, last valid index and cyclic buffer length.
func (s *StreamRegisters) SetBDL(phys uint64, lastValid uint16, cyclicLen uint32) {
	s.r.w.Write32(s.base+uint32(HDA_SD_BDPL), uint32(phys&0xFFFFFFFF))
	s.r.w.Write32(s.base+uint32(HDA_SD_BDPU), uint32(phys>>32))
	s.r.w.Write16(s.base+uint32(HDA_SD_LVI), lastValid)
	s.r.w.Write32(s.base+uint32(HDA_SD_CBL), cyclicLen)
	s.r.w.Barrier()
}
