package ihda

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/go-audio/audio"
	"github.com/golang/glog"
)

// StreamType is the direction a stream descriptor is wired for.
type StreamType int

const (
	StreamInput StreamType = iota
	StreamOutput
	StreamBidirectional
)

// String returns the name of the stream type.
func (t StreamType) String() string {
	switch t {
	case StreamInput:
		return "input"
	case StreamOutput:
		return "output"
	case StreamBidirectional:
		return "bidir"
	default:
		return "invalid"
	}
}

const (
	// MaxBDLLength is the number of buffer descriptor entries per stream.
	MaxBDLLength = 256

	// BDLEntrySize is the size in bytes of one buffer descriptor entry.
	BDLEntrySize = 16

	bdlSize = MaxBDLLength * BDLEntrySize

	// MaxStreamTag is the largest value of the 4-bit SDnCTL stream tag.
	// Tag 0 is reserved for unused links.
	MaxStreamTag = 15
)

// ClassifyStream returns the type of descriptor i given the GCAP counts.
// Descriptors are laid out inputs first, then outputs, then bidirectional.
func ClassifyStream(i, inputs, outputs int) StreamType {
	switch {
	case i < inputs:
		return StreamInput
	case i < inputs+outputs:
		return StreamOutput
	default:
		return StreamBidirectional
	}
}

// StreamTag returns the link tag of descriptor i, or 0 when none is left.
// Inputs and outputs draw tags from separate namespaces; bidirectional
// descriptors continue the output numbering.
func StreamTag(i, inputs, outputs int) uint8 {
	tag := i + 1
	if i >= inputs {
		tag = i - inputs + 1
	}

	if tag > MaxStreamTag {
		return 0
	}

	return uint8(tag)
}

// Stream is one stream descriptor together with its buffer descriptor list.
type Stream struct {
	id      uint8
	tag     uint8
	typ     StreamType
	regs    *StreamRegisters
	cfg     *Config
	bdl     []byte
	bdlPhys uint64
}

// ID returns the 1-based descriptor number.
func (s *Stream) ID() uint8 { return s.id }

// Tag returns the stream tag programmed by Reset, 0 when the descriptor has
// none.
func (s *Stream) Tag() uint8 { return s.tag }

// Type returns the stream direction.
func (s *Stream) Type() StreamType { return s.typ }

// Registers returns the descriptor register block.
func (s *Stream) Registers() *StreamRegisters { return s.regs }

// BDL returns the mapped buffer descriptor list region.
func (s *Stream) BDL() []byte { return s.bdl }

// BDLPhysAddr returns the bus address of the buffer descriptor list.
func (s *Stream) BDLPhysAddr() uint64 { return s.bdlPhys }

// String returns a human-readable representation of the stream.
func (s *Stream) String() string {
	return fmt.Sprintf("stream %d (%s) tag %d bdl %#x", s.id, s.typ, s.tag, s.bdlPhys)
}

// SetBDLEntry fills buffer descriptor entry i (section 3.6.3).
func (s *Stream) SetBDLEntry(i int, addr uint64, length uint32, ioc bool) error {
	if i < 0 || i >= MaxBDLLength {
		return fmt.Errorf("BDL index %d out of range: %w", i, ErrInvalidArgument)
	}

	var flags uint32
	if ioc {
		flags = 1
	}

	e := s.bdl[i*BDLEntrySize : (i+1)*BDLEntrySize]
	binary.LittleEndian.PutUint64(e[0:], addr)
	binary.LittleEndian.PutUint32(e[8:], length)
	binary.LittleEndian.PutUint32(e[12:], flags)

	return nil
}

// BDLEntry reads back buffer descriptor entry i.
func (s *Stream) BDLEntry(i int) (addr uint64, length uint32, ioc bool, err error) {
	if i < 0 || i >= MaxBDLLength {
		return 0, 0, false, fmt.Errorf("BDL index %d out of range: %w", i, ErrInvalidArgument)
	}

	e := s.bdl[i*BDLEntrySize : (i+1)*BDLEntrySize]

	return binary.LittleEndian.Uint64(e[0:]), binary.LittleEndian.Uint32(e[8:]), binary.LittleEndian.Uint32(e[12:])&1 != 0, nil
}

// ProgramBDL points the descriptor at its buffer descriptor list, using
// entries 0 through entries-1 that together cover cyclicLen bytes.
func (s *Stream) ProgramBDL(entries int, cyclicLen uint32) error {
	if entries < 2 || entries > MaxBDLLength {
		return fmt.Errorf("BDL needs 2 to %d entries, got %d: %w", MaxBDLLength, entries, ErrInvalidArgument)
	}

	if s.regs.Control()&HDA_SD_CTL_RUN != 0 {
		return fmt.Errorf("stream %d is running: %w", s.id, ErrBadState)
	}

	s.regs.SetBDL(s.bdlPhys, uint16(entries-1), cyclicLen)

	return nil
}

// Reset stops the descriptor and runs it through stream reset, leaving
// its stream tag programmed.
func (s *Stream) Reset() error {
	if s.tag == 0 {
		return fmt.Errorf("stream %d has no free stream tag: %w", s.id, ErrNotSupported)
	}

	if err := resetStream(s.regs, s.cfg); err != nil {
		return fmt.Errorf("stream %d: %w", s.id, err)
	}

	s.regs.AckStatus(HDA_SD_STS_MASK)
	ctl := s.regs.Control() &^ (0xF << 20)
	s.regs.SetControl(ctl | uint32(s.tag)<<20)

	return nil
}

// SetFormat programs the stream format register from an audio format and
// sample size.
func (s *Stream) SetFormat(f *audio.Format, bitDepth int) error {
	v, err := EncodeStreamFormat(f, bitDepth)
	if err != nil {
		return err
	}

	s.regs.SetFormat(v)

	return nil
}

// EncodeStreamFormat builds the PCM stream format word (section 3.7.1).
// The sample rate must be expressible as 48 or 44.1 kHz multiplied by 1 to 4
// and divided by 1 to 8.
func EncodeStreamFormat(f *audio.Format, bitDepth int) (uint16, error) {
	if f == nil {
		return 0, fmt.Errorf("nil format: %w", ErrInvalidArgument)
	}

	if f.NumChannels < 1 || f.NumChannels > 16 {
		return 0, fmt.Errorf("%d channels: %w", f.NumChannels, ErrNotSupported)
	}

	var bits uint16
	switch bitDepth {
	case 8:
		bits = 0
	case 16:
		bits = 1
	case 20:
		bits = 2
	case 24:
		bits = 3
	case 32:
		bits = 4
	default:
		return 0, fmt.Errorf("%d bits per sample: %w", bitDepth, ErrNotSupported)
	}

	rate, ok := encodeRate(f.SampleRate)
	if !ok {
		return 0, fmt.Errorf("sample rate %d: %w", f.SampleRate, ErrNotSupported)
	}

	return rate | bits<<4 | uint16(f.NumChannels-1), nil
}

func encodeRate(rate int) (uint16, bool) {
	for base, baseRate := range [...]int{48000, 44100} {
		for mult := 1; mult <= 4; mult++ {
			for div := 1; div <= 8; div++ {
				if baseRate*mult != rate*div {
					continue
				}

				return uint16(base)<<14 | uint16(mult-1)<<11 | uint16(div-1)<<8, true
			}
		}
	}

	return 0, false
}

// StreamPool hands out the controller's stream descriptors.
type StreamPool struct {
	regs *Registers
	cfg  *Config
	tag  string

	mu      sync.Mutex
	mem     DMABuffer
	streams []*Stream
	free    []*Stream
	inUse   map[*Stream]bool
}

// NewStreamPool creates an empty pool. Setup populates it.
func NewStreamPool(regs *Registers, cfg *Config, tag string) *StreamPool {
	return &StreamPool{regs: regs, cfg: cfg, tag: tag}
}

// Setup reads the stream counts from GCAP, allocates one BDL region per
// descriptor and fills the free list.
func (p *StreamPool) Setup(alloc DMAAllocator) error {
	if alloc == nil {
		return fmt.Errorf("nil DMA allocator: %w", ErrInvalidArgument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mem != nil {
		return fmt.Errorf("stream pool already set up: %w", ErrBadState)
	}

	caps := p.regs.GlobalCaps()
	in, out, bidir := caps.InputStreams(), caps.OutputStreams(), caps.BidirStreams()
	total := in + out + bidir
	if total == 0 || total > MaxStreamsPerController {
		glog.Errorf("%s: invalid stream counts in GCAP register (in %d out %d bidir %d; max %d)",
			p.tag, in, out, bidir, MaxStreamsPerController)
		return fmt.Errorf("%d stream descriptors: %w", total, ErrInternal)
	}

	size := bdlSize * total
	mem, err := alloc.Alloc(size)
	if err != nil {
		glog.Errorf("%s: failed to allocate %d bytes of contiguous memory for buffer descriptor lists: %v",
			p.tag, size, err)
		return fmt.Errorf("allocating BDL memory: %w", err)
	}
	p.mem = mem

	buf := mem.Bytes()
	if len(buf) < size {
		return fmt.Errorf("BDL memory is %d bytes, need %d: %w", len(buf), size, ErrNoMemory)
	}
	clear(buf[:size])

	if mem.PhysAddr()>>32 != 0 && !caps.Supports64Bit() {
		glog.Errorf("%s: controller does not support 64-bit physical addressing (BDLs at %#x)", p.tag, mem.PhysAddr())
		return fmt.Errorf("BDL memory at %#x needs 64-bit addressing: %w", mem.PhysAddr(), ErrNotSupported)
	}

	p.streams = make([]*Stream, 0, total)
	p.free = make([]*Stream, 0, total)
	p.inUse = make(map[*Stream]bool, total)
	for i := 0; i < total; i++ {
		off := i * bdlSize
		s := &Stream{
			id:      uint8(i + 1),
			tag:     StreamTag(i, in, out),
			typ:     ClassifyStream(i, in, out),
			regs:    p.regs.Stream(i),
			cfg:     p.cfg,
			bdl:     buf[off : off+bdlSize : off+bdlSize],
			bdlPhys: mem.PhysAddr() + uint64(off),
		}
		p.streams = append(p.streams, s)
		p.free = append(p.free, s)
	}

	glog.V(1).Infof("%s: %d streams (%v)", p.tag, total, caps)

	return nil
}

// Acquire takes a free descriptor of the requested type. Input and output
// requests fall back to a bidirectional descriptor. It fails with ErrBusy
// when nothing suitable is free.
func (p *StreamPool) Acquire(t StreamType) (*Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mem == nil {
		return nil, fmt.Errorf("stream pool not set up: %w", ErrBadState)
	}

	i := p.findFree(t)
	if i < 0 && t != StreamBidirectional {
		i = p.findFree(StreamBidirectional)
	}
	if i < 0 {
		return nil, fmt.Errorf("no free %s stream: %w", t, ErrBusy)
	}

	s := p.free[i]
	p.free = append(p.free[:i], p.free[i+1:]...)
	p.inUse[s] = true

	glog.V(2).Infof("%s: acquired %v", p.tag, s)

	return s, nil
}

func (p *StreamPool) findFree(t StreamType) int {
	for i, s := range p.free {
		if s.typ == t {
			return i
		}
	}

	return -1
}

// Release returns a descriptor to the free list. Releasing a descriptor
// that is not held from this pool fails with ErrBadState.
func (p *StreamPool) Release(s *Stream) error {
	if s == nil {
		return fmt.Errorf("nil stream: %w", ErrInvalidArgument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inUse[s] {
		glog.Warningf("%s: release of %v which is not in use", p.tag, s)
		return fmt.Errorf("%v not in use: %w", s, ErrBadState)
	}

	delete(p.inUse, s)
	p.free = append(p.free, s)

	glog.V(2).Infof("%s: released %v", p.tag, s)

	return nil
}

// Streams returns every descriptor in hardware order.
func (p *StreamPool) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]*Stream(nil), p.streams...)
}

// Free returns the number of free descriptors.
func (p *StreamPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.free)
}

// Close drops all descriptors and frees the BDL memory. It is safe to call
// more than once.
func (p *StreamPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	mem := p.mem
	p.mem = nil
	p.streams = nil
	p.free = nil
	p.inUse = nil

	if mem == nil {
		return nil
	}

	return mem.Close()
}
