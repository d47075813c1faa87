package ihda

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// CodecCommand is an opaque 32-bit verb addressed to a codec.
type CodecCommand uint32

// NewCodecCommand packs a codec address, node id and 20-bit verb payload.
func NewCodecCommand(codec, nid uint8, verb uint32) CodecCommand {
	return CodecCommand(uint32(codec&0xF)<<28 | uint32(nid)<<20 | verb&0xFFFFF)
}

// CodecAddr returns the address of the codec the command is sent to.
func (c CodecCommand) CodecAddr() uint8 { return uint8(c >> 28) }

// String returns the command in hex.
func (c CodecCommand) String() string { return fmt.Sprintf("%#08x", uint32(c)) }

// CodecResponse is one RIRB entry.
type CodecResponse struct {
	Data uint32
	Ex   uint32
}

// CodecAddr returns the address of the codec that sent the response.
func (r CodecResponse) CodecAddr() uint8 { return uint8(r.Ex & 0xF) }

// Unsolicited reports whether the codec sent the response on its own.
func (r CodecResponse) Unsolicited() bool { return r.Ex&(1<<4) != 0 }

// String returns a human-readable representation of the response.
func (r CodecResponse) String() string {
	return fmt.Sprintf("codec %d data %#08x unsol %t", r.CodecAddr(), r.Data, r.Unsolicited())
}

const (
	corbEntrySize = 4
	rirbEntrySize = 8

	// CORBMaxBytes and RIRBMaxBytes are the ring sizes at 256 entries.
	CORBMaxBytes = 256 * corbEntrySize
	RIRBMaxBytes = 256 * rirbEntrySize

	// CommandBufferSize holds both rings and fits a single page.
	CommandBufferSize = 4096
)

// PendingCommand is a command written to the CORB whose response has not
// been consumed yet.
type PendingCommand struct {
	cmd  CodecCommand
	done chan struct{}
	resp CodecResponse
	err  error
}

func newPendingCommand(cmd CodecCommand) *PendingCommand {
	return &PendingCommand{cmd: cmd, done: make(chan struct{})}
}

// Command returns the command that was sent.
func (p *PendingCommand) Command() CodecCommand { return p.cmd }

// Done is closed once the command completes or is cancelled.
func (p *PendingCommand) Done() <-chan struct{} { return p.done }

// Wait blocks until the response arrives, the command is cancelled or ctx ends.
func (p *PendingCommand) Wait(ctx context.Context) (CodecResponse, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return CodecResponse{}, ctx.Err()
	}
}

func (p *PendingCommand) complete(resp CodecResponse, err error) {
	p.resp = resp
	p.err = err
	close(p.done)
}

// Shared ring memory is accessed with 32-bit atomics so that stores are
// single, ordered and visible to the DMA engine. Entries are little endian,
// which matches every host HDA controllers ship in.

func load32(b []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[off])))
}

func store32(b []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[off])), v)
}
