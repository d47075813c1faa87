package ihda

import (
	"fmt"
	"sync/atomic"
)

// Platform is the environment controllers are created in.
type Platform struct {
	// DMA allocates the ring and buffer descriptor list memory.
	DMA DMAAllocator

	// Devices receives a node for every operating controller.
	Devices DeviceRegistry

	ids atomic.Uint32
}

// NewPlatform returns a platform using alloc and devices.
func NewPlatform(alloc DMAAllocator, devices DeviceRegistry) *Platform {
	return &Platform{DMA: alloc, Devices: devices}
}

func (p *Platform) validate() error {
	if p == nil {
		return fmt.Errorf("nil platform: %w", ErrInvalidArgument)
	}

	if p.DMA == nil || p.Devices == nil {
		return fmt.Errorf("platform needs a DMA allocator and a device registry: %w", ErrInvalidArgument)
	}

	return nil
}

// nextID returns the next controller number, starting at 0.
func (p *Platform) nextID() uint32 {
	return p.ids.Add(1) - 1
}
