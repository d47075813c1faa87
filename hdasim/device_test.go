package hdasim_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/ihda"
	"github.com/gen2brain/ihda/hdasim"
)

func TestMemory(t *testing.T) {
	mem := hdasim.NewMemory(0x1000_0123)

	a, err := mem.Alloc(100)
	require.NoError(t, err)
	b, err := mem.Alloc(5000)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x1000_0000), a.PhysAddr(), "base is rounded down to a page")
	assert.Equal(t, uint64(0x1000_1000), b.PhysAddr())
	assert.Len(t, a.Bytes(), 100)
	assert.Len(t, b.Bytes(), 5000)
	assert.Equal(t, 2, mem.Live())

	require.NoError(t, a.Close())
	assert.Error(t, a.Close())
	assert.Equal(t, 1, mem.DoubleFrees())
	assert.Equal(t, 1, mem.Frees())
	assert.Equal(t, 1, mem.Live())

	mem.FailOnAlloc(3)
	_, err = mem.Alloc(10)
	assert.True(t, errors.Is(err, ihda.ErrNoMemory))
	_, err = mem.Alloc(10)
	assert.NoError(t, err, "only one allocation fails")
	assert.Equal(t, 4, mem.Allocs())

	_, err = mem.Alloc(0)
	assert.True(t, errors.Is(err, ihda.ErrInvalidArgument))
}

func TestIRQ(t *testing.T) {
	dev := hdasim.New(hdasim.DefaultConfig())
	irq, err := dev.MapInterrupt(0)
	require.NoError(t, err)

	// Wakeups coalesce, so two signals release a single Wait.
	require.NoError(t, irq.Signal())
	require.NoError(t, irq.Signal())
	require.NoError(t, irq.Wait())
	require.NoError(t, irq.Ack())
	assert.Equal(t, 1, dev.IRQ().Acks())

	require.NoError(t, irq.Close())
	assert.Error(t, irq.Wait())
	assert.Error(t, irq.Ack())
	assert.Error(t, irq.Signal())
	assert.Error(t, irq.Close())
	assert.Equal(t, 1, dev.DoubleFrees())
}

func TestDevice(t *testing.T) {
	dev := hdasim.New(hdasim.DefaultConfig())

	require.NoError(t, dev.Claim())
	assert.True(t, errors.Is(dev.Claim(), ihda.ErrBadState))
	require.NoError(t, dev.SetIRQMode(ihda.IRQModeMSI, 1))
	assert.Equal(t, ihda.IRQModeMSI, dev.IRQMode())

	w, err := dev.MapMMIO(0)
	require.NoError(t, err)
	assert.Equal(t, ihda.RegisterWindowSize, w.Size())
	assert.Equal(t, uint8(1), w.Read8(uint32(ihda.HDA_VMAJ)))

	bus, d, fn, ok := dev.BDF()
	require.True(t, ok)
	assert.Equal(t, []uint8{0x00, 0x1b, 0}, []uint8{bus, d, fn})

	require.NoError(t, dev.EnableBusMaster(true))
	assert.Equal(t, 3, dev.Leaks(), "claim, window and bus mastering are held")

	require.NoError(t, dev.EnableBusMaster(false))
	require.NoError(t, w.Close())
	require.NoError(t, dev.Release())
	assert.Zero(t, dev.Leaks())
	assert.Zero(t, dev.DoubleFrees())

	assert.Error(t, dev.Release())
	assert.Equal(t, 1, dev.DoubleFrees())
}

func TestDefaultResponder(t *testing.T) {
	respond := hdasim.DefaultResponder(0x10EC0269)

	assert.Equal(t, uint32(0x10EC0269), respond(0x000F0000))
	assert.Equal(t, uint32(0x10EC0269), respond(0x200F0000), "any codec address")
	assert.Equal(t, uint32(0x00170500), respond(0x00170500), "other verbs are echoed")
}
