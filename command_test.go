package ihda_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/ihda"
	"github.com/gen2brain/ihda/hdasim"
)

// manualConfig returns a simulated controller with 16 entry rings that
// holds commands until they are flushed.
func manualConfig() hdasim.Config {
	cfg := hdasim.DefaultConfig()
	cfg.RingCaps = ihda.HDA_RINGSIZE_CAP_16ENT
	cfg.ManualResponses = true

	return cfg
}

// newChannel sets up a command channel directly on a simulated controller,
// without a controller or service goroutine around it.
func newChannel(t *testing.T, cfg hdasim.Config, onUnsol ...ihda.UnsolicitedHandler) (*hdasim.Device, *ihda.CommandChannel) {
	t.Helper()

	dev := hdasim.New(cfg)
	regs := mapRegisters(t, dev)
	hcfg := ihda.DefaultConfig()

	var handler ihda.UnsolicitedHandler
	if len(onUnsol) > 0 {
		handler = onUnsol[0]
	}

	ch := ihda.NewCommandChannel(regs, &hcfg, "test", handler)
	require.NoError(t, ch.Setup(dev.Memory()))
	t.Cleanup(func() { _ = ch.Close() })

	return dev, ch
}

func TestSelectRingSize(t *testing.T) {
	testCases := []struct {
		name    string
		caps    uint8
		entries uint32
		cfg     uint8
		err     error
	}{
		{"All", 0x70, 256, ihda.HDA_RINGSIZE_CFG_256ENT, nil},
		{"All with config bits", 0x72, 256, ihda.HDA_RINGSIZE_CFG_256ENT, nil},
		{"16and2", 0x30, 16, ihda.HDA_RINGSIZE_CFG_16ENT, nil},
		{"256Only", 0x40, 256, ihda.HDA_RINGSIZE_CFG_256ENT, nil},
		{"2Only", 0x10, 2, ihda.HDA_RINGSIZE_CFG_2ENT, nil},
		{"None", 0x00, 0, 0, ihda.ErrBadState},
		{"ReservedOnly", 0x83, 0, 0, ihda.ErrBadState},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			entries, cfg, err := ihda.SelectRingSize(tc.caps)
			if tc.err != nil {
				assert.True(t, errors.Is(err, tc.err), "expected %v, got %v", tc.err, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.entries, entries)
			assert.Equal(t, tc.cfg, cfg)
		})
	}
}

func TestComputeMaxInFlight(t *testing.T) {
	sizes := []uint32{2, 16, 256}

	for _, corb := range sizes {
		for _, rirb := range sizes {
			t.Run(fmt.Sprintf("CORB%d_RIRB%d", corb, rirb), func(t *testing.T) {
				corbMask, rirbMask := corb-1, rirb-1
				limit := ihda.ComputeMaxInFlight(corbMask, rirbMask)

				assert.GreaterOrEqual(t, limit, uint32(1))
				assert.LessOrEqual(t, limit, corbMask, "limit must fit in the CORB")
				if rirbMask > ihda.ReservedResponseSlots {
					assert.LessOrEqual(t, limit+ihda.ReservedResponseSlots, rirbMask,
						"limit must leave the reserved RIRB slots free")
				}
			})
		}
	}

	assert.Equal(t, uint32(247), ihda.ComputeMaxInFlight(255, 255))
	assert.Equal(t, uint32(7), ihda.ComputeMaxInFlight(15, 15))
	assert.Equal(t, uint32(1), ihda.ComputeMaxInFlight(1, 255))
	assert.Equal(t, uint32(1), ihda.ComputeMaxInFlight(255, 1))
}

func TestResponseThreshold(t *testing.T) {
	assert.Equal(t, uint16(1), ihda.ResponseThreshold(2))
	assert.Equal(t, uint16(7), ihda.ResponseThreshold(16))
	assert.Equal(t, uint16(247), ihda.ResponseThreshold(256))
}

func TestCommandChannelSetup(t *testing.T) {
	dev, ch := newChannel(t, hdasim.DefaultConfig())

	assert.Equal(t, uint32(256), ch.CORBEntries())
	assert.Equal(t, uint32(256), ch.RIRBEntries())
	assert.Equal(t, uint32(247), ch.MaxInFlight())
	assert.Zero(t, ch.InFlight())
	assert.Zero(t, ch.WritePointer())
	assert.Zero(t, ch.ReadPointer())

	corbBase := uint64(dev.Register(uint32(ihda.HDA_CORBUBASE), 4))<<32 | uint64(dev.Register(uint32(ihda.HDA_CORBLBASE), 4))
	rirbBase := uint64(dev.Register(uint32(ihda.HDA_RIRBUBASE), 4))<<32 | uint64(dev.Register(uint32(ihda.HDA_RIRBLBASE), 4))
	assert.Zero(t, corbBase%ihda.RingBaseAlign)
	assert.Equal(t, corbBase+ihda.CORBMaxBytes, rirbBase, "RIRB follows the largest CORB")

	assert.Equal(t, uint32(ihda.HDA_RINGSIZE_CFG_256ENT), dev.Register(uint32(ihda.HDA_CORBSIZE), 1)&ihda.HDA_RINGSIZE_CFG_MASK)
	assert.Equal(t, uint32(247), dev.Register(uint32(ihda.HDA_RINTCNT), 2))
	assert.Equal(t, uint32(ihda.HDA_CORBCTL_MEIE|ihda.HDA_CORBCTL_RUN), dev.Register(uint32(ihda.HDA_CORBCTL), 1))
	assert.Equal(t, uint32(ihda.HDA_RIRBCTL_RINTCTL|ihda.HDA_RIRBCTL_RUN|ihda.HDA_RIRBCTL_OIC), dev.Register(uint32(ihda.HDA_RIRBCTL), 1))

	assert.True(t, errors.Is(ch.Setup(dev.Memory()), ihda.ErrBadState), "second setup should fail")
}

func TestCommandChannelSetupFailures(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(cfg *hdasim.Config)
		err    error
	}{
		{"NoRingSizes", func(cfg *hdasim.Config) { cfg.RingCaps = 0 }, ihda.ErrBadState},
		{"StuckCORBReset", func(cfg *hdasim.Config) { cfg.StuckCORBReset = true }, ihda.ErrTimeout},
		{"HighMemoryWithout64OK", func(cfg *hdasim.Config) {
			cfg.PhysBase = 0x1_0000_0000
			cfg.Supports64Bit = false
		}, ihda.ErrNotSupported},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := hdasim.DefaultConfig()
			tc.modify(&cfg)
			dev := hdasim.New(cfg)
			hcfg := ihda.DefaultConfig()

			ch := ihda.NewCommandChannel(mapRegisters(t, dev), &hcfg, "test", nil)
			err := ch.Setup(dev.Memory())
			assert.True(t, errors.Is(err, tc.err), "expected %v, got %v", tc.err, err)

			require.NoError(t, ch.Close())
			require.NoError(t, ch.Close(), "close must be idempotent")
			assert.Zero(t, dev.Memory().Live(), "command buffer leaked")
			assert.Zero(t, dev.DoubleFrees())
		})
	}

	t.Run("AllocationFailure", func(t *testing.T) {
		dev := hdasim.New(hdasim.DefaultConfig())
		dev.Memory().FailOnAlloc(1)
		hcfg := ihda.DefaultConfig()

		ch := ihda.NewCommandChannel(mapRegisters(t, dev), &hcfg, "test", nil)
		assert.True(t, errors.Is(ch.Setup(dev.Memory()), ihda.ErrNoMemory))
		assert.NoError(t, ch.Close())
	})
}

func TestCommandRoundTrip(t *testing.T) {
	dev, ch := newChannel(t, hdasim.DefaultConfig())

	// Enough commands to wrap both rings several times.
	const total = 1000
	pending := make([]*ihda.PendingCommand, 0, total)
	for i := 0; i < total; i++ {
		cmd := ihda.NewCodecCommand(0, uint8(i%16), uint32(0x70000+i))
		p, err := ch.EnqueueCommand(cmd)
		require.NoError(t, err, "command %d", i)
		pending = append(pending, p)

		if i%100 == 99 {
			assert.Equal(t, 100, ch.ProcessResponses())
		}
	}

	assert.Zero(t, ch.InFlight())
	assert.Equal(t, uint32(total%256), ch.WritePointer())
	assert.Equal(t, uint32(total%256), ch.ReadPointer())
	assert.Equal(t, uint32(total%256), dev.Register(uint32(ihda.HDA_CORBWP), 2))

	for i, p := range pending {
		resp, err := p.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint32(p.Command()), resp.Data, "response %d out of order", i)
	}
}

func TestCommandBusy(t *testing.T) {
	dev, ch := newChannel(t, manualConfig())
	limit := ch.MaxInFlight()
	require.Equal(t, uint32(7), limit)

	for i := uint32(0); i < limit; i++ {
		_, err := ch.EnqueueCommand(ihda.NewCodecCommand(0, 0, 0xF0000+i))
		require.NoError(t, err)
	}

	wp := ch.WritePointer()
	hwWP := dev.Register(uint32(ihda.HDA_CORBWP), 2)

	_, err := ch.EnqueueCommand(ihda.NewCodecCommand(0, 0, 0xF0000))
	assert.True(t, errors.Is(err, ihda.ErrBusy), "expected busy, got %v", err)
	assert.Equal(t, limit, ch.InFlight(), "busy must not change the in-flight count")
	assert.Equal(t, wp, ch.WritePointer(), "busy must not move the write pointer")
	assert.Equal(t, hwWP, dev.Register(uint32(ihda.HDA_CORBWP), 2), "busy must not touch CORBWP")
	assert.Equal(t, int(limit), dev.Held())

	assert.Equal(t, int(limit), dev.Flush(-1))
	assert.Equal(t, int(limit), ch.ProcessResponses())
	assert.Zero(t, ch.InFlight())

	_, err = ch.EnqueueCommand(ihda.NewCodecCommand(0, 0, 0xF0000))
	assert.NoError(t, err, "slots should be free again")
}

func TestCommandPartialDrain(t *testing.T) {
	dev, ch := newChannel(t, manualConfig())

	var pending []*ihda.PendingCommand
	for i := 0; i < 5; i++ {
		p, err := ch.EnqueueCommand(ihda.NewCodecCommand(0, 1, uint32(i)))
		require.NoError(t, err)
		pending = append(pending, p)
	}

	assert.Zero(t, ch.ProcessResponses(), "nothing answered yet")
	assert.Equal(t, 2, dev.Flush(2))
	assert.Equal(t, 2, ch.ProcessResponses())
	assert.Equal(t, uint32(3), ch.InFlight())

	for i, p := range pending {
		select {
		case <-p.Done():
			assert.Less(t, i, 2, "command %d completed early", i)
		default:
			assert.GreaterOrEqual(t, i, 2, "command %d should be complete", i)
		}
	}
}

func TestCommandUnsolicited(t *testing.T) {
	var (
		mu  sync.Mutex
		got []ihda.CodecResponse
	)
	dev, ch := newChannel(t, manualConfig(), func(resp ihda.CodecResponse) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, resp)
	})

	p, err := ch.EnqueueCommand(ihda.NewCodecCommand(0, 2, 0xF0900))
	require.NoError(t, err)

	dev.InjectUnsolicited(2, 0x04000000)
	dev.Flush(-1)

	assert.Equal(t, 2, ch.ProcessResponses())
	assert.Zero(t, ch.InFlight(), "unsolicited responses must not consume command slots")

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, uint8(2), got[0].CodecAddr())
	assert.Equal(t, uint32(0x04000000), got[0].Data)
	mu.Unlock()

	resp, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, resp.Unsolicited())
	assert.Equal(t, uint32(p.Command()), resp.Data)
}

func TestCommandCloseCancelsPending(t *testing.T) {
	dev, ch := newChannel(t, manualConfig())

	p, err := ch.EnqueueCommand(ihda.NewCodecCommand(0, 0, 0xF0000))
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	_, err = p.Wait(context.Background())
	assert.True(t, errors.Is(err, ihda.ErrShutdown))
	assert.Zero(t, dev.Memory().Live())
	assert.Zero(t, dev.Register(uint32(ihda.HDA_CORBCTL), 1), "CORB should be stopped")

	_, err = ch.EnqueueCommand(ihda.NewCodecCommand(0, 0, 0xF0000))
	assert.True(t, errors.Is(err, ihda.ErrBadState))
	assert.Zero(t, ch.ProcessResponses())
	assert.NoError(t, ch.Close())
	assert.Zero(t, dev.DoubleFrees())
}
