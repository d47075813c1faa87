package ihda_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/ihda"
	"github.com/gen2brain/ihda/hdasim"
)

// mapRegisters maps the register window of a simulated device.
func mapRegisters(t *testing.T, dev *hdasim.Device) *ihda.Registers {
	t.Helper()

	w, err := dev.MapMMIO(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	regs, err := ihda.NewRegisters(w)
	require.NoError(t, err)

	return regs
}

func TestGlobalCaps(t *testing.T) {
	testCases := []struct {
		name                      string
		gcap                      ihda.GlobalCaps
		in, out, bidir, sdo, total int
		wide                      bool
	}{
		{"ICH6", 0x4401, 4, 4, 0, 1, 8, true},
		{"Mixed", 0x3209, 2, 3, 1, 1, 6, true},
		{"32BitOnly", 0x4400, 4, 4, 0, 1, 8, false},
		{"TwoSDO", 0x1102, 1, 1, 0, 2, 2, false},
		{"FourSDO", 0x0004, 0, 0, 0, 4, 0, false},
		{"Max", 0xFFF8, 15, 15, 31, 1, 61, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.in, tc.gcap.InputStreams())
			assert.Equal(t, tc.out, tc.gcap.OutputStreams())
			assert.Equal(t, tc.bidir, tc.gcap.BidirStreams())
			assert.Equal(t, tc.sdo, tc.gcap.SerialDataOutLines())
			assert.Equal(t, tc.total, tc.gcap.TotalStreams())
			assert.Equal(t, tc.wide, tc.gcap.Supports64Bit())
			assert.NotEmpty(t, tc.gcap.String())
		})
	}
}

func TestNewRegisters(t *testing.T) {
	_, err := ihda.NewRegisters(nil)
	assert.True(t, errors.Is(err, ihda.ErrInvalidArgument), "nil window should be rejected")

	cfg := hdasim.DefaultConfig()
	cfg.WindowSize = 0x2000
	w, err := hdasim.New(cfg).MapMMIO(0)
	require.NoError(t, err)

	_, err = ihda.NewRegisters(w)
	assert.True(t, errors.Is(err, ihda.ErrInvalidArgument), "short window should be rejected")
}

func TestRegisters(t *testing.T) {
	cfg := hdasim.DefaultConfig()
	cfg.Inputs, cfg.Outputs, cfg.Bidir = 2, 3, 1
	dev := hdasim.New(cfg)
	regs := mapRegisters(t, dev)

	major, minor := regs.Version()
	assert.Equal(t, uint8(1), major)
	assert.Equal(t, uint8(0), minor)

	caps := regs.GlobalCaps()
	assert.Equal(t, 6, caps.TotalStreams())
	assert.True(t, caps.Supports64Bit())

	regs.SetBits32(ihda.HDA_INTCTL, ihda.HDA_INTCTL_CIE)
	regs.SetBits32(ihda.HDA_INTCTL, ihda.HDA_INTCTL_GIE)
	assert.Equal(t, uint32(ihda.HDA_INTCTL_GIE|ihda.HDA_INTCTL_CIE), regs.Read32(ihda.HDA_INTCTL))

	regs.ClearBits32(ihda.HDA_INTCTL, ihda.HDA_INTCTL_GIE)
	assert.Equal(t, uint32(ihda.HDA_INTCTL_CIE), regs.Read32(ihda.HDA_INTCTL))

	t.Run("StreamBlocks", func(t *testing.T) {
		assert.Equal(t, uint32(0x80), regs.Stream(0).Base())
		assert.Equal(t, uint32(0x80+29*0x20), regs.Stream(29).Base())
		assert.Panics(t, func() { regs.Stream(30) })
		assert.Panics(t, func() { regs.Stream(-1) })
	})

	t.Run("StreamControlKeepsStatus", func(t *testing.T) {
		sd := regs.Stream(1)
		dev.StreamStatus(1, ihda.HDA_SD_STS_BCIS)

		sd.SetControl(ihda.HDA_SD_CTL_IOCE | 0xFF000000)
		assert.Equal(t, uint32(ihda.HDA_SD_CTL_IOCE), sd.Control())
		assert.Equal(t, uint8(ihda.HDA_SD_STS_BCIS), sd.Status(), "control writes must not clear status")

		sd.AckStatus(ihda.HDA_SD_STS_BCIS)
		assert.Zero(t, sd.Status())
	})

	t.Run("StreamFormatAndBDL", func(t *testing.T) {
		sd := regs.Stream(2)
		sd.SetFormat(0x4011)
		assert.Equal(t, uint16(0x4011), sd.Format())

		sd.SetBDL(0x1_2345_6780, 3, 4096)
		base := sd.Base()
		assert.Equal(t, uint32(0x23456780), dev.Register(base+uint32(ihda.HDA_SD_BDPL), 4))
		assert.Equal(t, uint32(0x1), dev.Register(base+uint32(ihda.HDA_SD_BDPU), 4))
		assert.Equal(t, uint32(3), dev.Register(base+uint32(ihda.HDA_SD_LVI), 2))
		assert.Equal(t, uint32(4096), dev.Register(base+uint32(ihda.HDA_SD_CBL), 4))
	})
}
