package ihda_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/ihda"
	"github.com/gen2brain/ihda/hdasim"
)

func TestWaitCondition(t *testing.T) {
	t.Run("ImmediatelyTrue", func(t *testing.T) {
		calls := 0
		err := ihda.WaitCondition(time.Millisecond, 10*time.Microsecond, func() bool {
			calls++
			return true
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("EventuallyTrue", func(t *testing.T) {
		calls := 0
		err := ihda.WaitCondition(time.Second, 10*time.Microsecond, func() bool {
			calls++
			return calls == 5
		})
		assert.NoError(t, err)
		assert.Equal(t, 5, calls)
	})

	t.Run("NeverTrue", func(t *testing.T) {
		const timeout = 20 * time.Millisecond

		start := time.Now()
		err := ihda.WaitCondition(timeout, time.Millisecond, func() bool { return false })
		elapsed := time.Since(start)

		assert.True(t, errors.Is(err, ihda.ErrTimeout), "expected timeout, got %v", err)
		assert.GreaterOrEqual(t, elapsed, timeout, "gave up before the timeout")
		assert.Less(t, elapsed, timeout+time.Second, "overshot the timeout")
	})

	t.Run("PollLongerThanTimeout", func(t *testing.T) {
		start := time.Now()
		err := ihda.WaitCondition(5*time.Millisecond, time.Hour, func() bool { return false })
		assert.True(t, errors.Is(err, ihda.ErrTimeout))
		assert.Less(t, time.Since(start), time.Second, "sleep must be capped at the remaining time")
	})

	t.Run("InvalidArguments", func(t *testing.T) {
		cond := func() bool { return true }
		assert.True(t, errors.Is(ihda.WaitCondition(0, time.Microsecond, cond), ihda.ErrInvalidArgument))
		assert.True(t, errors.Is(ihda.WaitCondition(time.Millisecond, 0, cond), ihda.ErrInvalidArgument))
		assert.True(t, errors.Is(ihda.WaitCondition(-time.Millisecond, time.Microsecond, cond), ihda.ErrInvalidArgument))
		assert.True(t, errors.Is(ihda.WaitCondition(time.Millisecond, time.Microsecond, nil), ihda.ErrInvalidArgument))
	})
}

func TestResetControllerHardware(t *testing.T) {
	cfg := ihda.DefaultConfig()

	t.Run("CodecsAnnounce", func(t *testing.T) {
		sim := hdasim.DefaultConfig()
		sim.Codecs = 0x5
		dev := hdasim.New(sim)
		regs := mapRegisters(t, dev)

		require.NoError(t, ihda.ResetControllerHardware(regs, &cfg, "test"))
		assert.NotZero(t, regs.Read32(ihda.HDA_GCTL)&ihda.HDA_GCTL_CRST, "controller should be out of reset")
		assert.Equal(t, uint16(0x5), regs.Read16(ihda.HDA_STATESTS))
	})

	t.Run("StuckInReset", func(t *testing.T) {
		sim := hdasim.DefaultConfig()
		sim.StuckReset = true
		regs := mapRegisters(t, hdasim.New(sim))

		err := ihda.ResetControllerHardware(regs, &cfg, "test")
		assert.True(t, errors.Is(err, ihda.ErrTimeout), "expected timeout, got %v", err)
	})
}

func TestResetCORBReadPointer(t *testing.T) {
	cfg := ihda.DefaultConfig()

	regs := mapRegisters(t, hdasim.New(hdasim.DefaultConfig()))
	require.NoError(t, ihda.ResetCORBReadPointer(regs, &cfg))
	assert.Zero(t, regs.Read16(ihda.HDA_CORBRP))

	sim := hdasim.DefaultConfig()
	sim.StuckCORBReset = true
	regs = mapRegisters(t, hdasim.New(sim))
	assert.True(t, errors.Is(ihda.ResetCORBReadPointer(regs, &cfg), ihda.ErrTimeout))
}
