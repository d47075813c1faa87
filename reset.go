package ihda

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// WaitCondition polls cond every pollInterval until it returns true or
// timeout elapses. It only sleeps the calling goroutine and always
// terminates with nil or ErrTimeout.
func WaitCondition(timeout, pollInterval time.Duration, cond func() bool) error {
	if timeout <= 0 || pollInterval <= 0 || cond == nil {
		return fmt.Errorf("wait condition (timeout %v, poll %v): %w", timeout, pollInterval, ErrInvalidArgument)
	}

	deadline := time.Now().Add(timeout)
	for !cond() {
		now := time.Now()
		if !now.Before(deadline) {
			return ErrTimeout
		}

		sleep := deadline.Sub(now)
		if pollInterval < sleep {
			sleep = pollInterval
		}
		time.Sleep(sleep)
	}

	return nil
}

// ResetControllerHardware cycles the controller through reset and waits for
// codecs to announce themselves.
func ResetControllerHardware(regs *Registers, cfg *Config, tag string) error {
	err := resetControllerHardware(regs, cfg)
	if errors.Is(err, ErrTimeout) {
		glog.Errorf("%s: timeout during reset", tag)
	}

	return err
}

func resetControllerHardware(regs *Registers, cfg *Config) error {
	// Assert reset and wait for the controller to ack.
	regs.ClearBits32(HDA_GCTL, HDA_GCTL_CRST)
	err := WaitCondition(cfg.ResetTimeout, cfg.PollInterval, func() bool {
		return regs.Read32(HDA_GCTL)&HDA_GCTL_CRST == 0
	})
	if err != nil {
		return fmt.Errorf("entering reset: %w", err)
	}

	time.Sleep(cfg.ResetHoldTime)

	// Release reset and wait for the ack.
	regs.SetBits32(HDA_GCTL, HDA_GCTL_CRST)
	err = WaitCondition(cfg.ResetTimeout, cfg.PollInterval, func() bool {
		return regs.Read32(HDA_GCTL)&HDA_GCTL_CRST != 0
	})
	if err != nil {
		return fmt.Errorf("leaving reset: %w", err)
	}

	time.Sleep(cfg.CodecDiscoveryWait)

	return nil
}

// ResetCORBReadPointer runs the two phase CORB read pointer reset
// handshake (section 3.3.21). The caller must hold the CORB lock.
func ResetCORBReadPointer(regs *Registers, cfg *Config) error {
	regs.Write16(HDA_CORBRP, HDA_CORBRP_RST)
	regs.Barrier()
	err := WaitCondition(cfg.RingResetTimeout, cfg.PollInterval, func() bool {
		return regs.Read16(HDA_CORBRP)&HDA_CORBRP_RST != 0
	})
	if err != nil {
		return fmt.Errorf("CORB read pointer reset ack: %w", err)
	}

	regs.Write16(HDA_CORBRP, 0)
	regs.Barrier()
	err = WaitCondition(cfg.RingResetTimeout, cfg.PollInterval, func() bool {
		return regs.Read16(HDA_CORBRP)&HDA_CORBRP_RST == 0
	})
	if err != nil {
		return fmt.Errorf("CORB read pointer reset release: %w", err)
	}

	return nil
}

// resetStream runs the stream descriptor SRST handshake (section 3.3.35).
func resetStream(sd *StreamRegisters, cfg *Config) error {
	ctl := sd.Control() &^ HDA_SD_CTL_RUN
	sd.SetControl(ctl | HDA_SD_CTL_SRST)
	sd.r.Barrier()
	err := WaitCondition(cfg.RingResetTimeout, cfg.PollInterval, func() bool {
		return sd.Control()&HDA_SD_CTL_SRST != 0
	})
	if err != nil {
		return fmt.Errorf("stream reset ack: %w", err)
	}

	sd.SetControl(ctl &^ HDA_SD_CTL_SRST)
	sd.r.Barrier()
	err = WaitCondition(cfg.RingResetTimeout, cfg.PollInterval, func() bool {
		return sd.Control()&HDA_SD_CTL_SRST == 0
	})
	if err != nil {
		return fmt.Errorf("stream reset release: %w", err)
	}

	return nil
}
