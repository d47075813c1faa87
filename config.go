package ihda

import "time"

// Hardware timing defaults.
const (
	DefaultResetHoldTime      = 100 * time.Microsecond // HDA 1.0a section 5.5.1.2
	DefaultResetTimeout       = time.Millisecond
	DefaultRingResetTimeout   = time.Millisecond
	DefaultResetPollInterval  = 10 * time.Microsecond
	DefaultCodecDiscoveryWait = 521 * time.Microsecond // HDA 1.0a section 4.3

	// ReservedResponseSlots is the RIRB capacity kept free for responses
	// that arrive while an interrupt is being serviced.
	ReservedResponseSlots = 8
)

// UnsolicitedHandler receives unsolicited codec responses on the response goroutine.
type UnsolicitedHandler func(resp CodecResponse)

// CodecHandler is told which codec addresses answered after reset.
type CodecHandler func(codecs []uint8)

// Config holds the timing parameters and hooks of a controller.
type Config struct {
	ResetHoldTime      time.Duration
	ResetTimeout       time.Duration
	RingResetTimeout   time.Duration
	PollInterval       time.Duration
	CodecDiscoveryWait time.Duration

	// OnUnsolicited is called for every unsolicited response. May be nil.
	// Handlers run on the service goroutine and must not call Shutdown.
	OnUnsolicited UnsolicitedHandler

	// OnCodecs is called once codec discovery completes. May be nil.
	OnCodecs CodecHandler
}

// DefaultConfig returns a configuration with the hardware mandated timings.
func DefaultConfig() Config {
	return Config{
		ResetHoldTime:      DefaultResetHoldTime,
		ResetTimeout:       DefaultResetTimeout,
		RingResetTimeout:   DefaultRingResetTimeout,
		PollInterval:       DefaultResetPollInterval,
		CodecDiscoveryWait: DefaultCodecDiscoveryWait,
	}
}

// withDefaults fills unset timing fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ResetHoldTime == 0 {
		c.ResetHoldTime = d.ResetHoldTime
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.RingResetTimeout == 0 {
		c.RingResetTimeout = d.RingResetTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.CodecDiscoveryWait == 0 {
		c.CodecDiscoveryWait = d.CodecDiscoveryWait
	}

	return c
}
