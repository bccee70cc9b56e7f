package epd

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"

	appLog "epdpanel/internal/log"
)

// Clock abstracts time so the handshake can be driven by tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// minResetHold is the shortest level the reset pulse may hold.
const minResetHold = 10 * time.Millisecond

// Timing holds every delay and timeout used while talking to the controller.
type Timing struct {
	// ResetHold is how long each level of the reset pulse is held.
	ResetHold time.Duration
	// PollInterval is the busy line polling cadence.
	PollInterval time.Duration
	// NoBusyDelay replaces a busy wait when no busy line is wired.
	NoBusyDelay time.Duration
	// SoftResetSettle is slept right after the software reset opcode.
	SoftResetSettle time.Duration
	// SoftResetTimeout bounds the busy wait after the one-time software reset.
	SoftResetTimeout time.Duration
	// IdleTimeout bounds the busy waits around RAM writes.
	IdleTimeout time.Duration
	// RefreshTimeout bounds the busy wait after a full refresh.
	RefreshTimeout time.Duration
	// PowerHold is how long the power rail settles after enabling it.
	PowerHold time.Duration
}

// DefaultTiming returns the values the panel is known to work with.
func DefaultTiming() Timing {
	return Timing{
		ResetHold:        10 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		NoBusyDelay:      100 * time.Millisecond,
		SoftResetSettle:  10 * time.Millisecond,
		SoftResetTimeout: 2 * time.Second,
		IdleTimeout:      10 * time.Second,
		RefreshTimeout:   5 * time.Second,
		PowerHold:        100 * time.Millisecond,
	}
}

// normalize replaces zero values with defaults and enforces the minimum
// reset hold.
func (t Timing) normalize() Timing {
	d := DefaultTiming()
	if t.ResetHold < minResetHold {
		t.ResetHold = minResetHold
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	if t.NoBusyDelay <= 0 {
		t.NoBusyDelay = d.NoBusyDelay
	}
	if t.SoftResetSettle < 0 {
		t.SoftResetSettle = 0
	}
	if t.SoftResetTimeout <= 0 {
		t.SoftResetTimeout = d.SoftResetTimeout
	}
	if t.IdleTimeout <= 0 {
		t.IdleTimeout = d.IdleTimeout
	}
	if t.RefreshTimeout <= 0 {
		t.RefreshTimeout = d.RefreshTimeout
	}
	if t.PowerHold < 0 {
		t.PowerHold = 0
	}
	return t
}

// Handshake drives the reset line and watches the busy line. Both lines are
// optional; without them it degrades to logging and fixed delays.
type Handshake struct {
	rst       gpio.PinOut
	busy      gpio.PinIn
	clock     Clock
	keepAlive func()
	timing    Timing

	timeouts int
}

// NewHandshake builds a Handshake. keepAlive is invoked on every busy poll
// and may be nil.
func NewHandshake(rst gpio.PinOut, busy gpio.PinIn, clock Clock, keepAlive func(), timing Timing) *Handshake {
	if clock == nil {
		clock = SystemClock
	}
	return &Handshake{
		rst:       rst,
		busy:      busy,
		clock:     clock,
		keepAlive: keepAlive,
		timing:    timing.normalize(),
	}
}

// HardwareReset pulses the active-low reset line High, Low, High, holding
// each level for ResetHold. Without a reset line it logs and returns nil.
func (h *Handshake) HardwareReset() error {
	if h.rst == nil {
		appLog.Warn("epd: no reset pin configured, skipping hardware reset")
		return nil
	}
	appLog.Debug("epd: hardware reset", "hold", h.timing.ResetHold)
	for _, l := range []gpio.Level{gpio.High, gpio.Low, gpio.High} {
		if err := h.rst.Out(l); err != nil {
			return fmt.Errorf("epd: reset pin %s: %w", l, err)
		}
		h.clock.Sleep(h.timing.ResetHold)
	}
	return nil
}

// WaitUntilIdle blocks until the busy line reads Low or timeout elapses and
// reports whether the controller went idle. A timeout is counted and
// returned as false, never as an error.
func (h *Handshake) WaitUntilIdle(timeout time.Duration) bool {
	if !h.poll(timeout) {
		h.timeouts++
		return false
	}
	return true
}

// poll is WaitUntilIdle without the timeout bookkeeping, for waits where a
// timeout is the usual outcome.
func (h *Handshake) poll(timeout time.Duration) bool {
	if h.busy == nil {
		appLog.Debug("epd: no busy pin, using fixed delay", "delay", h.timing.NoBusyDelay)
		h.clock.Sleep(h.timing.NoBusyDelay)
		return true
	}

	start := h.clock.Now()
	for h.busy.Read() == gpio.High {
		if h.clock.Now().Sub(start) >= timeout {
			return false
		}
		h.clock.Sleep(h.timing.PollInterval)
		if h.keepAlive != nil {
			h.keepAlive()
		}
	}
	appLog.Debug("epd: controller idle", "elapsed", h.clock.Now().Sub(start))
	return true
}

// Busy reports the current busy line reading. ok is false when no busy pin
// is wired.
func (h *Handshake) Busy() (busy, ok bool) {
	if h.busy == nil {
		return false, false
	}
	return h.busy.Read() == gpio.High, true
}

// Timeouts returns how many WaitUntilIdle calls have timed out so far.
func (h *Handshake) Timeouts() int {
	return h.timeouts
}
