package epd

import (
	"fmt"
	"time"

	appLog "epdpanel/internal/log"
)

// Commands
const (
	driverOutputControl            byte = 0x01
	deepSleepMode                  byte = 0x10
	dataEntryModeSetting           byte = 0x11
	swReset                        byte = 0x12
	tempSensorSelect               byte = 0x18
	masterActivation               byte = 0x20
	displayUpdateControl2          byte = 0x22
	writeRAMBW                     byte = 0x24
	writeRAMRed                    byte = 0x26
	borderWaveformControl          byte = 0x3C
	setRAMXAddressStartEndPosition byte = 0x44
	setRAMYAddressStartEndPosition byte = 0x45
	setRAMXAddressCounter          byte = 0x4E
	setRAMYAddressCounter          byte = 0x4F
)

// Register values
const (
	scanStandard       byte = 0x00 // GD=0, SM=0, TB=0
	entryXIncYInc      byte = 0x03
	borderWaveform     byte = 0x05
	internalTempSensor byte = 0x80
	deepSleepMode1     byte = 0x01

	// fullRefresh enables the clock, loads temperature and LUT, displays,
	// then disables analog and the oscillator.
	fullRefresh byte = 0xF7
)

// State is the controller lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateResetting
	StateConfiguring
	StateReady
	StateWriting
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateResetting:
		return "resetting"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateWriting:
		return "writing"
	case StateRefreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// step is one opcode with its payload.
type step struct {
	op   byte
	data []byte
}

// Status is a snapshot of the controller session.
type Status struct {
	State        State  `json:"-"`
	StateName    string `json:"state"`
	Configured   bool   `json:"configured"`
	Updates      int    `json:"updates"`
	BusyTimeouts int    `json:"busy_timeouts"`
	// RefreshTimeouts counts refreshes that left BUSY high past the refresh
	// timeout. This panel does so routinely.
	RefreshTimeouts int           `json:"refresh_timeouts"`
	LastDuration    time.Duration `json:"last_duration_ns"`
	LastError       string        `json:"last_error,omitempty"`
}

// Controller sequences the one-time configuration and the per-update
// write-and-refresh cycle. It owns no locks: callers must serialise Update.
type Controller struct {
	tr     *Transport
	hs     *Handshake
	fb     *FrameBuffer
	clock  Clock
	timing Timing

	state      State
	configured bool

	// plane and zeros are reused across updates.
	plane []byte
	zeros []byte

	updates         int
	refreshTimeouts int
	lastDuration    time.Duration
	lastErr      error
}

// NewController wires the controller to its collaborators.
func NewController(tr *Transport, hs *Handshake, fb *FrameBuffer, clock Clock, timing Timing) *Controller {
	if clock == nil {
		clock = SystemClock
	}
	n := fb.Geometry().PlaneSize()
	return &Controller{
		tr:     tr,
		hs:     hs,
		fb:     fb,
		clock:  clock,
		timing: timing.normalize(),
		state:  StateUninitialized,
		plane:  make([]byte, n),
		zeros:  make([]byte, n),
	}
}

// Update configures the controller on first use, then writes the frame
// buffer and triggers a full refresh. Transport failures abort the update
// and are returned; busy timeouts are logged only.
func (c *Controller) Update() error {
	start := c.clock.Now()
	err := c.update()
	c.lastDuration = c.clock.Now().Sub(start)
	c.lastErr = err
	if err == nil {
		c.updates++
	}
	return err
}

func (c *Controller) update() error {
	if !c.configured {
		appLog.Info("epd: configuring controller")
		if err := c.configure(); err != nil {
			c.state = StateUninitialized
			return fmt.Errorf("epd: configure: %w", err)
		}
		c.configured = true
		c.state = StateReady
		appLog.Info("epd: controller configured")
	}

	if err := c.writeFrame(); err != nil {
		c.state = StateReady
		return fmt.Errorf("epd: write frame: %w", err)
	}
	if err := c.refresh(); err != nil {
		c.state = StateReady
		return fmt.Errorf("epd: refresh: %w", err)
	}
	c.state = StateReady
	return nil
}

func (c *Controller) configure() error {
	c.state = StateResetting
	if err := c.hs.HardwareReset(); err != nil {
		return err
	}

	c.state = StateConfiguring
	if err := c.softReset(c.timing.SoftResetTimeout); err != nil {
		return err
	}

	steps := addressSetup(c.fb.Geometry())
	steps = append(steps,
		step{borderWaveformControl, []byte{borderWaveform}},
		step{tempSensorSelect, []byte{internalTempSensor}},
	)
	steps = append(steps, counterReset()...)
	return c.run(steps)
}

// writeFrame re-runs reset and the address setup before every frame, then
// streams the inverted frame buffer into B/W RAM and zeros into red RAM.
// The re-send mirrors the sequence the panel was validated with.
func (c *Controller) writeFrame() error {
	c.state = StateWriting

	if err := c.hs.HardwareReset(); err != nil {
		return err
	}
	c.waitIdle("post-reset", c.timing.IdleTimeout)

	if err := c.softReset(c.timing.IdleTimeout); err != nil {
		return err
	}
	steps := append(addressSetup(c.fb.Geometry()), counterReset()...)
	if err := c.run(steps); err != nil {
		return err
	}

	for i, b := range c.fb.Bytes() {
		c.plane[i] = ^b
	}
	if err := c.tr.SendCommand(writeRAMBW); err != nil {
		return err
	}
	if err := c.tr.SendData(c.plane...); err != nil {
		return err
	}

	if err := c.run(counterReset()); err != nil {
		return err
	}
	if err := c.tr.SendCommand(writeRAMRed); err != nil {
		return err
	}
	if err := c.tr.SendData(c.zeros...); err != nil {
		return err
	}

	c.waitIdle("ram-write", c.timing.IdleTimeout)
	return nil
}

func (c *Controller) refresh() error {
	c.state = StateRefreshing
	appLog.Debug("epd: full refresh", "mode", fmt.Sprintf("%#02x", fullRefresh))

	err := c.run([]step{
		{displayUpdateControl2, []byte{fullRefresh}},
		{masterActivation, nil},
	})
	if err != nil {
		return err
	}

	start := c.clock.Now()
	if !c.hs.poll(c.timing.RefreshTimeout) {
		c.refreshTimeouts++
		// This panel commonly leaves BUSY high after refresh; the image is
		// still updated.
		appLog.Debug("epd: refresh busy timeout (expected on this panel)", "elapsed", c.clock.Now().Sub(start))
		return nil
	}
	appLog.Debug("epd: refresh completed", "elapsed", c.clock.Now().Sub(start))
	return nil
}

// Halt puts the controller into deep sleep. The next Update runs the full
// configuration again.
func (c *Controller) Halt() error {
	if err := c.run([]step{{deepSleepMode, []byte{deepSleepMode1}}}); err != nil {
		return fmt.Errorf("epd: deep sleep: %w", err)
	}
	c.configured = false
	c.state = StateUninitialized
	return nil
}

func (c *Controller) softReset(timeout time.Duration) error {
	if err := c.tr.SendCommand(swReset); err != nil {
		return err
	}
	c.clock.Sleep(c.timing.SoftResetSettle)
	c.waitIdle("software-reset", timeout)
	return nil
}

func (c *Controller) waitIdle(stage string, timeout time.Duration) {
	if !c.hs.WaitUntilIdle(timeout) {
		appLog.Warn("epd: busy timeout, continuing", "stage", stage, "timeout", timeout)
	}
}

func (c *Controller) run(steps []step) error {
	for _, s := range steps {
		if err := c.tr.SendCommand(s.op); err != nil {
			return err
		}
		if err := c.tr.SendData(s.data...); err != nil {
			return err
		}
	}
	return nil
}

// Configured reports whether the one-time configuration has completed.
func (c *Controller) Configured() bool {
	return c.configured
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return c.state
}

// Status returns a snapshot for diagnostics.
func (c *Controller) Status() Status {
	s := Status{
		State:           c.state,
		StateName:       c.state.String(),
		Configured:      c.configured,
		Updates:         c.updates,
		BusyTimeouts:    c.hs.Timeouts(),
		RefreshTimeouts: c.refreshTimeouts,
		LastDuration:    c.lastDuration,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// addressSetup returns driver output control, data entry mode and the full
// panel RAM window.
func addressSetup(g Geometry) []step {
	lastRow := uint16(g.Height - 1)
	return []step{
		{driverOutputControl, []byte{byte(lastRow), byte(lastRow >> 8), scanStandard}},
		{dataEntryModeSetting, []byte{entryXIncYInc}},
		{setRAMXAddressStartEndPosition, []byte{0x00, byte(g.Stride() - 1)}},
		{setRAMYAddressStartEndPosition, []byte{0x00, 0x00, byte(lastRow), byte(lastRow >> 8)}},
	}
}

// counterReset moves the RAM X/Y counters back to the window origin.
func counterReset() []step {
	return []step{
		{setRAMXAddressCounter, []byte{0x00}},
		{setRAMYAddressCounter, []byte{0x00, 0x00}},
	}
}
