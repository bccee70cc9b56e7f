// Package epd drives a 128x296 SSD1680-class monochrome e-paper controller
// over SPI using periph.io pins.
//
// The Driver owns a FrameBuffer that callers draw into, and pushes it to the
// panel on Update:
//
//	d, err := epd.New(conn, epd.Pins{DC: dc, Reset: rst, Busy: busy}, nil)
//	if err != nil { ... }
//	if err := d.Setup(); err != nil { ... }
//	d.DrawPixel(10, 10, true)
//	if err := d.Update(); err != nil { ... }
//
// Driver is not safe for concurrent use; callers serialise Update.
package epd

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/devices/v3/ssd1306/image1bit"

	appLog "epdpanel/internal/log"
)

// ErrNotSetup is returned when the driver is used before Setup.
var ErrNotSetup = errors.New("epd: driver not set up")

// Pins groups the control lines. DC is required; the others are optional.
type Pins struct {
	DC    gpio.PinOut
	CS    gpio.PinOut
	Reset gpio.PinOut
	Busy  gpio.PinIn
	Power gpio.PinOut
}

// Opts configures a Driver. The zero value selects the 2.9" panel, default
// timing and the wall clock.
type Opts struct {
	Geometry Geometry
	Timing   Timing
	Clock    Clock
	// KeepAlive is called on every busy poll during long waits.
	KeepAlive func()
}

// Diagnostics is the information reported by DumpConfig.
type Diagnostics struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	SPI       string `json:"spi"`
	DCPin     string `json:"dc_pin"`
	CSPin     string `json:"cs_pin"`
	ResetPin  string `json:"reset_pin"`
	BusyPin   string `json:"busy_pin"`
	PowerPin  string `json:"power_pin"`
	BusyState string `json:"busy_state"`
	Status    Status `json:"status"`
}

// Driver is the host-facing handle: Setup once, draw, Update per refresh.
type Driver struct {
	conn spi.Conn
	port spi.PortCloser
	pins Pins
	opts Opts

	tr *Transport
	hs *Handshake

	fb   *FrameBuffer
	ctrl *Controller
}

// New validates the wiring. It does not touch the hardware.
func New(c spi.Conn, pins Pins, opts *Opts) (*Driver, error) {
	o := Opts{}
	if opts != nil {
		o = *opts
	}
	if o.Geometry == (Geometry{}) {
		o.Geometry = Panel2in9
	}
	if o.Geometry.Width%8 != 0 || o.Geometry.Width <= 0 || o.Geometry.Height <= 0 {
		return nil, fmt.Errorf("epd: invalid geometry %dx%d", o.Geometry.Width, o.Geometry.Height)
	}
	if o.Timing == (Timing{}) {
		o.Timing = DefaultTiming()
	}
	o.Timing = o.Timing.normalize()
	if o.Clock == nil {
		o.Clock = SystemClock
	}

	tr, err := NewTransport(c, pins.DC, pins.CS)
	if err != nil {
		return nil, err
	}
	if pins.CS == nil && tr.MaxTxSize() < o.Geometry.PlaneSize() {
		appLog.Warn("epd: SPI transfer limit is below one plane; hardware CS may reject the block (set a CS pin or raise spidev.bufsiz)",
			"max_tx", tr.MaxTxSize(), "plane", o.Geometry.PlaneSize())
	}

	return &Driver{
		conn: c,
		pins: pins,
		opts: o,
		tr:   tr,
		hs:   NewHandshake(pins.Reset, pins.Busy, o.Clock, o.KeepAlive, o.Timing),
	}, nil
}

// Setup powers the panel, puts the control lines in their idle levels and
// allocates the frame buffer. The controller itself is configured lazily on
// the first Update.
func (d *Driver) Setup() error {
	if err := EnablePower(d.pins.Power, d.opts.Clock, d.opts.Timing.PowerHold); err != nil {
		return err
	}
	if err := d.pins.DC.Out(gpio.Low); err != nil {
		return fmt.Errorf("epd: DC pin: %w", err)
	}
	if d.pins.CS != nil {
		if err := d.pins.CS.Out(gpio.High); err != nil {
			return fmt.Errorf("epd: CS pin: %w", err)
		}
	}
	if d.pins.Reset != nil {
		if err := d.pins.Reset.Out(gpio.High); err != nil {
			return fmt.Errorf("epd: reset pin: %w", err)
		}
	} else {
		appLog.Warn("epd: no reset pin, hardware reset disabled")
	}
	if d.pins.Busy != nil {
		if err := d.pins.Busy.In(gpio.Float, gpio.NoEdge); err != nil {
			return fmt.Errorf("epd: busy pin: %w", err)
		}
	} else {
		appLog.Warn("epd: no busy pin, falling back to fixed delays")
	}

	if d.fb == nil {
		d.fb = NewFrameBuffer(d.opts.Geometry)
		d.ctrl = NewController(d.tr, d.hs, d.fb, d.opts.Clock, d.opts.Timing)
	}
	d.fb.Clear()
	appLog.Info("epd: setup complete, controller init deferred to first update",
		"width", d.opts.Geometry.Width, "height", d.opts.Geometry.Height)
	return nil
}

// Update pushes the frame buffer to the panel and refreshes it.
func (d *Driver) Update() error {
	if d.ctrl == nil {
		return ErrNotSetup
	}
	return d.ctrl.Update()
}

// DrawPixel sets one pixel; out-of-range coordinates are ignored.
func (d *Driver) DrawPixel(x, y int, on bool) {
	if d.fb == nil {
		return
	}
	d.fb.SetPixel(x, y, on)
}

// FrameBuffer returns the drawing surface, or nil before Setup.
func (d *Driver) FrameBuffer() *FrameBuffer {
	return d.fb
}

// Status returns the controller session snapshot.
func (d *Driver) Status() Status {
	if d.ctrl == nil {
		return Status{State: StateUninitialized, StateName: StateUninitialized.String()}
	}
	return d.ctrl.Status()
}

// Diagnostics collects pin assignments and the current busy reading.
func (d *Driver) Diagnostics() Diagnostics {
	diag := Diagnostics{
		Width:    d.opts.Geometry.Width,
		Height:   d.opts.Geometry.Height,
		SPI:      d.conn.String(),
		DCPin:    pinName(d.pins.DC),
		CSPin:    pinName(d.pins.CS),
		ResetPin: pinName(d.pins.Reset),
		BusyPin:  pinName(d.pins.Busy),
		PowerPin: pinName(d.pins.Power),
		Status:   d.Status(),
	}
	switch busy, ok := d.hs.Busy(); {
	case !ok:
		diag.BusyState = "n/a"
	case busy:
		diag.BusyState = "HIGH (busy)"
	default:
		diag.BusyState = "LOW (idle)"
	}
	return diag
}

// DumpConfig logs the diagnostics.
func (d *Driver) DumpConfig() {
	diag := d.Diagnostics()
	appLog.Info("epd: SSD1680 e-paper",
		"size", fmt.Sprintf("%dx%d", diag.Width, diag.Height),
		"spi", diag.SPI,
		"dc", diag.DCPin,
		"cs", diag.CSPin,
		"reset", diag.ResetPin,
		"busy", diag.BusyPin,
		"power", diag.PowerPin,
		"busy_state", diag.BusyState,
		"state", diag.Status.StateName,
		"configured", diag.Status.Configured,
		"busy_timeouts", diag.Status.BusyTimeouts,
		"refresh_timeouts", diag.Status.RefreshTimeouts,
	)
}

// Close releases the SPI port when the driver opened it.
func (d *Driver) Close() error {
	if d.port != nil {
		return d.port.Close()
	}
	return nil
}

// ColorModel implements display.Drawer.
func (d *Driver) ColorModel() color.Model {
	return image1bit.BitModel
}

// Bounds implements display.Drawer.
func (d *Driver) Bounds() image.Rectangle {
	return d.opts.Geometry.Bounds()
}

// Draw implements display.Drawer: src is drawn into the frame buffer and the
// panel is updated.
func (d *Driver) Draw(dstRect image.Rectangle, src image.Image, sp image.Point) error {
	if d.fb == nil {
		return ErrNotSetup
	}
	r := dstRect.Intersect(d.Bounds())
	if r.Empty() {
		return nil
	}
	sp = sp.Add(r.Min.Sub(dstRect.Min))
	draw.Draw(d.fb, r, src, sp, draw.Src)
	return d.Update()
}

// Halt implements display.Drawer by putting the controller in deep sleep.
func (d *Driver) Halt() error {
	if d.ctrl == nil {
		return nil
	}
	return d.ctrl.Halt()
}

// String implements display.Drawer.
func (d *Driver) String() string {
	return fmt.Sprintf("epd.Driver{%s, %dx%d}", d.conn, d.opts.Geometry.Width, d.opts.Geometry.Height)
}

func pinName(p interface{ String() string }) string {
	if p == nil {
		return "none"
	}
	return p.String()
}

var _ display.Drawer = &Driver{}
