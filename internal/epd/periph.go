package epd

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// HostConfig names the SPI port and GPIO lines as understood by periph's
// registries (e.g. "" for the default port, "GPIO25"). Empty pin names mean
// the line is not wired; DC must be set.
type HostConfig struct {
	SPIPort string
	SPIHz   physic.Frequency

	DC    string
	CS    string
	Reset string
	Busy  string
	Power string
}

// Open initializes periph.io, opens the SPI port, resolves the pins and
// returns a Driver that owns the port. Close releases it.
func Open(hc HostConfig, opts *Opts) (*Driver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("epd: periph host init failed: %w", err)
	}

	port, err := spireg.Open(hc.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("epd: failed to open SPI port %q: %w", hc.SPIPort, err)
	}

	hz := hc.SPIHz
	if hz <= 0 {
		hz = 2 * physic.MegaHertz
	}
	c, err := port.Connect(hz, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("epd: failed to connect SPI: %w", err)
	}

	pins, err := resolvePins(hc)
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	d, err := New(c, pins, opts)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	d.port = port
	return d, nil
}

func resolvePins(hc HostConfig) (Pins, error) {
	var pins Pins
	if hc.DC == "" {
		return pins, fmt.Errorf("epd: DC pin name is required")
	}

	dc, err := lookupPin("dc", hc.DC)
	if err != nil {
		return pins, err
	}
	pins.DC = dc

	// Each optional line is assigned only when named, so that an unwired
	// line stays a nil interface.
	if hc.CS != "" {
		p, err := lookupPin("cs", hc.CS)
		if err != nil {
			return pins, err
		}
		pins.CS = p
	}
	if hc.Reset != "" {
		p, err := lookupPin("reset", hc.Reset)
		if err != nil {
			return pins, err
		}
		pins.Reset = p
	}
	if hc.Busy != "" {
		p, err := lookupPin("busy", hc.Busy)
		if err != nil {
			return pins, err
		}
		pins.Busy = p
	}
	if hc.Power != "" {
		p, err := lookupPin("power", hc.Power)
		if err != nil {
			return pins, err
		}
		pins.Power = p
	}
	return pins, nil
}

func lookupPin(role, name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("epd: %s gpio %s not found", role, name)
	}
	return p, nil
}
