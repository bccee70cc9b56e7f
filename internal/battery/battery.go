package battery

import (
	"context"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// PiSugar-style fuel gauge registers.
const (
	regVoltageHigh = 0x22
	regVoltageLow  = 0x23
	regPercent     = 0x2A
)

// Status is the battery level shown in the agenda header and the status API.
type Status struct {
	Percent   int `json:"percent"`
	VoltageMv int `json:"voltage_mv"`
}

// Reader obtains battery information.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// Fixed is a Reader that always reports the same status. It stands in when
// no gauge is wired.
type Fixed Status

func (f Fixed) Read(context.Context) (Status, error) {
	return Status(f), nil
}

// I2CReader reads a fuel gauge over an already opened bus.
type I2CReader struct {
	mu  sync.Mutex
	dev *i2c.Dev
}

// NewI2CReader talks to the 7-bit address addr on bus.
func NewI2CReader(bus i2c.Bus, addr uint16) *I2CReader {
	return &I2CReader{dev: &i2c.Dev{Bus: bus, Addr: addr}}
}

// Open initialises periph, opens the named bus ("" for the first one) and
// returns a reader plus the bus closer.
func Open(busName string, addr uint16) (*I2CReader, func() error, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("battery: host init: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, nil, fmt.Errorf("battery: open i2c %q: %w", busName, err)
	}
	return NewI2CReader(bus, addr), bus.Close, nil
}

// Read implements Reader.
func (r *I2CReader) Read(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	high, err := r.readReg(regVoltageHigh)
	if err != nil {
		return Status{}, err
	}
	low, err := r.readReg(regVoltageLow)
	if err != nil {
		return Status{}, err
	}
	pct, err := r.readReg(regPercent)
	if err != nil {
		return Status{}, err
	}
	if pct > 100 {
		pct = 100
	}
	return Status{
		Percent:   int(pct),
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
	}, nil
}

func (r *I2CReader) readReg(reg byte) (byte, error) {
	buf := []byte{0}
	if err := r.dev.Tx([]byte{reg}, buf); err != nil {
		return 0, fmt.Errorf("battery: read reg %#02x: %w", reg, err)
	}
	return buf[0], nil
}
