package epd

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// defaultMaxTx matches the stock spidev bufsiz on Raspberry Pi OS.
const defaultMaxTx = 4096

// Transport frames command and data bytes for the controller: the DC line
// selects command (Low) or data (High) and the optional CS line scopes each
// transfer. It does not retry and knows nothing about command semantics.
type Transport struct {
	conn  spi.Conn
	dc    gpio.PinOut
	cs    gpio.PinOut
	maxTx int
}

// NewTransport wraps an SPI connection. cs may be nil when the SPI driver
// handles chip select itself.
func NewTransport(c spi.Conn, dc, cs gpio.PinOut) (*Transport, error) {
	if c == nil {
		return nil, errors.New("epd: spi connection is nil")
	}
	if dc == nil {
		return nil, errors.New("epd: DC pin is required")
	}
	t := &Transport{conn: c, dc: dc, cs: cs, maxTx: defaultMaxTx}
	if l, ok := c.(conn.Limits); ok {
		if n := l.MaxTxSize(); n > 0 {
			t.maxTx = n
		}
	}
	return t, nil
}

// SendCommand transfers one opcode byte with DC low.
func (t *Transport) SendCommand(op byte) error {
	if err := t.tx(gpio.Low, []byte{op}); err != nil {
		return fmt.Errorf("epd: command %#02x: %w", op, err)
	}
	return nil
}

// SendData transfers the payload with DC high inside a single chip-select
// window. Payloads larger than the connection limit are split into several
// transfers without releasing CS: with a CS pin the pin stays low across Tx
// calls, otherwise the chunks go out as one TxPackets call with KeepCS set
// on all but the last packet.
func (t *Transport) SendData(data ...byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := t.tx(gpio.High, data); err != nil {
		return fmt.Errorf("epd: data (%d bytes): %w", len(data), err)
	}
	return nil
}

func (t *Transport) tx(mode gpio.Level, p []byte) (err error) {
	if err := t.dc.Out(mode); err != nil {
		return fmt.Errorf("set DC: %w", err)
	}
	if t.cs != nil {
		if err := t.cs.Out(gpio.Low); err != nil {
			return fmt.Errorf("assert CS: %w", err)
		}
		defer func() {
			if cerr := t.cs.Out(gpio.High); cerr != nil && err == nil {
				err = fmt.Errorf("release CS: %w", cerr)
			}
		}()
	}
	if t.cs == nil && len(p) > t.maxTx {
		return t.conn.TxPackets(t.packets(p))
	}
	for len(p) > 0 {
		n := min(len(p), t.maxTx)
		if err := t.conn.Tx(p[:n], nil); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// packets splits p into maxTx sized packets that share one chip-select
// window.
func (t *Transport) packets(p []byte) []spi.Packet {
	out := make([]spi.Packet, 0, (len(p)+t.maxTx-1)/t.maxTx)
	for len(p) > 0 {
		n := min(len(p), t.maxTx)
		out = append(out, spi.Packet{W: p[:n], KeepCS: true})
		p = p[n:]
	}
	out[len(out)-1].KeepCS = false
	return out
}

// MaxTxSize returns the largest single transfer the connection accepts.
func (t *Transport) MaxTxSize() int {
	return t.maxTx
}
