package epd

import (
	"errors"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"
)

// fakeClock advances only when something sleeps.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

func (c *fakeClock) total() time.Duration {
	var t time.Duration
	for _, d := range c.sleeps {
		t += d
	}
	return t
}

// levelAt is one recorded pin write.
type levelAt struct {
	l  gpio.Level
	at time.Time
}

// recPin records every Out call with the fake clock's time.
type recPin struct {
	gpiotest.Pin
	clock  *fakeClock
	writes []levelAt
	err    error
}

func newRecPin(name string, clock *fakeClock) *recPin {
	return &recPin{Pin: gpiotest.Pin{N: name}, clock: clock}
}

func (p *recPin) String() string { return p.N }

func (p *recPin) Out(l gpio.Level) error {
	if p.err != nil {
		return p.err
	}
	var at time.Time
	if p.clock != nil {
		at = p.clock.Now()
	}
	p.writes = append(p.writes, levelAt{l: l, at: at})
	return p.Pin.Out(l)
}

func (p *recPin) levels() []gpio.Level {
	out := make([]gpio.Level, len(p.writes))
	for i, w := range p.writes {
		out[i] = w.l
	}
	return out
}

// busyPin reads High for the first highReads reads, then Low. A negative
// highReads keeps it High forever.
type busyPin struct {
	gpiotest.Pin
	highReads int
	reads     int
	// highWhen, if set, overrides highReads.
	highWhen func() bool
}

func newBusyPin(highReads int) *busyPin {
	return &busyPin{Pin: gpiotest.Pin{N: "BUSY"}, highReads: highReads}
}

func (b *busyPin) String() string { return b.N }

func (b *busyPin) Read() gpio.Level {
	b.reads++
	if b.highWhen != nil {
		if b.highWhen() {
			return gpio.High
		}
		return gpio.Low
	}
	if b.highReads < 0 || b.reads <= b.highReads {
		return gpio.High
	}
	return gpio.Low
}

// tx is one recorded SPI transfer with the DC level and CS state at the time.
type tx struct {
	dc    gpio.Level
	csLow bool
	data  []byte
}

// frame is one opcode with the data bytes that followed it.
type frame struct {
	op   byte
	data []byte
}

var errBus = errors.New("bus fault")

// recorder is an spi.Conn that records every Tx.
type recorder struct {
	dc    *recPin
	cs    *recPin
	maxTx int

	txs    []tx
	failAt int // 1-based Tx index that fails; 0 never fails

	// windows counts chip-select windows the SPI driver itself frames when
	// no CS pin is wired.
	windows     int
	packetCalls int
}

func (r *recorder) String() string { return "recorder" }

func (r *recorder) Duplex() conn.Duplex { return conn.Half }

func (r *recorder) Tx(w, _ []byte) error {
	if r.failAt > 0 && len(r.txs)+1 == r.failAt {
		return errBus
	}
	t := tx{dc: r.dc.Read(), data: append([]byte(nil), w...)}
	if r.cs != nil {
		t.csLow = r.cs.Read() == gpio.Low
	}
	r.txs = append(r.txs, t)
	if r.cs == nil {
		r.windows++
	}
	return nil
}

func (r *recorder) TxPackets(pkts []spi.Packet) error {
	r.packetCalls++
	for _, p := range pkts {
		if r.failAt > 0 && len(r.txs)+1 == r.failAt {
			return errBus
		}
		r.txs = append(r.txs, tx{dc: r.dc.Read(), data: append([]byte(nil), p.W...)})
		if !p.KeepCS {
			r.windows++
		}
	}
	return nil
}

// limitedRecorder additionally reports a maximum transfer size.
type limitedRecorder struct {
	*recorder
}

func (l limitedRecorder) MaxTxSize() int { return l.maxTx }

// frames groups transfers into opcode+payload frames.
func (r *recorder) frames() []frame {
	var out []frame
	for _, t := range r.txs {
		if t.dc == gpio.Low {
			for _, b := range t.data {
				out = append(out, frame{op: b})
			}
			continue
		}
		if len(out) == 0 {
			out = append(out, frame{op: 0xFF})
		}
		last := &out[len(out)-1]
		last.data = append(last.data, t.data...)
	}
	return out
}

func (r *recorder) reset() {
	r.txs = nil
}
