package epd

import (
	"bytes"
	"errors"
	"testing"

	"periph.io/x/conn/v3/gpio"
)

func TestNewTransportValidation(t *testing.T) {
	dc := newRecPin("DC", nil)
	if _, err := NewTransport(nil, dc, nil); err == nil {
		t.Error("expected error for nil connection")
	}
	if _, err := NewTransport(&recorder{dc: dc}, nil, nil); err == nil {
		t.Error("expected error for nil DC pin")
	}
}

func TestSendCommandAndData(t *testing.T) {
	dc := newRecPin("DC", nil)
	cs := newRecPin("CS", nil)
	rec := &recorder{dc: dc, cs: cs}
	tr, err := NewTransport(rec, dc, cs)
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.SendCommand(0x12); err != nil {
		t.Fatal(err)
	}
	if err := tr.SendData(0x27, 0x01, 0x00); err != nil {
		t.Fatal(err)
	}

	if len(rec.txs) != 2 {
		t.Fatalf("got %d transfers, want 2", len(rec.txs))
	}
	if rec.txs[0].dc != gpio.Low || !bytes.Equal(rec.txs[0].data, []byte{0x12}) {
		t.Errorf("command transfer = %+v", rec.txs[0])
	}
	if rec.txs[1].dc != gpio.High || !bytes.Equal(rec.txs[1].data, []byte{0x27, 0x01, 0x00}) {
		t.Errorf("data transfer = %+v", rec.txs[1])
	}
	for i, x := range rec.txs {
		if !x.csLow {
			t.Errorf("transfer %d happened with CS released", i)
		}
	}

	want := []gpio.Level{gpio.Low, gpio.High, gpio.Low, gpio.High}
	if got := cs.levels(); !equalLevels(got, want) {
		t.Errorf("CS writes = %v, want %v", got, want)
	}
}

func TestSendDataEmptyIsNoop(t *testing.T) {
	dc := newRecPin("DC", nil)
	rec := &recorder{dc: dc}
	tr, _ := NewTransport(rec, dc, nil)
	if err := tr.SendData(); err != nil {
		t.Fatal(err)
	}
	if len(rec.txs) != 0 || len(dc.writes) != 0 {
		t.Errorf("empty SendData touched the bus: %d transfers, %d DC writes", len(rec.txs), len(dc.writes))
	}
}

func TestSendDataBlockSingleChipSelectWindow(t *testing.T) {
	dc := newRecPin("DC", nil)
	cs := newRecPin("CS", nil)
	rec := &recorder{dc: dc, cs: cs, maxTx: 1000}
	tr, err := NewTransport(limitedRecorder{rec}, dc, cs)
	if err != nil {
		t.Fatal(err)
	}

	block := make([]byte, Panel2in9.PlaneSize())
	for i := range block {
		block[i] = byte(i)
	}
	if err := tr.SendData(block...); err != nil {
		t.Fatal(err)
	}

	if len(rec.txs) != 5 {
		t.Fatalf("got %d transfers, want 5 chunks of <=1000 bytes", len(rec.txs))
	}
	var joined []byte
	for _, x := range rec.txs {
		if len(x.data) > 1000 {
			t.Errorf("chunk of %d bytes exceeds limit", len(x.data))
		}
		if !x.csLow || x.dc != gpio.High {
			t.Errorf("chunk sent with dc=%v csLow=%v", x.dc, x.csLow)
		}
		joined = append(joined, x.data...)
	}
	if !bytes.Equal(joined, block) {
		t.Error("chunks do not reassemble the block")
	}
	if got, want := cs.levels(), []gpio.Level{gpio.Low, gpio.High}; !equalLevels(got, want) {
		t.Errorf("CS writes = %v, want one window %v", got, want)
	}
}

func TestSendDataHardwareChipSelect(t *testing.T) {
	tests := []struct {
		name        string
		size        int
		wantTxs     int
		wantPackets int
	}{
		{"short block uses Tx", 16, 1, 0},
		{"exact limit uses Tx", 4096, 1, 0},
		{"plane spans packets", Panel2in9.PlaneSize(), 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dc := newRecPin("DC", nil)
			rec := &recorder{dc: dc, maxTx: 4096}
			tr, err := NewTransport(limitedRecorder{rec}, dc, nil)
			if err != nil {
				t.Fatal(err)
			}

			block := make([]byte, tt.size)
			for i := range block {
				block[i] = byte(i * 7)
			}
			if err := tr.SendData(block...); err != nil {
				t.Fatal(err)
			}

			if rec.windows != 1 {
				t.Errorf("block sent in %d chip-select windows, want 1", rec.windows)
			}
			if len(rec.txs) != tt.wantTxs || rec.packetCalls != tt.wantPackets {
				t.Errorf("transfers = %d, TxPackets calls = %d, want %d, %d",
					len(rec.txs), rec.packetCalls, tt.wantTxs, tt.wantPackets)
			}
			var joined []byte
			for _, x := range rec.txs {
				if len(x.data) > 4096 || x.dc != gpio.High {
					t.Errorf("packet of %d bytes with dc=%v", len(x.data), x.dc)
				}
				joined = append(joined, x.data...)
			}
			if !bytes.Equal(joined, block) {
				t.Error("packets do not reassemble the block")
			}
		})
	}
}

func TestTransportErrors(t *testing.T) {
	t.Run("bus failure releases CS", func(t *testing.T) {
		dc := newRecPin("DC", nil)
		cs := newRecPin("CS", nil)
		rec := &recorder{dc: dc, cs: cs, failAt: 1}
		tr, _ := NewTransport(rec, dc, cs)

		err := tr.SendCommand(0x24)
		if !errors.Is(err, errBus) {
			t.Fatalf("err = %v, want %v", err, errBus)
		}
		if cs.Read() != gpio.High {
			t.Error("CS left asserted after failure")
		}
	})

	t.Run("packet failure", func(t *testing.T) {
		dc := newRecPin("DC", nil)
		rec := &recorder{dc: dc, maxTx: 1000, failAt: 2}
		tr, _ := NewTransport(limitedRecorder{rec}, dc, nil)

		if err := tr.SendData(make([]byte, 2500)...); !errors.Is(err, errBus) {
			t.Fatalf("err = %v, want %v", err, errBus)
		}
	})

	t.Run("DC pin failure", func(t *testing.T) {
		pinErr := errors.New("pin fault")
		dc := newRecPin("DC", nil)
		rec := &recorder{dc: dc}
		tr, _ := NewTransport(rec, dc, nil)
		dc.err = pinErr

		if err := tr.SendData(0x01); !errors.Is(err, pinErr) {
			t.Fatalf("err = %v, want %v", err, pinErr)
		}
		if len(rec.txs) != 0 {
			t.Error("transfer happened after DC failure")
		}
	})
}

func equalLevels(a, b []gpio.Level) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
