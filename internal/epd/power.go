package epd

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"

	appLog "epdpanel/internal/log"
)

// EnablePower drives the panel power-enable line high and waits hold for the
// rail to settle. A nil pin is a no-op. There is no matching teardown; the
// panel stays powered for the life of the process.
func EnablePower(pin gpio.PinOut, clock Clock, hold time.Duration) error {
	if pin == nil {
		return nil
	}
	if clock == nil {
		clock = SystemClock
	}
	if err := pin.Out(gpio.High); err != nil {
		return fmt.Errorf("epd: power pin %s: %w", pin, err)
	}
	appLog.Info("epd: panel power enabled", "pin", pin.String(), "hold", hold)
	clock.Sleep(hold)
	return nil
}
