// Package console carries diagnostic output off the process: a bounded
// byte sink drained onto a writer such as a UART, and a zap logger built on
// top of it.
package console

import (
	"io"
	"time"
)

// Port is a serial device. Tests and the simulator substitute pipes.
type Port interface {
	io.ReadWriteCloser

	// Flush discards buffered data.
	Flush() error
}

// SerialConfig holds serial port settings.
type SerialConfig struct {
	// Device path (e.g., "/dev/ttyUSB0", "COM3")
	Device string

	Baud int

	// ReadTimeout of zero blocks until data arrives.
	ReadTimeout time.Duration
}

// DefaultSerialConfig returns 115200 baud with a 100ms read timeout.
func DefaultSerialConfig(device string) SerialConfig {
	return SerialConfig{
		Device:      device,
		Baud:        115200,
		ReadTimeout: 100 * time.Millisecond,
	}
}
