package console

import (
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

var _ Port = (*SerialPort)(nil)

// SerialPort wraps a tarm/serial port.
type SerialPort struct {
	port *serial.Port
	cfg  SerialConfig
}

// OpenSerial opens a serial device.
func OpenSerial(cfg SerialConfig) (*SerialPort, error) {
	if cfg.Device == "" {
		return nil, errors.New("no serial device given")
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", cfg.Device)
	}
	return &SerialPort{port: port, cfg: cfg}, nil
}

func (p *SerialPort) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

func (p *SerialPort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

func (p *SerialPort) Close() error {
	if p.port == nil {
		return nil
	}
	return p.port.Close()
}

// Flush discards unread input and unsent output.
func (p *SerialPort) Flush() error {
	return p.port.Flush()
}

// String returns the device path.
func (p *SerialPort) String() string {
	return p.cfg.Device
}
