package core

import (
	"context"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"
)

// I2CConn exposes a two-wire bus through the interfaces TinyGo and periph
// device drivers expect. Every call is one locked transaction, so such
// drivers share the bus with native users safely.
type I2CConn struct {
	bus *Bus
}

var (
	_ drivers.I2C = (*I2CConn)(nil)
	_ i2c.Bus     = (*I2CConn)(nil)
)

// NewI2CConn wraps bus, which must be a two-wire bus.
func NewI2CConn(bus *Bus) (*I2CConn, error) {
	if bus.kind != TwoWire {
		return nil, errors.Wrapf(ErrWrongBusKind, "%v is %v", bus.id, bus.kind)
	}
	return &I2CConn{bus: bus}, nil
}

func (c *I2CConn) String() string {
	return c.bus.name
}

// Tx writes w then reads into r using a repeated start.
func (c *I2CConn) Tx(addr uint16, w, r []byte) error {
	if addr > 0x7F {
		return errors.Errorf("address 0x%x is not a 7-bit address", addr)
	}
	return c.bus.WithLock(context.Background(), func() error {
		return c.bus.twoWire.WriteRead(Address(addr), w, r)
	})
}

// ReadRegister reads len(buf) bytes starting at register reg.
func (c *I2CConn) ReadRegister(addr uint8, reg uint8, buf []byte) error {
	return c.Tx(uint16(addr), []byte{reg}, buf)
}

// WriteRegister writes buf starting at register reg.
func (c *I2CConn) WriteRegister(addr uint8, reg uint8, buf []byte) error {
	w := make([]byte, 0, len(buf)+1)
	w = append(w, reg)
	w = append(w, buf...)
	return c.Tx(uint16(addr), w, nil)
}

// SetSpeed reconfigures the bus clock. Speeds above standard mode are
// refused.
func (c *I2CConn) SetSpeed(f physic.Frequency) error {
	if f > StandardMode {
		return errors.Errorf("%v above %v", f, StandardMode)
	}
	cfg, ok := c.bus.twoWire.hw.(Configurer)
	if !ok {
		return nil
	}
	return c.bus.WithLock(context.Background(), func() error {
		if err := cfg.Configure(f); err != nil {
			return err
		}
		c.bus.freq = f
		return nil
	})
}
