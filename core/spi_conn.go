package core

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"
	"tinygo.org/x/drivers"
)

// SPIConn binds one slave of a four-wire bus to the connection interfaces
// of TinyGo and periph drivers. Each call selects the slave under the bus
// lock and deselects it before returning.
type SPIConn struct {
	bus   *Bus
	slave SlaveID
}

var (
	_ drivers.SPI = (*SPIConn)(nil)
	_ spi.Conn    = (*SPIConn)(nil)
)

// Filler is clocked out when only reading.
const Filler = 0xFF

// NewSPIConn returns a connection to slave on bus.
func NewSPIConn(bus *Bus, slave SlaveID) (*SPIConn, error) {
	if bus.kind != FourWire {
		return nil, errors.Wrapf(ErrWrongBusKind, "%v is %v", bus.id, bus.kind)
	}
	if _, ok := bus.fourWire.slaves[slave]; !ok {
		return nil, errors.Wrapf(ErrUnknownSlave, "bus %v slave %d", bus.id, slave)
	}
	return &SPIConn{bus: bus, slave: slave}, nil
}

func (c *SPIConn) String() string {
	return fmt.Sprintf("%s/%d", c.bus.name, c.slave)
}

func (c *SPIConn) Duplex() conn.Duplex {
	return conn.Full
}

// Tx exchanges w for r in one chip-select frame. When w is nil, len(r)
// filler bytes are sent; otherwise r may be nil or as long as w.
func (c *SPIConn) Tx(w, r []byte) error {
	return c.TxPackets([]spi.Packet{{W: w, R: r}})
}

// Transfer exchanges a single byte.
func (c *SPIConn) Transfer(b byte) (byte, error) {
	r := make([]byte, 1)
	err := c.Tx([]byte{b}, r)
	return r[0], err
}

// TxPackets runs packets back to back. The chip-select is released
// between packets unless the earlier packet sets KeepCS.
func (c *SPIConn) TxPackets(packets []spi.Packet) error {
	for _, p := range packets {
		if p.W != nil && p.R != nil && len(p.W) != len(p.R) {
			return errors.Errorf("write %d and read %d bytes differ", len(p.W), len(p.R))
		}
	}
	e := c.bus.fourWire
	return c.bus.WithLock(context.Background(), func() (err error) {
		if err = e.Select(c.slave); err != nil {
			return err
		}
		selected := true
		defer func() {
			if selected {
				err = multierr.Append(err, e.Deselect(c.slave))
			}
		}()
		for i, p := range packets {
			w := p.W
			if w == nil {
				w = fill(len(p.R))
			}
			rx, err := e.TransferBuffer(w)
			if err != nil {
				return err
			}
			copy(p.R, rx)
			if p.KeepCS || i == len(packets)-1 {
				continue
			}
			if err := e.Drain(); err != nil {
				return err
			}
			selected = false
			if err := e.Deselect(c.slave); err != nil {
				return err
			}
			if err := e.Select(c.slave); err != nil {
				return err
			}
			selected = true
		}
		return e.Drain()
	})
}

func fill(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = Filler
	}
	return b
}
