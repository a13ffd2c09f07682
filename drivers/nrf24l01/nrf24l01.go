// Package nrf24l01 drives an nRF24L01 packet radio on a shared four-wire
// bus. Every register access is its own locked chip-select bracket; the CE
// line is driven outside the bus lock.
package nrf24l01

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"

	"gobus/core"
)

// Registers.
const (
	RegConfig     byte = 0x00
	RegEnAA       byte = 0x01
	RegEnRxAddr   byte = 0x02
	RegSetupAW    byte = 0x03
	RegSetupRetr  byte = 0x04
	RegRFCh       byte = 0x05
	RegRFSetup    byte = 0x06
	RegStatus     byte = 0x07
	RegObserveTX  byte = 0x08
	RegRPD        byte = 0x09
	RegRxAddrP0   byte = 0x0A
	RegRxAddrP1   byte = 0x0B
	RegRxAddrP2   byte = 0x0C
	RegRxAddrP3   byte = 0x0D
	RegRxAddrP4   byte = 0x0E
	RegRxAddrP5   byte = 0x0F
	RegTxAddr     byte = 0x10
	RegRxPwP0     byte = 0x11
	RegRxPwP5     byte = 0x16
	RegFIFOStatus byte = 0x17
	RegDynPD      byte = 0x1C
	RegFeature    byte = 0x1D
)

// Commands.
const (
	CmdWriteReg  byte = 0x20
	CmdRxPayload byte = 0x61
	CmdTxPayload byte = 0xA0
	CmdFlushTX   byte = 0xE1
	CmdFlushRX   byte = 0xE2
	Filler       byte = 0xFF
)

// Register bits.
const (
	statusRxDR = 1 << 6

	fifoTxEmpty = 1 << 4
	fifoTxFull  = 1 << 3
	fifoReset   = 0x11

	configPrimRx = 1 << 0
	configPwrUp  = 1 << 1
	configCRCO   = 1 << 2
	configEnCRC  = 1 << 3

	rfDRHigh = 1 << 3
	rfDRLow  = 1 << 5
	rfPwr    = 0x06
)

const (
	// AddressLen is the configured address width.
	AddressLen = 5
	// MaxPayload is the size of one FIFO slot.
	MaxPayload = 32
	// Pipes is the number of receive pipes.
	Pipes = 6
	// DumpLen is the length of a ReadAll register dump.
	DumpLen = 38
	// DefaultChannel is the channel set by Init.
	DefaultChannel = 100
)

var (
	ErrTransmitTimeout = errors.New("nrf24l01 transmit timeout")
	ErrPayloadTooLong  = errors.New("nrf24l01 payload too long")
	ErrInvalidPipe     = errors.New("nrf24l01 invalid pipe")
)

// DataRate is the air data rate.
type DataRate uint8

const (
	Rate250Kbps DataRate = iota
	Rate1Mbps
	Rate2Mbps
)

func (r DataRate) String() string {
	switch r {
	case Rate250Kbps:
		return "250kbps"
	case Rate1Mbps:
		return "1Mbps"
	case Rate2Mbps:
		return "2Mbps"
	}
	return "invalid"
}

// PALevel is the transmit power.
type PALevel uint8

const (
	PowerVeryLow PALevel = iota // -18 dBm
	PowerLow                    // -12 dBm
	PowerMid                    // -6 dBm
	PowerHigh                   // 0 dBm
)

// Mode is the operating mode.
type Mode uint8

const (
	ModePowerDown Mode = iota
	ModeStandby
	ModeTX
	ModeRX
)

func (m Mode) String() string {
	switch m {
	case ModePowerDown:
		return "power-down"
	case ModeStandby:
		return "standby"
	case ModeTX:
		return "tx"
	case ModeRX:
		return "rx"
	}
	return "invalid"
}

// CRCLength is the packet checksum width.
type CRCLength uint8

const (
	CRCDisabled CRCLength = iota
	CRC1Byte
	CRC2Byte
)

// Config holds the radio's bus binding and timings.
type Config struct {
	Slave core.SlaveID
	// CE is the chip-enable line.
	CE gpio.PinOut
	// TransmitTries bounds the FIFO_STATUS polls after a payload write.
	TransmitTries int
	// PollDelay is the wait before each FIFO_STATUS poll.
	PollDelay time.Duration
	// ReceiveSettle is the wait between reading a payload and flushing.
	ReceiveSettle time.Duration
}

// DefaultConfig returns a configuration for slave with the standard retry
// budget.
func DefaultConfig(slave core.SlaveID, ce gpio.PinOut) Config {
	return Config{
		Slave:         slave,
		CE:            ce,
		TransmitTries: 10,
		PollDelay:     200 * time.Microsecond,
		ReceiveSettle: 10 * time.Microsecond,
	}
}

// Settings is the radio configuration last written by the driver.
type Settings struct {
	Mode     Mode
	DataRate DataRate
	PALevel  PALevel
	CRC      CRCLength
	Channel  byte
}

// Device is an nRF24L01 on one chip-select of a four-wire bus.
type Device struct {
	bus    *core.Bus
	cfg    Config
	logger *zap.SugaredLogger

	mu       sync.Mutex
	settings Settings
}

// New binds a radio to bus. The slave must be configured on the bus.
func New(bus *core.Bus, cfg Config) (*Device, error) {
	if bus.Kind() != core.FourWire {
		return nil, errors.Wrapf(core.ErrWrongBusKind, "nrf24l01 on %v", bus)
	}
	found := false
	for _, s := range bus.FourWireEngine().Slaves() {
		if s.ID == cfg.Slave {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.Wrapf(core.ErrUnknownSlave, "nrf24l01 on %v slave %d", bus, cfg.Slave)
	}
	if cfg.CE == nil {
		return nil, errors.New("nrf24l01 needs a CE line")
	}
	if cfg.TransmitTries <= 0 {
		cfg.TransmitTries = 10
	}
	return &Device{
		bus:    bus,
		cfg:    cfg,
		logger: bus.Logger().With("device", "nrf24l01", "slave", cfg.Slave),
	}, nil
}

// Settings returns the configuration last written.
func (d *Device) Settings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

func (d *Device) update(fn func(*Settings)) {
	d.mu.Lock()
	fn(&d.settings)
	d.mu.Unlock()
}

// frame runs tx in one locked chip-select bracket.
func (d *Device) frame(ctx context.Context, tx []byte) ([]byte, error) {
	var rx []byte
	err := d.bus.WithLock(ctx, func() (err error) {
		rx, err = d.bus.FourWireEngine().Exchange(d.cfg.Slave, tx)
		return err
	})
	if err != nil {
		d.logger.Warnw("radio frame failed", "command", tx[0], "status", core.StatusOf(err), "error", err.Error())
		return nil, err
	}
	return rx, nil
}

// Command sends a single-byte command and returns the STATUS register
// clocked back.
func (d *Device) Command(ctx context.Context, cmd byte) (byte, error) {
	rx, err := d.frame(ctx, []byte{cmd})
	if err != nil {
		return 0, err
	}
	return rx[0], nil
}

// ReadRegister reads a single-byte register.
func (d *Device) ReadRegister(ctx context.Context, reg byte) (byte, error) {
	rx, err := d.frame(ctx, []byte{reg, Filler})
	if err != nil {
		return 0, err
	}
	return rx[1], nil
}

// ReadRegisters reads n bytes starting at reg in one frame.
func (d *Device) ReadRegisters(ctx context.Context, reg byte, n int) ([]byte, error) {
	tx := make([]byte, n+1)
	tx[0] = reg
	for i := 1; i < len(tx); i++ {
		tx[i] = Filler
	}
	rx, err := d.frame(ctx, tx)
	if err != nil {
		return nil, err
	}
	return rx[1:], nil
}

// WriteRegister writes a single-byte register.
func (d *Device) WriteRegister(ctx context.Context, reg, v byte) error {
	_, err := d.frame(ctx, []byte{reg | CmdWriteReg, v})
	return err
}

// WriteRegisters writes data starting at reg in one frame.
func (d *Device) WriteRegisters(ctx context.Context, reg byte, data []byte) error {
	_, err := d.frame(ctx, append([]byte{reg | CmdWriteReg}, data...))
	return err
}

func (d *Device) ce(on bool) error {
	if err := d.cfg.CE.Out(gpio.Level(on)); err != nil {
		return errors.Wrap(err, "drive CE")
	}
	return nil
}

// configure runs fn with CE low and raises CE afterwards, even when fn
// fails.
func (d *Device) configure(fn func() error) (err error) {
	if err = d.ce(false); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, d.ce(true))
	}()
	return fn()
}

// modify read-modify-writes reg.
func (d *Device) modify(ctx context.Context, reg byte, fn func(byte) byte) error {
	v, err := d.ReadRegister(ctx, reg)
	if err != nil {
		return err
	}
	return d.WriteRegister(ctx, reg, fn(v))
}

// Init puts the radio in standby on the default channel at 1 Mbps and full
// power, with CRC, auto-ack, retransmission and all pipes disabled.
func (d *Device) Init(ctx context.Context) error {
	err := d.configure(func() error {
		for _, w := range []struct{ reg, v byte }{
			{RegConfig, 0x00},
			{RegEnAA, 0x00},
			{RegEnRxAddr, 0x00},
			{RegSetupAW, 0x03},
			{RegSetupRetr, 0x00},
		} {
			if err := d.WriteRegister(ctx, w.reg, w.v); err != nil {
				return err
			}
		}
		d.update(func(s *Settings) { s.CRC = CRCDisabled })
		if err := d.SetDataRate(ctx, Rate1Mbps); err != nil {
			return err
		}
		if err := d.SetPALevel(ctx, PowerHigh); err != nil {
			return err
		}
		if err := d.SetChannel(ctx, DefaultChannel); err != nil {
			return err
		}
		return d.SetMode(ctx, ModeStandby)
	})
	if err != nil {
		return errors.Wrap(err, "nrf24l01 init")
	}
	d.logger.Debugw("radio initialised", "settings", d.Settings())
	return nil
}

// SetDataRate sets the air data rate.
func (d *Device) SetDataRate(ctx context.Context, rate DataRate) error {
	return d.configure(func() error {
		err := d.modify(ctx, RegRFSetup, func(v byte) byte {
			switch rate {
			case Rate250Kbps:
				v = v&^rfDRHigh | rfDRLow
			case Rate1Mbps:
				v &^= rfDRLow | rfDRHigh
			case Rate2Mbps:
				v = v&^rfDRLow | rfDRHigh
			}
			return v
		})
		if err == nil {
			d.update(func(s *Settings) { s.DataRate = rate })
		}
		return err
	})
}

// SetPALevel sets the transmit power.
func (d *Device) SetPALevel(ctx context.Context, level PALevel) error {
	return d.configure(func() error {
		err := d.modify(ctx, RegRFSetup, func(v byte) byte {
			return v&^rfPwr | byte(level&3)<<1
		})
		if err == nil {
			d.update(func(s *Settings) { s.PALevel = level })
		}
		return err
	})
}

// SetChannel selects the RF channel.
func (d *Device) SetChannel(ctx context.Context, ch byte) error {
	return d.configure(func() error {
		if err := d.WriteRegister(ctx, RegRFCh, ch); err != nil {
			return err
		}
		d.update(func(s *Settings) { s.Channel = ch })
		return nil
	})
}

// SetMode switches the operating mode. Standby drops CE; TX and RX raise
// it before the mode is written.
func (d *Device) SetMode(ctx context.Context, mode Mode) error {
	v, err := d.ReadRegister(ctx, RegConfig)
	if err != nil {
		return err
	}
	switch mode {
	case ModePowerDown:
		v &^= configPwrUp
	case ModeStandby:
		err = d.ce(false)
		v |= configPwrUp
	case ModeTX:
		err = d.ce(true)
		v |= configPwrUp
	case ModeRX:
		err = d.ce(true)
		v |= configPwrUp | configPrimRx
	default:
		return errors.Errorf("invalid mode %d", mode)
	}
	if err != nil {
		return err
	}
	if err := d.WriteRegister(ctx, RegConfig, v); err != nil {
		return err
	}
	d.update(func(s *Settings) { s.Mode = mode })
	return nil
}

// SetCRCLength sets the packet checksum width.
func (d *Device) SetCRCLength(ctx context.Context, l CRCLength) error {
	return d.configure(func() error {
		err := d.modify(ctx, RegConfig, func(v byte) byte {
			switch l {
			case CRCDisabled:
				v &^= configEnCRC | configCRCO
			case CRC1Byte:
				v = v&^configCRCO | configEnCRC
			case CRC2Byte:
				v |= configEnCRC | configCRCO
			}
			return v
		})
		if err == nil {
			d.update(func(s *Settings) { s.CRC = l })
		}
		return err
	})
}

// SetTxAddress sets the five-byte transmit address.
func (d *Device) SetTxAddress(ctx context.Context, addr [AddressLen]byte) error {
	return d.configure(func() error {
		return d.WriteRegisters(ctx, RegTxAddr, addr[:])
	})
}

// SetRxPipe enables pipe with the given address and payload width. Pipes
// 2 to 5 share the upper address bytes of pipe 1 and take only addr[0].
func (d *Device) SetRxPipe(ctx context.Context, addr [AddressLen]byte, pipe int, width int) error {
	if pipe < 0 || pipe >= Pipes {
		return errors.Wrapf(ErrInvalidPipe, "pipe %d", pipe)
	}
	if width < 0 || width > MaxPayload {
		return errors.Wrapf(ErrPayloadTooLong, "pipe width %d", width)
	}
	return d.configure(func() error {
		if err := d.WriteRegister(ctx, RegStatus, 0x00); err != nil {
			return err
		}
		if err := d.modify(ctx, RegEnRxAddr, func(v byte) byte { return v | 1<<pipe }); err != nil {
			return err
		}
		reg := RegRxAddrP0 + byte(pipe)
		var err error
		if pipe < 2 {
			err = d.WriteRegisters(ctx, reg, addr[:])
		} else {
			err = d.WriteRegister(ctx, reg, addr[0])
		}
		if err != nil {
			return err
		}
		return d.WriteRegister(ctx, RegRxPwP0+byte(pipe), byte(width))
	})
}

// Transmit writes payload to the TX FIFO and polls FIFO_STATUS until the
// FIFO drains or the retry budget runs out. On success the TX FIFO is
// flushed and FIFO_STATUS reset; on timeout nothing is flushed.
func (d *Device) Transmit(ctx context.Context, payload []byte) error {
	if len(payload) > MaxPayload {
		return errors.Wrapf(ErrPayloadTooLong, "%d bytes", len(payload))
	}
	if _, err := d.frame(ctx, append([]byte{CmdTxPayload}, payload...)); err != nil {
		return errors.Wrap(err, "write payload")
	}

	clk := d.bus.Clock()
	for try := 1; try <= d.cfg.TransmitTries; try++ {
		clk.Sleep(d.cfg.PollDelay)
		fifo, err := d.ReadRegister(ctx, RegFIFOStatus)
		if err != nil {
			return errors.Wrap(err, "poll FIFO_STATUS")
		}
		d.logger.Debugw("transmit poll", "try", try, "fifo_status", fifo)
		if fifo&fifoTxEmpty != 0 && fifo&fifoTxFull == 0 {
			if _, err := d.Command(ctx, CmdFlushTX); err != nil {
				return err
			}
			return d.ResetRegister(ctx, RegFIFOStatus)
		}
	}
	d.logger.Warnw("transmit timed out", "tries", d.cfg.TransmitTries, "len", len(payload))
	return errors.Wrapf(ErrTransmitTimeout, "after %d polls", d.cfg.TransmitTries)
}

// Receive reads an n-byte payload, then flushes the RX FIFO.
func (d *Device) Receive(ctx context.Context, n int) ([]byte, error) {
	if n > MaxPayload {
		return nil, errors.Wrapf(ErrPayloadTooLong, "%d bytes", n)
	}
	tx := make([]byte, n+1)
	tx[0] = CmdRxPayload
	for i := 1; i < len(tx); i++ {
		tx[i] = Filler
	}
	rx, err := d.frame(ctx, tx)
	if err != nil {
		return nil, errors.Wrap(err, "read payload")
	}
	d.bus.Clock().Sleep(d.cfg.ReceiveSettle)
	if _, err := d.Command(ctx, CmdFlushRX); err != nil {
		return rx[1:], err
	}
	return rx[1:], nil
}

// DataAvailable reports whether a payload for pipe is waiting and, if so,
// clears RX_DR.
func (d *Device) DataAvailable(ctx context.Context, pipe int) (bool, error) {
	status, err := d.ReadRegister(ctx, RegStatus)
	if err != nil {
		return false, err
	}
	if status&statusRxDR == 0 || int(status>>1&0x07) != pipe {
		return false, nil
	}
	return true, d.WriteRegister(ctx, RegStatus, statusRxDR)
}

// ReadAll dumps the register file: CONFIG to RPD, the pipe 0 and 1
// addresses, the pipe 2 to 5 address bytes, the pipe 0 address again and
// RX_PW_P0 to 0x19.
func (d *Device) ReadAll(ctx context.Context) ([]byte, error) {
	out := make([]byte, 0, DumpLen)
	for reg := RegConfig; reg <= RegRPD; reg++ {
		v, err := d.ReadRegister(ctx, reg)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	for _, reg := range []byte{RegRxAddrP0, RegRxAddrP1} {
		a, err := d.ReadRegisters(ctx, reg, AddressLen)
		if err != nil {
			return nil, err
		}
		out = append(out, a...)
	}
	for reg := RegRxAddrP2; reg <= RegRxAddrP5; reg++ {
		v, err := d.ReadRegister(ctx, reg)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	a, err := d.ReadRegisters(ctx, RegRxAddrP0, AddressLen)
	if err != nil {
		return nil, err
	}
	out = append(out, a...)
	for reg := RegRxPwP0; len(out) < DumpLen; reg++ {
		v, err := d.ReadRegister(ctx, reg)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

var resetImage = []struct {
	reg  byte
	data []byte
}{
	{RegConfig, []byte{0x08}},
	{RegEnAA, []byte{0x3F}},
	{RegEnRxAddr, []byte{0x03}},
	{RegSetupAW, []byte{0x03}},
	{RegSetupRetr, []byte{0x03}},
	{RegRFCh, []byte{0x02}},
	{RegRFSetup, []byte{0x0E}},
	{RegStatus, []byte{0x00}},
	{RegObserveTX, []byte{0x00}},
	{RegRPD, []byte{0x00}},
	{RegRxAddrP0, []byte{0xE7, 0xE7, 0xE7, 0xE7, 0xE7}},
	{RegRxAddrP1, []byte{0xC2, 0xC2, 0xC2, 0xC2, 0xC2}},
	{RegRxAddrP2, []byte{0xC3}},
	{RegRxAddrP3, []byte{0xC4}},
	{RegRxAddrP4, []byte{0xC5}},
	{RegRxAddrP5, []byte{0xC6}},
	{RegTxAddr, []byte{0xE7, 0xE7, 0xE7, 0xE7, 0xE7}},
	{RegRxPwP0, []byte{0x00}},
	{RegRxPwP0 + 1, []byte{0x00}},
	{RegRxPwP0 + 2, []byte{0x00}},
	{RegRxPwP0 + 3, []byte{0x00}},
	{RegRxPwP0 + 4, []byte{0x00}},
	{RegRxPwP5, []byte{0x00}},
	{RegFIFOStatus, []byte{fifoReset}},
	{RegDynPD, []byte{0x00}},
	{RegFeature, []byte{0x00}},
}

// ResetRegister restores power-on values. STATUS and FIFO_STATUS are
// reset alone; any other register restores the whole register file.
func (d *Device) ResetRegister(ctx context.Context, reg byte) error {
	switch reg {
	case RegStatus:
		return d.WriteRegister(ctx, RegStatus, 0x00)
	case RegFIFOStatus:
		return d.WriteRegister(ctx, RegFIFOStatus, fifoReset)
	}
	for _, w := range resetImage {
		if err := d.WriteRegisters(ctx, w.reg, w.data); err != nil {
			return errors.Wrapf(err, "reset register %#02x", w.reg)
		}
	}
	return nil
}
