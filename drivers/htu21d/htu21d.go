// Package htu21d drives an HTU21D humidity and temperature sensor on a
// shared two-wire bus. Measurement bytes are streamed onto the bus
// response queue as they arrive; ReadTemperature and ReadHumidity collect
// and convert them.
package htu21d

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"gobus/core"
)

// Address is the fixed bus address of the sensor.
const Address core.Address = 0x40

// Command bytes.
const (
	CmdTriggerTempHold     byte = 0xE3
	CmdTriggerHumidityHold byte = 0xE5
	CmdTriggerTemp         byte = 0xF3
	CmdTriggerHumidity     byte = 0xF5
	CmdWriteUser           byte = 0xE6
	CmdReadUser            byte = 0xE7
	CmdSoftReset           byte = 0xFE
)

// MeasurementLen is two data bytes plus the checksum.
const MeasurementLen = 3

var (
	ErrRequestFailed = errors.New("htu21d request failed")
	ErrChecksum      = errors.New("htu21d checksum mismatch")
)

// RequestError reports a failed sensor operation. It matches
// ErrRequestFailed and unwraps to the bus error, so core.StatusOf still
// recovers the bus status.
type RequestError struct {
	Op  string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("htu21d %s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

func (e *RequestError) Is(target error) bool { return target == ErrRequestFailed }

// Config holds the sensor timings.
type Config struct {
	Address core.Address
	// ResetSettle is how long the bus stays locked after a soft reset.
	ResetSettle time.Duration
	// MeasureSettle is the conversion wait between command and read.
	MeasureSettle time.Duration
	// EnqueueTimeout bounds each push onto the response queue.
	EnqueueTimeout time.Duration
	// CollectTimeout bounds each pop in ReadTemperature/ReadHumidity.
	CollectTimeout time.Duration
}

// DefaultConfig returns the datasheet timings.
func DefaultConfig() Config {
	return Config{
		Address:        Address,
		ResetSettle:    15 * time.Millisecond,
		MeasureSettle:  50 * time.Millisecond,
		EnqueueTimeout: 10 * time.Millisecond,
		CollectTimeout: 100 * time.Millisecond,
	}
}

// Device is an HTU21D attached to a two-wire bus with queues.
type Device struct {
	bus    *core.Bus
	cfg    Config
	logger *zap.SugaredLogger
}

// New returns a sensor on bus. The bus must be two-wire and have a
// response queue.
func New(bus *core.Bus, cfg Config) (*Device, error) {
	if bus.Kind() != core.TwoWire {
		return nil, errors.Wrapf(core.ErrWrongBusKind, "htu21d on %v", bus)
	}
	if bus.Channel() == nil {
		return nil, errors.Wrapf(core.ErrNoChannel, "htu21d on %v", bus)
	}
	if cfg.Address == 0 {
		cfg.Address = Address
	}
	return &Device{
		bus:    bus,
		cfg:    cfg,
		logger: bus.Logger().With("device", "htu21d", "addr", cfg.Address),
	}, nil
}

func (d *Device) fail(op string, err error) error {
	d.logger.Warnw("sensor request failed", "op", op, "status", core.StatusOf(err), "error", err.Error())
	return &RequestError{Op: op, Err: err}
}

// Reset sends a soft reset and keeps the bus locked until the sensor has
// restarted.
func (d *Device) Reset(ctx context.Context) error {
	err := d.bus.WithLock(ctx, func() error {
		if _, err := d.bus.TwoWireEngine().Write(d.cfg.Address, []byte{CmdSoftReset}); err != nil {
			return err
		}
		d.bus.Clock().Sleep(d.cfg.ResetSettle)
		return nil
	})
	if err != nil {
		return d.fail("reset", err)
	}
	return nil
}

// TriggerAndRead sends cmd, waits for the conversion and reads n bytes,
// enqueuing each on the bus response queue. The lock is held for the whole
// exchange. Nothing is retried. It returns how many bytes were enqueued,
// which on error is how many a caller must Discard.
func (d *Device) TriggerAndRead(ctx context.Context, cmd byte, n int) (int, error) {
	responses := d.bus.Channel().Responses()
	queued := 0
	err := d.bus.WithLock(ctx, func() error {
		e := d.bus.TwoWireEngine()
		if _, err := e.Write(d.cfg.Address, []byte{cmd}); err != nil {
			return err
		}
		d.bus.Clock().Sleep(d.cfg.MeasureSettle)
		return e.ReadEach(d.cfg.Address, n, func(_ int, b byte) error {
			if err := responses.Enqueue(ctx, core.ByteResult(b), d.cfg.EnqueueTimeout); err != nil {
				return err
			}
			queued++
			return nil
		})
	})
	if err != nil {
		return queued, d.fail(fmt.Sprintf("command %#02x", cmd), err)
	}
	return queued, nil
}

// Collect pops n single-byte results off the bus response queue. On error
// the results already popped are returned and nothing else is consumed.
func (d *Device) Collect(ctx context.Context, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		res, err := d.bus.Channel().Collect(ctx, d.cfg.CollectTimeout)
		if err != nil {
			return out, d.fail("collect", err)
		}
		if err := res.Err(); err != nil {
			return out, d.fail("collect", err)
		}
		out = append(out, res.Bytes()...)
	}
	return out[:n], nil
}

// Discard drops up to n results from the bus response queue without
// waiting and returns how many were dropped. With a single producer on the
// bus these are the bytes of a read that failed part way.
func (d *Device) Discard(ctx context.Context, n int) int {
	dropped := 0
	for ; dropped < n; dropped++ {
		if _, err := d.bus.Channel().Collect(ctx, 0); err != nil {
			break
		}
	}
	if dropped > 0 {
		d.logger.Debugw("stale results discarded", "count", dropped)
	}
	return dropped
}

func (d *Device) measure(ctx context.Context, cmd byte) (uint16, error) {
	if queued, err := d.TriggerAndRead(ctx, cmd, MeasurementLen); err != nil {
		d.Discard(ctx, queued)
		return 0, err
	}
	data, err := d.Collect(ctx, MeasurementLen)
	if err != nil {
		return 0, err
	}
	if sum := CRC8(data[:2]); sum != data[2] {
		err := errors.Wrapf(ErrChecksum, "got %#02x want %#02x", data[2], sum)
		d.logger.Warnw("bad measurement", "data", data, "error", err.Error())
		return 0, err
	}
	return uint16(data[0])<<8 | uint16(data[1]), nil
}

// ReadTemperature returns the temperature in degrees Celsius.
func (d *Device) ReadTemperature(ctx context.Context) (float64, error) {
	raw, err := d.measure(ctx, CmdTriggerTemp)
	if err != nil {
		return 0, err
	}
	return Temperature(raw), nil
}

// ReadHumidity returns the relative humidity in percent.
func (d *Device) ReadHumidity(ctx context.Context) (float64, error) {
	raw, err := d.measure(ctx, CmdTriggerHumidity)
	if err != nil {
		return 0, err
	}
	return Humidity(raw), nil
}

// ReadUserRegister returns the user register using a repeated start.
func (d *Device) ReadUserRegister(ctx context.Context) (byte, error) {
	var r [1]byte
	err := d.bus.WithLock(ctx, func() error {
		return d.bus.TwoWireEngine().WriteRead(d.cfg.Address, []byte{CmdReadUser}, r[:])
	})
	if err != nil {
		return 0, d.fail("read user register", err)
	}
	return r[0], nil
}

// Temperature converts a raw reading; the status bits are ignored.
func Temperature(raw uint16) float64 {
	return -46.85 + 175.72*float64(raw&0xFFFC)/65536
}

// Humidity converts a raw reading; the status bits are ignored.
func Humidity(raw uint16) float64 {
	return -6 + 125*float64(raw&0xFFFC)/65536
}

// CRC8 is the measurement checksum: polynomial 0x31, initial value 0.
func CRC8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
