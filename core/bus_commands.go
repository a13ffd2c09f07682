package core

import (
	"github.com/pkg/errors"

	"gobus/protocol"
)

// registerBusCommands declares the bus command set. The two identify
// messages come first so their ids are fixed at 0 and 1.
func (l *Link) registerBusCommands() {
	c := l.commands
	l.ids.identifyResponse = c.RegisterResponse("identify_response", "offset=%u data=%.*s")
	c.Register("identify", "offset=%u count=%c", l.handleIdentify)

	c.Register("i2c_write", "bus=%c addr=%c data=%*s", l.handleI2CWrite)
	c.Register("i2c_read", "bus=%c addr=%c reg=%*s read_len=%c", l.handleI2CRead)
	c.Register("spi_transfer", "bus=%c slave=%c data=%*s", l.handleSPITransfer)
	c.Register("queue_submit", "bus=%c addr=%c dir=%c data=%*s read_len=%c", l.handleQueueSubmit)
	c.Register("queue_collect", "bus=%c", l.handleQueueCollect)
	c.Register("bus_stats", "bus=%c", l.handleBusStats)

	l.ids.busStatus = c.RegisterResponse("bus_status", "bus=%c status=%c count=%c")
	l.ids.i2cReadResponse = c.RegisterResponse("i2c_read_response", "bus=%c status=%c response=%*s")
	l.ids.spiTransferResponse = c.RegisterResponse("spi_transfer_response", "bus=%c status=%c response=%*s")
	l.ids.queueResult = c.RegisterResponse("queue_result", "bus=%c status=%c response=%*s")
	l.ids.busStatsResponse = c.RegisterResponse("bus_stats_response", "bus=%c acquired=%u timeouts=%u queued=%c")

	busNames := make(map[string]int)
	for _, b := range l.buses.Buses() {
		busNames[b.name] = int(b.id)
	}
	l.dict.AddEnumeration("bus", busNames)
	statuses := make(map[string]int)
	for s := StatusSuccess; s <= StatusRequestFailed; s++ {
		statuses[s.String()] = int(s)
	}
	l.dict.AddEnumeration("status", statuses)
	l.dict.AddConstant("MAX_TRANSFER", MaxTransfer)
}

// handleIdentify returns chunks of the data dictionary
// Format: identify offset=%u count=%c
func (l *Link) handleIdentify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	chunk := l.dict.Chunk(offset, count)
	l.respond(l.ids.identifyResponse, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk)
	})
	return nil
}

func (l *Link) decodeBus(data *[]byte) (*Bus, error) {
	id, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return nil, err
	}
	return l.buses.Resolve(BusID(id))
}

// handleI2CWrite writes data to a two-wire device
// Format: i2c_write bus=%c addr=%c data=%*s
func (l *Link) handleI2CWrite(data *[]byte) error {
	bus, err := l.decodeBus(data)
	if err != nil {
		return err
	}
	addr, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	payload, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	req, err := NewWriteRequest(Address(addr&0x7F), payload)
	if err != nil {
		return err
	}
	res := bus.Transact(l.ctx, req)
	l.respond(l.ids.busStatus, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(bus.id))
		protocol.EncodeVLQUint(output, uint32(res.Status))
		protocol.EncodeVLQUint(output, uint32(res.Len))
	})
	return nil
}

// handleI2CRead reads from a two-wire device, optionally writing a
// register address first with a repeated start in between.
// Format: i2c_read bus=%c addr=%c reg=%*s read_len=%c
func (l *Link) handleI2CRead(data *[]byte) error {
	bus, err := l.decodeBus(data)
	if err != nil {
		return err
	}
	addr, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	reg, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	readLen, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if bus.kind != TwoWire {
		return errors.Wrapf(ErrWrongBusKind, "i2c_read on %v", bus.id)
	}
	if readLen > MaxTransfer {
		return errors.Wrapf(ErrTransferTooLong, "read_len %d", readLen)
	}

	response := make([]byte, readLen)
	err = bus.WithLock(l.ctx, func() error {
		return bus.twoWire.WriteRead(Address(addr&0x7F), reg, response)
	})
	status := StatusOf(err)
	if err != nil {
		response = nil
		l.logger.Infow("i2c_read failed", "bus", bus.id, "addr", addr, "error", err.Error())
	}
	l.respond(l.ids.i2cReadResponse, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(bus.id))
		protocol.EncodeVLQUint(output, uint32(status))
		protocol.EncodeVLQBytes(output, response)
	})
	return nil
}

// handleSPITransfer exchanges data with one four-wire slave
// Format: spi_transfer bus=%c slave=%c data=%*s
func (l *Link) handleSPITransfer(data *[]byte) error {
	bus, err := l.decodeBus(data)
	if err != nil {
		return err
	}
	slave, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	payload, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	if bus.kind != FourWire {
		return errors.Wrapf(ErrWrongBusKind, "spi_transfer on %v", bus.id)
	}
	if _, ok := bus.fourWire.slaves[SlaveID(slave)]; !ok {
		return errors.Wrapf(ErrUnknownSlave, "bus %v slave %d", bus.id, slave)
	}

	req, err := NewExchangeRequest(SlaveID(slave), payload)
	if err != nil {
		return err
	}
	res := bus.Transact(l.ctx, req)
	l.respond(l.ids.spiTransferResponse, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(bus.id))
		protocol.EncodeVLQUint(output, uint32(res.Status))
		protocol.EncodeVLQBytes(output, res.Bytes())
	})
	return nil
}

// handleQueueSubmit places a request on a bus request queue. The reply
// reports whether it was accepted, not the transfer outcome.
// Format: queue_submit bus=%c addr=%c dir=%c data=%*s read_len=%c
func (l *Link) handleQueueSubmit(data *[]byte) error {
	bus, err := l.decodeBus(data)
	if err != nil {
		return err
	}
	target, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	dir, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	payload, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}
	readLen, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if bus.channel == nil {
		return errors.Wrapf(ErrNoChannel, "bus %v", bus.id)
	}

	var req TransferRequest
	switch Direction(dir) {
	case DirWrite:
		req, err = NewWriteRequest(Address(target&0x7F), payload)
	case DirRead:
		req, err = NewReadRequest(Address(target&0x7F), int(readLen))
	case DirExchange:
		req, err = NewExchangeRequest(SlaveID(target), payload)
	default:
		err = errors.Errorf("invalid direction %d", dir)
	}
	if err != nil {
		return err
	}

	// A request the consumer could not perform is refused here, before it
	// takes a queue slot.
	if err = bus.Validate(req); err == nil {
		err = bus.channel.Submit(l.ctx, req, bus.lockTimeout)
	} else {
		l.logger.Infow("queue request rejected", "bus", bus.id, "error", err.Error())
	}
	status := StatusOf(err)
	depth := bus.channel.requests.Len()
	l.respond(l.ids.busStatus, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(bus.id))
		protocol.EncodeVLQUint(output, uint32(status))
		protocol.EncodeVLQUint(output, uint32(depth))
	})
	return nil
}

// handleQueueCollect returns the oldest queued result without waiting.
// Format: queue_collect bus=%c
func (l *Link) handleQueueCollect(data *[]byte) error {
	bus, err := l.decodeBus(data)
	if err != nil {
		return err
	}
	if bus.channel == nil {
		return errors.Wrapf(ErrNoChannel, "bus %v", bus.id)
	}
	res, err := bus.channel.Collect(l.ctx, 0)
	if err != nil {
		res = TransferResult{Status: StatusOf(err)}
	}
	l.respond(l.ids.queueResult, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(bus.id))
		protocol.EncodeVLQUint(output, uint32(res.Status))
		protocol.EncodeVLQBytes(output, res.Bytes())
	})
	return nil
}

// handleBusStats reports lock counters and request queue depth.
// Format: bus_stats bus=%c
func (l *Link) handleBusStats(data *[]byte) error {
	bus, err := l.decodeBus(data)
	if err != nil {
		return err
	}
	acquired, timeouts := bus.lock.Stats()
	queued := 0
	if bus.channel != nil {
		queued = bus.channel.requests.Len()
	}
	l.respond(l.ids.busStatsResponse, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(bus.id))
		protocol.EncodeVLQUint(output, uint32(acquired))
		protocol.EncodeVLQUint(output, uint32(timeouts))
		protocol.EncodeVLQUint(output, uint32(queued))
	})
	return nil
}
