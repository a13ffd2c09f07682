package core

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FourWireEngine exchanges bytes on a full-duplex bus and drives the
// chip-select lines of its slaves. Select, transfer and deselect are
// separate steps; callers hold the bus lock across the whole bracket.
type FourWireEngine struct {
	bus       BusID
	hw        FourWirePeripheral
	lock      *TxnLock
	pollLimit int
	slaves    map[SlaveID]SlaveDescriptor
	order     []SlaveID
	trace     *Trace
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	selected *SlaveID
}

func newFourWireEngine(bus BusID, hw FourWirePeripheral, lock *TxnLock, pollLimit int, slaves []SlaveDescriptor, trace *Trace, logger *zap.SugaredLogger) *FourWireEngine {
	e := &FourWireEngine{
		bus:       bus,
		hw:        hw,
		lock:      lock,
		pollLimit: pollLimit,
		slaves:    make(map[SlaveID]SlaveDescriptor, len(slaves)),
		trace:     trace,
		logger:    logger,
	}
	for _, s := range slaves {
		e.slaves[s.ID] = s
		e.order = append(e.order, s.ID)
	}
	return e
}

// Slaves returns the configured slaves in configuration order.
func (e *FourWireEngine) Slaves() []SlaveDescriptor {
	out := make([]SlaveDescriptor, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.slaves[id])
	}
	return out
}

func (e *FourWireEngine) mustHold() {
	if !e.lock.Held() {
		panic(errors.Wrapf(ErrLockNotHeld, "bus %v", e.bus))
	}
}

func (e *FourWireEngine) slave(id SlaveID) SlaveDescriptor {
	s, ok := e.slaves[id]
	if !ok {
		panic(errors.Wrapf(ErrUnknownSlave, "bus %v slave %d", e.bus, id))
	}
	return s
}

// idle drives every chip-select line to its inactive level.
func (e *FourWireEngine) idle() error {
	var err error
	for _, id := range e.order {
		s := e.slaves[id]
		if s.CS == nil {
			continue
		}
		err = multierr.Append(err, s.CS.Out(s.level(false)))
	}
	return err
}

// Selected returns the slave whose chip-select is asserted, if any.
func (e *FourWireEngine) Selected() (SlaveID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selected == nil {
		return 0, false
	}
	return *e.selected, true
}

// Select asserts the chip-select of id. An unknown id is a configuration
// error and panics with ErrUnknownSlave.
func (e *FourWireEngine) Select(id SlaveID) error {
	e.mustHold()
	s := e.slave(id)
	if err := s.CS.Out(s.level(true)); err != nil {
		return errors.Wrapf(err, "select slave %d", id)
	}
	e.mu.Lock()
	e.selected = &id
	e.mu.Unlock()
	e.trace.Record(EvtSelect, e.bus, uint16(id), 0)
	return nil
}

// Deselect releases the chip-select of id.
func (e *FourWireEngine) Deselect(id SlaveID) error {
	e.mustHold()
	s := e.slave(id)
	e.mu.Lock()
	e.selected = nil
	e.mu.Unlock()
	e.trace.Record(EvtDeselect, e.bus, uint16(id), 0)
	if err := s.CS.Out(s.level(false)); err != nil {
		return errors.Wrapf(err, "deselect slave %d", id)
	}
	return nil
}

// TransferByte clocks b out and returns the byte clocked in.
func (e *FourWireEngine) TransferByte(b byte) (byte, error) {
	e.mustHold()
	if !poll(e.pollLimit, e.hw.TxEmpty) {
		return 0, e.stalled("transmit empty")
	}
	e.hw.Send(b)
	if !poll(e.pollLimit, e.hw.RxNotEmpty) {
		return 0, e.stalled("receive")
	}
	in := e.hw.Receive()
	e.trace.Record(EvtByteOut, e.bus, uint16(b), 0)
	e.trace.Record(EvtByteIn, e.bus, uint16(in), 0)
	return in, nil
}

// TransferBuffer exchanges tx byte by byte and returns what was received.
func (e *FourWireEngine) TransferBuffer(tx []byte) ([]byte, error) {
	rx := make([]byte, len(tx))
	for i, b := range tx {
		in, err := e.TransferByte(b)
		if err != nil {
			return rx[:i], err
		}
		rx[i] = in
	}
	return rx, nil
}

// Drain waits until the last byte has left the shifter, so a following
// Deselect cannot cut it short.
func (e *FourWireEngine) Drain() error {
	e.mustHold()
	ok := poll(e.pollLimit, func() bool {
		return e.hw.TxEmpty() && !e.hw.Busy()
	})
	if !ok {
		return e.stalled("drain")
	}
	return nil
}

// Exchange runs a full select, transfer, drain and deselect bracket against
// one slave. Deselect runs even when the transfer fails; both errors are
// reported.
func (e *FourWireEngine) Exchange(id SlaveID, tx []byte) (rx []byte, err error) {
	if err = e.Select(id); err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, e.Deselect(id))
	}()
	if rx, err = e.TransferBuffer(tx); err != nil {
		return rx, err
	}
	return rx, e.Drain()
}

func (e *FourWireEngine) stalled(what string) error {
	e.trace.Record(EvtStalled, e.bus, 0, 0)
	e.logger.Warnw("four-wire wait exhausted", "waiting_for", what)
	return errors.Wrapf(ErrBusStalled, "bus %v waiting for %s", e.bus, what)
}
