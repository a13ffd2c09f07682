package core

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MaxTransfer is the largest payload a single two-wire transfer carries.
const MaxTransfer = 32

// TwoWireState is the position of the two-wire engine in its transaction.
type TwoWireState uint32

const (
	StateIdle TwoWireState = iota
	StateWaitBusFree
	StateStarted
	StateAddressSent
	StateTransferActive
	StateStopped
)

func (s TwoWireState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitBusFree:
		return "wait-bus-free"
	case StateStarted:
		return "started"
	case StateAddressSent:
		return "address-sent"
	case StateTransferActive:
		return "transfer-active"
	case StateStopped:
		return "stopped"
	}
	return "invalid"
}

// TwoWireEngine sequences start, address, data and stop on one two-wire
// peripheral. Every method expects the bus lock to be held by the caller
// and panics with ErrLockNotHeld otherwise. A transaction, once started, is
// never abandoned half way: stop is asserted on every exit path.
type TwoWireEngine struct {
	bus       BusID
	hw        TwoWirePeripheral
	lock      *TxnLock
	pollLimit int
	trace     *Trace
	logger    *zap.SugaredLogger

	state atomic.Uint32
}

func newTwoWireEngine(bus BusID, hw TwoWirePeripheral, lock *TxnLock, pollLimit int, trace *Trace, logger *zap.SugaredLogger) *TwoWireEngine {
	return &TwoWireEngine{
		bus:       bus,
		hw:        hw,
		lock:      lock,
		pollLimit: pollLimit,
		trace:     trace,
		logger:    logger,
	}
}

// State returns the current engine state.
func (e *TwoWireEngine) State() TwoWireState {
	return TwoWireState(e.state.Load())
}

func (e *TwoWireEngine) setState(s TwoWireState) {
	e.state.Store(uint32(s))
	e.trace.Record(EvtState, e.bus, uint16(s), 0)
}

func (e *TwoWireEngine) mustHold() {
	if !e.lock.Held() {
		panic(errors.Wrapf(ErrLockNotHeld, "bus %v", e.bus))
	}
}

func (e *TwoWireEngine) wait(what string, cond func() bool) error {
	if poll(e.pollLimit, cond) {
		return nil
	}
	e.trace.Record(EvtStalled, e.bus, uint16(e.State()), 0)
	e.logger.Warnw("two-wire wait exhausted", "waiting_for", what, "state", e.State())
	return errors.Wrapf(ErrBusStalled, "bus %v waiting for %s", e.bus, what)
}

// start waits for the bus to be free, then issues start and the address
// byte. Address NACK clears the failure flag and returns ErrAddressNACK.
func (e *TwoWireEngine) start(addr Address, read bool) error {
	e.setState(StateWaitBusFree)
	if err := e.wait("bus free", func() bool { return !e.hw.Busy() }); err != nil {
		return err
	}
	return e.restart(addr, read)
}

// restart issues a (repeated) start and address without the bus-free wait.
func (e *TwoWireEngine) restart(addr Address, read bool) error {
	e.hw.GenerateStart()
	e.setState(StateStarted)
	if err := e.wait("start", e.hw.StartSent); err != nil {
		return err
	}

	var rw uint8
	if read {
		rw = 1
	}
	e.trace.Record(EvtStart, e.bus, uint16(addr), rw)
	e.hw.SendAddress(addr, read)
	e.setState(StateAddressSent)

	nacked := false
	err := e.wait("address", func() bool {
		if e.hw.AddressSent() {
			return true
		}
		if e.hw.AckFailed() {
			nacked = true
			return true
		}
		return false
	})
	if err != nil {
		return err
	}
	if nacked {
		e.hw.ClearAckFailure()
		e.trace.Record(EvtNACK, e.bus, 0, 0)
		return errors.Wrapf(ErrAddressNACK, "bus %v address 0x%02x", e.bus, uint8(addr))
	}
	e.hw.ClearAddress()
	e.setState(StateTransferActive)
	return nil
}

func (e *TwoWireEngine) stop() {
	e.hw.GenerateStop()
	e.trace.Record(EvtStop, e.bus, 0, 0)
	e.setState(StateStopped)
	e.setState(StateIdle)
}

func (e *TwoWireEngine) send(data []byte) (int, error) {
	for i, b := range data {
		e.hw.SendData(b)
		e.trace.Record(EvtByteOut, e.bus, uint16(b), 0)
		err := e.wait("byte transfer", func() bool {
			return e.hw.ByteTransferred() || e.hw.AckFailed()
		})
		if err != nil {
			return i, err
		}
		if e.hw.AckFailed() {
			e.hw.ClearAckFailure()
			e.trace.Record(EvtNACK, e.bus, 1, 0)
			return i, errors.Wrapf(ErrDataNACK, "bus %v byte %d of %d", e.bus, i+1, len(data))
		}
	}
	return len(data), nil
}

func (e *TwoWireEngine) receive(n int, sink func(i int, b byte) error) error {
	for i := 0; i < n; i++ {
		last := i == n-1
		e.hw.SetAck(!last)
		if err := e.wait("receive", e.hw.RxNotEmpty); err != nil {
			return err
		}
		b := e.hw.ReadData()
		var acked uint8
		if !last {
			acked = 1
		}
		e.trace.Record(EvtByteIn, e.bus, uint16(b), acked)
		if err := sink(i, b); err != nil {
			return err
		}
	}
	return nil
}

// Write sends data to addr in one transaction and returns the number of
// bytes the slave acknowledged.
func (e *TwoWireEngine) Write(addr Address, data []byte) (n int, err error) {
	e.mustHold()
	if len(data) > MaxTransfer {
		return 0, errors.Wrapf(ErrTransferTooLong, "%d bytes", len(data))
	}
	defer e.stop()
	if err = e.start(addr, false); err != nil {
		return 0, err
	}
	return e.send(data)
}

// Read reads n bytes from addr. All bytes but the last are acknowledged.
func (e *TwoWireEngine) Read(addr Address, n int) ([]byte, error) {
	buf := make([]byte, 0, n)
	err := e.ReadEach(addr, n, func(_ int, b byte) error {
		buf = append(buf, b)
		return nil
	})
	return buf, err
}

// ReadEach reads n bytes from addr, handing each to sink as it arrives.
// An error from sink ends the transaction early.
func (e *TwoWireEngine) ReadEach(addr Address, n int, sink func(i int, b byte) error) error {
	e.mustHold()
	if n > MaxTransfer {
		return errors.Wrapf(ErrTransferTooLong, "%d bytes", n)
	}
	defer e.stop()
	if err := e.start(addr, true); err != nil {
		return err
	}
	return e.receive(n, sink)
}

// WriteRead writes w, then issues a repeated start and reads len(r) bytes
// into r. Either side may be empty.
func (e *TwoWireEngine) WriteRead(addr Address, w, r []byte) error {
	e.mustHold()
	if len(w) > MaxTransfer || len(r) > MaxTransfer {
		return errors.Wrapf(ErrTransferTooLong, "write %d read %d", len(w), len(r))
	}
	defer e.stop()

	if len(w) > 0 || len(r) == 0 {
		if err := e.start(addr, false); err != nil {
			return err
		}
		if _, err := e.send(w); err != nil {
			return err
		}
		if len(r) == 0 {
			return nil
		}
		if err := e.restart(addr, true); err != nil {
			return err
		}
	} else if err := e.start(addr, true); err != nil {
		return err
	}
	return e.receive(len(r), func(i int, b byte) error {
		r[i] = b
		return nil
	})
}
