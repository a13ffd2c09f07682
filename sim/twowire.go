// Package sim provides simulated bus peripherals and devices. They satisfy
// the core peripheral interfaces so engines, device protocols and the host
// tool run without hardware.
package sim

import (
	"sync"

	"periph.io/x/conn/v3/physic"

	"gobus/core"
)

// TwoWireSlave is a device attached to a simulated two-wire bus.
type TwoWireSlave interface {
	// Start is the address phase; returning false NACKs the address.
	Start(read bool) bool
	// Write receives one data byte; returning false NACKs it.
	Write(b byte) bool
	// Read supplies the next byte. ack tells whether the controller will
	// acknowledge it.
	Read(ack bool) byte
	Stop()
}

// EventKind classifies a recorded bus event.
type EventKind uint8

const (
	EvStart EventKind = iota + 1
	EvAddress
	EvAddressNACK
	EvWrite
	EvWriteNACK
	EvRead
	EvStop
)

// Event is one recorded two-wire bus event.
type Event struct {
	Kind EventKind
	Addr core.Address
	Read bool
	Byte byte
	Ack  bool
}

// TwoWire simulates a two-wire controller. It implements
// core.TwoWirePeripheral and core.Configurer.
type TwoWire struct {
	mu     sync.Mutex
	slaves map[core.Address]TwoWireSlave
	freq   physic.Frequency

	busyPolls  int
	stallStart bool

	sb, addr, af, btf, rxne bool
	ack                     bool
	current                 TwoWireSlave
	reading                 bool
	rx                      byte

	events []Event
}

// NewTwoWire returns an empty bus.
func NewTwoWire() *TwoWire {
	return &TwoWire{slaves: make(map[core.Address]TwoWireSlave)}
}

// Attach places slave at addr.
func (t *TwoWire) Attach(addr core.Address, slave TwoWireSlave) {
	t.mu.Lock()
	t.slaves[addr] = slave
	t.mu.Unlock()
}

// StretchClock makes the bus report busy for the next n polls.
func (t *TwoWire) StretchClock(n int) {
	t.mu.Lock()
	t.busyPolls = n
	t.mu.Unlock()
}

// StallStart keeps start conditions from ever latching.
func (t *TwoWire) StallStart(stall bool) {
	t.mu.Lock()
	t.stallStart = stall
	t.mu.Unlock()
}

// Frequency returns the clock set by Configure.
func (t *TwoWire) Frequency() physic.Frequency {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freq
}

// Events returns a copy of every recorded event.
func (t *TwoWire) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.events...)
}

// Count returns how many events of kind were recorded.
func (t *TwoWire) Count(kind EventKind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// ClearEvents forgets recorded events.
func (t *TwoWire) ClearEvents() {
	t.mu.Lock()
	t.events = nil
	t.mu.Unlock()
}

func (t *TwoWire) record(e Event) {
	t.events = append(t.events, e)
}

func (t *TwoWire) Configure(freq physic.Frequency) error {
	t.mu.Lock()
	t.freq = freq
	t.mu.Unlock()
	return nil
}

func (t *TwoWire) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busyPolls > 0 {
		t.busyPolls--
		return true
	}
	return false
}

func (t *TwoWire) StartSent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sb
}

func (t *TwoWire) AddressSent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

func (t *TwoWire) AckFailed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.af
}

func (t *TwoWire) ByteTransferred() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.btf
}

func (t *TwoWire) RxNotEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil || !t.reading {
		return false
	}
	if !t.rxne {
		t.rx = t.current.Read(t.ack)
		t.rxne = true
	}
	return true
}

func (t *TwoWire) GenerateStart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		// repeated start ends the previous phase without a stop
		t.current.Stop()
		t.current = nil
	}
	t.addr, t.btf, t.rxne = false, false, false
	t.sb = !t.stallStart
	t.record(Event{Kind: EvStart})
}

func (t *TwoWire) GenerateStop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		t.current.Stop()
		t.current = nil
	}
	t.sb, t.addr, t.btf, t.rxne, t.reading = false, false, false, false, false
	t.record(Event{Kind: EvStop})
}

func (t *TwoWire) SendAddress(addr core.Address, read bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sb = false
	s, ok := t.slaves[addr]
	if ok && s.Start(read) {
		t.addr = true
		t.current = s
		t.reading = read
		t.record(Event{Kind: EvAddress, Addr: addr, Read: read})
		return
	}
	t.af = true
	t.record(Event{Kind: EvAddressNACK, Addr: addr, Read: read})
}

func (t *TwoWire) SendData(b byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.btf = false
	if t.current == nil || t.reading {
		t.af = true
		t.record(Event{Kind: EvWriteNACK, Byte: b})
		return
	}
	if !t.current.Write(b) {
		t.af = true
		t.record(Event{Kind: EvWriteNACK, Byte: b})
		return
	}
	t.btf = true
	t.record(Event{Kind: EvWrite, Byte: b, Ack: true})
}

func (t *TwoWire) ReadData() byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rxne = false
	t.record(Event{Kind: EvRead, Byte: t.rx, Ack: t.ack})
	return t.rx
}

func (t *TwoWire) SetAck(enable bool) {
	t.mu.Lock()
	t.ack = enable
	t.mu.Unlock()
}

func (t *TwoWire) ClearAckFailure() {
	t.mu.Lock()
	t.af = false
	t.mu.Unlock()
}

func (t *TwoWire) ClearAddress() {
	t.mu.Lock()
	t.addr = false
	t.mu.Unlock()
}

// Memory is a register-pointer device: the first byte written in a
// transaction sets the pointer, further bytes are stored, reads return
// successive cells. The pointer wraps at the memory size.
type Memory struct {
	mu    sync.Mutex
	cells []byte
	ptr   int
	first bool

	// NACKAddress refuses the address phase.
	NACKAddress bool
	// NACKAfter NACKs the n-th data byte of a write transaction (1-based).
	NACKAfter int
	written   int
}

// NewMemory returns a device of size cells, each initialised to fill(i).
func NewMemory(size int, fill func(i int) byte) *Memory {
	m := &Memory{cells: make([]byte, size)}
	if fill != nil {
		for i := range m.cells {
			m.cells[i] = fill(i)
		}
	}
	return m
}

// Bytes returns a copy of the memory contents.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.cells...)
}

func (m *Memory) Start(read bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NACKAddress {
		return false
	}
	m.first = !read
	m.written = 0
	return true
}

func (m *Memory) Write(b byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written++
	if m.NACKAfter > 0 && m.written >= m.NACKAfter {
		return false
	}
	if m.first {
		m.ptr = int(b) % len(m.cells)
		m.first = false
		return true
	}
	m.cells[m.ptr] = b
	m.ptr = (m.ptr + 1) % len(m.cells)
	return true
}

func (m *Memory) Read(bool) byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.cells[m.ptr]
	m.ptr = (m.ptr + 1) % len(m.cells)
	return b
}

func (m *Memory) Stop() {}
