package sim

import (
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
)

// FourWireSlave is a device attached to a simulated four-wire bus.
type FourWireSlave interface {
	// Select is called when the device's chip-select becomes active.
	Select()
	// Exchange clocks one byte in and returns the byte clocked out.
	Exchange(mosi byte) byte
	// Deselect is called when the chip-select becomes inactive.
	Deselect()
}

// ChipSelect is a gpiotest pin that notifies the bus when its level
// changes.
type ChipSelect struct {
	gpiotest.Pin
	activeHigh bool
	onChange   func(active bool)
}

// Out drives the line and reports the new state to the bus.
func (c *ChipSelect) Out(l gpio.Level) error {
	if err := c.Pin.Out(l); err != nil {
		return err
	}
	if c.onChange != nil {
		c.onChange(bool(l) == c.activeHigh)
	}
	return nil
}

// Active reports whether the line is at its selecting level.
func (c *ChipSelect) Active() bool {
	return bool(c.Pin.Read()) == c.activeHigh
}

type attachment struct {
	name     string
	dev      FourWireSlave
	cs       *ChipSelect
	selected bool
}

// FourWire simulates a full-duplex controller. It implements
// core.FourWirePeripheral and core.Configurer.
type FourWire struct {
	mu      sync.Mutex
	devices []*attachment
	freq    physic.Frequency

	rx        byte
	rxne      bool
	busyPolls int
	stall     bool

	contention int
	mosi       []byte
}

// NewFourWire returns a bus with nothing attached.
func NewFourWire() *FourWire {
	return &FourWire{}
}

// Attach connects dev behind a new chip-select line. The line starts
// inactive.
func (f *FourWire) Attach(name string, dev FourWireSlave, activeHigh bool) *ChipSelect {
	a := &attachment{name: name, dev: dev}
	cs := &ChipSelect{Pin: gpiotest.Pin{N: name + "_CS"}, activeHigh: activeHigh}
	cs.Pin.L = gpio.Level(!activeHigh)
	cs.onChange = func(active bool) { f.chipSelect(a, active) }
	a.cs = cs
	f.mu.Lock()
	f.devices = append(f.devices, a)
	f.mu.Unlock()
	return cs
}

func (f *FourWire) chipSelect(a *attachment, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if active == a.selected {
		return
	}
	a.selected = active
	if active {
		a.dev.Select()
	} else {
		a.dev.Deselect()
	}
}

// Stall keeps the receive flag from ever being raised.
func (f *FourWire) Stall(stall bool) {
	f.mu.Lock()
	f.stall = stall
	f.mu.Unlock()
}

// HoldBusy makes the controller report busy for the next n polls.
func (f *FourWire) HoldBusy(n int) {
	f.mu.Lock()
	f.busyPolls = n
	f.mu.Unlock()
}

// Contention counts bytes sent while more than one slave was selected.
func (f *FourWire) Contention() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contention
}

// MOSI returns every byte clocked out so far.
func (f *FourWire) MOSI() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.mosi...)
}

// Frequency returns the clock set by Configure.
func (f *FourWire) Frequency() physic.Frequency {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freq
}

func (f *FourWire) Configure(freq physic.Frequency) error {
	f.mu.Lock()
	f.freq = freq
	f.mu.Unlock()
	return nil
}

func (f *FourWire) Send(b byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mosi = append(f.mosi, b)
	var target *attachment
	selected := 0
	for _, a := range f.devices {
		if a.selected {
			target = a
			selected++
		}
	}
	switch {
	case selected == 1:
		f.rx = target.dev.Exchange(b)
	case selected > 1:
		f.contention++
		f.rx = 0xFF
	default:
		f.rx = 0xFF
	}
	f.rxne = true
}

func (f *FourWire) RxNotEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rxne && !f.stall
}

func (f *FourWire) Receive() byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rxne = false
	return f.rx
}

func (f *FourWire) TxEmpty() bool {
	return true
}

func (f *FourWire) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busyPolls > 0 {
		f.busyPolls--
		return true
	}
	return false
}

// Recorder is a four-wire slave that logs each chip-select frame and
// answers every byte with Reply(mosi).
type Recorder struct {
	mu     sync.Mutex
	frames [][]byte
	open   bool
	Reply  func(mosi byte) byte
}

func (r *Recorder) Select() {
	r.mu.Lock()
	r.frames = append(r.frames, nil)
	r.open = true
	r.mu.Unlock()
}

func (r *Recorder) Exchange(mosi byte) byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open {
		last := len(r.frames) - 1
		r.frames[last] = append(r.frames[last], mosi)
	}
	if r.Reply != nil {
		return r.Reply(mosi)
	}
	return ^mosi
}

func (r *Recorder) Deselect() {
	r.mu.Lock()
	r.open = false
	r.mu.Unlock()
}

// Frames returns the bytes received in each chip-select frame.
func (r *Recorder) Frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	for i, f := range r.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}
