package core_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"

	"gobus/core"
	"gobus/sim"
)

func TestFourWireExchange(t *testing.T) {
	f := fourWireBus(t, 2)
	var rx []byte
	err := f.bus.WithLock(context.Background(), func() (err error) {
		rx, err = f.bus.FourWireEngine().Exchange(0, []byte{0x01, 0x02, 0x03})
		return err
	})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if diff := cmp.Diff([]byte{0xFE, 0xFD, 0xFC}, rx); diff != "" {
		t.Errorf("received mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]byte{{0x01, 0x02, 0x03}}, f.devs[0].Frames()); diff != "" {
		t.Errorf("slave 0 frames mismatch (-want +got):\n%s", diff)
	}
	if len(f.devs[1].Frames()) != 0 {
		t.Errorf("slave 1 saw traffic: %v", f.devs[1].Frames())
	}
	for i, cs := range f.cs {
		if cs.Active() {
			t.Errorf("slave %d left selected", i)
		}
	}
	if _, ok := f.bus.FourWireEngine().Selected(); ok {
		t.Error("engine still reports a selected slave")
	}
}

func TestFourWireSlavesNeverOverlap(t *testing.T) {
	f := fourWireBus(t, 3)
	for i := 0; i < 9; i++ {
		id := core.SlaveID(i % 3)
		err := f.bus.WithLock(context.Background(), func() error {
			_, err := f.bus.FourWireEngine().Exchange(id, []byte{byte(i)})
			return err
		})
		if err != nil {
			t.Fatalf("exchange %d: %v", i, err)
		}
	}
	if c := f.hw.Contention(); c != 0 {
		t.Errorf("%d bytes sent with several slaves selected", c)
	}
	for i, dev := range f.devs {
		if n := len(dev.Frames()); n != 3 {
			t.Errorf("slave %d saw %d frames, want 3", i, n)
		}
	}
}

func TestFourWireActiveHighSlave(t *testing.T) {
	hw := sim.NewFourWire()
	var cs *sim.ChipSelect
	var levels []gpio.Level
	rec := &sim.Recorder{Reply: func(b byte) byte {
		levels = append(levels, cs.Read())
		return b
	}}
	cs = hw.Attach("radio", rec, true)
	cs.Pin.L = gpio.High // left selected by a previous owner

	reg := newRegistry(t, core.Options{}, core.BusConfig{
		ID:       core.SPI2,
		FourWire: hw,
		Slaves:   []core.SlaveDescriptor{{ID: 4, Name: "radio", CS: cs, ActiveHigh: true}},
	})
	if cs.Read() != gpio.Low {
		t.Fatal("registry did not drive the chip-select inactive")
	}

	bus := reg.MustResolve(core.SPI2)
	err := bus.WithLock(context.Background(), func() error {
		_, err := bus.FourWireEngine().Exchange(4, []byte{1, 2})
		return err
	})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if diff := cmp.Diff([]gpio.Level{gpio.High, gpio.High}, levels); diff != "" {
		t.Errorf("chip-select during transfer (-want +got):\n%s", diff)
	}
	if cs.Read() != gpio.Low {
		t.Error("chip-select not released")
	}
}

func TestFourWireUnknownSlavePanics(t *testing.T) {
	f := fourWireBus(t, 1)
	_ = f.bus.WithLock(context.Background(), func() error {
		mustPanicWith(t, core.ErrUnknownSlave, func() {
			_ = f.bus.FourWireEngine().Select(7)
		})
		return nil
	})
}

func TestFourWireStallDeselects(t *testing.T) {
	f := fourWireBus(t, 1)
	f.hw.Stall(true)
	err := f.bus.WithLock(context.Background(), func() error {
		_, err := f.bus.FourWireEngine().Exchange(0, []byte{1, 2})
		return err
	})
	if !errors.Is(err, core.ErrBusStalled) {
		t.Fatalf("Exchange = %v, want ErrBusStalled", err)
	}
	if f.cs[0].Active() {
		t.Error("slave left selected after stall")
	}
}

func TestFourWireDrainWaitsForShifter(t *testing.T) {
	f := fourWireBus(t, 1)
	f.hw.HoldBusy(testPollLimit / 2)
	err := f.bus.WithLock(context.Background(), func() error {
		_, err := f.bus.FourWireEngine().Exchange(0, []byte{1})
		return err
	})
	if err != nil {
		t.Errorf("Exchange while busy: %v", err)
	}

	f.hw.HoldBusy(testPollLimit * 2)
	err = f.bus.WithLock(context.Background(), func() error {
		_, err := f.bus.FourWireEngine().Exchange(0, []byte{1})
		return err
	})
	if !errors.Is(err, core.ErrBusStalled) {
		t.Errorf("Exchange with busy controller = %v, want ErrBusStalled", err)
	}
}

func TestFourWireStepwiseBracket(t *testing.T) {
	f := fourWireBus(t, 1)
	e := f.bus.FourWireEngine()
	err := f.bus.WithLock(context.Background(), func() error {
		if err := e.Select(0); err != nil {
			return err
		}
		if id, ok := e.Selected(); !ok || id != 0 {
			t.Errorf("Selected() = %d, %v", id, ok)
		}
		if _, err := e.TransferByte(0x61); err != nil {
			return err
		}
		if _, err := e.TransferBuffer([]byte{0xFF, 0xFF}); err != nil {
			return err
		}
		if err := e.Drain(); err != nil {
			return err
		}
		return e.Deselect(0)
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]byte{{0x61, 0xFF, 0xFF}}, f.devs[0].Frames()); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}
