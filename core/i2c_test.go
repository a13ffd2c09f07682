package core_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"gobus/core"
	"gobus/sim"
)

func locked(t *testing.T, bus *core.Bus, fn func() error) error {
	t.Helper()
	return bus.WithLock(context.Background(), fn)
}

func TestTwoWireWrite(t *testing.T) {
	bus, hw, mem := twoWireBus(t, nil)
	var n int
	err := locked(t, bus, func() (err error) {
		n, err = bus.TwoWireEngine().Write(0x50, []byte{0x02, 0xAA, 0xBB})
		return err
	})
	if err != nil || n != 3 {
		t.Fatalf("Write = %d, %v; want 3, nil", n, err)
	}
	if got := mem.Bytes()[2:4]; !cmp.Equal(got, []byte{0xAA, 0xBB}) {
		t.Errorf("memory = %x, want aabb", got)
	}

	want := []sim.Event{
		{Kind: sim.EvStart},
		{Kind: sim.EvAddress, Addr: 0x50},
		{Kind: sim.EvWrite, Byte: 0x02, Ack: true},
		{Kind: sim.EvWrite, Byte: 0xAA, Ack: true},
		{Kind: sim.EvWrite, Byte: 0xBB, Ack: true},
		{Kind: sim.EvStop},
	}
	if diff := cmp.Diff(want, hw.Events()); diff != "" {
		t.Errorf("bus events mismatch (-want +got):\n%s", diff)
	}
	if s := bus.TwoWireEngine().State(); s != core.StateIdle {
		t.Errorf("state = %v, want idle", s)
	}
}

func TestTwoWireReadAcksAllButLast(t *testing.T) {
	bus, hw, _ := twoWireBus(t, nil)
	r := make([]byte, 4)
	err := locked(t, bus, func() error {
		return bus.TwoWireEngine().WriteRead(0x50, []byte{0x05}, r)
	})
	if err != nil {
		t.Fatalf("WriteRead: %v", err)
	}
	if diff := cmp.Diff([]byte{5, 6, 7, 8}, r); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}

	var acks []bool
	for _, e := range hw.Events() {
		if e.Kind == sim.EvRead {
			acks = append(acks, e.Ack)
		}
	}
	if diff := cmp.Diff([]bool{true, true, true, false}, acks); diff != "" {
		t.Errorf("ack pattern mismatch (-want +got):\n%s", diff)
	}
	if hw.Count(sim.EvStart) != 2 || hw.Count(sim.EvStop) != 1 {
		t.Errorf("starts=%d stops=%d, want a repeated start and one stop",
			hw.Count(sim.EvStart), hw.Count(sim.EvStop))
	}
}

func TestTwoWireSingleByteReadIsNACKed(t *testing.T) {
	bus, hw, _ := twoWireBus(t, nil)
	var got []byte
	err := locked(t, bus, func() (err error) {
		got, err = bus.TwoWireEngine().Read(0x50, 1)
		return err
	})
	if err != nil || len(got) != 1 {
		t.Fatalf("Read = %x, %v", got, err)
	}
	for _, e := range hw.Events() {
		if e.Kind == sim.EvRead && e.Ack {
			t.Error("only byte of a read was acknowledged")
		}
	}
}

func TestTwoWireAddressNACK(t *testing.T) {
	bus, hw, _ := twoWireBus(t, nil)
	err := locked(t, bus, func() error {
		_, err := bus.TwoWireEngine().Write(0x51, []byte{1})
		return err
	})
	if !errors.Is(err, core.ErrAddressNACK) {
		t.Fatalf("Write to absent device = %v, want ErrAddressNACK", err)
	}
	if core.StatusOf(err) != core.StatusAddressNACK {
		t.Errorf("StatusOf = %v", core.StatusOf(err))
	}
	if hw.AckFailed() {
		t.Error("NACK flag left set")
	}
	if hw.Count(sim.EvStop) != 1 {
		t.Errorf("stops = %d, want 1", hw.Count(sim.EvStop))
	}
	if s := bus.TwoWireEngine().State(); s != core.StateIdle {
		t.Errorf("state = %v, want idle", s)
	}

	// the bus stays usable
	err = locked(t, bus, func() error {
		_, err := bus.TwoWireEngine().Write(0x50, []byte{0})
		return err
	})
	if err != nil {
		t.Errorf("Write after NACK: %v", err)
	}
}

func TestTwoWireDataNACK(t *testing.T) {
	bus, _, mem := twoWireBus(t, nil)
	mem.NACKAfter = 2
	var n int
	err := locked(t, bus, func() (err error) {
		n, err = bus.TwoWireEngine().Write(0x50, []byte{0, 1, 2})
		return err
	})
	if !errors.Is(err, core.ErrDataNACK) {
		t.Fatalf("Write = %v, want ErrDataNACK", err)
	}
	if n != 1 {
		t.Errorf("acknowledged %d bytes, want 1", n)
	}
}

func TestTwoWireStallReportsBusTimeout(t *testing.T) {
	bus, hw, _ := twoWireBus(t, nil)
	hw.StallStart(true)
	err := locked(t, bus, func() error {
		_, err := bus.TwoWireEngine().Read(0x50, 2)
		return err
	})
	if !errors.Is(err, core.ErrBusStalled) {
		t.Fatalf("Read = %v, want ErrBusStalled", err)
	}
	if core.StatusOf(err) != core.StatusBusTimeout {
		t.Errorf("StatusOf = %v", core.StatusOf(err))
	}
	if hw.Count(sim.EvStop) != 1 {
		t.Error("stop not issued after stall")
	}
	if bus.Lock().Held() {
		t.Error("lock held after stall")
	}

	hw.StallStart(false)
	err = locked(t, bus, func() error {
		_, err := bus.TwoWireEngine().Read(0x50, 2)
		return err
	})
	if err != nil {
		t.Errorf("Read after recovery: %v", err)
	}
}

func TestTwoWireWaitsForBusFree(t *testing.T) {
	bus, hw, _ := twoWireBus(t, nil)
	hw.StretchClock(testPollLimit / 2)
	err := locked(t, bus, func() error {
		_, err := bus.TwoWireEngine().Write(0x50, []byte{0})
		return err
	})
	if err != nil {
		t.Errorf("Write with stretched clock: %v", err)
	}

	hw.StretchClock(testPollLimit * 2)
	err = locked(t, bus, func() error {
		_, err := bus.TwoWireEngine().Write(0x50, []byte{0})
		return err
	})
	if !errors.Is(err, core.ErrBusStalled) {
		t.Errorf("Write with held bus = %v, want ErrBusStalled", err)
	}
}

func TestTwoWireTransferTooLong(t *testing.T) {
	bus, hw, _ := twoWireBus(t, nil)
	err := locked(t, bus, func() error {
		_, err := bus.TwoWireEngine().Write(0x50, make([]byte, core.MaxTransfer+1))
		return err
	})
	if !errors.Is(err, core.ErrTransferTooLong) {
		t.Errorf("Write = %v, want ErrTransferTooLong", err)
	}
	if len(hw.Events()) != 0 {
		t.Errorf("oversized write touched the bus: %v", hw.Events())
	}
}

func TestTwoWireReadEachStopsOnSinkError(t *testing.T) {
	bus, hw, _ := twoWireBus(t, nil)
	stop := errors.New("enough")
	var seen int
	err := locked(t, bus, func() error {
		return bus.TwoWireEngine().ReadEach(0x50, 8, func(i int, b byte) error {
			seen++
			if i == 2 {
				return stop
			}
			return nil
		})
	})
	if !errors.Is(err, stop) || seen != 3 {
		t.Errorf("ReadEach = %v after %d bytes, want sink error after 3", err, seen)
	}
	if hw.Count(sim.EvStop) != 1 {
		t.Error("stop not issued")
	}
}
