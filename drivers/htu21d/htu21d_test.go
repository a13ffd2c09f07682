package htu21d_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"gobus/core"
	"gobus/drivers/htu21d"
	"gobus/sim"
)

func testConfig() htu21d.Config {
	cfg := htu21d.DefaultConfig()
	cfg.ResetSettle = time.Millisecond
	cfg.MeasureSettle = 2 * time.Millisecond
	return cfg
}

func newBus(t *testing.T, logger *zap.SugaredLogger, slave sim.TwoWireSlave) (*core.Bus, *sim.TwoWire) {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t).Sugar()
	}
	hw := sim.NewTwoWire()
	hw.Attach(htu21d.Address, slave)
	reg, err := core.NewRegistry(core.Options{Logger: logger}, core.BusConfig{
		ID:         core.BusA,
		Frequency:  core.StandardMode,
		QueueDepth: 16,
		PollLimit:  1000,
		TwoWire:    hw,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg.MustResolve(core.BusA), hw
}

func newDevice(t *testing.T, bus *core.Bus) *htu21d.Device {
	t.Helper()
	dev, err := htu21d.New(bus, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return dev
}

func TestNewRequiresQueuedTwoWireBus(t *testing.T) {
	hw := sim.NewTwoWire()
	reg, err := core.NewRegistry(core.Options{}, core.BusConfig{ID: core.BusA, Frequency: core.StandardMode, TwoWire: hw})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := htu21d.New(reg.MustResolve(core.BusA), testConfig()); !errors.Is(err, core.ErrNoChannel) {
		t.Errorf("New without queues: %v, want ErrNoChannel", err)
	}

	reg, err = core.NewRegistry(core.Options{}, core.BusConfig{
		ID:         core.SPI1,
		QueueDepth: 4,
		FourWire:   sim.NewFourWire(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := htu21d.New(reg.MustResolve(core.SPI1), testConfig()); !errors.Is(err, core.ErrWrongBusKind) {
		t.Errorf("New on four-wire bus: %v, want ErrWrongBusKind", err)
	}
}

func TestTriggerAndReadEnqueuesEachByte(t *testing.T) {
	mem := sim.NewMemory(32, func(i int) byte { return byte(0x80 + i) })
	bus, hw := newBus(t, nil, mem)
	dev := newDevice(t, bus)
	ctx := context.Background()

	for n := 1; n <= 8; n++ {
		hw.ClearEvents()
		cmd := byte(n)
		queued, err := dev.TriggerAndRead(ctx, cmd, n)
		if err != nil || queued != n {
			t.Fatalf("n=%d: queued %d, %v", n, queued, err)
		}
		if got := bus.Channel().Responses().Len(); got != n {
			t.Fatalf("n=%d: %d results queued", n, got)
		}
		got, err := dev.Collect(ctx, n)
		if err != nil {
			t.Fatalf("n=%d: collect: %v", n, err)
		}
		want := make([]byte, n)
		for i := range want {
			want[i] = byte(0x80 + n + i)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("n=%d bytes (-want +got):\n%s", n, diff)
		}

		var acks []bool
		for _, ev := range hw.Events() {
			if ev.Kind == sim.EvRead {
				acks = append(acks, ev.Ack)
			}
		}
		wantAcks := make([]bool, n)
		for i := 0; i < n-1; i++ {
			wantAcks[i] = true
		}
		if diff := cmp.Diff(wantAcks, acks); diff != "" {
			t.Errorf("n=%d acks (-want +got):\n%s", n, diff)
		}
		if starts, stops := hw.Count(sim.EvStart), hw.Count(sim.EvStop); starts != 2 || stops != 2 {
			t.Errorf("n=%d: %d starts, %d stops, want 2 each", n, starts, stops)
		}
	}
}

func TestTriggerAndReadHoldsLockThroughSettle(t *testing.T) {
	bus, _ := newBus(t, nil, sim.NewHTU21D())
	cfg := testConfig()
	cfg.MeasureSettle = 20 * time.Millisecond
	dev, err := htu21d.New(bus, cfg)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := dev.TriggerAndRead(context.Background(), htu21d.CmdTriggerTemp, 3)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for !bus.Lock().Held() {
		if time.Now().After(deadline) {
			t.Fatal("sensor never took the lock")
		}
		time.Sleep(100 * time.Microsecond)
	}
	if _, err := bus.Lock().Acquire(context.Background(), 2*time.Millisecond); !errors.Is(err, core.ErrLockTimeout) {
		t.Errorf("acquire during settle: %v, want ErrLockTimeout", err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if bus.Lock().Held() {
		t.Error("lock still held after read")
	}
}

func TestTriggerAndReadNACK(t *testing.T) {
	logger, logs := func() (*zap.SugaredLogger, *observer.ObservedLogs) {
		c, l := observer.New(zapcore.WarnLevel)
		return zap.New(c).Sugar(), l
	}()
	sensor := sim.NewHTU21D()
	sensor.Absent = true
	bus, hw := newBus(t, logger, sensor)
	dev := newDevice(t, bus)

	queued, err := dev.TriggerAndRead(context.Background(), htu21d.CmdTriggerTemp, 3)
	if !errors.Is(err, htu21d.ErrRequestFailed) || queued != 0 {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}
	if got := core.StatusOf(err); got != core.StatusAddressNACK {
		t.Errorf("status = %v, want %v", got, core.StatusAddressNACK)
	}
	if bus.Lock().Held() {
		t.Error("lock held after failure")
	}
	if n := bus.Channel().Responses().Len(); n != 0 {
		t.Errorf("%d results queued after failure", n)
	}
	if hw.Count(sim.EvStart) != 1 {
		t.Errorf("%d starts, want exactly one attempt", hw.Count(sim.EvStart))
	}
	failed := logs.FilterMessage("sensor request failed").All()
	if len(failed) != 1 {
		t.Fatalf("failure not logged: %v", logs.All())
	}
	fields := failed[0].ContextMap()
	if _, ok := fields["error"].(string); !ok {
		t.Errorf("error field %T, want a plain message", fields["error"])
	}
	if _, ok := fields["errorVerbose"]; ok {
		t.Error("routine failure logged with a stack trace")
	}
}

func TestTriggerAndReadQueueFull(t *testing.T) {
	mem := sim.NewMemory(32, nil)
	bus, _ := newBus(t, nil, mem)
	cfg := testConfig()
	cfg.EnqueueTimeout = time.Millisecond
	dev, err := htu21d.New(bus, cfg)
	if err != nil {
		t.Fatal(err)
	}
	queued, err := dev.TriggerAndRead(context.Background(), 0, 20)
	if !errors.Is(err, core.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if queued != 16 {
		t.Errorf("queued = %d, want 16", queued)
	}
	if got := bus.Channel().Responses().Len(); got != 16 {
		t.Errorf("%d results queued, want 16", got)
	}
}

func TestReadMeasurements(t *testing.T) {
	sensor := sim.NewHTU21D()
	bus, _ := newBus(t, nil, sensor)
	dev := newDevice(t, bus)
	ctx := context.Background()

	temp, err := dev.ReadTemperature(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(temp-24.6864) > 1e-3 {
		t.Errorf("temperature = %v", temp)
	}
	hum, err := dev.ReadHumidity(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(hum-32.3377) > 1e-3 {
		t.Errorf("humidity = %v", hum)
	}
	if diff := cmp.Diff([]byte{htu21d.CmdTriggerTemp, htu21d.CmdTriggerHumidity}, sensor.Commands()); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
	if n := bus.Channel().Responses().Len(); n != 0 {
		t.Errorf("%d results left queued", n)
	}
}

// stallingTwoWire stops raising receive-not-empty once stallAfter bytes
// have been read while stalled is set.
type stallingTwoWire struct {
	*sim.TwoWire
	mu         sync.Mutex
	stalled    bool
	stallAfter int
	reads      int
}

func (s *stallingTwoWire) setStalled(v bool) {
	s.mu.Lock()
	s.stalled = v
	s.reads = 0
	s.mu.Unlock()
}

func (s *stallingTwoWire) RxNotEmpty() bool {
	s.mu.Lock()
	stuck := s.stalled && s.reads >= s.stallAfter
	s.mu.Unlock()
	if stuck {
		return false
	}
	return s.TwoWire.RxNotEmpty()
}

func (s *stallingTwoWire) ReadData() byte {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	return s.TwoWire.ReadData()
}

func TestReadRecoversAfterStalledRead(t *testing.T) {
	hw := &stallingTwoWire{TwoWire: sim.NewTwoWire(), stallAfter: 2}
	hw.Attach(htu21d.Address, sim.NewHTU21D())
	reg, err := core.NewRegistry(core.Options{Logger: zaptest.NewLogger(t).Sugar()}, core.BusConfig{
		ID:         core.BusA,
		Frequency:  core.StandardMode,
		QueueDepth: 16,
		PollLimit:  1000,
		TwoWire:    hw,
	})
	if err != nil {
		t.Fatal(err)
	}
	bus := reg.MustResolve(core.BusA)
	dev := newDevice(t, bus)
	ctx := context.Background()

	hw.setStalled(true)
	if _, err := dev.ReadTemperature(ctx); !errors.Is(err, core.ErrBusStalled) {
		t.Fatalf("stalled read: %v, want ErrBusStalled", err)
	}
	if n := bus.Channel().Responses().Len(); n != 0 {
		t.Fatalf("%d stale results left queued", n)
	}
	if bus.Lock().Held() {
		t.Fatal("lock held after stalled read")
	}

	hw.setStalled(false)
	temp, err := dev.ReadTemperature(ctx)
	if err != nil {
		t.Fatalf("read after stall: %v", err)
	}
	if math.Abs(temp-24.6864) > 1e-3 {
		t.Errorf("temperature = %v", temp)
	}
}

func TestDiscard(t *testing.T) {
	bus, _ := newBus(t, nil, sim.NewHTU21D())
	dev := newDevice(t, bus)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := bus.Channel().Responses().Enqueue(ctx, core.ByteResult(byte(i)), 0); err != nil {
			t.Fatal(err)
		}
	}
	if got := dev.Discard(ctx, 5); got != 2 {
		t.Errorf("Discard = %d, want 2", got)
	}
	if n := bus.Channel().Responses().Len(); n != 0 {
		t.Errorf("%d results left", n)
	}
}

func TestReadChecksumMismatch(t *testing.T) {
	sensor := sim.NewHTU21D()
	sensor.CorruptCRC = true
	bus, _ := newBus(t, nil, sensor)
	dev := newDevice(t, bus)

	if _, err := dev.ReadTemperature(context.Background()); !errors.Is(err, htu21d.ErrChecksum) {
		t.Errorf("err = %v, want ErrChecksum", err)
	}
}

func TestCollectEmpty(t *testing.T) {
	bus, _ := newBus(t, nil, sim.NewHTU21D())
	cfg := testConfig()
	cfg.CollectTimeout = time.Millisecond
	dev, err := htu21d.New(bus, cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, err = dev.Collect(context.Background(), 3)
	if !errors.Is(err, core.ErrQueueEmpty) || !errors.Is(err, htu21d.ErrRequestFailed) {
		t.Errorf("err = %v", err)
	}
}

func TestReset(t *testing.T) {
	sensor := sim.NewHTU21D()
	bus, _ := newBus(t, nil, sensor)
	dev := newDevice(t, bus)

	start := time.Now()
	if err := dev.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < testConfig().ResetSettle {
		t.Errorf("reset returned after %v", elapsed)
	}
	if sensor.Resets() != 1 {
		t.Errorf("resets = %d", sensor.Resets())
	}
	user, err := dev.ReadUserRegister(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if user != 0x02 {
		t.Errorf("user register = %#02x after reset", user)
	}
}

func TestConversions(t *testing.T) {
	for _, tc := range []struct {
		name string
		got  float64
		want float64
	}{
		{"temperature zero", htu21d.Temperature(0), -46.85},
		{"temperature status bits ignored", htu21d.Temperature(0x683B), htu21d.Temperature(0x6838)},
		{"temperature", htu21d.Temperature(0x683A), 24.6864},
		{"humidity zero", htu21d.Humidity(0), -6},
		{"humidity", htu21d.Humidity(0x4E85), 32.3377},
	} {
		if math.Abs(tc.got-tc.want) > 1e-3 {
			t.Errorf("%s: got %v want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestCRC8(t *testing.T) {
	for _, tc := range []struct {
		data []byte
		want byte
	}{
		{[]byte{0xDC}, 0x79},
		{[]byte{0x68, 0x3A}, 0x7C},
		{[]byte{0x68, 0x38}, 0x1E},
		{[]byte{0x4E, 0x86}, 0x38},
	} {
		if got := htu21d.CRC8(tc.data); got != tc.want {
			t.Errorf("CRC8(% x) = %#02x, want %#02x", tc.data, got, tc.want)
		}
		if got := sim.CRC8(tc.data); got != tc.want {
			t.Errorf("sim.CRC8(% x) = %#02x, want %#02x", tc.data, got, tc.want)
		}
	}
}
