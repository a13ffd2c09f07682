package core_test

import (
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"gobus/core"
	"gobus/sim"
)

const testPollLimit = 1000

func newRegistry(t *testing.T, opts core.Options, configs ...core.BusConfig) *core.Registry {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t).Sugar()
	}
	reg, err := core.NewRegistry(opts, configs...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func twoWireConfig(hw *sim.TwoWire) core.BusConfig {
	return core.BusConfig{
		ID:        core.BusA,
		Frequency: core.StandardMode,
		TwoWire:   hw,
		PollLimit: testPollLimit,
	}
}

// twoWireBus returns BusA with a register memory at 0x50 whose cells hold
// their own index.
func twoWireBus(t *testing.T, mutate func(*core.BusConfig)) (*core.Bus, *sim.TwoWire, *sim.Memory) {
	t.Helper()
	hw := sim.NewTwoWire()
	mem := sim.NewMemory(16, func(i int) byte { return byte(i) })
	hw.Attach(0x50, mem)
	cfg := twoWireConfig(hw)
	if mutate != nil {
		mutate(&cfg)
	}
	reg := newRegistry(t, core.Options{}, cfg)
	return reg.MustResolve(core.BusA), hw, mem
}

type fourWireFixture struct {
	bus  *core.Bus
	hw   *sim.FourWire
	devs []*sim.Recorder
	cs   []*sim.ChipSelect
}

// fourWireBus returns SPI1 with n recorders as slaves 0..n-1, all
// active-low.
func fourWireBus(t *testing.T, n int) fourWireFixture {
	t.Helper()
	f := fourWireFixture{hw: sim.NewFourWire()}
	cfg := core.BusConfig{ID: core.SPI1, Frequency: 1000 * core.StandardMode, FourWire: f.hw, PollLimit: testPollLimit}
	for i := 0; i < n; i++ {
		rec := &sim.Recorder{}
		cs := f.hw.Attach("dev", rec, false)
		f.devs = append(f.devs, rec)
		f.cs = append(f.cs, cs)
		cfg.Slaves = append(cfg.Slaves, core.SlaveDescriptor{ID: core.SlaveID(i), CS: cs})
	}
	reg := newRegistry(t, core.Options{}, cfg)
	f.bus = reg.MustResolve(core.SPI1)
	return f
}

func observedLogger(level zapcore.Level) (*zap.SugaredLogger, *observer.ObservedLogs) {
	obsCore, logs := observer.New(level)
	return zap.New(obsCore).Sugar(), logs
}

// mustPanicWith runs fn and checks it panics with an error wrapping want.
func mustPanicWith(t *testing.T, want error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected panic with %v", want)
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, want) {
			t.Fatalf("panic %v, want %v", r, want)
		}
	}()
	fn()
}
