package sim

import (
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"gobus/config"
	"gobus/core"
)

// Board is a simulated board built from a configuration: a controller per
// bus, the sensor and radio where the configuration places them, and a
// Recorder behind every other chip-select.
type Board struct {
	Registry *core.Registry

	TwoWire  map[core.BusID]*TwoWire
	FourWire map[core.BusID]*FourWire
	Sensor   *HTU21D
	Radio    *NRF24
	// RadioCE is the radio's chip-enable line.
	RadioCE *gpiotest.Pin
	// Recorders are the slaves nothing else was attached to.
	Recorders map[core.BusID]map[core.SlaveID]*Recorder
}

// NewBoard builds the simulated peripherals for b and a registry over
// them.
func NewBoard(b *config.Board, opts core.Options) (*Board, error) {
	if err := b.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid board")
	}
	out := &Board{
		TwoWire:   make(map[core.BusID]*TwoWire),
		FourWire:  make(map[core.BusID]*FourWire),
		Recorders: make(map[core.BusID]map[core.SlaveID]*Recorder),
	}
	configs := make([]core.BusConfig, 0, len(b.Buses))
	for _, bc := range b.Buses {
		cfg, err := bc.CoreConfig()
		if err != nil {
			return nil, err
		}
		if bc.Kind == core.TwoWire.String() {
			hw := NewTwoWire()
			if s := b.Sensor; s != nil && s.Bus == bc.ID {
				out.Sensor = NewHTU21D()
				hw.Attach(core.Address(s.Address), out.Sensor)
			}
			cfg.TwoWire = hw
			out.TwoWire[cfg.ID] = hw
		} else {
			hw := NewFourWire()
			out.Recorders[cfg.ID] = make(map[core.SlaveID]*Recorder)
			for i, sd := range cfg.Slaves {
				var dev FourWireSlave
				if r := b.Radio; r != nil && r.Bus == bc.ID && core.SlaveID(r.Slave) == sd.ID {
					out.Radio = NewNRF24()
					out.Radio.CompleteAfter = 2
					out.RadioCE = &gpiotest.Pin{N: "nrf24_CE"}
					dev = out.Radio
				} else {
					rec := &Recorder{}
					out.Recorders[cfg.ID][sd.ID] = rec
					dev = rec
				}
				name := sd.Name
				if name == "" {
					name = cfg.ID.String()
				}
				cfg.Slaves[i].CS = hw.Attach(name, dev, sd.ActiveHigh)
			}
			cfg.FourWire = hw
			out.FourWire[cfg.ID] = hw
		}
		configs = append(configs, cfg)
	}

	reg, err := core.NewRegistry(opts, configs...)
	if err != nil {
		return nil, err
	}
	out.Registry = reg
	return out, nil
}
