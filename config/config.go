// Package config loads the board description: buses, the sensor, the
// radio and the diagnostic console.
package config

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/physic"

	"gobus/core"
	"gobus/drivers/htu21d"
	"gobus/drivers/nrf24l01"
)

// Duration is a time.Duration written as a string such as "100ms".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "duration must be a string")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Board describes everything attached to the engine.
type Board struct {
	Buses   []BusConfig   `json:"buses"`
	Sensor  *SensorConfig `json:"sensor,omitempty"`
	Radio   *RadioConfig  `json:"radio,omitempty"`
	Console ConsoleConfig `json:"console"`
}

// BusConfig describes one bus.
type BusConfig struct {
	ID          string        `json:"id"`   // i2c1, i2c2, spi1, spi2
	Kind        string        `json:"kind"` // two-wire or four-wire
	Frequency   string        `json:"frequency"`
	Mode        string        `json:"mode"` // sync or queued
	QueueDepth  int           `json:"queue_depth"`
	LockTimeout Duration      `json:"lock_timeout"`
	PollLimit   int           `json:"poll_limit"`
	Slaves      []SlaveConfig `json:"slaves,omitempty"`
}

// SlaveConfig describes one chip-select line of a four-wire bus.
type SlaveConfig struct {
	ID         uint8  `json:"id"`
	Name       string `json:"name"`
	ActiveHigh bool   `json:"active_high"`
}

// SensorConfig places the humidity sensor.
type SensorConfig struct {
	Bus           string   `json:"bus"`
	Address       uint8    `json:"address"`
	ResetSettle   Duration `json:"reset_settle"`
	MeasureSettle Duration `json:"measure_settle"`
}

// RadioConfig places and tunes the radio.
type RadioConfig struct {
	Bus           string   `json:"bus"`
	Slave         uint8    `json:"slave"`
	Channel       uint8    `json:"channel"`
	DataRate      string   `json:"data_rate"` // 250kbps, 1Mbps, 2Mbps
	Power         string   `json:"power"`     // very-low, low, mid, high
	TxAddress     string   `json:"tx_address"`
	TransmitTries int      `json:"transmit_tries"`
	PollDelay     Duration `json:"poll_delay"`
}

// ConsoleConfig selects where diagnostics go. An empty device means
// stdout.
type ConsoleConfig struct {
	Device string `json:"device,omitempty"`
	Baud   int    `json:"baud,omitempty"`
	Depth  int    `json:"depth,omitempty"`
	Level  string `json:"level,omitempty"`
}

// Load parses a JSON board description and fills in defaults.
func Load(data []byte) (*Board, error) {
	var b Board
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, errors.Wrap(err, "parse board config")
	}
	applyDefaults(&b)
	return &b, nil
}

// LoadFile reads and parses path.
func LoadFile(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read board config")
	}
	return Load(data)
}

func applyDefaults(b *Board) {
	for i := range b.Buses {
		bus := &b.Buses[i]
		if bus.Kind == "" {
			if strings.HasPrefix(bus.ID, "spi") {
				bus.Kind = core.FourWire.String()
			} else {
				bus.Kind = core.TwoWire.String()
			}
		}
		if bus.Frequency == "" {
			if bus.Kind == core.FourWire.String() {
				bus.Frequency = "1MHz"
			} else {
				bus.Frequency = "100kHz"
			}
		}
		if bus.Mode == "" {
			bus.Mode = core.ModeSync.String()
		}
		if bus.QueueDepth == 0 {
			bus.QueueDepth = core.DefaultQueueDepth
		}
		if bus.LockTimeout == 0 {
			bus.LockTimeout = Duration(core.DefaultLockTimeout)
		}
		if bus.PollLimit == 0 {
			bus.PollLimit = core.DefaultPollLimit
		}
	}

	if s := b.Sensor; s != nil {
		d := htu21d.DefaultConfig()
		if s.Address == 0 {
			s.Address = uint8(d.Address)
		}
		if s.ResetSettle == 0 {
			s.ResetSettle = Duration(d.ResetSettle)
		}
		if s.MeasureSettle == 0 {
			s.MeasureSettle = Duration(d.MeasureSettle)
		}
	}

	if r := b.Radio; r != nil {
		d := nrf24l01.DefaultConfig(core.SlaveID(r.Slave), nil)
		if r.Channel == 0 {
			r.Channel = nrf24l01.DefaultChannel
		}
		if r.DataRate == "" {
			r.DataRate = nrf24l01.Rate1Mbps.String()
		}
		if r.Power == "" {
			r.Power = "high"
		}
		if r.TxAddress == "" {
			r.TxAddress = "E7E7E7E7E7"
		}
		if r.TransmitTries == 0 {
			r.TransmitTries = d.TransmitTries
		}
		if r.PollDelay == 0 {
			r.PollDelay = Duration(d.PollDelay)
		}
	}

	if b.Console.Baud == 0 {
		b.Console.Baud = 115200
	}
	if b.Console.Level == "" {
		b.Console.Level = "info"
	}
}

// Validate reports every problem found, not just the first.
func (b *Board) Validate() error {
	var err error
	kinds := make(map[string]string, len(b.Buses))
	for _, bus := range b.Buses {
		if _, dup := kinds[bus.ID]; dup {
			err = multierr.Append(err, errors.Errorf("bus %s listed twice", bus.ID))
			continue
		}
		kinds[bus.ID] = bus.Kind
		err = multierr.Append(err, bus.validate())
	}

	if s := b.Sensor; s != nil {
		if kinds[s.Bus] != core.TwoWire.String() {
			err = multierr.Append(err, errors.Errorf("sensor bus %q is not a configured two-wire bus", s.Bus))
		}
		if s.Address > 0x7F {
			err = multierr.Append(err, errors.Errorf("sensor address %#x is not 7-bit", s.Address))
		}
	}

	if r := b.Radio; r != nil {
		bus, ok := b.bus(r.Bus)
		switch {
		case !ok || bus.Kind != core.FourWire.String():
			err = multierr.Append(err, errors.Errorf("radio bus %q is not a configured four-wire bus", r.Bus))
		case !bus.hasSlave(r.Slave):
			err = multierr.Append(err, errors.Errorf("radio slave %d not on bus %s", r.Slave, r.Bus))
		}
		if _, e := r.Settings(); e != nil {
			err = multierr.Append(err, e)
		}
		if r.Channel > 125 {
			err = multierr.Append(err, errors.Errorf("radio channel %d above 125", r.Channel))
		}
	}
	return err
}

func (b *Board) bus(id string) (BusConfig, bool) {
	for _, bus := range b.Buses {
		if bus.ID == id {
			return bus, true
		}
	}
	return BusConfig{}, false
}

func (c BusConfig) hasSlave(id uint8) bool {
	for _, s := range c.Slaves {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (c BusConfig) validate() error {
	var err error
	if _, e := core.ParseBusID(c.ID); e != nil {
		err = multierr.Append(err, e)
	}
	freq, e := c.frequency()
	if e != nil {
		err = multierr.Append(err, errors.Wrapf(e, "bus %s frequency", c.ID))
	}
	switch c.Kind {
	case core.TwoWire.String():
		if freq > core.StandardMode {
			err = multierr.Append(err, errors.Errorf("bus %s: two-wire clock %v above %v", c.ID, freq, core.StandardMode))
		}
		if len(c.Slaves) > 0 {
			err = multierr.Append(err, errors.Errorf("bus %s: two-wire buses have no chip-select slaves", c.ID))
		}
	case core.FourWire.String():
		seen := make(map[uint8]bool, len(c.Slaves))
		for _, s := range c.Slaves {
			if seen[s.ID] {
				err = multierr.Append(err, errors.Errorf("bus %s: slave %d listed twice", c.ID, s.ID))
			}
			seen[s.ID] = true
		}
	default:
		err = multierr.Append(err, errors.Errorf("bus %s: unknown kind %q", c.ID, c.Kind))
	}
	if c.QueueDepth <= 0 {
		err = multierr.Append(err, errors.Errorf("bus %s: queue depth %d", c.ID, c.QueueDepth))
	}
	if c.Mode != core.ModeSync.String() && c.Mode != core.ModeQueued.String() {
		err = multierr.Append(err, errors.Errorf("bus %s: unknown mode %q", c.ID, c.Mode))
	}
	return err
}

func (c BusConfig) frequency() (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(c.Frequency); err != nil {
		return 0, err
	}
	return f, nil
}

// CoreConfig converts c to a core bus configuration. Peripherals and
// chip-select lines are left for the caller to attach.
func (c BusConfig) CoreConfig() (core.BusConfig, error) {
	id, err := core.ParseBusID(c.ID)
	if err != nil {
		return core.BusConfig{}, err
	}
	freq, err := c.frequency()
	if err != nil {
		return core.BusConfig{}, errors.Wrapf(err, "bus %s frequency", c.ID)
	}
	mode := core.ModeSync
	if c.Mode == core.ModeQueued.String() {
		mode = core.ModeQueued
	}
	out := core.BusConfig{
		ID:          id,
		Frequency:   freq,
		Mode:        mode,
		QueueDepth:  c.QueueDepth,
		LockTimeout: time.Duration(c.LockTimeout),
		PollLimit:   c.PollLimit,
	}
	for _, s := range c.Slaves {
		out.Slaves = append(out.Slaves, core.SlaveDescriptor{
			ID:         core.SlaveID(s.ID),
			Name:       s.Name,
			ActiveHigh: s.ActiveHigh,
		})
	}
	return out, nil
}

// DriverConfig returns the sensor driver configuration.
func (s SensorConfig) DriverConfig() htu21d.Config {
	cfg := htu21d.DefaultConfig()
	cfg.Address = core.Address(s.Address)
	cfg.ResetSettle = time.Duration(s.ResetSettle)
	cfg.MeasureSettle = time.Duration(s.MeasureSettle)
	return cfg
}

// RadioSettings are the parsed radio tuning values.
type RadioSettings struct {
	DataRate  nrf24l01.DataRate
	Power     nrf24l01.PALevel
	TxAddress [nrf24l01.AddressLen]byte
}

var powerNames = map[string]nrf24l01.PALevel{
	"very-low": nrf24l01.PowerVeryLow,
	"low":      nrf24l01.PowerLow,
	"mid":      nrf24l01.PowerMid,
	"high":     nrf24l01.PowerHigh,
}

// Settings parses the data rate, power and address strings.
func (r RadioConfig) Settings() (RadioSettings, error) {
	var out RadioSettings
	var err error
	found := false
	for _, rate := range []nrf24l01.DataRate{nrf24l01.Rate250Kbps, nrf24l01.Rate1Mbps, nrf24l01.Rate2Mbps} {
		if strings.EqualFold(rate.String(), r.DataRate) {
			out.DataRate, found = rate, true
		}
	}
	if !found {
		err = multierr.Append(err, errors.Errorf("radio data rate %q", r.DataRate))
	}
	level, ok := powerNames[strings.ToLower(r.Power)]
	if !ok {
		err = multierr.Append(err, errors.Errorf("radio power %q", r.Power))
	}
	out.Power = level
	addr, e := hex.DecodeString(r.TxAddress)
	if e != nil || len(addr) != nrf24l01.AddressLen {
		err = multierr.Append(err, errors.Errorf("radio tx address %q is not %d hex bytes", r.TxAddress, nrf24l01.AddressLen))
	} else {
		copy(out.TxAddress[:], addr)
	}
	return out, err
}

// DefaultBoard is the reference board: the sensor alone on i2c1, the radio
// on spi1 behind slave 0.
func DefaultBoard() *Board {
	b := &Board{
		Buses: []BusConfig{
			{ID: core.BusA.String(), Kind: core.TwoWire.String(), Frequency: "100kHz"},
			{ID: core.SPI1.String(), Kind: core.FourWire.String(), Frequency: "1MHz",
				Slaves: []SlaveConfig{{ID: 0, Name: "nrf24"}}},
		},
		Sensor: &SensorConfig{Bus: core.BusA.String()},
		Radio:  &RadioConfig{Bus: core.SPI1.String(), Slave: 0},
	}
	applyDefaults(b)
	return b
}
