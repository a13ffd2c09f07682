package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gobus/config"
	"gobus/core"
	"gobus/drivers/htu21d"
	"gobus/drivers/nrf24l01"
	"gobus/sim"
)

var (
	simReads    int
	simInterval time.Duration
	simPayload  string
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run the drivers against simulated peripherals",
	Long: `Builds the board from the configuration with simulated controllers,
reads the humidity sensor and sends one radio payload.

Examples:
  gobus sim --reads 5 --interval 1s
  gobus sim --config board.json --payload hello`,
	RunE: runSim,
}

func init() {
	simCmd.Flags().IntVarP(&simReads, "reads", "n", 1, "sensor readings to take")
	simCmd.Flags().DurationVar(&simInterval, "interval", 0, "pause between readings")
	simCmd.Flags().StringVarP(&simPayload, "payload", "p", "gobus", "radio payload; empty skips the radio")
	rootCmd.AddCommand(simCmd)
}

func runSim(cmd *cobra.Command, args []string) (err error) {
	e, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.close(); err == nil {
			err = cerr
		}
	}()

	return withBoard(e, func(ctx context.Context, board *sim.Board) error {
		if e.board.Sensor != nil {
			if err := readSensor(ctx, e.board.Sensor, board); err != nil {
				return err
			}
		}
		if e.board.Radio != nil && simPayload != "" {
			if err := sendRadio(ctx, e.board.Radio, board); err != nil {
				return err
			}
		}
		printStats(board.Registry)
		return nil
	})
}

// withBoard builds the simulated board, runs a consumer for every queued
// bus and calls fn. Consumers stop when fn returns or on interrupt.
func withBoard(e *env, fn func(ctx context.Context, board *sim.Board) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	board, err := sim.NewBoard(e.board, core.Options{Logger: e.logger})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range board.Registry.Consumers() {
		g.Go(func() error { return ignoreCanceled(c.Run(gctx)) })
	}
	g.Go(func() error {
		defer cancel()
		return fn(gctx, board)
	})
	return g.Wait()
}

func readSensor(ctx context.Context, cfg *config.SensorConfig, board *sim.Board) error {
	bus, err := board.Registry.Resolve(mustBusID(cfg.Bus))
	if err != nil {
		return err
	}
	dev, err := htu21d.New(bus, cfg.DriverConfig())
	if err != nil {
		return err
	}
	if err := dev.Reset(ctx); err != nil {
		return err
	}
	for i := 0; i < simReads; i++ {
		if i > 0 && simInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(simInterval):
			}
		}
		temp, err := dev.ReadTemperature(ctx)
		if err != nil {
			return err
		}
		hum, err := dev.ReadHumidity(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %.2f C  %.2f %%RH\n", bus, temp, hum)
	}
	return nil
}

func sendRadio(ctx context.Context, cfg *config.RadioConfig, board *sim.Board) error {
	bus, err := board.Registry.Resolve(mustBusID(cfg.Bus))
	if err != nil {
		return err
	}
	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	rc := nrf24l01.DefaultConfig(core.SlaveID(cfg.Slave), board.RadioCE)
	rc.TransmitTries = cfg.TransmitTries
	rc.PollDelay = time.Duration(cfg.PollDelay)
	radio, err := nrf24l01.New(bus, rc)
	if err != nil {
		return err
	}

	steps := []func() error{
		func() error { return radio.Init(ctx) },
		func() error { return radio.SetDataRate(ctx, settings.DataRate) },
		func() error { return radio.SetPALevel(ctx, settings.Power) },
		func() error { return radio.SetChannel(ctx, cfg.Channel) },
		func() error { return radio.SetTxAddress(ctx, settings.TxAddress) },
		func() error { return radio.SetMode(ctx, nrf24l01.ModeTX) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return errors.Wrap(err, "radio setup")
		}
	}
	if err := radio.Transmit(ctx, []byte(simPayload)); err != nil {
		return err
	}
	s := radio.Settings()
	fmt.Printf("%s: sent %q on channel %d at %v\n", bus, simPayload, s.Channel, s.DataRate)
	return nil
}

func printStats(reg *core.Registry) {
	for _, b := range reg.Buses() {
		acquired, timeouts := b.Lock().Stats()
		fmt.Printf("%-5s %-10s %-6s lock acquired=%d timeouts=%d\n", b, b.Kind(), b.Mode(), acquired, timeouts)
	}
}

// mustBusID parses an id the board has already validated.
func mustBusID(s string) core.BusID {
	id, err := core.ParseBusID(s)
	if err != nil {
		panic(err)
	}
	return id
}
