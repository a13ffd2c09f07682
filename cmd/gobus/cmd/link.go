package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gobus/config"
	"gobus/console"
	"gobus/core"
	"gobus/drivers/htu21d"
	"gobus/host/client"
	"gobus/sim"
)

var (
	linkServe  string
	linkDevice string
	linkBaud   int
)

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Serve or query the bus command link",
	Long: `Without flags the simulated board's command link is served on one end
of an in-memory pipe and queried from the other.

--serve puts the simulated board's link on a serial port until interrupted.
--device connects to an engine already serving on a serial port.`,
	RunE: runLink,
}

func init() {
	linkCmd.Flags().StringVar(&linkServe, "serve", "", "serve the link on this serial device")
	linkCmd.Flags().StringVar(&linkDevice, "device", "", "query an engine on this serial device")
	linkCmd.Flags().IntVar(&linkBaud, "baud", 250000, "link baud rate")
	linkCmd.MarkFlagsMutuallyExclusive("serve", "device")
	rootCmd.AddCommand(linkCmd)
}

func runLink(cmd *cobra.Command, args []string) (err error) {
	e, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.close(); err == nil {
			err = cerr
		}
	}()

	switch {
	case linkDevice != "":
		port, err := openLinkPort(linkDevice)
		if err != nil {
			return err
		}
		c := client.New(port, e.logger.Named("host"))
		defer c.Close()
		return query(c, nil)

	case linkServe != "":
		port, err := openLinkPort(linkServe)
		if err != nil {
			return err
		}
		defer port.Close()
		return withBoard(e, func(ctx context.Context, board *sim.Board) error {
			link := core.NewLink(board.Registry, e.logger.Named("link"))
			e.logger.Infow("serving link", "device", linkServe, "commands", link.Commands().Count())
			return ignoreCanceled(serveUntilDone(ctx, link, port))
		})
	}

	return withBoard(e, func(ctx context.Context, board *sim.Board) error {
		link := core.NewLink(board.Registry, e.logger.Named("link"))
		hostSide, engineSide := net.Pipe()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return ignoreCanceled(serveUntilDone(gctx, link, engineSide)) })
		g.Go(func() error {
			c := client.New(hostSide, e.logger.Named("host"))
			defer c.Close()
			return query(c, e.board.Sensor)
		})
		return g.Wait()
	})
}

func openLinkPort(device string) (*console.SerialPort, error) {
	cfg := console.DefaultSerialConfig(device)
	cfg.Baud = linkBaud
	return console.OpenSerial(cfg)
}

// serveUntilDone runs link.Serve and closes rw once ctx is done or the
// serving side stops, so a blocked Read returns.
func serveUntilDone(ctx context.Context, link *core.Link, rw io.ReadWriteCloser) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		rw.Close()
	}()
	return link.Serve(ctx, rw)
}

// query loads the dictionary, prints it and reports every bus. When a
// sensor is configured its user register is read over the link.
func query(c *client.Client, sensor *config.SensorConfig) error {
	if err := c.Connect(); err != nil {
		return err
	}
	dict := c.Dictionary()
	fmt.Printf("dictionary %s: %d commands, %d responses\n", dict.Version, len(dict.Commands), len(dict.Responses))
	for _, name := range sortedKeys(dict.Commands) {
		fmt.Printf("  %3d  %s\n", dict.Commands[name], name)
	}

	for _, name := range sortedKeys(dict.Enumerations["bus"]) {
		id := core.BusID(dict.Enumerations["bus"][name])
		stats, err := c.Stats(id)
		if err != nil {
			return err
		}
		fmt.Printf("%-5s lock acquired=%d timeouts=%d queued=%d\n", name, stats.Acquired, stats.Timeouts, stats.Queued)
	}

	if sensor == nil {
		return nil
	}
	bus := mustBusID(sensor.Bus)
	user, err := c.I2CRead(bus, core.Address(sensor.Address), []byte{htu21d.CmdReadUser}, 1)
	if err != nil {
		return err
	}
	fmt.Printf("%v: htu21d user register %#02x\n", bus, user[0])
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
