package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gobus/config"
	"gobus/console"
)

var (
	// Global flags
	configPath    string
	consoleDevice string
	verbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "gobus",
	Short: "Shared bus engine host tool",
	Long: `Runs the shared two-wire and four-wire bus engine against simulated
peripherals, serves its command link, and talks to a remote engine.

Examples:
  gobus sim --reads 3                     # Read the sensor and send one radio packet
  gobus link                              # Exercise the command link over a pipe
  gobus link --serve /dev/ttyUSB0         # Serve the command link on a UART
  gobus link --device /dev/ttyACM0        # Query a remote engine`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "board description (JSON); default board if empty")
	rootCmd.PersistentFlags().StringVar(&consoleDevice, "console", "", "serial device for diagnostics; stderr if empty")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// env is what every subcommand starts from: the board description and a
// logger draining through a console sink.
type env struct {
	board  *config.Board
	logger *zap.SugaredLogger

	sink   *console.Sink
	out    io.Closer
	cancel context.CancelFunc
	done   chan error
}

func setup() (*env, error) {
	board := config.DefaultBoard()
	if configPath != "" {
		var err error
		if board, err = config.LoadFile(configPath); err != nil {
			return nil, err
		}
	}
	if err := board.Validate(); err != nil {
		return nil, errors.Wrap(err, "board")
	}

	level, err := zapcore.ParseLevel(board.Console.Level)
	if err != nil {
		return nil, errors.Wrap(err, "console level")
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	e := &env{board: board, done: make(chan error, 1)}
	var out io.Writer = os.Stderr
	device := consoleDevice
	if device == "" {
		device = board.Console.Device
	}
	if device != "" {
		cfg := console.DefaultSerialConfig(device)
		cfg.Baud = board.Console.Baud
		port, err := console.OpenSerial(cfg)
		if err != nil {
			return nil, err
		}
		out, e.out = port, port
	}

	var opts []console.SinkOption
	if board.Console.Depth > 0 {
		opts = append(opts, console.WithDepth(board.Console.Depth))
	}
	e.sink = console.NewSink(out, opts...)
	e.logger = console.NewLogger(e.sink, "gobus", level)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go func() { e.done <- e.sink.Run(ctx) }()
	return e, nil
}

// close flushes pending log lines and stops the sink.
func (e *env) close() error {
	syncErr := e.logger.Sync()
	e.cancel()
	<-e.done
	if dropped := e.sink.Dropped(); dropped > 0 {
		fmt.Fprintf(os.Stderr, "console dropped %d bytes\n", dropped)
	}
	if e.out != nil {
		if err := e.out.Close(); err != nil {
			return err
		}
	}
	return syncErr
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
