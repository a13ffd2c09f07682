package core

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"gobus/protocol"
)

// Link serves the bus command set over a framed byte stream such as a
// UART or a pipe. One Link serves one stream at a time.
type Link struct {
	buses     *Registry
	commands  *CommandRegistry
	dict      *Dictionary
	transport *protocol.Transport
	output    *protocol.ScratchOutput
	logger    *zap.SugaredLogger

	// ctx bounds lock and queue waits of command handlers; Serve sets it.
	ctx context.Context

	ids struct {
		identifyResponse    uint16
		busStatus           uint16
		i2cReadResponse     uint16
		spiTransferResponse uint16
		queueResult         uint16
		busStatsResponse    uint16
	}
}

// NewLink builds the command set for buses.
func NewLink(buses *Registry, logger *zap.SugaredLogger) *Link {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	l := &Link{
		buses:    buses,
		commands: NewCommandRegistry(),
		output:   protocol.NewScratchOutput(),
		logger:   logger,
		ctx:      context.Background(),
	}
	l.dict = NewDictionary(l.commands)
	l.transport = protocol.NewTransport(l.output, l.dispatch)
	l.registerBusCommands()
	return l
}

// Commands returns the registry backing the link.
func (l *Link) Commands() *CommandRegistry { return l.commands }

// Dictionary returns the dictionary served by identify.
func (l *Link) Dictionary() *Dictionary { return l.dict }

func (l *Link) dispatch(cmdID uint16, data *[]byte) error {
	err := l.commands.Dispatch(cmdID, data)
	if err != nil {
		name := "?"
		if cmd, ok := l.commands.GetCommand(cmdID); ok {
			name = cmd.Name
		}
		l.logger.Warnw("command failed", "command", name, "id", cmdID, "error", err.Error())
	}
	return err
}

func (l *Link) respond(id uint16, args func(protocol.OutputBuffer)) {
	l.transport.SendCommand(id, args)
}

// Pending returns and clears the encoded frames produced so far.
func (l *Link) Pending() []byte {
	out := append([]byte(nil), l.output.Result()...)
	l.output.Reset()
	return out
}

// Serve reads frames from rw, runs their commands and writes responses
// and acknowledgements back until rw reports EOF or ctx is done. A
// blocked Read is only interrupted by closing the stream.
func (l *Link) Serve(ctx context.Context, rw io.ReadWriter) error {
	l.ctx = ctx
	input := protocol.NewFifoBuffer(protocol.MessageMax)
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := rw.Read(buf)
		if n > 0 {
			if w := input.Write(buf[:n]); w < n {
				l.logger.Warnw("link input overflow", "dropped", n-w)
			}
			l.transport.Receive(input)
			if out := l.Pending(); len(out) > 0 {
				if _, werr := rw.Write(out); werr != nil {
					return errors.Wrap(werr, "write link")
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return errors.Wrap(err, "read link")
		}
	}
}
