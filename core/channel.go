package core

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Direction of a transfer as seen from the controller.
type Direction uint8

const (
	DirWrite Direction = iota
	DirRead
	// DirExchange is a full-duplex four-wire transfer.
	DirExchange
)

func (d Direction) String() string {
	switch d {
	case DirWrite:
		return "write"
	case DirRead:
		return "read"
	case DirExchange:
		return "exchange"
	}
	return "invalid"
}

// TransferRequest describes one bus transaction. It is a plain value: the
// payload lives in a fixed array so queueing a request copies it.
type TransferRequest struct {
	Address Address
	Slave   SlaveID
	Dir     Direction
	Len     int
	Data    [MaxTransfer]byte
}

// NewWriteRequest copies data into a two-wire write request.
func NewWriteRequest(addr Address, data []byte) (TransferRequest, error) {
	req := TransferRequest{Address: addr, Dir: DirWrite}
	err := req.fill(data)
	return req, err
}

// NewReadRequest builds a two-wire read of n bytes.
func NewReadRequest(addr Address, n int) (TransferRequest, error) {
	if n < 0 || n > MaxTransfer {
		return TransferRequest{}, errors.Wrapf(ErrTransferTooLong, "%d bytes", n)
	}
	return TransferRequest{Address: addr, Dir: DirRead, Len: n}, nil
}

// NewExchangeRequest copies tx into a four-wire request for slave.
func NewExchangeRequest(slave SlaveID, tx []byte) (TransferRequest, error) {
	req := TransferRequest{Slave: slave, Dir: DirExchange}
	err := req.fill(tx)
	return req, err
}

func (r *TransferRequest) fill(data []byte) error {
	if len(data) > MaxTransfer {
		return errors.Wrapf(ErrTransferTooLong, "%d bytes", len(data))
	}
	r.Len = copy(r.Data[:], data)
	return nil
}

// Payload returns the request bytes.
func (r TransferRequest) Payload() []byte {
	return append([]byte(nil), r.Data[:r.Len]...)
}

// TransferResult is the outcome of one request. Len counts bytes read, or
// bytes acknowledged for writes.
type TransferResult struct {
	Status Status
	Len    int
	Data   [MaxTransfer]byte
}

// Bytes returns a copy of the bytes read.
func (r TransferResult) Bytes() []byte {
	return append([]byte(nil), r.Data[:r.Len]...)
}

// Err returns the result status as an error.
func (r TransferResult) Err() error {
	return r.Status.Err()
}

// ByteResult is a successful single-byte result, the unit device
// protocols stream onto a response queue.
func ByteResult(b byte) TransferResult {
	res := TransferResult{Status: StatusSuccess, Len: 1}
	res.Data[0] = b
	return res
}

// Channel pairs the request and response queues of one bus.
//
// Results carry no request identifier: with one producer per bus the n-th
// result answers the n-th request. Several producers sharing a Channel
// must coordinate among themselves.
type Channel struct {
	bus       *Bus
	requests  *Queue[TransferRequest]
	responses *Queue[TransferResult]
}

// Requests returns the request queue.
func (c *Channel) Requests() *Queue[TransferRequest] { return c.requests }

// Responses returns the response queue.
func (c *Channel) Responses() *Queue[TransferResult] { return c.responses }

// Submit queues req for the consumer.
func (c *Channel) Submit(ctx context.Context, req TransferRequest, timeout time.Duration) error {
	if err := c.requests.Enqueue(ctx, req, timeout); err != nil {
		c.bus.logger.Warnw("request dropped", "dir", req.Dir, "error", err.Error())
		return err
	}
	return nil
}

// Collect takes the oldest result off the response queue.
func (c *Channel) Collect(ctx context.Context, timeout time.Duration) (TransferResult, error) {
	return c.responses.Dequeue(ctx, timeout)
}

// DefaultConsumerPoll is how long the consumer waits on an empty request
// queue before checking its context again.
const DefaultConsumerPoll = 10 * time.Millisecond

// Consumer performs queued requests for one bus, one at a time, in the
// order they were submitted.
type Consumer struct {
	bus     *Bus
	channel *Channel
	poll    time.Duration
	logger  *zap.SugaredLogger
}

// NewConsumer returns a consumer for bus. The bus must have queues.
func NewConsumer(bus *Bus) (*Consumer, error) {
	if bus.channel == nil {
		return nil, errors.Wrapf(ErrNoChannel, "bus %v", bus.id)
	}
	return &Consumer{
		bus:     bus,
		channel: bus.channel,
		poll:    DefaultConsumerPoll,
		logger:  bus.logger,
	}, nil
}

// Run drains the request queue until ctx is done. Each request is
// performed under the bus lock and answered by exactly one result.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Debugw("consumer started")
	for {
		req, err := c.channel.requests.Dequeue(ctx, c.poll)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				c.logger.Debugw("consumer stopped")
				return ctxErr
			}
			continue
		}

		res := c.bus.Transact(ctx, req)
		if err := c.channel.responses.Enqueue(ctx, res, WaitForever); err != nil {
			c.logger.Warnw("result not delivered", "status", res.Status, "error", err.Error())
			return err
		}
	}
}
