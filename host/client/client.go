// Package client is the host side of the bus command link: it retrieves
// the engine's dictionary and issues bus commands by name.
package client

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"gobus/core"
	"gobus/protocol"
)

// Fixed ids of the two messages needed before the dictionary is known.
const (
	identifyResponseID = 0
	identifyID         = 1

	identifyChunk = 40
	maxChunks     = 1000
)

// DefaultResponseTimeout bounds the wait for a command's response.
const DefaultResponseTimeout = time.Second

var ErrNoDictionary = errors.New("dictionary not loaded")

// Client talks to a Link over a byte stream.
type Client struct {
	transport *protocol.HostTransport
	logger    *zap.SugaredLogger
	timeout   time.Duration

	// mu keeps one command/response exchange in flight.
	mu        sync.Mutex
	dict      *core.DictionaryData
	raw       []byte
	commands  map[string]uint16
	responses map[uint16]string
}

// New starts a client on port. Close closes the port.
func New(port io.ReadWriteCloser, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		transport: protocol.NewHostTransport(port),
		logger:    logger,
		timeout:   DefaultResponseTimeout,
	}
}

// Close stops the client and closes its port.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Connect retrieves and parses the dictionary.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf bytes.Buffer
	for i := 0; i < maxChunks; i++ {
		chunk, err := c.identify(uint32(buf.Len()), identifyChunk)
		if err != nil {
			return errors.Wrapf(err, "dictionary chunk at offset %d", buf.Len())
		}
		buf.Write(chunk)
		if len(chunk) < identifyChunk {
			break
		}
	}

	raw, err := inflate(buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "decompress dictionary")
	}
	var dict core.DictionaryData
	if err := json.Unmarshal(raw, &dict); err != nil {
		return errors.Wrap(err, "parse dictionary")
	}
	c.raw = raw
	c.dict = &dict
	c.commands = make(map[string]uint16, len(dict.Commands))
	for sig, id := range dict.Commands {
		c.commands[signatureName(sig)] = uint16(id)
	}
	c.responses = make(map[uint16]string, len(dict.Responses))
	for sig, id := range dict.Responses {
		c.responses[uint16(id)] = signatureName(sig)
	}
	c.logger.Infow("dictionary loaded", "version", dict.Version, "bytes", buf.Len(), "json", len(raw),
		"commands", len(dict.Commands), "responses", len(dict.Responses))
	return nil
}

// inflate undoes the zlib wrapping engines apply to the dictionary. Plain
// JSON is passed through.
func inflate(data []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != 0x78 {
		return data, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func signatureName(sig string) string {
	name, _, _ := strings.Cut(sig, " ")
	return name
}

func (c *Client) identify(offset uint32, count uint32) ([]byte, error) {
	err := c.transport.SendCommand(identifyID, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQUint(output, count)
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.transport.ReceiveResponse(c.timeout)
	if err != nil {
		return nil, err
	}
	payload := resp.Payload
	id, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return nil, err
	}
	if id != identifyResponseID {
		return nil, errors.Errorf("response id %d to identify", id)
	}
	got, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return nil, err
	}
	if got != offset {
		return nil, errors.Errorf("identify offset %d, asked for %d", got, offset)
	}
	return protocol.DecodeVLQBytes(&payload)
}

// RawDictionary returns the dictionary JSON as received.
func (c *Client) RawDictionary() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw
}

// Dictionary returns the parsed dictionary, or nil before Connect.
func (c *Client) Dictionary() *core.DictionaryData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dict
}

// Call sends command name and returns the name and arguments of the
// response it produced.
func (c *Client) Call(name string, args func(protocol.OutputBuffer)) (string, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dict == nil {
		return "", nil, ErrNoDictionary
	}
	id, ok := c.commands[name]
	if !ok {
		return "", nil, errors.Errorf("unknown command %s", name)
	}
	if err := c.transport.SendCommand(id, args); err != nil {
		return "", nil, errors.Wrap(err, name)
	}
	resp, err := c.transport.ReceiveResponse(c.timeout)
	if err != nil {
		return "", nil, errors.Wrapf(err, "%s response", name)
	}
	payload := resp.Payload
	rid, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return "", nil, err
	}
	return c.responses[uint16(rid)], payload, nil
}

func (c *Client) expect(name, want string, args func(protocol.OutputBuffer)) ([]byte, error) {
	got, payload, err := c.Call(name, args)
	if err != nil {
		return nil, err
	}
	if got != want {
		return nil, errors.Errorf("%s answered with %q, want %s", name, got, want)
	}
	return payload, nil
}

func decodeUints(payload *[]byte, n int) ([]uint32, error) {
	out := make([]uint32, n)
	for i := range out {
		v, err := protocol.DecodeVLQUint(payload)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// I2CWrite writes data to addr and returns how many bytes were
// acknowledged.
func (c *Client) I2CWrite(bus core.BusID, addr core.Address, data []byte) (int, error) {
	p, err := c.expect("i2c_write", "bus_status", func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, uint32(bus))
		protocol.EncodeVLQUint(o, uint32(addr))
		protocol.EncodeVLQBytes(o, data)
	})
	if err != nil {
		return 0, err
	}
	v, err := decodeUints(&p, 3)
	if err != nil {
		return 0, err
	}
	return int(v[2]), core.Status(v[1]).Err()
}

// I2CRead writes reg, then reads n bytes after a repeated start.
func (c *Client) I2CRead(bus core.BusID, addr core.Address, reg []byte, n int) ([]byte, error) {
	p, err := c.expect("i2c_read", "i2c_read_response", func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, uint32(bus))
		protocol.EncodeVLQUint(o, uint32(addr))
		protocol.EncodeVLQBytes(o, reg)
		protocol.EncodeVLQUint(o, uint32(n))
	})
	if err != nil {
		return nil, err
	}
	v, err := decodeUints(&p, 2)
	if err != nil {
		return nil, err
	}
	data, err := protocol.DecodeVLQBytes(&p)
	if err != nil {
		return nil, err
	}
	return data, core.Status(v[1]).Err()
}

// SPITransfer exchanges data with a four-wire slave.
func (c *Client) SPITransfer(bus core.BusID, slave core.SlaveID, data []byte) ([]byte, error) {
	p, err := c.expect("spi_transfer", "spi_transfer_response", func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, uint32(bus))
		protocol.EncodeVLQUint(o, uint32(slave))
		protocol.EncodeVLQBytes(o, data)
	})
	if err != nil {
		return nil, err
	}
	v, err := decodeUints(&p, 2)
	if err != nil {
		return nil, err
	}
	rx, err := protocol.DecodeVLQBytes(&p)
	if err != nil {
		return nil, err
	}
	return rx, core.Status(v[1]).Err()
}

// BusStats are the counters reported by bus_stats.
type BusStats struct {
	Acquired uint32
	Timeouts uint32
	Queued   uint32
}

// Stats returns the lock counters and queue depth of bus.
func (c *Client) Stats(bus core.BusID) (BusStats, error) {
	p, err := c.expect("bus_stats", "bus_stats_response", func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, uint32(bus))
	})
	if err != nil {
		return BusStats{}, err
	}
	v, err := decodeUints(&p, 4)
	if err != nil {
		return BusStats{}, err
	}
	return BusStats{Acquired: v[1], Timeouts: v[2], Queued: v[3]}, nil
}

// QueueSubmit places a transfer on the request queue of bus and returns
// the queue depth after it. Target is an address for reads and writes and
// a slave id for exchanges.
func (c *Client) QueueSubmit(bus core.BusID, target uint8, dir core.Direction, data []byte, readLen int) (int, error) {
	p, err := c.expect("queue_submit", "bus_status", func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, uint32(bus))
		protocol.EncodeVLQUint(o, uint32(target))
		protocol.EncodeVLQUint(o, uint32(dir))
		protocol.EncodeVLQBytes(o, data)
		protocol.EncodeVLQUint(o, uint32(readLen))
	})
	if err != nil {
		return 0, err
	}
	v, err := decodeUints(&p, 3)
	if err != nil {
		return 0, err
	}
	return int(v[2]), core.Status(v[1]).Err()
}

// QueueCollect pops the oldest result off the response queue of bus
// without waiting. An empty queue is reported as core.ErrQueueEmpty.
func (c *Client) QueueCollect(bus core.BusID) ([]byte, error) {
	p, err := c.expect("queue_collect", "queue_result", func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, uint32(bus))
	})
	if err != nil {
		return nil, err
	}
	v, err := decodeUints(&p, 2)
	if err != nil {
		return nil, err
	}
	data, err := protocol.DecodeVLQBytes(&p)
	if err != nil {
		return nil, err
	}
	return data, core.Status(v[1]).Err()
}
