package protocol

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// DefaultAckTimeout bounds how long SendCommand waits for an ack.
const DefaultAckTimeout = 2 * time.Second

// ErrTransportClosed is returned once Close has been called.
var ErrTransportClosed = errors.New("transport closed")

// ResponseHandler is called for every response frame as it arrives.
type ResponseHandler func(cmdID uint16, data *[]byte) error

// Message is one frame received by the host.
type Message struct {
	Length   uint8
	Sequence uint8
	Payload  []byte // frame data without header and trailer
	CRC      uint16
}

// HostTransport is the host side of the link: it sends one command frame
// at a time, waits for its acknowledgement and queues response frames.
type HostTransport struct {
	port  io.ReadWriteCloser
	clock clock.Clock

	seqMu      sync.Mutex // serialises send and ack wait
	currentSeq uint8

	parser frameParser
	input  *FifoBuffer

	ackChan      chan *Message
	responseChan chan *Message

	handlerMu       sync.Mutex
	responseHandler ResponseHandler

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHostTransport starts reading from port.
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	return NewHostTransportWithClock(port, clock.New())
}

// NewHostTransportWithClock is NewHostTransport with an injectable clock
// for timeouts.
func NewHostTransportWithClock(port io.ReadWriteCloser, clk clock.Clock) *HostTransport {
	t := &HostTransport{
		port:         port,
		clock:        clk,
		currentSeq:   MessageDest,
		parser:       frameParser{synchronized: true},
		input:        NewFifoBuffer(MessageMax),
		ackChan:      make(chan *Message, 1),
		responseChan: make(chan *Message, 16),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// SendCommand sends a command and waits for its acknowledgement.
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, DefaultAckTimeout)
}

// SendCommandWithTimeout is SendCommand with an explicit ack timeout.
func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()

	msg, err := t.buildCommandMessage(cmdID, args)
	if err != nil {
		return errors.Wrap(err, "build command")
	}
	if _, err := t.port.Write(msg); err != nil {
		return errors.Wrap(err, "write command")
	}
	return t.waitForAck(timeout)
}

func (t *HostTransport) buildCommandMessage(cmdID uint16, args func(output OutputBuffer)) ([]byte, error) {
	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	payload := scratch.Result()
	if n := len(payload) + MessageLengthMin; n > MessageLengthMax {
		return nil, errors.Errorf("message too long: %d bytes (max %d)", n, MessageLengthMax)
	}
	return encodeFrame(t.currentSeq, payload), nil
}

// waitForAck expects the ack for the frame just sent, which carries the
// following sequence number.
func (t *HostTransport) waitForAck(timeout time.Duration) error {
	want := nextSeq(t.currentSeq)
	timer := t.clock.Timer(timeout)
	defer timer.Stop()
	for {
		select {
		case ack := <-t.ackChan:
			if ack.Sequence != want {
				// ack of an earlier frame, or a NAK naming the sequence
				// the engine still expects
				if ack.Sequence == t.currentSeq {
					return errors.Errorf("frame 0x%02x not accepted", t.currentSeq)
				}
				continue
			}
			t.currentSeq = want
			return nil
		case <-timer.C:
			return errors.Errorf("ack timeout after %v", timeout)
		case <-t.stopChan:
			return ErrTransportClosed
		}
	}
}

// ReceiveResponse returns the next response frame.
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	timer := t.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case resp := <-t.responseChan:
		return resp, nil
	case <-timer.C:
		return nil, errors.Errorf("response timeout after %v", timeout)
	case <-t.stopChan:
		return nil, ErrTransportClosed
	}
}

// SetResponseHandler installs a callback run for each response.
func (t *HostTransport) SetResponseHandler(handler ResponseHandler) {
	t.handlerMu.Lock()
	t.responseHandler = handler
	t.handlerMu.Unlock()
}

func (t *HostTransport) readLoop() {
	defer close(t.doneChan)
	buffer := make([]byte, 256)
	for {
		n, err := t.port.Read(buffer)
		if n > 0 {
			t.input.Write(buffer[:n])
			t.processMessages()
		}
		if err != nil {
			select {
			case <-t.stopChan:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			t.clock.Sleep(10 * time.Millisecond)
		}
	}
}

func (t *HostTransport) processMessages() {
	data := t.input.Data()
	for {
		frame, rest, _ := t.parser.next(data)
		data = rest
		if frame == nil {
			break
		}
		n := len(frame)
		msg := &Message{
			Length:   frame[MessagePositionLen],
			Sequence: frame[MessagePositionSeq],
			Payload:  append([]byte(nil), frame[MessageHeaderSize:n-MessageTrailerSize]...),
			CRC:      uint16(frame[n-MessageTrailerCRC])<<8 | uint16(frame[n-MessageTrailerCRC+1]),
		}
		t.dispatchMessage(msg)
	}
	if consumed := t.input.Available() - len(data); consumed > 0 {
		t.input.Pop(consumed)
	}
}

func (t *HostTransport) dispatchMessage(msg *Message) {
	if len(msg.Payload) == 0 {
		select {
		case t.ackChan <- msg:
		default:
			// replace an unread ack with the newer one
			select {
			case <-t.ackChan:
			default:
			}
			t.ackChan <- msg
		}
		return
	}

	t.handlerMu.Lock()
	handler := t.responseHandler
	t.handlerMu.Unlock()
	if handler != nil {
		payload := bytes.Clone(msg.Payload)
		if cmdID, err := DecodeVLQUint(&payload); err == nil {
			_ = handler(uint16(cmdID), &payload)
		}
	}

	select {
	case t.responseChan <- msg:
	default:
		// drop the oldest response
		select {
		case <-t.responseChan:
		default:
		}
		t.responseChan <- msg
	}
}

// Close stops the reader and closes the port.
func (t *HostTransport) Close() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stopChan)
		// closing the port unblocks the reader
		err = t.port.Close()
		<-t.doneChan
	})
	return err
}

// Reset restarts the sequence and drops anything queued.
func (t *HostTransport) Reset() {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	t.currentSeq = MessageDest
	for len(t.ackChan) > 0 {
		<-t.ackChan
	}
	for len(t.responseChan) > 0 {
		<-t.responseChan
	}
}

// CurrentSequence returns the sequence the next command will carry.
func (t *HostTransport) CurrentSequence() uint8 {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	return t.currentSeq
}
