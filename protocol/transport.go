package protocol

import (
	"sync/atomic"
)

// CommandHandler runs one decoded command. data starts at the command's
// arguments and the handler advances it past them.
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the engine side of the link. It validates incoming frames,
// dispatches their commands in sequence order and answers each frame with
// an acknowledgement carrying the next expected sequence number.
type Transport struct {
	parser       frameParser
	nextSequence atomic.Uint32

	output        OutputBuffer
	handler       CommandHandler
	resetCallback func()
	errorCallback func(err error)
}

// NewTransport writes responses and acknowledgements to output.
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	t := &Transport{
		parser:  frameParser{synchronized: true, checkDest: true},
		output:  output,
		handler: handler,
	}
	t.nextSequence.Store(MessageDest)
	return t
}

// Receive consumes every complete frame in input. Partial frames stay in
// input for the next call.
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()
	for {
		frame, rest, resynced := t.parser.next(data)
		if resynced {
			t.encodeAck()
		}
		data = rest
		if frame == nil {
			break
		}

		seq := frame[MessagePositionSeq]
		expected := uint8(t.nextSequence.Load())
		if seq == MessageDest && expected != MessageDest {
			// sequence restarted: the host was reset
			t.nextSequence.Store(MessageDest)
			expected = MessageDest
			if t.resetCallback != nil {
				t.resetCallback()
			}
		}
		if seq == expected {
			t.nextSequence.Store(uint32(nextSeq(seq)))
			t.parseFrame(frame[MessageHeaderSize : len(frame)-MessageTrailerSize])
		}
		// a stale sequence is answered too; the ack then acts as a NAK
		t.encodeAck()
	}

	if consumed := input.Available() - len(data); consumed > 0 {
		input.Pop(consumed)
	}
}

// parseFrame runs each command in a frame. A panicking handler drops the
// link out of sync instead of taking the engine down.
func (t *Transport) parseFrame(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.parser.synchronized = false
			t.report(panicError{r})
		}
	}()

	for len(frame) > 0 {
		cmdID, err := DecodeVLQUint(&frame)
		if err != nil {
			t.parser.synchronized = false
			t.report(err)
			return
		}
		if t.handler == nil {
			continue
		}
		if err := t.handler(uint16(cmdID), &frame); err != nil {
			// the rest of the frame cannot be decoded reliably
			t.report(err)
			return
		}
	}
}

func (t *Transport) report(err error) {
	if t.errorCallback != nil {
		t.errorCallback(err)
	}
}

func (t *Transport) encodeAck() {
	t.output.Output(encodeFrame(uint8(t.nextSequence.Load()), nil))
}

// EncodeFrame writes one frame whose payload is produced by frameData.
// Responses carry the current sequence value, the same one the following
// acknowledgement will carry.
func (t *Transport) EncodeFrame(frameData func(output OutputBuffer)) {
	cursor := t.output.CurPosition()
	t.output.Output([]byte{0, uint8(t.nextSequence.Load())})
	frameData(t.output)

	n := len(t.output.DataSince(cursor))
	t.output.Update(cursor, uint8(n+MessageTrailerSize))
	crc := CRC16(t.output.DataSince(cursor))
	t.output.Output([]byte{uint8(crc >> 8), uint8(crc), MessageValueSync})
}

// SendCommand sends a response with the given id and arguments.
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.EncodeFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Reset returns the transport to its initial sequence.
func (t *Transport) Reset() {
	t.parser.synchronized = true
	t.nextSequence.Store(MessageDest)
	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// SetResetCallback is called when the host restarts its sequence.
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// SetErrorCallback is called with decode and handler errors.
func (t *Transport) SetErrorCallback(callback func(err error)) {
	t.errorCallback = callback
}

type panicError struct {
	value interface{}
}

func (p panicError) Error() string {
	if err, ok := p.value.(error); ok {
		return "command handler panic: " + err.Error()
	}
	if s, ok := p.value.(string); ok {
		return "command handler panic: " + s
	}
	return "command handler panic"
}
