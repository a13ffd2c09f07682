package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

type handled struct {
	id  uint16
	arg uint32
}

func newTestTransport(t *testing.T) (*Transport, *ScratchOutput, *[]handled) {
	t.Helper()
	var calls []handled
	out := NewScratchOutput()
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		arg, err := DecodeVLQUint(data)
		if err != nil {
			return err
		}
		calls = append(calls, handled{cmdID, arg})
		return nil
	})
	return tr, out, &calls
}

func frameOf(seq uint8, values ...uint32) []byte {
	payload := NewScratchOutput()
	for _, v := range values {
		EncodeVLQUint(payload, v)
	}
	return encodeFrame(seq, payload.Result())
}

func TestTransportAcksWithNextSequence(t *testing.T) {
	tr, out, calls := newTestTransport(t)
	in := NewFifoBuffer(MessageMax)
	in.Write(frameOf(MessageDest, 2, 7))
	tr.Receive(in)

	if diff := cmp.Diff([]handled{{2, 7}}, *calls, cmp.AllowUnexported(handled{})); diff != "" {
		t.Errorf("handled mismatch (-want +got):\n%s", diff)
	}
	want := []byte{0x05, 0x11, 0x8F, 0x08, 0x7E}
	if diff := cmp.Diff(want, out.Result()); diff != "" {
		t.Errorf("ack mismatch (-want +got):\n%s", diff)
	}
	if in.Available() != 0 {
		t.Errorf("%d input bytes left", in.Available())
	}
}

func TestTransportIgnoresRepeatedSequence(t *testing.T) {
	tr, out, calls := newTestTransport(t)
	in := NewFifoBuffer(MessageMax)
	frame := frameOf(MessageDest, 2, 7)
	in.Write(frame)
	in.Write(frame)
	tr.Receive(in)

	if len(*calls) != 1 {
		t.Errorf("handler ran %d times, want 1", len(*calls))
	}
	ack := encodeFrame(nextSeq(MessageDest), nil)
	want := append(append([]byte(nil), ack...), ack...)
	if diff := cmp.Diff(want, out.Result()); diff != "" {
		t.Errorf("acks mismatch (-want +got):\n%s", diff)
	}
}

func TestTransportPartialFrame(t *testing.T) {
	tr, out, calls := newTestTransport(t)
	in := NewFifoBuffer(MessageMax)
	frame := frameOf(MessageDest, 4, 300)

	in.Write(frame[:3])
	tr.Receive(in)
	if len(*calls) != 0 || len(out.Result()) != 0 {
		t.Fatalf("partial frame produced calls=%v output=%x", *calls, out.Result())
	}
	if in.Available() != 3 {
		t.Fatalf("partial frame consumed: %d bytes left", in.Available())
	}

	in.Write(frame[3:])
	tr.Receive(in)
	if diff := cmp.Diff([]handled{{4, 300}}, *calls, cmp.AllowUnexported(handled{})); diff != "" {
		t.Errorf("handled mismatch (-want +got):\n%s", diff)
	}
}

func TestTransportResyncsAfterGarbage(t *testing.T) {
	tr, out, calls := newTestTransport(t)
	in := NewFifoBuffer(MessageMax)
	in.Write([]byte{0x01, 0x02, MessageValueSync})
	in.Write(frameOf(MessageDest, 1, 1))
	tr.Receive(in)

	if len(*calls) != 1 {
		t.Fatalf("handler ran %d times, want 1", len(*calls))
	}
	want := append(encodeFrame(MessageDest, nil), encodeFrame(nextSeq(MessageDest), nil)...)
	if diff := cmp.Diff(want, out.Result()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestTransportBadCRC(t *testing.T) {
	tr, _, calls := newTestTransport(t)
	in := NewFifoBuffer(MessageMax)
	frame := frameOf(MessageDest, 1, 1)
	frame[len(frame)-2] ^= 0xFF
	in.Write(frame)
	tr.Receive(in)
	if len(*calls) != 0 {
		t.Errorf("corrupt frame dispatched: %v", *calls)
	}
}

func TestTransportHostReset(t *testing.T) {
	tr, _, calls := newTestTransport(t)
	resets := 0
	tr.SetResetCallback(func() { resets++ })

	in := NewFifoBuffer(MessageMax)
	in.Write(frameOf(MessageDest, 1, 1))
	in.Write(frameOf(nextSeq(MessageDest), 1, 2))
	in.Write(frameOf(MessageDest, 1, 3))
	tr.Receive(in)

	if resets != 1 {
		t.Errorf("resets = %d, want 1", resets)
	}
	if diff := cmp.Diff([]handled{{1, 1}, {1, 2}, {1, 3}}, *calls, cmp.AllowUnexported(handled{})); diff != "" {
		t.Errorf("handled mismatch (-want +got):\n%s", diff)
	}
}

func TestTransportReportsHandlerPanic(t *testing.T) {
	out := NewScratchOutput()
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		panic("boom")
	})
	var reported error
	tr.SetErrorCallback(func(err error) { reported = err })

	in := NewFifoBuffer(MessageMax)
	in.Write(frameOf(MessageDest, 1))
	tr.Receive(in)

	if reported == nil || reported.Error() != "command handler panic: boom" {
		t.Errorf("reported %v", reported)
	}
}

// serveEngine runs tr against conn until the connection closes. The
// handler answers command 5 with response 6 carrying arg+1.
func serveEngine(conn net.Conn) {
	out := NewScratchOutput()
	var tr *Transport
	tr = NewTransport(out, func(cmdID uint16, data *[]byte) error {
		arg, err := DecodeVLQUint(data)
		if err != nil {
			return err
		}
		if cmdID == 5 {
			tr.SendCommand(6, func(o OutputBuffer) { EncodeVLQUint(o, arg+1) })
		}
		return nil
	})
	in := NewFifoBuffer(MessageMax)
	buf := make([]byte, 64)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		in.Write(buf[:n])
		tr.Receive(in)
		if pending := out.Result(); len(pending) > 0 {
			msg := append([]byte(nil), pending...)
			out.Reset()
			if _, err := conn.Write(msg); err != nil {
				return
			}
		}
	}
}

func TestHostTransportRoundTrip(t *testing.T) {
	hostSide, engineSide := net.Pipe()
	defer engineSide.Close()
	go serveEngine(engineSide)

	host := NewHostTransport(hostSide)
	defer host.Close()

	for i, arg := range []uint32{41, 99} {
		if err := host.SendCommand(5, func(o OutputBuffer) { EncodeVLQUint(o, arg) }); err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
		resp, err := host.ReceiveResponse(time.Second)
		if err != nil {
			t.Fatalf("response %d: %v", i, err)
		}
		payload := resp.Payload
		id, _ := DecodeVLQUint(&payload)
		v, _ := DecodeVLQUint(&payload)
		if id != 6 || v != arg+1 {
			t.Errorf("response %d = id %d value %d, want 6 %d", i, id, v, arg+1)
		}
	}
	if got := host.CurrentSequence(); got != MessageDest|2 {
		t.Errorf("CurrentSequence() = 0x%02x, want 0x12", got)
	}
}

func TestHostTransportAckTimeout(t *testing.T) {
	hostSide, engineSide := net.Pipe()
	defer engineSide.Close()
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := engineSide.Read(buf); err != nil {
				return
			}
		}
	}()

	host := NewHostTransport(hostSide)
	defer host.Close()

	err := host.SendCommandWithTimeout(1, nil, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected ack timeout")
	}
	if host.CurrentSequence() != MessageDest {
		t.Errorf("sequence advanced without ack: 0x%02x", host.CurrentSequence())
	}
}

func TestHostTransportClosed(t *testing.T) {
	hostSide, engineSide := net.Pipe()
	defer engineSide.Close()

	host := NewHostTransport(hostSide)
	if err := host.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := host.ReceiveResponse(time.Second); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("ReceiveResponse after Close = %v, want ErrTransportClosed", err)
	}
	if err := host.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestHostTransportRejectsLongFrames(t *testing.T) {
	hostSide, engineSide := net.Pipe()
	defer engineSide.Close()
	host := NewHostTransport(hostSide)
	defer host.Close()

	err := host.SendCommand(1, func(o OutputBuffer) { EncodeVLQBytes(o, make([]byte, MessageLengthMax)) })
	if err == nil {
		t.Fatal("expected message too long")
	}
}
