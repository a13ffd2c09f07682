package protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func TestEncodeVLQ(t *testing.T) {
	testCases := []struct {
		v    int32
		want []byte
	}{
		{0, []byte{0x00}},
		{95, []byte{0x5F}},
		{96, []byte{0x80, 0x60}},
		{-1, []byte{0x7F}},
		{-32, []byte{0x60}},
		{-33, []byte{0xFF, 0x5F}},
		{1000, []byte{0x87, 0x68}},
	}
	for _, tc := range testCases {
		got := EncodeVLQ(tc.v)
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("EncodeVLQ(%d) mismatch (-want +got):\n%s", tc.v, diff)
		}
		v, n, err := DecodeVLQ(got)
		if err != nil {
			t.Fatalf("DecodeVLQ(%x): %v", got, err)
		}
		if v != tc.v || n != len(got) {
			t.Errorf("DecodeVLQ(%x) = %d, %d; want %d, %d", got, v, n, tc.v, len(got))
		}
	}
}

func TestDecodeVLQExtremes(t *testing.T) {
	for _, v := range []int32{1<<31 - 1, -1 << 31, 1000000, -1000000} {
		enc := EncodeVLQ(v)
		if len(enc) > 5 {
			t.Errorf("EncodeVLQ(%d) used %d bytes", v, len(enc))
		}
		got, _, err := DecodeVLQ(enc)
		if err != nil || got != v {
			t.Errorf("DecodeVLQ(EncodeVLQ(%d)) = %d, %v", v, got, err)
		}
	}
}

func TestDecodeVLQErrors(t *testing.T) {
	data := []byte{}
	if _, err := DecodeVLQInt(&data); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("empty input: got %v, want ErrBufferTooSmall", err)
	}

	data = []byte{0x87}
	if _, err := DecodeVLQInt(&data); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("truncated input: got %v, want ErrBufferTooSmall", err)
	}

	data = []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x00}
	if _, err := DecodeVLQInt(&data); !errors.Is(err, ErrInvalidVLQ) {
		t.Errorf("overlong input: got %v, want ErrInvalidVLQ", err)
	}
}

func TestVLQArgumentSequence(t *testing.T) {
	out := NewScratchOutput()
	EncodeVLQUint(out, 3)
	EncodeVLQBytes(out, []byte{0xE3, 0x00})
	EncodeVLQString(out, "i2c1")
	EncodeVLQInt(out, -200)

	data := out.Result()
	id, err := DecodeVLQUint(&data)
	if err != nil || id != 3 {
		t.Fatalf("id = %d, %v", id, err)
	}
	b, err := DecodeVLQBytes(&data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0xE3, 0x00}, b); diff != "" {
		t.Errorf("bytes mismatch (-want +got):\n%s", diff)
	}
	s, err := DecodeVLQString(&data)
	if err != nil || s != "i2c1" {
		t.Errorf("string = %q, %v", s, err)
	}
	v, err := DecodeVLQInt(&data)
	if err != nil || v != -200 {
		t.Errorf("int = %d, %v", v, err)
	}
	if len(data) != 0 {
		t.Errorf("%d bytes left over", len(data))
	}
}

func TestDecodeVLQBytesShort(t *testing.T) {
	data := []byte{0x04, 0x01, 0x02}
	if _, err := DecodeVLQBytes(&data); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("got %v, want ErrBufferTooSmall", err)
	}
}
