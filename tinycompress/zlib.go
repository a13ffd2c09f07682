// Package tinycompress writes zlib streams made of stored DEFLATE blocks.
// Nothing is actually compressed; the point is a stream any zlib reader
// accepts, produced without the tables compress/flate allocates.
package tinycompress

import (
	"encoding/binary"
	"hash"
	"hash/adler32"
	"io"

	"github.com/pkg/errors"
)

// MaxBlock is the largest stored DEFLATE block.
const MaxBlock = 0xFFFF

var header = [2]byte{0x78, 0x01}

var ErrClosed = errors.New("zlib writer closed")

// Writer buffers up to one block of input and writes it out as a stored
// block. Close writes the final block and the Adler-32 trailer.
type Writer struct {
	out     io.Writer
	buf     []byte
	adler   hash.Hash32
	started bool
	closed  bool
}

// NewWriter returns a Writer emitting to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		out:   w,
		buf:   make([]byte, 0, 4096),
		adler: adler32.New(),
	}
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	w.adler.Write(p)
	n := 0
	for len(p) > 0 {
		if len(w.buf) == MaxBlock {
			if err := w.block(false); err != nil {
				return n, err
			}
		}
		k := MaxBlock - len(w.buf)
		if k > len(p) {
			k = len(p)
		}
		w.buf = append(w.buf, p[:k]...)
		p = p[k:]
		n += k
	}
	return n, nil
}

func (w *Writer) block(final bool) error {
	if !w.started {
		if _, err := w.out.Write(header[:]); err != nil {
			return err
		}
		w.started = true
	}
	var hdr [5]byte
	if final {
		hdr[0] = 1
	}
	binary.LittleEndian.PutUint16(hdr[1:], uint16(len(w.buf)))
	binary.LittleEndian.PutUint16(hdr[3:], ^uint16(len(w.buf)))
	if _, err := w.out.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.out.Write(w.buf); err != nil {
		return err
	}
	w.buf = w.buf[:0]
	return nil
}

// Close flushes the last block and the checksum. The underlying writer is
// not closed.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.block(true); err != nil {
		return err
	}
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], w.adler.Sum32())
	_, err := w.out.Write(sum[:])
	return err
}

// Compress returns data as a complete zlib stream.
func Compress(data []byte) []byte {
	var out sliceWriter
	w := NewWriter(&out)
	w.Write(data)
	w.Close()
	return out
}

type sliceWriter []byte

func (s *sliceWriter) Write(p []byte) (int, error) {
	*s = append(*s, p...)
	return len(p), nil
}
