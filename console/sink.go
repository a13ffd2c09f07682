package console

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"gobus/core"
)

const (
	// DefaultDepth is the sink queue capacity in bytes.
	DefaultDepth = 256
	// DefaultPutTimeout bounds how long Write waits for queue space.
	DefaultPutTimeout = 500 * time.Millisecond

	drainPoll  = 10 * time.Millisecond
	drainBatch = 64
)

// Sink queues bytes for a transmit goroutine that writes them to an
// io.Writer. Writers block while the queue is full, up to the put timeout;
// after that the queue is reset and the write reports how many bytes were
// accepted.
type Sink struct {
	out     io.Writer
	queue   *core.Queue[byte]
	timeout time.Duration
	clock   clock.Clock

	// mu serialises producers so one Write is never interleaved with
	// another.
	mu sync.Mutex
	// pending counts bytes accepted by Write and not yet written out.
	pending  atomic.Int64
	dropped  atomic.Uint64
	writeErr atomic.Pointer[error]
}

// SinkOption adjusts a Sink.
type SinkOption func(*Sink)

// WithDepth sets the queue capacity.
func WithDepth(n int) SinkOption {
	return func(s *Sink) { s.queue = core.NewQueue[byte](n, s.clock) }
}

// WithPutTimeout sets how long Write waits for space.
func WithPutTimeout(d time.Duration) SinkOption {
	return func(s *Sink) { s.timeout = d }
}

// WithClock sets the clock used for waits.
func WithClock(clk clock.Clock) SinkOption {
	return func(s *Sink) {
		s.clock = clk
		s.queue = core.NewQueue[byte](s.queue.Cap(), clk)
	}
}

// NewSink returns a sink writing to out. Nothing is written until Run is
// started.
func NewSink(out io.Writer, opts ...SinkOption) *Sink {
	s := &Sink{
		out:     out,
		timeout: DefaultPutTimeout,
		clock:   clock.New(),
	}
	s.queue = core.NewQueue[byte](DefaultDepth, s.clock)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write queues p. When the queue stays full for the put timeout the queue
// is reset, the rest of p is dropped and core.ErrQueueFull is returned
// with the count of bytes accepted.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range p {
		s.pending.Add(1)
		if err := s.queue.Enqueue(context.Background(), b, s.timeout); err != nil {
			s.pending.Add(-1)
			s.dropped.Add(uint64(len(p)-i) + uint64(s.discard()))
			return i, err
		}
	}
	return len(p), nil
}

// discard empties the queue and returns how many bytes it held.
func (s *Sink) discard() int {
	n := 0
	for {
		if _, err := s.queue.Dequeue(context.Background(), 0); err != nil {
			return n
		}
		s.pending.Add(-1)
		n++
	}
}

// Len returns the number of bytes waiting.
func (s *Sink) Len() int { return s.queue.Len() }

// Dropped returns how many bytes were discarded because the queue was
// full.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Err returns the last error from the underlying writer.
func (s *Sink) Err() error {
	if p := s.writeErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Run drains the queue onto the writer until ctx is done. Writer errors
// are recorded and the bytes discarded; draining continues.
func (s *Sink) Run(ctx context.Context) error {
	buf := make([]byte, 0, drainBatch)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := s.queue.Dequeue(ctx, drainPoll)
		if errors.Is(err, core.ErrQueueEmpty) {
			continue
		} else if err != nil {
			return err
		}
		buf = append(buf[:0], b)
		for len(buf) < drainBatch {
			b, err := s.queue.Dequeue(ctx, 0)
			if err != nil {
				break
			}
			buf = append(buf, b)
		}
		if _, err := s.out.Write(buf); err != nil {
			err = errors.Wrap(err, "console write")
			s.writeErr.Store(&err)
		}
		s.pending.Add(-int64(len(buf)))
	}
}

// Sync waits until every queued byte has been handed to the writer, or
// the put timeout passes.
func (s *Sink) Sync() error {
	deadline := s.clock.Now().Add(s.timeout)
	for s.pending.Load() > 0 {
		if !s.clock.Now().Before(deadline) {
			return errors.Errorf("console sink: %d bytes not flushed", s.pending.Load())
		}
		s.clock.Sleep(time.Millisecond)
	}
	if w, ok := s.out.(interface{ Sync() error }); ok {
		return w.Sync()
	}
	return nil
}
