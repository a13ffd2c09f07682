package core

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// EventType identifies a wire-level event captured in the trace ring.
type EventType uint8

// Event type codes
const (
	EvtLockAcquire EventType = iota + 1
	EvtLockRelease
	EvtState   // two-wire state transition, Value = TwoWireState
	EvtStart   // start condition, Value = address, Aux = 1 for read
	EvtStop    // stop condition
	EvtNACK    // Value = 0 address, 1 data
	EvtByteOut // Value = byte written
	EvtByteIn  // Value = byte read, Aux = 1 when acked
	EvtSelect  // Value = slave id
	EvtDeselect
	EvtStalled
)

var eventNames = map[EventType]string{
	EvtLockAcquire: "LOCK",
	EvtLockRelease: "UNLOCK",
	EvtState:       "STATE",
	EvtStart:       "START",
	EvtStop:        "STOP",
	EvtNACK:        "NACK",
	EvtByteOut:     "TX",
	EvtByteIn:      "RX",
	EvtSelect:      "SELECT",
	EvtDeselect:    "DESELECT",
	EvtStalled:     "STALLED",
}

func (e EventType) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "UNKNOWN"
}

// TraceEvent is one captured wire event.
type TraceEvent struct {
	Type  EventType
	Bus   BusID
	At    time.Time
	Value uint16
	Aux   uint8
}

// DefaultTraceSize is the ring length used when none is configured.
const DefaultTraceSize = 64

// Trace keeps the last N wire events across all buses for post-mortem.
// Recording never blocks on output.
type Trace struct {
	mu    sync.Mutex
	clock clock.Clock
	ring  []TraceEvent
	head  int
	count int
}

// NewTrace returns a ring holding size events.
func NewTrace(size int, clk clock.Clock) *Trace {
	if size <= 0 {
		size = DefaultTraceSize
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Trace{clock: clk, ring: make([]TraceEvent, size)}
}

// Record captures an event. A nil Trace discards it.
func (t *Trace) Record(typ EventType, bus BusID, value uint16, aux uint8) {
	if t == nil {
		return
	}
	now := t.clock.Now()
	t.mu.Lock()
	t.ring[t.head] = TraceEvent{Type: typ, Bus: bus, At: now, Value: value, Aux: aux}
	t.head = (t.head + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	}
	t.mu.Unlock()
}

// Events returns the captured events, oldest first.
func (t *Trace) Events() []TraceEvent {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEvent, 0, t.count)
	start := (t.head - t.count + len(t.ring)) % len(t.ring)
	for i := 0; i < t.count; i++ {
		out = append(out, t.ring[(start+i)%len(t.ring)])
	}
	return out
}

// Clear empties the ring.
func (t *Trace) Clear() {
	if t == nil {
		return
	}
	t.mu.Lock()
	for i := range t.ring {
		t.ring[i] = TraceEvent{}
	}
	t.head, t.count = 0, 0
	t.mu.Unlock()
}

// Dump writes the ring to logger, oldest first. Call it after a failure,
// never from inside a transaction.
func (t *Trace) Dump(logger *zap.SugaredLogger) {
	events := t.Events()
	logger.Infow("trace dump", "events", len(events))
	for _, evt := range events {
		logger.Infow(evt.Type.String(),
			"bus", evt.Bus,
			"at", evt.At,
			"value", evt.Value,
			"aux", evt.Aux)
	}
}
