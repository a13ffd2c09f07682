package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/physic"
)

// BusID identifies a bus instance. Two-wire and four-wire buses share one
// namespace.
type BusID uint8

const (
	BusA BusID = iota + 1
	BusB
	SPI1
	SPI2
)

func (id BusID) String() string {
	switch id {
	case BusA:
		return "i2c1"
	case BusB:
		return "i2c2"
	case SPI1:
		return "spi1"
	case SPI2:
		return "spi2"
	}
	return fmt.Sprintf("bus%d", uint8(id))
}

// ParseBusID is the inverse of BusID.String.
func ParseBusID(s string) (BusID, error) {
	for _, id := range []BusID{BusA, BusB, SPI1, SPI2} {
		if id.String() == s {
			return id, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownBus, "%q", s)
}

// Kind distinguishes two-wire from four-wire buses.
type Kind uint8

const (
	TwoWire Kind = iota + 1
	FourWire
)

func (k Kind) String() string {
	switch k {
	case TwoWire:
		return "two-wire"
	case FourWire:
		return "four-wire"
	}
	return "invalid"
}

// Mode selects how Bus.Do performs a request: directly on the calling
// goroutine, or handed to the bus consumer through its queues.
type Mode uint8

const (
	ModeSync Mode = iota
	ModeQueued
)

func (m Mode) String() string {
	if m == ModeQueued {
		return "queued"
	}
	return "sync"
}

// DefaultLockTimeout bounds lock acquisition when a bus sets none.
const DefaultLockTimeout = 100 * time.Millisecond

// BusConfig describes one bus instance. Exactly one of TwoWire and
// FourWire must be set.
type BusConfig struct {
	ID          BusID
	Frequency   physic.Frequency
	Mode        Mode
	QueueDepth  int // 0 disables the queues
	LockTimeout time.Duration
	PollLimit   int

	TwoWire  TwoWirePeripheral
	FourWire FourWirePeripheral
	Slaves   []SlaveDescriptor
}

// Options are shared by every bus of a registry.
type Options struct {
	Clock  clock.Clock
	Logger *zap.SugaredLogger
	Trace  *Trace
}

// Bus is one configured bus instance: its lock, its engine and optionally
// its request/response queues. Buses are created by NewRegistry and live
// as long as the registry.
type Bus struct {
	id          BusID
	name        string
	kind        Kind
	mode        Mode
	freq        physic.Frequency
	lockTimeout time.Duration

	lock     *TxnLock
	twoWire  *TwoWireEngine
	fourWire *FourWireEngine
	channel  *Channel

	clock  clock.Clock
	trace  *Trace
	logger *zap.SugaredLogger
}

func (b *Bus) ID() BusID { return b.id }
func (b *Bus) Kind() Kind { return b.kind }
func (b *Bus) Mode() Mode { return b.mode }
func (b *Bus) Frequency() physic.Frequency { return b.freq }
func (b *Bus) Lock() *TxnLock { return b.lock }
func (b *Bus) LockTimeout() time.Duration { return b.lockTimeout }
func (b *Bus) Clock() clock.Clock { return b.clock }
func (b *Bus) Trace() *Trace { return b.trace }
func (b *Bus) Logger() *zap.SugaredLogger { return b.logger }
func (b *Bus) Channel() *Channel { return b.channel }
func (b *Bus) TwoWireEngine() *TwoWireEngine { return b.twoWire }
func (b *Bus) FourWireEngine() *FourWireEngine { return b.fourWire }

func (b *Bus) String() string { return b.name }

// Acquire takes the bus lock with the configured timeout.
func (b *Bus) Acquire(ctx context.Context) (*Guard, error) {
	return b.acquire(ctx, b.lockTimeout)
}

func (b *Bus) acquire(ctx context.Context, timeout time.Duration) (*Guard, error) {
	guard, err := b.lock.Acquire(ctx, timeout)
	if err != nil {
		b.logger.Debugw("lock acquisition failed", "error", err.Error())
		return nil, err
	}
	b.trace.Record(EvtLockAcquire, b.id, 0, 0)
	guard.onRelease = func() { b.trace.Record(EvtLockRelease, b.id, 0, 0) }
	return guard, nil
}

// WithLock runs fn holding the bus lock, waiting at most the configured
// lock timeout.
func (b *Bus) WithLock(ctx context.Context, fn func() error) error {
	return WithLock(ctx, b, b.lockTimeout, fn)
}

// Transact performs req synchronously under the bus lock and reports the
// outcome as a result rather than an error.
func (b *Bus) Transact(ctx context.Context, req TransferRequest) TransferResult {
	var res TransferResult
	err := b.WithLock(ctx, func() error {
		return b.perform(req, &res)
	})
	res.Status = StatusOf(err)
	if err != nil {
		b.logger.Infow("transaction failed",
			"dir", req.Dir, "address", req.Address, "slave", req.Slave,
			"status", res.Status, "error", err.Error())
	}
	return res
}

// Validate reports whether req can run on b. Queued requests are runtime
// data, so a bad length, direction or slave id is an error here rather
// than a panic in the engine.
func (b *Bus) Validate(req TransferRequest) error {
	if req.Len < 0 || req.Len > MaxTransfer {
		return errors.Wrapf(ErrTransferTooLong, "%d bytes", req.Len)
	}
	switch {
	case b.kind == TwoWire && (req.Dir == DirWrite || req.Dir == DirRead):
		return nil
	case b.kind == FourWire && req.Dir == DirExchange:
		if _, ok := b.fourWire.slaves[req.Slave]; !ok {
			return errors.Wrapf(ErrUnknownSlave, "bus %v slave %d", b.id, req.Slave)
		}
		return nil
	}
	return errors.Wrapf(ErrWrongBusKind, "%v on %v bus %v", req.Dir, b.kind, b.id)
}

func (b *Bus) perform(req TransferRequest, res *TransferResult) error {
	if err := b.Validate(req); err != nil {
		return err
	}
	switch {
	case b.kind == TwoWire && req.Dir == DirWrite:
		n, err := b.twoWire.Write(req.Address, req.Data[:req.Len])
		res.Len = n
		return err
	case b.kind == TwoWire && req.Dir == DirRead:
		return b.twoWire.ReadEach(req.Address, req.Len, func(i int, v byte) error {
			res.Data[i] = v
			res.Len = i + 1
			return nil
		})
	case b.kind == FourWire && req.Dir == DirExchange:
		rx, err := b.fourWire.Exchange(req.Slave, req.Data[:req.Len])
		res.Len = copy(res.Data[:], rx)
		return err
	}
	return errors.Wrapf(ErrWrongBusKind, "%v on %v bus %v", req.Dir, b.kind, b.id)
}

// Do performs req according to the bus mode. In ModeQueued the request is
// submitted to the consumer and Do waits for the next result, which is
// only correct while the caller is the bus's single producer.
func (b *Bus) Do(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if b.mode == ModeSync || b.channel == nil {
		res := b.Transact(ctx, req)
		return res, res.Err()
	}
	if err := b.channel.Submit(ctx, req, b.lockTimeout); err != nil {
		return TransferResult{Status: StatusOf(err)}, err
	}
	res, err := b.channel.Collect(ctx, WaitForever)
	if err != nil {
		return TransferResult{Status: StatusOf(err)}, err
	}
	return res, res.Err()
}

// Registry owns every bus instance of the process.
type Registry struct {
	buses map[BusID]*Bus
	opts  Options
}

// NewRegistry builds and configures every bus in configs. Peripherals that
// implement Configurer are configured once here, before any transaction.
func NewRegistry(opts Options, configs ...BusConfig) (*Registry, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	r := &Registry{buses: make(map[BusID]*Bus, len(configs)), opts: opts}
	for _, cfg := range configs {
		if _, dup := r.buses[cfg.ID]; dup {
			return nil, errors.Errorf("bus %v configured twice", cfg.ID)
		}
		bus, err := newBus(cfg, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "bus %v", cfg.ID)
		}
		r.buses[cfg.ID] = bus
		opts.Logger.Debugw("bus configured", "bus", bus.id, "kind", bus.kind, "mode", bus.mode, "frequency", bus.freq)
	}
	return r, nil
}

func newBus(cfg BusConfig, opts Options) (*Bus, error) {
	b := &Bus{
		id:          cfg.ID,
		name:        cfg.ID.String(),
		mode:        cfg.Mode,
		freq:        cfg.Frequency,
		lockTimeout: cfg.LockTimeout,
		lock:        NewTxnLock(opts.Clock),
		clock:       opts.Clock,
		trace:       opts.Trace,
		logger:      opts.Logger.With("bus", cfg.ID.String()),
	}
	if b.lockTimeout == 0 {
		b.lockTimeout = DefaultLockTimeout
	}

	var hw interface{}
	switch {
	case cfg.TwoWire != nil && cfg.FourWire == nil:
		if cfg.Frequency > StandardMode {
			return nil, errors.Errorf("two-wire clock %v above %v", cfg.Frequency, StandardMode)
		}
		b.kind = TwoWire
		b.twoWire = newTwoWireEngine(b.id, cfg.TwoWire, b.lock, cfg.PollLimit, b.trace, b.logger)
		hw = cfg.TwoWire
	case cfg.FourWire != nil && cfg.TwoWire == nil:
		b.kind = FourWire
		for _, s := range cfg.Slaves {
			if s.CS == nil {
				return nil, errors.Errorf("slave %d has no chip-select line", s.ID)
			}
		}
		b.fourWire = newFourWireEngine(b.id, cfg.FourWire, b.lock, cfg.PollLimit, cfg.Slaves, b.trace, b.logger)
		if err := b.fourWire.idle(); err != nil {
			return nil, errors.Wrap(err, "idle chip-select lines")
		}
		hw = cfg.FourWire
	default:
		return nil, errors.New("exactly one of two-wire or four-wire peripheral required")
	}

	if c, ok := hw.(Configurer); ok {
		if err := c.Configure(cfg.Frequency); err != nil {
			return nil, errors.Wrap(err, "configure peripheral")
		}
	}

	if cfg.QueueDepth > 0 {
		b.channel = &Channel{
			bus:       b,
			requests:  NewQueue[TransferRequest](cfg.QueueDepth, opts.Clock),
			responses: NewQueue[TransferResult](cfg.QueueDepth, opts.Clock),
		}
	} else if cfg.Mode == ModeQueued {
		return nil, errors.Wrap(ErrNoChannel, "queued mode needs a queue depth")
	}
	return b, nil
}

// Resolve returns the bus for id.
func (r *Registry) Resolve(id BusID) (*Bus, error) {
	b, ok := r.buses[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBus, "%v", id)
	}
	return b, nil
}

// MustResolve is Resolve for buses the program cannot run without.
func (r *Registry) MustResolve(id BusID) *Bus {
	b, err := r.Resolve(id)
	if err != nil {
		panic(err)
	}
	return b
}

// Buses returns every bus ordered by id.
func (r *Registry) Buses() []*Bus {
	out := make([]*Bus, 0, len(r.buses))
	for _, b := range r.buses {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Consumers returns a consumer for every bus running in ModeQueued.
func (r *Registry) Consumers() []*Consumer {
	var out []*Consumer
	for _, b := range r.Buses() {
		if b.mode != ModeQueued {
			continue
		}
		c, err := NewConsumer(b)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}
