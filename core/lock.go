package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// WaitForever makes Acquire, Enqueue and Dequeue wait until the context is
// done instead of timing out.
const WaitForever time.Duration = -1

// TxnLock is the per-bus transaction lock. It differs from sync.Mutex in
// that acquisition can time out and the holder is handed a Guard whose
// Release is safe to call more than once.
type TxnLock struct {
	sem   chan struct{}
	clock clock.Clock

	held     atomic.Bool
	acquired atomic.Uint64
	timeouts atomic.Uint64
}

// NewTxnLock returns an unlocked lock measuring timeouts on clk.
func NewTxnLock(clk clock.Clock) *TxnLock {
	if clk == nil {
		clk = clock.New()
	}
	return &TxnLock{sem: make(chan struct{}, 1), clock: clk}
}

// Acquire blocks until the lock is free, the timeout elapses or ctx is done.
// A zero timeout tries exactly once; WaitForever waits on ctx alone.
func (l *TxnLock) Acquire(ctx context.Context, timeout time.Duration) (*Guard, error) {
	select {
	case l.sem <- struct{}{}:
		return l.grant(), nil
	default:
	}
	if timeout == 0 {
		l.timeouts.Add(1)
		return nil, ErrLockTimeout
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := l.clock.Timer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case l.sem <- struct{}{}:
		return l.grant(), nil
	case <-expired:
		l.timeouts.Add(1)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *TxnLock) grant() *Guard {
	l.held.Store(true)
	l.acquired.Add(1)
	return &Guard{lock: l}
}

// Held reports whether some goroutine currently holds the lock.
func (l *TxnLock) Held() bool {
	return l.held.Load()
}

// Stats returns the number of successful acquisitions and timeouts so far.
func (l *TxnLock) Stats() (acquired, timeouts uint64) {
	return l.acquired.Load(), l.timeouts.Load()
}

// Guard is proof of lock ownership. Release returns the lock; later calls
// are no-ops, so a deferred Release after an explicit one never unlocks a
// different holder.
type Guard struct {
	lock      *TxnLock
	once      sync.Once
	onRelease func()
}

func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		if g.onRelease != nil {
			g.onRelease()
		}
		g.lock.held.Store(false)
		<-g.lock.sem
	})
}

// WithLock runs fn with the bus lock held and releases it on every exit
// path, panics included.
func WithLock(ctx context.Context, bus *Bus, timeout time.Duration, fn func() error) error {
	guard, err := bus.acquire(ctx, timeout)
	if err != nil {
		return err
	}
	defer guard.Release()
	return fn()
}
