package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrBusy means the registry is full of held locks and cannot track another key
var ErrBusy = errors.New("position busy")

// keyLock is a one-slot semaphore so a waiter can give up when its context ends.
// refs counts holders plus waiters; the entry leaves the registry when it drops to zero.
type keyLock struct {
	sem  chan struct{}
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{sem: make(chan struct{}, 1)}
}

// LockRegistry hands out per-key mutual exclusion. Locks live in a BoundedCache,
// so a lock that is never released expires after the TTL instead of wedging its key.
type LockRegistry struct {
	mu    sync.Mutex // guards refs together with lookups in locks
	locks *BoundedCache[string, *keyLock]
}

// LockOptions configures a LockRegistry
type LockOptions struct {
	MaxSize         int
	TTL             time.Duration
	CleanupInterval time.Duration
	Logger          *zap.Logger
}

// NewLockRegistry creates a registry. Defaults: 10000 locks, 30 minute TTL.
func NewLockRegistry(opts LockOptions) *LockRegistry {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10000
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &LockRegistry{}
	r.locks = New(Options[string, *keyLock]{
		Name:            "position_locks",
		MaxSize:         opts.MaxSize,
		TTL:             opts.TTL,
		CleanupInterval: opts.CleanupInterval,
		Logger:          logger,
		SizeFunc: func(key string, _ *keyLock) int {
			return len(key) + 96
		},
		OnEvict: func(key string, _ *keyLock, reason EvictReason) {
			logger.Warn("position lock dropped from registry",
				zap.String("key", key), zap.String("reason", string(reason)))
		},
	})
	return r
}

// Acquire blocks until the lock for key is held or ctx ends. It fails with ErrBusy
// when every slot in the registry is taken by a held or awaited lock.
// The returned release func is idempotent and must be called on every path.
func (r *LockRegistry) Acquire(ctx context.Context, key string) (func(), error) {
	l, err := r.ref(key)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	select {
	case l.sem <- struct{}{}:
		return r.releaser(key, l), nil
	case <-ctx.Done():
		r.unref(key, l)
		return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
	}
}

// TryAcquire takes the lock only if it is free right now
func (r *LockRegistry) TryAcquire(key string) (func(), bool) {
	l, err := r.ref(key)
	if err != nil {
		return nil, false
	}

	select {
	case l.sem <- struct{}{}:
		return r.releaser(key, l), true
	default:
		r.unref(key, l)
		return nil, false
	}
}

// Len returns the number of keys with a holder or waiter
func (r *LockRegistry) Len() int {
	return r.locks.Len()
}

// Stats exposes the backing cache stats
func (r *LockRegistry) Stats() Stats {
	return r.locks.Stats()
}

// Start runs the TTL cleanup loop of the backing cache
func (r *LockRegistry) Start(ctx context.Context) {
	r.locks.Start(ctx)
}

// Stop halts the cleanup loop
func (r *LockRegistry) Stop() {
	r.locks.Stop()
}

// ref never lets capacity eviction take a lock that is held or awaited
func (r *LockRegistry) ref(key string) (*keyLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, _, err := r.locks.GetOrSetKeeping(key, newKeyLock, func(l *keyLock) bool { return l.refs > 0 })
	if err != nil {
		return nil, ErrBusy
	}
	l.refs++
	return l, nil
}

func (r *LockRegistry) unref(key string, l *keyLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.refs--
	if l.refs <= 0 {
		r.locks.CompareAndDelete(key, func(cur *keyLock) bool { return cur == l })
	}
}

func (r *LockRegistry) releaser(key string, l *keyLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			r.unref(key, l)
		})
	}
}
