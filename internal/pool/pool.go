// Package pool hands out scoped backend handles to concurrent callers.
//
// A handle is owned by exactly one caller between Acquire and Release. Handles
// are created lazily up to the configured size; once the pool is full callers
// wait for a release or for their context to end.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned by Acquire once Close has been called
var ErrPoolClosed = errors.New("pool: closed")

// Factory opens a new backend handle
type Factory[C any] func(ctx context.Context) (C, error)

// Closer releases a backend handle for good
type Closer[C any] func(C) error

// Options tune a pool
type Options struct {
	// Name is used in log fields
	Name string
	// Size is the maximum number of handles, checked out or idle
	Size int
	// IsBroken reports whether an error returned from With means the handle
	// must be discarded rather than reused
	IsBroken func(error) bool
}

type handle[C any] struct {
	id   uint64
	conn C
}

// Pool is a bounded, lazily filled set of handles
type Pool[C any] struct {
	opts    Options
	factory Factory[C]
	closer  Closer[C]
	logger  *logrus.Logger

	slots chan struct{}

	mu     sync.Mutex
	idle   []*handle[C]
	open   int
	inUse  int
	closed bool

	nextID   atomic.Uint64
	acquired atomic.Int64
	created  atomic.Int64
	waits    atomic.Int64
}

// Stats is a point-in-time view of pool occupancy
type Stats struct {
	Name     string `json:"name"`
	Size     int    `json:"size"`
	Open     int    `json:"open"`
	Idle     int    `json:"idle"`
	InUse    int    `json:"in_use"`
	Acquired int64  `json:"acquired"`
	Created  int64  `json:"created"`
	Waits    int64  `json:"waits"`
}

// New builds a pool. No handle is opened until the first Acquire.
func New[C any](opts Options, factory Factory[C], closer Closer[C], logger *logrus.Logger) (*Pool[C], error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("pool %s: size must be positive, got %d", opts.Name, opts.Size)
	}
	if factory == nil {
		return nil, fmt.Errorf("pool %s: factory is required", opts.Name)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Pool[C]{
		opts:    opts,
		factory: factory,
		closer:  closer,
		logger:  logger,
		slots:   make(chan struct{}, opts.Size),
	}, nil
}

// Acquire checks out a handle for the caller's exclusive use
func (p *Pool[C]) Acquire(ctx context.Context) (*Lease[C], error) {
	select {
	case p.slots <- struct{}{}:
	default:
		p.waits.Add(1)
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("pool %s: waiting for handle: %w", p.opts.Name, ctx.Err())
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		p.acquired.Add(1)
		return &Lease[C]{pool: p, h: h}, nil
	}
	// Reserve the handle before dialing so Close accounts for it.
	p.open++
	p.inUse++
	p.mu.Unlock()

	// Give the reservation back unless the dial produced a handle, including
	// when the factory panics.
	dialed := false
	defer func() {
		if !dialed {
			p.mu.Lock()
			p.open--
			p.inUse--
			p.mu.Unlock()
			<-p.slots
		}
	}()

	conn, err := p.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool %s: open handle: %w", p.opts.Name, err)
	}
	dialed = true

	h := &handle[C]{id: p.nextID.Add(1), conn: conn}
	p.created.Add(1)
	p.acquired.Add(1)
	p.logger.WithFields(logrus.Fields{
		"pool":      p.opts.Name,
		"handle_id": h.id,
	}).Debug("Pool handle opened")

	return &Lease[C]{pool: p, h: h}, nil
}

// With runs fn on a leased handle and releases it on every exit path,
// including a panic in fn, which propagates after the release.
func (p *Pool[C]) With(ctx context.Context, fn func(C) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	err = fn(lease.Conn())
	if err != nil && p.opts.IsBroken != nil && p.opts.IsBroken(err) {
		lease.Discard()
	}
	return err
}

func (p *Pool[C]) release(h *handle[C], discard bool) {
	p.mu.Lock()
	p.inUse--
	closeIt := discard || p.closed
	if closeIt {
		p.open--
	} else {
		p.idle = append(p.idle, h)
	}
	p.mu.Unlock()
	<-p.slots

	if closeIt {
		p.closeHandle(h)
	}
}

func (p *Pool[C]) closeHandle(h *handle[C]) {
	if p.closer == nil {
		return
	}
	if err := p.closer(h.conn); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"pool":      p.opts.Name,
			"handle_id": h.id,
		}).Warn("Failed to close pool handle")
	}
}

// InUse returns the number of handles currently checked out
func (p *Pool[C]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Stats returns a snapshot of occupancy counters
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:     p.opts.Name,
		Size:     p.opts.Size,
		Open:     p.open,
		Idle:     len(p.idle),
		InUse:    p.inUse,
		Acquired: p.acquired.Load(),
		Created:  p.created.Load(),
		Waits:    p.waits.Load(),
	}
}

// Close closes idle handles now and leased handles as they are released.
// Calling Close more than once is a no-op.
func (p *Pool[C]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.mu.Unlock()

	for _, h := range idle {
		p.closeHandle(h)
	}
	p.logger.WithFields(logrus.Fields{
		"pool":   p.opts.Name,
		"closed": len(idle),
	}).Debug("Pool closed")
}

// Lease is a caller's exclusive claim on one handle
type Lease[C any] struct {
	pool *Pool[C]
	h    *handle[C]
	once sync.Once
}

// Conn returns the leased handle
func (l *Lease[C]) Conn() C {
	return l.h.conn
}

// ID identifies the underlying handle across leases
func (l *Lease[C]) ID() uint64 {
	return l.h.id
}

// Release returns the handle to the pool. Safe to call more than once.
func (l *Lease[C]) Release() {
	l.once.Do(func() { l.pool.release(l.h, false) })
}

// Discard closes the handle instead of returning it. Safe to call more than
// once, and a later Release is a no-op.
func (l *Lease[C]) Discard() {
	l.once.Do(func() { l.pool.release(l.h, true) })
}
