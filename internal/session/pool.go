// Package session keeps a bounded set of expensive browser sessions and
// leases them to listing tasks one at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/stayrace/internal/domain/booking"
	"github.com/example/stayrace/internal/retry"
)

// Conn is one live automation session (a browser tab, a remote page).
type Conn interface {
	Close() error
}

// Factory opens new sessions. Open is also used to replace poisoned ones.
type Factory interface {
	Open(ctx context.Context) (Conn, error)
}

type State int

const (
	StateFree State = iota
	StateLeased
	StatePoisoned
	StateDead
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateLeased:
		return "leased"
	case StatePoisoned:
		return "poisoned"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

var (
	ErrPoolClosed = errors.New("session pool closed")
	ErrNotLeased  = errors.New("session handle is not leased")
)

type Options struct {
	Size           int
	AcquireTimeout time.Duration
	OpenTimeout    time.Duration
	// Retry paces recreation of poisoned sessions. Once it says stop the
	// slot is retired and the pool runs at reduced capacity.
	Retry  *retry.Controller
	Logger *zap.Logger
}

type slot struct {
	id    int
	state State
	gen   uint64
	conn  Conn
}

// Handle is a single lease on a session. It must be released exactly once.
type Handle struct {
	slot *slot
	gen  uint64
	conn Conn
}

func (h *Handle) ID() int    { return h.slot.id }
func (h *Handle) Conn() Conn { return h.conn }

func (h *Handle) String() string {
	return fmt.Sprintf("session-%d#%d", h.slot.id, h.gen)
}

type Stats struct {
	Size     int
	Capacity int
	Free     int
	Leased   int
	Poisoned int
	Dead     int

	Waits    uint64
	Acquired uint64
	Released uint64
	Recycled uint64
}

type Pool struct {
	factory Factory
	opts    Options
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	free chan *slot

	mu       sync.Mutex
	slots    []*slot
	closed   bool
	waits    uint64
	acquired uint64
	released uint64
	recycled uint64

	wg sync.WaitGroup
}

// New opens opts.Size sessions. Slots that fail to open are recreated in the
// background; New fails only when none could be opened.
func New(ctx context.Context, f Factory, opts Options) (*Pool, error) {
	if f == nil {
		return nil, fmt.Errorf("session pool: nil factory")
	}
	if opts.Size < 1 {
		return nil, fmt.Errorf("session pool: size must be >= 1")
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 30 * time.Second
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.DefaultPolicy())
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	pctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		factory: f,
		opts:    opts,
		log:     log.Named("session"),
		ctx:     pctx,
		cancel:  cancel,
		free:    make(chan *slot, opts.Size),
		slots:   make([]*slot, opts.Size),
	}

	var (
		opened  int
		lastErr error
	)
	for i := range p.slots {
		s := &slot{id: i}
		p.slots[i] = s

		octx, ocancel := context.WithTimeout(ctx, opts.OpenTimeout)
		conn, err := f.Open(octx)
		ocancel()
		if err != nil {
			lastErr = err
			s.state = StatePoisoned
			continue
		}
		s.conn = conn
		s.state = StateFree
		p.free <- s
		opened++
	}
	if opened == 0 {
		p.cancel()
		return nil, fmt.Errorf("session pool: open sessions: %w", lastErr)
	}
	for _, s := range p.slots {
		if s.state == StatePoisoned {
			p.log.Warn("session failed to open; recreating", zap.Int("slot", s.id), zap.Error(lastErr))
			p.wg.Add(1)
			go p.recreate(s)
		}
	}
	return p, nil
}

// Acquire leases a free session. It blocks until one is free, ctx is done or
// the timeout passes; the timeout yields booking.ErrResourceExhausted.
// A timeout <= 0 uses Options.AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = p.opts.AcquireTimeout
	}

	select {
	case s := <-p.free:
		return p.lease(s)
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.waits++
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-p.free:
		return p.lease(s)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrPoolClosed
	case <-timer.C:
		return nil, fmt.Errorf("session pool: no session within %s: %w", timeout, booking.ErrResourceExhausted)
	}
}

func (p *Pool) lease(s *slot) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if s.state != StateFree {
		// only free slots are ever queued
		return nil, fmt.Errorf("session pool: slot %d queued in state %s", s.id, s.state)
	}
	s.state = StateLeased
	s.gen++
	p.acquired++
	return &Handle{slot: s, gen: s.gen, conn: s.conn}, nil
}

// Release ends a lease. An unhealthy release poisons the session: it is
// closed, never leased again, and replaced in the background.
func (p *Pool) Release(h *Handle, healthy bool) error {
	if h == nil || h.slot == nil {
		return ErrNotLeased
	}

	p.mu.Lock()
	s := h.slot
	if s.state != StateLeased || s.gen != h.gen {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLeased, h)
	}
	p.released++

	if p.closed {
		s.state = StateFree
		p.mu.Unlock()
		return nil
	}
	if healthy {
		s.state = StateFree
		p.mu.Unlock()
		p.free <- s
		return nil
	}

	s.state = StatePoisoned
	conn := s.conn
	s.conn = nil
	p.wg.Add(1)
	p.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			p.log.Debug("close poisoned session", zap.Int("slot", s.id), zap.Error(err))
		}
	}
	p.log.Info("session poisoned; recreating", zap.Int("slot", s.id))
	go p.recreate(s)
	return nil
}

func (p *Pool) recreate(s *slot) {
	defer p.wg.Done()

	for attempt := 1; ; attempt++ {
		octx, cancel := context.WithTimeout(p.ctx, p.opts.OpenTimeout)
		conn, err := p.factory.Open(octx)
		cancel()

		if err == nil {
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				_ = conn.Close()
				return
			}
			s.conn = conn
			s.state = StateFree
			p.recycled++
			p.mu.Unlock()
			p.free <- s
			p.log.Info("session recreated", zap.Int("slot", s.id), zap.Int("attempts", attempt))
			return
		}

		if p.ctx.Err() != nil {
			return
		}
		delay, ok := p.opts.Retry.NextDelay(attempt, booking.Classify(err))
		if !ok {
			p.mu.Lock()
			s.state = StateDead
			capacity := p.capacityLocked()
			p.mu.Unlock()
			p.log.Warn("session pool degraded; slot retired",
				zap.Int("slot", s.id),
				zap.Int("capacity", capacity),
				zap.Int("size", p.opts.Size),
				zap.Error(err),
			)
			return
		}
		if retry.Sleep(p.ctx, delay) != nil {
			return
		}
	}
}

func (p *Pool) capacityLocked() int {
	n := 0
	for _, s := range p.slots {
		if s.state != StateDead {
			n++
		}
	}
	return n
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Size:     len(p.slots),
		Waits:    p.waits,
		Acquired: p.acquired,
		Released: p.released,
		Recycled: p.recycled,
	}
	for _, s := range p.slots {
		switch s.state {
		case StateFree:
			st.Free++
		case StateLeased:
			st.Leased++
		case StatePoisoned:
			st.Poisoned++
		case StateDead:
			st.Dead++
		}
	}
	st.Capacity = st.Size - st.Dead
	return st
}

// Close stops recreation and closes every session, leased or not. Handles
// still out may be released afterwards without error.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cancel()
	var conns []Conn
	for _, s := range p.slots {
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()
	return errors.Join(errs...)
}
