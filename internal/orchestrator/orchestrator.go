// Package orchestrator accepts booking requests, fans them out into one
// listing task per candidate and settles each request exactly once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/stayrace/internal/domain/booking"
	"github.com/example/stayrace/internal/lock"
	"github.com/example/stayrace/internal/retry"
	"github.com/example/stayrace/internal/session"
	"github.com/example/stayrace/internal/task"
)

// Discoverer finds candidate listings for a request.
type Discoverer interface {
	Search(ctx context.Context, conn session.Conn, req booking.Request) ([]booking.Candidate, error)
}

// Automation is everything the engine needs from the site driver.
type Automation interface {
	task.Automation
	Discoverer
}

// Journal persists request lifecycle. Errors from Resolved are logged only.
type Journal interface {
	Accepted(ctx context.Context, req booking.Request) error
	Resolved(ctx context.Context, st Status) error
}

type AggregateState string

const (
	StatePending    AggregateState = "PENDING"
	StateMonitoring AggregateState = "MONITORING"
	StateConfirmed  AggregateState = "CONFIRMED"
	StateFailed     AggregateState = "FAILED"
)

func (s AggregateState) Terminal() bool { return s == StateConfirmed || s == StateFailed }

type RequestHandle string

// Status is a snapshot of one request.
type Status struct {
	Handle        RequestHandle         `json:"handle"`
	RequestID     string                `json:"request_id"`
	CorrelationID string                `json:"correlation_id,omitempty"`
	State         AggregateState        `json:"state"`
	ListingID     string                `json:"listing_id,omitempty"`
	Confirmation  string                `json:"confirmation,omitempty"`
	Error         string                `json:"error,omitempty"`
	Tasks         map[string]task.State `json:"tasks"`
	SubmittedAt   time.Time             `json:"submitted_at"`
	ResolvedAt    *time.Time            `json:"resolved_at,omitempty"`

	err error
}

// Err is ErrRequestFailed (wrapped) for failed requests and nil otherwise.
func (s Status) Err() error { return s.err }

var (
	ErrUnknownRequest   = errors.New("unknown request")
	ErrDuplicateRequest = errors.New("duplicate request id")
	ErrShuttingDown     = errors.New("orchestrator shutting down")
	ErrInvalidRequest   = errors.New("invalid request")
)

type Options struct {
	Sessions   task.Sessions
	Automation Automation
	Decider    task.Decider
	Recorder   task.Recorder
	Retry      *retry.Controller
	Locker     lock.Locker
	Journal    Journal
	Metrics    *Metrics
	Logger     *zap.Logger
	// Observer also receives every task event, after internal bookkeeping.
	Observer task.Observer

	Task            task.Config
	DefaultDeadline time.Duration
	MaxCandidates   int
	// Retention is how long a settled request stays queryable here; after
	// that only the journal knows it.
	Retention time.Duration
}

type Orchestrator struct {
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	runs     map[string]*run
	stopping bool
}

type run struct {
	req    booking.Request
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
	// set once, by the first task to confirm
	winner string
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Sessions == nil || opts.Automation == nil || opts.Decider == nil {
		return nil, fmt.Errorf("orchestrator: sessions, automation and decider are required")
	}
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.DefaultPolicy())
	}
	if opts.DefaultDeadline <= 0 {
		opts.DefaultDeadline = 30 * time.Minute
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 10
	}
	if opts.Retention <= 0 {
		opts.Retention = 15 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:   opts,
		log:    log.Named("orchestrator"),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*run),
	}, nil
}

// Submit validates and accepts a request and returns immediately. The
// request runs until it confirms, every task fails, its deadline passes or
// it is cancelled.
func (o *Orchestrator) Submit(ctx context.Context, req booking.Request) (RequestHandle, error) {
	now := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := req.Validate(now); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.Deadline.IsZero() {
		start := now
		if req.NotBefore.After(now) {
			start = req.NotBefore
		}
		req.Deadline = start.Add(o.opts.DefaultDeadline)
	}
	if !req.Deadline.After(now) {
		return "", fmt.Errorf("%w: deadline already passed", ErrInvalidRequest)
	}

	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return "", ErrShuttingDown
	}
	o.evictLocked(now)
	if _, dup := o.runs[req.ID]; dup {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	rctx, cancel := context.WithDeadline(o.ctx, req.Deadline)
	r := &run{
		req:    req,
		ctx:    rctx,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{
			Handle:        RequestHandle(req.ID),
			RequestID:     req.ID,
			CorrelationID: req.CorrelationID,
			State:         StatePending,
			Tasks:         map[string]task.State{},
			SubmittedAt:   now,
		},
	}
	o.runs[req.ID] = r
	o.wg.Add(1)
	o.mu.Unlock()

	if o.opts.Journal != nil {
		if err := o.opts.Journal.Accepted(ctx, req); err != nil {
			o.mu.Lock()
			delete(o.runs, req.ID)
			o.mu.Unlock()
			cancel()
			o.wg.Done()
			return "", fmt.Errorf("journal request: %w", err)
		}
	}

	o.opts.Metrics.requestAccepted()
	o.log.Info("request accepted",
		zap.String("request", req.ID),
		zap.String("correlation", req.CorrelationID),
		zap.Time("deadline", req.Deadline),
	)
	go o.execute(r)
	return RequestHandle(req.ID), nil
}

func (o *Orchestrator) lookup(h RequestHandle) (*run, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[string(h)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, h)
	}
	return r, nil
}

func (o *Orchestrator) Status(h RequestHandle) (Status, error) {
	r, err := o.lookup(h)
	if err != nil {
		return Status{}, err
	}
	return r.snapshot(), nil
}

// Cancel stops a request. Its tasks end ABANDONED and, unless one has
// already confirmed, the request ends FAILED.
func (o *Orchestrator) Cancel(h RequestHandle) error {
	r, err := o.lookup(h)
	if err != nil {
		return err
	}
	r.cancel()
	return nil
}

// Wait blocks until the request is settled or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, h RequestHandle) (Status, error) {
	r, err := o.lookup(h)
	if err != nil {
		return Status{}, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// List returns every request held in memory, newest first.
func (o *Orchestrator) List() []Status {
	o.mu.Lock()
	o.evictLocked(time.Now())
	out := make([]Status, 0, len(o.runs))
	for _, r := range o.runs {
		out = append(out, r.snapshot())
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// Shutdown cancels every running request and waits for tasks to settle.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evictLocked forgets requests settled more than Retention ago. Callers
// already in Wait keep their run and still see it settle.
func (o *Orchestrator) evictLocked(now time.Time) {
	for id, r := range o.runs {
		if at := r.settledAt(); !at.IsZero() && now.Sub(at) >= o.opts.Retention {
			delete(o.runs, id)
		}
	}
}

func (o *Orchestrator) execute(r *run) {
	defer o.wg.Done()
	defer r.cancel()
	log := o.log.With(zap.String("request", r.req.ID))

	if wait := time.Until(r.req.NotBefore); wait > 0 {
		log.Info("waiting for start", zap.Time("not_before", r.req.NotBefore))
		if retry.Sleep(r.ctx, wait) != nil {
			o.settle(r, "cancelled before start")
			return
		}
	}

	refs, err := o.discover(r.ctx, r.req)
	if err != nil {
		log.Warn("discovery failed", zap.Error(err))
		o.settle(r, fmt.Sprintf("discovery: %v", err))
		return
	}
	if len(refs) == 0 {
		o.settle(r, "no candidate listings")
		return
	}

	r.mu.Lock()
	r.status.State = StateMonitoring
	for _, ref := range refs {
		r.status.Tasks[ref.ID] = task.Pending
	}
	r.mu.Unlock()
	log.Info("monitoring candidates", zap.Int("listings", len(refs)))

	// cancelled on first confirmation, deadline, caller cancel or shutdown
	tctx, cancelTasks := context.WithCancel(r.ctx)
	defer cancelTasks()

	gate := task.NewGate()
	deps := task.Deps{
		Sessions:   o.opts.Sessions,
		Automation: o.opts.Automation,
		Decider:    o.opts.Decider,
		Recorder:   o.opts.Recorder,
		Retry:      o.opts.Retry,
		Locker:     o.opts.Locker,
		Gate:       gate,
		Logger:     o.log,
		Observer:   func(ev task.Event) { o.onEvent(r, ev, cancelTasks) },
	}

	var g errgroup.Group
	for _, ref := range refs {
		t := task.New(r.req, ref, deps, o.opts.Task)
		g.Go(func() error {
			t.Run(tctx)
			return nil
		})
	}
	_ = g.Wait()

	reason := "all candidates exhausted"
	switch {
	case errors.Is(r.ctx.Err(), context.DeadlineExceeded):
		reason = "deadline exceeded"
	case r.ctx.Err() != nil:
		reason = "cancelled"
	}
	o.settle(r, reason)
}

func (o *Orchestrator) onEvent(r *run, ev task.Event, cancelSiblings context.CancelFunc) {
	r.mu.Lock()
	r.status.Tasks[ev.ListingID] = ev.To
	first := false
	if ev.To == task.Confirmed && r.winner == "" {
		r.winner = ev.ListingID
		r.status.State = StateConfirmed
		r.status.ListingID = ev.ListingID
		r.status.Confirmation = ev.Detail
		first = true
	}
	r.mu.Unlock()

	if first {
		// before the winner's gate opens, so no sibling can submit
		cancelSiblings()
		o.log.Info("request confirmed",
			zap.String("request", r.req.ID),
			zap.String("listing", ev.ListingID),
			zap.String("confirmation", ev.Detail),
		)
	}
	if ev.To.Terminal() {
		o.opts.Metrics.taskFinished(ev.To, ev.Err)
	}
	if o.opts.Observer != nil {
		o.opts.Observer(ev)
	}
}

// settle records the final state exactly once.
func (o *Orchestrator) settle(r *run, reason string) {
	r.mu.Lock()
	now := time.Now()
	r.status.ResolvedAt = &now
	if r.winner == "" {
		r.status.State = StateFailed
		r.status.err = fmt.Errorf("%w: %s", booking.ErrRequestFailed, reason)
		r.status.Error = r.status.err.Error()
	}
	st := r.status
	st.Tasks = copyTasks(r.status.Tasks)
	r.mu.Unlock()

	o.opts.Metrics.requestSettled(st.State, now.Sub(st.SubmittedAt))
	o.log.Info("request settled",
		zap.String("request", st.RequestID),
		zap.String("state", string(st.State)),
		zap.String("reason", reason),
	)
	if o.opts.Journal != nil {
		jctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.opts.Journal.Resolved(jctx, st); err != nil {
			o.log.Warn("journal resolution", zap.String("request", st.RequestID), zap.Error(err))
		}
		cancel()
	}
	close(r.done)
}

func (o *Orchestrator) discover(ctx context.Context, req booking.Request) ([]booking.ListingRef, error) {
	if len(req.Candidates) > 0 {
		refs := booking.Dedupe(req.Candidates)
		if len(refs) > o.opts.MaxCandidates {
			refs = refs[:o.opts.MaxCandidates]
		}
		return refs, nil
	}

	for attempt := 1; ; attempt++ {
		found, err := o.search(ctx, req)
		if err == nil {
			return booking.Rank(req, found, o.opts.MaxCandidates), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		delay, ok := o.opts.Retry.NextDelay(attempt, booking.Classify(err))
		if !ok {
			return nil, err
		}
		o.log.Debug("search failed; retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (o *Orchestrator) search(ctx context.Context, req booking.Request) ([]booking.Candidate, error) {
	h, err := o.opts.Sessions.Acquire(ctx, o.opts.Task.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	found, err := o.opts.Automation.Search(ctx, h.Conn(), req)
	healthy := booking.Classify(err) != booking.ClassStructural
	if rerr := o.opts.Sessions.Release(h, healthy); rerr != nil {
		o.log.Warn("release search session", zap.Error(rerr))
	}
	return found, err
}

func (r *run) settledAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.ResolvedAt == nil {
		return time.Time{}
	}
	return *r.status.ResolvedAt
}

func (r *run) snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.status
	st.Tasks = copyTasks(r.status.Tasks)
	return st
}

func copyTasks(m map[string]task.State) map[string]task.State {
	out := make(map[string]task.State, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
