// Package testutil holds in-memory collaborators shared by package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/stayrace/internal/domain/booking"
	"github.com/example/stayrace/internal/session"
)

type FakeConn struct {
	ID     int
	closed atomic.Bool
}

func (c *FakeConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return errors.New("already closed")
	}
	return nil
}

func (c *FakeConn) Closed() bool { return c.closed.Load() }

// FakeFactory hands out FakeConns. Fail makes the next n Opens fail;
// FailAlways makes every Open fail.
type FakeFactory struct {
	mu         sync.Mutex
	next       int
	fail       int
	FailAlways bool
	Err        error
	Conns      []*FakeConn
}

func (f *FakeFactory) Open(ctx context.Context) (session.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAlways || f.fail > 0 {
		if f.fail > 0 {
			f.fail--
		}
		if f.Err != nil {
			return nil, f.Err
		}
		return nil, booking.Transient("open", errors.New("browser did not start"))
	}
	f.next++
	c := &FakeConn{ID: f.next}
	f.Conns = append(f.Conns, c)
	return c, nil
}

func (f *FakeFactory) Fail(n int) {
	f.mu.Lock()
	f.fail = n
	f.mu.Unlock()
}

func (f *FakeFactory) SetFailAlways(v bool) {
	f.mu.Lock()
	f.FailAlways = v
	f.mu.Unlock()
}

func (f *FakeFactory) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Conns)
}

// Listing scripts one listing's behaviour for ScriptedAutomation.
type Listing struct {
	// States are returned by successive ExtractState calls; the last one
	// repeats. Ref and ObservedAt are filled in.
	States []booking.PageState
	// Available, when set, overrides availability of every extracted state.
	Available func() bool
	// ExtractErr is returned by ExtractState while non-nil.
	ExtractErr error
	// Results are returned by successive PerformReservation calls; the last
	// one repeats.
	Results []booking.ActionResult
	// ReserveErrs are returned, in order, before Results are consulted.
	ReserveErrs []error
	Delay       time.Duration
}

// ScriptedAutomation replays per-listing scripts and counts calls.
type ScriptedAutomation struct {
	mu       sync.Mutex
	listings map[string]*Listing
	extracts map[string]int
	attempts map[string]int

	Found     []booking.Candidate
	SearchErr error

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func NewScriptedAutomation() *ScriptedAutomation {
	return &ScriptedAutomation{
		listings: make(map[string]*Listing),
		extracts: make(map[string]int),
		attempts: make(map[string]int),
	}
}

func (a *ScriptedAutomation) Script(id string, l *Listing) {
	a.mu.Lock()
	a.listings[id] = l
	a.mu.Unlock()
}

func (a *ScriptedAutomation) enter() func() {
	n := a.inflight.Add(1)
	for {
		m := a.maxInflight.Load()
		if n <= m || a.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { a.inflight.Add(-1) }
}

// MaxInflight is the largest number of concurrent automation calls seen.
func (a *ScriptedAutomation) MaxInflight() int { return int(a.maxInflight.Load()) }

func (a *ScriptedAutomation) Search(ctx context.Context, conn session.Conn, req booking.Request) ([]booking.Candidate, error) {
	if conn == nil {
		return nil, booking.Structural("search", "no session", nil)
	}
	if a.SearchErr != nil {
		return nil, a.SearchErr
	}
	return a.Found, nil
}

func (a *ScriptedAutomation) ExtractState(ctx context.Context, conn session.Conn, ref booking.ListingRef) (booking.PageState, error) {
	defer a.enter()()
	a.mu.Lock()
	l, ok := a.listings[ref.ID]
	n := a.extracts[ref.ID]
	a.extracts[ref.ID] = n + 1
	a.mu.Unlock()
	if !ok {
		return booking.PageState{}, booking.Structural("extract", fmt.Sprintf("no script for %s", ref.ID), nil)
	}
	if l.Delay > 0 {
		select {
		case <-time.After(l.Delay):
		case <-ctx.Done():
			return booking.PageState{}, ctx.Err()
		}
	}
	if l.ExtractErr != nil {
		return booking.PageState{}, l.ExtractErr
	}
	var st booking.PageState
	if len(l.States) > 0 {
		i := n
		if i >= len(l.States) {
			i = len(l.States) - 1
		}
		st = l.States[i]
	}
	if l.Available != nil {
		st.Available = l.Available()
	}
	st.Ref = ref
	st.URL = ref.URL
	st.ObservedAt = time.Now()
	return st, nil
}

func (a *ScriptedAutomation) PerformReservation(ctx context.Context, conn session.Conn, req booking.Request, ref booking.ListingRef) (booking.ActionResult, error) {
	defer a.enter()()
	a.mu.Lock()
	l, ok := a.listings[ref.ID]
	n := a.attempts[ref.ID]
	a.attempts[ref.ID] = n + 1
	a.mu.Unlock()
	if !ok {
		return booking.ActionResult{}, booking.Structural("reserve", "no script", nil)
	}
	if n < len(l.ReserveErrs) {
		return booking.ActionResult{}, l.ReserveErrs[n]
	}
	n -= len(l.ReserveErrs)
	if len(l.Results) == 0 {
		return booking.ActionResult{Signal: booking.SignalUnknown}, nil
	}
	if n >= len(l.Results) {
		n = len(l.Results) - 1
	}
	return l.Results[n], nil
}

func (a *ScriptedAutomation) Extracts(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.extracts[id]
}

func (a *ScriptedAutomation) Attempts(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts[id]
}

// AvailabilityDecider recommends ATTEMPT whenever the page shows the listing
// as available and WAIT otherwise.
type AvailabilityDecider struct {
	Confidence float64
	Err        error
}

func (d AvailabilityDecider) Decide(ctx context.Context, st booking.PageState) (booking.Recommendation, error) {
	if d.Err != nil {
		return booking.Recommendation{}, d.Err
	}
	if st.Available {
		c := d.Confidence
		if c == 0 {
			c = 0.9
		}
		return booking.Recommendation{Action: booking.ActionAttempt, Confidence: c, Reason: "available"}, nil
	}
	return booking.Recommendation{Action: booking.ActionWait, Confidence: 0.5, Reason: "not available"}, nil
}

// Recorder collects traces in memory.
type Recorder struct {
	mu     sync.Mutex
	traces []booking.AttemptTrace
}

func (r *Recorder) Record(ctx context.Context, t booking.AttemptTrace) error {
	r.mu.Lock()
	r.traces = append(r.traces, t)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Traces() []booking.AttemptTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]booking.AttemptTrace(nil), r.traces...)
}

// Count returns how many recorded traces have the given outcome.
func (r *Recorder) Count(o booking.Outcome) int {
	n := 0
	for _, t := range r.Traces() {
		if t.Outcome == o {
			n++
		}
	}
	return n
}
