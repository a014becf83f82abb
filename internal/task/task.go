// Package task runs the per-listing state machine: watch a listing, decide
// when it is bookable, commit a reservation, and classify what happened.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/stayrace/internal/domain/booking"
	"github.com/example/stayrace/internal/lock"
	"github.com/example/stayrace/internal/retry"
	"github.com/example/stayrace/internal/session"
)

type State string

const (
	Pending    State = "PENDING"
	Monitoring State = "MONITORING"
	Candidate  State = "CANDIDATE"
	Attempting State = "ATTEMPTING"
	Confirmed  State = "CONFIRMED"
	LostRace   State = "LOST_RACE"
	Abandoned  State = "ABANDONED"
	Failed     State = "FAILED"
)

func (s State) Terminal() bool {
	switch s {
	case Confirmed, LostRace, Abandoned, Failed:
		return true
	}
	return false
}

// Sessions is the part of the session pool a task uses.
type Sessions interface {
	Acquire(ctx context.Context, timeout time.Duration) (*session.Handle, error)
	Release(h *session.Handle, healthy bool) error
}

// Automation drives the booking site through a leased session.
type Automation interface {
	ExtractState(ctx context.Context, conn session.Conn, ref booking.ListingRef) (booking.PageState, error)
	PerformReservation(ctx context.Context, conn session.Conn, req booking.Request, ref booking.ListingRef) (booking.ActionResult, error)
}

type Decider interface {
	Decide(ctx context.Context, state booking.PageState) (booking.Recommendation, error)
}

type Recorder interface {
	Record(ctx context.Context, t booking.AttemptTrace) error
}

// Event is emitted on every state change.
type Event struct {
	RequestID string
	ListingID string
	From      State
	To        State
	Outcome   booking.Outcome // set on terminal events
	Detail    string
	Err       error
	At        time.Time
}

// Observer is called synchronously from the task goroutine.
type Observer func(Event)

type Config struct {
	PollInterval       time.Duration
	ScarcePollInterval time.Duration
	AcquireTimeout     time.Duration
	AttemptTimeout     time.Duration
	LockTTL            time.Duration
	RecordTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:       5 * time.Second,
		ScarcePollInterval: time.Second,
		AcquireTimeout:     30 * time.Second,
		AttemptTimeout:     2 * time.Minute,
		LockTTL:            3 * time.Minute,
		RecordTimeout:      5 * time.Second,
	}
}

type Deps struct {
	Sessions   Sessions
	Automation Automation
	Decider    Decider
	Recorder   Recorder
	Retry      *retry.Controller
	Locker     lock.Locker // optional
	Gate       *Gate       // optional; shared by the tasks of one request
	Observer   Observer    // optional
	Logger     *zap.Logger
}

// Result is the terminal report of a task.
type Result struct {
	ListingID    string
	State        State
	Outcome      booking.Outcome
	Confirmation string
	Trace        booking.AttemptTrace
	Err          error
}

// Task owns one listing for one request. Run must be called once.
type Task struct {
	deps Deps
	cfg  Config
	log  *zap.Logger

	req     booking.Request
	listing booking.Listing
	state   State

	handle   *session.Handle
	unhealth bool

	rec          booking.Recommendation
	last         booking.PageState
	pollFailures int
	attempts     int
	attemptFails int

	releaseGate func()
	unlock      lock.Unlock

	result Result
}

func New(req booking.Request, ref booking.ListingRef, deps Deps, cfg Config) *Task {
	d := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.ScarcePollInterval <= 0 {
		cfg.ScarcePollInterval = cfg.PollInterval
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = d.AttemptTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.AttemptTimeout + time.Minute
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = d.RecordTimeout
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(retry.DefaultPolicy())
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Task{
		deps:    deps,
		cfg:     cfg,
		log:     log.With(zap.String("request", req.ID), zap.String("listing", ref.ID)),
		req:     req,
		listing: booking.Listing{Ref: ref},
		state:   Pending,
	}
}

func (t *Task) Listing() booking.ListingRef { return t.listing.Ref }

// Run drives the task to a terminal state. Cancelling ctx ends it as
// ABANDONED at the next suspension point, except during a reservation
// submission, which always runs to completion.
func (t *Task) Run(ctx context.Context) Result {
	for !t.state.Terminal() {
		switch t.state {
		case Pending:
			t.pending(ctx)
		case Monitoring:
			t.monitor(ctx)
		case Candidate:
			t.candidate(ctx)
		case Attempting:
			t.attempt(ctx)
		}
	}
	return t.result
}

func (t *Task) pending(ctx context.Context) {
	if ctx.Err() != nil {
		t.abandon(ctx)
		return
	}
	h, err := t.deps.Sessions.Acquire(ctx, t.cfg.AcquireTimeout)
	if err != nil {
		if ctx.Err() != nil {
			t.abandon(ctx)
			return
		}
		if booking.Classify(err) == booking.ClassExhausted {
			t.log.Debug("no session free; still queued", zap.Error(err))
			return
		}
		t.finish(ctx, Failed, booking.OutcomeTerminalFailure, "acquire session", err)
		return
	}
	t.handle = h
	t.transition(Monitoring, "")
}

func (t *Task) monitor(ctx context.Context) {
	if ctx.Err() != nil {
		t.abandon(ctx)
		return
	}
	st, err := t.deps.Automation.ExtractState(ctx, t.handle.Conn(), t.listing.Ref)
	if err != nil {
		t.monitorFailure(ctx, "extract state", err, true)
		return
	}
	t.observe(st)

	rec, err := t.deps.Decider.Decide(ctx, st)
	if err != nil {
		t.monitorFailure(ctx, "decide", err, false)
		return
	}
	t.pollFailures = 0
	t.rec = rec

	switch rec.Action {
	case booking.ActionAttempt:
		t.transition(Candidate, rec.Reason)
	case booking.ActionAbandon:
		t.finish(ctx, Abandoned, booking.OutcomeAbandoned, "decision: "+rec.Reason, nil)
	default:
		if retry.Sleep(ctx, t.pollDelay()) != nil {
			t.abandon(ctx)
		}
	}
}

// monitorFailure handles an error while watching. fromAutomation marks
// structural faults as session health problems.
func (t *Task) monitorFailure(ctx context.Context, op string, err error, fromAutomation bool) {
	if ctx.Err() != nil {
		t.abandon(ctx)
		return
	}
	switch class := booking.Classify(err); class {
	case booking.ClassStructural:
		t.unhealth = fromAutomation
		t.finish(ctx, Failed, booking.OutcomeTerminalFailure, op, err)
	case booking.ClassRaceLost:
		t.finish(ctx, LostRace, booking.OutcomeLostRace, op, err)
	default:
		t.pollFailures++
		delay, ok := t.deps.Retry.NextDelay(t.pollFailures, class)
		if !ok {
			t.finish(ctx, Failed, booking.OutcomeTerminalFailure, fmt.Sprintf("%s: retries exhausted", op), err)
			return
		}
		t.log.Debug("monitor step failed; retrying", zap.String("op", op), zap.Duration("delay", delay), zap.Error(err))
		if retry.Sleep(ctx, delay) != nil {
			t.abandon(ctx)
		}
	}
}

func (t *Task) candidate(ctx context.Context) {
	release, err := t.deps.Gate.Acquire(ctx)
	if err != nil {
		t.abandon(ctx)
		return
	}
	// a sibling may have confirmed while we queued on the gate
	if ctx.Err() != nil {
		release()
		t.abandon(ctx)
		return
	}

	st, err := t.deps.Automation.ExtractState(ctx, t.handle.Conn(), t.listing.Ref)
	if err != nil {
		release()
		t.monitorFailure(ctx, "re-validate", err, true)
		if !t.state.Terminal() {
			t.transition(Monitoring, "re-validation failed")
		}
		return
	}
	t.observe(st)

	if !st.Available {
		release()
		t.finish(ctx, LostRace, booking.OutcomeLostRace, "gone on re-validation", booking.ErrRaceLost)
		return
	}
	if t.req.MaxPrice > 0 && st.Price > t.req.MaxPrice {
		release()
		t.back(ctx, fmt.Sprintf("price %.2f above max %.2f", st.Price, t.req.MaxPrice))
		return
	}

	if t.deps.Locker != nil {
		unlock, ok, err := t.deps.Locker.TryLock(ctx, "listing:"+t.listing.Ref.ID, t.cfg.LockTTL)
		if err != nil {
			release()
			t.monitorFailure(ctx, "lock listing", booking.Transient("lock listing", err), false)
			if !t.state.Terminal() {
				t.transition(Monitoring, "lock unavailable")
			}
			return
		}
		if !ok {
			release()
			t.back(ctx, "listing locked by another attempt")
			return
		}
		t.unlock = unlock
	}
	t.releaseGate = release
	t.transition(Attempting, "")
}

// back returns to MONITORING after one poll interval.
func (t *Task) back(ctx context.Context, why string) {
	if retry.Sleep(ctx, t.pollDelay()) != nil {
		t.abandon(ctx)
		return
	}
	t.transition(Monitoring, why)
}

func (t *Task) attempt(ctx context.Context) {
	// the submission itself is not cancellable; the timeout still bounds it
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.AttemptTimeout)
	res, err := t.deps.Automation.PerformReservation(actx, t.handle.Conn(), t.req, t.listing.Ref)
	cancel()
	t.attempts++
	defer t.releaseCommit()

	if err == nil {
		if res.State.Ref.ID != "" {
			t.observe(res.State)
		}
		err = signalError(res)
	}
	if err == nil {
		t.finish(ctx, Confirmed, booking.OutcomeConfirmed, res.ConfirmationCode, nil)
		return
	}

	switch class := booking.Classify(err); class {
	case booking.ClassRaceLost:
		t.finish(ctx, LostRace, booking.OutcomeLostRace, "lost during attempt", err)
	case booking.ClassStructural:
		t.unhealth = true
		t.finish(ctx, Failed, booking.OutcomeTerminalFailure, "attempt", err)
	default:
		t.attemptFails++
		t.trace(ctx, booking.OutcomeTransientFailure, err.Error())
		delay, ok := t.deps.Retry.NextDelay(t.attemptFails, class)
		if !ok {
			t.finish(ctx, Failed, booking.OutcomeTerminalFailure, "attempt retries exhausted", err)
			return
		}
		t.releaseCommit()
		if retry.Sleep(ctx, delay) != nil {
			t.abandon(ctx)
			return
		}
		t.transition(Monitoring, "retry after transient failure")
	}
}

func signalError(res booking.ActionResult) error {
	switch res.Signal {
	case booking.SignalConfirmed:
		return nil
	case booking.SignalUnavailable:
		return fmt.Errorf("%s: %w", res.Message, booking.ErrRaceLost)
	case booking.SignalRejected:
		return booking.Structural("reserve", "rejected by site", errors.New(res.Message))
	default:
		msg := res.Message
		if msg == "" {
			msg = "no confirmation observed"
		}
		return booking.Transient("reserve", errors.New(msg))
	}
}

func (t *Task) releaseCommit() {
	if t.unlock != nil {
		t.unlock()
		t.unlock = nil
	}
	if t.releaseGate != nil {
		t.releaseGate()
		t.releaseGate = nil
	}
}

func (t *Task) observe(st booking.PageState) {
	t.last = st
	t.listing.Available = st.Available
	t.listing.LastPolledAt = st.ObservedAt
	if st.Price > 0 {
		t.listing.LastPrice = st.Price
	}
}

func (t *Task) pollDelay() time.Duration {
	if t.last.Scarce {
		return t.cfg.ScarcePollInterval
	}
	return t.cfg.PollInterval
}

func (t *Task) abandon(ctx context.Context) {
	t.finish(ctx, Abandoned, booking.OutcomeAbandoned, "cancelled", context.Cause(ctx))
}

func (t *Task) transition(to State, detail string) {
	from := t.state
	t.state = to
	t.log.Debug("transition", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("detail", detail))
	t.notify(Event{From: from, To: to, Detail: detail})
}

func (t *Task) notify(ev Event) {
	if t.deps.Observer == nil {
		return
	}
	ev.RequestID = t.req.ID
	ev.ListingID = t.listing.Ref.ID
	ev.At = time.Now()
	t.deps.Observer(ev)
}

func (t *Task) trace(ctx context.Context, outcome booking.Outcome, detail string) booking.AttemptTrace {
	summary := t.last.Summary()
	if t.last.Ref.ID == "" {
		summary = "listing " + t.listing.Ref.ID
	}
	tr := booking.AttemptTrace{
		ID:        uuid.NewString(),
		RequestID: t.req.ID,
		ListingID: t.listing.Ref.ID,
		Summary:   summary,
		Action:    t.rec.Action,
		Outcome:   outcome,
		Detail:    detail,
		Attempt:   t.attempts,
		At:        time.Now(),
	}
	if t.deps.Recorder != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.RecordTimeout)
		defer cancel()
		if err := t.deps.Recorder.Record(rctx, tr); err != nil {
			t.log.Warn("record trace", zap.String("outcome", string(outcome)), zap.Error(err))
		}
	}
	return tr
}

// finish moves to a terminal state: the session is released once, one trace
// is recorded and observers are told.
func (t *Task) finish(ctx context.Context, to State, outcome booking.Outcome, detail string, err error) {
	if t.handle != nil {
		if rerr := t.deps.Sessions.Release(t.handle, !t.unhealth); rerr != nil {
			t.log.Warn("release session", zap.Error(rerr))
		}
		t.handle = nil
	}

	if err != nil && detail != "" && outcome != booking.OutcomeConfirmed {
		detail = detail + ": " + err.Error()
	}
	tr := t.trace(ctx, outcome, detail)

	t.result = Result{
		ListingID: t.listing.Ref.ID,
		State:     to,
		Outcome:   outcome,
		Trace:     tr,
		Err:       err,
	}
	if to == Confirmed {
		t.result.Confirmation = detail
	}

	from := t.state
	t.state = to
	fields := []zap.Field{zap.String("from", string(from)), zap.String("to", string(to)), zap.String("detail", detail)}
	switch {
	case to == Confirmed:
		t.log.Info("reservation confirmed", fields...)
	case booking.Classify(err) == booking.ClassStructural:
		t.log.Error("structural failure", append(fields, zap.Error(err))...)
	default:
		t.log.Info("task finished", fields...)
	}
	t.notify(Event{From: from, To: to, Outcome: outcome, Detail: detail, Err: err})
}
