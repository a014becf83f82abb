// Package decision turns page state plus similar past outcomes into a
// WAIT / ATTEMPT / ABANDON recommendation. Recommendations are advisory:
// the listing task re-validates the page before acting on ATTEMPT.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/stayrace/internal/domain/booking"
)

// Reasoner produces a raw recommendation. Implementations may be remote and
// slow; their output is normalised by the Adapter.
type Reasoner interface {
	Recommend(ctx context.Context, state booking.PageState, history []booking.AttemptTrace) (booking.Recommendation, error)
}

// Memory is the read side of outcome memory.
type Memory interface {
	Query(ctx context.Context, summary string, k int) []booking.AttemptTrace
}

type Config struct {
	// ATTEMPT below this confidence is downgraded to WAIT.
	MinConfidence float64
	// Similar traces handed to the reasoner.
	HistorySize int
	// Calls per second to the reasoner; zero disables pacing.
	Rate  float64
	Burst int
}

type Adapter struct {
	reasoner Reasoner
	memory   Memory
	cfg      Config
	limiter  *rate.Limiter
	log      *zap.Logger
}

func NewAdapter(r Reasoner, m Memory, cfg Config, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.HistorySize < 0 {
		cfg.HistorySize = 0
	}
	a := &Adapter{reasoner: r, memory: m, cfg: cfg, log: log.Named("decision")}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return a
}

// Decide consults memory and the reasoner. Reasoner failures come back as
// transient errors unless the reasoner reported them as structural;
// cancellation comes back as the context error.
func (a *Adapter) Decide(ctx context.Context, state booking.PageState) (booking.Recommendation, error) {
	var history []booking.AttemptTrace
	if a.memory != nil && a.cfg.HistorySize > 0 {
		history = a.memory.Query(ctx, state.Summary(), a.cfg.HistorySize)
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return booking.Recommendation{}, ctx.Err()
			}
			return booking.Recommendation{}, booking.Transient("decide", err)
		}
	}

	rec, err := a.reasoner.Recommend(ctx, state, history)
	if err != nil {
		if ctx.Err() != nil {
			return booking.Recommendation{}, ctx.Err()
		}
		var pe *ParseError
		if errors.As(err, &pe) {
			a.log.Warn("unusable recommendation; waiting", zap.String("listing", state.Ref.ID), zap.Error(err))
			return booking.Recommendation{Action: booking.ActionWait, Reason: "unparseable recommendation"}, nil
		}
		if booking.Classify(err) == booking.ClassStructural {
			a.log.Error("reasoner unusable", zap.String("listing", state.Ref.ID), zap.Error(err))
			return booking.Recommendation{}, err
		}
		return booking.Recommendation{}, booking.Transient("decide", err)
	}
	return a.normalize(rec), nil
}

func (a *Adapter) normalize(rec booking.Recommendation) booking.Recommendation {
	action, ok := booking.ParseAction(string(rec.Action))
	if !ok {
		return booking.Recommendation{Action: booking.ActionWait, Reason: fmt.Sprintf("unknown action %q", rec.Action)}
	}
	rec.Action = action
	if rec.Confidence < 0 {
		rec.Confidence = 0
	}
	if rec.Confidence > 1 {
		rec.Confidence = 1
	}
	if rec.Action == booking.ActionAttempt && rec.Confidence < a.cfg.MinConfidence {
		rec.Reason = fmt.Sprintf("confidence %.2f below %.2f: %s", rec.Confidence, a.cfg.MinConfidence, rec.Reason)
		rec.Action = booking.ActionWait
	}
	return rec
}

// ParseError means the reasoner answered but not with a usable recommendation.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string { return "parse recommendation: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// ParseRecommendation reads the first JSON object found in text, so prose or
// code fences around the object are tolerated.
func ParseRecommendation(text string) (booking.Recommendation, error) {
	start := strings.Index(text, "{")
	if start < 0 {
		return booking.Recommendation{}, &ParseError{Raw: text, Err: errors.New("no JSON object")}
	}
	var raw struct {
		Action     string  `json:"action"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&raw); err != nil {
		return booking.Recommendation{}, &ParseError{Raw: text, Err: err}
	}
	action, ok := booking.ParseAction(raw.Action)
	if !ok {
		return booking.Recommendation{}, &ParseError{Raw: text, Err: fmt.Errorf("unknown action %q", raw.Action)}
	}
	return booking.Recommendation{Action: action, Confidence: raw.Confidence, Reason: raw.Reason}, nil
}
