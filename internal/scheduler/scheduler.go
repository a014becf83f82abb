package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/stayrace/internal/domain/booking"
	"github.com/example/stayrace/internal/orchestrator"
	"github.com/example/stayrace/internal/requests"
)

type Queue interface {
	ClaimDue(ctx context.Context, horizon time.Time, limit int) ([]booking.Request, error)
	SetStatus(ctx context.Context, id, status, msg string) error
}

type Submitter interface {
	Submit(ctx context.Context, req booking.Request) (orchestrator.RequestHandle, error)
}

// Scheduler polls for scheduled requests and hands them to the orchestrator
// Lead before their NotBefore, so sessions are warm when inventory opens.
type Scheduler struct {
	Queue     Queue
	Submitter Submitter
	Interval  time.Duration
	Lead      time.Duration
	Batch     int
	Logger    *zap.Logger

	now func() time.Time
}

func (s *Scheduler) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		s.Interval = 5 * time.Second
	}
	t := time.NewTicker(s.Interval)
	defer t.Stop()

	// kick immediately
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick submits every request that is due and returns how many were accepted.
func (s *Scheduler) Tick(ctx context.Context) int {
	log := s.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	batch := s.Batch
	if batch <= 0 {
		batch = 25
	}

	due, err := s.Queue.ClaimDue(ctx, now().Add(s.Lead), batch)
	if err != nil {
		log.Error("scheduler: claim due requests", zap.Error(err))
		return 0
	}

	accepted := 0
	for _, req := range due {
		h, err := s.Submitter.Submit(ctx, req)
		if err != nil {
			log.Warn("scheduler: submit failed", zap.String("request", req.ID), zap.Error(err))
			if serr := s.Queue.SetStatus(ctx, req.ID, requests.StatusFailed, err.Error()); serr != nil {
				log.Error("scheduler: mark failed", zap.String("request", req.ID), zap.Error(serr))
			}
			continue
		}
		accepted++
		log.Info("scheduler: submitted", zap.String("request", req.ID), zap.String("handle", string(h)), zap.Time("not_before", req.NotBefore))
	}
	return accepted
}
