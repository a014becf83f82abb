// Package traces stores attempt traces in Postgres. It backs the outcome
// memory and the trace listing command.
package traces

import (
	"context"

	"github.com/example/stayrace/internal/db"
	"github.com/example/stayrace/internal/domain/booking"
)

type Repo struct {
	db db.Querier
	// All loads at most this many of the newest traces; zero means 10000.
	LoadLimit int
}

func NewRepo(d db.Querier) *Repo { return &Repo{db: d} }

func (r *Repo) Append(ctx context.Context, t booking.AttemptTrace) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO attempt_traces(id,request_id,listing_id,summary,action,outcome,detail,attempt,at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO NOTHING`,
		t.ID, t.RequestID, t.ListingID, t.Summary, string(t.Action), string(t.Outcome), t.Detail, t.Attempt, t.At)
	return err
}

// All returns traces oldest first so memory replays them in order.
func (r *Repo) All(ctx context.Context) ([]booking.AttemptTrace, error) {
	limit := r.LoadLimit
	if limit <= 0 {
		limit = 10000
	}
	return r.query(ctx, `
SELECT id,request_id,listing_id,summary,action,outcome,detail,attempt,at FROM (
  SELECT * FROM attempt_traces ORDER BY at DESC LIMIT $1
) t ORDER BY at ASC`, limit)
}

func (r *Repo) ListByRequest(ctx context.Context, requestID string) ([]booking.AttemptTrace, error) {
	return r.query(ctx, `
SELECT id,request_id,listing_id,summary,action,outcome,detail,attempt,at
FROM attempt_traces WHERE request_id=$1 ORDER BY at ASC`, requestID)
}

func (r *Repo) Recent(ctx context.Context, limit int) ([]booking.AttemptTrace, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.query(ctx, `
SELECT id,request_id,listing_id,summary,action,outcome,detail,attempt,at
FROM attempt_traces ORDER BY at DESC LIMIT $1`, limit)
}

func (r *Repo) query(ctx context.Context, sql string, args ...any) ([]booking.AttemptTrace, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []booking.AttemptTrace
	for rows.Next() {
		var t booking.AttemptTrace
		var action, outcome string
		if err := rows.Scan(&t.ID, &t.RequestID, &t.ListingID, &t.Summary, &action, &outcome, &t.Detail, &t.Attempt, &t.At); err != nil {
			return nil, err
		}
		t.Action = booking.Action(action)
		t.Outcome = booking.Outcome(outcome)
		out = append(out, t)
	}
	return out, rows.Err()
}
