// Package requests persists booking requests: the orchestrator's journal and
// the queue of requests scheduled to start later.
package requests

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/stayrace/internal/crypto"
	"github.com/example/stayrace/internal/db"
	"github.com/example/stayrace/internal/domain/booking"
	"github.com/example/stayrace/internal/orchestrator"
)

const (
	StatusScheduled  = "scheduled"
	StatusSubmitting = "submitting"
	StatusRunning    = "running"
	StatusConfirmed  = "confirmed"
	StatusFailed     = "failed"
)

type Record struct {
	Request      booking.Request
	Status       string
	ListingID    string
	Confirmation string
	Error        string
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

type Repo struct {
	db     db.Querier
	sealer *crypto.Sealer
}

func NewRepo(d db.Querier, sealer *crypto.Sealer) *Repo { return &Repo{db: d, sealer: sealer} }

const columns = `id,correlation_id,status,city,check_in,check_out,guests,min_price,max_price,criteria,candidates,guest_sealed,deadline,not_before,listing_id,confirmation,error,created_at,resolved_at`

func (r *Repo) insert(ctx context.Context, req booking.Request, status, onConflict string) (int64, error) {
	criteria, err := json.Marshal(req.Criteria)
	if err != nil {
		return 0, err
	}
	candidates := req.Candidates
	if candidates == nil {
		candidates = []booking.ListingRef{}
	}
	cands, err := json.Marshal(candidates)
	if err != nil {
		return 0, err
	}
	guest, err := r.sealer.SealJSON(req.Guest, []byte(req.ID))
	if err != nil {
		return 0, fmt.Errorf("seal guest: %w", err)
	}
	var notBefore *time.Time
	if !req.NotBefore.IsZero() {
		notBefore = &req.NotBefore
	}
	return r.db.Exec(ctx, `
INSERT INTO booking_requests(id,correlation_id,status,city,check_in,check_out,guests,min_price,max_price,criteria,candidates,guest_sealed,deadline,not_before)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`+onConflict,
		req.ID, req.CorrelationID, status, req.City, req.CheckIn, req.CheckOut, req.Guests, req.MinPrice, req.MaxPrice,
		string(criteria), string(cands), guest, req.Deadline, notBefore,
	)
}

// Schedule stores a request to be submitted by the scheduler once due.
func (r *Repo) Schedule(ctx context.Context, req booking.Request) error {
	if req.NotBefore.IsZero() {
		return fmt.Errorf("schedule: not_before required")
	}
	_, err := r.insert(ctx, req, StatusScheduled, "")
	return err
}

// Accepted records a request the orchestrator took on. A row left by
// Schedule is moved to running; any other existing row is a duplicate.
func (r *Repo) Accepted(ctx context.Context, req booking.Request) error {
	n, err := r.insert(ctx, req, StatusRunning, `
ON CONFLICT (id) DO UPDATE SET status='running', deadline=EXCLUDED.deadline, updated_at=now()
WHERE booking_requests.status IN ('scheduled','submitting')`)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", orchestrator.ErrDuplicateRequest, req.ID)
	}
	return nil
}

func (r *Repo) Resolved(ctx context.Context, st orchestrator.Status) error {
	status := StatusFailed
	if st.State == orchestrator.StateConfirmed {
		status = StatusConfirmed
	}
	resolved := time.Now()
	if st.ResolvedAt != nil {
		resolved = *st.ResolvedAt
	}
	n, err := r.db.Exec(ctx, `
UPDATE booking_requests
SET status=$2, listing_id=$3, confirmation=$4, error=$5, resolved_at=$6, updated_at=now()
WHERE id=$1`, st.RequestID, status, st.ListingID, st.Confirmation, st.Error, resolved)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, id string) (Record, error) {
	rec, err := r.scan(r.db.QueryRow(ctx, `SELECT `+columns+` FROM booking_requests WHERE id=$1`, id))
	if err != nil {
		return Record{}, db.WrapNotFound(err)
	}
	return rec, nil
}

// List returns the newest requests first; status filters when non-empty.
func (r *Repo) List(ctx context.Context, status string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
SELECT `+columns+`
FROM booking_requests
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC
LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClaimDue moves scheduled requests starting before horizon to submitting
// and returns them. Concurrent schedulers never claim the same row.
func (r *Repo) ClaimDue(ctx context.Context, horizon time.Time, limit int) ([]booking.Request, error) {
	rows, err := r.db.Query(ctx, `
UPDATE booking_requests SET status='submitting', updated_at=now()
WHERE id IN (
  SELECT id FROM booking_requests
  WHERE status='scheduled' AND not_before <= $1
  ORDER BY not_before
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
RETURNING `+columns, horizon, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []booking.Request
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec.Request)
	}
	return out, rows.Err()
}

// SetStatus is used when a claimed request could not be submitted.
func (r *Repo) SetStatus(ctx context.Context, id, status, msg string) error {
	_, err := r.db.Exec(ctx, `UPDATE booking_requests SET status=$2, error=$3, updated_at=now() WHERE id=$1`, id, status, msg)
	return err
}

func (r *Repo) scan(row db.Row) (Record, error) {
	var (
		rec        Record
		req        booking.Request
		criteria   []byte
		candidates []byte
		sealed     string
		notBefore  *time.Time
	)
	if err := row.Scan(
		&req.ID, &req.CorrelationID, &rec.Status, &req.City, &req.CheckIn, &req.CheckOut, &req.Guests, &req.MinPrice, &req.MaxPrice,
		&criteria, &candidates, &sealed, &req.Deadline, &notBefore, &rec.ListingID, &rec.Confirmation, &rec.Error, &rec.CreatedAt, &rec.ResolvedAt,
	); err != nil {
		return Record{}, err
	}
	if len(criteria) > 0 {
		if err := json.Unmarshal(criteria, &req.Criteria); err != nil {
			return Record{}, fmt.Errorf("request %s criteria: %w", req.ID, err)
		}
	}
	if len(candidates) > 0 {
		if err := json.Unmarshal(candidates, &req.Candidates); err != nil {
			return Record{}, fmt.Errorf("request %s candidates: %w", req.ID, err)
		}
		if len(req.Candidates) == 0 {
			req.Candidates = nil
		}
	}
	if notBefore != nil {
		req.NotBefore = *notBefore
	}
	if err := r.sealer.OpenJSON(sealed, []byte(req.ID), &req.Guest); err != nil {
		return Record{}, fmt.Errorf("request %s guest: %w", req.ID, err)
	}
	rec.Request = req
	return rec, nil
}
