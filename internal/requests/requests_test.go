package requests

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/stayrace/internal/crypto"
	"github.com/example/stayrace/internal/db"
	"github.com/example/stayrace/internal/domain/booking"
	"github.com/example/stayrace/internal/orchestrator"
)

// fakeDB understands just the statements Repo issues against one row per id.
type fakeDB struct {
	mu   sync.Mutex
	rows map[string][]any
}

func newFakeDB() *fakeDB { return &fakeDB{rows: map[string][]any{}} }

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.Contains(sql, "INSERT INTO booking_requests"):
		id := args[0].(string)
		if row, ok := f.rows[id]; ok {
			if !strings.Contains(sql, "ON CONFLICT") {
				return 0, errors.New("duplicate key")
			}
			if row[2] != StatusScheduled && row[2] != StatusSubmitting {
				return 0, nil
			}
			row[2] = StatusRunning
			row[12] = args[12]
			return 1, nil
		}
		f.rows[id] = []any{
			id, args[1], args[2], args[3], args[4], args[5], args[6], args[7], args[8],
			[]byte(args[9].(string)), []byte(args[10].(string)), args[11], args[12], args[13],
			"", "", "", time.Now(), (*time.Time)(nil),
		}
		return 1, nil
	case strings.Contains(sql, "SET status=$2, listing_id=$3"):
		row, ok := f.rows[args[0].(string)]
		if !ok {
			return 0, nil
		}
		resolved := args[5].(time.Time)
		row[2], row[14], row[15], row[16], row[18] = args[1], args[2], args[3], args[4], &resolved
		return 1, nil
	case strings.Contains(sql, "SET status=$2, error=$3"):
		if row, ok := f.rows[args[0].(string)]; ok {
			row[2], row[16] = args[1], args[2]
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unexpected exec: %s", sql)
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) db.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{vals: append([]any(nil), row...)}
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	return nil, errors.New("not supported")
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scan: %d dest for %d columns", len(dest), len(r.vals))
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.vals[i]))
	}
	return nil
}

func newRepo(t *testing.T) (*Repo, *fakeDB) {
	t.Helper()
	s, err := crypto.New(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	f := newFakeDB()
	return NewRepo(f, s), f
}

func sampleRequest() booking.Request {
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	return booking.Request{
		ID:            "req-1",
		CorrelationID: "corr-1",
		City:          "Казань",
		CheckIn:       day,
		CheckOut:      day.AddDate(0, 0, 3),
		Guests:        2,
		MaxPrice:      5000,
		Criteria:      booking.Criteria{District: "Вахитовский", Amenities: []string{"wifi"}},
		Guest:         booking.GuestDetails{FirstName: "Ivan", LastName: "Petrov", Phone: "+79000000000", Email: "ivan@example.test"},
		Deadline:      day.Add(-24 * time.Hour),
	}
}

func TestAcceptedRoundTrip(t *testing.T) {
	repo, f := newRepo(t)
	ctx := context.Background()
	req := sampleRequest()

	require.NoError(t, repo.Accepted(ctx, req))

	sealed := f.rows[req.ID][11].(string)
	assert.NotContains(t, sealed, "ivan@example.test")

	rec, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Equal(t, req.Guest, rec.Request.Guest)
	assert.Equal(t, req.Criteria, rec.Request.Criteria)
	assert.Nil(t, rec.Request.Candidates)
	assert.True(t, rec.Request.NotBefore.IsZero())
	assert.Equal(t, req.City, rec.Request.City)
}

func TestScheduleThenAccept(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	req := sampleRequest()

	assert.Error(t, repo.Schedule(ctx, req), "not_before required")

	req.NotBefore = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	req.Candidates = []booking.ListingRef{{ID: "h1", URL: "https://example.test/h1"}}
	require.NoError(t, repo.Schedule(ctx, req))

	rec, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, rec.Status)
	assert.True(t, req.NotBefore.Equal(rec.Request.NotBefore))
	assert.Equal(t, req.Candidates, rec.Request.Candidates)

	require.NoError(t, repo.Accepted(ctx, req))
	rec, err = repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
}

func TestResolved(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	req := sampleRequest()
	require.NoError(t, repo.Accepted(ctx, req))

	at := time.Now()
	require.NoError(t, repo.Resolved(ctx, orchestrator.Status{
		RequestID:    req.ID,
		State:        orchestrator.StateConfirmed,
		ListingID:    "h1",
		Confirmation: "AB-1",
		ResolvedAt:   &at,
	}))
	rec, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, rec.Status)
	assert.Equal(t, "h1", rec.ListingID)
	assert.Equal(t, "AB-1", rec.Confirmation)
	require.NotNil(t, rec.ResolvedAt)

	err = repo.Resolved(ctx, orchestrator.Status{RequestID: "nope", State: orchestrator.StateFailed})
	assert.ErrorIs(t, err, db.ErrNotFound)

	// a resolved request is never started again under the same id
	err = repo.Accepted(ctx, req)
	assert.ErrorIs(t, err, orchestrator.ErrDuplicateRequest)
	rec, err = repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, rec.Status)
}

func TestGetMissing(t *testing.T) {
	repo, _ := newRepo(t)
	_, err := repo.Get(context.Background(), "missing")
	assert.True(t, db.IsNotFound(err))
}

func TestTamperedGuest(t *testing.T) {
	repo, f := newRepo(t)
	ctx := context.Background()
	req := sampleRequest()
	require.NoError(t, repo.Accepted(ctx, req))

	// sealed for another id: the aad check must fail
	other := sampleRequest()
	other.ID = "req-2"
	require.NoError(t, repo.Accepted(ctx, other))
	f.rows[req.ID][11] = f.rows[other.ID][11]

	_, err := repo.Get(ctx, req.ID)
	assert.ErrorContains(t, err, "guest")
}
