package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/stayrace/internal/auth"
	"github.com/example/stayrace/internal/db"
	"github.com/example/stayrace/internal/domain/booking"
	"github.com/example/stayrace/internal/orchestrator"
	"github.com/example/stayrace/internal/requests"
	"github.com/example/stayrace/internal/task"
)

type fakeEngine struct {
	mu        sync.Mutex
	runs      map[string]orchestrator.Status
	got       []booking.Request
	cancelled []string
}

func (e *fakeEngine) Submit(ctx context.Context, req booking.Request) (orchestrator.RequestHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := req.Validate(time.Now()); err != nil {
		return "", fmt.Errorf("%w: %w", orchestrator.ErrInvalidRequest, err)
	}
	if req.ID == "" {
		req.ID = fmt.Sprintf("gen-%d", len(e.got)+1)
	}
	if _, dup := e.runs[req.ID]; dup {
		return "", orchestrator.ErrDuplicateRequest
	}
	e.got = append(e.got, req)
	e.runs[req.ID] = orchestrator.Status{
		Handle:    orchestrator.RequestHandle(req.ID),
		RequestID: req.ID,
		State:     orchestrator.StatePending,
		Tasks:     map[string]task.State{},
	}
	return orchestrator.RequestHandle(req.ID), nil
}

func (e *fakeEngine) Status(h orchestrator.RequestHandle) (orchestrator.Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.runs[string(h)]
	if !ok {
		return orchestrator.Status{}, orchestrator.ErrUnknownRequest
	}
	return st, nil
}

func (e *fakeEngine) Cancel(h orchestrator.RequestHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.runs[string(h)]; !ok {
		return orchestrator.ErrUnknownRequest
	}
	e.cancelled = append(e.cancelled, string(h))
	return nil
}

func (e *fakeEngine) List() []orchestrator.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []orchestrator.Status
	for _, st := range e.runs {
		out = append(out, st)
	}
	return out
}

type fakeArchive map[string]requests.Record

func (a fakeArchive) Get(ctx context.Context, id string) (requests.Record, error) {
	rec, ok := a[id]
	if !ok {
		return requests.Record{}, db.ErrNotFound
	}
	return rec, nil
}

type fixture struct {
	engine  *fakeEngine
	handles *auth.HandleCodec
	srv     *httptest.Server
	token   string
}

func newFixture(t *testing.T, archive Archive) *fixture {
	t.Helper()
	hash, err := auth.HashToken("tok")
	require.NoError(t, err)
	f := &fixture{
		engine:  &fakeEngine{runs: map[string]orchestrator.Status{}},
		handles: auth.NewHandleCodec(securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32), time.Hour),
		token:   "tok",
	}
	s := &Server{
		Engine:  f.engine,
		Archive: archive,
		Handles: f.handles,
		Guard:   auth.NewGuard(hash),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("# metrics\n")) }),
		Logger:  zaptest.NewLogger(t),
	}
	f.srv = httptest.NewServer(s.Routes())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func validBody(id string) string {
	in := time.Now().AddDate(0, 0, 7).Format(time.DateOnly)
	out := time.Now().AddDate(0, 0, 9).Format(time.DateOnly)
	return fmt.Sprintf(`{
  "request_id": %q,
  "city": "Sochi",
  "check_in": %q,
  "check_out": %q,
  "guests": 2,
  "max_price": 6000,
  "guest": {"first_name": "Anna", "last_name": "Ivanova", "phone": "+79990000000", "email": "anna@example.test"},
  "timeout_seconds": 600
}`, id, in, out)
}

func TestSubmitStatusCancel(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/requests", validBody("r1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	handle, _ := body["handle"].(string)
	require.NotEmpty(t, handle)
	assert.NotEqual(t, "r1", handle)
	assert.Equal(t, "r1", body["request_id"])
	assert.Equal(t, "PENDING", body["state"])
	assert.Equal(t, "/api/requests/"+handle, resp.Header.Get("Location"))

	require.Len(t, f.engine.got, 1)
	got := f.engine.got[0]
	assert.Equal(t, "Sochi", got.City)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), got.Deadline, 5*time.Second)

	resp, body = f.do(t, http.MethodGet, "/api/requests/"+handle, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "r1", body["request_id"])
	assert.Equal(t, handle, body["handle"])

	resp, _ = f.do(t, http.MethodDelete, "/api/requests/"+handle, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"r1"}, f.engine.cancelled)
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/api/requests", validBody("dup"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/requests", validBody("dup"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/requests", `{"city":"x","check_in":"2020-01-01","check_out":"2020-01-02","guests":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid request")

	resp, _ = f.do(t, http.MethodPost, "/api/requests", `{"city":"x","check_in":"tomorrow"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/requests", `{"unknown_field":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandles(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodGet, "/api/requests/forged", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	h, err := f.handles.Encode("never-submitted")
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodGet, "/api/requests/"+h, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/requests/"+h, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestArchiveFallback(t *testing.T) {
	resolved := time.Now()
	f := newFixture(t, fakeArchive{"old": {
		Request:      booking.Request{ID: "old"},
		Status:       requests.StatusConfirmed,
		ListingID:    "h9",
		Confirmation: "C-9",
		ResolvedAt:   &resolved,
	}})

	h, err := f.handles.Encode("old")
	require.NoError(t, err)
	resp, body := f.do(t, http.MethodGet, "/api/requests/"+h, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CONFIRMED", body["state"])
	assert.Equal(t, "C-9", body["confirmation"])

	h, err = f.handles.Encode("gone")
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodGet, "/api/requests/"+h, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthAndOpenRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.token = "wrong"

	resp, _ := f.do(t, http.MethodPost, "/api/requests", validBody("r1"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, f.engine.got)

	resp, _ = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestList(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"a", "b"} {
		resp, _ := f.do(t, http.MethodPost, "/api/requests", validBody(id))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/requests", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var items []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	require.Len(t, items, 2)
	for _, it := range items {
		id, err := f.handles.Decode(it["handle"].(string))
		require.NoError(t, err)
		assert.Equal(t, it["request_id"], id)
	}
}

func TestHealthFailure(t *testing.T) {
	s := &Server{Engine: &fakeEngine{}, Guard: auth.NewGuard(""), Health: func(context.Context) error { return errors.New("db down") }}
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestToRequestRelease(t *testing.T) {
	p := SubmitRequest{
		CheckIn:        "2026-09-10",
		CheckOut:       "2026-09-12",
		Release:        &Release{DaysBefore: 30, OpensAt: "10:00", LeadMinutes: 5},
		TimeoutSeconds: 3600,
	}
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	req, err := p.ToRequest(now)
	require.NoError(t, err)
	want := time.Date(2026, 8, 11, 9, 55, 0, 0, time.UTC)
	assert.Equal(t, want, req.NotBefore)
	assert.Equal(t, want.Add(time.Hour), req.Deadline)

	p.Release.Timezone = "Nowhere/Atlantis"
	_, err = p.ToRequest(now)
	assert.Error(t, err)
}
