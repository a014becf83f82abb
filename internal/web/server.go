package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/stayrace/internal/auth"
	"github.com/example/stayrace/internal/db"
	"github.com/example/stayrace/internal/domain/booking"
	"github.com/example/stayrace/internal/orchestrator"
	"github.com/example/stayrace/internal/requests"
	"github.com/example/stayrace/internal/task"
)

type Engine interface {
	Submit(ctx context.Context, req booking.Request) (orchestrator.RequestHandle, error)
	Status(h orchestrator.RequestHandle) (orchestrator.Status, error)
	Cancel(h orchestrator.RequestHandle) error
	List() []orchestrator.Status
}

// Archive answers status queries for requests this process no longer holds.
type Archive interface {
	Get(ctx context.Context, id string) (requests.Record, error)
}

type Server struct {
	Engine  Engine
	Archive Archive // optional
	Handles *auth.HandleCodec
	Guard   *auth.Guard
	Metrics http.Handler                // optional, served on /metrics
	Health  func(context.Context) error // optional extra readiness check
	Logger  *zap.Logger
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}

	mux.Handle("POST /api/requests", s.Guard.Require(http.HandlerFunc(s.handleSubmit)))
	mux.Handle("GET /api/requests", s.Guard.Require(http.HandlerFunc(s.handleList)))
	mux.Handle("GET /api/requests/{handle}", s.Guard.Require(http.HandlerFunc(s.handleStatus)))
	mux.Handle("DELETE /api/requests/{handle}", s.Guard.Require(http.HandlerFunc(s.handleCancel)))
	return mux
}

func (s *Server) log() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health(r.Context()); err != nil {
			http.Error(w, "unhealthy: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// SubmitRequest is the intake payload. Dates are YYYY-MM-DD.
type SubmitRequest struct {
	RequestID     string               `json:"request_id"`
	CorrelationID string               `json:"correlation_id"`
	City          string               `json:"city"`
	CheckIn       string               `json:"check_in"`
	CheckOut      string               `json:"check_out"`
	Guests        int                  `json:"guests"`
	MinPrice      float64              `json:"min_price"`
	MaxPrice      float64              `json:"max_price"`
	Criteria      booking.Criteria     `json:"criteria"`
	Guest         booking.GuestDetails `json:"guest"`
	Candidates    []booking.ListingRef `json:"candidates"`

	// Absolute deadline, or a timeout from now or from NotBefore.
	Deadline       *time.Time `json:"deadline"`
	TimeoutSeconds int        `json:"timeout_seconds"`

	NotBefore *time.Time `json:"not_before"`
	// Alternative to NotBefore: inventory opens DaysBefore check-in at
	// OpensAt (HH:MM) in Timezone, monitoring starts LeadMinutes earlier.
	Release *Release `json:"release"`
}

type Release struct {
	DaysBefore  int    `json:"days_before"`
	OpensAt     string `json:"opens_at"`
	Timezone    string `json:"timezone"`
	LeadMinutes int    `json:"lead_minutes"`
}

// ToRequest converts the payload. Semantic validation is left to Submit.
func (p SubmitRequest) ToRequest(now time.Time) (booking.Request, error) {
	req := booking.Request{
		ID:            strings.TrimSpace(p.RequestID),
		CorrelationID: strings.TrimSpace(p.CorrelationID),
		City:          strings.TrimSpace(p.City),
		Guests:        p.Guests,
		MinPrice:      p.MinPrice,
		MaxPrice:      p.MaxPrice,
		Criteria:      p.Criteria,
		Guest:         p.Guest,
		Candidates:    booking.Dedupe(p.Candidates),
	}
	var err error
	if req.CheckIn, err = time.Parse(time.DateOnly, p.CheckIn); err != nil {
		return req, fmt.Errorf("check_in: %w", err)
	}
	if req.CheckOut, err = time.Parse(time.DateOnly, p.CheckOut); err != nil {
		return req, fmt.Errorf("check_out: %w", err)
	}

	switch {
	case p.NotBefore != nil:
		req.NotBefore = *p.NotBefore
	case p.Release != nil:
		loc := time.UTC
		if p.Release.Timezone != "" {
			if loc, err = time.LoadLocation(p.Release.Timezone); err != nil {
				return req, fmt.Errorf("release.timezone: %w", err)
			}
		}
		opens, err := booking.ReleaseTime(req.CheckIn, p.Release.DaysBefore, p.Release.OpensAt, loc)
		if err != nil {
			return req, err
		}
		req.NotBefore = opens.Add(-time.Duration(p.Release.LeadMinutes) * time.Minute).UTC()
	}

	switch {
	case p.Deadline != nil:
		req.Deadline = *p.Deadline
	case p.TimeoutSeconds > 0:
		start := now
		if req.NotBefore.After(now) {
			start = req.NotBefore
		}
		req.Deadline = start.Add(time.Duration(p.TimeoutSeconds) * time.Second)
	}
	return req, nil
}

type submitResponse struct {
	Handle    string                      `json:"handle"`
	RequestID string                      `json:"request_id"`
	State     orchestrator.AggregateState `json:"state"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	req, err := payload.ToRequest(time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h, err := s.Engine.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrDuplicateRequest):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, orchestrator.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, orchestrator.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.log().Error("submit failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "submit failed")
		}
		return
	}

	handle, err := s.Handles.Encode(string(h))
	if err != nil {
		s.log().Error("encode handle", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "encode handle")
		return
	}
	st, _ := s.Engine.Status(h)
	w.Header().Set("Location", "/api/requests/"+handle)
	writeJSON(w, http.StatusAccepted, submitResponse{Handle: handle, RequestID: string(h), State: st.State})
}

func (s *Server) requestID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := s.Handles.Decode(r.PathValue("handle"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return id, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requestID(w, r)
	if !ok {
		return
	}
	st, err := s.Engine.Status(orchestrator.RequestHandle(id))
	if err == nil {
		st.Handle = orchestrator.RequestHandle(r.PathValue("handle"))
		writeJSON(w, http.StatusOK, st)
		return
	}
	if !errors.Is(err, orchestrator.ErrUnknownRequest) || s.Archive == nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	rec, aerr := s.Archive.Get(r.Context(), id)
	if aerr != nil {
		if db.IsNotFound(aerr) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log().Error("archive lookup", zap.String("request", id), zap.Error(aerr))
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, archivedStatus(r.PathValue("handle"), rec))
}

func archivedStatus(handle string, rec requests.Record) orchestrator.Status {
	st := orchestrator.Status{
		Handle:        orchestrator.RequestHandle(handle),
		RequestID:     rec.Request.ID,
		CorrelationID: rec.Request.CorrelationID,
		ListingID:     rec.ListingID,
		Confirmation:  rec.Confirmation,
		Error:         rec.Error,
		Tasks:         map[string]task.State{},
		SubmittedAt:   rec.CreatedAt,
		ResolvedAt:    rec.ResolvedAt,
	}
	switch rec.Status {
	case requests.StatusConfirmed:
		st.State = orchestrator.StateConfirmed
	case requests.StatusScheduled, requests.StatusSubmitting:
		st.State = orchestrator.StatePending
	case requests.StatusRunning:
		// held by another process, or lost in a restart
		st.State = orchestrator.StateMonitoring
	default:
		st.State = orchestrator.StateFailed
	}
	return st
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requestID(w, r)
	if !ok {
		return
	}
	if err := s.Engine.Cancel(orchestrator.RequestHandle(id)); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type listItem struct {
	orchestrator.Status
	Handle string `json:"handle"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	all := s.Engine.List()
	out := make([]listItem, 0, len(all))
	for _, st := range all {
		h, err := s.Handles.Encode(st.RequestID)
		if err != nil {
			continue
		}
		out = append(out, listItem{Status: st, Handle: h})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
