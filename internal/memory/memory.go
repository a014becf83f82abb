// Package memory is the append-only log of attempt outcomes with a
// similarity index over state summaries.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/example/stayrace/internal/domain/booking"
)

// TraceStore persists traces so the index can be rebuilt after a restart.
type TraceStore interface {
	Append(ctx context.Context, t booking.AttemptTrace) error
	All(ctx context.Context) ([]booking.AttemptTrace, error)
}

type Config struct {
	Embedder   Embedder
	Store      TraceStore // optional
	Collection string
	Logger     *zap.Logger
}

type Memory struct {
	store TraceStore
	coll  *chromem.Collection
	log   *zap.Logger

	mu      sync.RWMutex
	traces  []booking.AttemptTrace
	byID    map[string]int
	pending []string
}

func New(cfg Config) (*Memory, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("memory: embedder required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "attempt-traces"
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return cfg.Embedder.Embed(ctx, text)
	}
	coll, err := chromem.NewDB().GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("memory: create collection: %w", err)
	}

	return &Memory{
		store: cfg.Store,
		coll:  coll,
		log:   log.Named("memory"),
		byID:  make(map[string]int),
	}, nil
}

// Load replays persisted traces into the log and the index.
func (m *Memory) Load(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	all, err := m.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("memory: load traces: %w", err)
	}
	n := 0
	for _, t := range all {
		if m.appendLocal(t) {
			m.index(ctx, t)
			n++
		}
	}
	m.log.Info("outcome memory loaded", zap.Int("traces", n))
	return n, nil
}

// Record appends t. A persistence error is returned but the trace is still
// kept in process. An indexing failure is not an error; the trace is
// indexed again on a later query.
func (m *Memory) Record(ctx context.Context, t booking.AttemptTrace) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}

	var perr error
	if m.store != nil {
		if err := m.store.Append(ctx, t); err != nil {
			perr = fmt.Errorf("memory: persist trace %s: %w", t.ID, err)
		}
	}
	if m.appendLocal(t) {
		m.index(ctx, t)
	}
	return perr
}

func (m *Memory) appendLocal(t booking.AttemptTrace) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byID[t.ID]; dup {
		return false
	}
	m.byID[t.ID] = len(m.traces)
	m.traces = append(m.traces, t)
	return true
}

func document(t booking.AttemptTrace) chromem.Document {
	content := t.Summary
	if content == "" {
		content = "listing " + t.ListingID
	}
	return chromem.Document{
		ID:      t.ID,
		Content: content,
		Metadata: map[string]string{
			"listing": t.ListingID,
			"outcome": string(t.Outcome),
		},
	}
}

func (m *Memory) index(ctx context.Context, t booking.AttemptTrace) {
	if err := m.coll.AddDocument(ctx, document(t)); err != nil {
		m.log.Warn("index trace failed; will retry", zap.String("trace", t.ID), zap.Error(err))
		m.mu.Lock()
		m.pending = append(m.pending, t.ID)
		m.mu.Unlock()
	}
}

func (m *Memory) reindexPending(ctx context.Context) {
	m.mu.Lock()
	ids := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.RLock()
		t := m.traces[m.byID[id]]
		m.mu.RUnlock()
		m.index(ctx, t)
	}
}

// Query returns up to k traces whose summaries are most similar to summary,
// most similar first. It never fails: an empty index or an embedding error
// yields no results.
func (m *Memory) Query(ctx context.Context, summary string, k int) []booking.AttemptTrace {
	if k <= 0 || summary == "" {
		return nil
	}
	m.reindexPending(ctx)

	n := m.coll.Count()
	if n == 0 {
		return nil
	}
	if k > n {
		k = n
	}
	res, err := m.coll.Query(ctx, summary, k, nil, nil)
	if err != nil {
		m.log.Debug("similarity query failed", zap.Error(err))
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]booking.AttemptTrace, 0, len(res))
	for _, r := range res {
		if i, ok := m.byID[r.ID]; ok {
			out = append(out, m.traces[i])
		}
	}
	return out
}

func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.traces)
}

// All returns a copy of the log in append order.
func (m *Memory) All() []booking.AttemptTrace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]booking.AttemptTrace(nil), m.traces...)
}

// ByRequest returns the traces of one request in append order.
func (m *Memory) ByRequest(requestID string) []booking.AttemptTrace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []booking.AttemptTrace
	for _, t := range m.traces {
		if t.RequestID == requestID {
			out = append(out, t)
		}
	}
	return out
}
