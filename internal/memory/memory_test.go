package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/stayrace/internal/domain/booking"
)

type flakyEmbedder struct {
	fail  atomic.Bool
	calls atomic.Int32
	next  Embedder
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("embedding backend down")
	}
	return f.next.Embed(ctx, text)
}

type sliceStore struct {
	mu     sync.Mutex
	traces []booking.AttemptTrace
	err    error
}

func (s *sliceStore) Append(_ context.Context, t booking.AttemptTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.traces = append(s.traces, t)
	return nil
}

func (s *sliceStore) All(context.Context) ([]booking.AttemptTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]booking.AttemptTrace(nil), s.traces...), nil
}

func newMemory(t *testing.T, e Embedder, store TraceStore) *Memory {
	t.Helper()
	m, err := New(Config{Embedder: e, Store: store, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return m
}

func trace(listing, summary string, o booking.Outcome) booking.AttemptTrace {
	return booking.AttemptTrace{RequestID: "r1", ListingID: listing, Summary: summary, Outcome: o}
}

func TestQueryReturnsMinOfStoredAndK(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, NewHashEmbedder(128), nil)

	assert.Empty(t, m.Query(ctx, "anything", 3))

	require.NoError(t, m.Record(ctx, trace("a", "listing a Sea view available scarce price 4200", booking.OutcomeLostRace)))
	require.NoError(t, m.Record(ctx, trace("b", "listing b Mountain cabin unavailable", booking.OutcomeAbandoned)))
	require.NoError(t, m.Record(ctx, trace("c", "listing c City loft available price 9000", booking.OutcomeConfirmed)))

	assert.Len(t, m.Query(ctx, "listing a available", 5), 3)
	assert.Len(t, m.Query(ctx, "listing a available", 2), 2)
	assert.Empty(t, m.Query(ctx, "listing a available", 0))
	assert.Empty(t, m.Query(ctx, "", 2))

	got := m.Query(ctx, "listing b Mountain cabin unavailable", 3)
	require.NotEmpty(t, got)
	assert.Equal(t, "b", got[0].ListingID)
}

func TestLogIsAppendOnlyAndCopied(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, NewHashEmbedder(64), nil)

	tr := trace("a", "listing a available", booking.OutcomeConfirmed)
	tr.ID = "t1"
	require.NoError(t, m.Record(ctx, tr))
	require.NoError(t, m.Record(ctx, tr)) // same ID is ignored
	assert.Equal(t, 1, m.Count())

	all := m.All()
	all[0].Outcome = booking.OutcomeAbandoned
	assert.Equal(t, booking.OutcomeConfirmed, m.All()[0].Outcome)

	q := m.Query(ctx, "listing a available", 1)
	require.Len(t, q, 1)
	q[0].Detail = "mutated"
	assert.Empty(t, m.Query(ctx, "listing a available", 1)[0].Detail)

	assert.Len(t, m.ByRequest("r1"), 1)
	assert.Empty(t, m.ByRequest("other"))
}

func TestEmbeddingFailureIsBestEffort(t *testing.T) {
	ctx := context.Background()
	e := &flakyEmbedder{next: NewHashEmbedder(64)}
	e.fail.Store(true)
	m := newMemory(t, e, nil)

	require.NoError(t, m.Record(ctx, trace("a", "listing a available", booking.OutcomeLostRace)))
	assert.Equal(t, 1, m.Count())
	assert.Empty(t, m.Query(ctx, "listing a available", 3))

	e.fail.Store(false)
	got := m.Query(ctx, "listing a available", 3)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ListingID)
}

func TestPersistenceErrorStillKeepsTrace(t *testing.T) {
	ctx := context.Background()
	store := &sliceStore{err: errors.New("db down")}
	m := newMemory(t, NewHashEmbedder(64), store)

	err := m.Record(ctx, trace("a", "listing a", booking.OutcomeAbandoned))
	assert.Error(t, err)
	assert.Equal(t, 1, m.Count())
}

func TestLoadRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	store := &sliceStore{}
	first := newMemory(t, NewHashEmbedder(64), store)
	for i := 0; i < 4; i++ {
		require.NoError(t, first.Record(ctx, trace(fmt.Sprint(i), fmt.Sprintf("listing %d available", i), booking.OutcomeLostRace)))
	}

	second := newMemory(t, NewHashEmbedder(64), store)
	n, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Len(t, second.Query(ctx, "listing 2 available", 10), 4)

	n, err = second.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 4, second.Count())
}

func TestConcurrentRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, NewHashEmbedder(64), nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = m.Record(ctx, trace(fmt.Sprintf("l%d", w), fmt.Sprintf("listing l%d attempt %d", w, i), booking.OutcomeTransientFailure))
				res := m.Query(ctx, "listing attempt", 5)
				assert.LessOrEqual(t, len(res), 5)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 200, m.Count())
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(64)

	a, err := e.Embed(ctx, "Sea view available")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "sea VIEW available")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var norm float64
	for _, x := range a {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)

	empty, err := e.Embed(ctx, "")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, empty[0], 1e-6)
}

func TestCachedEmbedder(t *testing.T) {
	ctx := context.Background()
	inner := &flakyEmbedder{next: NewHashEmbedder(32)}
	c, err := NewCachedEmbedder(inner, 8)
	require.NoError(t, err)

	_, err = c.Embed(ctx, "x")
	require.NoError(t, err)
	_, err = c.Embed(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())

	inner.fail.Store(true)
	_, err = c.Embed(ctx, "y")
	assert.Error(t, err)
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "text-embedding-3-small", body.Model)
		assert.Equal(t, []string{"hello"}, body.Input)
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.6,0.8],"index":0}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, v)

	_, err = NewOpenAIEmbedder(OpenAIConfig{})
	assert.Error(t, err)
}

func TestOpenAIEmbedderSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "hello")
	assert.ErrorContains(t, err, "429")
}
