package session_test

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/stayrace/internal/domain/booking"
	"github.com/example/stayrace/internal/retry"
	"github.com/example/stayrace/internal/session"
	"github.com/example/stayrace/internal/testutil"
)

func fastRetry(maxTransient int) *retry.Controller {
	return retry.New(retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxTransient: maxTransient})
}

func newPool(t *testing.T, f session.Factory, size int) *session.Pool {
	t.Helper()
	p, err := session.New(context.Background(), f, session.Options{
		Size:           size,
		AcquireTimeout: time.Second,
		Retry:          fastRetry(3),
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAcquireRelease(t *testing.T) {
	f := &testutil.FakeFactory{}
	p := newPool(t, f, 2)

	st := p.Stats()
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 2, st.Free)
	assert.Equal(t, 2, st.Capacity)

	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.NotNil(t, h.Conn())
	assert.Equal(t, 1, p.Stats().Leased)

	require.NoError(t, p.Release(h, true))
	st = p.Stats()
	assert.Equal(t, 0, st.Leased)
	assert.Equal(t, 2, st.Free)
	assert.Equal(t, uint64(1), st.Acquired)
	assert.Equal(t, uint64(1), st.Released)
}

func TestAcquireTimesOutAsResourceExhausted(t *testing.T) {
	p := newPool(t, &testutil.FakeFactory{}, 1)

	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer func() { _ = p.Release(h, true) }()

	start := time.Now()
	_, err = p.Acquire(context.Background(), 30*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, booking.ErrResourceExhausted)
	assert.Equal(t, booking.ClassExhausted, booking.Classify(err))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, uint64(1), p.Stats().Waits)
}

func TestAcquireHonoursContext(t *testing.T) {
	p := newPool(t, &testutil.FakeFactory{}, 1)
	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer func() { _ = p.Release(h, true) }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaiterGetsReleasedSession(t *testing.T) {
	p := newPool(t, &testutil.FakeFactory{}, 1)
	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	got := make(chan *session.Handle, 1)
	go func() {
		h2, err := p.Acquire(context.Background(), time.Second)
		if err == nil {
			got <- h2
		}
		close(got)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Release(h, true))

	h2, ok := <-got
	require.True(t, ok)
	assert.Same(t, h.Conn(), h2.Conn())
	require.NoError(t, p.Release(h2, true))
}

func TestDoubleAndStaleRelease(t *testing.T) {
	p := newPool(t, &testutil.FakeFactory{}, 1)

	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, p.Release(h, true))
	assert.ErrorIs(t, p.Release(h, true), session.ErrNotLeased)

	// same slot leased again: the old handle must not end the new lease
	h2, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Release(h, false), session.ErrNotLeased)
	assert.Equal(t, 1, p.Stats().Leased)
	require.NoError(t, p.Release(h2, true))

	assert.ErrorIs(t, p.Release(nil, true), session.ErrNotLeased)
}

func TestPoisonedSessionIsReplaced(t *testing.T) {
	f := &testutil.FakeFactory{}
	p := newPool(t, f, 1)

	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	old := h.Conn().(*testutil.FakeConn)

	require.NoError(t, p.Release(h, false))
	assert.True(t, old.Closed())

	require.Eventually(t, func() bool { return p.Stats().Free == 1 }, time.Second, 5*time.Millisecond)

	h2, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	assert.NotSame(t, old, h2.Conn())
	assert.False(t, h2.Conn().(*testutil.FakeConn).Closed())
	require.NoError(t, p.Release(h2, true))
	assert.Equal(t, uint64(1), p.Stats().Recycled)
}

func TestPersistentRecreateFailureDegradesCapacity(t *testing.T) {
	f := &testutil.FakeFactory{}
	p := newPool(t, f, 2)

	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	f.SetFailAlways(true)
	require.NoError(t, p.Release(h, false))

	require.Eventually(t, func() bool { return p.Stats().Dead == 1 }, time.Second, 5*time.Millisecond)
	st := p.Stats()
	assert.Equal(t, 1, st.Capacity)
	assert.Equal(t, 1, st.Free)

	// the surviving session keeps serving
	h2, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, p.Release(h2, true))
}

func TestNewRecreatesSlotsThatFailToOpen(t *testing.T) {
	f := &testutil.FakeFactory{}
	f.Fail(1)
	p := newPool(t, f, 2)

	require.Eventually(t, func() bool { return p.Stats().Free == 2 }, time.Second, 5*time.Millisecond)
}

func TestNewFailsWhenNothingOpens(t *testing.T) {
	f := &testutil.FakeFactory{FailAlways: true}
	_, err := session.New(context.Background(), f, session.Options{Size: 2})
	assert.Error(t, err)

	_, err = session.New(context.Background(), &testutil.FakeFactory{}, session.Options{Size: 0})
	assert.Error(t, err)
}

func TestCloseWakesWaiters(t *testing.T) {
	f := &testutil.FakeFactory{}
	p, err := session.New(context.Background(), f, session.Options{Size: 1})
	require.NoError(t, err)

	h, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), time.Minute)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, session.ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}

	assert.NoError(t, p.Release(h, true))
	_, err = p.Acquire(context.Background(), 0)
	assert.ErrorIs(t, err, session.ErrPoolClosed)
	for _, c := range f.Conns {
		assert.True(t, c.Closed())
	}
}

func TestConcurrentLeasesNeverOverlap(t *testing.T) {
	f := &testutil.FakeFactory{}
	p, err := session.New(context.Background(), f, session.Options{
		Size:           4,
		AcquireTimeout: 5 * time.Second,
		Retry:          fastRetry(10),
	})
	require.NoError(t, err)
	defer p.Close()

	var (
		mu   sync.Mutex
		held = map[session.Conn]bool{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				h, err := p.Acquire(context.Background(), 0)
				if !assert.NoError(t, err) {
					return
				}
				c := h.Conn()
				mu.Lock()
				assert.False(t, held[c], "session leased twice")
				held[c] = true
				mu.Unlock()
				assert.False(t, c.(*testutil.FakeConn).Closed(), "poisoned session re-leased")

				if rand.IntN(4) == 0 {
					time.Sleep(time.Duration(rand.IntN(200)) * time.Microsecond)
				}

				mu.Lock()
				delete(held, c)
				mu.Unlock()
				assert.NoError(t, p.Release(h, rand.IntN(10) != 0))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Leased == 0 && st.Poisoned == 0 && st.Free == st.Capacity
	}, 2*time.Second, 5*time.Millisecond)
	st := p.Stats()
	assert.Equal(t, st.Acquired, st.Released)
	assert.Equal(t, uint64(16*40), st.Acquired)
	assert.Equal(t, 4, st.Capacity)
}
