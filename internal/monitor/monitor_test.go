package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/licensebot/internal/model"
	"github.com/mmeshcher/licensebot/internal/payment"
)

type stubChecker struct {
	fn    func(ctx context.Context) (payment.Status, error)
	calls atomic.Int32
}

func (s *stubChecker) CheckStatus(ctx context.Context, reference string) (payment.Status, error) {
	s.calls.Add(1)
	return s.fn(ctx)
}

type stubResolver struct {
	mu        sync.Mutex
	commits   int
	expires   int
	commitErr []error
	resolved  chan string
}

func newStubResolver() *stubResolver {
	return &stubResolver{resolved: make(chan string, 16)}
}

func (r *stubResolver) ResolveCommit(ctx context.Context, orderID string) error {
	r.mu.Lock()
	r.commits++
	var err error
	if len(r.commitErr) > 0 {
		err, r.commitErr = r.commitErr[0], r.commitErr[1:]
	}
	r.mu.Unlock()
	if err == nil {
		r.resolved <- "commit"
	}
	return err
}

func (r *stubResolver) ResolveExpire(ctx context.Context, orderID string) error {
	r.mu.Lock()
	r.expires++
	r.mu.Unlock()
	r.resolved <- "expire"
	return nil
}

func (r *stubResolver) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commits, r.expires
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type settledErr struct{}

func (settledErr) Error() string { return "already resolved" }
func (settledErr) Settled() bool { return true }

func testOrder(expiresIn time.Duration, now time.Time) model.Order {
	return model.Order{
		ID:         "order-1",
		ChatID:     42,
		State:      model.OrderStateActive,
		PaymentRef: "ref-1",
		CreatedAt:  now,
		ExpiresAt:  now.Add(expiresIn),
	}
}

func waitOutcome(t *testing.T, r *stubResolver) string {
	t.Helper()
	select {
	case out := <-r.resolved:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("order was not resolved")
		return ""
	}
}

func waitStopped(t *testing.T, m *Monitor, id string) {
	t.Helper()
	require.Eventually(t, func() bool { return !m.Watching(id) }, 2*time.Second, time.Millisecond)
}

func TestMonitor_PaidCommitsOnce(t *testing.T) {
	var polls atomic.Int32
	checker := &stubChecker{fn: func(ctx context.Context) (payment.Status, error) {
		if polls.Add(1) >= 2 {
			return payment.StatusPaid, nil
		}
		return payment.StatusPending, nil
	}}
	resolver := newStubResolver()
	m := New(checker, resolver, zap.NewNop(), Options{PollInterval: time.Millisecond})

	o := testOrder(time.Minute, time.Now())
	require.True(t, m.Watch(o))

	assert.Equal(t, "commit", waitOutcome(t, resolver))
	waitStopped(t, m, o.ID)

	commits, expires := resolver.counts()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 0, expires)
}

func TestMonitor_PaidOnFirstPoll(t *testing.T) {
	checker := &stubChecker{fn: func(ctx context.Context) (payment.Status, error) {
		return payment.StatusPaid, nil
	}}
	resolver := newStubResolver()
	m := New(checker, resolver, zap.NewNop(), Options{PollInterval: time.Hour})

	o := testOrder(time.Minute, time.Now())
	require.True(t, m.Watch(o))

	assert.Equal(t, "commit", waitOutcome(t, resolver))
	waitStopped(t, m, o.ID)
	assert.Equal(t, int32(1), checker.calls.Load())
}

func TestMonitor_DeadlineExpires(t *testing.T) {
	checker := &stubChecker{fn: func(ctx context.Context) (payment.Status, error) {
		return payment.StatusPending, nil
	}}
	resolver := newStubResolver()
	m := New(checker, resolver, zap.NewNop(), Options{PollInterval: time.Hour})

	o := testOrder(30*time.Millisecond, time.Now())
	require.True(t, m.Watch(o))

	assert.Equal(t, "expire", waitOutcome(t, resolver))
	waitStopped(t, m, o.ID)

	commits, expires := resolver.counts()
	assert.Equal(t, 0, commits)
	assert.Equal(t, 1, expires)
}

func TestMonitor_GatewayFailedExpires(t *testing.T) {
	checker := &stubChecker{fn: func(ctx context.Context) (payment.Status, error) {
		return payment.StatusFailed, nil
	}}
	resolver := newStubResolver()
	m := New(checker, resolver, zap.NewNop(), Options{PollInterval: time.Millisecond})

	require.True(t, m.Watch(testOrder(time.Minute, time.Now())))
	assert.Equal(t, "expire", waitOutcome(t, resolver))
}

func TestMonitor_TransientErrorsDoNotExpire(t *testing.T) {
	var polls atomic.Int32
	checker := &stubChecker{fn: func(ctx context.Context) (payment.Status, error) {
		if polls.Add(1) <= 5 {
			return "", payment.ErrTransient
		}
		return payment.StatusPaid, nil
	}}
	resolver := newStubResolver()
	m := New(checker, resolver, zap.NewNop(), Options{PollInterval: time.Millisecond})

	require.True(t, m.Watch(testOrder(time.Minute, time.Now())))

	assert.Equal(t, "commit", waitOutcome(t, resolver))
	_, expires := resolver.counts()
	assert.Equal(t, 0, expires)
	assert.GreaterOrEqual(t, polls.Load(), int32(6))
}

func TestMonitor_ResolverErrorRetried(t *testing.T) {
	checker := &stubChecker{fn: func(ctx context.Context) (payment.Status, error) {
		return payment.StatusPaid, nil
	}}
	resolver := newStubResolver()
	resolver.commitErr = []error{errors.New("connection refused")}
	m := New(checker, resolver, zap.NewNop(), Options{PollInterval: time.Millisecond})

	o := testOrder(time.Minute, time.Now())
	require.True(t, m.Watch(o))

	assert.Equal(t, "commit", waitOutcome(t, resolver))
	waitStopped(t, m, o.ID)

	commits, _ := resolver.counts()
	assert.Equal(t, 2, commits)
}

func TestMonitor_SettledErrorStops(t *testing.T) {
	checker := &stubChecker{fn: func(ctx context.Context) (payment.Status, error) {
		return payment.StatusPaid, nil
	}}
	resolver := newStubResolver()
	resolver.commitErr = []error{settledErr{}}
	m := New(checker, resolver, zap.NewNop(), Options{PollInterval: time.Millisecond})

	o := testOrder(time.Minute, time.Now())
	require.True(t, m.Watch(o))
	waitStopped(t, m, o.ID)

	commits, expires := resolver.counts()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 0, expires)
}

func TestMonitor_AbandonPreventsResolution(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once
	checker := &stubChecker{fn: func(ctx context.Context) (payment.Status, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return payment.StatusPaid, nil
	}}
	resolver := newStubResolver()
	m := New(checker, resolver, zap.NewNop(), Options{PollInterval: time.Millisecond, CheckTimeout: time.Minute})

	o := testOrder(time.Minute, time.Now())
	require.True(t, m.Watch(o))

	<-entered
	m.Abandon(o.ID)

	assert.False(t, m.Watching(o.ID))
	commits, expires := resolver.counts()
	assert.Equal(t, 0, commits)
	assert.Equal(t, 0, expires)
}

func TestMonitor_WatchTwice(t *testing.T) {
	checker := &stubChecker{fn: func(ctx context.Context) (payment.Status, error) {
		return payment.StatusPending, nil
	}}
	m := New(checker, newStubResolver(), zap.NewNop(), Options{PollInterval: time.Hour})

	o := testOrder(time.Minute, time.Now())
	assert.True(t, m.Watch(o))
	assert.False(t, m.Watch(o))
	assert.Equal(t, 1, m.Active())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 0, m.Active())
	assert.False(t, m.Watch(o))
}

func TestMonitor_DeadlineTieBreak(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		paidAt time.Duration
		want   string
	}{
		{name: "paid exactly at deadline expires", paidAt: 600 * time.Second, want: "expire"},
		{name: "paid before deadline commits", paidAt: 580 * time.Second, want: "commit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{now: start}
			checker := &stubChecker{fn: func(ctx context.Context) (payment.Status, error) {
				if clock.Advance(20*time.Second).Sub(start) >= tt.paidAt {
					return payment.StatusPaid, nil
				}
				return payment.StatusPending, nil
			}}
			resolver := newStubResolver()
			m := New(checker, resolver, zap.NewNop(), Options{
				PollInterval: time.Millisecond,
				Now:          clock.Now,
			})

			require.True(t, m.Watch(testOrder(600*time.Second, start)))

			assert.Equal(t, tt.want, waitOutcome(t, resolver))
			commits, expires := resolver.counts()
			if tt.want == "commit" {
				assert.Equal(t, 1, commits)
				assert.Equal(t, 0, expires)
			} else {
				assert.Equal(t, 0, commits)
				assert.Equal(t, 1, expires)
			}
		})
	}
}

func TestSettled(t *testing.T) {
	assert.True(t, Settled(nil))
	assert.True(t, Settled(settledErr{}))
	assert.True(t, Settled(errors.Join(errors.New("context"), settledErr{})))
	assert.False(t, Settled(errors.New("db down")))
}
