package delivery_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/delivery"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/guard"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/logger"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/ratelimit"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/retry"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store      *storage.SQL
	dispatcher *delivery.Dispatcher
	clock      *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := &clock{now: time.Now().UTC()}
	limiter := ratelimit.New(db, db, logger.Nop(), nil)
	d := delivery.New(db, limiter, guard.New(nil), delivery.Options{
		Timeout: 2 * time.Second,
		Decider: retry.Policy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2},
		Now:     clk.Now,
	})
	return &harness{store: db, dispatcher: d, clock: clk}
}

func (h *harness) endpoint(t *testing.T, url string, mutate ...func(*model.Endpoint)) *model.Endpoint {
	t.Helper()
	e := &model.Endpoint{
		Name:        "hook",
		URL:         url,
		ServiceType: model.ServiceCustom,
		Secret:      "s3cret",
		Enabled:     true,
		Retry:       model.RetryPolicy{Enabled: true, MaxAttempts: 3},
	}
	for _, fn := range mutate {
		fn(e)
	}
	require.NoError(t, h.store.CreateEndpoint(context.Background(), e))
	return e
}

func (h *harness) delivery(t *testing.T, e *model.Endpoint) *model.Delivery {
	t.Helper()
	d := &model.Delivery{
		EndpointID:  e.ID,
		EventType:   "order.created",
		Payload:     json.RawMessage(`{"order_id":42}`),
		MaxAttempts: e.MaxAttempts(),
	}
	require.NoError(t, h.store.CreateDelivery(context.Background(), d))
	return d
}

func TestDispatch_SignedSuccess(t *testing.T) {
	h := newHarness(t)
	var body []byte
	var sig, attempt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(delivery.SignatureHeader)
		attempt = r.Header.Get("X-Delivery-Attempt")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := h.endpoint(t, srv.URL)
	d := h.delivery(t, e)

	out, err := h.dispatcher.Dispatch(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, out.Status)
	assert.Equal(t, http.StatusNoContent, out.HTTPStatus)
	assert.NoError(t, out.Err)

	assert.True(t, delivery.Verify(body, "s3cret", sig))
	assert.Equal(t, "1", attempt)
	var env delivery.Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, d.ID, env.ID)
	assert.JSONEq(t, `{"order_id":42}`, string(env.Data))

	got, err := h.store.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.NotNil(t, got.CompletedAt)

	attempts, err := h.store.ListAttempts(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestDispatch_TransientRetriesUntilMaxAttempts(t *testing.T) {
	h := newHarness(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := h.endpoint(t, srv.URL)
	d := h.delivery(t, e)
	ctx := context.Background()

	out, err := h.dispatcher.Dispatch(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetrying, out.Status)
	require.NotNil(t, out.NextRetryAt)
	assert.Equal(t, h.clock.Now().Add(time.Second), *out.NextRetryAt)

	h.clock.Advance(time.Second)
	out, err = h.dispatcher.Dispatch(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetrying, out.Status)
	assert.Equal(t, h.clock.Now().Add(2*time.Second), *out.NextRetryAt)

	h.clock.Advance(2 * time.Second)
	out, err = h.dispatcher.Dispatch(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, model.KindTransient, out.ErrorKind)

	got, err := h.store.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))

	_, err = h.dispatcher.Dispatch(ctx, d.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestDispatch_PermanentFailureNotRetried(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such hook", http.StatusNotFound)
	}))
	defer srv.Close()

	e := h.endpoint(t, srv.URL)
	out, err := h.dispatcher.Dispatch(context.Background(), h.delivery(t, e).ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, model.KindPermanent, out.ErrorKind)
	assert.Contains(t, out.Err.Error(), "no such hook")
}

func TestDispatch_RetryableClientError(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := h.endpoint(t, srv.URL)
	out, err := h.dispatcher.Dispatch(context.Background(), h.delivery(t, e).ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetrying, out.Status)
}

func TestDispatch_RetryDisabled(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := h.endpoint(t, srv.URL, func(e *model.Endpoint) { e.Retry = model.RetryPolicy{} })
	out, err := h.dispatcher.Dispatch(context.Background(), h.delivery(t, e).ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, model.KindTransient, out.ErrorKind)
}

func TestDispatch_Timeout(t *testing.T) {
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := delivery.New(db, ratelimit.New(db, db, nil, nil), guard.New(nil), delivery.Options{
		Timeout: 50 * time.Millisecond,
		Decider: retry.DefaultPolicy(),
	})
	e := &model.Endpoint{Name: "slow", URL: srv.URL, ServiceType: model.ServiceCustom, Secret: "x", Enabled: true,
		Retry: model.RetryPolicy{Enabled: true, MaxAttempts: 2}}
	require.NoError(t, db.CreateEndpoint(context.Background(), e))
	del := &model.Delivery{EndpointID: e.ID, EventType: "x", MaxAttempts: 2}
	require.NoError(t, db.CreateDelivery(context.Background(), del))

	out, err := d.Dispatch(context.Background(), del.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetrying, out.Status)
	assert.True(t, model.IsTransient(out.Err))
}

func TestDispatch_RateLimitRejection(t *testing.T) {
	h := newHarness(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	e := h.endpoint(t, srv.URL, func(e *model.Endpoint) {
		e.RateLimits = []model.RateLimitWindow{{Period: model.WindowMinute, MaxRequests: 2, Enabled: true}}
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		out, err := h.dispatcher.Dispatch(ctx, h.delivery(t, e).ID)
		require.NoError(t, err)
		require.Equal(t, model.StatusSuccess, out.Status)
	}

	rejected := h.delivery(t, e)
	out, err := h.dispatcher.Dispatch(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, model.KindRateLimited, out.ErrorKind)
	assert.ErrorIs(t, out.Err, model.ErrRateLimitExceeded)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	got, err := h.store.GetDelivery(ctx, rejected.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, model.KindRateLimited, got.ErrorKind)

	violations, err := h.store.ListViolations(ctx, e.ID, 0)
	require.NoError(t, err)
	assert.Len(t, violations, 1)
}

func TestDispatch_AllowlistRejection(t *testing.T) {
	h := newHarness(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	// httptest listens on 127.0.0.1, outside the allowlist.
	e := h.endpoint(t, srv.URL, func(e *model.Endpoint) { e.IPAllowlist = []string{"10.0.0.0/24"} })
	d := h.delivery(t, e)
	out, err := h.dispatcher.Dispatch(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, model.KindAllowlistRejected, out.ErrorKind)
	assert.Zero(t, atomic.LoadInt32(&calls))

	got, err := h.store.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AttemptCount)
}

func TestDispatch_RejectedAttemptGivesBackSlot(t *testing.T) {
	h := newHarness(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	e := h.endpoint(t, srv.URL, func(e *model.Endpoint) {
		e.IPAllowlist = []string{"10.0.0.0/24"}
		e.RateLimits = []model.RateLimitWindow{{Period: model.WindowMinute, MaxRequests: 1, Enabled: true}}
	})
	ctx := context.Background()
	out, err := h.dispatcher.Dispatch(ctx, h.delivery(t, e).ID)
	require.NoError(t, err)
	require.Equal(t, model.KindAllowlistRejected, out.ErrorKind)

	e.IPAllowlist = nil
	require.NoError(t, h.store.UpdateEndpoint(ctx, e))

	out, err = h.dispatcher.Dispatch(ctx, h.delivery(t, e).ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, out.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDispatch_CallerCancelledMidSendStaysRetryable(t *testing.T) {
	h := newHarness(t)
	arrived := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	e := h.endpoint(t, srv.URL)
	d := h.delivery(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-arrived
		cancel()
	}()

	out, err := h.dispatcher.Dispatch(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetrying, out.Status)
	assert.ErrorIs(t, out.Err, context.Canceled)

	got, err := h.store.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetrying, got.Status)
	assert.NotNil(t, got.NextRetryAt)
	assert.Equal(t, 1, got.AttemptCount)

	attempts, err := h.store.ListAttempts(context.Background(), d.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.KindTransient, attempts[0].ErrorKind)
}

func TestDispatch_CancelledMidFlightStaysCancelled(t *testing.T) {
	h := newHarness(t)
	var deliveryID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, h.store.CancelDelivery(context.Background(), deliveryID, time.Now()))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := h.endpoint(t, srv.URL)
	d := h.delivery(t, e)
	deliveryID = d.ID

	out, err := h.dispatcher.Dispatch(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, out.Status)

	got, err := h.store.GetDelivery(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
}

func TestDispatch_ObserverCalled(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	var seen []*delivery.Outcome
	h.dispatcher.OnSettled(func(_ context.Context, _ *model.Endpoint, o *delivery.Outcome) {
		seen = append(seen, o)
	})
	e := h.endpoint(t, srv.URL)
	_, err := h.dispatcher.Dispatch(context.Background(), h.delivery(t, e).ID)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, model.StatusSuccess, seen[0].Status)
}

func TestDispatch_DisabledEndpoint(t *testing.T) {
	h := newHarness(t)
	e := h.endpoint(t, "http://127.0.0.1:1/", func(e *model.Endpoint) { e.Enabled = false })
	out, err := h.dispatcher.Dispatch(context.Background(), h.delivery(t, e).ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, model.KindPermanent, out.ErrorKind)
}
