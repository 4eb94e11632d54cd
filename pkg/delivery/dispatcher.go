package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/logger"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/metrics"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/ratelimit"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	GetEndpoint(ctx context.Context, id string) (*model.Endpoint, error)
	GetDelivery(ctx context.Context, id string) (*model.Delivery, error)
	BeginAttempt(ctx context.Context, id string, at time.Time) (int, error)
	FinishDelivery(ctx context.Context, id string, res model.DeliveryResult) (bool, error)
	RecordAttempt(ctx context.Context, a *model.DeliveryAttempt) error
}

// Limiter gates attempts by endpoint rate limits. Release gives back the slot
// of an allowed attempt that never reached the network.
type Limiter interface {
	Allow(ctx context.Context, e *model.Endpoint, now time.Time) (*ratelimit.Decision, error)
	Release(ctx context.Context, e *model.Endpoint, now time.Time) error
}

// Guard gates attempts by destination address.
type Guard interface {
	Check(ctx context.Context, rawURL string, allowlist []string) error
}

// RetryDecider schedules the next attempt after a transient failure. It
// reports false when the delivery must fail terminally instead.
type RetryDecider interface {
	NextRetry(d *model.Delivery, e *model.Endpoint, now time.Time) (time.Time, bool)
}

// settleTimeout bounds the writes that settle a claimed attempt, which run
// even when the caller's context is done.
const settleTimeout = 5 * time.Second

// Observer is notified after every settled dispatch.
type Observer func(ctx context.Context, e *model.Endpoint, o *Outcome)

// Outcome describes what happened to one dispatch.
type Outcome struct {
	DeliveryID   string               `json:"delivery_id"`
	EndpointID   string               `json:"endpoint_id"`
	EventType    string               `json:"event_type"`
	Status       model.DeliveryStatus `json:"status"`
	Attempt      int                  `json:"attempt"`
	HTTPStatus   int                  `json:"http_status,omitempty"`
	ResponseTime time.Duration        `json:"response_time"`
	ErrorKind    model.ErrorKind      `json:"error_kind,omitempty"`
	NextRetryAt  *time.Time           `json:"next_retry_at,omitempty"`
	Err          error                `json:"-"`
}

// Options configures a Dispatcher.
type Options struct {
	Timeout              time.Duration
	RetryableStatusCodes []int
	UserAgent            string
	HTTPClient           *http.Client
	Decider              RetryDecider
	Logger               logger.Logger
	Metrics              *metrics.Metrics
	Now                  func() time.Time
}

// Dispatcher sends deliveries to their endpoints. Gates run in order: rate
// limiter, destination guard, then the attempt is claimed and sent. An attempt
// stopped after the rate limiter gives its slot back.
type Dispatcher struct {
	store     Store
	limiter   Limiter
	guard     Guard
	decider   RetryDecider
	client    *http.Client
	retryable map[int]bool
	userAgent string
	logger    logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu        sync.RWMutex
	observers []Observer
}

// New creates a dispatcher.
func New(store Store, limiter Limiter, guard Guard, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryableStatusCodes == nil {
		opts.RetryableStatusCodes = DefaultRetryableStatusCodes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Delivery-Guardian/1.0"
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			// Redirects could lead outside the allowlist; a 3xx is returned as-is.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	retryable := make(map[int]bool, len(opts.RetryableStatusCodes))
	for _, code := range opts.RetryableStatusCodes {
		retryable[code] = true
	}

	return &Dispatcher{
		store:     store,
		limiter:   limiter,
		guard:     guard,
		decider:   opts.Decider,
		client:    client,
		retryable: retryable,
		userAgent: opts.UserAgent,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

// OnSettled registers an observer called after each settled dispatch.
func (d *Dispatcher) OnSettled(fn Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// Dispatch runs one attempt for a pending or retrying delivery. The returned
// error reports infrastructure failures and ineligible deliveries; delivery
// failures are reported through Outcome.Err.
func (d *Dispatcher) Dispatch(ctx context.Context, deliveryID string) (*Outcome, error) {
	del, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if !del.Status.Cancellable() || del.AttemptCount >= del.MaxAttempts {
		return nil, fmt.Errorf("delivery %s is %s with %d/%d attempts: %w",
			del.ID, del.Status, del.AttemptCount, del.MaxAttempts, model.ErrInvalidState)
	}
	e, err := d.store.GetEndpoint(ctx, del.EndpointID)
	if err != nil {
		return nil, fmt.Errorf("load endpoint: %w", err)
	}

	now := d.now().UTC()
	out := &Outcome{DeliveryID: del.ID, EndpointID: e.ID, EventType: del.EventType, Attempt: del.AttemptCount}

	if !e.Enabled {
		err := &model.PermanentDeliveryError{Err: errors.New("endpoint disabled")}
		return d.settle(ctx, e, del, out, d.failed(out, err, now), err)
	}

	decision, err := d.limiter.Allow(ctx, e, now)
	if err != nil {
		return nil, fmt.Errorf("check rate limit: %w", err)
	}
	if !decision.Allowed {
		v := decision.Violation
		err := fmt.Errorf("%w: %d/%d per %s", model.ErrRateLimitExceeded, v.Count, v.Limit, v.Period)
		return d.settle(ctx, e, del, out, d.failed(out, err, now), err)
	}

	if err := d.guard.Check(ctx, e.URL, e.IPAllowlist); err != nil {
		d.release(ctx, e, now)
		var cfgErr *model.ConfigError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		d.metrics.AllowlistRejected(string(e.ServiceType))
		d.logger.Warn("destination rejected by allowlist", "endpoint_id", e.ID, "delivery_id", del.ID, "error", err)
		return d.settle(ctx, e, del, out, d.failed(out, err, now), err)
	}

	attempt, err := d.store.BeginAttempt(ctx, del.ID, now)
	if err != nil {
		d.release(ctx, e, now)
		return nil, fmt.Errorf("begin attempt: %w", err)
	}
	del.AttemptCount = attempt
	out.Attempt = attempt

	status, latency, sendErr := d.send(ctx, e, del, attempt, now)
	out.HTTPStatus = status
	out.ResponseTime = latency
	d.metrics.ObserveAttempt(string(e.ServiceType), latency)

	// A claimed attempt is always recorded and settled, even if ctx ended mid-send.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err := d.store.RecordAttempt(sctx, &model.DeliveryAttempt{
		DeliveryID:     del.ID,
		AttemptNumber:  attempt,
		HTTPStatus:     status,
		ResponseTimeMs: latency.Milliseconds(),
		ErrorMessage:   errString(sendErr),
		ErrorKind:      model.KindOf(sendErr),
		AttemptedAt:    now,
	}); err != nil {
		d.logger.Error("failed to record delivery attempt", "delivery_id", del.ID, "error", err)
	}

	finished := d.now().UTC()
	res := model.DeliveryResult{
		HTTPStatus:     status,
		ResponseTimeMs: latency.Milliseconds(),
		At:             finished,
	}
	switch {
	case sendErr == nil:
		res.Status = model.StatusSuccess
		out.Status = model.StatusSuccess
	case model.IsTransient(sendErr) && d.decider != nil:
		if next, ok := d.decider.NextRetry(del, e, finished); ok {
			// failed -> retrying is written as a single transition.
			res.Status = model.StatusRetrying
			res.NextRetryAt = &next
			res.ErrorMessage = sendErr.Error()
			res.ErrorKind = model.KindTransient
			out.Status = model.StatusRetrying
			out.NextRetryAt = &next
			out.ErrorKind = model.KindTransient
			out.Err = sendErr
			d.metrics.RetryScheduled()
			break
		}
		res = d.failed(out, sendErr, finished)
		res.HTTPStatus, res.ResponseTimeMs = status, latency.Milliseconds()
	default:
		res = d.failed(out, sendErr, finished)
		res.HTTPStatus, res.ResponseTimeMs = status, latency.Milliseconds()
	}
	return d.settle(sctx, e, del, out, res, sendErr)
}

// failed fills out for a terminal failure and returns the matching result.
func (d *Dispatcher) failed(out *Outcome, err error, at time.Time) model.DeliveryResult {
	out.Status = model.StatusFailed
	out.ErrorKind = model.KindOf(err)
	out.Err = err
	return model.DeliveryResult{
		Status:       model.StatusFailed,
		ErrorMessage: err.Error(),
		ErrorKind:    out.ErrorKind,
		At:           at,
	}
}

func (d *Dispatcher) settle(ctx context.Context, e *model.Endpoint, del *model.Delivery, out *Outcome, res model.DeliveryResult, cause error) (*Outcome, error) {
	ok, err := d.store.FinishDelivery(ctx, del.ID, res)
	if err != nil {
		return nil, fmt.Errorf("settle delivery: %w", err)
	}
	if !ok {
		// Cancelled while the attempt was in flight; cancelled wins.
		out.Status = model.StatusCancelled
		out.NextRetryAt = nil
		d.logger.Info("delivery cancelled during attempt", "delivery_id", del.ID)
	}

	d.metrics.ObserveDelivery(string(e.ServiceType), string(out.Status), string(out.ErrorKind))
	kv := []interface{}{
		"delivery_id", del.ID,
		"endpoint_id", e.ID,
		"event_type", del.EventType,
		"status", out.Status,
		"attempt", out.Attempt,
		"http_status", out.HTTPStatus,
		"response_time", out.ResponseTime,
	}
	if cause != nil {
		kv = append(kv, "error_kind", out.ErrorKind, "error", cause)
		d.logger.Warn("delivery attempt failed", kv...)
	} else {
		d.logger.Info("delivery succeeded", kv...)
	}

	d.mu.RLock()
	observers := append([]Observer(nil), d.observers...)
	d.mu.RUnlock()
	for _, fn := range observers {
		fn(ctx, e, out)
	}
	return out, nil
}

// send performs the signed POST and classifies the result.
func (d *Dispatcher) send(ctx context.Context, e *model.Endpoint, del *model.Delivery, attempt int, now time.Time) (int, time.Duration, error) {
	body, err := Body(e, del, attempt, now)
	if err != nil {
		return 0, 0, &model.PermanentDeliveryError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, &model.PermanentDeliveryError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set(SignatureHeader, Sign(body, e.Secret))
	req.Header.Set("X-Delivery-ID", del.ID)
	req.Header.Set("X-Event-Type", del.EventType)
	req.Header.Set("X-Delivery-Attempt", strconv.Itoa(attempt))

	start := time.Now()
	resp, err := d.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, Classify(0, "", err, d.retryable)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, latency, Classify(resp.StatusCode, string(snippet), nil, d.retryable)
}

// release gives back the rate-limit slot of an attempt that was not sent.
func (d *Dispatcher) release(ctx context.Context, e *model.Endpoint, now time.Time) {
	if err := d.limiter.Release(context.WithoutCancel(ctx), e, now); err != nil {
		d.logger.Warn("failed to release rate limit slot", "endpoint_id", e.ID, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
