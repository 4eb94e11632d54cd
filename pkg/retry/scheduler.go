package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/delivery"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/logger"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

// Store is the persistence the scheduler needs.
type Store interface {
	GetEndpoint(ctx context.Context, id string) (*model.Endpoint, error)
	GetDelivery(ctx context.Context, id string) (*model.Delivery, error)
	CreateDelivery(ctx context.Context, d *model.Delivery) error
	CancelDelivery(ctx context.Context, id string, at time.Time) error
	DueRetries(ctx context.Context, now time.Time, limit int) ([]model.Delivery, error)
	ReclaimStalled(ctx context.Context, staleBefore, now time.Time) (int64, error)
}

// Dispatcher runs a single delivery attempt.
type Dispatcher interface {
	Dispatch(ctx context.Context, deliveryID string) (*delivery.Outcome, error)
}

// Options configures a Scheduler.
type Options struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	// StaleAfter is how long a claimed attempt may stay unsettled before the
	// poller requeues it.
	StaleAfter time.Duration
	Logger     logger.Logger
	Now        func() time.Time
}

// Scheduler re-dispatches deliveries whose retry time has come and handles
// manual retry and cancellation.
type Scheduler struct {
	store       Store
	dispatcher  Dispatcher
	interval    time.Duration
	batchSize   int
	concurrency int
	staleAfter  time.Duration
	logger      logger.Logger
	now         func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(store Store, dispatcher Dispatcher, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		store:       store,
		dispatcher:  dispatcher,
		interval:    opts.PollInterval,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		staleAfter:  opts.StaleAfter,
		logger:      opts.Logger.With("component", "retry"),
		now:         opts.Now,
	}
}

// Run polls for due retries until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("retry scheduler started", "poll_interval", s.interval, "concurrency", s.concurrency)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("retry poll failed", "error", err)
			}
		}
	}
}

// PollOnce requeues stalled attempts, then dispatches every due retry in one
// batch and returns how many were attempted.
func (s *Scheduler) PollOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()
	reclaimed, err := s.store.ReclaimStalled(ctx, now.Add(-s.staleAfter), now)
	if err != nil {
		return 0, fmt.Errorf("reclaim stalled deliveries: %w", err)
	}
	if reclaimed > 0 {
		s.logger.Warn("reclaimed stalled deliveries", "count", reclaimed)
	}

	due, err := s.store.DueRetries(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("load due retries: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, d := range due {
		id := d.ID
		g.Go(func() error {
			_, err := s.dispatcher.Dispatch(gctx, id)
			switch {
			case err == nil:
			case errors.Is(err, model.ErrInvalidState):
				// Cancelled or claimed elsewhere since the poll.
				s.logger.Debug("skipping retry", "delivery_id", id, "reason", err)
			default:
				s.logger.Error("retry dispatch failed", "delivery_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Debug("retry batch dispatched", "count", len(due))
	return len(due), nil
}

// Retry manually re-sends a terminally failed delivery. A new delivery linked
// through retry_of is created and dispatched; the original is left untouched.
func (s *Scheduler) Retry(ctx context.Context, id string) (*model.Delivery, error) {
	orig, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.Status != model.StatusFailed {
		return nil, fmt.Errorf("only failed deliveries can be retried, %s is %s: %w", id, orig.Status, model.ErrInvalidState)
	}
	e, err := s.store.GetEndpoint(ctx, orig.EndpointID)
	if err != nil {
		return nil, fmt.Errorf("load endpoint: %w", err)
	}

	d := &model.Delivery{
		EndpointID:  orig.EndpointID,
		EventType:   orig.EventType,
		Payload:     orig.Payload,
		Status:      model.StatusPending,
		MaxAttempts: e.MaxAttempts(),
		RetryOf:     orig.ID,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateDelivery(ctx, d); err != nil {
		return nil, fmt.Errorf("create retry delivery: %w", err)
	}
	s.logger.Info("manual retry created", "delivery_id", d.ID, "retry_of", orig.ID)

	if _, err := s.dispatcher.Dispatch(ctx, d.ID); err != nil {
		return nil, fmt.Errorf("dispatch retry: %w", err)
	}
	return s.store.GetDelivery(ctx, d.ID)
}

// Cancel stops a pending or retrying delivery. An attempt already in flight may
// still complete but cannot overwrite the cancellation.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if err := s.store.CancelDelivery(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Info("delivery cancelled", "delivery_id", id)
	return nil
}
