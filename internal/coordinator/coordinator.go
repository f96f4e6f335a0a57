// Package coordinator fans a scrape request out to session workers on a
// bounded pool and merges their outcomes into one result.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/slotscraper/internal/booking"
	"github.com/JakeFAU/slotscraper/internal/metrics"
	"github.com/JakeFAU/slotscraper/internal/partition"
	"github.com/JakeFAU/slotscraper/internal/telemetry"
	"github.com/JakeFAU/slotscraper/internal/worker"
)

// Runner processes one location group. *worker.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context, index int, group partition.Group, req booking.ScrapeRequest) (worker.Outcome, error)
}

// Coordinator dispatches one Runner call per group.
type Coordinator struct {
	runner Runner
	ids    booking.IDGenerator
	logger *zap.Logger
}

// New creates a Coordinator. ids tags runs whose context carries no run id
// from booking.WithRunID; it may be nil.
func New(runner Runner, ids booking.IDGenerator, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		runner: runner,
		ids:    ids,
		logger: logger,
	}
}

type groupResult struct {
	index   int
	group   partition.Group
	outcome worker.Outcome
	err     error
	elapsed time.Duration
}

// Scrape runs every group concurrently and returns once all of them have
// finished. It never fails: failed workers contribute nothing, blocked
// workers contribute a report, and everything else is merged as it arrives.
// A non-positive MaxParallelSessions means one session per egress point.
func (c *Coordinator) Scrape(ctx context.Context, req booking.ScrapeRequest) booking.ScrapeResult {
	result := booking.NewScrapeResult()
	ctx, span := telemetry.Tracer("coordinator").Start(ctx, "scrape",
		trace.WithAttributes(
			attribute.Int("scrape.locations", len(req.Locations)),
			attribute.Int("scrape.egress_points", len(req.EgressPoints)),
		),
	)
	defer span.End()
	logger := c.runLogger(ctx)

	if len(req.Locations) == 0 || len(req.EgressPoints) == 0 {
		logger.Info("nothing to scrape",
			zap.Int("locations", len(req.Locations)),
			zap.Int("egress_points", len(req.EgressPoints)),
		)
		return result
	}

	maxParallel := req.MaxParallelSessions
	if maxParallel <= 0 {
		maxParallel = len(req.EgressPoints)
	}
	groups := partition.Partition(req.Locations, req.EgressPoints, maxParallel)
	logger.Info("scrape started",
		zap.Int("locations", len(req.Locations)),
		zap.Int("groups", len(groups)),
	)

	start := time.Now()
	results := make(chan groupResult, len(groups))

	var pool errgroup.Group
	pool.SetLimit(len(groups))
	for i, group := range groups {
		pool.Go(func() error {
			results <- c.runGroup(ctx, i, group, req)
			return nil
		})
	}
	go func() {
		_ = pool.Wait()
		close(results)
	}()

	for res := range results {
		c.merge(&result, res, logger)
	}

	missing := len(result.Missing(req.Locations))
	span.SetAttributes(
		attribute.Int("scrape.scraped", len(result.Bookings)),
		attribute.Int("scrape.missing", missing),
		attribute.Int("scrape.blocked_egress", len(result.BlockedEgress)),
	)
	metrics.ObserveRun(time.Since(start), len(result.Bookings), missing)
	logger.Info("scrape finished",
		zap.Int("scraped", len(result.Bookings)),
		zap.Int("missing", missing),
		zap.Int("blocked_egress", len(result.BlockedEgress)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result
}

func (c *Coordinator) runGroup(ctx context.Context, index int, group partition.Group, req booking.ScrapeRequest) (res groupResult) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := telemetry.Tracer("coordinator").Start(ctx, "worker",
		trace.WithAttributes(
			attribute.Int("worker.index", index),
			attribute.String("worker.egress", group.EgressPoint),
			attribute.Int("worker.locations", len(group.Locations)),
		),
	)
	start := time.Now()
	res = groupResult{index: index, group: group}
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("worker panic: %v", r)
		}
		res.elapsed = time.Since(start)
		switch {
		case res.err != nil:
			span.RecordError(res.err)
			span.SetStatus(codes.Error, "worker failed")
		case res.outcome.Blocked != nil:
			span.SetAttributes(attribute.Int("worker.blocked_status", res.outcome.Blocked.StatusCode))
		default:
			span.SetAttributes(attribute.Int("worker.scraped", len(res.outcome.Bookings)))
		}
		span.End()
	}()

	res.outcome, res.err = c.runner.Run(ctx, index, group, req)
	return res
}

// merge folds one worker's outcome into result. Only the coordinator
// goroutine calls it.
func (c *Coordinator) merge(result *booking.ScrapeResult, res groupResult, logger *zap.Logger) {
	fields := []zap.Field{
		zap.Int("worker", res.index),
		zap.String("egress", res.group.EgressPoint),
		zap.Duration("elapsed", res.elapsed),
	}

	switch {
	case res.err != nil:
		metrics.ObserveWorker(metrics.OutcomeFailed)
		logger.Error("worker failed", append(fields, zap.Error(res.err))...)
		return
	case res.outcome.Blocked != nil:
		metrics.ObserveWorker(metrics.OutcomeBlocked)
		result.BlockedEgress = append(result.BlockedEgress, *res.outcome.Blocked)
		logger.Warn("worker blocked", append(fields, zap.Int("status", res.outcome.Blocked.StatusCode))...)
		return
	}

	assigned := make(map[booking.LocationID]struct{}, len(res.group.Locations))
	for _, loc := range res.group.Locations {
		assigned[loc] = struct{}{}
	}
	merged := 0
	for loc, lr := range res.outcome.Bookings {
		if _, ok := assigned[loc]; !ok {
			logger.Warn("dropping result for unassigned location", append(fields, zap.String("location", string(loc)))...)
			continue
		}
		result.Bookings[loc] = lr
		merged++
	}
	metrics.ObserveWorker(metrics.OutcomeSucceeded)
	logger.Info("worker completed", append(fields,
		zap.Int("scraped", merged),
		zap.Int("assigned", len(res.group.Locations)),
	)...)
}

func (c *Coordinator) runLogger(ctx context.Context) *zap.Logger {
	logger := c.logger
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		logger = logger.With(zap.String("trace_id", traceID))
	}
	if id := booking.RunIDFromContext(ctx); id != "" {
		return logger.With(zap.String("run_id", id))
	}
	if c.ids == nil {
		return logger
	}
	id, err := c.ids.NewID()
	if err != nil {
		logger.Warn("run id generation failed", zap.Error(err))
		return logger
	}
	return logger.With(zap.String("run_id", id))
}
