// Package refresh keeps the bookings snapshot current by scraping on a fixed
// interval, retrying locations that a run did not collect.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotscraper/internal/booking"
	"github.com/JakeFAU/slotscraper/internal/history"
	"github.com/JakeFAU/slotscraper/internal/humanize"
	"github.com/JakeFAU/slotscraper/internal/metrics"
	"github.com/JakeFAU/slotscraper/internal/notify"
	"github.com/JakeFAU/slotscraper/internal/snapshot"
	"github.com/JakeFAU/slotscraper/internal/telemetry"
)

// EventSnapshotUpdated is published after a refresh replaces the snapshot.
const EventSnapshotUpdated = "snapshot.updated"

const recordTimeout = 10 * time.Second

// ErrAlreadyRunning is returned by Run when a loop is already active.
var ErrAlreadyRunning = errors.New("refresh loop already running")

// Scraper runs one scrape. *coordinator.Coordinator satisfies it.
type Scraper interface {
	Scrape(ctx context.Context, req booking.ScrapeRequest) booking.ScrapeResult
}

// Snapshot receives refreshed results. *snapshot.Store satisfies it.
type Snapshot interface {
	Update(results map[booking.LocationID]booking.LocationResult) (bool, error)
	Save(ctx context.Context) error
	Get() (snapshot.Document, string)
}

// Recorder keeps a record of every refresh. *history.PostgresStore satisfies it.
type Recorder interface {
	RecordRun(ctx context.Context, run history.Run) error
}

// Publisher announces snapshot changes to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// SnapshotEvent is the payload of EventSnapshotUpdated.
type SnapshotEvent struct {
	RunID          string               `json:"run_id"`
	Hash           string               `json:"hash"`
	LastUpdated    *time.Time           `json:"last_updated"`
	Locations      int                  `json:"locations"`
	AvailableSlots int                  `json:"available_slots"`
	Missing        []booking.LocationID `json:"missing"`
}

// Config controls refresh cadence and retries.
type Config struct {
	Interval   time.Duration
	Retries    int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

// Summary describes one completed refresh.
type Summary struct {
	RunID    string
	Attempts int
	Scraped  int
	Missing  []booking.LocationID
	Blocked  []booking.BlockedEgressReport
	Updated  bool
	Elapsed  time.Duration
}

// Refresher drives repeated scrapes of a fixed location set.
type Refresher struct {
	scraper   Scraper
	snapshot  Snapshot
	notifier  notify.Notifier
	cfg       Config
	template  booking.ScrapeRequest
	recorder  Recorder
	publisher Publisher
	ids       booking.IDGenerator
	rotation  atomic.Uint64
	running   atomic.Bool
	logger    *zap.Logger
}

// Option configures optional Refresher collaborators.
type Option func(*Refresher)

// WithRecorder records every refresh that has a run id.
func WithRecorder(rec Recorder) Option {
	return func(r *Refresher) { r.recorder = rec }
}

// WithPublisher publishes EventSnapshotUpdated whenever the snapshot changes.
func WithPublisher(pub Publisher) Option {
	return func(r *Refresher) { r.publisher = pub }
}

// WithIDGenerator tags each refresh with a run id.
func WithIDGenerator(ids booking.IDGenerator) Option {
	return func(r *Refresher) { r.ids = ids }
}

// New creates a Refresher. template supplies every request field; its
// Locations and EgressPoints are the full sets to refresh and rotate through.
func New(
	scraper Scraper,
	snap Snapshot,
	notifier notify.Notifier,
	cfg Config,
	template booking.ScrapeRequest,
	logger *zap.Logger,
	opts ...Option,
) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	template.Locations = dedupe(template.Locations)
	template.EgressPoints = slices.Clone(template.EgressPoints)
	r := &Refresher{
		scraper:  scraper,
		snapshot: snap,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		template: template,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run refreshes immediately and then once per interval until ctx is done.
// Only one loop may run per Refresher.
func (r *Refresher) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	r.logger.Info("refresh loop started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("locations", len(r.template.Locations)),
		zap.Int("proxies", len(r.template.EgressPoints)),
	)
	for {
		if _, err := r.RefreshOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("refresh failed", zap.Error(err))
		}
		if err := humanize.Sleep(ctx, r.cfg.Interval); err != nil {
			r.logger.Info("refresh loop stopped")
			return nil
		}
	}
}

// RefreshOnce scrapes every location, retrying the ones still missing, and
// publishes whatever was collected. When nothing was collected the previous
// snapshot is kept.
func (r *Refresher) RefreshOnce(ctx context.Context) (Summary, error) {
	start := time.Now()
	summary := Summary{RunID: r.newRunID()}
	ctx, span := telemetry.Tracer("refresh").Start(ctx, "refresh",
		trace.WithAttributes(
			attribute.String("refresh.run_id", summary.RunID),
			attribute.Int("refresh.locations", len(r.template.Locations)),
		),
	)
	defer span.End()
	logger := r.logger
	if summary.RunID != "" {
		ctx = booking.WithRunID(ctx, summary.RunID)
		logger = logger.With(zap.String("run_id", summary.RunID))
	}

	remaining := slices.Clone(r.template.Locations)
	collected := make(map[booking.LocationID]booking.LocationResult, len(remaining))
	blocked := make(map[string]struct{})

	for attempt := 1; attempt <= r.cfg.Retries && len(remaining) > 0; attempt++ {
		summary.Attempts = attempt
		logger.Info("scrape attempt",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.cfg.Retries),
			zap.Int("locations", len(remaining)),
		)

		req := r.template
		req.Locations = remaining
		req.EgressPoints = withoutBlocked(r.nextEgress(), blocked)
		result := r.scraper.Scrape(ctx, req)

		for loc, lr := range result.Bookings {
			collected[loc] = lr
		}
		for _, report := range result.BlockedEgress {
			blocked[report.EgressPoint] = struct{}{}
		}
		summary.Blocked = append(summary.Blocked, result.BlockedEgress...)
		r.notifyBlocked(ctx, result.BlockedEgress)

		remaining = result.Missing(remaining)
		if len(remaining) == 0 {
			logger.Info("all locations scraped", zap.Int("attempts", attempt))
			break
		}
		logger.Warn("locations still need to be scraped",
			zap.Int("remaining", len(remaining)),
			zap.Int("attempt", attempt),
		)
		if attempt < r.cfg.Retries {
			if err := humanize.Sleep(ctx, r.cfg.RetryDelay); err != nil {
				break
			}
		}
	}

	summary.Scraped = len(collected)
	summary.Missing = remaining
	summary.Elapsed = time.Since(start)
	span.SetAttributes(
		attribute.Int("refresh.attempts", summary.Attempts),
		attribute.Int("refresh.scraped", summary.Scraped),
		attribute.Int("refresh.missing", len(remaining)),
	)

	if len(remaining) > 0 && ctx.Err() == nil {
		logger.Error("locations missing after all attempts",
			zap.Int("remaining", len(remaining)),
			zap.Int("attempts", summary.Attempts),
		)
		if err := r.notifier.ScrapeFailed(ctx, len(remaining), summary.Attempts); err != nil {
			logger.Warn("scrape failure notification failed", zap.Error(err))
		}
	}

	switch {
	case len(collected) == 0:
		metrics.ObserveRefresh(metrics.RefreshEmpty)
		logger.Error("no data scraped; keeping previous snapshot")
		r.record(ctx, summary, start, "")
		return summary, nil
	case len(remaining) > 0:
		metrics.ObserveRefresh(metrics.RefreshPartial)
	default:
		metrics.ObserveRefresh(metrics.RefreshComplete)
	}

	updated, err := r.snapshot.Update(collected)
	if err != nil {
		return summary, fmt.Errorf("update snapshot: %w", err)
	}
	summary.Updated = updated
	if updated {
		metrics.SetSnapshotUpdated(time.Now())
	}
	if err := r.snapshot.Save(ctx); err != nil {
		return summary, fmt.Errorf("persist snapshot: %w", err)
	}

	doc, hash := r.snapshot.Get()
	r.record(ctx, summary, start, hash)
	if updated {
		r.publish(ctx, summary, doc, hash)
	}

	logger.Info("refresh finished",
		zap.Int("scraped", summary.Scraped),
		zap.Int("requested", len(r.template.Locations)),
		zap.Int("attempts", summary.Attempts),
		zap.Duration("elapsed", summary.Elapsed),
	)
	return summary, nil
}

func (r *Refresher) newRunID() string {
	if r.ids == nil {
		return ""
	}
	id, err := r.ids.NewID()
	if err != nil {
		r.logger.Warn("refresh id generation failed", zap.Error(err))
		return ""
	}
	return id
}

// record persists the run even when ctx has already been cancelled.
func (r *Refresher) record(ctx context.Context, summary Summary, start time.Time, hash string) {
	if r.recorder == nil || summary.RunID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	run := history.Run{
		ID:           summary.RunID,
		StartedAt:    start.UTC(),
		FinishedAt:   start.Add(summary.Elapsed).UTC(),
		Attempts:     summary.Attempts,
		Requested:    len(r.template.Locations),
		Scraped:      summary.Scraped,
		Missing:      summary.Missing,
		Blocked:      summary.Blocked,
		Updated:      summary.Updated,
		SnapshotHash: hash,
	}
	if err := r.recorder.RecordRun(ctx, run); err != nil {
		r.logger.Warn("record refresh failed", zap.String("run_id", summary.RunID), zap.Error(err))
	}
}

func (r *Refresher) publish(ctx context.Context, summary Summary, doc snapshot.Document, hash string) {
	if r.publisher == nil {
		return
	}
	available := 0
	for _, res := range doc.Results {
		available += len(res.Slots)
	}
	id, err := r.publisher.Publish(ctx, EventSnapshotUpdated, SnapshotEvent{
		RunID:          summary.RunID,
		Hash:           hash,
		LastUpdated:    doc.LastUpdated,
		Locations:      len(doc.Results),
		AvailableSlots: available,
		Missing:        summary.Missing,
	})
	if err != nil {
		r.logger.Warn("publish snapshot event failed", zap.Error(err))
		return
	}
	r.logger.Debug("snapshot event published", zap.String("message_id", id))
}

func (r *Refresher) notifyBlocked(ctx context.Context, reports []booking.BlockedEgressReport) {
	for _, report := range reports {
		if err := r.notifier.ProxyBlocked(ctx, report); err != nil {
			r.logger.Warn("blocked proxy notification failed",
				zap.String("egress", report.EgressPoint),
				zap.Error(err),
			)
		}
	}
}

// nextEgress returns the proxy list rotated left by a cursor that advances by
// the parallelism cap on every call, so each attempt leads with the next
// window of proxies.
func (r *Refresher) nextEgress() []string {
	proxies := r.template.EgressPoints
	if len(proxies) == 0 {
		return nil
	}
	step := r.template.MaxParallelSessions
	if step <= 0 {
		step = len(proxies)
	}
	cursor := r.rotation.Add(uint64(step)) - uint64(step)
	return Rotate(proxies, int(cursor%uint64(len(proxies))))
}

// withoutBlocked drops proxies already reported blocked during this refresh.
// When every proxy is blocked the list is returned unchanged.
func withoutBlocked(egress []string, blocked map[string]struct{}) []string {
	if len(blocked) == 0 {
		return egress
	}
	out := make([]string, 0, len(egress))
	for _, p := range egress {
		if _, ok := blocked[p]; !ok {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return egress
	}
	return out
}

// Rotate returns a copy of s rotated left by n.
func Rotate(s []string, n int) []string {
	if len(s) == 0 {
		return nil
	}
	n %= len(s)
	if n < 0 {
		n += len(s)
	}
	out := make([]string, 0, len(s))
	out = append(out, s[n:]...)
	return append(out, s[:n]...)
}

func dedupe(locations []booking.LocationID) []booking.LocationID {
	seen := make(map[booking.LocationID]struct{}, len(locations))
	out := make([]booking.LocationID, 0, len(locations))
	for _, loc := range locations {
		if _, ok := seen[loc]; ok {
			continue
		}
		seen[loc] = struct{}{}
		out = append(out, loc)
	}
	return out
}
