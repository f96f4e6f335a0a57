// Package worker runs the navigation flow inside one browser session bound
// to one egress point and classifies the outcome.
package worker

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/slotscraper/internal/booking"
	"github.com/JakeFAU/slotscraper/internal/humanize"
	"github.com/JakeFAU/slotscraper/internal/navigation"
	"github.com/JakeFAU/slotscraper/internal/partition"
)

// DefaultLoginURL is the portal entry page loaded by every session.
const DefaultLoginURL = "https://www.myrta.com/wps/portal/extvp/myrta/login/"

// Config controls Worker behavior.
type Config struct {
	LoginURL string
	// StartupStagger is multiplied by the worker index before launch.
	StartupStagger time.Duration
	// BlockStatusCodes are initial-load statuses treated as a block signal.
	BlockStatusCodes []int
}

// Navigator executes the navigation protocol on a live session.
type Navigator interface {
	Run(ctx context.Context, s booking.Session, job navigation.Job) (map[booking.LocationID]booking.LocationResult, error)
}

// Outcome is what a worker hands back to the coordinator.
type Outcome struct {
	Bookings map[booking.LocationID]booking.LocationResult
	Blocked  *booking.BlockedEgressReport
}

// Worker owns a session for the duration of one Run.
type Worker struct {
	launcher  booking.Launcher
	navigator Navigator
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(launcher booking.Launcher, navigator Navigator, cfg Config, logger *zap.Logger) *Worker {
	if cfg.LoginURL == "" {
		cfg.LoginURL = DefaultLoginURL
	}
	if len(cfg.BlockStatusCodes) == 0 {
		cfg.BlockStatusCodes = []int{403}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		launcher:  launcher,
		navigator: navigator,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run processes one group. req.Timeout bounds the initial page load only;
// element waits use the navigator's own timeout. A blocked initial load
// yields an Outcome with a report and no bookings. Launch, navigation and
// pre-loop flow failures are returned as errors. The session is closed on
// every path.
func (w *Worker) Run(ctx context.Context, index int, group partition.Group, req booking.ScrapeRequest) (Outcome, error) {
	logger := w.logger.With(
		zap.Int("worker", index),
		zap.String("egress", group.EgressPoint),
		zap.Int("locations", len(group.Locations)),
	)

	if err := humanize.Sleep(ctx, time.Duration(index)*w.cfg.StartupStagger); err != nil {
		return Outcome{}, fmt.Errorf("startup stagger: %w", err)
	}

	session, err := w.launcher.Launch(ctx, group.EgressPoint, req.Headless)
	if err != nil {
		return Outcome{}, fmt.Errorf("launch session: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("session close failed", zap.Error(cerr))
		}
	}()
	logger.Debug("session launched")

	resp, err := w.navigateInitial(ctx, session, req.Timeout)
	if err != nil {
		return Outcome{}, err
	}
	if w.isBlockSignal(resp.Status) {
		report := booking.NewBlockedEgressReport(group.EgressPoint, resp.Status, resp.Body)
		logger.Warn("egress point blocked", zap.Int("status", resp.Status))
		return Outcome{
			Bookings: map[booking.LocationID]booking.LocationResult{},
			Blocked:  &report,
		}, nil
	}

	bookings, err := w.navigator.Run(ctx, session, navigation.Job{
		Egress:             group.EgressPoint,
		Locations:          group.Locations,
		Credentials:        req.Credentials,
		HasExistingBooking: req.HasExistingBooking,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("navigation flow: %w", err)
	}
	if bookings == nil {
		bookings = map[booking.LocationID]booking.LocationResult{}
	}
	return Outcome{Bookings: bookings}, nil
}

func (w *Worker) navigateInitial(ctx context.Context, session booking.Session, timeout time.Duration) (booking.Response, error) {
	navCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := session.Navigate(navCtx, w.cfg.LoginURL)
	if err != nil {
		return booking.Response{}, fmt.Errorf("initial navigation: %w", err)
	}
	return resp, nil
}

func (w *Worker) isBlockSignal(status int) bool {
	return slices.Contains(w.cfg.BlockStatusCodes, status)
}
