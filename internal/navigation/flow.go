// Package navigation drives one browser session through the booking
// portal's fixed protocol: login, the entry branch for new or existing
// bookings, then a slot query for each location in the assigned group.
package navigation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/slotscraper/internal/booking"
	"github.com/JakeFAU/slotscraper/internal/humanize"
)

const defaultElementTimeout = 30 * time.Second

// Config controls Flow behavior.
type Config struct {
	// ElementTimeout bounds every individual session call.
	ElementTimeout time.Duration
}

// Job is the work handed to a Flow for one session.
type Job struct {
	Egress             string
	Locations          []booking.LocationID
	Credentials        booking.Credentials
	HasExistingBooking bool
}

// Flow executes the navigation protocol against a session it does not own.
type Flow struct {
	cfg    Config
	pause  humanize.Policy
	logger *zap.Logger
}

// New constructs a Flow. A nil pause policy disables humanized delays.
func New(cfg Config, pause humanize.Policy, logger *zap.Logger) *Flow {
	if cfg.ElementTimeout <= 0 {
		cfg.ElementTimeout = defaultElementTimeout
	}
	if pause == nil {
		pause = humanize.None()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flow{cfg: cfg, pause: pause, logger: logger}
}

// Run logs in, enters the location selector and queries each location in
// order. It returns the results of the locations that completed. An error is
// returned only when the flow fails before the per-location loop; failures
// inside the loop skip the affected location.
func (f *Flow) Run(ctx context.Context, s booking.Session, job Job) (map[booking.LocationID]booking.LocationResult, error) {
	logger := f.logger.With(zap.String("egress", job.Egress))

	if err := f.pause.Pause(ctx, humanize.Ms(500, 1000)); err != nil {
		return nil, err
	}
	if err := f.runSteps(ctx, s, loginSteps(job.Credentials)); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	entry := newBookingSteps()
	if job.HasExistingBooking {
		entry = manageBookingSteps()
	}
	if err := f.runSteps(ctx, s, entry); err != nil {
		return nil, fmt.Errorf("enter location selection: %w", err)
	}
	logger.Debug("location selection reached", zap.Bool("existing_booking", job.HasExistingBooking))

	results := make(map[booking.LocationID]booking.LocationResult, len(job.Locations))
	for _, loc := range job.Locations {
		if ctx.Err() != nil {
			logger.Warn("location loop stopped", zap.Error(ctx.Err()), zap.Int("completed", len(results)))
			break
		}
		result, err := f.queryLocation(ctx, s, loc)
		if err != nil {
			logger.Error("location failed", zap.String("location", string(loc)), zap.Error(err))
			f.resetSelector(ctx, s, logger)
			continue
		}
		results[loc] = result
		logger.Info("location scraped",
			zap.String("location", string(loc)),
			zap.Int("slots", len(result.Slots)),
			zap.Stringp("next_available", result.NextAvailableDate),
		)
		_ = f.pause.Pause(ctx, humanize.Ms(750, 1500))
	}

	logger.Info("group finished", zap.Int("completed", len(results)), zap.Int("assigned", len(job.Locations)))
	return results, nil
}

// queryLocation performs steps a-f for one location. The result only counts
// once the selector has been reset for the next location.
func (f *Flow) queryLocation(ctx context.Context, s booking.Session, loc booking.LocationID) (booking.LocationResult, error) {
	if err := f.pause.Pause(ctx, humanize.Ms(500, 1000)); err != nil {
		return booking.LocationResult{}, err
	}
	if err := f.runSteps(ctx, s, chooseLocationSteps(loc)); err != nil {
		return booking.LocationResult{}, err
	}

	f.clickEarliest(ctx, s)
	if err := f.pause.Pause(ctx, humanize.Ms(500, 1250)); err != nil {
		return booking.LocationResult{}, err
	}

	var raw any
	err := f.call(ctx, func(ctx context.Context) error {
		var readErr error
		raw, readErr = s.ReadInjected(ctx, timeslotsExpr)
		return readErr
	})
	if err != nil {
		return booking.LocationResult{}, fmt.Errorf("read timeslots: %w", err)
	}
	result := ParseTimeslots(loc, raw)

	if err := f.pause.Pause(ctx, humanize.Ms(400, 750)); err != nil {
		return booking.LocationResult{}, err
	}
	if err := f.runStep(ctx, s, anotherLocationStep()); err != nil {
		return booking.LocationResult{}, err
	}
	return result, nil
}

// clickEarliest presses the earliest-available control when it can. Its
// absence is normal.
func (f *Flow) clickEarliest(ctx context.Context, s booking.Session) {
	var ok bool
	err := f.call(ctx, func(ctx context.Context) error {
		var checkErr error
		ok, checkErr = s.Interactable(ctx, selEarliest)
		return checkErr
	})
	if err != nil || !ok {
		_ = f.pause.Pause(ctx, humanize.Ms(250, 500))
		return
	}
	_ = f.pause.Pause(ctx, humanize.Ms(100, 200))
	if err := f.call(ctx, func(ctx context.Context) error { return s.Click(ctx, selEarliest) }); err != nil {
		f.logger.Debug("earliest available click failed", zap.Error(err))
		return
	}
	_ = f.pause.Pause(ctx, humanize.Ms(1250, 2250))
}

// resetSelector makes one attempt to return to the location selector.
func (f *Flow) resetSelector(ctx context.Context, s booking.Session, logger *zap.Logger) {
	err := f.call(ctx, func(ctx context.Context) error {
		ok, err := s.Interactable(ctx, selAnotherLocation)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s not interactable", selAnotherLocation)
		}
		return s.Click(ctx, selAnotherLocation)
	})
	if err != nil {
		logger.Warn("recovery failed", zap.Error(err))
	} else {
		logger.Info("recovery click succeeded")
	}
	_ = f.pause.Pause(ctx, humanize.Ms(1000, 1500))
}

func (f *Flow) runSteps(ctx context.Context, s booking.Session, steps []step) error {
	for _, st := range steps {
		if err := f.runStep(ctx, s, st); err != nil {
			return err
		}
	}
	return nil
}

func (f *Flow) runStep(ctx context.Context, s booking.Session, st step) error {
	if err := f.call(ctx, func(ctx context.Context) error { return s.WaitFor(ctx, st.sel) }); err != nil {
		return fmt.Errorf("%s: wait for %s: %w", st.name, st.sel, err)
	}
	if err := f.pause.Pause(ctx, st.before); err != nil {
		return err
	}

	var err error
	switch st.act {
	case actWait:
	case actType:
		err = f.typeText(ctx, s, st.sel, st.text)
	case actClick:
		err = f.call(ctx, func(ctx context.Context) error { return s.Click(ctx, st.sel) })
	case actSelect:
		err = f.call(ctx, func(ctx context.Context) error { return s.Select(ctx, st.sel, st.text) })
	default:
		err = fmt.Errorf("unknown action %d", st.act)
	}
	if err != nil {
		return fmt.Errorf("%s: %s %s: %w", st.name, st.act, st.sel, err)
	}
	return f.pause.Pause(ctx, st.after)
}

// typeText sends text one character at a time with a keystroke pause.
func (f *Flow) typeText(ctx context.Context, s booking.Session, sel booking.Selector, text string) error {
	for _, ch := range text {
		if err := f.call(ctx, func(ctx context.Context) error { return s.Type(ctx, sel, string(ch)) }); err != nil {
			return err
		}
		if err := f.pause.Pause(ctx, keystroke); err != nil {
			return err
		}
	}
	return nil
}

// call runs fn under the per-element timeout.
func (f *Flow) call(ctx context.Context, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, f.cfg.ElementTimeout)
	defer cancel()
	return fn(stepCtx)
}
