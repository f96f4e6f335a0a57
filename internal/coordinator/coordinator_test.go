package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/slotscraper/internal/booking"
	"github.com/JakeFAU/slotscraper/internal/partition"
	"github.com/JakeFAU/slotscraper/internal/worker"
)

type runnerFunc func(ctx context.Context, index int, group partition.Group, req booking.ScrapeRequest) (worker.Outcome, error)

func (f runnerFunc) Run(ctx context.Context, index int, group partition.Group, req booking.ScrapeRequest) (worker.Outcome, error) {
	return f(ctx, index, group, req)
}

func scrapeAll(group partition.Group) worker.Outcome {
	out := worker.Outcome{Bookings: map[booking.LocationID]booking.LocationResult{}}
	for _, loc := range group.Locations {
		out.Bookings[loc] = booking.LocationResult{Location: loc, Slots: []booking.TimeSlot{}}
	}
	return out
}

func request(locations []booking.LocationID, egress []string, maxParallel int) booking.ScrapeRequest {
	return booking.ScrapeRequest{
		Locations:           locations,
		EgressPoints:        egress,
		MaxParallelSessions: maxParallel,
	}
}

func TestScrapeEmptyInputsIsNoop(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	runner := runnerFunc(func(context.Context, int, partition.Group, booking.ScrapeRequest) (worker.Outcome, error) {
		calls.Add(1)
		return worker.Outcome{}, nil
	})
	c := New(runner, nil, zap.NewNop())

	for _, req := range []booking.ScrapeRequest{
		request(nil, []string{"p0"}, 2),
		request([]booking.LocationID{"A"}, nil, 2),
	} {
		result := c.Scrape(context.Background(), req)
		require.NotNil(t, result.Bookings)
		require.Empty(t, result.Bookings)
		require.NotNil(t, result.BlockedEgress)
		require.Empty(t, result.BlockedEgress)
	}
	require.Zero(t, calls.Load())
}

func TestScrapeMergesAllGroups(t *testing.T) {
	t.Parallel()

	runner := runnerFunc(func(_ context.Context, _ int, group partition.Group, _ booking.ScrapeRequest) (worker.Outcome, error) {
		return scrapeAll(group), nil
	})
	c := New(runner, fakeIDs{}, zap.NewNop())

	locations := []booking.LocationID{"1", "2", "3", "4", "5", "6", "7"}
	result := c.Scrape(context.Background(), request(locations, []string{"p0", "p1", "p2", "p3"}, 3))

	require.Len(t, result.Bookings, len(locations))
	for _, loc := range locations {
		require.Equal(t, loc, result.Bookings[loc].Location)
	}
	require.Empty(t, result.BlockedEgress)
}

func TestScrapeBlockedAndFailedGroupsAreDisjoint(t *testing.T) {
	t.Parallel()

	runner := runnerFunc(func(_ context.Context, _ int, group partition.Group, _ booking.ScrapeRequest) (worker.Outcome, error) {
		switch group.EgressPoint {
		case "blocked":
			report := booking.NewBlockedEgressReport(group.EgressPoint, 403, "Access Denied")
			return worker.Outcome{Bookings: map[booking.LocationID]booking.LocationResult{}, Blocked: &report}, nil
		case "broken":
			return worker.Outcome{}, errors.New("chrome crashed")
		default:
			return scrapeAll(group), nil
		}
	})
	c := New(runner, nil, zap.NewNop())

	locations := []booking.LocationID{"1", "2", "3", "4", "5", "6"}
	result := c.Scrape(context.Background(), request(locations, []string{"ok", "blocked", "broken"}, 3))

	require.Len(t, result.BlockedEgress, 1)
	require.Equal(t, "blocked", result.BlockedEgress[0].EgressPoint)
	require.Equal(t, 403, result.BlockedEgress[0].StatusCode)
	require.Len(t, result.Bookings, 2, "only the healthy group's two locations survive")
	require.Len(t, result.Missing(locations), 4)
}

func TestScrapeRecoversWorkerPanic(t *testing.T) {
	t.Parallel()

	runner := runnerFunc(func(_ context.Context, _ int, group partition.Group, _ booking.ScrapeRequest) (worker.Outcome, error) {
		if group.EgressPoint == "p1" {
			panic("unexpected nil session")
		}
		return scrapeAll(group), nil
	})
	c := New(runner, nil, zap.NewNop())

	result := c.Scrape(context.Background(), request([]booking.LocationID{"A", "B"}, []string{"p0", "p1"}, 2))
	require.Len(t, result.Bookings, 1)
	require.Empty(t, result.BlockedEgress)
}

func TestScrapeDropsUnassignedLocations(t *testing.T) {
	t.Parallel()

	runner := runnerFunc(func(_ context.Context, _ int, group partition.Group, _ booking.ScrapeRequest) (worker.Outcome, error) {
		out := scrapeAll(group)
		out.Bookings["intruder"] = booking.LocationResult{Location: "intruder"}
		return out, nil
	})
	c := New(runner, nil, zap.NewNop())

	result := c.Scrape(context.Background(), request([]booking.LocationID{"A"}, []string{"p0"}, 1))
	require.Len(t, result.Bookings, 1)
	require.NotContains(t, result.Bookings, booking.LocationID("intruder"))
}

func TestScrapeRunsGroupsConcurrently(t *testing.T) {
	t.Parallel()

	const slow = 300 * time.Millisecond
	runner := runnerFunc(func(ctx context.Context, _ int, group partition.Group, _ booking.ScrapeRequest) (worker.Outcome, error) {
		if group.EgressPoint == "slow" {
			select {
			case <-time.After(slow):
			case <-ctx.Done():
			}
			return worker.Outcome{}, errors.New("slow worker gave up")
		}
		time.Sleep(slow / 2)
		return scrapeAll(group), nil
	})
	c := New(runner, nil, zap.NewNop())

	start := time.Now()
	result := c.Scrape(context.Background(), request([]booking.LocationID{"A", "B", "C"}, []string{"fast-1", "slow", "fast-2"}, 3))
	elapsed := time.Since(start)

	require.Less(t, elapsed, slow+slow/2+100*time.Millisecond, "run must be bounded by the slowest worker, not the sum")
	require.Len(t, result.Bookings, 2)
}

func TestScrapeBoundsConcurrencyByGroups(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		active  int
		peak    int
		workers atomic.Int32
	)
	runner := runnerFunc(func(_ context.Context, _ int, group partition.Group, _ booking.ScrapeRequest) (worker.Outcome, error) {
		workers.Add(1)
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()

		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return scrapeAll(group), nil
	})
	c := New(runner, nil, zap.NewNop())

	locations := []booking.LocationID{"1", "2", "3", "4", "5", "6", "7", "8"}
	result := c.Scrape(context.Background(), request(locations, []string{"p0", "p1", "p2", "p3", "p4"}, 2))

	require.Len(t, result.Bookings, len(locations))
	require.Equal(t, int32(2), workers.Load())
	require.LessOrEqual(t, peak, 2)
}

func TestScrapeNonPositiveCapUsesEveryEgress(t *testing.T) {
	t.Parallel()

	var workers atomic.Int32
	runner := runnerFunc(func(_ context.Context, _ int, group partition.Group, _ booking.ScrapeRequest) (worker.Outcome, error) {
		workers.Add(1)
		return scrapeAll(group), nil
	})
	c := New(runner, nil, zap.NewNop())

	result := c.Scrape(context.Background(), request([]booking.LocationID{"1", "2", "3", "4"}, []string{"p0", "p1", "p2"}, 0))
	require.Len(t, result.Bookings, 4)
	require.Equal(t, int32(3), workers.Load())
}

func TestScrapeLogsCallerRunID(t *testing.T) {
	t.Parallel()

	runner := runnerFunc(func(_ context.Context, _ int, group partition.Group, _ booking.ScrapeRequest) (worker.Outcome, error) {
		return scrapeAll(group), nil
	})
	core, logs := observer.New(zap.InfoLevel)
	c := New(runner, fakeIDs{}, zap.New(core))

	ctx := booking.WithRunID(context.Background(), "refresh-7")
	c.Scrape(ctx, request([]booking.LocationID{"A", "B"}, []string{"p0"}, 1))

	entries := logs.FilterMessage("scrape finished").All()
	require.Len(t, entries, 1)
	require.Equal(t, "refresh-7", entries[0].ContextMap()["run_id"])

	logs.TakeAll()
	c.Scrape(context.Background(), request([]booking.LocationID{"A"}, []string{"p0"}, 1))
	entries = logs.FilterMessage("scrape finished").All()
	require.Len(t, entries, 1)
	require.Equal(t, "run-1", entries[0].ContextMap()["run_id"])
}

type fakeIDs struct{}

func (fakeIDs) NewID() (string, error) { return "run-1", nil }
