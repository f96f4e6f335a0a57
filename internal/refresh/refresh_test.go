package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotscraper/internal/booking"
	"github.com/JakeFAU/slotscraper/internal/history"
	"github.com/JakeFAU/slotscraper/internal/publisher/memory"
	"github.com/JakeFAU/slotscraper/internal/snapshot"
)

// stubScraper answers each call with the next scripted result, collecting
// whatever requested locations appear in the script's set.
type stubScraper struct {
	mu       sync.Mutex
	rounds   []map[booking.LocationID]bool
	blocked  []booking.BlockedEgressReport
	requests []booking.ScrapeRequest
	runIDs   []string
	block    chan struct{}
}

func (s *stubScraper) Scrape(ctx context.Context, req booking.ScrapeRequest) booking.ScrapeResult {
	s.mu.Lock()
	call := len(s.requests)
	s.requests = append(s.requests, req)
	s.runIDs = append(s.runIDs, booking.RunIDFromContext(ctx))
	var succeed map[booking.LocationID]bool
	if call < len(s.rounds) {
		succeed = s.rounds[call]
	}
	s.mu.Unlock()

	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}

	result := booking.NewScrapeResult()
	for _, loc := range req.Locations {
		if succeed[loc] {
			result.Bookings[loc] = booking.LocationResult{Location: loc, Slots: []booking.TimeSlot{}}
		}
	}
	if call == 0 {
		result.BlockedEgress = append(result.BlockedEgress, s.blocked...)
	}
	return result
}

func (s *stubScraper) calls() []booking.ScrapeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]booking.ScrapeRequest(nil), s.requests...)
}

type stubSnapshot struct {
	mu      sync.Mutex
	updates []map[booking.LocationID]booking.LocationResult
	saves   int
	saveErr error
}

func (s *stubSnapshot) Update(results map[booking.LocationID]booking.LocationResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, results)
	return true, nil
}

func (s *stubSnapshot) Get() (snapshot.Document, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := snapshot.Document{Results: []booking.LocationResult{}}
	if len(s.updates) == 0 {
		return doc, ""
	}
	for _, r := range s.updates[len(s.updates)-1] {
		doc.Results = append(doc.Results, r)
	}
	return doc, "hash-" + string(rune('0'+len(s.updates)))
}

func (s *stubSnapshot) Save(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return s.saveErr
}

type recordingNotifier struct {
	mu      sync.Mutex
	blocked []string
	failed  [][2]int
}

func (n *recordingNotifier) ProxyBlocked(_ context.Context, report booking.BlockedEgressReport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = append(n.blocked, report.EgressPoint)
	return nil
}

func (n *recordingNotifier) ScrapeFailed(_ context.Context, remaining, attempts int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, [2]int{remaining, attempts})
	return errors.New("webhook down")
}

type recordingHistory struct {
	mu   sync.Mutex
	runs []history.Run
}

func (h *recordingHistory) RecordRun(_ context.Context, run history.Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, run)
	return nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "run-" + string(rune('0'+g.n)), nil
}

func template(locations ...booking.LocationID) booking.ScrapeRequest {
	return booking.ScrapeRequest{
		Locations:           locations,
		EgressPoints:        []string{"p0", "p1", "p2", "p3", "p4"},
		MaxParallelSessions: 2,
		Credentials:         booking.Credentials{Username: "u", Password: "p"},
	}
}

var fastRetries = Config{Interval: time.Hour, Retries: 3}

func TestRefreshOnceRetriesOnlyMissing(t *testing.T) {
	t.Parallel()

	scraper := &stubScraper{rounds: []map[booking.LocationID]bool{
		{"A": true},
		{"B": true, "C": true},
	}}
	snap := &stubSnapshot{}
	notifier := &recordingNotifier{}
	r := New(scraper, snap, notifier, fastRetries, template("A", "B", "C"), zap.NewNop())

	summary, err := r.RefreshOnce(context.Background())
	require.NoError(t, err)

	calls := scraper.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []booking.LocationID{"A", "B", "C"}, calls[0].Locations)
	assert.Equal(t, []booking.LocationID{"B", "C"}, calls[1].Locations)
	assert.Equal(t, []string{"p0", "p1", "p2", "p3", "p4"}, calls[0].EgressPoints)
	assert.Equal(t, []string{"p2", "p3", "p4", "p0", "p1"}, calls[1].EgressPoints)

	assert.Equal(t, 2, summary.Attempts)
	assert.Equal(t, 3, summary.Scraped)
	assert.Empty(t, summary.Missing)
	require.Len(t, snap.updates, 1)
	assert.Len(t, snap.updates[0], 3)
	assert.Equal(t, 1, snap.saves)
	assert.Empty(t, notifier.failed)
}

func TestRefreshOnceNotifiesAfterExhaustingRetries(t *testing.T) {
	t.Parallel()

	scraper := &stubScraper{rounds: []map[booking.LocationID]bool{{"A": true}, {}, {}}}
	snap := &stubSnapshot{}
	notifier := &recordingNotifier{}
	r := New(scraper, snap, notifier, fastRetries, template("A", "B"), zap.NewNop())

	summary, err := r.RefreshOnce(context.Background())
	require.NoError(t, err, "notification errors are logged, not returned")

	assert.Len(t, scraper.calls(), 3)
	assert.Equal(t, []booking.LocationID{"B"}, summary.Missing)
	assert.Equal(t, [][2]int{{1, 3}}, notifier.failed)
	require.Len(t, snap.updates, 1, "partial data is still published")
	assert.Len(t, snap.updates[0], 1)
}

func TestRefreshOnceKeepsSnapshotWhenNothingCollected(t *testing.T) {
	t.Parallel()

	scraper := &stubScraper{}
	snap := &stubSnapshot{}
	notifier := &recordingNotifier{}
	r := New(scraper, snap, notifier, Config{Retries: 2}, template("A"), zap.NewNop())

	summary, err := r.RefreshOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Updated)
	assert.Empty(t, snap.updates)
	assert.Zero(t, snap.saves)
	assert.Equal(t, [][2]int{{1, 2}}, notifier.failed)
}

func TestRefreshOnceReportsBlockedProxies(t *testing.T) {
	t.Parallel()

	scraper := &stubScraper{
		rounds: []map[booking.LocationID]bool{{"A": true}},
		blocked: []booking.BlockedEgressReport{
			booking.NewBlockedEgressReport("p1", 403, "denied"),
		},
	}
	notifier := &recordingNotifier{}
	r := New(scraper, &stubSnapshot{}, notifier, fastRetries, template("A"), zap.NewNop())

	summary, err := r.RefreshOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, notifier.blocked)
	require.Len(t, summary.Blocked, 1)
	assert.Equal(t, 403, summary.Blocked[0].StatusCode)
}

func TestRefreshOnceRetriesOnFreshProxies(t *testing.T) {
	t.Parallel()

	scraper := &stubScraper{
		rounds:  []map[booking.LocationID]bool{{}, {}, {}},
		blocked: []booking.BlockedEgressReport{booking.NewBlockedEgressReport("p0", 403, "denied")},
	}
	r := New(scraper, &stubSnapshot{}, nil, fastRetries, template("A", "B"), zap.NewNop())

	_, err := r.RefreshOnce(context.Background())
	require.NoError(t, err)

	calls := scraper.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"p0", "p1"}, calls[0].EgressPoints[:2])
	assert.Equal(t, []string{"p2", "p3"}, calls[1].EgressPoints[:2])
	assert.Equal(t, []string{"p4", "p1", "p2", "p3"}, calls[2].EgressPoints)
	for _, call := range calls[1:] {
		assert.NotContains(t, call.EgressPoints, "p0")
	}
}

func TestRefreshOnceKeepsProxiesWhenAllBlocked(t *testing.T) {
	t.Parallel()

	req := template("A")
	req.EgressPoints = []string{"p0"}
	req.MaxParallelSessions = 1
	scraper := &stubScraper{
		rounds:  []map[booking.LocationID]bool{{}, {"A": true}},
		blocked: []booking.BlockedEgressReport{booking.NewBlockedEgressReport("p0", 403, "")},
	}
	r := New(scraper, &stubSnapshot{}, nil, fastRetries, req, zap.NewNop())

	summary, err := r.RefreshOnce(context.Background())
	require.NoError(t, err)
	calls := scraper.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"p0"}, calls[1].EgressPoints)
	assert.Empty(t, summary.Missing)
}

func TestRefreshOncePassesRunIDToScraper(t *testing.T) {
	t.Parallel()

	scraper := &stubScraper{rounds: []map[booking.LocationID]bool{{"A": true}, {"B": true}}}
	r := New(scraper, &stubSnapshot{}, nil, fastRetries, template("A", "B"), zap.NewNop(), WithIDGenerator(&seqIDs{}))

	summary, err := r.RefreshOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run-1", summary.RunID)

	scraper.mu.Lock()
	defer scraper.mu.Unlock()
	assert.Equal(t, []string{"run-1", "run-1"}, scraper.runIDs)
}

func TestRefreshOnceSaveError(t *testing.T) {
	t.Parallel()

	scraper := &stubScraper{rounds: []map[booking.LocationID]bool{{"A": true}}}
	snap := &stubSnapshot{saveErr: errors.New("disk full")}
	r := New(scraper, snap, nil, fastRetries, template("A"), zap.NewNop())

	_, err := r.RefreshOnce(context.Background())
	require.ErrorContains(t, err, "disk full")
}

func TestRefreshOnceDedupesLocations(t *testing.T) {
	t.Parallel()

	scraper := &stubScraper{rounds: []map[booking.LocationID]bool{{"A": true, "B": true}}}
	r := New(scraper, &stubSnapshot{}, nil, fastRetries, template("A", "B", "A"), zap.NewNop())

	_, err := r.RefreshOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []booking.LocationID{"A", "B"}, scraper.calls()[0].Locations)
}

func TestProxyRotationAdvancesByParallelism(t *testing.T) {
	t.Parallel()

	scraper := &stubScraper{}
	r := New(scraper, &stubSnapshot{}, nil, Config{Retries: 1}, template("A"), zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := r.RefreshOnce(context.Background())
		require.NoError(t, err)
	}
	calls := scraper.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"p0", "p1", "p2", "p3", "p4"}, calls[0].EgressPoints)
	assert.Equal(t, []string{"p2", "p3", "p4", "p0", "p1"}, calls[1].EgressPoints)
	assert.Equal(t, []string{"p4", "p0", "p1", "p2", "p3"}, calls[2].EgressPoints)
}

func TestRotate(t *testing.T) {
	t.Parallel()

	s := []string{"a", "b", "c"}
	assert.Equal(t, []string{"b", "c", "a"}, Rotate(s, 1))
	assert.Equal(t, []string{"a", "b", "c"}, Rotate(s, 3))
	assert.Equal(t, []string{"c", "a", "b"}, Rotate(s, -1))
	assert.Nil(t, Rotate(nil, 2))
	assert.Equal(t, []string{"a", "b", "c"}, s)
}

func TestRunSingleLoopAndStop(t *testing.T) {
	t.Parallel()

	scraper := &stubScraper{block: make(chan struct{})}
	r := New(scraper, &stubSnapshot{}, nil, Config{Interval: time.Hour, Retries: 1}, template("A"), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(scraper.calls()) == 1 }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, r.Run(ctx), ErrAlreadyRunning)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestRefreshOnceRecordsAndPublishes(t *testing.T) {
	t.Parallel()

	scraper := &stubScraper{
		rounds: []map[booking.LocationID]bool{{"A": true}, {}},
		blocked: []booking.BlockedEgressReport{
			booking.NewBlockedEgressReport("p1", 403, "denied"),
		},
	}
	rec := &recordingHistory{}
	pub := memory.New(0)
	r := New(scraper, &stubSnapshot{}, nil, Config{Retries: 2}, template("A", "B"), zap.NewNop(),
		WithRecorder(rec),
		WithPublisher(pub),
		WithIDGenerator(&seqIDs{}),
	)

	summary, err := r.RefreshOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", summary.RunID)

	require.Len(t, rec.runs, 1)
	run := rec.runs[0]
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, 2, run.Attempts)
	assert.Equal(t, 2, run.Requested)
	assert.Equal(t, 1, run.Scraped)
	assert.Equal(t, []booking.LocationID{"B"}, run.Missing)
	require.Len(t, run.Blocked, 1)
	assert.True(t, run.Updated)
	assert.Equal(t, "hash-1", run.SnapshotHash)
	assert.False(t, run.FinishedAt.Before(run.StartedAt))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, EventSnapshotUpdated, msgs[0].Event)
	var event SnapshotEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	assert.Equal(t, "run-1", event.RunID)
	assert.Equal(t, "hash-1", event.Hash)
	assert.Equal(t, 1, event.Locations)
	assert.Equal(t, []booking.LocationID{"B"}, event.Missing)
}

func TestRefreshOnceRecordsEmptyRunWithoutPublishing(t *testing.T) {
	t.Parallel()

	rec := &recordingHistory{}
	pub := memory.New(0)
	r := New(&stubScraper{}, &stubSnapshot{}, nil, Config{Retries: 1}, template("A"), zap.NewNop(),
		WithRecorder(rec),
		WithPublisher(pub),
		WithIDGenerator(&seqIDs{}),
	)

	_, err := r.RefreshOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.runs, 1)
	assert.Zero(t, rec.runs[0].Scraped)
	assert.False(t, rec.runs[0].Updated)
	assert.Empty(t, rec.runs[0].SnapshotHash)
	assert.Empty(t, pub.Messages())
}

func TestRefreshOnceSkipsRecordWithoutRunID(t *testing.T) {
	t.Parallel()

	rec := &recordingHistory{}
	scraper := &stubScraper{rounds: []map[booking.LocationID]bool{{"A": true}}}
	r := New(scraper, &stubSnapshot{}, nil, Config{Retries: 1}, template("A"), zap.NewNop(), WithRecorder(rec))

	summary, err := r.RefreshOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.RunID)
	assert.Empty(t, rec.runs)
}
