// Package app_test contains unit tests for the app package.
package app_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/slotscraper/internal/app"
	"github.com/JakeFAU/slotscraper/internal/booking"
	"github.com/JakeFAU/slotscraper/internal/config"
	"github.com/JakeFAU/slotscraper/internal/history"
	pubmemory "github.com/JakeFAU/slotscraper/internal/publisher/memory"
	"github.com/JakeFAU/slotscraper/internal/storage/memory"
)

var errNoElement = errors.New("no such element")

type fakeSession struct {
	status int
	closed bool
}

func (s *fakeSession) Navigate(context.Context, string) (booking.Response, error) {
	return booking.Response{Status: s.status, Body: "Access Denied"}, nil
}
func (s *fakeSession) WaitFor(context.Context, booking.Selector) error { return errNoElement }
func (s *fakeSession) Click(context.Context, booking.Selector) error   { return errNoElement }
func (s *fakeSession) Type(context.Context, booking.Selector, string) error {
	return errNoElement
}
func (s *fakeSession) Select(context.Context, booking.Selector, string) error {
	return errNoElement
}
func (s *fakeSession) Interactable(context.Context, booking.Selector) (bool, error) {
	return false, nil
}
func (s *fakeSession) ReadInjected(context.Context, string) (any, error) { return nil, nil }
func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// fakeLauncher answers the initial load with a per-egress status.
type fakeLauncher struct {
	mu       sync.Mutex
	status   map[string]int
	sessions []*fakeSession
}

func (l *fakeLauncher) Launch(_ context.Context, egress string, _ bool) (booking.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &fakeSession{status: l.status[egress]}
	l.sessions = append(l.sessions, s)
	return s, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	blocked []booking.BlockedEgressReport
	failed  int
}

func (n *recordingNotifier) ProxyBlocked(_ context.Context, r booking.BlockedEgressReport) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = append(n.blocked, r)
	return nil
}

func (n *recordingNotifier) ScrapeFailed(context.Context, int, int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed++
	return nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func testConfig() config.Config {
	return config.Config{
		Scrape: config.ScrapeConfig{
			Headless:         true,
			Username:         "learner",
			Password:         "secret",
			ElementTimeout:   time.Second,
			NavigateTimeout:  time.Second,
			ParallelBrowsers: 2,
			Proxies:          []string{"http://ok:8080", "http://blocked:8080"},
			Locations:        []string{"1", "2", "3", "4"},
			BlockStatusCodes: []int{403},
		},
		Refresh: config.RefreshConfig{
			Interval: time.Minute,
			Retries:  1,
		},
		Storage: config.StorageConfig{
			Backend: config.BackendMemory,
			Object:  "bookings.json",
		},
		Server: config.ServerConfig{Port: 8080},
	}
}

func TestNew_BuildsRequestFromConfig(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), nil, app.WithLauncher(&fakeLauncher{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	req := a.Request()
	assert.Equal(t, []booking.LocationID{"1", "2", "3", "4"}, req.Locations)
	assert.Equal(t, []string{"http://ok:8080", "http://blocked:8080"}, req.EgressPoints)
	assert.Equal(t, 2, req.MaxParallelSessions)
	assert.Equal(t, "learner", req.Credentials.Username)
	assert.True(t, req.Headless)
	assert.NotNil(t, a.Logger())
	assert.NotNil(t, a.Refresher())
	assert.NotNil(t, a.APIServer())
	assert.False(t, a.Snapshot().Ready())
}

func TestNew_ServesLocationCatalogue(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "centres.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id": 7, "name": "Bondi Junction", "latitude": -33.891, "longitude": 151.247}]`), 0o600))
	cfg := testConfig()
	cfg.Scrape.LocationsFile = path

	a, err := app.New(context.Background(), cfg, nil, app.WithLauncher(&fakeLauncher{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Equal(t, []booking.LocationID{"1", "2", "3", "4", "7"}, a.Request().Locations)

	rec := httptest.NewRecorder()
	a.APIServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/locations/nearest?lat=-33.87&lng=151.21", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"Bondi Junction"`)
	assert.Contains(t, rec.Body.String(), `"count":1`)
}

func TestNew_ConfigErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		mutate        func(*config.Config)
		expectedError string
	}{
		{
			name:          "unknown storage backend",
			mutate:        func(c *config.Config) { c.Storage.Backend = "floppy" },
			expectedError: `unknown storage backend: "floppy"`,
		},
		{
			name:          "missing proxy file",
			mutate:        func(c *config.Config) { c.Scrape.ProxyFile = "/nonexistent/proxies.txt" },
			expectedError: "read proxy file",
		},
		{
			name:          "unparseable history dsn",
			mutate:        func(c *config.Config) { c.History.DSN = "postgres://%zz" },
			expectedError: "initialize history",
		},
		{
			name:          "missing locations file",
			mutate:        func(c *config.Config) { c.Scrape.LocationsFile = "/nonexistent/centres.json" },
			expectedError: "read locations file",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tc.mutate(&cfg)
			a, err := app.New(context.Background(), cfg, nil, app.WithLauncher(&fakeLauncher{}))
			require.Error(t, err)
			assert.Nil(t, a)
			assert.Contains(t, err.Error(), tc.expectedError)
		})
	}
}

func TestNew_LoadsPersistedSnapshot(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	doc := `{"results":[{"location":"1","slots":[{"availability":true,"slot_number":3,"startTime":"09:15"}],"next_available_date":null}],"last_updated":"2026-10-01T08:00:00Z"}`
	_, err := blobs.PutObject(context.Background(), "bookings.json", "application/json", bytes.NewReader([]byte(doc)))
	require.NoError(t, err)

	a, err := app.New(context.Background(), testConfig(), nil,
		app.WithLauncher(&fakeLauncher{}),
		app.WithBlobStore(blobs),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.True(t, a.Snapshot().Ready())
	res, _, ok := a.Snapshot().Location("1")
	require.True(t, ok)
	require.Len(t, res.Slots, 1)
	assert.Equal(t, "09:15", res.Slots[0].StartTime)

	rec := httptest.NewRecorder()
	a.APIServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_CorruptSnapshotFails(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	_, err := blobs.PutObject(context.Background(), "bookings.json", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)

	_, err = app.New(context.Background(), testConfig(), nil,
		app.WithLauncher(&fakeLauncher{}),
		app.WithBlobStore(blobs),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load snapshot")
}

func TestScrape_ReportsBlockedEgress(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{status: map[string]int{
		"http://ok:8080":      200,
		"http://blocked:8080": 403,
	}}
	a, err := app.New(context.Background(), testConfig(), nil, app.WithLauncher(launcher))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	result := a.Scrape(context.Background())

	assert.Empty(t, result.Bookings)
	require.Len(t, result.BlockedEgress, 1)
	assert.Equal(t, "http://blocked:8080", result.BlockedEgress[0].EgressPoint)
	assert.Equal(t, 403, result.BlockedEgress[0].StatusCode)
	assert.Equal(t, "Access Denied", result.BlockedEgress[0].ResponseExcerpt)

	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	require.Len(t, launcher.sessions, 2)
	for _, s := range launcher.sessions {
		assert.True(t, s.closed)
	}
}

func TestRefresher_NotifiesAndKeepsSnapshot(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{status: map[string]int{
		"http://ok:8080":      403,
		"http://blocked:8080": 403,
	}}
	notifier := &recordingNotifier{}
	a, err := app.New(context.Background(), testConfig(), nil,
		app.WithLauncher(launcher),
		app.WithNotifier(notifier),
		app.WithClock(fixedClock{t: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	summary, err := a.Refresher().RefreshOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Attempts)
	assert.Zero(t, summary.Scraped)
	assert.False(t, summary.Updated)
	assert.Len(t, summary.Missing, 4)
	assert.False(t, a.Snapshot().Ready())

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Len(t, notifier.blocked, 2)
	assert.Equal(t, 1, notifier.failed)
}

func TestApp_Close(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), nil, app.WithLauncher(&fakeLauncher{}))
	require.NoError(t, err)
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}

type memoryHistory struct {
	mu   sync.Mutex
	runs []history.Run
}

func (h *memoryHistory) RecordRun(_ context.Context, run history.Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append([]history.Run{run}, h.runs...)
	return nil
}

func (h *memoryHistory) Recent(_ context.Context, limit int) ([]history.Run, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit > len(h.runs) {
		limit = len(h.runs)
	}
	return append([]history.Run(nil), h.runs[:limit]...), nil
}

type seqIDs struct{}

func (seqIDs) NewID() (string, error) { return "run-1", nil }

func TestRefresher_RecordsHistoryWithoutPublishing(t *testing.T) {
	t.Parallel()

	runs := &memoryHistory{}
	events := pubmemory.New(0)
	a, err := app.New(context.Background(), testConfig(), nil,
		app.WithLauncher(&fakeLauncher{status: map[string]int{
			"http://ok:8080":      403,
			"http://blocked:8080": 403,
		}}),
		app.WithNotifier(&recordingNotifier{}),
		app.WithIDGenerator(seqIDs{}),
		app.WithHistory(runs),
		app.WithPublisher(events),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	summary, err := a.Refresher().RefreshOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", summary.RunID)
	assert.False(t, summary.Updated)
	assert.Empty(t, events.Messages())

	rec := httptest.NewRecorder()
	a.APIServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"run-1"`)
	assert.Contains(t, rec.Body.String(), `"count":1`)
}
