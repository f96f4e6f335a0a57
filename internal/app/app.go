// Package app initializes and holds long-lived application services, acting as the composition root.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotscraper/internal/api"
	"github.com/JakeFAU/slotscraper/internal/booking"
	"github.com/JakeFAU/slotscraper/internal/browser/headless"
	"github.com/JakeFAU/slotscraper/internal/clock/system"
	"github.com/JakeFAU/slotscraper/internal/config"
	"github.com/JakeFAU/slotscraper/internal/coordinator"
	"github.com/JakeFAU/slotscraper/internal/history"
	"github.com/JakeFAU/slotscraper/internal/humanize"
	"github.com/JakeFAU/slotscraper/internal/id/uuid"
	"github.com/JakeFAU/slotscraper/internal/locations"
	"github.com/JakeFAU/slotscraper/internal/logging"
	"github.com/JakeFAU/slotscraper/internal/navigation"
	"github.com/JakeFAU/slotscraper/internal/notify"
	"github.com/JakeFAU/slotscraper/internal/publisher/pubsub"
	"github.com/JakeFAU/slotscraper/internal/refresh"
	"github.com/JakeFAU/slotscraper/internal/snapshot"
	"github.com/JakeFAU/slotscraper/internal/storage"
	"github.com/JakeFAU/slotscraper/internal/storage/gcs"
	"github.com/JakeFAU/slotscraper/internal/storage/local"
	"github.com/JakeFAU/slotscraper/internal/storage/memory"
	"github.com/JakeFAU/slotscraper/internal/telemetry"
	"github.com/JakeFAU/slotscraper/internal/worker"
)

const closeTimeout = 10 * time.Second

// App holds all the shared, long-lived services for the application.
// It is built once at startup and handed to the CLI commands.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	blobs       storage.BlobStore
	snapshot    *snapshot.Store
	coordinator *coordinator.Coordinator
	refresher   *refresh.Refresher
	server      *api.Server
	request     booking.ScrapeRequest
	closers     []func() error
}

type options struct {
	launcher  booking.Launcher
	blobs     storage.BlobStore
	notifier  notify.Notifier
	clock     booking.Clock
	ids       booking.IDGenerator
	history   HistoryStore
	publisher refresh.Publisher
}

// HistoryStore records refresh runs and lists them for the API.
type HistoryStore interface {
	refresh.Recorder
	api.RunLister
}

// Option overrides a default collaborator.
type Option func(*options)

// WithLauncher replaces the Chrome launcher.
func WithLauncher(l booking.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithBlobStore replaces the configured storage backend.
func WithBlobStore(b storage.BlobStore) Option {
	return func(o *options) { o.blobs = b }
}

// WithNotifier replaces the webhook notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithClock replaces the system clock.
func WithClock(c booking.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator replaces the UUID run id generator.
func WithIDGenerator(ids booking.IDGenerator) Option {
	return func(o *options) { o.ids = ids }
}

// WithHistory replaces the Postgres run history.
func WithHistory(h HistoryStore) Option {
	return func(o *options) { o.history = h }
}

// WithPublisher replaces the Pub/Sub event publisher.
func WithPublisher(p refresh.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// New wires every service from cfg. It fails fast if any of them cannot be
// initialized, and loads the last persisted snapshot.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	if o.ids == nil {
		o.ids = uuid.NewUUIDGenerator()
	}

	a := &App{cfg: cfg, logger: logger}
	logger.Info("initializing application services")

	if cfg.Telemetry.Tracing {
		tp, err := a.newTracerProvider(ctx)
		if err != nil {
			return nil, fmt.Errorf("initialize tracing: %w", err)
		}
		a.closers = append(a.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			return tp.Shutdown(shutdownCtx)
		})
	}

	blobs := o.blobs
	if blobs == nil {
		var err error
		blobs, err = a.newBlobStore(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize storage: %w", err)
		}
	}
	a.blobs = blobs

	a.snapshot = snapshot.New(blobs, cfg.Storage.Object, o.clock, logger.Named("snapshot"))
	if err := a.snapshot.Load(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	centres, err := cfg.ReadCentres()
	if err != nil {
		a.Close()
		return nil, err
	}
	catalogue := locations.NewCatalogue(centres)
	proxies, err := cfg.ReadProxies()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.request = cfg.Request(catalogue.IDs(), proxies)

	launcher := o.launcher
	if launcher == nil {
		hc := headless.DefaultConfig()
		hc.ExecPath = cfg.Scrape.ChromePath
		hc.UserAgent = cfg.Scrape.UserAgent
		launcher = headless.NewLauncher(hc, logger.Named("browser"))
	}

	flow := navigation.New(
		navigation.Config{ElementTimeout: cfg.Scrape.ElementTimeout},
		humanize.FromConfig(cfg.Scrape.Humanize),
		logger.Named("navigation"),
	)
	w := worker.New(launcher, flow, worker.Config{
		LoginURL:         cfg.Scrape.LoginURL,
		StartupStagger:   cfg.Scrape.StartupStagger,
		BlockStatusCodes: cfg.Scrape.BlockStatusCodes,
	}, logger.Named("worker"))
	a.coordinator = coordinator.New(w, o.ids, logger.Named("coordinator"))

	notifier := o.notifier
	if notifier == nil {
		notifier = notify.Noop{}
		if cfg.Notify.WebhookURL != "" {
			notifier = notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.MinInterval, o.clock, logger.Named("notify"))
		}
	}

	runs := o.history
	if runs == nil && cfg.History.DSN != "" {
		store, err := a.newHistory(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize history: %w", err)
		}
		runs = store
	}
	events := o.publisher
	if events == nil && cfg.Events.Topic != "" {
		pub, err := a.newPublisher(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize events: %w", err)
		}
		events = pub
	}

	refreshOpts := []refresh.Option{refresh.WithIDGenerator(o.ids)}
	apiOpts := api.Options{APIKey: cfg.Server.APIKey, Locations: catalogue}
	if runs != nil {
		refreshOpts = append(refreshOpts, refresh.WithRecorder(runs))
		apiOpts.History = runs
	}
	if events != nil {
		refreshOpts = append(refreshOpts, refresh.WithPublisher(events))
	}

	a.refresher = refresh.New(a.coordinator, a.snapshot, notifier, refresh.Config{
		Interval:   cfg.Refresh.Interval,
		Retries:    cfg.Refresh.Retries,
		RetryDelay: cfg.Refresh.RetryDelay,
	}, a.request, logger.Named("refresh"), refreshOpts...)

	a.server = api.NewServer(a.snapshot, apiOpts, logger.Named("api"))

	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("history", runs != nil),
		zap.Bool("events", events != nil),
		zap.String("username", logging.Mask(cfg.Scrape.Username)),
		zap.Int("locations", catalogue.Len()),
		zap.Int("proxies", len(proxies)),
		zap.Int("parallel_browsers", cfg.Scrape.ParallelBrowsers),
	)
	return a, nil
}

func (a *App) newBlobStore(ctx context.Context) (storage.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendLocal:
		a.logger.Info("using local storage", zap.String("base_dir", a.cfg.Storage.BaseDir))
		return local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir})
	case config.BackendMemory:
		a.logger.Info("using in-memory storage; the snapshot will not survive a restart")
		return memory.NewBlobStore(), nil
	case config.BackendGCS:
		a.logger.Info("using GCS storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", a.cfg.Storage.Backend)
	}
}

func (a *App) newTracerProvider(ctx context.Context) (*sdktrace.TracerProvider, error) {
	exp, err := telemetry.NewExporter(ctx, telemetry.ExporterConfig{
		GRPCEndpoint: a.cfg.Telemetry.OTLPGRPCEndpoint,
		HTTPEndpoint: a.cfg.Telemetry.OTLPHTTPEndpoint,
		Headers:      a.cfg.Telemetry.OTLPHeaders,
	})
	if err != nil {
		return nil, err
	}
	var opts []sdktrace.TracerProviderOption
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	} else {
		a.logger.Warn("tracing enabled without an otlp endpoint; spans will not be exported")
	}
	return telemetry.InitTracerProvider(ctx, telemetry.ServiceName, opts...)
}

func (a *App) newHistory(ctx context.Context) (*history.PostgresStore, error) {
	store, err := history.NewPostgresStore(ctx, history.Config{
		DSN:             a.cfg.History.DSN,
		Table:           a.cfg.History.Table,
		MaxConns:        a.cfg.History.MaxConns,
		MinConns:        a.cfg.History.MinConns,
		MaxConnLifetime: a.cfg.History.MaxConnLifetime,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	if a.cfg.History.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}
	a.logger.Info("recording refresh history in postgres", zap.String("table", a.cfg.History.Table))
	return store, nil
}

func (a *App) newPublisher(ctx context.Context) (*pubsub.Publisher, error) {
	client, err := gcpubsub.NewClient(ctx, a.cfg.Events.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	pub := pubsub.New(client.Topic(a.cfg.Events.Topic))
	a.closers = append(a.closers, func() error {
		pub.Close()
		return nil
	})
	a.logger.Info("publishing snapshot events",
		zap.String("project", a.cfg.Events.ProjectID),
		zap.String("topic", a.cfg.Events.Topic),
	)
	return pub, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Snapshot returns the bookings store.
func (a *App) Snapshot() *snapshot.Store { return a.snapshot }

// Refresher returns the background refresh loop.
func (a *App) Refresher() *refresh.Refresher { return a.refresher }

// APIServer returns the HTTP API.
func (a *App) APIServer() *api.Server { return a.server }

// Request returns the scrape request built from configuration.
func (a *App) Request() booking.ScrapeRequest { return a.request }

// Scrape runs one scrape of every configured location.
func (a *App) Scrape(ctx context.Context) booking.ScrapeResult {
	return a.coordinator.Scrape(ctx, a.request)
}

// Close releases every service in reverse order of creation and flushes the logger.
func (a *App) Close() error {
	a.logger.Info("shutting down application services")
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
