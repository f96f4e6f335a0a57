// Package cmd defines and implements the CLI commands for the slotscraper executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotscraper/internal/api"
	"github.com/JakeFAU/slotscraper/internal/app"
	"github.com/JakeFAU/slotscraper/internal/booking"
	"github.com/JakeFAU/slotscraper/internal/config"
	"github.com/JakeFAU/slotscraper/internal/logging"
	"github.com/JakeFAU/slotscraper/internal/refresh"
	"github.com/JakeFAU/slotscraper/internal/snapshot"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Close() error
	Logger() *zap.Logger
	Config() config.Config
	Scrape(ctx context.Context) booking.ScrapeResult
	Snapshot() *snapshot.Store
	Refresher() *refresh.Refresher
	APIServer() *api.Server
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "slotscraper",
		Short: "Scrapes test centre timeslots from the booking portal.",
		Long: `slotscraper drives a pool of browser sessions, one per proxy, through the
booking portal and collects the published timeslots for every configured test
centre. It can run a single scrape or serve the latest snapshot over HTTP while
refreshing it in the background.`,
		SilenceUsage: true,

		// Builds the application once config is loaded and before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				return appInstance.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); SLOTSCRAPER_* env vars override it")

	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "slotscraper: %v\n", err)
		stop()
		os.Exit(1)
	}
}
