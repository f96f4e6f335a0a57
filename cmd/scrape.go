package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newScrapeCmd creates the 'scrape' subcommand, which runs one scrape of
// every configured location and prints the result as JSON.
func newScrapeCmd() *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Runs a single scrape and prints the result",
		Long: `Partitions the configured locations across the configured proxies, runs one
browser session per group and writes the merged result, including any blocked
proxies, to stdout. With --save the result also replaces the persisted snapshot.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := appInstance.Logger()

			start := time.Now()
			result := appInstance.Scrape(cmd.Context())
			logger.Info("scrape finished",
				zap.Int("scraped", len(result.Bookings)),
				zap.Int("blocked_egress", len(result.BlockedEgress)),
				zap.Duration("elapsed", time.Since(start)),
			)

			if save {
				snap := appInstance.Snapshot()
				updated, err := snap.Update(result.Bookings)
				if err != nil {
					return fmt.Errorf("update snapshot: %w", err)
				}
				if updated {
					if err := snap.Save(cmd.Context()); err != nil {
						return err
					}
				} else {
					logger.Warn("no data scraped; snapshot left unchanged")
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "replace the persisted snapshot with the scraped results")
	return cmd
}
