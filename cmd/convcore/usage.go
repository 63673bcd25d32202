package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/aloundoye/convcore/internal/config"
	"github.com/aloundoye/convcore/internal/usage"
)

// buildUsageCmd reports token/cost usage pulled live from the configured
// provider's billing API, as opposed to `usage.Tracker`'s in-process record
// of the current run (which chat.go never surfaces on its own command yet).
func buildUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Fetch this month's usage and cost from the configured LLM provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			registry := usage.NewUsageFetcherRegistry()
			registry.Register(&usage.AnthropicUsageFetcher{APIKey: cfg.Anthropic.APIKey})
			cache := usage.NewUsageCache(registry, 5*time.Minute)

			reports := cache.GetAll(cmd.Context())
			sort.Slice(reports, func(i, j int) bool { return reports[i].Provider < reports[j].Provider })

			out := cmd.OutOrStdout()
			for _, r := range reports {
				if r.Error != "" {
					fmt.Fprintf(out, "%s: error: %s\n", r.Provider, r.Error)
					continue
				}
				fmt.Fprintf(out, "%s (%s): %d tokens, $%.2f\n", r.Provider, r.Period, r.TotalTokens, r.TotalCostUSD)
				for _, b := range r.Breakdown {
					fmt.Fprintf(out, "  %-20s %8d tokens  $%.2f\n", b.Model, b.TotalTokens, b.CostUSD)
				}
			}
			return nil
		},
	}
}
