package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/otto-bgp/otto-bgp/pkg/cache"
	"github.com/otto-bgp/otto-bgp/pkg/cli"
	"github.com/otto-bgp/otto-bgp/pkg/pipeline"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Policy cache administration",
	Long: `The policy cache keeps bgpq4 output per AS or AS-SET fingerprint with a
TTL, so repeat generations skip the IRR round trip. Keys look like
AS64500:default or AS-EXAMPLE:default.

Examples:
  otto-bgp cache stats
  otto-bgp cache sweep
  otto-bgp cache invalidate AS64500:default
  otto-bgp cache invalidate 64500`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show entry counts and hit totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			store, err := p.Cache(ctx)
			if err != nil {
				return err
			}
			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(stats)
			}

			fmt.Printf("Entries: %d (%d expired)\n", stats.Entries, stats.Expired)
			fmt.Printf("Total hits: %d\n", stats.TotalHits)
			if !stats.Oldest.IsZero() {
				fmt.Printf("Oldest fetch: %s\n", stats.Oldest.Local().Format("2006-01-02 15:04:05"))
			}
			if !stats.Newest.IsZero() {
				fmt.Printf("Newest fetch: %s\n", stats.Newest.Local().Format("2006-01-02 15:04:05"))
			}
			if stats.Expired > 0 {
				cli.Hintf("reclaim expired entries with: otto-bgp cache sweep")
			}
			return nil
		})
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			store, err := p.Cache(ctx)
			if err != nil {
				return err
			}
			removed, err := store.Sweep(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]int64{"removed": removed})
			}
			cli.Successf("removed %d expired entr%s", removed, pluralY(removed))
			return nil
		})
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <fingerprint>",
	Short: "Remove one entry by fingerprint",
	Long: `Remove a single cache entry so the next generation refetches from the
IRR. A bare AS number is expanded to its default fingerprint.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		if asn, err := strconv.ParseInt(key, 10, 64); err == nil {
			key = cache.FingerprintAS(asn, "")
		}

		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			store, err := p.Cache(ctx)
			if err != nil {
				return err
			}
			if err := store.Invalidate(ctx, key); err != nil {
				return err
			}
			cli.Successf("invalidated %s", key)
			return nil
		})
	},
}

func pluralY(n int64) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheSweepCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
	addOutputFlags(cacheCmd)
}
