package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/otto-bgp/otto-bgp/pkg/cli"
	"github.com/otto-bgp/otto-bgp/pkg/override"
	"github.com/otto-bgp/otto-bgp/pkg/pipeline"
	"github.com/otto-bgp/otto-bgp/pkg/rpki"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

var rpkiCmd = &cobra.Command{
	Use:   "rpki",
	Short: "RPKI validation status, checks, and overrides",
	Long: `Inspect the VRP snapshot, validate individual announcements, and manage
per-AS validation overrides.

Examples:
  otto-bgp rpki status
  otto-bgp rpki check 192.0.2.0/24 64500
  otto-bgp rpki override disable 64500 --reason "registry outage INC-123"
  otto-bgp rpki override enable 64500 --reason "registry recovered"
  otto-bgp rpki override list
  otto-bgp rpki override history 64500`,
}

// ===== rpki status =====

var rpkiStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show VRP snapshot freshness and validation settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.RPKI.Enabled {
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]bool{"enabled": false})
			}
			cli.Warningf("RPKI validation is disabled in configuration")
			return nil
		}

		maxAge := time.Duration(cfg.RPKI.MaxVRPAgeHours) * time.Hour
		snap, err := rpki.Preflight(cfg.RPKI.VRPCachePath, maxAge)
		if err != nil {
			if jsonOutput {
				_ = json.NewEncoder(os.Stdout).Encode(map[string]string{"error": err.Error()})
			}
			return err
		}

		v4, v6 := snap.Count()
		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(map[string]any{
				"enabled":     true,
				"fail_closed": cfg.RPKI.FailClosed,
				"path":        snap.Path(),
				"age_seconds": int64(snap.Age().Seconds()),
				"vrps_v4":     v4,
				"vrps_v6":     v6,
			})
		}

		fmt.Printf("VRP snapshot: %s\n", snap.Path())
		fmt.Printf("Age: %s (maximum %s)\n", snap.Age().Round(time.Second), maxAge)
		fmt.Printf("VRPs: %d IPv4, %d IPv6\n", v4, v6)
		if cfg.RPKI.AllowlistPath != "" {
			fmt.Printf("Allowlist: %s\n", cfg.RPKI.AllowlistPath)
		}
		if cfg.RPKI.FailClosed {
			cli.Successf("preflight passing, fail-closed enforcement active")
		} else {
			cli.Warningf("preflight passing, but fail-closed is off: a stale snapshot would only warn")
		}
		return nil
	},
}

// ===== rpki check =====

var rpkiCheckCmd = &cobra.Command{
	Use:   "check <prefix> <as-number>",
	Short: "Validate one announcement against the VRP snapshot",
	Long: `Validate a single (prefix, origin AS) pair. Overrides and the allowlist
apply exactly as they would during policy generation.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := args[0]
		asn, err := parseASArg(args[1])
		if err != nil {
			return err
		}

		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			validator, err := p.RPKI(ctx)
			if err != nil {
				return err
			}
			if validator == nil {
				return util.NewPipelineError(util.KindConfiguration, "rpki check", "",
					"no validator available: enable rpki and provide a VRP snapshot")
			}

			res := validator.Check(ctx, prefix, asn)
			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(res)
			}

			fmt.Printf("%s %s: %s\n", res.Prefix, util.FormatAS(res.ASNumber), colorState(res.State))
			if res.Reason != "" {
				fmt.Printf("  %s\n", res.Reason)
			}
			if res.Allowlisted {
				cli.Hintf("result granted by the operator allowlist")
			}
			return nil
		})
	},
}

func colorState(s rpki.State) string {
	switch s {
	case rpki.StateValid:
		return cli.Green(string(s))
	case rpki.StateInvalid:
		return cli.Red(string(s))
	case rpki.StateError:
		return cli.Red(string(s))
	default:
		return cli.Yellow(string(s))
	}
}

// parseASArg accepts "64500" and "AS64500".
func parseASArg(s string) (int64, error) {
	trimmed := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "AS")
	asn, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, util.NewPipelineError(util.KindValidation, "parse AS number", s, "not a number")
	}
	if err := util.ValidateASN(asn); err != nil {
		return 0, util.WrapError(util.KindValidation, "parse AS number", s, err)
	}
	return asn, nil
}

// ===== rpki override =====

var (
	overrideReason string
	overrideActor  string
	historyLimit   int
)

var rpkiOverrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Manage per-AS validation overrides",
	Long: `Disable or re-enable RPKI validation for individual AS numbers during
incidents. Overridden AS numbers validate as NOTFOUND instead of being
checked; every flip lands in an append-only history.`,
}

var rpkiOverrideDisableCmd = &cobra.Command{
	Use:   "disable <as-number>",
	Short: "Disable validation for an AS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return flipOverride(args[0], false)
	},
}

var rpkiOverrideEnableCmd = &cobra.Command{
	Use:   "enable <as-number>",
	Short: "Re-enable validation for an AS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return flipOverride(args[0], true)
	},
}

func flipOverride(arg string, enable bool) error {
	asn, err := parseASArg(arg)
	if err != nil {
		return err
	}

	return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
		store, err := p.Overrides(ctx)
		if err != nil {
			return err
		}

		req := override.Request{
			ASNumber: asn,
			Reason:   overrideReason,
			Actor:    actorOrUser(overrideActor),
		}
		if enable {
			err = store.Enable(ctx, req)
		} else {
			err = store.Disable(ctx, req)
		}
		if err != nil {
			return err
		}

		if enable {
			cli.Successf("RPKI validation re-enabled for %s", util.FormatAS(asn))
		} else {
			cli.Warningf("RPKI validation disabled for %s", util.FormatAS(asn))
			cli.Hintf("re-enable with: otto-bgp rpki override enable %d --reason <why>", asn)
		}
		return nil
	})
}

func actorOrUser(actor string) string {
	if actor != "" {
		return actor
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}

var rpkiOverrideListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			store, err := p.Overrides(ctx)
			if err != nil {
				return err
			}
			overrides, err := store.List(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(overrides)
			}
			if len(overrides) == 0 {
				fmt.Println("No overrides recorded")
				return nil
			}

			t := cli.NewTable("AS", "VALIDATION", "REASON", "MODIFIED", "BY")
			for _, o := range overrides {
				state := cli.Red("disabled")
				if o.RPKIEnabled {
					state = cli.Green("enabled")
				}
				t.Row(util.FormatAS(o.ASNumber), state, o.Reason,
					o.ModifiedDate.Local().Format("2006-01-02 15:04"), o.ModifiedBy)
			}
			t.Flush()
			return nil
		})
	},
}

var rpkiOverrideHistoryCmd = &cobra.Command{
	Use:   "history <as-number>",
	Short: "Show the override history for an AS",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asn, err := parseASArg(args[0])
		if err != nil {
			return err
		}

		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			store, err := p.Overrides(ctx)
			if err != nil {
				return err
			}
			entries, err := store.History(ctx, asn, historyLimit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(entries)
			}
			if len(entries) == 0 {
				fmt.Printf("No history for %s\n", util.FormatAS(asn))
				return nil
			}

			t := cli.NewTable("TIME", "ACTION", "REASON", "USER", "SOURCE")
			for _, e := range entries {
				t.Row(e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Action, e.Reason, e.User, e.SourceIP)
			}
			t.Flush()
			return nil
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{rpkiOverrideDisableCmd, rpkiOverrideEnableCmd} {
		cmd.Flags().StringVar(&overrideReason, "reason", "", "Why validation is being flipped (required)")
		cmd.Flags().StringVar(&overrideActor, "actor", "", "Who is making the change (default: $USER)")
		_ = cmd.MarkFlagRequired("reason")
	}
	rpkiOverrideHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum history entries to show")

	rpkiOverrideCmd.AddCommand(rpkiOverrideDisableCmd)
	rpkiOverrideCmd.AddCommand(rpkiOverrideEnableCmd)
	rpkiOverrideCmd.AddCommand(rpkiOverrideListCmd)
	rpkiOverrideCmd.AddCommand(rpkiOverrideHistoryCmd)

	rpkiCmd.AddCommand(rpkiStatusCmd)
	rpkiCmd.AddCommand(rpkiCheckCmd)
	rpkiCmd.AddCommand(rpkiOverrideCmd)

	// After AddCommand so --json registers persistently.
	addOutputFlags(rpkiCmd)
}
