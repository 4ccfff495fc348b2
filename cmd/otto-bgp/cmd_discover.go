package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/otto-bgp/otto-bgp/pkg/cli"
	"github.com/otto-bgp/otto-bgp/pkg/discovery"
	"github.com/otto-bgp/otto-bgp/pkg/model"
	"github.com/otto-bgp/otto-bgp/pkg/pipeline"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// roundTo trims durations in operator-facing summaries.
const roundTo = 100 * time.Millisecond

var discoverCmd = &cobra.Command{
	Use:   "discover <inventory.csv>",
	Short: "Discover AS numbers and BGP groups per router",
	Long: `Connect to every router in the inventory, read its BGP configuration,
and record which AS numbers and BGP groups live where. Results are
persisted to the database, snapshotted for change tracking, and written
as CSV/JSON/text reports under the report directory.

Unreachable routers are reported and skipped; the command fails only
when no router could be read at all.

Examples:
  otto-bgp discover devices.csv
  otto-bgp discover devices.csv --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := loadInventory(args)
		if err != nil {
			return err
		}

		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			report, err := p.Discover(ctx, devices)
			if report == nil {
				return err
			}

			if jsonOutput {
				if encErr := json.NewEncoder(os.Stdout).Encode(discoverView(report)); encErr != nil {
					return encErr
				}
				return err
			}

			printDiscoverReport(report, len(devices))
			return err
		})
	},
}

type discoverFailureJSON struct {
	Hostname string `json:"hostname"`
	Address  string `json:"address"`
	Error    string `json:"error"`
}

type discoverJSON struct {
	Profiles []*model.RouterProfile `json:"profiles"`
	Failures []discoverFailureJSON  `json:"failures,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
	Diff     discovery.Diff         `json:"diff"`
}

func discoverView(report *pipeline.DiscoverReport) discoverJSON {
	view := discoverJSON{
		Profiles: report.Profiles,
		Warnings: report.Warnings,
		Diff:     report.Diff,
	}
	for _, f := range report.Failures {
		view.Failures = append(view.Failures, discoverFailureJSON{
			Hostname: f.Device.Hostname,
			Address:  f.Device.Address,
			Error:    f.Err.Error(),
		})
	}
	return view
}

func printDiscoverReport(report *pipeline.DiscoverReport, total int) {
	for _, f := range report.Failures {
		cli.Failuref("%s (%s): %v", f.Device.Hostname, f.Device.Address, f.Err)
	}
	for _, w := range report.Warnings {
		cli.Warningf("%s", w)
	}

	if len(report.Profiles) > 0 {
		t := cli.NewTable("HOSTNAME", "ADDRESS", "AS NUMBERS", "GROUPS")
		for _, p := range report.Profiles {
			t.Row(p.Hostname, p.Address, formatASList(p.ASNumbers), strings.Join(p.GroupNames(), ","))
		}
		t.Flush()
	}

	if report.Diff.Changed() {
		fmt.Println()
		for _, m := range report.Diff.Added {
			fmt.Printf("  %s %s\n", cli.Green("+"), formatMapping(m))
		}
		for _, m := range report.Diff.Removed {
			fmt.Printf("  %s %s\n", cli.Red("-"), formatMapping(m))
		}
	}

	fmt.Println()
	if failed := len(report.Failures); failed > 0 {
		cli.Warningf("discovered %d of %d router(s) in %s", len(report.Profiles), total,
			report.Duration.Round(roundTo))
	} else {
		cli.Successf("discovered %d router(s) in %s", len(report.Profiles),
			report.Duration.Round(roundTo))
	}
}

// formatASList joins AS numbers for display, eliding long sets.
func formatASList(asns []int64) string {
	const show = 6
	parts := make([]string, 0, len(asns))
	for i, as := range asns {
		if i == show {
			parts = append(parts, fmt.Sprintf("+%d more", len(asns)-show))
			break
		}
		parts = append(parts, util.FormatAS(as))
	}
	return strings.Join(parts, ",")
}

func formatMapping(m discovery.Mapping) string {
	if m.Group == "" {
		return fmt.Sprintf("%s %s", m.Hostname, util.FormatAS(m.ASNumber))
	}
	return fmt.Sprintf("%s %s %s", m.Hostname, m.Group, util.FormatAS(m.ASNumber))
}

func init() {
	addOutputFlags(discoverCmd)
}
