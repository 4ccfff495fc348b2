package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otto-bgp/otto-bgp/pkg/cli"
	"github.com/otto-bgp/otto-bgp/pkg/pipeline"
)

var collectOutputDir string

var collectCmd = &cobra.Command{
	Use:   "collect <inventory.csv>",
	Short: "Collect raw BGP peer output (one-shot)",
	Long: `Run the peer-AS show command against every router and write the raw
output to disk: one <hostname>_bgp.txt per router plus a combined
bgp.txt. This is the quick path for feeding external tooling; the
discover command is the structured equivalent.

Examples:
  otto-bgp collect devices.csv
  otto-bgp collect devices.csv -o /var/lib/otto-bgp/raw`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := loadInventory(args)
		if err != nil {
			return err
		}

		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			results, err := p.CollectRaw(ctx, devices)
			if err != nil {
				return err
			}

			dir := collectOutputDir
			if dir == "" {
				dir = p.Config().Output.DiscoveryDir
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("creating output directory %s: %w", dir, err)
			}

			var combined strings.Builder
			collected, failed := 0, 0
			for _, res := range results {
				if res.Err != nil {
					failed++
					cli.Failuref("%s (%s): %v", res.Device.Hostname, res.Device.Address, res.Err)
					continue
				}
				name := res.Device.SafeHostname() + "_bgp.txt"
				if err := os.WriteFile(filepath.Join(dir, name), []byte(res.Output), 0644); err != nil {
					return fmt.Errorf("writing %s: %w", name, err)
				}
				fmt.Fprintf(&combined, "# %s (%s)\n%s\n", res.Device.Hostname, res.Device.Address,
					strings.TrimRight(res.Output, "\n"))
				collected++
				cli.Successf("%s -> %s", res.Device.Hostname, name)
			}

			if collected == 0 {
				return fmt.Errorf("no router reachable out of %d", len(devices))
			}
			if err := os.WriteFile(filepath.Join(dir, "bgp.txt"), []byte(combined.String()), 0644); err != nil {
				return fmt.Errorf("writing bgp.txt: %w", err)
			}

			fmt.Println()
			if failed > 0 {
				cli.Warningf("collected %d of %d router(s) into %s", collected, len(devices), dir)
			} else {
				cli.Successf("collected %d router(s) into %s", collected, dir)
			}
			return nil
		})
	},
}

func init() {
	collectCmd.Flags().StringVarP(&collectOutputDir, "output-dir", "o", "", "Directory for raw output (default: the discovery directory)")
}
