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
	"github.com/otto-bgp/otto-bgp/pkg/netconf"
	"github.com/otto-bgp/otto-bgp/pkg/pipeline"
)

var (
	applyInventory     string
	applyAddress       string
	applyConfirmWindow time.Duration
	applySkipConfirm   bool
)

var applyCmd = &cobra.Command{
	Use:   "apply <hostname>",
	Short: "Apply a router's generated policy over NETCONF",
	Long: `Rebuild the router's policy payload from its artifacts and push it over
NETCONF: lock, load, diff, confirmed commit, confirm. Without -x the
lifecycle stops after the diff and nothing is committed.

The confirmed commit rolls back automatically unless confirmed within
the window, so a change that breaks management access undoes itself.
With --skip-confirm the pending commit is left for external health
checks to confirm.

Examples:
  otto-bgp apply edge1.nyc -f devices.csv            # preview the diff
  otto-bgp apply edge1.nyc -f devices.csv -x         # commit
  otto-bgp apply edge1.nyc --address 10.0.0.1 -x --confirm-window 5m`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hostname := args[0]
		dev, err := deviceByHostname(hostname, applyInventory, applyAddress)
		if err != nil {
			return err
		}

		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			payload, err := p.LoadRouterPayload(hostname)
			if err != nil {
				return err
			}

			if executeMode {
				lines := strings.Count(payload, "\n") + 1
				ok, err := confirmProceed(fmt.Sprintf("Apply %d-line policy configuration to %s", lines, hostname))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Aborted.")
					return nil
				}
			}

			res, err := p.Apply(ctx, pipeline.ApplyOptions{
				Device:        dev,
				Payload:       payload,
				Execute:       executeMode,
				SkipConfirm:   applySkipConfirm,
				ConfirmWindow: applyConfirmWindow,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(res)
			}

			switch {
			case res.Unchanged:
				cli.Successf("%s: configuration already current, nothing to commit", hostname)
			case !executeMode:
				fmt.Println(res.Diff)
			case applySkipConfirm:
				fmt.Println(res.Diff)
				cli.Warningf("%s: committed, confirmation pending (window %s)", hostname,
					confirmWindowOrDefault(applyConfirmWindow))
				cli.Hintf("confirm within the window or the router rolls back on its own")
			default:
				fmt.Println(res.Diff)
				cli.Successf("%s: committed and confirmed in %s", hostname, res.Duration.Round(roundTo))
			}

			printDryRunNotice()
			return nil
		})
	},
}

// confirmWindowOrDefault mirrors the clamping Apply performs, for display.
func confirmWindowOrDefault(w time.Duration) time.Duration {
	if w <= 0 {
		return netconf.DefaultConfirmWindow
	}
	if w < time.Minute {
		return time.Minute
	}
	return w
}

func init() {
	applyCmd.Flags().StringVarP(&applyInventory, "inventory", "f", "", "Inventory CSV to resolve the router address")
	applyCmd.Flags().StringVar(&applyAddress, "address", "", "Router address when no inventory is given")
	applyCmd.Flags().DurationVar(&applyConfirmWindow, "confirm-window", 0, "Confirmed-commit rollback window (minimum 1m)")
	applyCmd.Flags().BoolVar(&applySkipConfirm, "skip-confirm", false, "Leave the confirmed commit pending for external checks")
	addWriteFlags(applyCmd)
	addOutputFlags(applyCmd)
}
