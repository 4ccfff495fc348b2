package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/otto-bgp/otto-bgp/pkg/adapter"
	"github.com/otto-bgp/otto-bgp/pkg/cli"
	"github.com/otto-bgp/otto-bgp/pkg/guardrail"
	"github.com/otto-bgp/otto-bgp/pkg/pipeline"
)

var guardrailsCmd = &cobra.Command{
	Use:   "guardrails",
	Short: "Inspect and run the safety guardrails",
	Long: `The guardrail engine vets every candidate change before it can reach a
router: prefix-count bounds, bogon overlap, RPKI verdicts, and session
impact. These commands show the active configuration and run the checks
without writing anything.

Examples:
  otto-bgp guardrails rules
  otto-bgp guardrails assess devices.csv`,
}

// ===== guardrails rules =====

var guardrailsRulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Show the active rules and engine settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			engine, err := p.Guardrails()
			if err != nil {
				return err
			}
			raw, err := engine.Snapshot()
			if err != nil {
				return err
			}

			if jsonOutput {
				_, err := os.Stdout.Write(append(raw, '\n'))
				return err
			}

			var snap guardrail.Snapshot
			if err := json.Unmarshal(raw, &snap); err != nil {
				return err
			}

			fmt.Printf("Mode: %s\n", snap.Mode)
			fmt.Printf("Strictness: %s\n", snap.Strictness)
			if snap.Thresholds != nil {
				fmt.Printf("Prefix bounds: %d..%d", snap.Thresholds.MinPrefixes, snap.Thresholds.MaxPrefixes)
				if len(snap.Thresholds.PerAS) > 0 {
					fmt.Printf(" (%d per-AS overrides)", len(snap.Thresholds.PerAS))
				}
				fmt.Println()
			}
			fmt.Println("\nActive rules:")
			for _, name := range snap.Rules {
				marker := ""
				if name == guardrail.RuleRPKIValidation && cfg.RPKI.Enabled {
					marker = " " + cli.Dim("(mandatory)")
				}
				fmt.Printf("  %s%s\n", name, marker)
			}
			return nil
		})
	},
}

// ===== guardrails assess =====

var guardrailsAssessCmd = &cobra.Command{
	Use:   "assess <inventory.csv>",
	Short: "Evaluate the fleet's candidate changes without writing artifacts",
	Long: `Run the policy pipeline up to and including guardrail evaluation, but
write nothing to disk and push nothing to any router. The verdict per
router is what a generate run would record.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := loadInventory(args)
		if err != nil {
			return err
		}

		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			report, err := p.GeneratePolicies(ctx, devices, pipeline.PolicyOptions{
				WriteArtifacts: false,
				RenderFormat:   adapter.FormatHierarchical,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(assessView(report))
			}
			printAssessments(report)
			return report.Err()
		})
	},
}

type assessJSON struct {
	Hostname   string                `json:"hostname"`
	Assessment *guardrail.Assessment `json:"assessment,omitempty"`
	Error      string                `json:"error,omitempty"`
}

func assessView(report *pipeline.PolicyReport) []assessJSON {
	views := make([]assessJSON, 0, len(report.Outcomes))
	for i := range report.Outcomes {
		o := &report.Outcomes[i]
		v := assessJSON{Hostname: o.Device.Hostname, Assessment: o.Assessment}
		if o.Err != nil {
			v.Error = o.Err.Error()
		}
		views = append(views, v)
	}
	return views
}

func printAssessments(report *pipeline.PolicyReport) {
	t := cli.NewTable("HOSTNAME", "SAFE", "RISK", "AUTO-APPLY", "ISSUES")
	for i := range report.Outcomes {
		o := &report.Outcomes[i]
		if o.Err != nil || o.Assessment == nil {
			t.Row(o.Device.Hostname, "-", "-", "-", "-")
			continue
		}
		a := o.Assessment
		safe := cli.Red("NO")
		if a.Safe {
			safe = cli.Green("yes")
		}
		auto := "no"
		if a.AutoApply {
			auto = "yes"
		}
		t.Row(o.Device.Hostname, safe, a.RiskLevel.String(), auto, strconv.Itoa(len(a.Issues)))
	}
	t.Flush()

	for i := range report.Outcomes {
		o := &report.Outcomes[i]
		if o.Err != nil {
			cli.Failuref("%s: %v", o.Device.Hostname, o.Err)
			continue
		}
		if o.Assessment == nil {
			continue
		}
		for _, issue := range o.Assessment.Issues {
			cli.Warningf("%s [%s/%s]: %s", o.Device.Hostname, issue.Rule, issue.Severity, issue.Message)
		}
	}

	safe := 0
	for i := range report.Outcomes {
		if a := report.Outcomes[i].Assessment; a != nil && a.Safe {
			safe++
		}
	}
	fmt.Println()
	if safe == len(report.Outcomes) {
		cli.Successf("all %d router(s) judged safe", safe)
	} else {
		cli.Warningf("%d of %d router(s) judged safe", safe, len(report.Outcomes))
	}
}

func init() {
	guardrailsCmd.AddCommand(guardrailsRulesCmd)
	guardrailsCmd.AddCommand(guardrailsAssessCmd)
	addOutputFlags(guardrailsCmd)
}
