package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otto-bgp/otto-bgp/pkg/adapter"
	"github.com/otto-bgp/otto-bgp/pkg/cli"
	"github.com/otto-bgp/otto-bgp/pkg/generator"
	"github.com/otto-bgp/otto-bgp/pkg/pipeline"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Generate and inspect prefix-list policies",
	Long: `Generate Juniper prefix-list policies with bgpq4, through the TTL
cache, RPKI validation, and guardrails.

Examples:
  otto-bgp policy generate devices.csv
  otto-bgp policy generate devices.csv --format set --record
  otto-bgp policy preview --as 13335 --as-set AS-EXAMPLE
  otto-bgp policy show edge1.nyc`,
}

// ===== policy generate =====

var (
	policyFormat string
	policyRecord bool
)

var policyGenerateCmd = &cobra.Command{
	Use:   "generate <inventory.csv>",
	Short: "Run the full per-router policy pipeline",
	Long: `Collect BGP configuration from every router, extract its AS numbers,
generate prefix-list policies, validate against RPKI, and assess the
result with the guardrail engine. Artifacts land under the policy
directory: per-AS files, a combined file, and metadata per router.

With --record the discovery store and reports are refreshed from what
collection just learned.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := loadInventory(args)
		if err != nil {
			return err
		}
		format, err := parseRenderFormat(policyFormat)
		if err != nil {
			return err
		}

		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			report, err := p.GeneratePolicies(ctx, devices, pipeline.PolicyOptions{
				RecordDiscovery: policyRecord,
				WriteArtifacts:  true,
				RenderFormat:    format,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(policyView(report))
			}
			printPolicyReport(report)
			return report.Err()
		})
	},
}

type policyDeviceJSON struct {
	Hostname  string             `json:"hostname"`
	Generated int                `json:"generated"`
	Failed    int                `json:"failed"`
	Prefixes  int                `json:"prefixes"`
	OutputDir string             `json:"output_dir,omitempty"`
	Safe      *bool              `json:"safe,omitempty"`
	Risk      string             `json:"risk,omitempty"`
	AutoApply bool               `json:"auto_apply,omitempty"`
	Warnings  []string           `json:"warnings,omitempty"`
	Results   []generator.Result `json:"results,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type policyJSON struct {
	Devices    []policyDeviceJSON `json:"devices"`
	RPKIActive bool               `json:"rpki_active"`
	DurationMS int64              `json:"duration_ms"`
}

func policyView(report *pipeline.PolicyReport) policyJSON {
	view := policyJSON{
		RPKIActive: report.RPKIActive,
		DurationMS: report.Duration.Milliseconds(),
	}
	for i := range report.Outcomes {
		o := &report.Outcomes[i]
		d := policyDeviceJSON{
			Hostname:  o.Device.Hostname,
			Generated: o.Generated,
			Failed:    o.Failed,
			OutputDir: o.OutputDir,
			Warnings:  o.Warnings,
			Results:   o.Results,
		}
		if o.Config != nil {
			d.Prefixes = o.Config.PrefixCount()
		}
		if o.Assessment != nil {
			safe := o.Assessment.Safe
			d.Safe = &safe
			d.Risk = o.Assessment.RiskLevel.String()
			d.AutoApply = o.Assessment.AutoApply
		}
		if o.Err != nil {
			d.Error = o.Err.Error()
		}
		view.Devices = append(view.Devices, d)
	}
	return view
}

func printPolicyReport(report *pipeline.PolicyReport) {
	if !report.RPKIActive {
		cli.Warningf("RPKI validation inactive for this run")
	}

	t := cli.NewTable("HOSTNAME", "POLICIES", "PREFIXES", "SAFE", "RISK")
	for i := range report.Outcomes {
		o := &report.Outcomes[i]
		if o.Err != nil {
			t.Row(o.Device.Hostname, "-", "-", "-", "-")
			continue
		}
		policies := strconv.Itoa(o.Generated)
		if o.Failed > 0 {
			policies = fmt.Sprintf("%d (+%d failed)", o.Generated, o.Failed)
		}
		prefixes := "-"
		if o.Config != nil {
			prefixes = strconv.Itoa(o.Config.PrefixCount())
		}
		safe, risk := "-", "-"
		if o.Assessment != nil {
			risk = o.Assessment.RiskLevel.String()
			if o.Assessment.Safe {
				safe = cli.Green("yes")
			} else {
				safe = cli.Red("NO")
			}
		}
		t.Row(o.Device.Hostname, policies, prefixes, safe, risk)
	}
	t.Flush()

	for i := range report.Outcomes {
		o := &report.Outcomes[i]
		if o.Err != nil {
			cli.Failuref("%s: %v", o.Device.Hostname, o.Err)
		}
		for _, w := range o.Warnings {
			cli.Warningf("%s: %s", o.Device.Hostname, w)
		}
		if o.Assessment != nil {
			for _, issue := range o.Assessment.Issues {
				cli.Warningf("%s [%s]: %s", o.Device.Hostname, issue.Rule, issue.Message)
			}
		}
	}

	fmt.Println()
	if failed := report.Failed(); failed > 0 {
		cli.Warningf("generated policies for %d of %d router(s) in %s",
			report.Succeeded(), len(report.Outcomes), report.Duration.Round(roundTo))
	} else {
		cli.Successf("generated policies for %d router(s) in %s",
			report.Succeeded(), report.Duration.Round(roundTo))
	}
}

// ===== policy preview =====

var (
	previewAS   []string
	previewSets []string
)

var policyPreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Generate policies for explicit AS numbers or AS-SETs",
	Long: `Generate prefix-list policies for the named targets without touching
any router: no collection, no guardrails, no artifacts. Output goes to
stdout through the regular cache; invalidate a fingerprint first to
force a fresh IRR fetch.

Examples:
  otto-bgp policy preview --as 13335
  otto-bgp policy preview --as 64512-64515 --as-set AS-EXAMPLE`,
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, err := previewTargets()
		if err != nil {
			return err
		}

		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			gen, err := p.Generator(ctx)
			if err != nil {
				return err
			}

			batch, err := gen.GenerateBatch(ctx, targets)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(batch)
			}

			for _, res := range batch.Results {
				if res.Err != nil {
					cli.Failuref("%s: %v", res.Target.Resource(), res.Err)
					continue
				}
				source := "bgpq4"
				if res.Cached {
					source = "cache"
				}
				fmt.Printf("# %s: %d prefixes via %s\n%s\n",
					res.Target.Resource(), res.PrefixCount, source, strings.TrimRight(res.Text, "\n"))
			}
			if !batch.OK() {
				return util.NewPipelineError(util.KindData, "policy preview", "",
					fmt.Sprintf("all %d target(s) failed", len(batch.Results)))
			}
			return nil
		})
	},
}

func previewTargets() ([]generator.Target, error) {
	var targets []generator.Target
	for _, expr := range previewAS {
		asns, err := util.ExpandRange(expr)
		if err != nil {
			return nil, util.NewPipelineError(util.KindValidation, "policy preview", expr, err.Error())
		}
		for _, as := range asns {
			t := generator.TargetAS(as)
			if err := t.Validate(); err != nil {
				return nil, err
			}
			targets = append(targets, t)
		}
	}
	for _, set := range previewSets {
		t := generator.TargetSet(set)
		if err := t.Validate(); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return nil, util.NewPipelineError(util.KindValidation, "policy preview", "",
			"pass at least one --as or --as-set")
	}
	return targets, nil
}

// ===== policy show =====

var policyShowCmd = &cobra.Command{
	Use:   "show <hostname>",
	Short: "Print the rendered configuration for a router",
	Long: `Rebuild the NETCONF payload from the router's policy artifacts, exactly
as apply and rollout would push it. Useful for review between generate
and apply.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			payload, err := p.LoadRouterPayload(args[0])
			if err != nil {
				return err
			}
			fmt.Println(payload)
			return nil
		})
	},
}

func parseRenderFormat(s string) (adapter.Format, error) {
	switch adapter.Format(s) {
	case "", adapter.FormatHierarchical:
		return adapter.FormatHierarchical, nil
	case adapter.FormatSet:
		return adapter.FormatSet, nil
	case adapter.FormatSectioned:
		return adapter.FormatSectioned, nil
	default:
		return "", util.NewPipelineError(util.KindValidation, "render format", s,
			"use hierarchical, set, or sectioned")
	}
}

func init() {
	policyGenerateCmd.Flags().StringVar(&policyFormat, "format", "hierarchical", "Payload rendering: hierarchical, set, or sectioned")
	policyGenerateCmd.Flags().BoolVar(&policyRecord, "record", false, "Also refresh the discovery store and reports")
	addOutputFlags(policyGenerateCmd)

	policyPreviewCmd.Flags().StringArrayVar(&previewAS, "as", nil, "AS number or range to generate, e.g. 13335 or 64512-64515 (repeatable)")
	policyPreviewCmd.Flags().StringSliceVar(&previewSets, "as-set", nil, "IRR AS-SET to generate (repeatable)")
	addOutputFlags(policyPreviewCmd)

	policyCmd.AddCommand(policyGenerateCmd)
	policyCmd.AddCommand(policyPreviewCmd)
	policyCmd.AddCommand(policyShowCmd)
}
