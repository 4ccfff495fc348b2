package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/otto-bgp/otto-bgp/pkg/cli"
	"github.com/otto-bgp/otto-bgp/pkg/discovery"
	"github.com/otto-bgp/otto-bgp/pkg/model"
	"github.com/otto-bgp/otto-bgp/pkg/pipeline"
	"github.com/otto-bgp/otto-bgp/pkg/rollout"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

var rolloutCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Staged policy rollouts across the fleet",
	Long: `Plan a rollout run over the fleet, then drive it batch by batch. Runs
are persisted: a new process resumes exactly where the last one
stopped, and every transition lands in an append-only audit trail.

Strategies: blast (whole fleet, one stage), phased (staged by an
inventory attribute), canary (one router first, then the rest).

Examples:
  otto-bgp rollout plan devices.csv --strategy canary --canary edge1.nyc
  otto-bgp rollout status
  otto-bgp rollout status <run-id>
  otto-bgp rollout next <run-id> -f devices.csv -x
  otto-bgp rollout pause <run-id>
  otto-bgp rollout resume <run-id>
  otto-bgp rollout abort <run-id> --reason "bad diff on canary"
  otto-bgp rollout events <run-id>`,
}

// ===== rollout plan =====

var (
	rolloutStrategyName string
	rolloutGroupBy      string
	rolloutCanaryHost   string
)

var rolloutPlanCmd = &cobra.Command{
	Use:   "plan <inventory.csv>",
	Short: "Generate policies and stage a new run",
	Long: `Run the policy pipeline over the inventory, then stage every router
that generated cleanly and passed guardrails. Routers that failed or
were judged unsafe are excluded with a warning. Planning writes the
policy artifacts the later apply steps will push; nothing touches any
router until 'rollout next -x'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := loadInventory(args)
		if err != nil {
			return err
		}
		strategy, err := buildStrategy()
		if err != nil {
			return err
		}

		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			report, err := p.GeneratePolicies(ctx, devices, pipeline.PolicyOptions{
				WriteArtifacts: true,
			})
			if err != nil {
				return err
			}
			if err := report.Err(); err != nil {
				printPolicyReport(report)
				return err
			}

			run, err := p.PlanRollout(ctx, report, strategy)
			if err != nil {
				return err
			}

			pool, err := p.DB(ctx)
			if err != nil {
				return err
			}
			detail, err := rollout.NewStore(pool).LoadRunDetail(ctx, run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(detail)
			}

			targets := 0
			t := cli.NewTable("STAGE", "NAME", "TARGETS")
			for _, sd := range detail.Stages {
				t.Row(strconv.Itoa(sd.Stage.Sequencing), sd.Stage.Name, strconv.Itoa(len(sd.Targets)))
				targets += len(sd.Targets)
			}
			t.Flush()

			fmt.Println()
			cli.Successf("rollout %s planned: strategy=%s stages=%d targets=%d",
				run.ID, strategy.Name(), len(detail.Stages), targets)
			cli.Hintf("drive it with: otto-bgp rollout next %s -f %s -x", run.ID, args[0])
			return nil
		})
	},
}

func buildStrategy() (rollout.Strategy, error) {
	switch rolloutStrategyName {
	case "blast":
		return rollout.Blast{}, nil
	case "phased":
		return rollout.Phased{GroupBy: rolloutGroupBy}, nil
	case "canary":
		if rolloutCanaryHost == "" {
			return nil, util.NewPipelineError(util.KindValidation, "rollout.plan", "",
				"the canary strategy needs --canary <hostname>")
		}
		return rollout.Canary{Host: rolloutCanaryHost}, nil
	default:
		return nil, util.NewPipelineError(util.KindValidation, "rollout.plan", rolloutStrategyName,
			"unknown strategy: use blast, phased, or canary")
	}
}

// ===== rollout status =====

var rolloutListLimit int

var rolloutStatusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recent runs, or one run in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			pool, err := p.DB(ctx)
			if err != nil {
				return err
			}
			store := rollout.NewStore(pool)

			if len(args) == 0 {
				return printRunList(ctx, store)
			}
			return printRunDetail(ctx, store, args[0])
		})
	},
}

func printRunList(ctx context.Context, store *rollout.Store) error {
	runs, err := store.ListRuns(ctx, rolloutListLimit)
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No rollout runs recorded")
		return nil
	}

	t := cli.NewTable("RUN", "STATUS", "CREATED", "INITIATED BY")
	for _, r := range runs {
		t.Row(r.ID, colorRunStatus(r.Status), r.CreatedAt.Local().Format("2006-01-02 15:04"), r.InitiatedBy)
	}
	t.Flush()
	return nil
}

func printRunDetail(ctx context.Context, store *rollout.Store, runID string) error {
	detail, err := store.LoadRunDetail(ctx, runID)
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(detail)
	}

	fmt.Printf("Run: %s\n", cli.Bold(detail.Run.ID))
	fmt.Printf("Status: %s\n", colorRunStatus(detail.Run.Status))
	fmt.Printf("Created: %s\n", detail.Run.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if detail.Run.InitiatedBy != "" {
		fmt.Printf("Initiated by: %s\n", detail.Run.InitiatedBy)
	}

	for _, sd := range detail.Stages {
		counts := sd.Counts()
		fmt.Printf("\nStage %d: %s (%d pending, %d in progress, %d completed, %d failed, %d skipped)\n",
			sd.Stage.Sequencing, cli.Bold(sd.Stage.Name),
			counts[rollout.TargetPending], counts[rollout.TargetInProgress],
			counts[rollout.TargetCompleted], counts[rollout.TargetFailed], counts[rollout.TargetSkipped])

		t := cli.NewTable("HOSTNAME", "STATE", "HASH", "LAST ERROR").WithPrefix("  ")
		for _, target := range sd.Targets {
			t.Row(target.Hostname, colorTargetState(target.State), target.PolicyHash,
				util.TruncateString(target.LastError, 60))
		}
		t.Flush()
	}
	return nil
}

func colorRunStatus(s rollout.RunStatus) string {
	switch s {
	case rollout.RunActive:
		return cli.Green(string(s))
	case rollout.RunPaused:
		return cli.Yellow(string(s))
	case rollout.RunFailed, rollout.RunAborted:
		return cli.Red(string(s))
	case rollout.RunCompleted:
		return cli.Green(string(s))
	default:
		return string(s)
	}
}

func colorTargetState(s rollout.TargetState) string {
	switch s {
	case rollout.TargetCompleted:
		return cli.Green(string(s))
	case rollout.TargetFailed:
		return cli.Red(string(s))
	case rollout.TargetInProgress:
		return cli.Yellow(string(s))
	default:
		return string(s)
	}
}

// ===== rollout next =====

var (
	nextBatchSize int
	nextInventory string
)

var rolloutNextCmd = &cobra.Command{
	Use:   "next <run-id>",
	Short: "Dispense and apply the next batch of targets",
	Long: `Claim up to --batch pending targets from the run's current stage and
apply each one over NETCONF. When the stage drains the run advances;
past the last stage it completes. Without -x nothing is claimed: the
command shows what the next batch would contain.

Router addresses come from -f <inventory.csv> when given, otherwise
from the discovery store.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID := args[0]

		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			coord, err := p.Coordinator(ctx)
			if err != nil {
				return err
			}
			if _, err := coord.Hydrate(ctx, runID); err != nil {
				return err
			}

			if !executeMode {
				if err := previewNextBatch(ctx, p, runID); err != nil {
					return err
				}
				printDryRunNotice()
				return nil
			}

			lookup, err := buildLookup(ctx, p)
			if err != nil {
				return err
			}

			batch, err := coord.NextBatch(ctx, nextBatchSize)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				stage, total := coord.Position()
				if stage >= total {
					cli.Successf("run %s has no work left", runID)
				} else {
					cli.Warningf("stage %d/%d still draining; retry after in-flight targets finish", stage+1, total)
				}
				return nil
			}

			outcomes := p.ExecuteTargets(ctx, coord, batch, lookup)
			return printTargetOutcomes(outcomes)
		})
	},
}

// previewNextBatch lists pending targets of the first unfinished stage
// without claiming them.
func previewNextBatch(ctx context.Context, p *pipeline.Pipeline, runID string) error {
	pool, err := p.DB(ctx)
	if err != nil {
		return err
	}
	detail, err := rollout.NewStore(pool).LoadRunDetail(ctx, runID)
	if err != nil {
		return err
	}

	limit := nextBatchSize
	if limit <= 0 {
		limit = p.Config().Rollout.DefaultConcurrency
	}

	for _, sd := range detail.Stages {
		counts := sd.Counts()
		if counts[rollout.TargetPending] == 0 && counts[rollout.TargetInProgress] == 0 {
			continue
		}
		fmt.Printf("Next batch from stage %d %q (up to %d of %d pending):\n",
			sd.Stage.Sequencing, sd.Stage.Name, limit, counts[rollout.TargetPending])
		shown := 0
		for _, target := range sd.Targets {
			if shown == limit {
				break
			}
			if target.State != rollout.TargetPending {
				continue
			}
			fmt.Printf("  %s (%s)\n", target.Hostname, target.PolicyHash)
			shown++
		}
		return nil
	}
	cli.Successf("run %s has no pending targets", runID)
	return nil
}

// buildLookup resolves target hostnames to addresses: the inventory
// wins when given, then the discovery store.
func buildLookup(ctx context.Context, p *pipeline.Pipeline) (func(string) (model.Device, bool), error) {
	byHost := make(map[string]model.Device)

	if nextInventory != "" {
		devices, err := model.LoadInventory(nextInventory)
		if err != nil {
			return nil, err
		}
		for _, d := range devices {
			byHost[d.Hostname] = d
		}
	} else {
		pool, err := p.DB(ctx)
		if err != nil {
			return nil, err
		}
		records, err := discovery.NewStore(pool).Routers(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			byHost[r.Hostname] = model.Device{
				Hostname: r.Hostname,
				Address:  r.Address,
				Role:     r.Role,
				Region:   r.Region,
			}
		}
	}

	return func(hostname string) (model.Device, bool) {
		d, ok := byHost[hostname]
		return d, ok
	}, nil
}

func printTargetOutcomes(outcomes []pipeline.TargetOutcome) error {
	if jsonOutput {
		type outcomeJSON struct {
			Hostname  string `json:"hostname"`
			Completed bool   `json:"completed"`
			Unchanged bool   `json:"unchanged,omitempty"`
			Error     string `json:"error,omitempty"`
		}
		views := make([]outcomeJSON, 0, len(outcomes))
		for _, o := range outcomes {
			v := outcomeJSON{Hostname: o.Target.Hostname, Completed: o.Err == nil}
			if o.Result != nil {
				v.Unchanged = o.Result.Unchanged
			}
			if o.Err != nil {
				v.Error = o.Err.Error()
			}
			views = append(views, v)
		}
		if err := json.NewEncoder(os.Stdout).Encode(views); err != nil {
			return err
		}
	}

	width := 0
	for _, o := range outcomes {
		if n := len(o.Target.Hostname); n > width {
			width = n
		}
	}
	width += 6 // room for dots

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
		if jsonOutput {
			continue
		}
		padded := cli.DotPad(o.Target.Hostname, width)
		switch {
		case o.Err != nil:
			fmt.Printf("  %s %s  %v\n", padded, cli.Red("FAIL"), o.Err)
		case o.Result.Unchanged:
			fmt.Printf("  %s %s  no configuration change\n", padded, cli.Green("OK"))
		default:
			fmt.Printf("  %s %s  committed and confirmed (%s)\n",
				padded, cli.Green("OK"), o.Result.Duration.Round(roundTo))
		}
	}

	if failed > 0 {
		return util.NewPipelineError(util.KindData, "rollout.next", "",
			fmt.Sprintf("%d of %d target(s) failed", failed, len(outcomes)))
	}
	return nil
}

// ===== rollout pause / resume / abort =====

var abortReason string

var rolloutPauseCmd = &cobra.Command{
	Use:   "pause <run-id>",
	Short: "Stop dispensing batches; in-flight targets finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(args[0], func(ctx context.Context, coord *rollout.Coordinator) error {
			if err := coord.Pause(ctx); err != nil {
				return err
			}
			cli.Successf("run %s paused", args[0])
			return nil
		})
	},
}

var rolloutResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Reopen a paused run for dispensing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(args[0], func(ctx context.Context, coord *rollout.Coordinator) error {
			if err := coord.Resume(ctx); err != nil {
				return err
			}
			cli.Successf("run %s resumed", args[0])
			return nil
		})
	},
}

var rolloutAbortCmd = &cobra.Command{
	Use:   "abort <run-id>",
	Short: "End a run permanently",
	Long: `Abort is terminal: the run dispenses no further batches and cannot be
resumed. Targets already in flight still report their outcome.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := confirmProceed(fmt.Sprintf("Abort rollout %s permanently", args[0]))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
		return withCoordinator(args[0], func(ctx context.Context, coord *rollout.Coordinator) error {
			if err := coord.Abort(ctx, abortReason); err != nil {
				return err
			}
			cli.Warningf("run %s aborted", args[0])
			return nil
		})
	},
}

// withCoordinator hydrates the named run and hands the coordinator to fn.
func withCoordinator(runID string, fn func(ctx context.Context, coord *rollout.Coordinator) error) error {
	return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
		coord, err := p.Coordinator(ctx)
		if err != nil {
			return err
		}
		if _, err := coord.Hydrate(ctx, runID); err != nil {
			return err
		}
		return fn(ctx, coord)
	})
}

// ===== rollout events =====

var eventsLimit int

var rolloutEventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Show the run's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *pipeline.Pipeline) error {
			pool, err := p.DB(ctx)
			if err != nil {
				return err
			}
			events, err := rollout.NewStore(pool).Events(ctx, args[0], eventsLimit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(events)
			}
			if len(events) == 0 {
				fmt.Println("No events recorded")
				return nil
			}

			t := cli.NewTable("TIME", "EVENT", "DETAIL")
			for _, e := range events {
				t.Row(e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Type, compactPayload(e.Payload))
			}
			t.Flush()
			return nil
		})
	},
}

func compactPayload(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		return string(raw)
	}
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", k, flat[k])
	}
	return out
}

func init() {
	rolloutPlanCmd.Flags().StringVar(&rolloutStrategyName, "strategy", "blast", "Staging strategy: blast, phased, or canary")
	rolloutPlanCmd.Flags().StringVar(&rolloutGroupBy, "group-by", "role", "Attribute phased stages group by: role, region, or hostname")
	rolloutPlanCmd.Flags().StringVar(&rolloutCanaryHost, "canary", "", "Router the canary strategy applies first")
	addOutputFlags(rolloutPlanCmd)

	rolloutStatusCmd.Flags().IntVar(&rolloutListLimit, "limit", 20, "Maximum runs to list")
	addOutputFlags(rolloutStatusCmd)

	rolloutNextCmd.Flags().IntVar(&nextBatchSize, "batch", 0, "Targets to claim (default: rollout.default_concurrency)")
	rolloutNextCmd.Flags().StringVarP(&nextInventory, "inventory", "f", "", "Inventory CSV for router addresses")
	addWriteFlags(rolloutNextCmd)
	addOutputFlags(rolloutNextCmd)

	rolloutAbortCmd.Flags().StringVar(&abortReason, "reason", "", "Why the run is being aborted")
	rolloutAbortCmd.Flags().BoolVar(&assumeYes, "yes", false, "Skip the interactive confirmation")

	rolloutEventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum events to show")
	addOutputFlags(rolloutEventsCmd)

	rolloutCmd.AddCommand(rolloutPlanCmd)
	rolloutCmd.AddCommand(rolloutStatusCmd)
	rolloutCmd.AddCommand(rolloutNextCmd)
	rolloutCmd.AddCommand(rolloutPauseCmd)
	rolloutCmd.AddCommand(rolloutResumeCmd)
	rolloutCmd.AddCommand(rolloutAbortCmd)
	rolloutCmd.AddCommand(rolloutEventsCmd)
}
