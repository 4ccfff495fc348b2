// Otto BGP - Juniper BGP Prefix-List Automation
//
// A CLI tool for the full policy lifecycle on Juniper routers:
//   - SSH discovery of per-router AS inventory and BGP groups
//   - bgpq4-based prefix-list generation with a TTL policy cache
//   - RPKI validation against a Routinator VRP export, fail-closed
//   - Guardrail risk assessment before anything touches a router
//   - NETCONF confirmed-commit application, dry-run by default
//   - Staged multi-router rollouts (blast, phased, canary)
//
// Write commands preview by default and require -x to execute:
//
//	otto-bgp discover devices.csv
//	otto-bgp policy generate devices.csv
//	otto-bgp apply edge1.nyc -f devices.csv -x
//	otto-bgp rollout plan devices.csv --strategy canary --canary edge1.nyc
//	otto-bgp rollout next <run-id> -x
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/otto-bgp/otto-bgp/pkg/cli"
	"github.com/otto-bgp/otto-bgp/pkg/config"
	"github.com/otto-bgp/otto-bgp/pkg/model"
	"github.com/otto-bgp/otto-bgp/pkg/pipeline"
	"github.com/otto-bgp/otto-bgp/pkg/util"
	"github.com/otto-bgp/otto-bgp/pkg/version"
)

var (
	// Global option flags
	configPath  string
	verbose     bool
	jsonOutput  bool
	executeMode bool
	assumeYes   bool
	askPass     bool

	// Global state
	cfg *config.Config

	// signalExit carries the 128+signum exit status out of a command
	// interrupted by SIGINT/SIGTERM.
	signalExit int
)

func main() {
	os.Exit(run())
}

func run() int {
	err := rootCmd.Execute()
	if signalExit != 0 {
		return signalExit
	}
	if err != nil {
		printError(err)
		return util.ExitCode(err)
	}
	return 0
}

var rootCmd = &cobra.Command{
	Use:               "otto-bgp",
	Short:             "Juniper BGP prefix-list automation",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Otto BGP automates Juniper prefix-list policy: discover what each router
peers with, generate bgpq4 policies through a cache, validate against RPKI,
assess the blast radius, and push over NETCONF with confirmed commits.

Write commands preview changes by default; use -x to execute.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if isHelpOrVersion(cmd) {
			return nil
		}

		path := configPath
		if path == "" {
			if _, err := os.Stat(config.DefaultPath); err == nil {
				path = config.DefaultPath
			}
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}

		if verbose {
			_ = util.SetLogLevel("debug")
		} else {
			_ = util.SetLogLevel(cfg.Log.Level)
		}
		if cfg.Log.Format == "json" {
			util.SetJSONFormat()
		}

		if askPass {
			if err := promptPassword(); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default "+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&askPass, "ask-pass", false, "Prompt for the SSH password instead of reading the environment")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{path: cmd.CommandPath(), err: err}
	})

	rootCmd.AddGroup(
		&cobra.Group{ID: "pipeline", Title: "Pipeline Operations:"},
		&cobra.Group{ID: "safety", Title: "Validation & Safety:"},
		&cobra.Group{ID: "rollout", Title: "Fleet Rollout:"},
		&cobra.Group{ID: "meta", Title: "Administration & Meta:"},
	)

	for _, cmd := range []*cobra.Command{discoverCmd, collectCmd, policyCmd, applyCmd} {
		cmd.GroupID = "pipeline"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{rpkiCmd, guardrailsCmd} {
		cmd.GroupID = "safety"
		rootCmd.AddCommand(cmd)
	}
	rolloutCmd.GroupID = "rollout"
	rootCmd.AddCommand(rolloutCmd)
	for _, cmd := range []*cobra.Command{cacheCmd, serveCmd, versionCmd} {
		cmd.GroupID = "meta"
		rootCmd.AddCommand(cmd)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if version.Version == "dev" {
			fmt.Println("otto-bgp dev build (use 'make build' for version info)")
		} else {
			fmt.Printf("otto-bgp %s\n", version.Info())
		}
	},
}

// ============================================================================
// Shared Plumbing
// ============================================================================

// withPipeline runs fn under signal watching with a resource-registered
// pipeline. Every acquired resource is released before return, whether fn
// finished, failed, or a signal cancelled the context.
func withPipeline(fn func(ctx context.Context, p *pipeline.Pipeline) error) error {
	ctx, sigCode, stop := pipeline.WatchSignals(context.Background())
	defer stop()

	p := pipeline.New(cfg)
	defer p.Close()

	err := fn(ctx, p)
	if code := sigCode(); code != 0 {
		signalExit = code
	}
	return err
}

// loadInventory reads the device CSV named by the first positional arg.
func loadInventory(args []string) ([]model.Device, error) {
	if len(args) < 1 {
		return nil, util.NewPipelineError(util.KindValidation, "load inventory", "",
			"an inventory CSV is required")
	}
	return model.LoadInventory(args[0])
}

// deviceByHostname resolves one device: from the inventory when -f was
// given, else from --address, else an error.
func deviceByHostname(hostname, inventoryPath, address string) (model.Device, error) {
	if inventoryPath != "" {
		devices, err := model.LoadInventory(inventoryPath)
		if err != nil {
			return model.Device{}, err
		}
		for _, d := range devices {
			if d.Hostname == hostname {
				return d, nil
			}
		}
		return model.Device{}, util.NewPipelineError(util.KindValidation, "resolve device", hostname,
			"not in the inventory")
	}
	if address != "" {
		return model.Device{Hostname: hostname, Address: address}, nil
	}
	return model.Device{}, util.NewPipelineError(util.KindValidation, "resolve device", hostname,
		"pass -f <inventory.csv> or --address")
}

// confirmProceed asks the operator before an execute-mode commit. Not a
// terminal means no prompt is possible; --yes is then required.
func confirmProceed(prompt string) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, util.NewPipelineError(util.KindValidation, "confirm", "",
			"stdin is not a terminal: pass --yes to proceed non-interactively")
	}
	fmt.Printf("%s [y/N]: ", prompt)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil && err.Error() != "unexpected newline" {
		return false, nil
	}
	return answer == "y" || answer == "Y" || answer == "yes", nil
}

// promptPassword reads the SSH password without echo and hands it to the
// collector through the configured environment variable.
func promptPassword() error {
	if cfg.SSH.PasswordEnv == "" {
		cfg.SSH.PasswordEnv = "OTTO_BGP_SSH_PASSWORD"
	}
	fmt.Fprintf(os.Stderr, "SSH password for %s: ", cfg.SSH.Username)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return util.WrapError(util.KindConfiguration, "read password", "", err)
	}
	return os.Setenv(cfg.SSH.PasswordEnv, string(pw))
}

// usageError marks a bad invocation (unknown flag, malformed value) so the
// final renderer prints it in the USAGE vocabulary instead of as a failure.
type usageError struct {
	path string
	err  error
}

func (u *usageError) Error() string { return u.err.Error() }
func (u *usageError) Unwrap() error { return u.err }

// Is classifies bad invocations as validation failures for the exit code.
func (u *usageError) Is(target error) bool { return target == util.ErrValidation }

// printError renders the final error in the operator vocabulary.
func printError(err error) {
	var ue *usageError
	if errors.As(err, &ue) {
		cli.Usagef("%v", ue.err)
		cli.Hintf("see '%s --help'", ue.path)
		return
	}
	switch util.KindOf(err) {
	case util.KindSecurity:
		cli.Fatalf("%v", err)
		cli.Hintf("host key changes require operator review; see known_hosts at %s", knownHostsPath())
	case util.KindConfiguration:
		cli.Fatalf("%v", err)
	case util.KindValidation:
		cli.Failuref("%v", err)
	default:
		cli.Failuref("%v", err)
	}
}

func knownHostsPath() string {
	if cfg != nil {
		return cfg.HostKeys.KnownHosts
	}
	return config.Defaults().HostKeys.KnownHosts
}

// printDryRunNotice reminds the operator nothing was pushed.
func printDryRunNotice() {
	if !executeMode {
		fmt.Println("\n" + cli.Yellow("DRY-RUN: No changes applied. Use -x to execute."))
	}
}

// addWriteFlags registers -x/--execute and --yes on commands that can
// change router state.
func addWriteFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if cmd.HasSubCommands() {
		flags = cmd.PersistentFlags()
	}
	flags.BoolVarP(&executeMode, "execute", "x", false, "Execute changes (default is dry-run)")
	flags.BoolVar(&assumeYes, "yes", false, "Skip the interactive confirmation")
}

// addOutputFlags registers --json on commands with structured output.
func addOutputFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if cmd.HasSubCommands() {
		flags = cmd.PersistentFlags()
	}
	flags.BoolVar(&jsonOutput, "json", false, "JSON output")
}

// isHelpOrVersion checks whether cmd (or any ancestor) skips config load.
func isHelpOrVersion(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "version", "completion":
			return true
		}
	}
	return false
}
