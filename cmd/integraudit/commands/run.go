package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/catherinevee/integraudit/internal/config"
	"github.com/catherinevee/integraudit/internal/safety"
	"github.com/catherinevee/integraudit/internal/session"
	"github.com/catherinevee/integraudit/internal/state"
)

// runFlags are the shared flags of the audit and fix commands.
type runFlags struct {
	inputDir  string
	outputDir string
	configDir string
	statePath string

	edition string
	version string
	tier    string

	allowlist         []string
	allowlistAccounts []string

	maxOpsPerIntegration int
	maxConcurrent        int
	rateLimit            float64
	batchSize            int

	operatorID          string
	forceConfirmation   bool
	createRestoreBundle bool
	maintenanceWindow   string
	forceReprocess      bool
	maxAgeHours         int

	stopOnFailure     bool
	continueOnFailure bool

	dryRun bool
	apply  bool
}

func defaultRunFlags() runFlags {
	return runFlags{
		inputDir:    "input",
		outputDir:   "output",
		configDir:   "config",
		statePath:   defaultStatePath(),
		operatorID:  os.Getenv("USER"),
		maxAgeHours: 24,
	}
}

// parseRunFlags consumes shared flags; unknown flags surface as errors so a
// typo never silently weakens a run.
func parseRunFlags(args []string) (runFlags, error) {
	flags := defaultRunFlags()
	p := newArgParser(args)

	for {
		arg, ok := p.next()
		if !ok {
			break
		}
		switch arg {
		case "--input":
			flags.inputDir = p.value(arg)
		case "--output":
			flags.outputDir = p.value(arg)
		case "--config":
			flags.configDir = p.value(arg)
		case "--state-db":
			flags.statePath = p.value(arg)
		case "--edition":
			flags.edition = p.value(arg)
		case "--version":
			flags.version = p.value(arg)
		case "--tier":
			flags.tier = p.value(arg)
		case "--allowlist":
			flags.allowlist = splitCommaList(p.value(arg))
		case "--allowlist-accounts":
			flags.allowlistAccounts = splitCommaList(p.value(arg))
		case "--max-ops-per-integration":
			flags.maxOpsPerIntegration = p.intValue(arg)
		case "--max-concurrent":
			flags.maxConcurrent = p.intValue(arg)
		case "--rate-limit":
			flags.rateLimit = p.floatValue(arg)
		case "--batch-size":
			flags.batchSize = p.intValue(arg)
		case "--operator-id":
			flags.operatorID = p.value(arg)
		case "--force-confirmation":
			flags.forceConfirmation = true
		case "--create-restore-bundle":
			flags.createRestoreBundle = true
		case "--maintenance-window":
			flags.maintenanceWindow = p.value(arg)
		case "--force-reprocess":
			flags.forceReprocess = true
		case "--stop-on-failure":
			flags.stopOnFailure = true
		case "--continue-on-failure":
			flags.continueOnFailure = true
		case "--max-age":
			flags.maxAgeHours = p.intValue(arg)
		case "--dry-run":
			flags.dryRun = true
		case "--apply":
			flags.apply = true
		default:
			return flags, fmt.Errorf("unknown flag %s", arg)
		}
		if p.err != nil {
			return flags, p.err
		}
	}

	if flags.stopOnFailure && flags.continueOnFailure {
		return flags, fmt.Errorf("--stop-on-failure and --continue-on-failure are mutually exclusive")
	}
	if flags.operatorID == "" {
		flags.operatorID = "unknown-operator"
	}
	return flags, nil
}

// safetyConfig merges the environment-driven safety config with flag
// overrides.
func (f runFlags) safetyConfig() (safety.Config, error) {
	cfg, err := safety.LoadConfig()
	if err != nil {
		return cfg, err
	}
	if len(f.allowlist) > 0 {
		cfg.AllowlistEnabled = true
		cfg.AllowedIntegrations = f.allowlist
	}
	if len(f.allowlistAccounts) > 0 {
		cfg.AllowlistEnabled = true
		cfg.AllowedAccounts = f.allowlistAccounts
	}
	if f.maxOpsPerIntegration > 0 {
		cfg.MaxOpsPerIntegration = f.maxOpsPerIntegration
	}
	if f.maxConcurrent > 0 {
		cfg.MaxConcurrentIntegrations = f.maxConcurrent
	}
	if f.rateLimit > 0 {
		cfg.RequestsPerSecond = f.rateLimit
	}
	if f.maintenanceWindow != "" {
		windows, err := safety.ParseWindowList(f.maintenanceWindow)
		if err != nil {
			return cfg, err
		}
		cfg.MaintenanceWindows = windows
		cfg.EnforceMaintenanceWindow = true
	}
	return cfg, nil
}

func (f runFlags) sessionOptions(mode session.Mode) session.Options {
	inputDir := f.inputDir
	if f.tier != "" {
		inputDir = filepath.Join(f.inputDir, f.tier)
	}
	return session.Options{
		Mode:                 mode,
		InputDir:             inputDir,
		OutputDir:            f.outputDir,
		ConfigDir:            f.configDir,
		Product:              f.tier,
		Version:              f.version,
		Edition:              f.edition,
		OperatorID:           f.operatorID,
		DryRun:               f.dryRun,
		MaxOpsPerIntegration: f.maxOpsPerIntegration,
		MaxConcurrent:        f.maxConcurrent,
		BatchSize:            f.batchSize,
		StopOnFailure:        f.stopOnFailure,
		ContinueOnFailure:    f.continueOnFailure,
		ForceReprocess:       f.forceReprocess,
		MaxAgeHours:          f.maxAgeHours,
		CreateRestoreBundle:  f.createRestoreBundle,
		Confirmed:            f.forceConfirmation,
	}
}

// runSession wires the collaborators and runs one session.
func runSession(flags runFlags, opts session.Options) (*session.Summary, error) {
	safetyCfg, err := flags.safetyConfig()
	if err != nil {
		return nil, err
	}
	ctrl, err := safety.NewController(safetyCfg)
	if err != nil {
		return nil, err
	}

	store, err := state.Open(flags.statePath)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	orch := session.New(opts, config.NewLoader(flags.configDir), ctrl, store)
	return orch.Run(context.Background())
}

// printSummary renders the end-of-run table.
func printSummary(summary *session.Summary) {
	headerColor.Printf("\nSession %s\n", summary.SessionID)
	fmt.Printf("Output: %s\n\n", summary.SessionDir)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetBorder(false)
	table.Append([]string{"Integrations processed", fmt.Sprintf("%d", summary.IntegrationsProcessed)})
	table.Append([]string{"Integrations skipped", fmt.Sprintf("%d", summary.IntegrationsSkipped)})
	table.Append([]string{"Actions planned", fmt.Sprintf("%d", summary.ActionsPlanned)})
	table.Append([]string{"Actions executed", fmt.Sprintf("%d", summary.ActionsExecuted)})
	table.Append([]string{"Actions failed", fmt.Sprintf("%d", summary.ActionsFailed)})
	table.Append([]string{"Actions skipped", fmt.Sprintf("%d", summary.ActionsSkipped)})
	if summary.BundleID != "" {
		table.Append([]string{"Restore bundle", summary.BundleID})
	}
	table.Append([]string{"Duration", summary.Duration.Round(time.Millisecond).String()})
	table.Render()

	if len(summary.EventsByType) > 0 {
		headerColor.Println("\nCorruption events")
		events := tablewriter.NewWriter(os.Stdout)
		events.SetHeader([]string{"Type", "Count"})
		events.SetBorder(false)
		types := make([]string, 0, len(summary.EventsByType))
		for t := range summary.EventsByType {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			events.Append([]string{t, fmt.Sprintf("%d", summary.EventsByType[t])})
		}
		events.Render()
	}

	if summary.Preflight != nil {
		for _, blocker := range summary.Preflight.Blockers {
			errorColor.Printf("Blocker: ")
			fmt.Println(blocker)
		}
		for _, warning := range summary.Preflight.Warnings {
			warnColor.Printf("Warning: ")
			fmt.Println(warning)
		}
		for _, rec := range summary.Preflight.Recommendations {
			fmt.Println("Hint: " + rec)
		}
	}

	switch {
	case summary.Blocked():
		errorColor.Println("\nRun blocked by preflight")
	case summary.ActionsFailed > 0:
		errorColor.Printf("\n%d actions failed; see the audit log in %s\n",
			summary.ActionsFailed, summary.SessionDir)
	case summary.DryRun:
		warnColor.Println("\nDry run complete; no changes applied")
	default:
		successColor.Println("\nDone")
	}
}

// summaryExitCode maps the run outcome to the documented exit codes.
func summaryExitCode(summary *session.Summary) int {
	if summary.Blocked() || summary.ActionsFailed > 0 {
		return exitFailed
	}
	return exitOK
}
