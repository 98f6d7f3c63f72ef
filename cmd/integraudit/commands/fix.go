package commands

import (
	"context"
	"fmt"

	"github.com/schollz/progressbar/v3"

	"github.com/catherinevee/integraudit/internal/models"
	"github.com/catherinevee/integraudit/internal/remediation"
	"github.com/catherinevee/integraudit/internal/session"
)

// HandleFixCommand plans remediation and either previews it (--dry-run) or
// executes it (--apply). Exactly one of the two must be chosen.
func HandleFixCommand(args []string) int {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			printFixHelp()
			return exitOK
		}
	}

	flags, err := parseRunFlags(args)
	if err != nil {
		printError(err)
		printFixHelp()
		return exitConfig
	}
	if flags.dryRun == flags.apply {
		printError(fmt.Errorf("fix requires exactly one of --dry-run or --apply"))
		return exitConfig
	}

	opts := flags.sessionOptions(session.ModeFix)
	if flags.apply {
		opts.Executor = &progressExecutor{
			inner: session.SimulatedExecutor{},
			bar: progressbar.NewOptions(-1,
				progressbar.OptionSetDescription("applying remediation"),
				progressbar.OptionSpinnerType(14),
				progressbar.OptionClearOnFinish(),
			),
		}
	}

	summary, err := runSession(flags, opts)
	if err != nil {
		printError(err)
		return exitCodeFor(err)
	}
	printSummary(summary)
	return summaryExitCode(summary)
}

// progressExecutor ticks the spinner once per attempted action. The inner
// executor stays simulated until a remote mutation engine is wired in.
type progressExecutor struct {
	inner remediation.Executor
	bar   *progressbar.ProgressBar
}

func (p *progressExecutor) ExecuteAction(ctx context.Context, action models.ExecutionAction) error {
	err := p.inner.ExecuteAction(ctx, action)
	p.bar.Add(1)
	return err
}

func printFixHelp() {
	fmt.Println(`Usage: integraudit fix (--dry-run | --apply) [flags]

Plan remediation for detected corruption, then preview or execute it.

Modes:
  --dry-run                   Plan and preview; nothing is executed
  --apply                     Execute the plans behind the safety controller

Flags:
  --input DIR                 CSV export directory (default "input")
  --output DIR                Session output directory (default "output")
  --config DIR                Rules and logic directory (default "config")
  --state-db PATH             Processing state database
  --tier NAME                 Product tier; reads input/<tier>/ and applies
                              the tier's rule overrides
  --edition NAME              Override the license edition used for planning
  --version VER               Rules version selector
  --allowlist IDS             Comma-separated integration IDs to allow
  --allowlist-accounts EMAILS Comma-separated account emails to allow
  --max-ops-per-integration N Per-integration action cap
  --max-concurrent N          Concurrent integration workers
  --rate-limit RPS            Action rate limit (requests per second)
  --batch-size N              Stop after N integrations
  --operator-id ID            Operator recorded in state and audit entries
  --force-confirmation        Acknowledge confirmation thresholds
  --create-restore-bundle     Snapshot pre-remediation state before applying
  --maintenance-window SPEC   e.g. "sat,sun 22:00-02:00"; enables enforcement
  --stop-on-failure           Skip a plan's remaining actions after a failure
                              (default for plans with delete/update actions)
  --continue-on-failure       Keep executing a plan past failures, even when
                              it contains destructive actions
  --force-reprocess           Ignore the processing state store
  --max-age HOURS             Reprocess records older than this (default 24)`)
}
