package commands

import (
	"fmt"

	"github.com/catherinevee/integraudit/internal/session"
)

// HandleAuditCommand detects and reports corruption without planning any
// remediation.
func HandleAuditCommand(args []string) int {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			printAuditHelp()
			return exitOK
		}
	}

	flags, err := parseRunFlags(args)
	if err != nil {
		printError(err)
		printAuditHelp()
		return exitConfig
	}
	if flags.apply || flags.dryRun {
		printError(fmt.Errorf("audit never executes; use 'fix --dry-run' or 'fix --apply'"))
		return exitConfig
	}

	summary, err := runSession(flags, flags.sessionOptions(session.ModeAudit))
	if err != nil {
		printError(err)
		return exitCodeFor(err)
	}
	printSummary(summary)
	return summaryExitCode(summary)
}

func printAuditHelp() {
	fmt.Println(`Usage: integraudit audit [flags]

Detect configuration corruption across the fleet and write a session report.

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
  --batch-size N              Stop after N integrations
  --max-concurrent N          Concurrent integration workers
  --operator-id ID            Operator recorded in state and audit entries
  --force-reprocess           Ignore the processing state store
  --max-age HOURS             Reprocess records older than this (default 24)`)
}
