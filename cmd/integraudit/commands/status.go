package commands

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"

	"github.com/catherinevee/integraudit/internal/safety"
	"github.com/catherinevee/integraudit/internal/state"
)

// HandleStatusCommand prints the safety posture and state store statistics.
func HandleStatusCommand(args []string) int {
	statePath := defaultStatePath()
	p := newArgParser(args)
	for {
		arg, ok := p.next()
		if !ok {
			break
		}
		switch arg {
		case "--state-db":
			statePath = p.value(arg)
		case "--help", "-h":
			fmt.Println(`Usage: integraudit status [--state-db PATH]

Show the effective safety posture and processing state statistics.`)
			return exitOK
		default:
			printError(fmt.Errorf("unknown flag %s", arg))
			return exitConfig
		}
		if p.err != nil {
			printError(p.err)
			return exitConfig
		}
	}

	cfg, err := safety.LoadConfig()
	if err != nil {
		printError(err)
		return exitCodeFor(err)
	}
	ctrl, err := safety.NewController(cfg)
	if err != nil {
		printError(err)
		return exitCodeFor(err)
	}
	printSafetyStatus(cfg, ctrl.CurrentStatus())

	store, err := state.Open(statePath)
	if err != nil {
		printError(err)
		return exitCodeFor(err)
	}
	defer store.Close()

	stats, err := store.GetProcessingStats(context.Background())
	if err != nil {
		printError(err)
		return exitCodeFor(err)
	}
	printStateStats(statePath, stats)
	return exitOK
}

func printSafetyStatus(cfg safety.Config, status safety.Status) {
	headerColor.Println("Safety posture")
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Setting", "Value"})
	table.SetBorder(false)
	table.Append([]string{"Circuit breaker", status.Circuit.State})
	table.Append([]string{"Breaker failures", fmt.Sprintf("%d", status.Circuit.FailureCount)})
	table.Append([]string{"Maintenance posture", status.MaintenancePosture})
	table.Append([]string{"Allowlist", onOff(status.AllowlistEnabled)})
	table.Append([]string{"Max ops per integration", fmt.Sprintf("%d", cfg.MaxOpsPerIntegration)})
	table.Append([]string{"Max total operations", fmt.Sprintf("%d", cfg.MaxTotalOperations)})
	table.Append([]string{"Max concurrent integrations", fmt.Sprintf("%d", cfg.MaxConcurrentIntegrations)})
	table.Append([]string{"Rate limit", fmt.Sprintf("%.1f rps, burst %d", cfg.RequestsPerSecond, cfg.BurstLimit)})
	table.Render()
}

func printStateStats(path string, stats state.Stats) {
	headerColor.Println("\nProcessing state (" + path + ")")
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetBorder(false)
	table.Append([]string{"Records", fmt.Sprintf("%d", stats.TotalRecords)})
	table.Append([]string{"Operators", fmt.Sprintf("%d", stats.Operators)})
	if !stats.Oldest.IsZero() {
		table.Append([]string{"Oldest", stats.Oldest.UTC().Format("2006-01-02 15:04:05")})
		table.Append([]string{"Newest", stats.Newest.UTC().Format("2006-01-02 15:04:05")})
	}
	statuses := make([]string, 0, len(stats.ByStatus))
	for s := range stats.ByStatus {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		table.Append([]string{"Status " + s, fmt.Sprintf("%d", stats.ByStatus[s])})
	}
	table.Render()
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
