package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/catherinevee/integraudit/internal/state"
)

// HandleStateCommand inspects or maintains the processing state store.
func HandleStateCommand(args []string) int {
	var (
		statePath   = defaultStatePath()
		show        bool
		cleanupDays int
		exportPath  string
		doExport    bool
		importPath  string
		resetConfim string
		doReset     bool
	)

	p := newArgParser(args)
	for {
		arg, ok := p.next()
		if !ok {
			break
		}
		switch arg {
		case "--state-db":
			statePath = p.value(arg)
		case "--show":
			show = true
		case "--cleanup":
			cleanupDays = p.intValue(arg)
		case "--export":
			doExport = true
			// The file argument is optional; stdout otherwise.
			if p.pos < len(p.args) && len(p.args[p.pos]) > 0 && p.args[p.pos][0] != '-' {
				exportPath = p.value(arg)
			}
		case "--import":
			importPath = p.value(arg)
		case "--reset":
			doReset = true
			resetConfim = p.value(arg)
		case "--help", "-h":
			printStateHelp()
			return exitOK
		default:
			printError(fmt.Errorf("unknown flag %s", arg))
			printStateHelp()
			return exitConfig
		}
		if p.err != nil {
			printError(p.err)
			return exitConfig
		}
	}

	store, err := state.Open(statePath)
	if err != nil {
		printError(err)
		return exitCodeFor(err)
	}
	defer store.Close()
	ctx := context.Background()

	switch {
	case cleanupDays != 0:
		removed, err := store.Cleanup(ctx, cleanupDays)
		if err != nil {
			printError(err)
			return exitCodeFor(err)
		}
		successColor.Printf("Removed %d records older than %d days\n", removed, cleanupDays)

	case doExport:
		data, err := store.ExportState(ctx)
		if err != nil {
			printError(err)
			return exitCodeFor(err)
		}
		if exportPath == "" {
			os.Stdout.Write(data)
			fmt.Println()
		} else if err := os.WriteFile(exportPath, data, 0o644); err != nil {
			printError(err)
			return exitFailed
		} else {
			successColor.Printf("Exported state to %s\n", exportPath)
		}

	case importPath != "":
		data, err := os.ReadFile(importPath)
		if err != nil {
			printError(err)
			return exitFailed
		}
		count, err := store.ImportState(ctx, data)
		if err != nil {
			printError(err)
			return exitCodeFor(err)
		}
		successColor.Printf("Imported %d records\n", count)

	case doReset:
		if err := store.Reset(ctx, resetConfim); err != nil {
			printError(err)
			return exitCodeFor(err)
		}
		successColor.Println("State store reset")

	default:
		show = true
	}

	if show {
		stats, err := store.GetProcessingStats(ctx)
		if err != nil {
			printError(err)
			return exitCodeFor(err)
		}
		printStateStats(statePath, stats)
	}
	return exitOK
}

func printStateHelp() {
	fmt.Println(`Usage: integraudit state [flags]

Inspect or maintain the processing state store.

Flags:
  --state-db PATH     State database (default ~/.integraudit/state.db)
  --show              Print statistics (default when no other flag is given)
  --cleanup DAYS      Remove records older than DAYS
  --export [FILE]     Write all records as JSON to FILE or stdout
  --import FILE       Load records from a JSON export
  --reset CONFIRM     Delete every record; CONFIRM must be the literal RESET`)
}
