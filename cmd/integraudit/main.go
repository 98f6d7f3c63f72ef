package main

import (
	"fmt"
	"os"

	"github.com/catherinevee/integraudit/cmd/integraudit/commands"
	"github.com/catherinevee/integraudit/internal/logger"
)

func main() {
	logLevel := os.Getenv("INTEGRAUDIT_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logger.Initialize(logger.Config{Level: logLevel, Format: os.Getenv("INTEGRAUDIT_LOG_FORMAT")})

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "audit":
		code = commands.HandleAuditCommand(os.Args[2:])
	case "fix":
		code = commands.HandleFixCommand(os.Args[2:])
	case "status":
		code = commands.HandleStatusCommand(os.Args[2:])
	case "state":
		code = commands.HandleStateCommand(os.Args[2:])
	case "config":
		code = commands.HandleConfigCommand(os.Args[2:])
	case "products":
		code = commands.HandleProductsCommand(os.Args[2:])
	case "business-rules":
		code = commands.HandleBusinessRulesCommand(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	case "version", "--version":
		fmt.Println("integraudit " + commands.Version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		code = 2
	}
	os.Exit(code)
}

func printUsage() {
	fmt.Println(`integraudit - integration fleet integrity auditor

Usage:
  integraudit <command> [flags]

Commands:
  audit            Detect configuration corruption and report it
  fix              Plan remediation and execute it (--dry-run | --apply)
  status           Show safety posture and state store statistics
  state            Inspect or maintain the processing state store
  config           Show or validate the loaded configuration
  products         List products with rule overrides
  business-rules   Show the business rules for an edition
  help             Show this help

Run 'integraudit <command> --help' for command flags.`)
}
