package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/catherinevee/integraudit/internal/config"
	"github.com/catherinevee/integraudit/internal/safety"
)

// HandleConfigCommand shows or validates the loaded configuration.
func HandleConfigCommand(args []string) int {
	var (
		configDir = "config"
		show      bool
		validate  bool
	)

	p := newArgParser(args)
	for {
		arg, ok := p.next()
		if !ok {
			break
		}
		switch arg {
		case "--config":
			configDir = p.value(arg)
		case "--show":
			show = true
		case "--validate":
			validate = true
		case "--help", "-h":
			fmt.Println(`Usage: integraudit config [--show] [--validate] [--config DIR]

Show the effective safety configuration or validate the rules directory.`)
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
	if !show && !validate {
		show = true
	}

	if show {
		cfg, err := safety.LoadConfig()
		if err != nil {
			printError(err)
			return exitCodeFor(err)
		}
		headerColor.Println("Effective safety configuration")
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			printError(err)
			return exitFailed
		}
		os.Stdout.Write(data)
		fmt.Println()
	}

	if validate {
		errs := config.NewLoader(configDir).ValidateAll()
		if len(errs) == 0 {
			successColor.Printf("Configuration in %s is valid\n", configDir)
			return exitOK
		}
		for _, err := range errs {
			printError(err)
		}
		return exitConfig
	}
	return exitOK
}
